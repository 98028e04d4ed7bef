package ledger

import (
	"math"
	"sort"
	"strconv"
)

// BalanceSnapshot is one token account's holdings of one mint, either before
// or after a transaction. It is keyed by (AccountIndex, Mint).
type BalanceSnapshot struct {
	AccountIndex uint16
	Mint         string
	Owner        *string
	Amount       string // raw integer amount, unscaled
	Decimals     uint8
}

// Movement is a non-zero net change in one token account's holdings of one mint.
type Movement struct {
	AccountIndex uint16
	Mint         string
	Amount       int64
	Decimals     uint8
	Source       *string // owner of the debited account (Amount < 0)
	Destination  *string // owner of the credited account (Amount > 0)
}

// OutOfRange is a delta whose magnitude does not fit a signed 64-bit amount.
// It is reported instead of being recorded with a wrong value.
type OutOfRange struct {
	AccountIndex uint16
	Mint         string
	Pre          uint64
	Post         uint64
}

type balanceKey struct {
	accountIndex uint16
	mint         string
}

// Diff computes the net per-account, per-mint movements between the pre and
// post snapshots of a transaction. Deltas that do not fit an int64 are
// left out; DiffReport returns them.
func Diff(pre, post []BalanceSnapshot) []Movement {
	movements, _ := DiffReport(pre, post)
	return movements
}

// DiffReport is Diff plus the deltas that could not be represented.
//
// A post snapshot with no pre counterpart is a newly funded account and diffs
// against zero. When pre holds duplicate keys the first one wins. Amounts are
// unsigned 64-bit integers; anything that does not parse as one counts as
// zero. Only non-zero deltas are returned, ordered by account index then mint,
// regardless of input order.
func DiffReport(pre, post []BalanceSnapshot) ([]Movement, []OutOfRange) {
	preAmounts := make(map[balanceKey]uint64, len(pre))
	for _, snap := range pre {
		key := balanceKey{accountIndex: snap.AccountIndex, mint: snap.Mint}
		if _, seen := preAmounts[key]; seen {
			continue
		}
		preAmounts[key] = parseAmount(snap.Amount)
	}

	movements := make([]Movement, 0, len(post))
	var overflow []OutOfRange
	for _, snap := range post {
		key := balanceKey{accountIndex: snap.AccountIndex, mint: snap.Mint}
		before, after := preAmounts[key], parseAmount(snap.Amount)
		if before == after {
			continue
		}

		delta, ok := signedDelta(before, after)
		if !ok {
			overflow = append(overflow, OutOfRange{
				AccountIndex: snap.AccountIndex,
				Mint:         snap.Mint,
				Pre:          before,
				Post:         after,
			})
			continue
		}

		m := Movement{
			AccountIndex: snap.AccountIndex,
			Mint:         snap.Mint,
			Amount:       delta,
			Decimals:     snap.Decimals,
		}
		if snap.Owner != nil {
			owner := *snap.Owner
			if delta < 0 {
				m.Source = &owner
			} else {
				m.Destination = &owner
			}
		}
		movements = append(movements, m)
	}

	sort.SliceStable(movements, func(i, j int) bool {
		if movements[i].AccountIndex != movements[j].AccountIndex {
			return movements[i].AccountIndex < movements[j].AccountIndex
		}
		return movements[i].Mint < movements[j].Mint
	})

	return movements, overflow
}

// signedDelta returns after-before, or false when it falls outside int64.
func signedDelta(before, after uint64) (int64, bool) {
	if after >= before {
		d := after - before
		if d > math.MaxInt64 {
			return 0, false
		}
		return int64(d), true
	}
	d := before - after
	switch {
	case d <= math.MaxInt64:
		return -int64(d), true
	case d == math.MaxInt64+1:
		return math.MinInt64, true
	default:
		return 0, false
	}
}

// parseAmount returns 0 for anything that is not a base-10 uint64.
func parseAmount(s string) uint64 {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
