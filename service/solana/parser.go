package solana

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/brojonat/vialytics/service/ledger"
	"github.com/gagliardetto/solana-go/rpc"
)

// ParseTransactionResult converts a getTransaction response into the ledger's
// view of a confirmed transaction.
//
// Metadata is absent only when the node returned none. A balance list the node
// did not report stays nil, while a reported empty list stays empty.
func ParseTransactionResult(result *rpc.GetTransactionResult) (ledger.ConfirmedTransaction, error) {
	if result == nil {
		return ledger.ConfirmedTransaction{}, errors.New("empty transaction result")
	}

	tx := ledger.ConfirmedTransaction{
		Slot: result.Slot,
		Meta: ledger.AbsentMetadata{},
	}
	if result.BlockTime != nil {
		bt := int64(*result.BlockTime)
		tx.BlockTime = &bt
	}

	meta := result.Meta
	if meta == nil {
		return tx, nil
	}

	raw, err := json.Marshal(meta)
	if err != nil {
		return ledger.ConfirmedTransaction{}, fmt.Errorf("failed to encode transaction metadata: %w", err)
	}
	raw, err = stripNUL(raw)
	if err != nil {
		return ledger.ConfirmedTransaction{}, fmt.Errorf("failed to encode transaction metadata: %w", err)
	}

	tx.Meta = ledger.PresentMetadata{
		Fee:               meta.Fee,
		Succeeded:         meta.Err == nil,
		PreTokenBalances:  toSnapshots(meta.PreTokenBalances),
		PostTokenBalances: toSnapshots(meta.PostTokenBalances),
		Raw:               raw,
	}
	return tx, nil
}

func toSnapshots(balances []rpc.TokenBalance) []ledger.BalanceSnapshot {
	if balances == nil {
		return nil
	}

	out := make([]ledger.BalanceSnapshot, 0, len(balances))
	for _, b := range balances {
		snap := ledger.BalanceSnapshot{
			AccountIndex: b.AccountIndex,
			Mint:         b.Mint.String(),
		}
		if b.Owner != nil {
			owner := b.Owner.String()
			snap.Owner = &owner
		}
		if b.UiTokenAmount != nil {
			snap.Amount = b.UiTokenAmount.Amount
			snap.Decimals = b.UiTokenAmount.Decimals
		}
		out = append(out, snap)
	}
	return out
}

// stripNUL removes U+0000 from every string in a JSON document. Program logs
// can carry NUL bytes, which JSONB refuses.
func stripNUL(raw []byte) ([]byte, error) {
	if !bytes.Contains(raw, []byte(`\u0000`)) {
		return raw, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	return json.Marshal(dropNUL(doc))
}

func dropNUL(v any) any {
	switch t := v.(type) {
	case string:
		return strings.ReplaceAll(t, "\x00", "")
	case []any:
		for i := range t {
			t[i] = dropNUL(t[i])
		}
		return t
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[strings.ReplaceAll(k, "\x00", "")] = dropNUL(val)
		}
		return out
	default:
		return v
	}
}
