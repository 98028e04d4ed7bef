package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/brojonat/vialytics/service/db"
	"github.com/brojonat/vialytics/service/metrics"
	"github.com/brojonat/vialytics/service/nats"
	"github.com/shopspring/decimal"
)

// Store is the subset of the persistence gateway the reconciler writes to.
type Store interface {
	InsertTransaction(ctx context.Context, params db.InsertTransactionParams) (bool, error)
	InsertMovement(ctx context.Context, params db.InsertMovementParams) (bool, error)
}

// Publisher receives an event for every newly recorded movement.
type Publisher interface {
	PublishMovement(ctx context.Context, event *nats.MovementEvent) error
}

// Result summarises one reconciliation. Err joins every write or publish error
// that was swallowed along the way; it is informational only.
type Result struct {
	TransactionInserted bool
	MovementsDerived    int
	MovementsInserted   int
	Err                 error
}

// Reconciler turns a confirmed transaction into a transaction record plus its
// token movements. It never fails the caller: a failed write is logged,
// counted and skipped.
type Reconciler struct {
	account   string
	store     Store
	publisher Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewReconciler creates a reconciler for the given account. publisher and m
// may be nil.
func NewReconciler(account string, store Store, publisher Publisher, m *metrics.Metrics, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		account:   account,
		store:     store,
		publisher: publisher,
		metrics:   m,
		logger:    logger.With("component", "reconciler"),
	}
}

// Reconcile records the transaction and, when both balance lists are present,
// every non-zero token movement derived from them.
func (r *Reconciler) Reconcile(ctx context.Context, signature string, tx ConfirmedTransaction) Result {
	var (
		result Result
		errs   []error
	)

	params := db.InsertTransactionParams{
		Signature: signature,
		Slot:      tx.Slot,
		BlockTime: tx.BlockTime,
	}

	metaLabel := "absent"
	var pre, post []BalanceSnapshot
	derive := false
	if meta, ok := tx.Meta.(PresentMetadata); ok {
		metaLabel = "present"
		params.Fee = meta.Fee
		params.Status = meta.Succeeded
		params.RawMeta = meta.Raw
		if meta.PreTokenBalances != nil && meta.PostTokenBalances != nil {
			pre, post = meta.PreTokenBalances, meta.PostTokenBalances
			derive = true
		}
	}

	statusLabel := "failed"
	if params.Status {
		statusLabel = "success"
	}

	inserted, err := r.store.InsertTransaction(ctx, params)
	if err != nil && params.RawMeta != nil && errors.Is(err, db.ErrInvalidRawMeta) {
		r.logger.WarnContext(ctx, "raw metadata rejected, recording transaction without it",
			"signature", signature,
			"slot", tx.Slot,
			"error", err,
		)
		errs = append(errs, err)
		params.RawMeta = nil
		inserted, err = r.store.InsertTransaction(ctx, params)
	}
	if err != nil {
		r.logger.ErrorContext(ctx, "failed to record transaction",
			"signature", signature,
			"slot", tx.Slot,
			"block_time", tx.BlockTime,
			"status", statusLabel,
			"fee", params.Fee,
			"metadata", metaLabel,
			"error", err,
		)
		if r.metrics != nil {
			r.metrics.RecordWriteFailed("transactions")
		}
		// Movements reference the transaction row, so they cannot be written either.
		result.Err = errors.Join(append(errs, err)...)
		return result
	}
	result.TransactionInserted = inserted

	if r.metrics != nil {
		r.metrics.RecordTransactionReconciled(metaLabel, statusLabel)
	}
	r.logger.InfoContext(ctx, "processed transaction",
		"signature", signature,
		"slot", tx.Slot,
		"status", statusLabel,
		"fee", params.Fee,
		"metadata", metaLabel,
		"inserted", inserted,
	)

	if !derive {
		result.Err = errors.Join(errs...)
		return result
	}

	movements, overflow := DiffReport(pre, post)
	result.MovementsDerived = len(movements)

	for _, o := range overflow {
		r.logger.WarnContext(ctx, "token balance change out of range, not recorded",
			"signature", signature,
			"account_index", o.AccountIndex,
			"mint", o.Mint,
			"pre", o.Pre,
			"post", o.Post,
		)
		if r.metrics != nil {
			r.metrics.RecordMovementOutOfRange()
		}
		errs = append(errs, fmt.Errorf("movement %s/%d/%s: change from %d to %d does not fit int64",
			signature, o.AccountIndex, o.Mint, o.Pre, o.Post))
	}

	for _, m := range movements {
		mp := db.InsertMovementParams{
			Signature:    signature,
			AccountIndex: m.AccountIndex,
			Mint:         m.Mint,
			Amount:       m.Amount,
			Decimals:     m.Decimals,
			Source:       m.Source,
			Destination:  m.Destination,
			BlockTime:    tx.BlockTime,
		}

		ok, err := r.store.InsertMovement(ctx, mp)
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to record token movement",
				"signature", signature,
				"account_index", m.AccountIndex,
				"mint", m.Mint,
				"error", err,
			)
			if r.metrics != nil {
				r.metrics.RecordWriteFailed("token_movements")
			}
			errs = append(errs, err)
			continue
		}

		if r.metrics != nil {
			if ok {
				r.metrics.RecordMovementWritten("inserted")
			} else {
				r.metrics.RecordMovementWritten("duplicate")
			}
		}

		r.logger.InfoContext(ctx, "token movement detected",
			"signature", signature,
			"direction", direction(m.Amount),
			"amount", UIAmount(m.Amount, m.Decimals),
			"mint", m.Mint,
			"account_index", m.AccountIndex,
		)

		if !ok {
			continue
		}
		result.MovementsInserted++

		if err := r.publish(ctx, mp, tx.Slot); err != nil {
			errs = append(errs, err)
		}
	}

	result.Err = errors.Join(errs...)
	return result
}

func (r *Reconciler) publish(ctx context.Context, mp db.InsertMovementParams, slot uint64) error {
	if r.publisher == nil {
		return nil
	}

	event := nats.NewMovementEvent(r.account, mp, slot)
	if err := r.publisher.PublishMovement(ctx, event); err != nil {
		r.logger.WarnContext(ctx, "failed to publish movement event",
			"signature", mp.Signature,
			"mint", mp.Mint,
			"error", err,
		)
		if r.metrics != nil {
			r.metrics.RecordPublishFailure()
		}
		return fmt.Errorf("publish %s: %w", event.ID(), err)
	}
	return nil
}

// UIAmount renders a raw amount scaled by decimals, without sign.
func UIAmount(amount int64, decimals uint8) string {
	return decimal.New(amount, -int32(decimals)).Abs().String()
}

func direction(amount int64) string {
	if amount < 0 {
		return "sent"
	}
	return "received"
}
