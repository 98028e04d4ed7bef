package ledger

import (
	"context"
	"encoding/json"
)

// ConfirmedTransaction is the resolved view of one confirmed transaction.
type ConfirmedTransaction struct {
	Slot      uint64
	BlockTime *int64 // unix seconds, nil when the node did not report one
	Meta      Metadata
}

// Metadata is either PresentMetadata or AbsentMetadata. A nil Metadata is
// treated as absent.
type Metadata interface {
	isMetadata()
}

// PresentMetadata carries the execution metadata the node returned.
//
// The balance lists keep the distinction between "not reported" (nil) and
// "reported but empty" (non-nil, zero length). Movements are only derived when
// both lists were reported.
type PresentMetadata struct {
	Fee               uint64
	Succeeded         bool
	PreTokenBalances  []BalanceSnapshot
	PostTokenBalances []BalanceSnapshot
	Raw               json.RawMessage // full metadata document
}

// AbsentMetadata marks a transaction for which the node returned no metadata.
type AbsentMetadata struct{}

func (PresentMetadata) isMetadata() {}
func (AbsentMetadata) isMetadata()  {}

// SignatureInfo is one entry of an account's signature history.
type SignatureInfo struct {
	Signature string
	Slot      uint64
	Failed    bool
}

// HistorySource pages through the signatures that touched an account, newest
// first. An empty before starts from the newest signature.
type HistorySource interface {
	SignaturesBefore(ctx context.Context, account, before string, limit int) ([]SignatureInfo, error)
}

// TransactionFetcher resolves a signature to its confirmed transaction.
type TransactionFetcher interface {
	FetchTransaction(ctx context.Context, signature string) (ConfirmedTransaction, error)
}

// TransactionReconciler folds one resolved transaction into the store.
type TransactionReconciler interface {
	Reconcile(ctx context.Context, signature string, tx ConfirmedTransaction) Result
}

// ExistenceChecker reports whether a transaction is already recorded.
type ExistenceChecker interface {
	TransactionExists(ctx context.Context, signature string) (bool, error)
}
