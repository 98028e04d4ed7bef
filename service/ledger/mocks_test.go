package ledger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/brojonat/vialytics/service/db"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func ptr[T any](v T) *T {
	return &v
}

// memStore is an in-memory Store and ExistenceChecker with the same
// idempotency rules as the Postgres store.
type memStore struct {
	mu           sync.Mutex
	transactions map[string]db.InsertTransactionParams
	movements    []db.InsertMovementParams
	movementKeys map[string]bool

	txErr       error
	txErrFunc   func(db.InsertTransactionParams) error
	txAttempts  int
	movementErr func(db.InsertMovementParams) error
	existsErr   error
	existsCalls int
}

func newMemStore() *memStore {
	return &memStore{
		transactions: make(map[string]db.InsertTransactionParams),
		movementKeys: make(map[string]bool),
	}
}

func (s *memStore) InsertTransaction(ctx context.Context, p db.InsertTransactionParams) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txAttempts++
	if s.txErr != nil {
		return false, s.txErr
	}
	if s.txErrFunc != nil {
		if err := s.txErrFunc(p); err != nil {
			return false, err
		}
	}
	if _, ok := s.transactions[p.Signature]; ok {
		return false, nil
	}
	s.transactions[p.Signature] = p
	return true, nil
}

func (s *memStore) InsertMovement(ctx context.Context, p db.InsertMovementParams) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.movementErr != nil {
		if err := s.movementErr(p); err != nil {
			return false, err
		}
	}
	if _, ok := s.transactions[p.Signature]; !ok {
		return false, fmt.Errorf("no transaction %s", p.Signature)
	}
	key := fmt.Sprintf("%s:%d:%s", p.Signature, p.AccountIndex, p.Mint)
	if s.movementKeys[key] {
		return false, nil
	}
	s.movementKeys[key] = true
	s.movements = append(s.movements, p)
	return true, nil
}

func (s *memStore) TransactionExists(ctx context.Context, signature string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.existsCalls++
	if s.existsErr != nil {
		return false, s.existsErr
	}
	_, ok := s.transactions[signature]
	return ok, nil
}

func (s *memStore) transactionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.transactions)
}

func (s *memStore) movementsFor(signature string) []db.InsertMovementParams {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []db.InsertMovementParams
	for _, m := range s.movements {
		if m.Signature == signature {
			out = append(out, m)
		}
	}
	return out
}

// pagedHistory serves pre-built signature pages and records each request.
type pagedHistory struct {
	mu      sync.Mutex
	pages   [][]SignatureInfo
	errAt   int // page index that fails, -1 for none
	err     error
	befores []string
}

func newPagedHistory(sizes ...int) *pagedHistory {
	h := &pagedHistory{errAt: -1}
	n := 0
	for _, size := range sizes {
		page := make([]SignatureInfo, size)
		for i := range page {
			n++
			page[i] = SignatureInfo{Signature: fmt.Sprintf("sig-%04d", n), Slot: uint64(100000 - n)}
		}
		h.pages = append(h.pages, page)
	}
	return h
}

func (h *pagedHistory) SignaturesBefore(ctx context.Context, account, before string, limit int) ([]SignatureInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	call := len(h.befores)
	h.befores = append(h.befores, before)
	if call == h.errAt {
		return nil, h.err
	}
	if call >= len(h.pages) {
		return nil, nil
	}
	return h.pages[call], nil
}

func (h *pagedHistory) calls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.befores)
}

// stubFetcher returns a canned transaction per signature, or fails for the
// signatures listed in failures.
type stubFetcher struct {
	mu       sync.Mutex
	txs      map[string]ConfirmedTransaction
	failures map[string]error
	calls    []string
	block    chan struct{} // when set, every fetch waits on it
}

func newStubFetcher() *stubFetcher {
	return &stubFetcher{
		txs:      make(map[string]ConfirmedTransaction),
		failures: make(map[string]error),
	}
}

func (f *stubFetcher) FetchTransaction(ctx context.Context, signature string) (ConfirmedTransaction, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, signature)
	if err, ok := f.failures[signature]; ok {
		return ConfirmedTransaction{}, err
	}
	if tx, ok := f.txs[signature]; ok {
		return tx, nil
	}
	return ConfirmedTransaction{Slot: 1, Meta: PresentMetadata{Fee: 5000, Succeeded: true}}, nil
}

func (f *stubFetcher) fetched() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// recordingReconciler remembers which signatures it was handed.
type recordingReconciler struct {
	mu         sync.Mutex
	signatures []string
	hook       func(signature string)
}

func (r *recordingReconciler) Reconcile(ctx context.Context, signature string, tx ConfirmedTransaction) Result {
	r.mu.Lock()
	r.signatures = append(r.signatures, signature)
	r.mu.Unlock()
	if r.hook != nil {
		r.hook(signature)
	}
	return Result{TransactionInserted: true}
}

func (r *recordingReconciler) reconciled() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.signatures...)
}
