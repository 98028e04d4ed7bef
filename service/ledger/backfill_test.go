package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWalker(history HistorySource, fetcher TransactionFetcher, store *memStore, reconciler TransactionReconciler) *Walker {
	return NewWalker(WalkerConfig{
		Account:    "W1",
		History:    history,
		Fetcher:    fetcher,
		Existing:   store,
		Reconciler: reconciler,
		PageSize:   100,
		Logger:     discardLogger(),
	})
}

func TestWalker_TerminatesAfterShortPage(t *testing.T) {
	history := newPagedHistory(100, 100, 40)
	fetcher := newStubFetcher()
	reconciler := &recordingReconciler{}

	stats, err := newTestWalker(history, fetcher, newMemStore(), reconciler).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, history.calls())
	assert.Equal(t, 3, stats.Pages)
	assert.Equal(t, 240, stats.Seen)
	assert.Equal(t, 240, stats.Reconciled)
	assert.Len(t, reconciler.reconciled(), 240)
	assert.NotEmpty(t, stats.RunID)

	// Each page after the first starts before the last signature of the previous one.
	assert.Equal(t, []string{"", "sig-0100", "sig-0200"}, history.befores)
	assert.Equal(t, "sig-0240", stats.Cursor)
}

func TestWalker_EmptyHistory(t *testing.T) {
	history := newPagedHistory(0)
	reconciler := &recordingReconciler{}

	stats, err := newTestWalker(history, newStubFetcher(), newMemStore(), reconciler).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, history.calls())
	assert.Zero(t, stats.Seen)
	assert.Empty(t, reconciler.reconciled())
}

func TestWalker_FullLastPageNeedsOneMoreFetch(t *testing.T) {
	history := newPagedHistory(100, 100)

	stats, err := newTestWalker(history, newStubFetcher(), newMemStore(), &recordingReconciler{}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, history.calls())
	assert.Equal(t, 200, stats.Reconciled)
}

func TestWalker_SkipsRecordedSignatures(t *testing.T) {
	history := newPagedHistory(5)
	store := newMemStore()
	fetcher := newStubFetcher()
	reconciler := NewReconciler("W1", store, nil, nil, discardLogger())

	first, err := newTestWalker(history, fetcher, store, reconciler).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, first.Reconciled)
	assert.Len(t, fetcher.fetched(), 5)

	history = newPagedHistory(5)
	second, err := newTestWalker(history, fetcher, store, reconciler).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 5, second.Skipped)
	assert.Zero(t, second.Reconciled)
	assert.Len(t, fetcher.fetched(), 5, "recorded signatures must not be fetched again")
	assert.Equal(t, 5, store.transactionCount())
}

func TestWalker_FetchFailureAdvancesCursor(t *testing.T) {
	history := newPagedHistory(3)
	fetcher := newStubFetcher()
	fetcher.failures["sig-0002"] = errors.New("rpc timeout")
	reconciler := &recordingReconciler{}

	stats, err := newTestWalker(history, fetcher, newMemStore(), reconciler).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.FetchFailed)
	assert.Equal(t, 2, stats.Reconciled)
	assert.Equal(t, []string{"sig-0001", "sig-0003"}, reconciler.reconciled())
	assert.Equal(t, "sig-0003", stats.Cursor)
}

func TestWalker_ExistenceCheckErrorReconciles(t *testing.T) {
	history := newPagedHistory(2)
	store := newMemStore()
	store.existsErr = errors.New("pool exhausted")
	reconciler := &recordingReconciler{}

	stats, err := newTestWalker(history, newStubFetcher(), store, reconciler).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, stats.Reconciled)
	assert.Len(t, reconciler.reconciled(), 2)
	assert.Equal(t, 2, store.existsCalls)
}

func TestWalker_PageFetchErrorHalts(t *testing.T) {
	history := newPagedHistory(100, 100)
	history.errAt = 1
	history.err = errors.New("429 too many requests")
	reconciler := &recordingReconciler{}

	stats, err := newTestWalker(history, newStubFetcher(), newMemStore(), reconciler).Run(context.Background())
	require.Error(t, err)

	var pageErr *PageFetchError
	require.ErrorAs(t, err, &pageErr)
	assert.Equal(t, "sig-0100", pageErr.Before)
	assert.ErrorIs(t, err, history.err)

	assert.Equal(t, 100, stats.Reconciled, "work done before the failure is kept")
	assert.Len(t, reconciler.reconciled(), 100)
}

func TestWalker_StopsOnCancel(t *testing.T) {
	history := newPagedHistory(100)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reconciler := &recordingReconciler{hook: func(string) { cancel() }}

	stats, err := newTestWalker(history, newStubFetcher(), newMemStore(), reconciler).Run(ctx)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, stats.Reconciled)
	assert.Equal(t, 1, history.calls())
}

func TestPageFetchError_Message(t *testing.T) {
	first := &PageFetchError{Err: errors.New("boom")}
	assert.Equal(t, "failed to fetch first signature page: boom", first.Error())

	later := &PageFetchError{Before: "abc", Err: errors.New("boom")}
	assert.Equal(t, "failed to fetch signature page before abc: boom", later.Error())
}
