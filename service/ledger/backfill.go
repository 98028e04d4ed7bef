package ledger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/brojonat/vialytics/service/metrics"
	"github.com/google/uuid"
)

// DefaultPageSize is the number of signatures requested per history page.
const DefaultPageSize = 100

// PageFetchError is returned when a signature page cannot be fetched. It halts
// the walk; everything reconciled before it stays recorded.
type PageFetchError struct {
	Before string // cursor the failed page was requested with, empty for the first page
	Err    error
}

func (e *PageFetchError) Error() string {
	if e.Before == "" {
		return fmt.Sprintf("failed to fetch first signature page: %v", e.Err)
	}
	return fmt.Sprintf("failed to fetch signature page before %s: %v", e.Before, e.Err)
}

func (e *PageFetchError) Unwrap() error {
	return e.Err
}

// BackfillStats counts what a walk did.
type BackfillStats struct {
	RunID       string
	Pages       int
	Seen        int
	Skipped     int
	Reconciled  int
	FetchFailed int
	Cursor      string // last signature visited
}

// Walker pages backwards through an account's signature history, newest to
// oldest, and reconciles every signature not already recorded.
type Walker struct {
	account    string
	history    HistorySource
	fetcher    TransactionFetcher
	existing   ExistenceChecker
	reconciler TransactionReconciler
	pageSize   int
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// WalkerConfig holds the collaborators of a Walker. Metrics may be nil and a
// non-positive PageSize means DefaultPageSize.
type WalkerConfig struct {
	Account    string
	History    HistorySource
	Fetcher    TransactionFetcher
	Existing   ExistenceChecker
	Reconciler TransactionReconciler
	PageSize   int
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// NewWalker creates a Walker.
func NewWalker(cfg WalkerConfig) *Walker {
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Walker{
		account:    cfg.Account,
		history:    cfg.History,
		fetcher:    cfg.Fetcher,
		existing:   cfg.Existing,
		reconciler: cfg.Reconciler,
		pageSize:   pageSize,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger.With("component", "backfill", "account", cfg.Account),
	}
}

// Run walks the full history once. It stops after an empty page, after a page
// shorter than the page size, on a page fetch error (*PageFetchError) or when
// ctx is done.
func (w *Walker) Run(ctx context.Context) (BackfillStats, error) {
	stats := BackfillStats{RunID: uuid.NewString()}
	logger := w.logger.With("run_id", stats.RunID)

	logger.InfoContext(ctx, "starting backfill", "page_size", w.pageSize)

	before := ""
	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		page, err := w.history.SignaturesBefore(ctx, w.account, before, w.pageSize)
		if err != nil {
			logger.ErrorContext(ctx, "failed to fetch signature page",
				"before", before,
				"error", err,
			)
			return stats, &PageFetchError{Before: before, Err: err}
		}
		stats.Pages++
		if w.metrics != nil {
			w.metrics.RecordBackfillPage()
		}

		if len(page) == 0 {
			break
		}

		logger.InfoContext(ctx, "fetched signature page",
			"page", stats.Pages,
			"signatures", len(page),
		)

		for _, info := range page {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
			w.visit(ctx, logger, info.Signature, &stats)
			before = info.Signature
			stats.Cursor = before
		}

		if len(page) < w.pageSize {
			break
		}
	}

	logger.InfoContext(ctx, "backfill complete",
		"pages", stats.Pages,
		"seen", stats.Seen,
		"skipped", stats.Skipped,
		"reconciled", stats.Reconciled,
		"fetch_failed", stats.FetchFailed,
	)
	return stats, nil
}

func (w *Walker) visit(ctx context.Context, logger *slog.Logger, signature string, stats *BackfillStats) {
	stats.Seen++

	exists, err := w.existing.TransactionExists(ctx, signature)
	if err != nil {
		// Writes are idempotent, so reconciling a recorded signature is harmless.
		logger.WarnContext(ctx, "existence check failed, reconciling anyway",
			"signature", signature,
			"error", err,
		)
		exists = false
	}
	if exists {
		stats.Skipped++
		w.record("skipped_existing")
		logger.DebugContext(ctx, "signature already recorded", "signature", signature)
		return
	}

	tx, err := w.fetcher.FetchTransaction(ctx, signature)
	if err != nil {
		stats.FetchFailed++
		w.record("fetch_failed")
		logger.WarnContext(ctx, "failed to fetch transaction, skipping",
			"signature", signature,
			"error", err,
		)
		return
	}

	w.reconciler.Reconcile(ctx, signature, tx)
	stats.Reconciled++
	w.record("reconciled")
}

func (w *Walker) record(outcome string) {
	if w.metrics != nil {
		w.metrics.RecordBackfillSignature(outcome)
	}
}
