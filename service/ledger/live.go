package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/brojonat/vialytics/service/metrics"
	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/errgroup"
)

// Notification announces one confirmed transaction that mentions the account.
type Notification struct {
	Signature string
	Slot      uint64
	Failed    bool
}

// NotificationSource delivers live notifications by calling handle once per
// event until ctx is done or the subscription ends. A handle error stops the
// source.
type NotificationSource interface {
	Stream(ctx context.Context, handle func(context.Context, Notification) error) error
}

// AdapterOptions sizes the live worker pool.
type AdapterOptions struct {
	Workers        int
	QueueSize      int
	DedupCacheSize int
}

// Adapter turns live notifications into reconciliations on a bounded pool of
// workers. A notification that cannot be resolved is dropped and never
// retried; the backfill walker is the recovery path for gaps.
type Adapter struct {
	fetcher    TransactionFetcher
	reconciler TransactionReconciler
	workers    int
	queue      chan Notification
	seen       *lru.Cache
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewAdapter creates a live adapter. m may be nil.
func NewAdapter(fetcher TransactionFetcher, reconciler TransactionReconciler, opts AdapterOptions, m *metrics.Metrics, logger *slog.Logger) (*Adapter, error) {
	if opts.Workers < 1 {
		return nil, fmt.Errorf("workers must be at least 1, got %d", opts.Workers)
	}
	if opts.QueueSize < 0 {
		return nil, fmt.Errorf("queue size must not be negative, got %d", opts.QueueSize)
	}
	if opts.DedupCacheSize < 1 {
		return nil, fmt.Errorf("dedup cache size must be at least 1, got %d", opts.DedupCacheSize)
	}

	seen, err := lru.New(opts.DedupCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create dedup cache: %w", err)
	}

	return &Adapter{
		fetcher:    fetcher,
		reconciler: reconciler,
		workers:    opts.Workers,
		queue:      make(chan Notification, opts.QueueSize),
		seen:       seen,
		metrics:    m,
		logger:     logger.With("component", "live"),
	}, nil
}

// Submit enqueues a notification. It blocks while the queue is full and
// returns ctx's error if ctx is done first. A signature seen recently is
// dropped silently.
//
// Submit must not be called once Run has returned.
func (a *Adapter) Submit(ctx context.Context, n Notification) error {
	if seen, _ := a.seen.ContainsOrAdd(n.Signature, struct{}{}); seen {
		a.record("duplicate")
		a.logger.DebugContext(ctx, "duplicate notification", "signature", n.Signature)
		return nil
	}

	select {
	case a.queue <- n:
		if a.metrics != nil {
			a.metrics.SetLiveQueueDepth(len(a.queue))
		}
		return nil
	case <-ctx.Done():
		a.seen.Remove(n.Signature)
		return ctx.Err()
	}
}

// Run starts the workers and pumps notifications from source into them. It
// returns when ctx is cancelled or the source ends. On cancellation, tasks
// already being processed finish and anything still queued is abandoned.
func (a *Adapter) Run(ctx context.Context, source NotificationSource) error {
	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < a.workers; i++ {
		id := i
		g.Go(func() error {
			a.work(gctx, id)
			return nil
		})
	}

	g.Go(func() error {
		defer close(a.queue)
		return source.Stream(gctx, a.Submit)
	})

	a.logger.InfoContext(ctx, "live ingestion started", "workers", a.workers, "queue_size", cap(a.queue))

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	a.logger.InfoContext(ctx, "live ingestion stopped", "error", err)
	return err
}

func (a *Adapter) work(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-a.queue:
			if !ok {
				return
			}
			if a.metrics != nil {
				a.metrics.SetLiveQueueDepth(len(a.queue))
			}
			// An in-flight task completes even if shutdown begins meanwhile.
			a.process(context.WithoutCancel(ctx), id, n)
		}
	}
}

func (a *Adapter) process(ctx context.Context, worker int, n Notification) {
	tx, err := a.fetcher.FetchTransaction(ctx, n.Signature)
	if err != nil {
		// Forget the signature so a later redelivery is not suppressed.
		a.seen.Remove(n.Signature)
		a.record("resolve_failed")
		a.logger.WarnContext(ctx, "failed to resolve notified transaction, dropping",
			"signature", n.Signature,
			"slot", n.Slot,
			"worker", worker,
			"error", err,
		)
		return
	}

	res := a.reconciler.Reconcile(ctx, n.Signature, tx)
	a.record("reconciled")
	a.logger.DebugContext(ctx, "reconciled notified transaction",
		"signature", n.Signature,
		"worker", worker,
		"movements", res.MovementsInserted,
	)
}

func (a *Adapter) record(outcome string) {
	if a.metrics != nil {
		a.metrics.RecordLiveNotification(outcome)
	}
}
