package indexer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/brojonat/vialytics/service/config"
	"github.com/brojonat/vialytics/service/db"
	"github.com/brojonat/vialytics/service/ledger"
	"github.com/brojonat/vialytics/service/metrics"
	natspkg "github.com/brojonat/vialytics/service/nats"
	"github.com/brojonat/vialytics/service/solana"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Indexer wires the store, RPC client, optional publisher and reconciler for
// one account.
type Indexer struct {
	cfg        *config.Config
	pool       *pgxpool.Pool
	store      *db.Store
	client     *solana.Client
	publisher  natspkg.Publisher
	reconciler *ledger.Reconciler
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// New connects to Postgres, applies migrations and, when configured, connects
// the NATS publisher. cfg must already be validated. m may be nil.
func New(ctx context.Context, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) (*Indexer, error) {
	pool, err := OpenPool(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	logger.Info("connected to database", "max_conns", cfg.Database.MaxConns)

	applied, err := db.Migrate(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	if len(applied) > 0 {
		logger.Info("applied migrations", "files", applied)
	}

	ix := &Indexer{
		cfg:     cfg,
		pool:    pool,
		store:   db.NewStore(pool, m),
		metrics: m,
		logger:  logger,
	}

	ix.client = solana.NewClient(solana.NewRPCClient(cfg.RPC.URL), solana.ClientOptions{
		Timeout:           cfg.RPC.Timeout.Duration,
		RequestsPerSecond: cfg.RPC.RequestsPerSecond,
		Burst:             cfg.RPC.Burst,
		MaxAttempts:       cfg.RPC.MaxAttempts,
	}, m, logger)

	// A nil *JetStreamPublisher must not end up inside the interface.
	var publisher ledger.Publisher
	if cfg.NATS.URL != "" {
		p, err := natspkg.NewPublisher(cfg.NATS.URL, m, logger)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to create NATS publisher: %w", err)
		}
		ix.publisher = p
		publisher = p
	} else {
		logger.Info("NATS publishing disabled")
	}

	ix.reconciler = ledger.NewReconciler(cfg.Account.Address, ix.store, publisher, m, logger)

	return ix, nil
}

// OpenPool creates the bounded connection pool and verifies it.
func OpenPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := PoolConfig(cfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

// PoolConfig parses the database URL and applies the connection bound.
func PoolConfig(cfg config.DatabaseConfig) (*pgxpool.Config, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}
	return poolCfg, nil
}

// Backfill walks the account's full history once.
func (ix *Indexer) Backfill(ctx context.Context) (ledger.BackfillStats, error) {
	walker := ledger.NewWalker(ledger.WalkerConfig{
		Account:    ix.cfg.Account.Address,
		History:    ix.client,
		Fetcher:    ix.client,
		Existing:   ix.store,
		Reconciler: ix.reconciler,
		PageSize:   ix.cfg.Backfill.PageSize,
		Metrics:    ix.metrics,
		Logger:     ix.logger,
	})
	return walker.Run(ctx)
}

// Live ingests notifications from the websocket subscription until ctx is done.
func (ix *Indexer) Live(ctx context.Context) error {
	stream, err := solana.NewLogStream(ix.cfg.RPC.WSURL, ix.cfg.Account.Address, ix.metrics, ix.logger)
	if err != nil {
		return err
	}

	adapter, err := ledger.NewAdapter(ix.client, ix.reconciler, ledger.AdapterOptions{
		Workers:        ix.cfg.Live.Workers,
		QueueSize:      ix.cfg.Live.QueueSize,
		DedupCacheSize: ix.cfg.Live.DedupCacheSize,
	}, ix.metrics, ix.logger)
	if err != nil {
		return fmt.Errorf("failed to create live adapter: %w", err)
	}

	return adapter.Run(ctx, stream)
}

// Close releases the publisher and the connection pool.
func (ix *Indexer) Close() {
	if ix.publisher != nil {
		if err := ix.publisher.Close(); err != nil {
			ix.logger.Error("failed to close NATS publisher", "error", err)
		}
	}
	ix.pool.Close()
}
