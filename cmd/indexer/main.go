package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/vialytics/service/config"
	"github.com/brojonat/vialytics/service/indexer"
	"github.com/brojonat/vialytics/service/ledger"
	"github.com/brojonat/vialytics/service/metrics"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

var (
	// Version information (set via ldflags during build)
	version = "dev"
	commit  = "unknown"
)

func main() {
	app := &cli.App{
		Name:    "indexer",
		Usage:   "Index token movements for one Solana account",
		Version: fmt.Sprintf("%s (commit: %s)", version, commit),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to TOML config file",
				EnvVars: []string{"VIALYTICS_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "wallet-address",
				Usage: "Account to index (overrides account.address)",
			},
			&cli.BoolFlag{
				Name:  "skip-backfill",
				Usage: "Start live ingestion without walking history first",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting indexer",
		"account", cfg.Account.Address,
		"rpc_url", cfg.RPC.URL,
		"backfill", cfg.Backfill.Enabled,
		"log_level", cfg.LogLevel,
	)

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricsCollector := metrics.NewMetrics(nil) // nil uses default registry

	ix, err := indexer.New(ctx, cfg, metricsCollector, logger)
	if err != nil {
		return err
	}
	defer ix.Close()

	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           ix.OpsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting ops HTTP server", "addr", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown metrics server", "error", err)
		}
		return nil
	})

	g.Go(func() error {
		defer stop()
		return ingest(gctx, ix, cfg.Backfill.Enabled && !c.Bool("skip-backfill"), logger)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("indexer stopped with error", "error", err)
		return err
	}

	logger.Info("shutdown complete")
	return nil
}

// pipeline is the part of the indexer that ingest drives.
type pipeline interface {
	Backfill(ctx context.Context) (ledger.BackfillStats, error)
	Live(ctx context.Context) error
}

// ingest runs the backfill to completion, then live ingestion until ctx is done.
func ingest(ctx context.Context, p pipeline, backfill bool, logger *slog.Logger) error {
	if backfill {
		stats, err := p.Backfill(ctx)
		var pageErr *ledger.PageFetchError
		switch {
		case errors.As(err, &pageErr):
			// Live ingestion still starts; the next run's backfill closes the gap.
			logger.Error("backfill halted early", "error", err, "reconciled", stats.Reconciled)
		case err != nil:
			return err
		default:
			logger.Info("backfill finished",
				"pages", stats.Pages,
				"reconciled", stats.Reconciled,
				"skipped", stats.Skipped,
			)
		}
	} else {
		logger.Info("skipping backfill")
	}

	return p.Live(ctx)
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if addr := c.String("wallet-address"); addr != "" {
		cfg.Account.Address = addr
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setupLogger creates a structured logger with the given log level.
func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
