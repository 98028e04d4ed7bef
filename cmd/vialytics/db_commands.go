package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/brojonat/vialytics/service/config"
	"github.com/brojonat/vialytics/service/db"
	"github.com/brojonat/vialytics/service/indexer"
	"github.com/urfave/cli/v2"
)

// migrateCommand applies pending schema migrations.
func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply pending database migrations",
		Description: `Apply the embedded SQL migrations to the configured database.

Already applied migrations are skipped, so the command is safe to re-run.

Example:
  vialytics -c vialytics.toml migrate`,
		Action: func(c *cli.Context) error {
			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return err
			}
			if cfg.Database.URL == "" {
				return fmt.Errorf("database.url is required")
			}

			pool, err := indexer.OpenPool(c.Context, cfg.Database)
			if err != nil {
				return err
			}
			defer pool.Close()

			applied, err := db.Migrate(c.Context, pool)
			if err != nil {
				return err
			}

			if c.Bool("json") {
				data, _ := json.Marshal(map[string]any{"applied": applied})
				fmt.Println(string(data))
				return nil
			}

			if len(applied) == 0 {
				fmt.Println("Database is up to date")
				return nil
			}
			for _, name := range applied {
				fmt.Printf("Applied %s\n", name)
			}
			return nil
		},
	}
}

// backfillCommand walks an account's history once and exits.
func backfillCommand() *cli.Command {
	return &cli.Command{
		Name:  "backfill",
		Usage: "Run a one-shot historical backfill",
		Description: `Walk the configured account's signature history from newest to oldest and
record every transaction not already stored, then exit.

Example:
  vialytics -c vialytics.toml backfill --wallet-address DYw8jCTfwHNRJhhmFcbXvVDTqWMEVFBX6ZKUmG5CNSKK`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "wallet-address",
				Usage: "Account to backfill (overrides account.address)",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level for progress output",
				Value: "info",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return err
			}
			if addr := c.String("wallet-address"); addr != "" {
				cfg.Account.Address = addr
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
				Level: parseLevel(c.String("log-level")),
			}))

			ix, err := indexer.New(c.Context, cfg, nil, logger)
			if err != nil {
				return err
			}
			defer ix.Close()

			stats, err := ix.Backfill(c.Context)

			if c.Bool("json") {
				data, _ := json.Marshal(stats)
				fmt.Println(string(data))
			} else {
				fmt.Printf("Run:          %s\n", stats.RunID)
				fmt.Printf("Pages:        %d\n", stats.Pages)
				fmt.Printf("Seen:         %d\n", stats.Seen)
				fmt.Printf("Reconciled:   %d\n", stats.Reconciled)
				fmt.Printf("Skipped:      %d\n", stats.Skipped)
				fmt.Printf("Fetch failed: %d\n", stats.FetchFailed)
			}

			return err
		},
	}
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}
