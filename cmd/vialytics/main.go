package main

import (
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli/v2"
)

var (
	// Version information (set via ldflags during build)
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "vialytics",
		Usage: "Operator CLI for the vialytics ledger indexer",
		Description: `A command-line tool for operating the vialytics indexer.

Use this CLI to migrate the database, run a one-shot backfill and watch the
token movement events published to NATS.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		Commands: []*cli.Command{
			migrateCommand(),
			backfillCommand(),
			// NATS movement streaming commands
			{
				Name:  "nats",
				Usage: "NATS movement streaming commands",
				Subcommands: []*cli.Command{
					tailCommand(),
					inspectStreamCommand(),
				},
			},
		},
		// Global flags available to all commands
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to TOML config file",
				EnvVars: []string{"VIALYTICS_CONFIG"},
			},
			&cli.BoolFlag{
				Name:    "json",
				Aliases: []string{"j"},
				Usage:   "Output in JSON format",
			},
		},
	}
}
