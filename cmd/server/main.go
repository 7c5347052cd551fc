/*
main.go - Application entry point

PURPOSE:
  Command-line front end of the token engine. Loads configuration, wires
  the store, coordination and pricing components, and runs one of the
  commands below.

COMMANDS:
  serve      Start the HTTP API (default)
  reconcile  Run one balance audit and exit non-zero on drift
  migrate    Open the store, apply the schema and exit

FLAGS (all commands):
  --config   YAML configuration file
  --db       Store DSN; overrides store.dsn (":memory:" for SQLite in memory)
  --driver   Store driver: memory, sqlite, mysql

FLAGS (serve):
  --port     HTTP server port
  --catalog  Promotions file seeded at startup (YAML or JSON)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the reconciliation scheduler
  4. Close the store and Redis client

EXAMPLES:
  # SQLite file, promotions seeded from a catalog
  ./server serve --db=./data/tokens.db --catalog=promotions.yaml

  # MySQL with Redis locks, everything from config and env
  TOKEN_ENGINE_REDIS_ENABLED=true ./server serve --config=config.prod.yaml

  # Nightly audit from cron
  ./server reconcile --config=config.prod.yaml

SEE ALSO:
  - app.go: Dependency wiring
  - config/config.go: Configuration sources
  - api/server.go: Router configuration
*/
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	storeFlags := []cli.Flag{
		&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML configuration file", EnvVars: []string{"TOKEN_ENGINE_CONFIG"}},
		&cli.StringFlag{Name: "db", Usage: "store DSN (overrides store.dsn)"},
		&cli.StringFlag{Name: "driver", Usage: "store driver: memory, sqlite, mysql"},
	}

	app := &cli.App{
		Name:  "token-engine",
		Usage: "token ledger and discount pricing service",
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "start the HTTP API",
				Flags: append([]cli.Flag{
					&cli.IntFlag{Name: "port", Aliases: []string{"p"}, Usage: "HTTP server port"},
					&cli.StringFlag{Name: "catalog", Usage: "promotions file seeded at startup"},
				}, storeFlags...),
				Action: serve,
			},
			{
				Name:   "reconcile",
				Usage:  "replay every account and report balance drift",
				Flags:  storeFlags,
				Action: reconcile,
			},
			{
				Name:   "migrate",
				Usage:  "apply the store schema and exit",
				Flags:  storeFlags,
				Action: migrate,
			},
		},
		DefaultCommand: "serve",
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
