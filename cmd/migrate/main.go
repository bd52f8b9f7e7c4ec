// Command migrate applies or rolls back the SQL schema migrations. The
// service applies pending migrations itself on startup by default; this
// tool exists for deployments where the service user has no DDL rights.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"

	_ "github.com/lib/pq"

	"BondLadder/internal/config"
	"BondLadder/internal/persistence"
)

func main() {
	configPath := flag.String("config", "", "path to TOML config file (optional)")
	migrationsDir := flag.String("dir", "migrations", "path to SQL migration files")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Println("Usage: migrate [flags] <up|down>")
		fmt.Println("  up   - apply all pending migrations")
		fmt.Println("  down - roll back the last migration")
		fmt.Println()
		fmt.Println("The Postgres connection comes from the config file and the")
		fmt.Println("LADDER_POSTGRES_* environment variables.")
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("FATAL: load config: %v", err)
	}

	db, err := sql.Open("postgres", cfg.Postgres.ConnString())
	if err != nil {
		log.Fatalf("FATAL: open db: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	migrator := persistence.NewMigrator(db, *migrationsDir)

	switch flag.Arg(0) {
	case "up":
		if err := migrator.Up(ctx); err != nil {
			log.Fatalf("FATAL: migrate up: %v", err)
		}
		log.Println("INFO: all migrations applied")

	case "down":
		if err := migrator.Down(ctx); err != nil {
			log.Fatalf("FATAL: migrate down: %v", err)
		}
		log.Println("INFO: last migration rolled back")

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s (use 'up' or 'down')\n", flag.Arg(0))
		os.Exit(1)
	}
}
