package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"horse.fit/issue-index/internal/cli"
	"horse.fit/issue-index/internal/db"
)

// runMigrate creates or updates the tables this service writes. The snapshot
// tables it reads are left alone.
func runMigrate(args []string) int {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", time.Minute, "Migration timeout")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "migrate does not accept positional args")
		return 2
	}

	cfg, logger, ok := loadRuntime(envLoader)
	if !ok {
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	pool, err := db.NewPool(ctx, cfg)
	if err != nil {
		logger.Error().Err(err).Msg("migrate failed to connect to database")
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		return 1
	}
	defer pool.Close()

	if err := pool.Migrate(ctx); err != nil {
		logger.Error().Err(err).Msg("schema migration failed")
		fmt.Fprintf(os.Stderr, "Migration failed: %v\n", err)
		return 1
	}

	logger.Info().Msg("schema migration complete")
	fmt.Println("ok: job_issue_index and job_cluster_mapping are up to date")
	return 0
}
