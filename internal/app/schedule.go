package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"horse.fit/issue-index/internal/cli"
	"horse.fit/issue-index/internal/db"
	"horse.fit/issue-index/internal/issueindex"
	"horse.fit/issue-index/internal/scheduler"
)

func runSchedule(args []string) int {
	fs := flag.NewFlagSet("schedule", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	spec := fs.String("cron", "", "Cron expression (default SCHEDULE_CRON)")
	runOnStart := fs.Bool("run-on-start", false, "Compute the current bucket immediately")
	allowEmpty := fs.Bool("allow-empty", false, "Write zero indexes when a bucket has no cluster snapshots")
	withAPI := fs.Bool("serve", false, "Also serve the read API from this process")
	lockFile := fs.String("lock-file", "", "Writer lock path (default LOCK_FILE or user cache dir)")
	runTimeout := fs.Duration("run-timeout", 10*time.Minute, "Timeout for a single scheduled run")
	flags := addServeFlags(fs)

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if *withAPI {
		if err := validatePort(*flags.port, "--port"); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 2
		}
	}

	cfg, logger, ok := loadRuntime(envLoader)
	if !ok {
		return 1
	}

	cronSpec := strings.TrimSpace(*spec)
	if cronSpec == "" {
		cronSpec = cfg.ScheduleCron
	}
	location, err := time.LoadLocation(strings.TrimSpace(cfg.ScheduleTimezone))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid SCHEDULE_TIMEZONE: %v\n", err)
		return 1
	}

	vocab, err := loadVocabulary(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load vocabulary: %v\n", err)
		return 1
	}

	lockPath := *lockFile
	if lockPath == "" {
		lockPath = cfg.LockFile
	}
	release, err := acquireWriterLock(lockPath, defaultLockWait)
	if err != nil {
		logger.Error().Err(err).Msg("schedule could not acquire writer lock")
		fmt.Fprintf(os.Stderr, "Failed to acquire writer lock: %v\n", err)
		return 1
	}
	defer release()

	dbCtx, dbCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer dbCancel()

	pool, err := db.NewPool(dbCtx, cfg)
	if err != nil {
		logger.Error().Err(err).Msg("schedule failed to connect to database")
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		return 1
	}
	defer pool.Close()

	engine := issueindex.NewEngine(pool, pool, vocab, logger, issueindex.Options{
		Concurrency: cfg.ComputeConcurrency,
		AllowEmpty:  *allowEmpty,
	})

	sched, err := scheduler.New(func(ctx context.Context, bucket time.Time) error {
		runCtx, cancel := context.WithTimeout(ctx, *runTimeout)
		defer cancel()
		_, err := engine.Run(runCtx, bucket)
		if errors.Is(err, issueindex.ErrNoSnapshots) {
			logger.Warn().Err(err).Msg("bucket has no snapshots yet")
			return nil
		}
		return err
	}, logger, scheduler.Options{
		Spec:       cronSpec,
		Location:   location,
		RunOnStart: *runOnStart,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid schedule: %v\n", err)
		return 2
	}

	ctx, cancel := signalContext()
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sched.Run(gctx)
	})
	if *withAPI {
		srv := newAPIServer(cfg, pool, vocab, logger, flags)
		g.Go(func() error {
			return srv.Start(gctx)
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("schedule stopped with error")
		fmt.Fprintf(os.Stderr, "Schedule failed: %v\n", err)
		return 1
	}
	return 0
}
