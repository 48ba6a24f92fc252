package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/issue-index/internal/cli"
	"horse.fit/issue-index/internal/clusters"
	"horse.fit/issue-index/internal/db"
	"horse.fit/issue-index/internal/issueindex"
	"horse.fit/issue-index/internal/timebucket"
	"horse.fit/issue-index/internal/vocabulary"
)

func runCompute(args []string) int {
	fs := flag.NewFlagSet("compute", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	bucketRaw := fs.String("bucket", "", "Time bucket to compute (RFC3339, YYYY-MM-DD HH:MM, YYYYMMDDHH, unix seconds or \"latest\"; default current hour)")
	concurrency := fs.Int("concurrency", 0, "Categories persisted in parallel (default COMPUTE_CONCURRENCY)")
	allowEmpty := fs.Bool("allow-empty", false, "Write zero indexes when the bucket has no cluster snapshots")
	dryRun := fs.Bool("dry-run", false, "Compute and print without writing")
	lockFile := fs.String("lock-file", "", "Writer lock path (default LOCK_FILE or user cache dir)")
	lockWait := fs.Duration("lock-wait", defaultLockWait, "How long to wait for another writer to finish")
	timeout := fs.Duration("timeout", 5*time.Minute, "Overall compute timeout")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if *concurrency < 0 {
		fmt.Fprintln(os.Stderr, "--concurrency must be >= 0")
		return 2
	}

	cfg, logger, ok := loadRuntime(envLoader)
	if !ok {
		return 1
	}

	bucketArg, err := parseBucketFlag(*bucketRaw, cfg.BucketLocation())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid --bucket: %v\n", err)
		return 2
	}
	if *concurrency == 0 {
		*concurrency = cfg.ComputeConcurrency
	}

	vocab, err := loadVocabulary(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load vocabulary: %v\n", err)
		return 1
	}

	if !*dryRun {
		lockPath := *lockFile
		if lockPath == "" {
			lockPath = cfg.LockFile
		}
		release, err := acquireWriterLock(lockPath, *lockWait)
		if err != nil {
			logger.Error().Err(err).Msg("compute could not acquire writer lock")
			fmt.Fprintf(os.Stderr, "Failed to acquire writer lock: %v\n", err)
			return 1
		}
		defer release()
	}

	sigCtx, stop := signalContext()
	defer stop()
	ctx, cancel := context.WithTimeout(sigCtx, *timeout)
	defer cancel()

	pool, err := db.NewPool(ctx, cfg)
	if err != nil {
		logger.Error().Err(err).Msg("compute failed to connect to database")
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		return 1
	}
	defer pool.Close()

	bucket, err := bucketArg.resolve(ctx, pool)
	if err != nil {
		logger.Error().Err(err).Msg("compute could not resolve bucket")
		fmt.Fprintf(os.Stderr, "Failed to resolve --bucket: %v\n", err)
		return 1
	}

	engine := issueindex.NewEngine(pool, pool, vocab, logger, issueindex.Options{
		Concurrency: *concurrency,
		AllowEmpty:  *allowEmpty,
	})

	if *dryRun {
		return runComputeDryRun(ctx, engine, pool, vocab.Categories(), bucket, logger)
	}

	result, err := engine.Run(ctx, bucket)
	if err != nil {
		if errors.Is(err, issueindex.ErrNoSnapshots) {
			fmt.Fprintf(os.Stderr, "Nothing to compute: %v (use --allow-empty to write zero indexes)\n", err)
			return 1
		}
		fmt.Fprintf(os.Stderr, "Compute failed: %v\n", err)
		return 1
	}

	printJobResults(os.Stdout, result)
	return 0
}

const latestBucketArg = "latest"

// bucketFlag is a parsed --bucket value. A nil bucket with latest unset means
// the current hour.
type bucketFlag struct {
	bucket *time.Time
	latest bool
}

type snapshotBucketLister interface {
	ListSnapshotBuckets(ctx context.Context, limit int) ([]time.Time, error)
}

func parseBucketFlag(raw string, loc *time.Location) (bucketFlag, error) {
	if strings.EqualFold(strings.TrimSpace(raw), latestBucketArg) {
		return bucketFlag{latest: true}, nil
	}
	bucket, err := timebucket.ParseOptional(raw, loc)
	if err != nil {
		return bucketFlag{}, err
	}
	return bucketFlag{bucket: bucket}, nil
}

// resolve picks the concrete bucket. "latest" is the newest bucket that has
// cluster snapshots.
func (f bucketFlag) resolve(ctx context.Context, lister snapshotBucketLister) (time.Time, error) {
	switch {
	case f.latest:
		buckets, err := lister.ListSnapshotBuckets(ctx, 1)
		if err != nil {
			return time.Time{}, err
		}
		if len(buckets) == 0 {
			return time.Time{}, issueindex.ErrNoSnapshots
		}
		return timebucket.Canonical(buckets[0]), nil
	case f.bucket != nil:
		return *f.bucket, nil
	default:
		return timebucket.Current(), nil
	}
}

func runComputeDryRun(
	ctx context.Context,
	engine *issueindex.Engine,
	pool *db.Pool,
	categories []vocabulary.Category,
	bucket time.Time,
	logger zerolog.Logger,
) int {
	snapshots, err := pool.ListClusterSnapshots(ctx, timebucket.Canonical(bucket))
	if err != nil {
		logger.Error().Err(err).Msg("dry run failed to read snapshots")
		fmt.Fprintf(os.Stderr, "Failed to read snapshots: %v\n", err)
		return 1
	}

	byID := make(map[int]clusters.ArticleSet, len(snapshots))
	for _, snapshot := range snapshots {
		byID[snapshot.ClusterID] = snapshot.ArticleIndices
	}

	result := issueindex.RunResult{TimeBucket: timebucket.Canonical(bucket), Snapshots: len(snapshots)}
	for _, category := range categories {
		computed := engine.ComputeJob(category, snapshots, bucket)
		sets := make([]clusters.ArticleSet, 0, len(computed.Matches))
		for _, m := range computed.Matches {
			sets = append(sets, byID[m.ClusterID])
		}
		result.Jobs = append(result.Jobs, issueindex.JobResult{
			JobComputation:     computed,
			TotalArticlesCount: clusters.Union(sets...).Len(),
		})
	}
	printJobResults(os.Stdout, result)
	return 0
}

func printJobResults(w io.Writer, result issueindex.RunResult) {
	fmt.Fprintf(w, "bucket=%s snapshots=%d\n", timebucket.Format(result.TimeBucket), result.Snapshots)
	for _, job := range result.Jobs {
		fmt.Fprintf(
			w,
			"%s\tissue_index=%.1f\tactive=%d\tinactive=%d\tmatches=%d\tarticles=%d\n",
			job.JobCategory,
			job.Aggregate.IssueIndex,
			job.Aggregate.ActiveCount,
			job.Aggregate.InactiveCount,
			len(job.Matches),
			job.TotalArticlesCount,
		)
	}
}
