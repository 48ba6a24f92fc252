package issueindex

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"horse.fit/issue-index/internal/clusters"
	"horse.fit/issue-index/internal/db"
	"horse.fit/issue-index/internal/logging"
	"horse.fit/issue-index/internal/timebucket"
	"horse.fit/issue-index/internal/vocabulary"
)

var ErrNoSnapshots = errors.New("no cluster snapshots for bucket")

type SnapshotReader interface {
	ListClusterSnapshots(ctx context.Context, bucket time.Time) ([]clusters.ClusterSnapshot, error)
}

type IndexPersister interface {
	PersistJobIndex(ctx context.Context, w db.JobIndexWrite) (db.PersistResult, error)
}

type Vocabulary interface {
	Overlapper
	Categories() []vocabulary.Category
}

type Options struct {
	// Concurrency is the number of categories persisted at once.
	Concurrency int
	// AllowEmpty writes zero indexes when the bucket has no snapshots.
	AllowEmpty bool
}

type Engine struct {
	snapshots SnapshotReader
	persister IndexPersister
	vocab     Vocabulary
	logger    zerolog.Logger
	opts      Options
}

// JobComputation is the in-memory result for one category before persistence.
type JobComputation struct {
	JobCategory string
	TimeBucket  time.Time
	Matches     []Match
	Aggregate   Aggregate
}

type JobResult struct {
	JobComputation
	TotalArticlesCount int
}

type RunResult struct {
	TimeBucket time.Time
	Snapshots  int
	Jobs       []JobResult
}

func NewEngine(snapshots SnapshotReader, persister IndexPersister, vocab Vocabulary, logger zerolog.Logger, opts Options) *Engine {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	return &Engine{
		snapshots: snapshots,
		persister: persister,
		vocab:     vocab,
		logger:    logger,
		opts:      opts,
	}
}

// ComputeJob matches and aggregates one category. It has no side effects.
func (e *Engine) ComputeJob(category vocabulary.Category, snapshots []clusters.ClusterSnapshot, bucket time.Time) JobComputation {
	bucket = timebucket.Canonical(bucket)
	matches := MatchAll(e.vocab, category, snapshots)
	return JobComputation{
		JobCategory: category.Name,
		TimeBucket:  bucket,
		Matches:     matches,
		Aggregate:   AggregateMatches(matches, bucket),
	}
}

// Run computes and persists every category for one bucket. The first
// persistence failure stops the batch; categories already committed stay
// committed and a re-run overwrites them.
func (e *Engine) Run(ctx context.Context, bucket time.Time) (RunResult, error) {
	if e == nil || e.snapshots == nil || e.persister == nil || e.vocab == nil {
		return RunResult{}, fmt.Errorf("issue index engine is not initialized")
	}
	bucket = timebucket.Canonical(bucket)

	snapshots, err := e.snapshots.ListClusterSnapshots(ctx, bucket)
	if err != nil {
		return RunResult{}, fmt.Errorf("read snapshots for %s: %w", timebucket.Format(bucket), err)
	}
	if len(snapshots) == 0 && !e.opts.AllowEmpty {
		return RunResult{TimeBucket: bucket}, fmt.Errorf("%w %s", ErrNoSnapshots, timebucket.Format(bucket))
	}

	categories := e.vocab.Categories()
	result := RunResult{
		TimeBucket: bucket,
		Snapshots:  len(snapshots),
		Jobs:       make([]JobResult, len(categories)),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Concurrency)

	started := 0
	for i, category := range categories {
		if gctx.Err() != nil {
			break
		}
		started++
		g.Go(func() error {
			// A slot may free up only after an earlier category failed.
			if err := gctx.Err(); err != nil {
				return err
			}
			job, err := e.persistJob(gctx, category, snapshots, bucket)
			if err != nil {
				return err
			}
			result.Jobs[i] = job
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		e.logger.Error().
			Err(err).
			Time("time_bucket", bucket).
			Int("categories", len(categories)).
			Int("started", started).
			Msg("issue index batch aborted")
		return RunResult{TimeBucket: bucket, Snapshots: len(snapshots)}, err
	}

	e.logger.Info().
		Time("time_bucket", bucket).
		Int("snapshots", len(snapshots)).
		Int("categories", len(categories)).
		Msg("issue index batch completed")
	return result, nil
}

func (e *Engine) persistJob(ctx context.Context, category vocabulary.Category, snapshots []clusters.ClusterSnapshot, bucket time.Time) (JobResult, error) {
	computation := e.ComputeJob(category, snapshots, bucket)
	logger := logging.ForJob(e.logger, category.Name, bucket)

	persisted, err := e.persister.PersistJobIndex(ctx, buildWrite(computation, timebucket.UTC()))
	if err != nil {
		logger.Error().Err(err).Str("stage", "persist").Msg("persist job index failed")
		return JobResult{}, err
	}

	logger.Debug().
		Float64("issue_index", computation.Aggregate.IssueIndex).
		Int("active_clusters", computation.Aggregate.ActiveCount).
		Int("inactive_clusters", computation.Aggregate.InactiveCount).
		Int("total_articles", persisted.TotalArticlesCount).
		Int64("replaced_matches", persisted.DeletedMatches).
		Msg("job index persisted")

	return JobResult{
		JobComputation:     computation,
		TotalArticlesCount: persisted.TotalArticlesCount,
	}, nil
}

func buildWrite(c JobComputation, now time.Time) db.JobIndexWrite {
	rows := make([]db.ClusterMatchRow, 0, len(c.Matches))
	for _, m := range c.Matches {
		rows = append(rows, db.ClusterMatchRow{
			ClusterID:     m.ClusterID,
			MatchedTags:   m.MatchedTags.Values(),
			MatchRatio:    m.MatchRatio,
			WeightedScore: m.WeightedScore,
			Status:        m.Status,
		})
	}
	return db.JobIndexWrite{
		JobCategory:           c.JobCategory,
		TimeBucket:            c.TimeBucket,
		IssueIndex:            c.Aggregate.IssueIndex,
		ActiveClustersCount:   c.Aggregate.ActiveCount,
		InactiveClustersCount: c.Aggregate.InactiveCount,
		Matches:               rows,
		CreatedAt:             now,
	}
}
