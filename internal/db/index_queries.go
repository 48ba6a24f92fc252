package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"horse.fit/issue-index/internal/clusters"
)

// ClusterMatchRow is one evidence row for a job category and bucket.
type ClusterMatchRow struct {
	ClusterID     int
	MatchedTags   []string
	MatchRatio    float64
	WeightedScore float64
	Status        clusters.Status
}

// JobIndexWrite is everything persisted for one job category and bucket.
type JobIndexWrite struct {
	JobCategory           string
	TimeBucket            time.Time
	IssueIndex            float64
	ActiveClustersCount   int
	InactiveClustersCount int
	Matches               []ClusterMatchRow
	CreatedAt             time.Time
}

// PersistResult reports what PersistJobIndex wrote.
type PersistResult struct {
	TotalArticlesCount int
	DeletedMatches     int64
	InsertedMatches    int
}

// PersistStage names the step of PersistJobIndex that failed.
type PersistStage string

const (
	StageBegin         PersistStage = "begin"
	StageLock          PersistStage = "lock"
	StageCountArticles PersistStage = "count_articles"
	StageUpsertIndex   PersistStage = "upsert_index"
	StageReplaceMatch  PersistStage = "replace_matches"
	StageCommit        PersistStage = "commit"
)

// PersistError carries the job category, bucket and stage of a failed write.
type PersistError struct {
	JobCategory string
	TimeBucket  time.Time
	Stage       PersistStage
	Err         error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf(
		"persist job index %q at %s: %s: %v",
		e.JobCategory,
		e.TimeBucket.UTC().Format(time.RFC3339),
		e.Stage,
		e.Err,
	)
}

func (e *PersistError) Unwrap() error {
	return e.Err
}

// JobIndexLockKey is the advisory lock key serializing writers of one
// (job_category, time_bucket).
func JobIndexLockKey(jobCategory string, bucket time.Time) string {
	return "job_issue_index|" + jobCategory + "|" + bucket.UTC().Format(time.RFC3339)
}

// PersistJobIndex writes the index row and replaces its evidence rows in a
// single transaction.
func (p *Pool) PersistJobIndex(ctx context.Context, w JobIndexWrite) (PersistResult, error) {
	if p == nil || p.gdb == nil {
		return PersistResult{}, fmt.Errorf("database pool is not initialized")
	}
	if strings.TrimSpace(w.JobCategory) == "" {
		return PersistResult{}, fmt.Errorf("job category is required")
	}

	wrap := func(stage PersistStage, err error) error {
		return &PersistError{JobCategory: w.JobCategory, TimeBucket: w.TimeBucket, Stage: stage, Err: err}
	}

	tx, err := p.BeginTx(ctx)
	if err != nil {
		return PersistResult{}, wrap(StageBegin, err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	result, stage, err := persistJobIndexTx(ctx, tx, w)
	if err != nil {
		return PersistResult{}, wrap(stage, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return PersistResult{}, wrap(StageCommit, err)
	}
	return result, nil
}

func persistJobIndexTx(ctx context.Context, tx Tx, w JobIndexWrite) (PersistResult, PersistStage, error) {
	bucket := w.TimeBucket.UTC()

	if err := AcquireXactLock(ctx, tx, JobIndexLockKey(w.JobCategory, bucket)); err != nil {
		return PersistResult{}, StageLock, err
	}

	totalArticles, err := countMatchedArticlesTx(ctx, tx, bucket, w.Matches)
	if err != nil {
		return PersistResult{}, StageCountArticles, err
	}

	const upsertQuery = `
INSERT INTO job_issue_index (
	job_category,
	time_bucket,
	issue_index,
	active_clusters_count,
	inactive_clusters_count,
	total_articles_count,
	created_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (job_category, time_bucket) DO UPDATE
SET
	issue_index = EXCLUDED.issue_index,
	active_clusters_count = EXCLUDED.active_clusters_count,
	inactive_clusters_count = EXCLUDED.inactive_clusters_count,
	total_articles_count = EXCLUDED.total_articles_count,
	created_at = EXCLUDED.created_at
`
	if _, err := tx.Exec(
		ctx,
		upsertQuery,
		w.JobCategory,
		bucket,
		w.IssueIndex,
		w.ActiveClustersCount,
		w.InactiveClustersCount,
		totalArticles,
		w.CreatedAt.UTC(),
	); err != nil {
		return PersistResult{}, StageUpsertIndex, fmt.Errorf("upsert job_issue_index: %w", err)
	}

	deleted, err := tx.Exec(ctx, `
DELETE FROM job_cluster_mapping
WHERE job_category = $1
  AND time_bucket = $2
`, w.JobCategory, bucket)
	if err != nil {
		return PersistResult{}, StageReplaceMatch, fmt.Errorf("delete job_cluster_mapping: %w", err)
	}

	if len(w.Matches) > 0 {
		q, args, err := buildMatchInsert(w.JobCategory, bucket, w.CreatedAt.UTC(), w.Matches)
		if err != nil {
			return PersistResult{}, StageReplaceMatch, err
		}
		if _, err := tx.Exec(ctx, q, args...); err != nil {
			return PersistResult{}, StageReplaceMatch, fmt.Errorf("insert job_cluster_mapping: %w", err)
		}
	}

	return PersistResult{
		TotalArticlesCount: totalArticles,
		DeletedMatches:     deleted.RowsAffected(),
		InsertedMatches:    len(w.Matches),
	}, "", nil
}

// clusterArticles is the raw article_indices column of one snapshot.
type clusterArticles struct {
	ClusterID int
	Indices   []byte
}

// countMatchedArticlesTx counts distinct article indices across the matched
// clusters of the bucket.
func countMatchedArticlesTx(ctx context.Context, tx Tx, bucket time.Time, matches []ClusterMatchRow) (int, error) {
	if len(matches) == 0 {
		return 0, nil
	}

	rows, err := tx.Query(ctx, `
SELECT cluster_id, article_indices
FROM cluster_snapshots
WHERE time_bucket = $1
`, bucket)
	if err != nil {
		return 0, fmt.Errorf("query matched cluster articles: %w", err)
	}
	defer rows.Close()

	var snapshots []clusterArticles
	for rows.Next() {
		var row clusterArticles
		if err := rows.Scan(&row.ClusterID, &row.Indices); err != nil {
			return 0, fmt.Errorf("scan matched cluster articles: %w", err)
		}
		snapshots = append(snapshots, row)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate matched cluster articles: %w", err)
	}

	return unionMatchedArticles(matches, snapshots)
}

// unionMatchedArticles returns the size of the union of article indices over
// the snapshots whose cluster is in matches. An article shared by two matched
// clusters counts once.
func unionMatchedArticles(matches []ClusterMatchRow, snapshots []clusterArticles) (int, error) {
	wanted := make(map[int]struct{}, len(matches))
	for _, m := range matches {
		wanted[m.ClusterID] = struct{}{}
	}

	sets := make([]clusters.ArticleSet, 0, len(wanted))
	for _, snapshot := range snapshots {
		if _, ok := wanted[snapshot.ClusterID]; !ok {
			continue
		}
		set, err := decodeArticleSet(snapshot.Indices)
		if err != nil {
			return 0, fmt.Errorf("cluster %d: %w", snapshot.ClusterID, err)
		}
		sets = append(sets, set)
	}
	return clusters.Union(sets...).Len(), nil
}

func buildMatchInsert(jobCategory string, bucket, createdAt time.Time, matches []ClusterMatchRow) (string, []any, error) {
	const columnsPerRow = 8

	values := make([]string, 0, len(matches))
	args := make([]any, 0, len(matches)*columnsPerRow)
	for i, m := range matches {
		if m.MatchRatio <= 0 || m.MatchRatio > 1 {
			return "", nil, fmt.Errorf("cluster %d: match ratio %v out of (0,1]", m.ClusterID, m.MatchRatio)
		}
		tags := m.MatchedTags
		if tags == nil {
			tags = []string{}
		}
		tagsJSON, err := encodeJSON(tags)
		if err != nil {
			return "", nil, fmt.Errorf("encode matched tags for cluster %d: %w", m.ClusterID, err)
		}

		base := i * columnsPerRow
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d::jsonb, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8,
		))
		args = append(args,
			jobCategory,
			bucket,
			m.ClusterID,
			tagsJSON,
			m.MatchRatio,
			m.WeightedScore,
			string(m.Status),
			createdAt,
		)
	}

	q := `
INSERT INTO job_cluster_mapping (
	job_category,
	time_bucket,
	cluster_id,
	matched_tags,
	match_ratio,
	weighted_score,
	cluster_status,
	created_at
)
VALUES
	` + strings.Join(values, ",\n\t")
	return q, args, nil
}
