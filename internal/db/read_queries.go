package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"horse.fit/issue-index/internal/clusters"
)

// JobIndexRow is one persisted job_issue_index row.
type JobIndexRow struct {
	JobCategory           string
	TimeBucket            time.Time
	IssueIndex            float64
	ActiveClustersCount   int
	InactiveClustersCount int
	TotalArticlesCount    int
	CreatedAt             time.Time
}

// MatchedClusterRow joins an evidence row with the cluster it points at.
type MatchedClusterRow struct {
	ClusterID       int
	MatchedTags     []string
	MatchRatio      float64
	WeightedScore   float64
	TopicName       string
	Tags            clusters.TagSet
	Status          clusters.Status
	ClusterScore    float64
	AppearanceCount int
	ArticleCount    int
	ArticleIndices  clusters.ArticleSet
}

// BucketArticleRow is one article body of a bucket.
type BucketArticleRow struct {
	ArticleIndex int
	Title        string
	Link         string
	Description  string
	PubDate      *time.Time
}

// LatestJobBucket returns the newest bucket with an index row for the category.
func (p *Pool) LatestJobBucket(ctx context.Context, jobCategory string) (time.Time, error) {
	var latest *time.Time
	if err := p.QueryRow(ctx, `
SELECT MAX(time_bucket)
FROM job_issue_index
WHERE job_category = $1
`, jobCategory).Scan(&latest); err != nil {
		return time.Time{}, fmt.Errorf("query latest job bucket: %w", err)
	}
	if latest == nil {
		return time.Time{}, ErrNoRows
	}
	return latest.UTC(), nil
}

// LatestBucket returns the newest bucket with any index row.
func (p *Pool) LatestBucket(ctx context.Context) (time.Time, error) {
	var latest *time.Time
	if err := p.QueryRow(ctx, `SELECT MAX(time_bucket) FROM job_issue_index`).Scan(&latest); err != nil {
		return time.Time{}, fmt.Errorf("query latest bucket: %w", err)
	}
	if latest == nil {
		return time.Time{}, ErrNoRows
	}
	return latest.UTC(), nil
}

func (p *Pool) GetJobIndex(ctx context.Context, jobCategory string, bucket time.Time) (JobIndexRow, error) {
	const q = `
SELECT
	job_category,
	time_bucket,
	issue_index::float8,
	active_clusters_count,
	inactive_clusters_count,
	total_articles_count,
	created_at
FROM job_issue_index
WHERE job_category = $1
  AND time_bucket = $2
`

	row, err := scanJobIndex(p.QueryRow(ctx, q, jobCategory, bucket.UTC()))
	if err != nil {
		if IsNoRows(err) {
			return JobIndexRow{}, ErrNoRows
		}
		return JobIndexRow{}, fmt.Errorf("query job index: %w", err)
	}
	return row, nil
}

// ListJobIndexes returns every category's row for a bucket, highest index first.
func (p *Pool) ListJobIndexes(ctx context.Context, bucket time.Time) ([]JobIndexRow, error) {
	const q = `
SELECT
	job_category,
	time_bucket,
	issue_index::float8,
	active_clusters_count,
	inactive_clusters_count,
	total_articles_count,
	created_at
FROM job_issue_index
WHERE time_bucket = $1
ORDER BY issue_index DESC, job_category
`

	rows, err := p.Query(ctx, q, bucket.UTC())
	if err != nil {
		return nil, fmt.Errorf("query job indexes: %w", err)
	}
	defer rows.Close()

	items := make([]JobIndexRow, 0, 16)
	for rows.Next() {
		row, err := scanJobIndex(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job index: %w", err)
		}
		items = append(items, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job indexes: %w", err)
	}
	return items, nil
}

// ListJobIndexHistory returns the newest rows of one category.
func (p *Pool) ListJobIndexHistory(ctx context.Context, jobCategory string, limit int) ([]JobIndexRow, error) {
	const q = `
SELECT
	job_category,
	time_bucket,
	issue_index::float8,
	active_clusters_count,
	inactive_clusters_count,
	total_articles_count,
	created_at
FROM job_issue_index
WHERE job_category = $1
ORDER BY time_bucket DESC
LIMIT $2
`

	rows, err := p.Query(ctx, q, jobCategory, limit)
	if err != nil {
		return nil, fmt.Errorf("query job index history: %w", err)
	}
	defer rows.Close()

	items := make([]JobIndexRow, 0, limit)
	for rows.Next() {
		row, err := scanJobIndex(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job index history: %w", err)
		}
		items = append(items, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job index history: %w", err)
	}
	return items, nil
}

// ListMatchedClusters returns the evidence clusters of a job index, optionally
// restricted to one cluster status. An empty status means all.
func (p *Pool) ListMatchedClusters(
	ctx context.Context,
	jobCategory string,
	bucket time.Time,
	status clusters.Status,
) ([]MatchedClusterRow, error) {
	const q = `
SELECT
	m.cluster_id,
	m.matched_tags,
	m.match_ratio,
	m.weighted_score,
	cs.topic_name,
	cs.tags,
	cs.status,
	cs.cluster_score,
	cs.appearance_count,
	cs.article_count,
	cs.article_indices
FROM job_cluster_mapping m
JOIN cluster_snapshots cs
	ON cs.time_bucket = m.time_bucket
	AND cs.cluster_id = m.cluster_id
WHERE m.job_category = $1
  AND m.time_bucket = $2
  AND ($3 = '' OR cs.status = $3)
ORDER BY m.weighted_score DESC, m.cluster_id
`

	rows, err := p.Query(ctx, q, jobCategory, bucket.UTC(), string(status))
	if err != nil {
		return nil, fmt.Errorf("query matched clusters: %w", err)
	}
	defer rows.Close()

	items := make([]MatchedClusterRow, 0, 16)
	for rows.Next() {
		var (
			row         MatchedClusterRow
			matchedRaw  []byte
			tagsRaw     []byte
			articlesRaw []byte
			statusRaw   string
		)
		if err := rows.Scan(
			&row.ClusterID,
			&matchedRaw,
			&row.MatchRatio,
			&row.WeightedScore,
			&row.TopicName,
			&tagsRaw,
			&statusRaw,
			&row.ClusterScore,
			&row.AppearanceCount,
			&row.ArticleCount,
			&articlesRaw,
		); err != nil {
			return nil, fmt.Errorf("scan matched cluster: %w", err)
		}

		if len(matchedRaw) > 0 && string(matchedRaw) != "null" {
			if err := json.Unmarshal(matchedRaw, &row.MatchedTags); err != nil {
				return nil, fmt.Errorf("cluster %d matched_tags: %w", row.ClusterID, err)
			}
		}
		if row.Tags, err = decodeTagSet(tagsRaw); err != nil {
			return nil, fmt.Errorf("cluster %d tags: %w", row.ClusterID, err)
		}
		if row.ArticleIndices, err = decodeArticleSet(articlesRaw); err != nil {
			return nil, fmt.Errorf("cluster %d article_indices: %w", row.ClusterID, err)
		}
		if row.Status, err = clusters.ParseStatus(statusRaw); err != nil {
			return nil, fmt.Errorf("cluster %d: %w", row.ClusterID, err)
		}
		items = append(items, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate matched clusters: %w", err)
	}
	return items, nil
}

// ListBucketArticles fetches article bodies by (time_bucket, article_index).
func (p *Pool) ListBucketArticles(ctx context.Context, bucket time.Time, indices []int) ([]BucketArticleRow, error) {
	if len(indices) == 0 {
		return []BucketArticleRow{}, nil
	}
	if p == nil || p.gdb == nil {
		return nil, errNotInitialized
	}

	var models []BucketArticle
	if err := p.gdb.WithContext(ctx).
		Where("time_bucket = ? AND article_index IN ?", bucket.UTC(), indices).
		Order("article_index").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("query bucket articles: %w", err)
	}
	return toBucketArticleRows(models), nil
}

func toBucketArticleRows(models []BucketArticle) []BucketArticleRow {
	items := make([]BucketArticleRow, 0, len(models))
	for _, m := range models {
		row := BucketArticleRow{
			ArticleIndex: m.ArticleIndex,
			Title:        m.Title,
			Link:         m.Link,
			Description:  m.Description,
		}
		if m.PubDate != nil {
			utc := m.PubDate.UTC()
			row.PubDate = &utc
		}
		items = append(items, row)
	}
	return items
}

func scanJobIndex(s RowScanner) (JobIndexRow, error) {
	var row JobIndexRow
	if err := s.Scan(
		&row.JobCategory,
		&row.TimeBucket,
		&row.IssueIndex,
		&row.ActiveClustersCount,
		&row.InactiveClustersCount,
		&row.TotalArticlesCount,
		&row.CreatedAt,
	); err != nil {
		return JobIndexRow{}, err
	}
	row.TimeBucket = row.TimeBucket.UTC()
	row.CreatedAt = row.CreatedAt.UTC()
	return row, nil
}
