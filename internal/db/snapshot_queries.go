package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"horse.fit/issue-index/internal/clusters"
)

// ListClusterSnapshots returns every cluster snapshot of one bucket.
func (p *Pool) ListClusterSnapshots(ctx context.Context, bucket time.Time) ([]clusters.ClusterSnapshot, error) {
	if p == nil || p.gdb == nil {
		return nil, errNotInitialized
	}

	var models []ClusterSnapshot
	if err := p.gdb.WithContext(ctx).
		Where("time_bucket = ?", bucket.UTC()).
		Order("cluster_id").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("query cluster snapshots: %w", err)
	}

	items := make([]clusters.ClusterSnapshot, 0, len(models))
	for _, m := range models {
		snapshot, err := toClusterSnapshot(m)
		if err != nil {
			return nil, err
		}
		items = append(items, snapshot)
	}
	return items, nil
}

func toClusterSnapshot(m ClusterSnapshot) (clusters.ClusterSnapshot, error) {
	out := clusters.ClusterSnapshot{
		TimeBucket:      m.TimeBucket.UTC(),
		ClusterID:       m.ClusterID,
		TopicName:       m.TopicName,
		AppearanceCount: m.AppearanceCount,
		ArticleCount:    m.ArticleCount,
		ClusterScore:    m.ClusterScore,
	}

	var err error
	if out.Tags, err = decodeTagSet(m.Tags); err != nil {
		return clusters.ClusterSnapshot{}, fmt.Errorf("cluster %d tags: %w", m.ClusterID, err)
	}
	if out.ArticleIndices, err = decodeArticleSet(m.ArticleIndices); err != nil {
		return clusters.ClusterSnapshot{}, fmt.Errorf("cluster %d article_indices: %w", m.ClusterID, err)
	}
	if out.Status, err = clusters.ParseStatus(m.Status); err != nil {
		return clusters.ClusterSnapshot{}, fmt.Errorf("cluster %d: %w", m.ClusterID, err)
	}
	if m.LastActiveAt != nil {
		utc := m.LastActiveAt.UTC()
		out.LastActiveAt = &utc
	}
	return out, nil
}

// ListSnapshotBuckets returns the most recent buckets that have snapshots,
// newest first.
func (p *Pool) ListSnapshotBuckets(ctx context.Context, limit int) ([]time.Time, error) {
	if limit <= 0 {
		limit = 1
	}

	rows, err := p.Query(ctx, `
SELECT DISTINCT time_bucket
FROM cluster_snapshots
ORDER BY time_bucket DESC
LIMIT $1
`, limit)
	if err != nil {
		return nil, fmt.Errorf("query snapshot buckets: %w", err)
	}
	defer rows.Close()

	items := make([]time.Time, 0, limit)
	for rows.Next() {
		var bucket time.Time
		if err := rows.Scan(&bucket); err != nil {
			return nil, fmt.Errorf("scan snapshot bucket: %w", err)
		}
		items = append(items, bucket.UTC())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshot buckets: %w", err)
	}
	return items, nil
}

func decodeTagSet(raw []byte) (clusters.TagSet, error) {
	var tags []string
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &tags); err != nil {
			return clusters.TagSet{}, fmt.Errorf("decode tags: %w", err)
		}
	}
	return clusters.NewTagSet(tags...), nil
}

func decodeArticleSet(raw []byte) (clusters.ArticleSet, error) {
	var indices []int
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &indices); err != nil {
			return nil, fmt.Errorf("decode article indices: %w", err)
		}
	}
	return clusters.NewArticleSet(indices...), nil
}

func encodeJSON(value any) (string, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
