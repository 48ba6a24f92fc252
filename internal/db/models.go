package db

import (
	"encoding/json"
	"time"
)

// ClusterSnapshot maps cluster_snapshots. The clustering pipeline owns the
// table and its DDL; the model is read-only and never migrated here.
type ClusterSnapshot struct {
	TimeBucket      time.Time       `gorm:"column:time_bucket"`
	ClusterID       int             `gorm:"column:cluster_id"`
	TopicName       string          `gorm:"column:topic_name"`
	Tags            json.RawMessage `gorm:"column:tags"`
	AppearanceCount int             `gorm:"column:appearance_count"`
	ArticleCount    int             `gorm:"column:article_count"`
	ArticleIndices  json.RawMessage `gorm:"column:article_indices"`
	Status          string          `gorm:"column:status"`
	ClusterScore    float64         `gorm:"column:cluster_score"`
	LastActiveAt    *time.Time      `gorm:"column:last_active_at"`
}

func (ClusterSnapshot) TableName() string { return "cluster_snapshots" }

// BucketArticle maps bucket_articles, the article bodies behind
// article_indices. Read-only like ClusterSnapshot.
type BucketArticle struct {
	TimeBucket   time.Time  `gorm:"column:time_bucket"`
	ArticleIndex int        `gorm:"column:article_index"`
	Title        string     `gorm:"column:title"`
	Link         string     `gorm:"column:link"`
	Description  string     `gorm:"column:description"`
	PubDate      *time.Time `gorm:"column:pub_date"`
}

func (BucketArticle) TableName() string { return "bucket_articles" }

// JobIssueIndex maps job_issue_index.
type JobIssueIndex struct {
	JobCategory           string    `gorm:"column:job_category;type:text;primaryKey"`
	TimeBucket            time.Time `gorm:"column:time_bucket;type:timestamptz;primaryKey"`
	IssueIndex            float64   `gorm:"column:issue_index;type:numeric(7,1);not null;default:0"`
	ActiveClustersCount   int       `gorm:"column:active_clusters_count;type:integer;not null;default:0"`
	InactiveClustersCount int       `gorm:"column:inactive_clusters_count;type:integer;not null;default:0"`
	TotalArticlesCount    int       `gorm:"column:total_articles_count;type:integer;not null;default:0"`
	CreatedAt             time.Time `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
}

func (JobIssueIndex) TableName() string { return "job_issue_index" }

// JobClusterMapping maps job_cluster_mapping, the evidence behind one index row.
type JobClusterMapping struct {
	JobCategory   string          `gorm:"column:job_category;type:text;primaryKey"`
	TimeBucket    time.Time       `gorm:"column:time_bucket;type:timestamptz;primaryKey"`
	ClusterID     int             `gorm:"column:cluster_id;type:integer;primaryKey"`
	MatchedTags   json.RawMessage `gorm:"column:matched_tags;type:jsonb;not null;default:'[]'"`
	MatchRatio    float64         `gorm:"column:match_ratio;type:double precision;not null"`
	WeightedScore float64         `gorm:"column:weighted_score;type:double precision;not null"`
	ClusterStatus string          `gorm:"column:cluster_status;type:text;not null"`
	CreatedAt     time.Time       `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
}

func (JobClusterMapping) TableName() string { return "job_cluster_mapping" }

// ownedModels lists the tables Migrate may create or alter.
func ownedModels() []any {
	return []any{
		&JobIssueIndex{},
		&JobClusterMapping{},
	}
}
