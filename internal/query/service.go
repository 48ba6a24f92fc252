package query

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"horse.fit/issue-index/internal/clusters"
	"horse.fit/issue-index/internal/db"
	"horse.fit/issue-index/internal/reader"
	"horse.fit/issue-index/internal/timebucket"
	"horse.fit/issue-index/internal/vocabulary"
)

const (
	DefaultArticleLimit = 50
	MaxArticleLimit     = 500
	DefaultHistoryLimit = 24
	MaxHistoryLimit     = 24 * 30

	DefaultPreviewChars = 1000
	MinPreviewChars     = 200
	MaxPreviewChars     = 4000
)

var ErrNotFound = errors.New("not found")

// ValidationError maps request fields to messages.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func invalid(field, message string) error {
	return &ValidationError{Fields: map[string]string{field: message}}
}

func notFound(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// Store is the read side of the database adapter.
type Store interface {
	LatestJobBucket(ctx context.Context, jobCategory string) (time.Time, error)
	LatestBucket(ctx context.Context) (time.Time, error)
	GetJobIndex(ctx context.Context, jobCategory string, bucket time.Time) (db.JobIndexRow, error)
	ListJobIndexes(ctx context.Context, bucket time.Time) ([]db.JobIndexRow, error)
	ListJobIndexHistory(ctx context.Context, jobCategory string, limit int) ([]db.JobIndexRow, error)
	ListMatchedClusters(ctx context.Context, jobCategory string, bucket time.Time, status clusters.Status) ([]db.MatchedClusterRow, error)
	ListBucketArticles(ctx context.Context, bucket time.Time, indices []int) ([]db.BucketArticleRow, error)
}

// Previewer extracts readable text for an article link.
type Previewer interface {
	Preview(ctx context.Context, link, title, description string, maxChars int) reader.Preview
}

type Categories interface {
	Lookup(nameOrCode string) (vocabulary.Category, bool)
	Categories() []vocabulary.Category
}

type JobIndex struct {
	JobCategory           string    `json:"job_category"`
	JobCode               string    `json:"job_code,omitempty"`
	TimeBucket            time.Time `json:"time_bucket"`
	IssueIndex            float64   `json:"issue_index"`
	ActiveClustersCount   int       `json:"active_clusters_count"`
	InactiveClustersCount int       `json:"inactive_clusters_count"`
	TotalArticlesCount    int       `json:"total_articles_count"`
	CreatedAt             time.Time `json:"created_at"`
}

type AllIndexes struct {
	TimeBucket time.Time  `json:"time_bucket"`
	Items      []JobIndex `json:"items"`
}

type MatchedCluster struct {
	ClusterID       int      `json:"cluster_id"`
	TopicName       string   `json:"topic_name"`
	Tags            []string `json:"tags"`
	MatchedTags     []string `json:"matched_tags"`
	MatchRatio      float64  `json:"match_ratio"`
	WeightedScore   float64  `json:"weighted_score"`
	ClusterScore    float64  `json:"cluster_score"`
	Status          string   `json:"status"`
	AppearanceCount int      `json:"appearance_count"`
	ArticleCount    int      `json:"article_count"`
	ArticleIndices  []int    `json:"article_indices"`
}

type MatchedClusters struct {
	JobCategory   string           `json:"job_category"`
	TimeBucket    time.Time        `json:"time_bucket"`
	Status        string           `json:"status"`
	Clusters      []MatchedCluster `json:"clusters"`
	TotalArticles int              `json:"total_articles"`
}

type Article struct {
	ArticleIndex int        `json:"article_index"`
	Title        string     `json:"title"`
	Link         string     `json:"link"`
	Description  string     `json:"description,omitempty"`
	PubDate      *time.Time `json:"pub_date,omitempty"`
	ClusterIDs   []int      `json:"cluster_ids"`
}

type MatchedArticles struct {
	JobCategory   string    `json:"job_category"`
	TimeBucket    time.Time `json:"time_bucket"`
	ClusterID     *int      `json:"cluster_id,omitempty"`
	Limit         int       `json:"limit"`
	Articles      []Article `json:"articles"`
	TotalArticles int       `json:"total_articles"`
}

type History struct {
	JobCategory string     `json:"job_category"`
	Items       []JobIndex `json:"items"`
}

type ArticlePreview struct {
	JobCategory  string    `json:"job_category"`
	TimeBucket   time.Time `json:"time_bucket"`
	ArticleIndex int       `json:"article_index"`
	Title        string    `json:"title"`
	Link         string    `json:"link"`
	ClusterIDs   []int     `json:"cluster_ids"`
	reader.Preview
}

type CategoryInfo struct {
	Name string   `json:"name"`
	Code string   `json:"code"`
	Tags []string `json:"tags"`
}

// Service answers read requests. Every caller-supplied bucket goes through
// timebucket.Parse so reads use the same key the engine wrote.
type Service struct {
	store      Store
	categories Categories
	previewer  Previewer
	loc        *time.Location
}

func NewService(store Store, categories Categories, loc *time.Location) *Service {
	if loc == nil {
		loc = time.UTC
	}
	return &Service{store: store, categories: categories, loc: loc}
}

// WithPreviewer enables GetArticlePreview.
func (s *Service) WithPreviewer(p Previewer) *Service {
	s.previewer = p
	return s
}

func (s *Service) ListCategories() []CategoryInfo {
	all := s.categories.Categories()
	out := make([]CategoryInfo, 0, len(all))
	for _, c := range all {
		out = append(out, CategoryInfo{Name: c.Name, Code: c.Code, Tags: c.Tags.Values()})
	}
	return out
}

func (s *Service) GetIndex(ctx context.Context, category, rawBucket string) (JobIndex, error) {
	cat, err := s.lookup(category)
	if err != nil {
		return JobIndex{}, err
	}
	bucket, err := s.resolveJobBucket(ctx, cat, rawBucket)
	if err != nil {
		return JobIndex{}, err
	}

	row, err := s.store.GetJobIndex(ctx, cat.Name, bucket)
	if err != nil {
		if db.IsNoRows(err) {
			return JobIndex{}, notFound("no issue index for %s at %s", cat.Name, timebucket.Format(bucket))
		}
		return JobIndex{}, err
	}
	return s.toJobIndex(row), nil
}

func (s *Service) GetAllIndexes(ctx context.Context, rawBucket string) (AllIndexes, error) {
	requested, err := s.parseBucket(rawBucket)
	if err != nil {
		return AllIndexes{}, err
	}
	var bucket time.Time
	if requested != nil {
		bucket = *requested
	} else {
		latest, err := s.store.LatestBucket(ctx)
		if err != nil {
			if db.IsNoRows(err) {
				return AllIndexes{}, notFound("no issue index has been computed yet")
			}
			return AllIndexes{}, err
		}
		bucket = timebucket.Canonical(latest)
	}

	rows, err := s.store.ListJobIndexes(ctx, bucket)
	if err != nil {
		return AllIndexes{}, err
	}
	if len(rows) == 0 {
		return AllIndexes{}, notFound("no issue index at %s", timebucket.Format(bucket))
	}

	items := make([]JobIndex, 0, len(rows))
	for _, row := range rows {
		items = append(items, s.toJobIndex(row))
	}
	return AllIndexes{TimeBucket: bucket, Items: items}, nil
}

// GetMatchedClusters lists the evidence clusters of one index. rawStatus is
// active, inactive, all or empty.
func (s *Service) GetMatchedClusters(ctx context.Context, category, rawBucket, rawStatus string) (MatchedClusters, error) {
	status, label, err := parseStatusFilter(rawStatus)
	if err != nil {
		return MatchedClusters{}, err
	}
	cat, err := s.lookup(category)
	if err != nil {
		return MatchedClusters{}, err
	}
	bucket, err := s.resolveJobBucket(ctx, cat, rawBucket)
	if err != nil {
		return MatchedClusters{}, err
	}
	if err := s.ensureIndexExists(ctx, cat, bucket); err != nil {
		return MatchedClusters{}, err
	}

	rows, err := s.store.ListMatchedClusters(ctx, cat.Name, bucket, status)
	if err != nil {
		return MatchedClusters{}, err
	}

	sets := make([]clusters.ArticleSet, 0, len(rows))
	items := make([]MatchedCluster, 0, len(rows))
	for _, row := range rows {
		sets = append(sets, row.ArticleIndices)
		items = append(items, toMatchedCluster(row))
	}

	return MatchedClusters{
		JobCategory:   cat.Name,
		TimeBucket:    bucket,
		Status:        label,
		Clusters:      items,
		TotalArticles: clusters.Union(sets...).Len(),
	}, nil
}

// GetMatchedArticles merges the article indices of the matched clusters,
// dedups and sorts them, then returns the first limit bodies. TotalArticles
// is the distinct count before truncation.
func (s *Service) GetMatchedArticles(ctx context.Context, category, rawBucket string, clusterID *int, limit int) (MatchedArticles, error) {
	if limit == 0 {
		limit = DefaultArticleLimit
	}
	if limit < 1 || limit > MaxArticleLimit {
		return MatchedArticles{}, invalid("limit", fmt.Sprintf("must be between 1 and %d", MaxArticleLimit))
	}
	cat, err := s.lookup(category)
	if err != nil {
		return MatchedArticles{}, err
	}
	bucket, err := s.resolveJobBucket(ctx, cat, rawBucket)
	if err != nil {
		return MatchedArticles{}, err
	}
	if err := s.ensureIndexExists(ctx, cat, bucket); err != nil {
		return MatchedArticles{}, err
	}

	rows, err := s.store.ListMatchedClusters(ctx, cat.Name, bucket, "")
	if err != nil {
		return MatchedArticles{}, err
	}
	if clusterID != nil {
		rows = filterCluster(rows, *clusterID)
		if len(rows) == 0 {
			return MatchedArticles{}, notFound("cluster %d is not matched to %s at %s", *clusterID, cat.Name, timebucket.Format(bucket))
		}
	}

	sets := make([]clusters.ArticleSet, 0, len(rows))
	for _, row := range rows {
		sets = append(sets, row.ArticleIndices)
	}
	merged := clusters.Union(sets...).Sorted()
	total := len(merged)
	if len(merged) > limit {
		merged = merged[:limit]
	}

	bodies, err := s.store.ListBucketArticles(ctx, bucket, merged)
	if err != nil {
		return MatchedArticles{}, err
	}
	articles := make([]Article, 0, len(bodies))
	for _, body := range bodies {
		articles = append(articles, Article{
			ArticleIndex: body.ArticleIndex,
			Title:        body.Title,
			Link:         body.Link,
			Description:  body.Description,
			PubDate:      body.PubDate,
			ClusterIDs:   attributeClusters(rows, body.ArticleIndex),
		})
	}
	sort.Slice(articles, func(i, j int) bool { return articles[i].ArticleIndex < articles[j].ArticleIndex })

	return MatchedArticles{
		JobCategory:   cat.Name,
		TimeBucket:    bucket,
		ClusterID:     clusterID,
		Limit:         limit,
		Articles:      articles,
		TotalArticles: total,
	}, nil
}

// ListBuckets returns the newest index rows of one category.
func (s *Service) ListBuckets(ctx context.Context, category string, limit int) (History, error) {
	if limit == 0 {
		limit = DefaultHistoryLimit
	}
	if limit < 1 || limit > MaxHistoryLimit {
		return History{}, invalid("limit", fmt.Sprintf("must be between 1 and %d", MaxHistoryLimit))
	}
	cat, err := s.lookup(category)
	if err != nil {
		return History{}, err
	}

	rows, err := s.store.ListJobIndexHistory(ctx, cat.Name, limit)
	if err != nil {
		return History{}, err
	}
	items := make([]JobIndex, 0, len(rows))
	for _, row := range rows {
		items = append(items, s.toJobIndex(row))
	}
	return History{JobCategory: cat.Name, Items: items}, nil
}

// GetArticlePreview returns readable text for one article of the category's
// matched clusters. Articles outside the evidence set are not found.
func (s *Service) GetArticlePreview(ctx context.Context, category, rawBucket string, articleIndex, maxChars int) (ArticlePreview, error) {
	if s.previewer == nil {
		return ArticlePreview{}, fmt.Errorf("article preview is not configured")
	}
	if maxChars == 0 {
		maxChars = DefaultPreviewChars
	}
	if maxChars < MinPreviewChars || maxChars > MaxPreviewChars {
		return ArticlePreview{}, invalid("max_chars", fmt.Sprintf("must be between %d and %d", MinPreviewChars, MaxPreviewChars))
	}
	if articleIndex < 0 || articleIndex > clusters.MaxArticleIndex {
		return ArticlePreview{}, invalid("article_index", fmt.Sprintf("must be between 0 and %d", clusters.MaxArticleIndex))
	}
	cat, err := s.lookup(category)
	if err != nil {
		return ArticlePreview{}, err
	}
	bucket, err := s.resolveJobBucket(ctx, cat, rawBucket)
	if err != nil {
		return ArticlePreview{}, err
	}

	rows, err := s.store.ListMatchedClusters(ctx, cat.Name, bucket, "")
	if err != nil {
		return ArticlePreview{}, err
	}
	owners := attributeClusters(rows, articleIndex)
	if len(owners) == 0 {
		return ArticlePreview{}, notFound("article %d is not matched to %s at %s", articleIndex, cat.Name, timebucket.Format(bucket))
	}

	bodies, err := s.store.ListBucketArticles(ctx, bucket, []int{articleIndex})
	if err != nil {
		return ArticlePreview{}, err
	}
	if len(bodies) == 0 {
		return ArticlePreview{}, notFound("article %d has no body at %s", articleIndex, timebucket.Format(bucket))
	}
	body := bodies[0]

	return ArticlePreview{
		JobCategory:  cat.Name,
		TimeBucket:   bucket,
		ArticleIndex: body.ArticleIndex,
		Title:        body.Title,
		Link:         body.Link,
		ClusterIDs:   owners,
		Preview:      s.previewer.Preview(ctx, body.Link, body.Title, body.Description, maxChars),
	}, nil
}

func (s *Service) lookup(category string) (vocabulary.Category, error) {
	trimmed := strings.TrimSpace(category)
	if trimmed == "" {
		return vocabulary.Category{}, invalid("category", "is required")
	}
	cat, ok := s.categories.Lookup(trimmed)
	if !ok {
		return vocabulary.Category{}, invalid("category", fmt.Sprintf("unknown job category %q", trimmed))
	}
	return cat, nil
}

// parseBucket returns nil when collected_at was omitted.
func (s *Service) parseBucket(raw string) (*time.Time, error) {
	bucket, err := timebucket.ParseOptional(raw, s.loc)
	if err != nil {
		return nil, invalid("collected_at", err.Error())
	}
	return bucket, nil
}

func (s *Service) resolveJobBucket(ctx context.Context, cat vocabulary.Category, raw string) (time.Time, error) {
	requested, err := s.parseBucket(raw)
	if err != nil {
		return time.Time{}, err
	}
	if requested != nil {
		return *requested, nil
	}
	bucket, err := s.store.LatestJobBucket(ctx, cat.Name)
	if err != nil {
		if db.IsNoRows(err) {
			return time.Time{}, notFound("no issue index has been computed for %s", cat.Name)
		}
		return time.Time{}, err
	}
	return timebucket.Canonical(bucket), nil
}

func (s *Service) ensureIndexExists(ctx context.Context, cat vocabulary.Category, bucket time.Time) error {
	if _, err := s.store.GetJobIndex(ctx, cat.Name, bucket); err != nil {
		if db.IsNoRows(err) {
			return notFound("no issue index for %s at %s", cat.Name, timebucket.Format(bucket))
		}
		return err
	}
	return nil
}

func (s *Service) toJobIndex(row db.JobIndexRow) JobIndex {
	out := JobIndex{
		JobCategory:           row.JobCategory,
		TimeBucket:            timebucket.Canonical(row.TimeBucket),
		IssueIndex:            row.IssueIndex,
		ActiveClustersCount:   row.ActiveClustersCount,
		InactiveClustersCount: row.InactiveClustersCount,
		TotalArticlesCount:    row.TotalArticlesCount,
		CreatedAt:             row.CreatedAt.UTC(),
	}
	if cat, ok := s.categories.Lookup(row.JobCategory); ok {
		out.JobCode = cat.Code
	}
	return out
}

func parseStatusFilter(raw string) (clusters.Status, string, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "all":
		return "", "all", nil
	case string(clusters.StatusActive):
		return clusters.StatusActive, string(clusters.StatusActive), nil
	case string(clusters.StatusInactive):
		return clusters.StatusInactive, string(clusters.StatusInactive), nil
	default:
		return "", "", invalid("status", "must be one of active, inactive, all")
	}
}

func toMatchedCluster(row db.MatchedClusterRow) MatchedCluster {
	matched := row.MatchedTags
	if matched == nil {
		matched = []string{}
	}
	return MatchedCluster{
		ClusterID:       row.ClusterID,
		TopicName:       row.TopicName,
		Tags:            row.Tags.Values(),
		MatchedTags:     matched,
		MatchRatio:      row.MatchRatio,
		WeightedScore:   row.WeightedScore,
		ClusterScore:    row.ClusterScore,
		Status:          string(row.Status),
		AppearanceCount: row.AppearanceCount,
		ArticleCount:    row.ArticleCount,
		ArticleIndices:  row.ArticleIndices.Sorted(),
	}
}

func filterCluster(rows []db.MatchedClusterRow, clusterID int) []db.MatchedClusterRow {
	for _, row := range rows {
		if row.ClusterID == clusterID {
			return []db.MatchedClusterRow{row}
		}
	}
	return nil
}

func attributeClusters(rows []db.MatchedClusterRow, articleIndex int) []int {
	ids := make([]int, 0, 2)
	for _, row := range rows {
		if row.ArticleIndices.Contains(articleIndex) {
			ids = append(ids, row.ClusterID)
		}
	}
	sort.Ints(ids)
	return ids
}
