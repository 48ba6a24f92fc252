package issueindex

import (
	"math"
	"testing"
	"time"

	"horse.fit/issue-index/internal/clusters"
	"horse.fit/issue-index/internal/vocabulary"
)

func techDevVocabulary(t *testing.T) (*vocabulary.Vocabulary, vocabulary.Category) {
	t.Helper()

	v, err := vocabulary.New([]vocabulary.Category{{
		Name: "기술/개발",
		Code: "tech-dev",
		Tags: clusters.NewTagSet("LLM", "코드생성"),
	}})
	if err != nil {
		t.Fatalf("build vocabulary: %v", err)
	}
	category, ok := v.Lookup("기술/개발")
	if !ok {
		t.Fatalf("expected category lookup to succeed")
	}
	return v, category
}

func TestMatchCluster_RatioOverClusterTags(t *testing.T) {
	t.Parallel()

	v, category := techDevVocabulary(t)
	snapshot := clusters.ClusterSnapshot{
		TimeBucket:   time.Date(2025, 1, 15, 8, 0, 0, 0, time.UTC),
		ClusterID:    4,
		Tags:         clusters.NewTagSet("LLM", "코드생성", "GPU", "반도체", "투자"),
		Status:       clusters.StatusActive,
		ClusterScore: 80,
	}

	m, ok := MatchCluster(v, category, snapshot)
	if !ok {
		t.Fatalf("expected cluster to match")
	}
	if math.Abs(m.MatchRatio-0.4) > 1e-9 {
		t.Fatalf("unexpected ratio: got %v want 0.4", m.MatchRatio)
	}
	if math.Abs(m.WeightedScore-32) > 1e-9 {
		t.Fatalf("unexpected weighted score: got %v want 32", m.WeightedScore)
	}
	if m.MatchedTags.Len() != 2 {
		t.Fatalf("unexpected matched tags: %v", m.MatchedTags.Values())
	}
}

func TestMatchCluster_ExcludesZeroOverlap(t *testing.T) {
	t.Parallel()

	v, category := techDevVocabulary(t)
	for _, tags := range [][]string{{"정책", "규제", "투자"}, {}} {
		snapshot := clusters.ClusterSnapshot{
			ClusterID:    1,
			Tags:         clusters.NewTagSet(tags...),
			Status:       clusters.StatusActive,
			ClusterScore: 99,
		}
		if _, ok := MatchCluster(v, category, snapshot); ok {
			t.Fatalf("expected no match for tags %v", tags)
		}
	}
}

func TestMatchAll_KeepsOnlyPositiveRatios(t *testing.T) {
	t.Parallel()

	v, category := techDevVocabulary(t)
	snapshots := []clusters.ClusterSnapshot{
		{ClusterID: 1, Tags: clusters.NewTagSet("LLM", "a", "b", "c", "d"), Status: clusters.StatusActive, ClusterScore: 50},
		{ClusterID: 2, Tags: clusters.NewTagSet("a", "b", "c", "d", "e"), Status: clusters.StatusActive, ClusterScore: 90},
		{ClusterID: 3, Tags: clusters.NewTagSet("코드생성", "LLM", "c", "d", "e"), Status: clusters.StatusInactive, ClusterScore: 40},
	}

	matches := MatchAll(v, category, snapshots)
	if len(matches) != 2 {
		t.Fatalf("unexpected match count: got %d want 2", len(matches))
	}
	for _, m := range matches {
		if m.MatchRatio <= 0 || m.MatchRatio > 1 {
			t.Fatalf("match ratio out of (0,1]: %+v", m)
		}
	}
	if matches[0].ClusterID != 1 || matches[1].ClusterID != 3 {
		t.Fatalf("unexpected match order: %d, %d", matches[0].ClusterID, matches[1].ClusterID)
	}
}
