package clusters

import (
	"testing"
	"time"
)

func TestNewTagSet_DedupesCanonicalForms(t *testing.T) {
	t.Parallel()

	set := NewTagSet("LLM", " llm ", "코드생성", "", "Agents")
	if set.Len() != 3 {
		t.Fatalf("unexpected tag count: got %d want 3 (%v)", set.Len(), set.Values())
	}
	got := set.Values()
	if got[0] != "LLM" || got[1] != "코드생성" || got[2] != "Agents" {
		t.Fatalf("unexpected order or spelling: %v", got)
	}
}

func TestTagSet_ContainsNormalizesHangul(t *testing.T) {
	t.Parallel()

	// Decomposed jamo for "코드" must match the precomposed form.
	decomposed := "코드생성"
	set := NewTagSet("코드생성")
	if !set.Contains(decomposed) {
		t.Fatalf("expected NFD input to match NFC tag")
	}
}

func TestTagSet_Intersect(t *testing.T) {
	t.Parallel()

	cluster := NewTagSet("LLM", "GPU", "반도체", "코드생성", "투자")
	vocab := NewTagSet("llm", "코드생성", "오픈소스")

	matched := cluster.Intersect(vocab)
	if matched.Len() != 2 {
		t.Fatalf("unexpected match count: got %d want 2", matched.Len())
	}
	if got := matched.Values(); got[0] != "LLM" || got[1] != "코드생성" {
		t.Fatalf("expected cluster spelling and order, got %v", got)
	}
}

func TestUnion_CountsSharedArticlesOnce(t *testing.T) {
	t.Parallel()

	a := NewArticleSet(1, 2, 3)
	b := NewArticleSet(3, 4, 5)

	merged := Union(a, b)
	if merged.Len() != 5 {
		t.Fatalf("unexpected union size: got %d want 5", merged.Len())
	}
	sorted := merged.Sorted()
	for i, want := range []int{1, 2, 3, 4, 5} {
		if sorted[i] != want {
			t.Fatalf("unexpected sorted union: %v", sorted)
		}
	}
}

func TestArticleSet_IgnoresOutOfRange(t *testing.T) {
	t.Parallel()

	set := NewArticleSet(-1, 0, 999, 1000)
	if set.Len() != 2 {
		t.Fatalf("unexpected size: got %d want 2", set.Len())
	}
}

func TestParseStatus(t *testing.T) {
	t.Parallel()

	if s, err := ParseStatus(" Active "); err != nil || s != StatusActive {
		t.Fatalf("unexpected parse: %q %v", s, err)
	}
	if _, err := ParseStatus("archived"); err == nil {
		t.Fatalf("expected error for unknown status")
	}
}

func TestDecayReference_FallsBackToBucket(t *testing.T) {
	t.Parallel()

	bucket := time.Date(2025, 1, 15, 8, 0, 0, 0, time.UTC)
	snap := ClusterSnapshot{TimeBucket: bucket}
	if !snap.DecayReference().Equal(bucket) {
		t.Fatalf("expected bucket as reference, got %s", snap.DecayReference())
	}

	lastActive := bucket.Add(-48 * time.Hour)
	snap.LastActiveAt = &lastActive
	if !snap.DecayReference().Equal(lastActive) {
		t.Fatalf("expected last-active reference, got %s", snap.DecayReference())
	}
}
