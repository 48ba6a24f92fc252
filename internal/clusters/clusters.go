package clusters

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

const (
	MaxArticleIndex = 999
)

type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

func ParseStatus(raw string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(raw))) {
	case StatusActive:
		return StatusActive, nil
	case StatusInactive:
		return StatusInactive, nil
	default:
		return "", fmt.Errorf("unknown cluster status %q", raw)
	}
}

// ClusterSnapshot is one topic cluster as observed at a time bucket.
type ClusterSnapshot struct {
	TimeBucket      time.Time
	ClusterID       int
	TopicName       string
	Tags            TagSet
	AppearanceCount int
	ArticleCount    int
	ArticleIndices  ArticleSet
	Status          Status
	ClusterScore    float64
	// LastActiveAt is the decay reference for inactive clusters. Nil means the
	// lifecycle record did not supply one.
	LastActiveAt *time.Time
}

// DecayReference returns the time inactive-decay is measured from.
func (s ClusterSnapshot) DecayReference() time.Time {
	if s.LastActiveAt != nil {
		return s.LastActiveAt.UTC()
	}
	return s.TimeBucket.UTC()
}

// CanonicalTag maps a raw label to the form used for set comparison.
func CanonicalTag(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}
	// Casers carry state, so one is built per call.
	return cases.Fold().String(norm.NFC.String(trimmed))
}

// TagSet is an ordered set of tags. Display values keep the first spelling
// seen, membership uses CanonicalTag.
type TagSet struct {
	values []string
	index  map[string]int
}

func NewTagSet(tags ...string) TagSet {
	set := TagSet{
		values: make([]string, 0, len(tags)),
		index:  make(map[string]int, len(tags)),
	}
	for _, tag := range tags {
		set.add(tag)
	}
	return set
}

func (s *TagSet) add(raw string) {
	key := CanonicalTag(raw)
	if key == "" {
		return
	}
	if _, exists := s.index[key]; exists {
		return
	}
	s.index[key] = len(s.values)
	s.values = append(s.values, norm.NFC.String(strings.TrimSpace(raw)))
}

func (s TagSet) Len() int {
	return len(s.values)
}

func (s TagSet) Contains(tag string) bool {
	_, ok := s.index[CanonicalTag(tag)]
	return ok
}

// Values returns the tags in insertion order.
func (s TagSet) Values() []string {
	out := make([]string, len(s.values))
	copy(out, s.values)
	return out
}

// Intersect returns the tags of s that other also contains, in s's order.
func (s TagSet) Intersect(other TagSet) TagSet {
	out := NewTagSet()
	for _, tag := range s.values {
		if other.Contains(tag) {
			out.add(tag)
		}
	}
	return out
}

// ArticleSet is a set of per-bucket article indices.
type ArticleSet map[int]struct{}

func NewArticleSet(indices ...int) ArticleSet {
	set := make(ArticleSet, len(indices))
	for _, idx := range indices {
		set.Add(idx)
	}
	return set
}

func (s ArticleSet) Add(idx int) {
	if idx < 0 || idx > MaxArticleIndex {
		return
	}
	s[idx] = struct{}{}
}

func (s ArticleSet) Contains(idx int) bool {
	_, ok := s[idx]
	return ok
}

func (s ArticleSet) Len() int {
	return len(s)
}

func (s ArticleSet) Sorted() []int {
	out := make([]int, 0, len(s))
	for idx := range s {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

// Union merges sets, counting an article shared by several clusters once.
func Union(sets ...ArticleSet) ArticleSet {
	out := NewArticleSet()
	for _, set := range sets {
		for idx := range set {
			out[idx] = struct{}{}
		}
	}
	return out
}
