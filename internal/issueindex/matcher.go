package issueindex

import (
	"time"

	"horse.fit/issue-index/internal/clusters"
	"horse.fit/issue-index/internal/vocabulary"
)

// Match is a cluster that overlaps a job category's vocabulary.
type Match struct {
	ClusterID     int
	MatchedTags   clusters.TagSet
	MatchRatio    float64
	WeightedScore float64
	Status        clusters.Status
	// Reference is the instant decay is measured from for inactive clusters.
	Reference time.Time
}

// Overlapper is the set-overlap half of the job tag vocabulary.
type Overlapper interface {
	Overlap(category vocabulary.Category, tags clusters.TagSet) clusters.TagSet
}

// MatchCluster scores one snapshot against one category. The ratio is the
// share of the cluster's own tags found in the vocabulary. Clusters without
// overlap return false and are never recorded.
func MatchCluster(vocab Overlapper, category vocabulary.Category, snapshot clusters.ClusterSnapshot) (Match, bool) {
	if snapshot.Tags.Len() == 0 {
		return Match{}, false
	}

	matched := vocab.Overlap(category, snapshot.Tags)
	if matched.Len() == 0 {
		return Match{}, false
	}

	ratio := float64(matched.Len()) / float64(snapshot.Tags.Len())
	return Match{
		ClusterID:     snapshot.ClusterID,
		MatchedTags:   matched,
		MatchRatio:    ratio,
		WeightedScore: snapshot.ClusterScore * ratio,
		Status:        snapshot.Status,
		Reference:     snapshot.DecayReference(),
	}, true
}

// MatchAll runs MatchCluster over every snapshot of a bucket, keeping order.
func MatchAll(vocab Overlapper, category vocabulary.Category, snapshots []clusters.ClusterSnapshot) []Match {
	matches := make([]Match, 0, len(snapshots))
	for _, snapshot := range snapshots {
		if m, ok := MatchCluster(vocab, category, snapshot); ok {
			matches = append(matches, m)
		}
	}
	return matches
}
