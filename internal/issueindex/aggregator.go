package issueindex

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"horse.fit/issue-index/internal/clusters"
)

const (
	DecayRatePerDay = 0.1
	ActiveWeight    = 1.0
	InactiveWeight  = 0.5
)

// Aggregate is the blended score of one job category for one bucket.
type Aggregate struct {
	IssueIndex      float64
	ActiveAverage   float64
	InactiveAverage float64
	ActiveCount     int
	InactiveCount   int
}

// DecayFactor is e^(-0.1 * days) with days floored at zero.
func DecayFactor(daysElapsed float64) float64 {
	if daysElapsed < 0 || math.IsNaN(daysElapsed) {
		daysElapsed = 0
	}
	return math.Exp(-DecayRatePerDay * daysElapsed)
}

// DaysElapsed is the fractional number of days from reference to bucket,
// never negative.
func DaysElapsed(bucket, reference time.Time) float64 {
	if reference.IsZero() {
		return 0
	}
	days := bucket.Sub(reference).Hours() / 24
	if days < 0 {
		return 0
	}
	return days
}

// AggregateMatches blends active and decayed inactive contributions:
// active mean at full weight plus inactive mean at half weight.
func AggregateMatches(matches []Match, bucket time.Time) Aggregate {
	var (
		activeSum     float64
		inactiveSum   float64
		activeCount   int
		inactiveCount int
	)

	for _, m := range matches {
		switch m.Status {
		case clusters.StatusActive:
			activeSum += m.WeightedScore
			activeCount++
		case clusters.StatusInactive:
			inactiveSum += m.WeightedScore * DecayFactor(DaysElapsed(bucket, m.Reference))
			inactiveCount++
		}
	}

	var agg Aggregate
	agg.ActiveCount = activeCount
	agg.InactiveCount = inactiveCount
	if activeCount > 0 {
		agg.ActiveAverage = activeSum / float64(activeCount)
	}
	if inactiveCount > 0 {
		agg.InactiveAverage = inactiveSum / float64(inactiveCount)
	}
	agg.IssueIndex = RoundIndex(agg.ActiveAverage*ActiveWeight + agg.InactiveAverage*InactiveWeight)
	return agg
}

// RoundIndex rounds half away from zero to one decimal place.
func RoundIndex(v float64) float64 {
	return decimal.NewFromFloat(v).Round(1).InexactFloat64()
}
