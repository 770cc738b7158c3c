package usecase

import (
	"sort"

	"github.com/resello/inspect3d/internal/domain"
)

// Aggregate reduces per-image verdicts to a product grade and price
// adjustment using a trimmed mean over the best keepFraction of verdicts.
// Outlier images (bad lighting, one harsh judgement) are dropped from the
// tail rather than averaged in.
//
// verdicts must be non-empty.
func Aggregate(verdicts []domain.ImageVerdict, keepFraction float64) (domain.Condition, int) {
	k := keepCount(len(verdicts), keepFraction)

	scores := make([]int, len(verdicts))
	for i, v := range verdicts {
		scores[i] = v.Condition.Score()
	}
	sort.Ints(scores) // best (lowest ordinal) first
	var sum int
	for _, s := range scores[:k] {
		sum += s
	}
	condition := domain.ConditionFromScore(float64(sum) / float64(k))

	adjustments := make([]int, len(verdicts))
	for i, v := range verdicts {
		adjustments[i] = v.PriceAdjustment
	}
	// Least discount first, so the trim drops the harshest adjustments.
	sort.Sort(sort.Reverse(sort.IntSlice(adjustments)))
	var adjSum int
	for _, a := range adjustments[:k] {
		adjSum += a
	}
	adjustment := int(float64(adjSum) / float64(k)) // truncate toward zero

	return condition, adjustment
}

// TotalDefects counts defects across all verdicts.
func TotalDefects(verdicts []domain.ImageVerdict) int {
	n := 0
	for _, v := range verdicts {
		n += len(v.Defects)
	}
	return n
}

func keepCount(n int, keepFraction float64) int {
	k := int(float64(n) * keepFraction)
	if k < 1 {
		return 1
	}
	return k
}
