package domain

import "math"

// Condition is the product grade ordered best to worst: S < A < B < C < D.
type Condition string

const (
	CondS Condition = "S"
	CondA Condition = "A"
	CondB Condition = "B"
	CondC Condition = "C"
	CondD Condition = "D"
)

// ConditionOrder lists grades best-first. Aggregation tie-breaking relies on
// this order: when an average sits exactly between two grades, the earlier
// (better) grade wins.
var ConditionOrder = []Condition{CondS, CondA, CondB, CondC, CondD}

var conditionScores = map[Condition]int{
	CondS: 0, CondA: 1, CondB: 2, CondC: 3, CondD: 4,
}

var conditionLabels = map[Condition]string{
	CondS: "최상 (거의 새것)",
	CondA: "우수 (미세한 사용감)",
	CondB: "양호 (약간의 결함)",
	CondC: "보통 (눈에 띄는 결함)",
	CondD: "불량 (심각한 결함)",
}

// Score maps the grade to its ordinal; unknown grades map to C's ordinal.
func (c Condition) Score() int {
	if s, ok := conditionScores[c]; ok {
		return s
	}
	return conditionScores[CondC]
}

// Valid reports whether c is one of the five known grades.
func (c Condition) Valid() bool {
	_, ok := conditionScores[c]
	return ok
}

// Label returns the Korean description used in rendered markdown.
func (c Condition) Label() string {
	if l, ok := conditionLabels[c]; ok {
		return l
	}
	return "알 수 없음"
}

// ConditionFromScore returns the grade whose ordinal is closest to avg.
// Ties go to the better grade because ConditionOrder is visited S through D.
func ConditionFromScore(avg float64) Condition {
	best := CondS
	bestDist := math.Inf(1)
	for _, c := range ConditionOrder {
		d := math.Abs(float64(c.Score()) - avg)
		if d < bestDist {
			best, bestDist = c, d
		}
	}
	return best
}
