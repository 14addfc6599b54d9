package rubric

import "math"

// GradeScale is the discrete seven-step scale used for rubric grading, ascending.
var GradeScale = []int{-3, 0, 2, 4, 7, 10, 12}

// LowestGrade is the bottom of GradeScale.
const LowestGrade = -3

// IsGradeValue reports whether v is exactly one of the GradeScale values.
func IsGradeValue(v float64) bool {
	for _, grade := range GradeScale {
		if v == float64(grade) {
			return true
		}
	}
	return false
}

func isGrade(v int) bool {
	return IsGradeValue(float64(v))
}

// RoundToGradeScale snaps x to the nearest GradeScale value. The scale is walked in
// ascending order and only a strictly closer value replaces the current pick, so an
// exact tie resolves to the lower grade.
func RoundToGradeScale(x float64) int {
	best := GradeScale[0]
	bestDiff := math.Abs(x - float64(best))
	for _, grade := range GradeScale[1:] {
		if diff := math.Abs(x - float64(grade)); diff < bestDiff {
			best = grade
			bestDiff = diff
		}
	}
	return best
}
