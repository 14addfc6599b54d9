package rubric

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// ErrNoPointRanges is returned when a conversion table yields no usable rows.
var ErrNoPointRanges = errors.New("no grade point ranges found in conversion table")

var pointRange = regexp.MustCompile(`^(\d+)[-–](\d+)$`)

// PointRange maps an inclusive point interval to a grade.
type PointRange struct {
	Grade int `json:"grade"`
	Min   int `json:"min"`
	Max   int `json:"max"`
}

// PointTable converts task-mode point totals into grades.
type PointTable struct {
	Ranges []PointRange `json:"ranges"`
}

// ParsePointTable reads rows of "grade min max" from free text. Rows may be split
// across lines or run together on one line after a header; a row may also carry a
// single point value ("-3 0"). Of all the ways to split the integers into rows, the
// one that leaves the fewest integers unused wins, with rows required to move
// monotonically through both grades and points.
func ParsePointTable(text string) (PointTable, error) {
	tokens := pointTokens(text)

	best := newAligner(tokens, true).solve(0, nil)
	if desc := newAligner(tokens, false).solve(0, nil); desc.better(best) {
		best = desc
	}
	if len(best.rows) == 0 {
		return PointTable{}, ErrNoPointRanges
	}
	return PointTable{Ranges: best.rows}, nil
}

// GradeFor returns the grade whose range contains points, rounded to the nearest
// whole point. matched is false when no range applies; the lowest grade is
// returned in that case and usually means the table was parsed wrongly.
func (t PointTable) GradeFor(points float64) (grade int, matched bool) {
	p := int(math.Round(points))
	for _, r := range t.Ranges {
		if p >= r.Min && p <= r.Max {
			return r.Grade, true
		}
	}
	return LowestGrade, false
}

// MaxPoints returns the highest point value in the table.
func (t PointTable) MaxPoints() int {
	highest := 0
	for _, r := range t.Ranges {
		if r.Max > highest {
			highest = r.Max
		}
	}
	return highest
}

// String renders the table one row per line, as sent to the model.
func (t PointTable) String() string {
	var b strings.Builder
	for _, r := range t.Ranges {
		fmt.Fprintf(&b, "Grade %d: %d-%d points\n", r.Grade, r.Min, r.Max)
	}
	return strings.TrimRight(b.String(), "\n")
}

func pointTokens(text string) []int {
	var tokens []int
	for _, field := range strings.Fields(text) {
		field = strings.Trim(field, ",;|()")
		if m := pointRange.FindStringSubmatch(field); m != nil {
			lo, _ := strconv.Atoi(m[1])
			hi, _ := strconv.Atoi(m[2])
			tokens = append(tokens, lo, hi)
			continue
		}
		if v, err := strconv.Atoi(field); err == nil {
			tokens = append(tokens, v)
		}
	}
	return tokens
}

type alignment struct {
	rows    []PointRange
	skipped int
	singles int
}

func (a alignment) better(b alignment) bool {
	if a.skipped != b.skipped {
		return a.skipped < b.skipped
	}
	if a.singles != b.singles {
		return a.singles < b.singles
	}
	return len(a.rows) > len(b.rows)
}

type alignKey struct {
	pos     int
	hasPrev bool
	grade   int
	max     int
	min     int
}

type aligner struct {
	tokens    []int
	ascending bool
	memo      map[alignKey]alignment
}

func newAligner(tokens []int, ascending bool) *aligner {
	return &aligner{tokens: tokens, ascending: ascending, memo: make(map[alignKey]alignment)}
}

func (a *aligner) follows(prev *PointRange, next PointRange) bool {
	if prev == nil {
		return true
	}
	if a.ascending {
		return next.Grade > prev.Grade && next.Min > prev.Max
	}
	return next.Grade < prev.Grade && next.Max < prev.Min
}

func (a *aligner) solve(pos int, prev *PointRange) alignment {
	if pos >= len(a.tokens) {
		return alignment{}
	}
	key := alignKey{pos: pos}
	if prev != nil {
		key = alignKey{pos: pos, hasPrev: true, grade: prev.Grade, min: prev.Min, max: prev.Max}
	}
	if cached, ok := a.memo[key]; ok {
		return cached
	}

	best := a.solve(pos+1, prev)
	best.skipped++

	grade := a.tokens[pos]
	if isGrade(grade) {
		if pos+2 < len(a.tokens) && a.tokens[pos+1] <= a.tokens[pos+2] {
			row := PointRange{Grade: grade, Min: a.tokens[pos+1], Max: a.tokens[pos+2]}
			if a.follows(prev, row) {
				if cand := a.prepend(row, a.solve(pos+3, &row), false); cand.better(best) {
					best = cand
				}
			}
		}
		if pos+1 < len(a.tokens) {
			row := PointRange{Grade: grade, Min: a.tokens[pos+1], Max: a.tokens[pos+1]}
			if a.follows(prev, row) {
				if cand := a.prepend(row, a.solve(pos+2, &row), true); cand.better(best) {
					best = cand
				}
			}
		}
	}

	a.memo[key] = best
	return best
}

func (a *aligner) prepend(row PointRange, rest alignment, single bool) alignment {
	rows := make([]PointRange, 0, len(rest.rows)+1)
	rows = append(rows, row)
	rows = append(rows, rest.rows...)
	out := alignment{rows: rows, skipped: rest.skipped, singles: rest.singles}
	if single {
		out.singles++
	}
	return out
}
