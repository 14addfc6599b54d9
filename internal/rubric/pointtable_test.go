package rubric

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParsePointTableSingleLine(t *testing.T) {
	table, err := ParsePointTable("Grade Points -3 0 0 1 12 2 13 20 4 21 36 7 37 51 10 52 64 12 65 75")
	require.NoError(t, err)
	require.Equal(t, []PointRange{
		{Grade: -3, Min: 0, Max: 0},
		{Grade: 0, Min: 1, Max: 12},
		{Grade: 2, Min: 13, Max: 20},
		{Grade: 4, Min: 21, Max: 36},
		{Grade: 7, Min: 37, Max: 51},
		{Grade: 10, Min: 52, Max: 64},
		{Grade: 12, Min: 65, Max: 75},
	}, table.Ranges)

	grade, matched := table.GradeFor(45)
	require.True(t, matched)
	require.Equal(t, 7, grade)
	require.Equal(t, 75, table.MaxPoints())
}

func TestParsePointTableRowsWithRangesAndTabs(t *testing.T) {
	text := "Grade\tPoints\n12\t90-100\n10\t75-89\n7\t55-74\n4\t40-54\n2\t30-39\n0\t10-29\n-3\t0-9\n"

	table, err := ParsePointTable(text)
	require.NoError(t, err)
	require.Len(t, table.Ranges, 7)
	require.Equal(t, PointRange{Grade: 12, Min: 90, Max: 100}, table.Ranges[0])

	grade, matched := table.GradeFor(74.6)
	require.True(t, matched)
	require.Equal(t, 10, grade)

	grade, matched = table.GradeFor(5)
	require.True(t, matched)
	require.Equal(t, -3, grade)
}

func TestPointTableFallsBackToLowestGrade(t *testing.T) {
	table := PointTable{Ranges: []PointRange{{Grade: 12, Min: 10, Max: 20}}}

	grade, matched := table.GradeFor(3)
	require.False(t, matched)
	require.Equal(t, LowestGrade, grade)
}

func TestParsePointTableRejectsText(t *testing.T) {
	_, err := ParsePointTable("Grades are awarded by the examiner.")
	require.True(t, errors.Is(err, ErrNoPointRanges))
}

func TestRoundToGradeScale(t *testing.T) {
	cases := []struct {
		in   float64
		want int
	}{
		{8.4, 7},
		{8.5, 7},
		{8.6, 10},
		{11, 10},
		{1, 0},
		{3, 2},
		{-1.5, -3},
		{-10, -3},
		{12, 12},
		{40, 12},
		{5.5, 4},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, RoundToGradeScale(tc.in), "x=%v", tc.in)
	}

	for x := -20.0; x <= 20; x += 0.25 {
		require.True(t, IsGradeValue(float64(RoundToGradeScale(x))))
	}
	require.True(t, IsGradeValue(float64(RoundToGradeScale(math.Inf(1)))))
}
