package rubric

import (
	"math"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestNormalizeKeepsStatedWeights(t *testing.T) {
	tree, err := Parse(letteredRubric)
	require.NoError(t, err)

	normalized := Normalize(tree, zerolog.Nop())
	require.InDelta(t, 60, *normalized.Sections[0].Weight, 1e-9)
	require.InDelta(t, 40, *normalized.Sections[1].Weight, 1e-9)
	require.InDelta(t, 30, *normalized.Sections[0].Criteria[1].Weight, 1e-9)
	require.InDelta(t, 20, *normalized.Sections[1].Criteria[0].Weight, 1e-9)
}

func TestNormalizeSplitsRemainderAcrossUnweightedSections(t *testing.T) {
	tree := Tree{Sections: []Section{
		{Name: "Reading", Criteria: []Criterion{{Name: "Comprehension"}, {Name: "Interpretation"}}},
		{Name: "Writing", Weight: Float(50), Criteria: []Criterion{{Name: "Grammar", Weight: Float(25)}, {Name: "Style", Weight: Float(25)}}},
	}}

	normalized := Normalize(tree, zerolog.Nop())
	require.InDelta(t, 50, *normalized.Sections[0].Weight, 1e-9)
	require.InDelta(t, 25, *normalized.Sections[0].Criteria[0].Weight, 1e-9)
	require.InDelta(t, 25, *normalized.Sections[0].Criteria[1].Weight, 1e-9)

	require.Nil(t, tree.Sections[0].Weight, "input tree must not be mutated")
}

func TestNormalizeSplitsWholeSectionWhenAnyCriterionUnweighted(t *testing.T) {
	tree := Tree{Sections: []Section{{
		Name:   "Content",
		Weight: Float(100),
		Criteria: []Criterion{
			{Name: "Argument", Weight: Float(70)},
			{Name: "Sources"},
		},
	}}}

	normalized := Normalize(tree, zerolog.Nop())
	require.InDelta(t, 50, *normalized.Sections[0].Criteria[0].Weight, 1e-9)
	require.InDelta(t, 50, *normalized.Sections[0].Criteria[1].Weight, 1e-9)
}

func TestNormalizeDerivesSectionWeightFromCriteria(t *testing.T) {
	tree, err := Parse("Analysis 30%\nMethod 30%\nConclusion 40%\n")
	require.NoError(t, err)
	require.Nil(t, tree.Sections[0].Weight)

	normalized := Normalize(tree, zerolog.Nop())
	require.InDelta(t, 100, *normalized.Sections[0].Weight, 1e-9)
	require.InDelta(t, 40, *normalized.Sections[0].Criteria[2].Weight, 1e-9)
}

func TestNormalizeScalesSectionRelativeCriteria(t *testing.T) {
	tree := Tree{Sections: []Section{
		{Name: "Content", Weight: Float(60), Criteria: []Criterion{{Name: "A", Weight: Float(50)}, {Name: "B", Weight: Float(50)}}},
		{Name: "Form", Weight: Float(40), Criteria: []Criterion{{Name: "C", Weight: Float(100)}}},
	}}

	normalized := Normalize(tree, zerolog.Nop())
	require.InDelta(t, 30, *normalized.Sections[0].Criteria[0].Weight, 1e-9)
	require.InDelta(t, 30, *normalized.Sections[0].Criteria[1].Weight, 1e-9)
	require.InDelta(t, 40, *normalized.Sections[1].Criteria[0].Weight, 1e-9)
}

func TestNormalizeRescalesSectionsThatMissHundred(t *testing.T) {
	tree := Tree{Sections: []Section{
		{Name: "A", Weight: Float(45), Criteria: []Criterion{{Name: "a"}}},
		{Name: "B", Weight: Float(45), Criteria: []Criterion{{Name: "b"}}},
	}}

	normalized := Normalize(tree, zerolog.Nop())
	require.InDelta(t, 50, *normalized.Sections[0].Weight, 1e-9)
	require.InDelta(t, 50, *normalized.Sections[1].Criteria[0].Weight, 1e-9)
}

func TestNormalizeInvariantsAndIdempotence(t *testing.T) {
	inputs := []string{
		letteredRubric,
		"1. Genre\n2. Language\n3. Structure\n",
		"Part A: Reading\n1. Comprehension\n2. Interpretation\nPart B: Writing (50%)\nGrammar 25%\nStyle 25%\n",
		"Analysis 30%\nMethod 30%\nConclusion 30%\n",
		"Part A: Theory (70%)\nPart B: Practice (70%)\n",
	}

	for _, input := range inputs {
		tree, err := Parse(input)
		require.NoError(t, err, input)

		once := Normalize(tree, zerolog.Nop())
		require.LessOrEqual(t, math.Abs(once.TotalWeight()-100), weightTolerance, input)
		require.False(t, NeedsReparse(once), input)

		for _, section := range once.Sections {
			sum, ok := criteriaSum(section.Criteria)
			require.True(t, ok)
			require.LessOrEqual(t, math.Abs(sum-*section.Weight), weightTolerance, input)
		}

		twice := Normalize(once, zerolog.Nop())
		require.Equal(t, once, twice, input)
	}
}
