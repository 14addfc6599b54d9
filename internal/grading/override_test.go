package grading

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestApplyOverrideKeepsModelResult(t *testing.T) {
	job := rubricJob()
	original, err := ComputeRubric(*job.Rubric, decodeRubric(t, rubricAnswer(4, 4, 4, 4)), zerolog.Nop())
	require.NoError(t, err)
	original.SubmissionID = "s1"
	original.StudentLabel = "Alice"

	override := Override{Sections: []SectionOutput{
		{Criteria: []CriterionOutput{{Score: NewScore(12), Feedback: "Excellent argument."}, {Score: NewScore(10)}}},
		{Criteria: []CriterionOutput{{Score: NewScore(10)}, {Score: NewScore(10)}}},
	}}

	merged, err := ApplyOverride(job, original, override, zerolog.Nop())
	require.NoError(t, err)

	require.InDelta(t, 4, merged.TotalScore, 1e-9)
	require.Equal(t, 4, merged.FinalGrade)
	require.NotNil(t, merged.TeacherOverride)

	effective := merged.Effective()
	require.InDelta(t, 3.6+3+2+2, effective.TotalScore, 1e-9)
	require.Equal(t, 10, effective.FinalGrade)
	require.Equal(t, "s1", effective.SubmissionID)
	require.Equal(t, "Excellent argument.", effective.Sections[0].Criteria[0].Feedback)
	require.Equal(t, "Fine.", effective.Sections[0].Criteria[1].Feedback)

	require.Nil(t, original.TeacherOverride)
}

func TestApplyOverrideRejectsIncompleteShape(t *testing.T) {
	job := rubricJob()
	original, err := ComputeRubric(*job.Rubric, decodeRubric(t, rubricAnswer(4, 4, 4, 4)), zerolog.Nop())
	require.NoError(t, err)

	_, err = ApplyOverride(job, original, Override{Sections: []SectionOutput{{}}}, zerolog.Nop())
	require.ErrorIs(t, err, ErrMissingSection)

	_, err = ApplyOverride(job, original, Override{Sections: []SectionOutput{{}, {}}}, zerolog.Nop())
	require.ErrorIs(t, err, ErrMissingCriterion)

	_, err = ApplyOverride(job, Result{Status: StatusFailed}, Override{}, zerolog.Nop())
	require.Error(t, err)
}

func TestEffectiveWithoutOverride(t *testing.T) {
	r := Result{SubmissionID: "x", FinalGrade: 7}
	require.Equal(t, r, r.Effective())
}
