package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-grader/internal/dto"
	"github.com/noah-isme/gema-grader/internal/grading"
	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/internal/repository"
)

func TestGradeUploadsStoresResultsAndSkipsCompleted(t *testing.T) {
	f := newGraderFixture(t)
	exam := f.createRubricExam(t)
	f.model.answers["bob"] = essayAnswer(12, 10, 10, 7)
	ctx := context.Background()

	files := []SubmissionFile{
		{Name: "alice.txt", Data: []byte("Alice's essay about climate.")},
		{Name: "bob.txt", Data: []byte("Bob's essay about climate.")},
		{Name: "carl.pdf", Data: []byte("%PDF-1.7\n%\xe2\xe3\xcf\xd3\n1 0 obj")},
	}

	run, err := f.service.GradeUploads(ctx, exam.ID, files, true)
	require.NoError(t, err)
	require.Equal(t, RunStatusCompleted, run.Status)
	require.NotEmpty(t, run.RunID)
	require.Equal(t, 3, run.Received)
	require.Equal(t, 0, run.Skipped)
	require.Equal(t, 2, run.Graded)
	require.Equal(t, 1, run.Failed)
	require.Greater(t, run.CostUSD, 0.0)
	require.Len(t, run.Results, 3)

	alice := run.Results[0]
	require.Equal(t, "alice", alice.SubmissionID)
	require.Equal(t, 7, alice.FinalGrade)
	require.Equal(t, "Clear thesis.", alice.Sections[0].Criteria[0].Feedback)
	require.Equal(t, "Solid & coherent.", alice.Rationale)

	require.Equal(t, 10, run.Results[1].FinalGrade)
	require.Equal(t, string(grading.StatusFailed), run.Results[2].Status)
	require.Equal(t, string(grading.StageReading), run.Results[2].Stage)

	records, err := f.records.ListByExam(ctx, exam.ID, repository.GradingRecordFilter{})
	require.NoError(t, err)
	require.Len(t, records, 3)
	for _, record := range records {
		require.Equal(t, run.RunID, record.RunID)
	}
	require.Equal(t, 2, f.model.callCount())

	again, err := f.service.GradeUploads(ctx, exam.ID, files, true)
	require.NoError(t, err)
	require.Equal(t, 2, again.Skipped)
	require.Len(t, again.Results, 1, "only the failed submission is retried")
	require.Equal(t, "carl", again.Results[0].SubmissionID)
	require.Equal(t, 2, f.model.callCount())
}

func TestGradeUploadsRunsInBackground(t *testing.T) {
	f := newGraderFixture(t)
	exam := f.createRubricExam(t)
	events, unsubscribe := f.hub.Subscribe(exam.ID)
	defer unsubscribe()

	run, err := f.service.GradeUploads(context.Background(), exam.ID, []SubmissionFile{{Name: "alice.txt", Data: []byte("essay")}}, false)
	require.NoError(t, err)
	require.Equal(t, RunStatusRunning, run.Status)
	require.Empty(t, run.Results)

	f.service.Wait()

	results, err := f.service.Results(context.Background(), exam.ID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, 7, results[0].EffectiveGrade)

	last, ok := f.hub.Last(exam.ID)
	require.True(t, ok)
	require.Equal(t, grading.StageDone, last.Stage)
	require.Equal(t, run.RunID, last.RunID)
	require.NotEmpty(t, events)
}

func TestGradeUploadsRejectsConcurrentRun(t *testing.T) {
	f := newGraderFixture(t)
	exam := f.createRubricExam(t)
	require.True(t, f.service.acquire(exam.ID, "other-run"))

	_, err := f.service.GradeUploads(context.Background(), exam.ID, []SubmissionFile{{Name: "a.txt", Data: []byte("x")}}, true)
	require.ErrorIs(t, err, ErrRunInProgress)

	f.service.release(exam.ID)
	_, err = f.service.GradeUploads(context.Background(), exam.ID, []SubmissionFile{{Name: "a.txt", Data: []byte("x")}}, true)
	require.NoError(t, err)
}

func TestGradeUploadsValidatesInput(t *testing.T) {
	f := newGraderFixture(t)
	ctx := context.Background()

	_, err := f.service.GradeUploads(ctx, 404, []SubmissionFile{{Name: "a.txt", Data: []byte("x")}}, true)
	require.ErrorIs(t, err, ErrExamNotFound)

	exam := f.createRubricExam(t)
	_, err = f.service.GradeUploads(ctx, exam.ID, nil, true)
	require.ErrorIs(t, err, ErrNoSubmissions)

	broken := models.Exam{Title: "Holistic", Mode: models.ExamModeRubric, RubricText: "Graded holistically by the examiner."}
	require.NoError(t, f.exams.Create(ctx, &broken))
	_, err = f.service.GradeUploads(ctx, broken.ID, []SubmissionFile{{Name: "a.txt", Data: []byte("x")}}, true)
	require.True(t, grading.IsRubricError(err))
	require.Zero(t, f.model.callCount())
}

func TestGradeUploadsTaskMode(t *testing.T) {
	f := newGraderFixture(t)
	ctx := context.Background()
	exam := models.Exam{
		Title:           "Physics",
		Mode:            models.ExamModeTask,
		AnswerKey:       "1: 9.8 m/s2 (40 points)\n2: 12 J (35 points)",
		ConversionTable: []byte(`{"ranges":[{"grade":-3,"min":0,"max":0},{"grade":0,"min":1,"max":12},{"grade":2,"min":13,"max":20},{"grade":4,"min":21,"max":36},{"grade":7,"min":37,"max":51},{"grade":10,"min":52,"max":64},{"grade":12,"min":65,"max":75}]}`),
	}
	require.NoError(t, f.exams.Create(ctx, &exam))
	f.model.answers["dina"] = `{"tasks":[{"name":"1","points":30,"max_points":40},{"name":"2","points":25,"max_points":35}],"total_points":55}`

	run, err := f.service.GradeUploads(ctx, exam.ID, []SubmissionFile{{Name: "dina.txt", Data: []byte("answers")}}, true)
	require.NoError(t, err)
	require.Len(t, run.Results, 1)
	require.Equal(t, string(grading.ModeTask), run.Results[0].Mode)
	require.Equal(t, 10, run.Results[0].FinalGrade)
	require.True(t, run.Results[0].GradeMatched)
}

func TestOverrideStoresTeacherScores(t *testing.T) {
	f := newGraderFixture(t)
	exam := f.createRubricExam(t)
	ctx := context.Background()
	f.model.answers["alice"] = essayAnswer(4, 4, 4, 4)

	_, err := f.service.GradeUploads(ctx, exam.ID, []SubmissionFile{{Name: "alice.txt", Data: []byte("essay")}}, true)
	require.NoError(t, err)

	score := func(v float64) *float64 { return &v }
	req := dto.OverrideRequest{
		Sections: []dto.OverrideSection{
			{Criteria: []dto.OverrideCriterion{{Score: score(12), Feedback: "<i>Excellent</i> argument."}, {Score: score(10)}}},
			{Criteria: []dto.OverrideCriterion{{Score: score(10)}, {Score: score(10)}}},
		},
		Rationale: "Teacher review.",
	}
	resp, err := f.service.Override(ctx, exam.ID, "alice", req)
	require.NoError(t, err)
	require.Equal(t, 4, resp.FinalGrade)
	require.Equal(t, 10, resp.EffectiveGrade)
	require.True(t, resp.Overridden)
	require.NotNil(t, resp.TeacherOverride)
	require.Equal(t, "Excellent argument.", resp.TeacherOverride.Sections[0].Criteria[0].Feedback)

	record, err := f.records.Get(ctx, exam.ID, "alice")
	require.NoError(t, err)
	require.True(t, record.Overridden)
	require.Equal(t, 4, record.FinalGrade)
	require.Equal(t, 10, record.EffectiveGrade)
}

func TestOverrideRejectsInvalidScores(t *testing.T) {
	f := newGraderFixture(t)
	exam := f.createRubricExam(t)
	ctx := context.Background()
	_, err := f.service.GradeUploads(ctx, exam.ID, []SubmissionFile{{Name: "alice.txt", Data: []byte("essay")}}, true)
	require.NoError(t, err)

	score := func(v float64) *float64 { return &v }
	offScale := dto.OverrideRequest{Sections: []dto.OverrideSection{
		{Criteria: []dto.OverrideCriterion{{Score: score(5)}, {Score: score(7)}}},
		{Criteria: []dto.OverrideCriterion{{Score: score(7)}, {Score: score(7)}}},
	}}
	_, err = f.service.Override(ctx, exam.ID, "alice", offScale)
	require.ErrorIs(t, err, ErrInvalidOverride)

	short := dto.OverrideRequest{Sections: []dto.OverrideSection{
		{Criteria: []dto.OverrideCriterion{{Score: score(7)}, {Score: score(7)}}},
	}}
	_, err = f.service.Override(ctx, exam.ID, "alice", short)
	require.ErrorIs(t, err, ErrInvalidOverride)
	require.True(t, errors.Is(err, ErrInvalidOverride))

	_, err = f.service.Override(ctx, exam.ID, "nobody", offScale)
	require.Error(t, err)

	valid := dto.OverrideRequest{Sections: short.Sections}
	valid.Sections = append(valid.Sections, short.Sections[0])
	_, err = f.service.Override(ctx, exam.ID, "nobody", valid)
	require.ErrorIs(t, err, ErrResultNotFound)

	_, err = f.service.Override(ctx, exam.ID, "alice", dto.OverrideRequest{})
	require.Error(t, err)
}
