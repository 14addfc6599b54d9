package repository

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grader/internal/models"
)

func setupGradingTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Exam{}, &models.GradingRecord{}))
	return db
}

func TestExamRepositorySaveRubricTree(t *testing.T) {
	db := setupGradingTestDB(t)
	repo := NewExamRepository(db)
	ctx := context.Background()

	exam := models.Exam{Title: "Danish essay", Mode: models.ExamModeRubric, RubricText: "Content 100%"}
	require.NoError(t, repo.Create(ctx, &exam))
	require.NotZero(t, exam.ID)

	require.NoError(t, repo.SaveRubricTree(ctx, exam.ID, datatypes.JSON(`{"sections":[]}`)))

	stored, err := repo.GetByID(ctx, exam.ID)
	require.NoError(t, err)
	require.JSONEq(t, `{"sections":[]}`, string(stored.RubricTree))
	require.NotNil(t, stored.RubricParsedAt)

	require.ErrorIs(t, repo.SaveRubricTree(ctx, 999, datatypes.JSON(`{}`)), gorm.ErrRecordNotFound)
	_, err = repo.GetByID(ctx, 999)
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestGradingRecordRepositoryUpsertAndList(t *testing.T) {
	db := setupGradingTestDB(t)
	exams := NewExamRepository(db)
	repo := NewGradingRecordRepository(db)
	ctx := context.Background()

	exam := models.Exam{Title: "Essay", Mode: models.ExamModeRubric}
	require.NoError(t, exams.Create(ctx, &exam))

	failed := models.GradingRecord{ExamID: exam.ID, SubmissionID: "bob", Mode: "rubric", Status: "failed", Stage: "awaiting_model", Error: "timeout"}
	done := models.GradingRecord{ExamID: exam.ID, SubmissionID: "alice", Mode: "rubric", Status: "done", FinalGrade: 7, EffectiveGrade: 7, Result: datatypes.JSON(`{}`)}
	require.NoError(t, repo.Upsert(ctx, &failed))
	require.NoError(t, repo.Upsert(ctx, &done))

	ids, err := repo.CompletedSubmissionIDs(ctx, exam.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"alice"}, ids)

	retried := models.GradingRecord{ExamID: exam.ID, SubmissionID: "bob", Mode: "rubric", Status: "done", FinalGrade: 10, EffectiveGrade: 10, Result: datatypes.JSON(`{}`)}
	require.NoError(t, repo.Upsert(ctx, &retried))

	records, err := repo.ListByExam(ctx, exam.ID, GradingRecordFilter{})
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "alice", records[0].SubmissionID)
	require.Equal(t, "done", records[1].Status)
	require.Equal(t, 10, records[1].FinalGrade)
	require.Empty(t, records[1].Error)

	onlyDone, err := repo.ListByExam(ctx, exam.ID, GradingRecordFilter{Status: "done"})
	require.NoError(t, err)
	require.Len(t, onlyDone, 2)

	record, err := repo.Get(ctx, exam.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, 7, record.FinalGrade)
}
