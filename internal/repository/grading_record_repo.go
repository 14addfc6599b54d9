package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-grader/internal/models"
)

// GradingRecordFilter narrows a result listing.
type GradingRecordFilter struct {
	Status string
}

// GradingRecordRepository persists per-submission grading outcomes.
type GradingRecordRepository interface {
	Upsert(ctx context.Context, record *models.GradingRecord) error
	ListByExam(ctx context.Context, examID uint, filter GradingRecordFilter) ([]models.GradingRecord, error)
	CompletedSubmissionIDs(ctx context.Context, examID uint) ([]string, error)
	Get(ctx context.Context, examID uint, submissionID string) (models.GradingRecord, error)
}

// NewGradingRecordRepository constructs a grading record repository.
func NewGradingRecordRepository(db *gorm.DB) GradingRecordRepository {
	return &gradingRecordRepository{db: db}
}

type gradingRecordRepository struct {
	db *gorm.DB
}

// Upsert inserts the record or replaces the stored outcome for the same exam and submission.
func (r *gradingRecordRepository) Upsert(ctx context.Context, record *models.GradingRecord) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "exam_id"}, {Name: "submission_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"student_label", "mode", "status", "stage", "error", "total_score", "final_grade",
			"effective_grade", "overridden", "result", "run_id", "cost_usd", "prompt_tokens",
			"completion_tokens", "updated_at",
		}),
	}).Create(record).Error
}

func (r *gradingRecordRepository) ListByExam(ctx context.Context, examID uint, filter GradingRecordFilter) ([]models.GradingRecord, error) {
	query := r.db.WithContext(ctx).Where("exam_id = ?", examID)
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}

	var records []models.GradingRecord
	if err := query.Order("submission_id ASC").Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// CompletedSubmissionIDs returns ids with a finished result. Failed ones are excluded
// so they are retried.
func (r *gradingRecordRepository) CompletedSubmissionIDs(ctx context.Context, examID uint) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).
		Model(&models.GradingRecord{}).
		Where("exam_id = ? AND status = ?", examID, "done").
		Pluck("submission_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *gradingRecordRepository) Get(ctx context.Context, examID uint, submissionID string) (models.GradingRecord, error) {
	var record models.GradingRecord
	err := r.db.WithContext(ctx).
		Where("exam_id = ? AND submission_id = ?", examID, submissionID).
		First(&record).Error
	if err != nil {
		return models.GradingRecord{}, err
	}
	return record, nil
}
