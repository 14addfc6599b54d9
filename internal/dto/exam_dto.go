package dto

import (
	"encoding/json"
	"time"

	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/internal/rubric"
)

// CreateExamRequest describes the payload for registering an exam.
type CreateExamRequest struct {
	Title          string `json:"title" validate:"required,max=255"`
	Mode           string `json:"mode" validate:"omitempty,oneof=rubric task"`
	RubricText     string `json:"rubric_text" validate:"required_unless=Mode task,max=200000"`
	Instructions   string `json:"instructions" validate:"max=50000"`
	AnswerKey      string `json:"answer_key" validate:"required_if=Mode task,max=200000"`
	ConversionText string `json:"conversion_text" validate:"required_if=Mode task,max=10000"`
}

// ExamResponse represents an exam returned by the API.
type ExamResponse struct {
	ID             uint                `json:"id"`
	Title          string              `json:"title"`
	Mode           string              `json:"mode"`
	RubricParsedAt *time.Time          `json:"rubric_parsed_at,omitempty"`
	Conversion     []rubric.PointRange `json:"conversion,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
}

// RubricResponse is the structured rubric of an exam.
type RubricResponse struct {
	ExamID      uint             `json:"exam_id"`
	Source      string           `json:"source"`
	TotalWeight float64          `json:"total_weight"`
	Sections    []rubric.Section `json:"sections"`
}

// NewExamResponse builds a response DTO from the model.
func NewExamResponse(exam models.Exam) ExamResponse {
	resp := ExamResponse{
		ID:             exam.ID,
		Title:          exam.Title,
		Mode:           exam.Mode,
		RubricParsedAt: exam.RubricParsedAt,
		CreatedAt:      exam.CreatedAt,
	}
	if len(exam.ConversionTable) > 0 {
		var table rubric.PointTable
		if err := json.Unmarshal(exam.ConversionTable, &table); err == nil {
			resp.Conversion = table.Ranges
		}
	}
	return resp
}
