package models

import (
	"time"

	"gorm.io/datatypes"
)

// GradingRecord stores the outcome for one submission of an exam. SubmissionID is
// unique per exam and is the key for skipping already graded work.
type GradingRecord struct {
	ID               uint           `gorm:"primaryKey" json:"id"`
	ExamID           uint           `gorm:"not null;uniqueIndex:idx_exam_submission" json:"exam_id"`
	SubmissionID     string         `gorm:"size:255;not null;uniqueIndex:idx_exam_submission" json:"submission_id"`
	StudentLabel     string         `gorm:"size:255" json:"student_label"`
	Mode             string         `gorm:"size:16;not null" json:"mode"`
	Status           string         `gorm:"size:16;not null;index" json:"status"`
	Stage            string         `gorm:"size:32" json:"stage"`
	Error            string         `gorm:"type:text" json:"error,omitempty"`
	TotalScore       float64        `json:"total_score"`
	FinalGrade       int            `json:"final_grade"`
	EffectiveGrade   int            `json:"effective_grade"`
	Overridden       bool           `gorm:"not null;default:false" json:"overridden"`
	Result           datatypes.JSON `json:"result"`
	RunID            string         `gorm:"size:64;index" json:"run_id"`
	CostUSD          float64        `json:"cost_usd"`
	PromptTokens     int            `json:"prompt_tokens"`
	CompletionTokens int            `json:"completion_tokens"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	Exam             Exam           `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"-"`
}
