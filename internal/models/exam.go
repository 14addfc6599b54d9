package models

import (
	"time"

	"gorm.io/datatypes"
)

// Exam grading modes.
const (
	ExamModeRubric = "rubric"
	ExamModeTask   = "task"
)

// Exam owns a rubric (or answer key) and the cached structure derived from it.
type Exam struct {
	ID              uint           `gorm:"primaryKey" json:"id"`
	Title           string         `gorm:"size:255;not null" json:"title"`
	Mode            string         `gorm:"size:16;not null;default:rubric" json:"mode"`
	RubricText      string         `gorm:"type:text" json:"rubric_text"`
	RubricTree      datatypes.JSON `json:"rubric_tree,omitempty"`
	RubricParsedAt  *time.Time     `json:"rubric_parsed_at,omitempty"`
	Instructions    string         `gorm:"type:text" json:"instructions"`
	AnswerKey       string         `gorm:"type:text" json:"answer_key"`
	ConversionText  string         `gorm:"type:text" json:"conversion_text"`
	ConversionTable datatypes.JSON `json:"conversion_table,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// IsTaskMode reports whether the exam is point based.
func (e Exam) IsTaskMode() bool {
	return e.Mode == ExamModeTask
}
