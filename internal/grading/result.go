package grading

import (
	"path/filepath"
	"strings"

	"github.com/noah-isme/gema-grader/pkg/ai"
)

// Mode selects weighted-rubric or point-based grading.
type Mode string

const (
	ModeRubric Mode = "rubric"
	ModeTask   Mode = "task"
)

// Status is the terminal outcome of grading one submission.
type Status string

const (
	StatusDone   Status = "done"
	StatusFailed Status = "failed"
)

// Stage is a step of the per-submission state machine.
type Stage string

const (
	StagePending       Stage = "pending"
	StageReading       Stage = "reading"
	StagePrompting     Stage = "prompting"
	StageAwaitingModel Stage = "awaiting_model"
	StageRepairing     Stage = "repairing"
	StageScoring       Stage = "scoring"
	StageDone          Stage = "done"
	StageFailed        Stage = "failed"
)

// ScoredCriterion is one graded criterion.
type ScoredCriterion struct {
	Name          string  `json:"name"`
	Weight        float64 `json:"weight"`
	Score         float64 `json:"score"`
	WeightedScore float64 `json:"weighted_score"`
	Feedback      string  `json:"feedback"`
}

// ScoredSection mirrors a rubric section by index.
type ScoredSection struct {
	Name     string            `json:"name"`
	Weight   float64           `json:"weight"`
	Subtotal float64           `json:"subtotal"`
	Criteria []ScoredCriterion `json:"criteria"`
}

// ScoredTask is one graded task in point mode.
type ScoredTask struct {
	Name      string  `json:"name"`
	Points    float64 `json:"points"`
	MaxPoints float64 `json:"max_points"`
	Feedback  string  `json:"feedback"`
}

// Result is the outcome for one submission. A failed result carries the stage it
// reached and the error text.
type Result struct {
	SubmissionID    string          `json:"submission_id"`
	StudentLabel    string          `json:"student_label"`
	Mode            Mode            `json:"mode"`
	Status          Status          `json:"status"`
	Stage           Stage           `json:"stage"`
	Error           string          `json:"error,omitempty"`
	Sections        []ScoredSection `json:"sections,omitempty"`
	Tasks           []ScoredTask    `json:"tasks,omitempty"`
	TotalScore      float64         `json:"total_score"`
	FinalGrade      int             `json:"final_grade"`
	GradeMatched    bool            `json:"grade_matched"`
	Rationale       string          `json:"rationale"`
	TeacherOverride *Result         `json:"teacher_override,omitempty"`
	Usage           ai.Usage        `json:"usage"`
	CostUSD         float64         `json:"cost_usd"`
	Repaired        bool            `json:"repaired"`
}

// Effective returns the teacher override when present, else the result itself.
func (r Result) Effective() Result {
	if r.TeacherOverride != nil {
		return *r.TeacherOverride
	}
	return r
}

// Failed reports whether grading did not complete.
func (r Result) Failed() bool {
	return r.Status == StatusFailed
}

// SubmissionIDFromFilename derives the idempotence key: the base name without its extension.
func SubmissionIDFromFilename(name string) string {
	base := filepath.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	if base == "." || base == "/" {
		return ""
	}
	if ext := filepath.Ext(base); ext != "" && ext != base {
		base = strings.TrimSuffix(base, ext)
	}
	return base
}
