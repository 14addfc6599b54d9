package dto

import (
	"github.com/noah-isme/gema-grader/internal/grading"
)

// GradeRequest holds query options for a grading run.
type GradeRequest struct {
	Wait bool `query:"wait"`
}

// GradingRunResponse summarises a grading run.
type GradingRunResponse struct {
	RunID    string                  `json:"run_id"`
	ExamID   uint                    `json:"exam_id"`
	Status   string                  `json:"status"`
	Received int                     `json:"received"`
	Graded   int                     `json:"graded"`
	Failed   int                     `json:"failed"`
	Skipped  int                     `json:"skipped"`
	CostUSD  float64                 `json:"cost_usd"`
	Results  []GradingResultResponse `json:"results,omitempty"`
}

// GradingResultResponse is one submission's outcome. Effective fields reflect the
// teacher override when one exists.
type GradingResultResponse struct {
	SubmissionID     string                  `json:"submission_id"`
	StudentLabel     string                  `json:"student_label"`
	Mode             string                  `json:"mode"`
	Status           string                  `json:"status"`
	Stage            string                  `json:"stage"`
	Error            string                  `json:"error,omitempty"`
	TotalScore       float64                 `json:"total_score"`
	FinalGrade       int                     `json:"final_grade"`
	GradeMatched     bool                    `json:"grade_matched"`
	EffectiveScore   float64                 `json:"effective_score"`
	EffectiveGrade   int                     `json:"effective_grade"`
	Overridden       bool                    `json:"overridden"`
	Rationale        string                  `json:"rationale"`
	Sections         []grading.ScoredSection `json:"sections,omitempty"`
	Tasks            []grading.ScoredTask    `json:"tasks,omitempty"`
	TeacherOverride  *GradingResultResponse  `json:"teacher_override,omitempty"`
	CostUSD          float64                 `json:"cost_usd"`
	PromptTokens     int                     `json:"prompt_tokens"`
	CompletionTokens int                     `json:"completion_tokens"`
	RepairedResponse bool                    `json:"repaired_response"`
}

// OverrideCriterion is a teacher's score for one criterion.
type OverrideCriterion struct {
	Score    *float64 `json:"score" validate:"required"`
	Feedback string   `json:"feedback" validate:"max=2000"`
}

// OverrideSection lists criterion scores in rubric order.
type OverrideSection struct {
	Criteria []OverrideCriterion `json:"criteria" validate:"required,min=1,dive"`
}

// OverrideTask is a teacher's points for one task.
type OverrideTask struct {
	Points   *float64 `json:"points" validate:"required,gte=0"`
	Feedback string   `json:"feedback" validate:"max=2000"`
}

// OverrideRequest carries a teacher's replacement scores in rubric order.
type OverrideRequest struct {
	Sections  []OverrideSection `json:"sections" validate:"required_without=Tasks,omitempty,min=1,dive"`
	Tasks     []OverrideTask    `json:"tasks" validate:"required_without=Sections,omitempty,min=1,dive"`
	Rationale string            `json:"rationale" validate:"max=4000"`
}

// ToOverride converts the request into the grading package's shape.
func (r OverrideRequest) ToOverride() grading.Override {
	out := grading.Override{Rationale: r.Rationale}
	for _, section := range r.Sections {
		criteria := make([]grading.CriterionOutput, 0, len(section.Criteria))
		for _, c := range section.Criteria {
			score := grading.Score{}
			if c.Score != nil {
				score = grading.NewScore(*c.Score)
			}
			criteria = append(criteria, grading.CriterionOutput{Score: score, Feedback: c.Feedback})
		}
		out.Sections = append(out.Sections, grading.SectionOutput{Criteria: criteria})
	}
	for _, task := range r.Tasks {
		points := grading.Score{}
		if task.Points != nil {
			points = grading.NewScore(*task.Points)
		}
		out.Tasks = append(out.Tasks, grading.TaskItemOutput{Points: points, Feedback: task.Feedback})
	}
	return out
}

// NewGradingResultResponse builds the API view of a result.
func NewGradingResultResponse(result grading.Result) GradingResultResponse {
	effective := result.Effective()
	resp := GradingResultResponse{
		SubmissionID:     result.SubmissionID,
		StudentLabel:     result.StudentLabel,
		Mode:             string(result.Mode),
		Status:           string(result.Status),
		Stage:            string(result.Stage),
		Error:            result.Error,
		TotalScore:       result.TotalScore,
		FinalGrade:       result.FinalGrade,
		GradeMatched:     result.GradeMatched,
		EffectiveScore:   effective.TotalScore,
		EffectiveGrade:   effective.FinalGrade,
		Overridden:       result.TeacherOverride != nil,
		Rationale:        result.Rationale,
		Sections:         result.Sections,
		Tasks:            result.Tasks,
		CostUSD:          result.CostUSD,
		PromptTokens:     result.Usage.PromptTokens,
		CompletionTokens: result.Usage.CompletionTokens,
		RepairedResponse: result.Repaired,
	}
	if result.TeacherOverride != nil {
		override := NewGradingResultResponse(*result.TeacherOverride)
		resp.TeacherOverride = &override
	}
	return resp
}
