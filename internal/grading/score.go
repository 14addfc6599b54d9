package grading

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grader/internal/rubric"
)

// Score is a number supplied by the model or a teacher. Values that are not
// numbers decode as invalid instead of failing the whole response.
type Score struct {
	Value float64
	Valid bool
}

// NewScore returns a valid score.
func NewScore(v float64) Score {
	return Score{Value: v, Valid: true}
}

func (s *Score) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	*s = Score{}
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] == '"' {
		var text string
		if err := json.Unmarshal(data, &text); err != nil {
			return nil
		}
		if v, err := strconv.ParseFloat(strings.TrimSpace(text), 64); err == nil {
			*s = NewScore(v)
		}
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err == nil {
		*s = NewScore(v)
	}
	return nil
}

func (s Score) MarshalJSON() ([]byte, error) {
	if !s.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(s.Value)
}

// CriterionOutput is one criterion as returned by the model.
type CriterionOutput struct {
	Name     string `json:"name"`
	Score    Score  `json:"score"`
	Feedback string `json:"feedback"`
}

// SectionOutput is one section as returned by the model.
type SectionOutput struct {
	Name     string            `json:"name"`
	Criteria []CriterionOutput `json:"criteria"`
}

// RubricOutput is the model's rubric-mode answer.
type RubricOutput struct {
	StudentLabel string          `json:"student_label"`
	Sections     []SectionOutput `json:"sections"`
	Rationale    string          `json:"rationale"`
}

// TaskItemOutput is one task as returned by the model.
type TaskItemOutput struct {
	Name      string `json:"name"`
	Points    Score  `json:"points"`
	MaxPoints Score  `json:"max_points"`
	Feedback  string `json:"feedback"`
}

// TaskOutput is the model's task-mode answer.
type TaskOutput struct {
	StudentLabel string           `json:"student_label"`
	Tasks        []TaskItemOutput `json:"tasks"`
	TotalPoints  Score            `json:"total_points"`
	Rationale    string           `json:"rationale"`
}

// DecodeRubricOutput converts an extracted object into the typed rubric answer.
func DecodeRubricOutput(obj map[string]any) (RubricOutput, error) {
	var out RubricOutput
	if err := remarshal(obj, &out); err != nil {
		return RubricOutput{}, fmt.Errorf("decode rubric output: %w", err)
	}
	return out, nil
}

// DecodeTaskOutput converts an extracted object into the typed task answer.
func DecodeTaskOutput(obj map[string]any) (TaskOutput, error) {
	var out TaskOutput
	if err := remarshal(obj, &out); err != nil {
		return TaskOutput{}, fmt.Errorf("decode task output: %w", err)
	}
	return out, nil
}

func remarshal(in any, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// ComputeRubric scores out against a normalized tree. Sections and criteria are
// matched by position; a differing name is logged but trusted.
func ComputeRubric(tree rubric.Tree, out RubricOutput, logger zerolog.Logger) (Result, error) {
	if len(out.Sections) < len(tree.Sections) {
		idx := len(out.Sections)
		return Result{}, &MissingSectionError{Index: idx, Name: tree.Sections[idx].Name}
	}
	if len(out.Sections) > len(tree.Sections) {
		logger.Warn().Int("expected", len(tree.Sections)).Int("received", len(out.Sections)).Msg("model returned extra sections; ignoring them")
	}

	result := Result{
		Mode:      ModeRubric,
		Rationale: strings.TrimSpace(out.Rationale),
		Sections:  make([]ScoredSection, 0, len(tree.Sections)),
		Status:    StatusDone,
		Stage:     StageDone,
	}

	for i, section := range tree.Sections {
		got := out.Sections[i]
		if len(got.Criteria) < len(section.Criteria) {
			idx := len(got.Criteria)
			return Result{}, &MissingCriterionError{Section: section.Name, Index: idx, Criterion: section.Criteria[idx].Name}
		}
		if got.Name != "" && !sameName(got.Name, section.Name) {
			logger.Warn().Int("section", i+1).Str("expected", section.Name).Str("received", got.Name).Msg("section name differs from rubric; matching by position")
		}

		scored := ScoredSection{Name: section.Name, Weight: weightOf(section.Weight), Criteria: make([]ScoredCriterion, 0, len(section.Criteria))}
		for j, criterion := range section.Criteria {
			answer := got.Criteria[j]
			if answer.Name != "" && !sameName(answer.Name, criterion.Name) {
				logger.Warn().Str("section", section.Name).Str("expected", criterion.Name).Str("received", answer.Name).Msg("criterion name differs from rubric; matching by position")
			}

			score := answer.Score.Value
			if !answer.Score.Valid || !rubric.IsGradeValue(score) {
				logger.Warn().
					Str("section", section.Name).
					Str("criterion", criterion.Name).
					Float64("score", answer.Score.Value).
					Bool("numeric", answer.Score.Valid).
					Msg("score is not on the grade scale; using 0")
				score = 0
			}

			weight := weightOf(criterion.Weight)
			weighted := score * weight / 100
			scored.Criteria = append(scored.Criteria, ScoredCriterion{
				Name:          criterion.Name,
				Weight:        weight,
				Score:         score,
				WeightedScore: weighted,
				Feedback:      strings.TrimSpace(answer.Feedback),
			})
			scored.Subtotal += weighted
		}
		result.Sections = append(result.Sections, scored)
		result.TotalScore += scored.Subtotal
	}

	result.FinalGrade = rubric.RoundToGradeScale(result.TotalScore)
	result.GradeMatched = true
	return result, nil
}

// ComputeTask totals task points and converts them with the task's table. When no
// row matches, the lowest grade is used and the result is flagged.
func ComputeTask(task TaskSpec, out TaskOutput, logger zerolog.Logger) (Result, error) {
	if len(out.Tasks) == 0 {
		return Result{}, ErrMissingTask
	}

	result := Result{
		Mode:      ModeTask,
		Rationale: strings.TrimSpace(out.Rationale),
		Tasks:     make([]ScoredTask, 0, len(out.Tasks)),
		Status:    StatusDone,
		Stage:     StageDone,
	}

	for i, item := range out.Tasks {
		name := strings.TrimSpace(item.Name)
		if name == "" {
			name = fmt.Sprintf("Task %d", i+1)
		}
		points := item.Points.Value
		if !item.Points.Valid || points < 0 || math.IsNaN(points) || math.IsInf(points, 0) {
			logger.Warn().Str("task", name).Float64("points", item.Points.Value).Msg("invalid task points; using 0")
			points = 0
		}
		maxPoints := 0.0
		if item.MaxPoints.Valid && item.MaxPoints.Value > 0 {
			maxPoints = item.MaxPoints.Value
			if points > maxPoints {
				logger.Warn().Str("task", name).Float64("points", points).Float64("max_points", maxPoints).Msg("task points above maximum; capping")
				points = maxPoints
			}
		}
		result.Tasks = append(result.Tasks, ScoredTask{Name: name, Points: points, MaxPoints: maxPoints, Feedback: strings.TrimSpace(item.Feedback)})
		result.TotalScore += points
	}

	if out.TotalPoints.Valid && math.Abs(out.TotalPoints.Value-result.TotalScore) > 0.5 {
		logger.Warn().Float64("reported", out.TotalPoints.Value).Float64("computed", result.TotalScore).Msg("model point total disagrees with task sum; using the sum")
	}

	grade, matched := task.Conversion.GradeFor(result.TotalScore)
	if !matched {
		logger.Warn().Float64("points", result.TotalScore).Int("grade", grade).Msg("no conversion row matches the point total; the table was probably parsed wrongly")
	}
	result.FinalGrade = grade
	result.GradeMatched = matched
	return result, nil
}

func weightOf(w *float64) float64 {
	if w == nil {
		return 0
	}
	return *w
}

func sameName(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
