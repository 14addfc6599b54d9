package grading

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// Override holds teacher-supplied scores in the same positional shape as the
// model output. Empty feedback falls back to the model's feedback.
type Override struct {
	Sections  []SectionOutput  `json:"sections,omitempty"`
	Tasks     []TaskItemOutput `json:"tasks,omitempty"`
	Rationale string           `json:"rationale,omitempty"`
}

// ApplyOverride scores the teacher's override with the same calculator used for the
// model and attaches it to a copy of the model result, which is otherwise unchanged.
func ApplyOverride(job Job, original Result, override Override, logger zerolog.Logger) (Result, error) {
	if original.Failed() {
		return Result{}, fmt.Errorf("cannot override submission %s: grading did not complete", original.SubmissionID)
	}

	var (
		scored Result
		err    error
	)
	switch job.Mode() {
	case ModeRubric:
		sections := fillSectionFeedback(override.Sections, original.Sections)
		scored, err = ComputeRubric(*job.Rubric, RubricOutput{Sections: sections, Rationale: override.Rationale}, logger)
	default:
		tasks := fillTaskFeedback(override.Tasks, original.Tasks)
		scored, err = ComputeTask(job.Task, TaskOutput{Tasks: tasks, Rationale: override.Rationale}, logger)
	}
	if err != nil {
		return Result{}, err
	}

	scored.SubmissionID = original.SubmissionID
	scored.StudentLabel = original.StudentLabel
	if strings.TrimSpace(scored.Rationale) == "" {
		scored.Rationale = original.Rationale
	}

	merged := original
	merged.Sections = append([]ScoredSection(nil), original.Sections...)
	merged.Tasks = append([]ScoredTask(nil), original.Tasks...)
	merged.TeacherOverride = &scored
	return merged, nil
}

func fillSectionFeedback(sections []SectionOutput, original []ScoredSection) []SectionOutput {
	out := make([]SectionOutput, len(sections))
	for i, section := range sections {
		criteria := make([]CriterionOutput, len(section.Criteria))
		copy(criteria, section.Criteria)
		for j := range criteria {
			if strings.TrimSpace(criteria[j].Feedback) == "" && i < len(original) && j < len(original[i].Criteria) {
				criteria[j].Feedback = original[i].Criteria[j].Feedback
			}
		}
		out[i] = SectionOutput{Name: section.Name, Criteria: criteria}
	}
	return out
}

func fillTaskFeedback(tasks []TaskItemOutput, original []ScoredTask) []TaskItemOutput {
	out := make([]TaskItemOutput, len(tasks))
	copy(out, tasks)
	for i := range out {
		if i >= len(original) {
			continue
		}
		if strings.TrimSpace(out[i].Feedback) == "" {
			out[i].Feedback = original[i].Feedback
		}
		if out[i].Name == "" {
			out[i].Name = original[i].Name
		}
		if !out[i].MaxPoints.Valid && original[i].MaxPoints > 0 {
			out[i].MaxPoints = NewScore(original[i].MaxPoints)
		}
	}
	return out
}
