package grading

import (
	"errors"
	"fmt"
	"strings"

	"github.com/noah-isme/gema-grader/internal/rubric"
)

// ErrEmptySubmission is returned when there is no text to grade.
var ErrEmptySubmission = errors.New("submission has no readable text")

// ConcisenessDirective caps feedback length. It is appended to every system prompt
// sent by the orchestrator to keep output tokens, and cost, bounded.
const ConcisenessDirective = "\n\nKeep every feedback string to one short sentence of at most 25 words. " +
	"Do not repeat the rubric text. Output only the JSON object."

// TaskSpec describes a point-based exam.
type TaskSpec struct {
	Title        string            `json:"title"`
	Instructions string            `json:"instructions,omitempty"`
	AnswerKey    string            `json:"answer_key"`
	Conversion   rubric.PointTable `json:"conversion"`
}

// IsZero reports whether the spec carries nothing to grade against.
func (t TaskSpec) IsZero() bool {
	return strings.TrimSpace(t.AnswerKey) == "" && len(t.Conversion.Ranges) == 0
}

// Prompt is a system/user message pair.
type Prompt struct {
	System string
	User   string
}

// BuildPrompt renders the prompt for one submission. A non-nil tree selects rubric
// mode; otherwise the task spec is used.
func BuildPrompt(tree *rubric.Tree, task TaskSpec, submissionText, studentLabel string) (Prompt, error) {
	if strings.TrimSpace(submissionText) == "" {
		return Prompt{}, ErrEmptySubmission
	}
	if tree != nil {
		return rubricPrompt(*tree, submissionText, studentLabel), nil
	}
	if task.IsZero() {
		return Prompt{}, ErrNoRubric
	}
	return taskPrompt(task, submissionText, studentLabel), nil
}

// WithConciseness appends the feedback-length directive to the system prompt.
func WithConciseness(p Prompt) Prompt {
	if strings.HasSuffix(p.System, ConcisenessDirective) {
		return p
	}
	p.System += ConcisenessDirective
	return p
}

func rubricPrompt(tree rubric.Tree, submissionText, studentLabel string) Prompt {
	var system strings.Builder
	system.WriteString("You are an experienced examiner grading a written exam strictly against the rubric you are given.\n")
	fmt.Fprintf(&system, "Score every criterion with exactly one value from the grade scale %s. No other numbers are allowed.\n", scaleList())
	system.WriteString("Grade each criterion on its own; do not let one criterion influence another.\n")
	system.WriteString("Write exactly one short feedback sentence per criterion.\n")
	system.WriteString("Return the sections and criteria in the same order and with the same names as the rubric.\n")
	fmt.Fprintf(&system, "Echo the student label exactly as given: %q.\n", studentLabel)
	system.WriteString("Respond with a JSON object of this shape:\n")
	system.WriteString(`{"student_label": "<label>", "sections": [{"name": "<section>", "criteria": [{"name": "<criterion>", "score": <grade>, "feedback": "<one sentence>"}]}], "rationale": "<two sentences at most>"}`)

	var user strings.Builder
	fmt.Fprintf(&user, "Student: %s\n\n# Rubric\n", studentLabel)
	for i, section := range tree.Sections {
		fmt.Fprintf(&user, "\n## Section %d: %s (%s%%)\n", i+1, section.Name, formatWeight(section.Weight))
		for j, criterion := range section.Criteria {
			fmt.Fprintf(&user, "%d.%d %s (%s%%)", i+1, j+1, criterion.Name, formatWeight(criterion.Weight))
			if criterion.Description != "" {
				fmt.Fprintf(&user, ": %s", criterion.Description)
			}
			user.WriteString("\n")
		}
	}
	user.WriteString("\n# Submission\n")
	user.WriteString(strings.TrimSpace(submissionText))
	user.WriteString("\n")

	return Prompt{System: system.String(), User: user.String()}
}

func taskPrompt(task TaskSpec, submissionText, studentLabel string) Prompt {
	var system strings.Builder
	system.WriteString("You are an experienced examiner grading a point-based exam against an answer key.\n")
	system.WriteString("Award points per task; never award more than the task's maximum. Partial credit is allowed.\n")
	system.WriteString("Give at most two sentences of feedback per task.\n")
	system.WriteString("Keep a running point total and report it as total_points.\n")
	fmt.Fprintf(&system, "Echo the student label exactly as given: %q.\n", studentLabel)
	system.WriteString("Respond with a JSON object of this shape:\n")
	system.WriteString(`{"student_label": "<label>", "tasks": [{"name": "<task>", "points": <number>, "max_points": <number>, "feedback": "<feedback>"}], "total_points": <number>, "rationale": "<two sentences at most>"}`)

	var user strings.Builder
	fmt.Fprintf(&user, "Student: %s\n", studentLabel)
	if task.Title != "" {
		fmt.Fprintf(&user, "\n# Exam\n%s\n", task.Title)
	}
	if task.Instructions != "" {
		fmt.Fprintf(&user, "\n# Instructions\n%s\n", strings.TrimSpace(task.Instructions))
	}
	fmt.Fprintf(&user, "\n# Answer key\n%s\n", strings.TrimSpace(task.AnswerKey))
	if len(task.Conversion.Ranges) > 0 {
		fmt.Fprintf(&user, "\n# Point to grade conversion\n%s\n", task.Conversion.String())
	}
	user.WriteString("\n# Submission\n")
	user.WriteString(strings.TrimSpace(submissionText))
	user.WriteString("\n")

	return Prompt{System: system.String(), User: user.String()}
}

func scaleList() string {
	values := make([]string, 0, len(rubric.GradeScale))
	for _, v := range rubric.GradeScale {
		values = append(values, fmt.Sprintf("%d", v))
	}
	return "{" + strings.Join(values, ", ") + "}"
}

func formatWeight(w *float64) string {
	if w == nil {
		return "?"
	}
	return strings.TrimSuffix(strings.TrimRight(fmt.Sprintf("%.2f", *w), "0"), ".")
}
