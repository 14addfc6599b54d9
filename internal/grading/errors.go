package grading

import (
	"errors"
	"fmt"
)

var (
	// ErrUnrecoverableTruncation is returned when no repair strategy yields a usable object.
	ErrUnrecoverableTruncation = errors.New("model response could not be repaired; try a shorter document")
	// ErrMissingSection means the model returned fewer sections than the rubric has.
	ErrMissingSection = errors.New("model output is missing a rubric section")
	// ErrMissingCriterion means a returned section has fewer criteria than the rubric.
	ErrMissingCriterion = errors.New("model output is missing a rubric criterion")
	// ErrMissingTask means the model returned no graded tasks in point mode.
	ErrMissingTask = errors.New("model output contains no graded tasks")
	// ErrNoRubric is returned when a job carries neither a rubric nor a task spec.
	ErrNoRubric = errors.New("grading job needs a rubric or a task specification")
)

// TruncationError carries the raw parse failure for diagnostics.
type TruncationError struct {
	ParseErr string
}

func (e *TruncationError) Error() string {
	return fmt.Sprintf("%s: %s", ErrUnrecoverableTruncation.Error(), e.ParseErr)
}

func (e *TruncationError) Unwrap() error {
	return ErrUnrecoverableTruncation
}

// MissingSectionError names the first rubric section absent from the model output.
type MissingSectionError struct {
	Index int
	Name  string
}

func (e *MissingSectionError) Error() string {
	return fmt.Sprintf("%s: section %d (%q)", ErrMissingSection.Error(), e.Index+1, e.Name)
}

func (e *MissingSectionError) Unwrap() error {
	return ErrMissingSection
}

// MissingCriterionError names the first criterion absent from a returned section.
type MissingCriterionError struct {
	Section   string
	Index     int
	Criterion string
}

func (e *MissingCriterionError) Error() string {
	return fmt.Sprintf("%s: %q criterion %d (%q)", ErrMissingCriterion.Error(), e.Section, e.Index+1, e.Criterion)
}

func (e *MissingCriterionError) Unwrap() error {
	return ErrMissingCriterion
}
