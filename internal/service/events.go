package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grader/internal/grading"
)

// DefaultResultSubject is the NATS subject for stored grading results.
const DefaultResultSubject = "grading.results"

// ResultEvent is the payload announced for each stored or overridden result.
type ResultEvent struct {
	ExamID         uint      `json:"exam_id"`
	RunID          string    `json:"run_id,omitempty"`
	SubmissionID   string    `json:"submission_id"`
	StudentLabel   string    `json:"student_label"`
	Status         string    `json:"status"`
	Stage          string    `json:"stage"`
	FinalGrade     int       `json:"final_grade"`
	EffectiveGrade int       `json:"effective_grade"`
	Overridden     bool      `json:"overridden"`
	Error          string    `json:"error,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// ResultPublisher announces grading results to other services.
type ResultPublisher interface {
	PublishResult(ctx context.Context, event ResultEvent) error
}

// NewResultEvent describes result for publication.
func NewResultEvent(examID uint, runID string, result grading.Result) ResultEvent {
	return ResultEvent{
		ExamID:         examID,
		RunID:          runID,
		SubmissionID:   result.SubmissionID,
		StudentLabel:   result.StudentLabel,
		Status:         string(result.Status),
		Stage:          string(result.Stage),
		FinalGrade:     result.FinalGrade,
		EffectiveGrade: result.Effective().FinalGrade,
		Overridden:     result.TeacherOverride != nil,
		Error:          result.Error,
		OccurredAt:     time.Now().UTC(),
	}
}

type natsResultPublisher struct {
	conn    *nats.Conn
	subject string
	logger  zerolog.Logger
}

// NewResultPublisher publishes over conn. A nil connection yields a publisher that
// only logs.
func NewResultPublisher(conn *nats.Conn, subject string, logger zerolog.Logger) ResultPublisher {
	logger = logger.With().Str("component", "result_publisher").Logger()
	if conn == nil {
		return logResultPublisher{logger: logger}
	}
	if subject == "" {
		subject = DefaultResultSubject
	}
	return &natsResultPublisher{conn: conn, subject: subject, logger: logger}
}

func (p *natsResultPublisher) PublishResult(ctx context.Context, event ResultEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal result event: %w", err)
	}
	if err := p.conn.Publish(p.subject, payload); err != nil {
		p.logger.Warn().Err(err).Uint("exam_id", event.ExamID).Str("submission_id", event.SubmissionID).Msg("failed to publish result event")
		return err
	}
	return nil
}

type logResultPublisher struct {
	logger zerolog.Logger
}

func (p logResultPublisher) PublishResult(ctx context.Context, event ResultEvent) error {
	p.logger.Debug().
		Uint("exam_id", event.ExamID).
		Str("submission_id", event.SubmissionID).
		Str("status", event.Status).
		Int("effective_grade", event.EffectiveGrade).
		Msg("result event (nats disabled)")
	return nil
}
