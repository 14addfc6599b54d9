package grading

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-grader/internal/observability"
	"github.com/noah-isme/gema-grader/internal/rubric"
	"github.com/noah-isme/gema-grader/pkg/ai"
)

// DefaultCooldown separates successive model calls.
const DefaultCooldown = 5 * time.Second

// Caller sends one prompt to the model. *ai.Client implements it.
type Caller interface {
	Call(ctx context.Context, req ai.Request, progress ai.ProgressFunc) (ai.Response, error)
}

// ResultSink stores finished results as they are produced.
type ResultSink interface {
	Store(ctx context.Context, result Result) error
}

// Job is what a batch is graded against. Rubric is a normalized tree; when it is
// nil the task spec is used.
type Job struct {
	ExamID string
	Rubric *rubric.Tree
	Task   TaskSpec
}

// Mode returns the grading mode implied by the job.
func (j Job) Mode() Mode {
	if j.Rubric != nil {
		return ModeRubric
	}
	return ModeTask
}

// Submission is one student's work. Text may be left empty when Load is set; Load
// runs in the reading stage so extraction failures are isolated like any other.
type Submission struct {
	ID          string
	Label       string
	Text        string
	Load        func(ctx context.Context) (string, error)
	Attachments []ai.Attachment
}

// Event reports progress of a run.
type Event struct {
	RunID        string        `json:"run_id"`
	ExamID       string        `json:"exam_id"`
	SubmissionID string        `json:"submission_id"`
	StudentLabel string        `json:"student_label"`
	Index        int           `json:"index"`
	Total        int           `json:"total"`
	Stage        Stage         `json:"stage"`
	Message      string        `json:"message,omitempty"`
	Remaining    time.Duration `json:"remaining,omitempty"`
	CostUSD      float64       `json:"cost_usd"`
	Result       *Result       `json:"result,omitempty"`
}

// OrchestratorConfig configures one run.
type OrchestratorConfig struct {
	Cooldown time.Duration
	Prices   PriceTable
	Logger   zerolog.Logger
	Sink     ResultSink
	Progress func(Event)
}

// Orchestrator grades a batch sequentially. An instance belongs to a single run and
// must not be shared between concurrent runs.
type Orchestrator struct {
	caller   Caller
	cfg      OrchestratorConfig
	run      *RunContext
	tracer   trace.Tracer
	sleep    func(ctx context.Context, d time.Duration) error
	now      func() time.Time
	lastCall bool
}

// NewOrchestrator starts a run around caller.
func NewOrchestrator(caller Caller, cfg OrchestratorConfig) *Orchestrator {
	if cfg.Cooldown < 0 {
		cfg.Cooldown = 0
	}
	if cfg.Prices == (PriceTable{}) {
		cfg.Prices = DefaultPriceTable()
	}
	if cfg.Progress == nil {
		cfg.Progress = func(Event) {}
	}

	logger := cfg.Logger.With().Str("component", "grading_orchestrator").Logger()
	return &Orchestrator{
		caller: caller,
		cfg:    cfg,
		run:    NewRunContext(cfg.Prices, logger),
		tracer: otel.Tracer("github.com/noah-isme/gema-grader/internal/grading"),
		sleep:  sleepContext,
		now:    time.Now,
	}
}

// Run exposes the run context: id, accumulated cost and logger.
func (o *Orchestrator) Run() *RunContext {
	return o.run
}

// GradeAll grades every submission whose id is not in existing and returns the new
// results, failed ones included. Cancelling ctx stops the run between submissions;
// a call already in flight is allowed to finish.
func (o *Orchestrator) GradeAll(ctx context.Context, job Job, submissions []Submission, existing map[string]struct{}) ([]Result, error) {
	if job.Rubric == nil && job.Task.IsZero() {
		return nil, ErrNoRubric
	}
	if job.Rubric != nil && job.Rubric.CriteriaCount() == 0 {
		return nil, &rubric.ParseError{Reason: "rubric has no criteria"}
	}

	mode := job.Mode()
	repairer, err := NewRepairer(mode, o.run.Logger)
	if err != nil {
		return nil, err
	}

	logger := o.run.Logger.With().Str("exam_id", job.ExamID).Str("mode", string(mode)).Logger()
	logger.Info().Int("submissions", len(submissions)).Int("existing", len(existing)).Msg("grading run started")

	seen := make(map[string]struct{}, len(existing))
	for id := range existing {
		seen[id] = struct{}{}
	}

	results := make([]Result, 0, len(submissions))
	for i, sub := range submissions {
		if err := ctx.Err(); err != nil {
			logger.Warn().Int("graded", len(results)).Int("remaining", len(submissions)-i).Msg("grading run cancelled")
			return results, err
		}

		id := sub.ID
		if id == "" {
			id = SubmissionIDFromFilename(sub.Label)
		}
		if _, done := seen[id]; done {
			logger.Debug().Str("submission_id", id).Msg("already graded; skipping")
			observability.GradingSkipped().WithLabelValues(string(mode)).Inc()
			continue
		}
		seen[id] = struct{}{}
		sub.ID = id

		if o.lastCall && o.cfg.Cooldown > 0 {
			o.cfg.Progress(Event{
				RunID:        o.run.RunID.String(),
				ExamID:       job.ExamID,
				SubmissionID: id,
				StudentLabel: sub.Label,
				Index:        i + 1,
				Total:        len(submissions),
				Stage:        StagePending,
				Message:      "cooling down before the next model call",
				Remaining:    o.cfg.Cooldown,
				CostUSD:      o.run.Cost.Total(),
			})
			if err := o.sleep(ctx, o.cfg.Cooldown); err != nil {
				logger.Warn().Int("graded", len(results)).Msg("grading run cancelled during cooldown")
				return results, err
			}
			o.lastCall = false
		}

		result := o.gradeOne(context.WithoutCancel(ctx), job, repairer, sub, i, len(submissions))
		results = append(results, result)

		if o.cfg.Sink != nil {
			if err := o.cfg.Sink.Store(context.WithoutCancel(ctx), result); err != nil {
				logger.Error().Err(err).Str("submission_id", id).Msg("failed to store grading result")
			}
		}
	}

	prompt, completion := o.run.Cost.Tokens()
	logger.Info().
		Int("graded", len(results)).
		Float64("cost_usd", o.run.Cost.Total()).
		Int("prompt_tokens", prompt).
		Int("completion_tokens", completion).
		Int("calls_without_usage", o.run.Cost.Unreported()).
		Msg("grading run finished")
	return results, nil
}

func (o *Orchestrator) gradeOne(parent context.Context, job Job, repairer *Repairer, sub Submission, index, total int) Result {
	mode := job.Mode()
	ctx, span := o.tracer.Start(parent, "grading.submission", trace.WithAttributes(
		attribute.String("run_id", o.run.RunID.String()),
		attribute.String("submission_id", sub.ID),
		attribute.String("mode", string(mode)),
	))
	defer span.End()

	logger := o.run.Logger.With().Str("exam_id", job.ExamID).Str("submission_id", sub.ID).Logger()
	label := strings.TrimSpace(sub.Label)
	if label == "" {
		label = sub.ID
	}

	emit := func(stage Stage, message string, remaining time.Duration, result *Result) {
		o.cfg.Progress(Event{
			RunID:        o.run.RunID.String(),
			ExamID:       job.ExamID,
			SubmissionID: sub.ID,
			StudentLabel: label,
			Index:        index + 1,
			Total:        total,
			Stage:        stage,
			Message:      message,
			Remaining:    remaining,
			CostUSD:      o.run.Cost.Total(),
			Result:       result,
		})
	}

	start := o.now()
	stage := StagePending
	var usage ai.Usage
	var cost float64
	fail := func(err error) Result {
		logger.Error().Err(err).Str("stage", string(stage)).Msg("grading failed")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		result := Result{
			SubmissionID: sub.ID,
			StudentLabel: label,
			Mode:         mode,
			Status:       StatusFailed,
			Stage:        stage,
			Error:        err.Error(),
			Usage:        usage,
			CostUSD:      cost,
		}
		observability.GradingResults().WithLabelValues(string(mode), string(StatusFailed), string(stage)).Inc()
		emit(StageFailed, err.Error(), 0, &result)
		return result
	}

	stage = StageReading
	emit(stage, "", 0, nil)
	text := sub.Text
	if strings.TrimSpace(text) == "" && sub.Load != nil {
		loaded, err := sub.Load(ctx)
		if err != nil {
			return fail(fmt.Errorf("read submission: %w", err))
		}
		text = loaded
	}

	stage = StagePrompting
	emit(stage, "", 0, nil)
	prompt, err := BuildPrompt(job.Rubric, job.Task, text, label)
	if err != nil {
		return fail(err)
	}
	prompt = WithConciseness(prompt)

	stage = StageAwaitingModel
	emit(stage, "", 0, nil)
	o.lastCall = true
	resp, err := o.caller.Call(ctx, ai.Request{
		SystemPrompt: prompt.System,
		UserPrompt:   prompt.User,
		Attachments:  sub.Attachments,
	}, func(p ai.Progress) {
		emit(StageAwaitingModel, p.Message, p.Remaining, nil)
	})
	if err != nil {
		return fail(err)
	}
	usage = resp.Usage
	cost = o.run.Cost.Add(resp.Usage)
	observability.GradingCost().WithLabelValues(string(mode)).Add(cost)

	stage = StageRepairing
	emit(stage, "", 0, nil)
	extraction, err := repairer.Extract(resp.Text)
	if err != nil {
		return fail(err)
	}

	stage = StageScoring
	emit(stage, "", 0, nil)
	result, err := o.score(job, extraction, logger)
	if err != nil {
		return fail(err)
	}

	result.SubmissionID = sub.ID
	result.StudentLabel = label
	result.Usage = usage
	result.CostUSD = cost
	result.Repaired = extraction.Repaired
	if resp.Truncated && !extraction.Repaired {
		logger.Warn().Msg("model hit the output limit but the response parsed as is")
	}

	duration := o.now().Sub(start)
	observability.GradingDuration().WithLabelValues(string(mode)).Observe(duration.Seconds())
	observability.GradingResults().WithLabelValues(string(mode), string(StatusDone), string(StageDone)).Inc()
	span.SetAttributes(attribute.Float64("total_score", result.TotalScore), attribute.Int("final_grade", result.FinalGrade))
	logger.Info().
		Float64("total_score", result.TotalScore).
		Int("final_grade", result.FinalGrade).
		Bool("repaired", result.Repaired).
		Float64("cost_usd", cost).
		Dur("duration", duration).
		Msg("submission graded")
	emit(StageDone, "", 0, &result)
	return result
}

func (o *Orchestrator) score(job Job, extraction Extraction, logger zerolog.Logger) (Result, error) {
	if job.Rubric != nil {
		out, err := DecodeRubricOutput(extraction.Object)
		if err != nil {
			return Result{}, err
		}
		return ComputeRubric(*job.Rubric, out, logger)
	}
	out, err := DecodeTaskOutput(extraction.Object)
	if err != nil {
		return Result{}, err
	}
	return ComputeTask(job.Task, out, logger)
}

// ExistingIDs collects the ids of completed results. Failed results are left out so
// a later run retries them.
func ExistingIDs(results []Result) map[string]struct{} {
	ids := make(map[string]struct{}, len(results))
	for _, r := range results {
		if r.Status == StatusDone {
			ids[r.SubmissionID] = struct{}{}
		}
	}
	return ids
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// IsRubricError reports whether err blocks the whole run rather than one submission.
func IsRubricError(err error) bool {
	var parseErr *rubric.ParseError
	return errors.As(err, &parseErr) || errors.Is(err, ErrNoRubric)
}
