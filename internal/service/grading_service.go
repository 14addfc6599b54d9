package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grader/internal/dto"
	"github.com/noah-isme/gema-grader/internal/extract"
	"github.com/noah-isme/gema-grader/internal/grading"
	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/internal/repository"
	"github.com/noah-isme/gema-grader/internal/rubric"
)

var (
	// ErrRunInProgress indicates the exam is already being graded.
	ErrRunInProgress = errors.New("a grading run for this exam is already in progress")
	// ErrNoSubmissions indicates a grading request without files.
	ErrNoSubmissions = errors.New("no submissions uploaded")
	// ErrResultNotFound indicates no stored result for the submission.
	ErrResultNotFound = errors.New("grading result not found")
	// ErrInvalidOverride indicates override scores that do not fit the rubric.
	ErrInvalidOverride = errors.New("invalid override")
)

// Run statuses reported by GradeUploads.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusCancelled = "cancelled"
)

// SubmissionFile is one uploaded submission.
type SubmissionFile struct {
	Name string
	Data []byte
}

// GradingServiceConfig tunes grading runs.
type GradingServiceConfig struct {
	Cooldown time.Duration
	Prices   grading.PriceTable
}

// GradingService grades uploaded submissions and manages their results.
type GradingService interface {
	GradeUploads(ctx context.Context, examID uint, files []SubmissionFile, wait bool) (dto.GradingRunResponse, error)
	Results(ctx context.Context, examID uint) ([]dto.GradingResultResponse, error)
	Override(ctx context.Context, examID uint, submissionID string, req dto.OverrideRequest) (dto.GradingResultResponse, error)
	Wait()
}

type gradingService struct {
	exams     repository.ExamRepository
	records   repository.GradingRecordRepository
	rubrics   RubricService
	caller    grading.Caller
	extractor *extract.Extractor
	hub       *ProgressHub
	publisher ResultPublisher
	validator *validator.Validate
	sanitizer *bluemonday.Policy
	cfg       GradingServiceConfig
	logger    zerolog.Logger

	mu      sync.Mutex
	running map[uint]string
	runs    sync.WaitGroup
}

// NewGradingService constructs the grading service. hub and publisher may be nil.
func NewGradingService(
	exams repository.ExamRepository,
	records repository.GradingRecordRepository,
	rubrics RubricService,
	caller grading.Caller,
	extractor *extract.Extractor,
	hub *ProgressHub,
	publisher ResultPublisher,
	validate *validator.Validate,
	cfg GradingServiceConfig,
	logger zerolog.Logger,
) GradingService {
	logger = logger.With().Str("component", "grading_service").Logger()
	if publisher == nil {
		publisher = NewResultPublisher(nil, "", logger)
	}
	if hub == nil {
		hub = NewProgressHub(logger)
	}
	return &gradingService{
		exams:     exams,
		records:   records,
		rubrics:   rubrics,
		caller:    caller,
		extractor: extractor,
		hub:       hub,
		publisher: publisher,
		validator: validate,
		sanitizer: bluemonday.StrictPolicy(),
		cfg:       cfg,
		logger:    logger,
		running:   make(map[uint]string),
	}
}

// GradeUploads grades files against the exam. Submissions whose id already has a
// finished result are skipped. Without wait the run continues in the background and
// progress is streamed through the hub.
func (s *gradingService) GradeUploads(ctx context.Context, examID uint, files []SubmissionFile, wait bool) (dto.GradingRunResponse, error) {
	exam, err := s.loadExam(ctx, examID)
	if err != nil {
		return dto.GradingRunResponse{}, err
	}
	if len(files) == 0 {
		return dto.GradingRunResponse{}, ErrNoSubmissions
	}

	job, err := s.buildJob(ctx, exam)
	if err != nil {
		return dto.GradingRunResponse{}, err
	}

	completed, err := s.records.CompletedSubmissionIDs(ctx, examID)
	if err != nil {
		return dto.GradingRunResponse{}, fmt.Errorf("load completed submissions: %w", err)
	}
	existing := make(map[string]struct{}, len(completed))
	for _, id := range completed {
		existing[id] = struct{}{}
	}

	submissions := s.submissions(files)
	skipped := 0
	for _, sub := range submissions {
		if _, ok := existing[sub.ID]; ok {
			skipped++
		}
	}

	sink := &recordSink{service: s, examID: examID}
	orchestrator := grading.NewOrchestrator(s.caller, grading.OrchestratorConfig{
		Cooldown: s.cfg.Cooldown,
		Prices:   s.cfg.Prices,
		Logger:   s.logger,
		Sink:     sink,
		Progress: func(event grading.Event) {
			s.hub.Publish(examID, event)
		},
	})
	runID := orchestrator.Run().RunID.String()
	sink.runID = runID

	if !s.acquire(examID, runID) {
		return dto.GradingRunResponse{}, ErrRunInProgress
	}

	resp := dto.GradingRunResponse{
		RunID:    runID,
		ExamID:   examID,
		Received: len(files),
		Skipped:  skipped,
	}

	logger := s.logger.With().Uint("exam_id", examID).Str("run_id", runID).Logger()
	run := func(runCtx context.Context) ([]grading.Result, error) {
		defer s.release(examID)
		results, err := orchestrator.GradeAll(runCtx, job, submissions, existing)
		s.hub.Publish(examID, grading.Event{
			RunID:   runID,
			ExamID:  job.ExamID,
			Total:   len(submissions),
			Stage:   grading.StageDone,
			Message: "grading run finished",
			CostUSD: orchestrator.Run().Cost.Total(),
		})
		if err != nil {
			logger.Warn().Err(err).Int("graded", len(results)).Msg("grading run stopped early")
		}
		return results, err
	}

	if !wait {
		s.runs.Add(1)
		go func() {
			defer s.runs.Done()
			_, _ = run(context.WithoutCancel(ctx))
		}()
		resp.Status = RunStatusRunning
		return resp, nil
	}

	results, err := run(ctx)
	resp.Status = RunStatusCompleted
	if err != nil {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			return dto.GradingRunResponse{}, err
		}
		resp.Status = RunStatusCancelled
	}
	resp.CostUSD = orchestrator.Run().Cost.Total()
	resp.Results = make([]dto.GradingResultResponse, 0, len(results))
	for _, result := range results {
		if result.Failed() {
			resp.Failed++
		} else {
			resp.Graded++
		}
		resp.Results = append(resp.Results, dto.NewGradingResultResponse(s.sanitizeResult(result)))
	}
	return resp, nil
}

func (s *gradingService) Results(ctx context.Context, examID uint) ([]dto.GradingResultResponse, error) {
	if _, err := s.loadExam(ctx, examID); err != nil {
		return nil, err
	}

	records, err := s.records.ListByExam(ctx, examID, repository.GradingRecordFilter{})
	if err != nil {
		return nil, err
	}

	items := make([]dto.GradingResultResponse, 0, len(records))
	for _, record := range records {
		result, err := decodeRecord(record)
		if err != nil {
			s.logger.Warn().Err(err).Uint("exam_id", examID).Str("submission_id", record.SubmissionID).Msg("skipping unreadable grading record")
			continue
		}
		items = append(items, dto.NewGradingResultResponse(result))
	}
	return items, nil
}

// Override stores a teacher's scores next to the model's. The stored model result is
// left as it was.
func (s *gradingService) Override(ctx context.Context, examID uint, submissionID string, req dto.OverrideRequest) (dto.GradingResultResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return dto.GradingResultResponse{}, err
	}

	exam, err := s.loadExam(ctx, examID)
	if err != nil {
		return dto.GradingResultResponse{}, err
	}

	record, err := s.records.Get(ctx, examID, submissionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.GradingResultResponse{}, ErrResultNotFound
		}
		return dto.GradingResultResponse{}, err
	}
	original, err := decodeRecord(record)
	if err != nil {
		return dto.GradingResultResponse{}, err
	}

	job, err := s.buildJob(ctx, exam)
	if err != nil {
		return dto.GradingResultResponse{}, err
	}
	if err := checkOverride(job, req); err != nil {
		return dto.GradingResultResponse{}, err
	}

	merged, err := grading.ApplyOverride(job, original, req.ToOverride(), s.logger)
	if err != nil {
		return dto.GradingResultResponse{}, fmt.Errorf("%w: %v", ErrInvalidOverride, err)
	}
	merged = s.sanitizeResult(merged)

	updated, err := toRecord(examID, record.RunID, merged)
	if err != nil {
		return dto.GradingResultResponse{}, err
	}
	if err := s.records.Upsert(ctx, &updated); err != nil {
		return dto.GradingResultResponse{}, err
	}
	_ = s.publisher.PublishResult(ctx, NewResultEvent(examID, record.RunID, merged))

	s.logger.Info().
		Uint("exam_id", examID).
		Str("submission_id", submissionID).
		Int("final_grade", merged.FinalGrade).
		Int("effective_grade", merged.Effective().FinalGrade).
		Msg("teacher override stored")
	return dto.NewGradingResultResponse(merged), nil
}

// Wait blocks until background runs have finished.
func (s *gradingService) Wait() {
	s.runs.Wait()
}

func (s *gradingService) acquire(examID uint, runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.running[examID]; busy {
		return false
	}
	s.running[examID] = runID
	return true
}

func (s *gradingService) release(examID uint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, examID)
}

func (s *gradingService) loadExam(ctx context.Context, examID uint) (models.Exam, error) {
	exam, err := s.exams.GetByID(ctx, examID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Exam{}, ErrExamNotFound
		}
		return models.Exam{}, err
	}
	return exam, nil
}

func (s *gradingService) buildJob(ctx context.Context, exam models.Exam) (grading.Job, error) {
	job := grading.Job{ExamID: fmt.Sprintf("%d", exam.ID)}
	if exam.IsTaskMode() {
		var table rubric.PointTable
		if len(exam.ConversionTable) > 0 {
			if err := json.Unmarshal(exam.ConversionTable, &table); err != nil {
				return grading.Job{}, fmt.Errorf("decode conversion table: %w", err)
			}
		}
		job.Task = grading.TaskSpec{
			Title:        exam.Title,
			Instructions: exam.Instructions,
			AnswerKey:    exam.AnswerKey,
			Conversion:   table,
		}
		return job, nil
	}

	tree, _, err := s.rubrics.ForExam(ctx, exam)
	if err != nil {
		return grading.Job{}, err
	}
	job.Rubric = &tree
	return job, nil
}

func (s *gradingService) submissions(files []SubmissionFile) []grading.Submission {
	subs := make([]grading.Submission, 0, len(files))
	for _, file := range files {
		file := file
		id := grading.SubmissionIDFromFilename(file.Name)
		subs = append(subs, grading.Submission{
			ID:    id,
			Label: id,
			Load: func(context.Context) (string, error) {
				doc, err := s.extractor.ExtractBytes(file.Name, file.Data)
				if err != nil {
					return "", err
				}
				return doc.Text, nil
			},
		})
	}
	return subs
}

func (s *gradingService) clean(text string) string {
	return strings.TrimSpace(html.UnescapeString(s.sanitizer.Sanitize(text)))
}

func (s *gradingService) sanitizeResult(result grading.Result) grading.Result {
	result.Rationale = s.clean(result.Rationale)
	result.StudentLabel = s.clean(result.StudentLabel)
	sections := make([]grading.ScoredSection, len(result.Sections))
	for i, section := range result.Sections {
		criteria := make([]grading.ScoredCriterion, len(section.Criteria))
		for j, criterion := range section.Criteria {
			criterion.Feedback = s.clean(criterion.Feedback)
			criteria[j] = criterion
		}
		section.Criteria = criteria
		sections[i] = section
	}
	if result.Sections != nil {
		result.Sections = sections
	}
	if result.Tasks != nil {
		tasks := make([]grading.ScoredTask, len(result.Tasks))
		for i, task := range result.Tasks {
			task.Feedback = s.clean(task.Feedback)
			tasks[i] = task
		}
		result.Tasks = tasks
	}
	if result.TeacherOverride != nil {
		override := s.sanitizeResult(*result.TeacherOverride)
		result.TeacherOverride = &override
	}
	return result
}

// checkOverride rejects rubric scores outside the grade scale and negative task points.
func checkOverride(job grading.Job, req dto.OverrideRequest) error {
	if job.Mode() == grading.ModeRubric {
		if len(req.Sections) == 0 {
			return fmt.Errorf("%w: rubric exams take section scores", ErrInvalidOverride)
		}
		for i, section := range req.Sections {
			for j, criterion := range section.Criteria {
				if criterion.Score == nil || !rubric.IsGradeValue(*criterion.Score) {
					return fmt.Errorf("%w: criterion %d.%d must be one of -3, 0, 2, 4, 7, 10, 12", ErrInvalidOverride, i+1, j+1)
				}
			}
		}
		return nil
	}

	if len(req.Tasks) == 0 {
		return fmt.Errorf("%w: task exams take task points", ErrInvalidOverride)
	}
	for i, task := range req.Tasks {
		if task.Points == nil || *task.Points < 0 {
			return fmt.Errorf("%w: task %d points must not be negative", ErrInvalidOverride, i+1)
		}
	}
	return nil
}

// recordSink persists each result of a run as soon as it is produced.
type recordSink struct {
	service *gradingService
	examID  uint
	runID   string
}

func (r *recordSink) Store(ctx context.Context, result grading.Result) error {
	result = r.service.sanitizeResult(result)
	record, err := toRecord(r.examID, r.runID, result)
	if err != nil {
		return err
	}
	if err := r.service.records.Upsert(ctx, &record); err != nil {
		return err
	}
	_ = r.service.publisher.PublishResult(ctx, NewResultEvent(r.examID, r.runID, result))
	return nil
}

func toRecord(examID uint, runID string, result grading.Result) (models.GradingRecord, error) {
	payload, err := json.Marshal(result)
	if err != nil {
		return models.GradingRecord{}, fmt.Errorf("marshal grading result: %w", err)
	}
	return models.GradingRecord{
		ExamID:           examID,
		SubmissionID:     result.SubmissionID,
		StudentLabel:     result.StudentLabel,
		Mode:             string(result.Mode),
		Status:           string(result.Status),
		Stage:            string(result.Stage),
		Error:            result.Error,
		TotalScore:       result.TotalScore,
		FinalGrade:       result.FinalGrade,
		EffectiveGrade:   result.Effective().FinalGrade,
		Overridden:       result.TeacherOverride != nil,
		Result:           payload,
		RunID:            runID,
		CostUSD:          result.CostUSD,
		PromptTokens:     result.Usage.PromptTokens,
		CompletionTokens: result.Usage.CompletionTokens,
	}, nil
}

func decodeRecord(record models.GradingRecord) (grading.Result, error) {
	var result grading.Result
	if len(record.Result) == 0 {
		return grading.Result{}, fmt.Errorf("grading record %s has no result", record.SubmissionID)
	}
	if err := json.Unmarshal(record.Result, &result); err != nil {
		return grading.Result{}, fmt.Errorf("decode grading result: %w", err)
	}
	return result, nil
}
