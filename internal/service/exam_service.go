package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grader/internal/dto"
	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/internal/repository"
	"github.com/noah-isme/gema-grader/internal/rubric"
)

// ExamService manages exams and their rubrics.
type ExamService interface {
	Create(ctx context.Context, req dto.CreateExamRequest) (dto.ExamResponse, error)
	Get(ctx context.Context, id uint) (dto.ExamResponse, error)
	Rubric(ctx context.Context, id uint) (dto.RubricResponse, error)
}

type examService struct {
	repo      repository.ExamRepository
	rubrics   RubricService
	parser    *rubric.Parser
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewExamService constructs the exam service.
func NewExamService(repo repository.ExamRepository, rubrics RubricService, validate *validator.Validate, logger zerolog.Logger) ExamService {
	logger = logger.With().Str("component", "exam_service").Logger()
	return &examService{
		repo:      repo,
		rubrics:   rubrics,
		parser:    rubric.NewParser(logger),
		validator: validate,
		logger:    logger,
	}
}

// Create stores a new exam. The rubric or conversion table is parsed up front so an
// unreadable document is rejected before anything is graded against it.
func (s *examService) Create(ctx context.Context, req dto.CreateExamRequest) (dto.ExamResponse, error) {
	req.Title = strings.TrimSpace(req.Title)
	req.Mode = strings.ToLower(strings.TrimSpace(req.Mode))
	if req.Mode == "" {
		req.Mode = models.ExamModeRubric
	}
	if err := s.validator.Struct(req); err != nil {
		return dto.ExamResponse{}, err
	}

	exam := models.Exam{
		Title:          req.Title,
		Mode:           req.Mode,
		RubricText:     req.RubricText,
		Instructions:   strings.TrimSpace(req.Instructions),
		AnswerKey:      strings.TrimSpace(req.AnswerKey),
		ConversionText: req.ConversionText,
	}

	if exam.IsTaskMode() {
		table, err := rubric.ParsePointTable(req.ConversionText)
		if err != nil {
			return dto.ExamResponse{}, err
		}
		payload, err := json.Marshal(table)
		if err != nil {
			return dto.ExamResponse{}, fmt.Errorf("marshal conversion table: %w", err)
		}
		exam.ConversionTable = payload
	} else {
		parsed, err := s.parser.Parse(req.RubricText)
		if err != nil {
			return dto.ExamResponse{}, err
		}
		tree := rubric.Normalize(parsed, s.logger)
		payload, err := json.Marshal(tree)
		if err != nil {
			return dto.ExamResponse{}, fmt.Errorf("marshal rubric tree: %w", err)
		}
		now := time.Now()
		exam.RubricTree = payload
		exam.RubricParsedAt = &now
	}

	if err := s.repo.Create(ctx, &exam); err != nil {
		return dto.ExamResponse{}, err
	}

	s.logger.Info().Uint("exam_id", exam.ID).Str("mode", exam.Mode).Msg("exam created")
	return dto.NewExamResponse(exam), nil
}

func (s *examService) Get(ctx context.Context, id uint) (dto.ExamResponse, error) {
	exam, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.ExamResponse{}, ErrExamNotFound
		}
		return dto.ExamResponse{}, err
	}
	return dto.NewExamResponse(exam), nil
}

func (s *examService) Rubric(ctx context.Context, id uint) (dto.RubricResponse, error) {
	tree, source, err := s.rubrics.Rubric(ctx, id)
	if err != nil {
		return dto.RubricResponse{}, err
	}
	return dto.RubricResponse{
		ExamID:      id,
		Source:      string(source),
		TotalWeight: tree.TotalWeight(),
		Sections:    tree.Sections,
	}, nil
}
