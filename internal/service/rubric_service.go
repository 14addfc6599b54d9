package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grader/internal/grading"
	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/internal/observability"
	"github.com/noah-isme/gema-grader/internal/repository"
	"github.com/noah-isme/gema-grader/internal/rubric"
)

// ErrExamNotFound indicates the exam does not exist.
var ErrExamNotFound = errors.New("exam not found")

// RubricSource tells where a rubric tree came from.
type RubricSource string

const (
	RubricSourceCache    RubricSource = "cache"
	RubricSourceDatabase RubricSource = "database"
	RubricSourceParsed   RubricSource = "parsed"
)

// RubricService resolves the normalized rubric of an exam.
type RubricService interface {
	Rubric(ctx context.Context, examID uint) (rubric.Tree, RubricSource, error)
	ForExam(ctx context.Context, exam models.Exam) (rubric.Tree, RubricSource, error)
	Invalidate(ctx context.Context, exam models.Exam) error
}

type rubricService struct {
	repo   repository.ExamRepository
	cache  *redis.Client
	ttl    time.Duration
	parser *rubric.Parser
	group  singleflight.Group
	logger zerolog.Logger
}

// NewRubricService constructs the rubric service. cache may be nil.
func NewRubricService(repo repository.ExamRepository, cache *redis.Client, ttl time.Duration, logger zerolog.Logger) RubricService {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	logger = logger.With().Str("component", "rubric_service").Logger()
	return &rubricService{
		repo:   repo,
		cache:  cache,
		ttl:    ttl,
		parser: rubric.NewParser(logger),
		logger: logger,
	}
}

func (s *rubricService) Rubric(ctx context.Context, examID uint) (rubric.Tree, RubricSource, error) {
	exam, err := s.repo.GetByID(ctx, examID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return rubric.Tree{}, "", ErrExamNotFound
		}
		return rubric.Tree{}, "", err
	}
	return s.ForExam(ctx, exam)
}

// ForExam returns the tree from redis, then the exam row, and derives it from the
// rubric text when neither holds a usable copy.
func (s *rubricService) ForExam(ctx context.Context, exam models.Exam) (rubric.Tree, RubricSource, error) {
	if exam.IsTaskMode() {
		return rubric.Tree{}, "", grading.ErrNoRubric
	}

	key := rubricCacheKey(exam)
	if tree, ok := s.fetchCache(ctx, key); ok {
		observability.RubricCache().WithLabelValues(string(RubricSourceCache)).Inc()
		return tree, RubricSourceCache, nil
	}

	if len(exam.RubricTree) > 0 {
		var stored rubric.Tree
		if err := json.Unmarshal(exam.RubricTree, &stored); err != nil {
			s.logger.Warn().Err(err).Uint("exam_id", exam.ID).Msg("stored rubric tree is unreadable; re-deriving")
		} else if !rubric.NeedsReparse(stored) {
			s.writeCache(ctx, key, stored)
			observability.RubricCache().WithLabelValues(string(RubricSourceDatabase)).Inc()
			return stored, RubricSourceDatabase, nil
		} else {
			s.logger.Info().Uint("exam_id", exam.ID).Msg("stored rubric tree is incomplete; re-deriving")
		}
	}

	value, err, shared := s.group.Do(key, func() (interface{}, error) {
		return s.derive(ctx, exam, key)
	})
	if err != nil {
		observability.RubricCache().WithLabelValues("error").Inc()
		return rubric.Tree{}, "", err
	}
	if shared {
		s.logger.Debug().Uint("exam_id", exam.ID).Msg("joined in-flight rubric derivation")
	}
	observability.RubricCache().WithLabelValues(string(RubricSourceParsed)).Inc()
	return value.(rubric.Tree).Clone(), RubricSourceParsed, nil
}

func (s *rubricService) derive(ctx context.Context, exam models.Exam, key string) (rubric.Tree, error) {
	parsed, err := s.parser.Parse(exam.RubricText)
	if err != nil {
		return rubric.Tree{}, err
	}
	tree := rubric.Normalize(parsed, s.logger.With().Uint("exam_id", exam.ID).Logger())

	payload, err := json.Marshal(tree)
	if err != nil {
		return rubric.Tree{}, fmt.Errorf("marshal rubric tree: %w", err)
	}
	if exam.ID != 0 {
		if err := s.repo.SaveRubricTree(ctx, exam.ID, payload); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return rubric.Tree{}, ErrExamNotFound
			}
			return rubric.Tree{}, fmt.Errorf("save rubric tree: %w", err)
		}
	}
	s.writeCache(ctx, key, tree)

	s.logger.Info().
		Uint("exam_id", exam.ID).
		Int("sections", len(tree.Sections)).
		Int("criteria", tree.CriteriaCount()).
		Float64("total_weight", tree.TotalWeight()).
		Msg("rubric derived")
	return tree, nil
}

func (s *rubricService) Invalidate(ctx context.Context, exam models.Exam) error {
	if s.cache == nil {
		return nil
	}
	return s.cache.Del(ctx, rubricCacheKey(exam)).Err()
}

func (s *rubricService) fetchCache(ctx context.Context, key string) (rubric.Tree, bool) {
	if s.cache == nil {
		return rubric.Tree{}, false
	}

	raw, err := s.cache.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logger.Warn().Err(err).Str("key", key).Msg("failed to read rubric cache")
		}
		return rubric.Tree{}, false
	}

	var tree rubric.Tree
	if err := json.Unmarshal(raw, &tree); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("failed to decode rubric cache")
		return rubric.Tree{}, false
	}
	if rubric.NeedsReparse(tree) {
		return rubric.Tree{}, false
	}
	return tree, true
}

func (s *rubricService) writeCache(ctx context.Context, key string, tree rubric.Tree) {
	if s.cache == nil {
		return
	}

	payload, err := json.Marshal(tree)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to encode rubric cache")
		return
	}
	if err := s.cache.Set(ctx, key, payload, s.ttl).Err(); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("failed to write rubric cache")
	}
}

// rubricCacheKey changes whenever the rubric text does, so edits never serve a stale tree.
func rubricCacheKey(exam models.Exam) string {
	sum := sha256.Sum256([]byte(exam.RubricText))
	return fmt.Sprintf("grader:rubric:v1:%d:%s", exam.ID, hex.EncodeToString(sum[:8]))
}
