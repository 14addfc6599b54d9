package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grader/internal/extract"
	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/internal/repository"
	"github.com/noah-isme/gema-grader/pkg/ai"
)

const essayRubric = `Part A: Content (60%)
1. Argumentation 30%
The thesis is clear and every claim is supported.
2. Use of sources (30%): cites at least two texts
Part B: Form (40%)
Language 20%
Structure: 20%
`

func setupGraderDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Exam{}, &models.GradingRecord{}))
	return db
}

func essayAnswer(a, b, c, d int) string {
	return fmt.Sprintf(`{"student_label":"x","sections":[`+
		`{"name":"Content","criteria":[{"name":"Argumentation","score":%d,"feedback":"<b>Clear</b> thesis."},{"name":"Use of sources","score":%d,"feedback":"Good."}]},`+
		`{"name":"Form","criteria":[{"name":"Language","score":%d,"feedback":"Fine."},{"name":"Structure","score":%d,"feedback":"Fine."}]}],`+
		`"rationale":"Solid & coherent."}`, a, b, c, d)
}

// fakeModel answers by the student label on the first prompt line.
type fakeModel struct {
	mu      sync.Mutex
	answers map[string]string
	calls   []string
}

func (f *fakeModel) Call(ctx context.Context, req ai.Request, progress ai.ProgressFunc) (ai.Response, error) {
	label := strings.TrimPrefix(strings.SplitN(req.UserPrompt, "\n", 2)[0], "Student: ")
	f.mu.Lock()
	f.calls = append(f.calls, label)
	answer, ok := f.answers[label]
	f.mu.Unlock()
	if !ok {
		answer = essayAnswer(7, 7, 7, 7)
	}
	return ai.Response{Text: answer, Usage: ai.Usage{PromptTokens: 500, CompletionTokens: 100, Reported: true}}, nil
}

func (f *fakeModel) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type graderFixture struct {
	db      *gorm.DB
	exams   repository.ExamRepository
	records repository.GradingRecordRepository
	rubrics RubricService
	model   *fakeModel
	hub     *ProgressHub
	service *gradingService
}

func newGraderFixture(t *testing.T) graderFixture {
	t.Helper()
	db := setupGraderDB(t)
	exams := repository.NewExamRepository(db)
	records := repository.NewGradingRecordRepository(db)
	rubrics := NewRubricService(exams, nil, 0, zerolog.Nop())
	model := &fakeModel{answers: map[string]string{}}
	hub := NewProgressHub(zerolog.Nop())

	svc := NewGradingService(
		exams,
		records,
		rubrics,
		model,
		extract.NewExtractor(0, zerolog.Nop()),
		hub,
		nil,
		validator.New(),
		GradingServiceConfig{},
		zerolog.Nop(),
	)
	return graderFixture{
		db:      db,
		exams:   exams,
		records: records,
		rubrics: rubrics,
		model:   model,
		hub:     hub,
		service: svc.(*gradingService),
	}
}

func (f graderFixture) createRubricExam(t *testing.T) models.Exam {
	t.Helper()
	exam := models.Exam{Title: "Essay", Mode: models.ExamModeRubric, RubricText: essayRubric}
	require.NoError(t, f.exams.Create(context.Background(), &exam))
	return exam
}
