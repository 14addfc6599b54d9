package contract_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grader/internal/config"
	"github.com/noah-isme/gema-grader/internal/database"
	"github.com/noah-isme/gema-grader/internal/extract"
	"github.com/noah-isme/gema-grader/internal/handler"
	"github.com/noah-isme/gema-grader/internal/repository"
	"github.com/noah-isme/gema-grader/internal/router"
	"github.com/noah-isme/gema-grader/internal/service"
	"github.com/noah-isme/gema-grader/pkg/ai"
)

const contractRubric = `Part A: Content (60%)
1. Argumentation 30%
2. Use of sources 30%
Part B: Form (40%)
Language 20%
Structure 20%
`

type cannedModel struct{}

func (cannedModel) Call(_ context.Context, req ai.Request, _ ai.ProgressFunc) (ai.Response, error) {
	if strings.Contains(req.UserPrompt, "Student: broken") {
		return ai.Response{Text: "I cannot grade this."}, nil
	}
	return ai.Response{
		Text: "```json\n" + `{"sections":[` +
			`{"name":"Content","criteria":[{"name":"Argumentation","score":10,"feedback":"Clear."},{"name":"Use of sources","score":7,"feedback":"Adequate."}]},` +
			`{"name":"Form","criteria":[{"name":"Language","score":7,"feedback":"Fine."},{"name":"Structure","score":4,"feedback":"Loose."}]}],` +
			`"rationale":"Good content."}` + "\n```",
		Usage: ai.Usage{PromptTokens: 1200, CompletionTokens: 300, Reported: true},
	}, nil
}

func newContractApp(t *testing.T) *fiber.App {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))

	logger := zerolog.Nop()
	validate := validator.New()
	exams := repository.NewExamRepository(db)
	records := repository.NewGradingRecordRepository(db)
	hub := service.NewProgressHub(logger)
	rubrics := service.NewRubricService(exams, nil, 0, logger)
	grading := service.NewGradingService(exams, records, rubrics, cannedModel{}, extract.NewExtractor(0, logger), hub, nil, validate, service.GradingServiceConfig{}, logger)

	app := fiber.New()
	router.Register(app, config.Config{AppName: "gema-grader"}, router.Dependencies{
		ExamHandler:     handler.NewExamHandler(service.NewExamService(exams, rubrics, validate, logger), logger),
		GradingHandler:  handler.NewGradingHandler(grading, logger),
		ProgressHandler: handler.NewProgressHandler(hub, logger),
		GradeRateLimit:  func(c *fiber.Ctx) error { return c.Next() },
	})
	return app
}

func compileSchema(t *testing.T, name string) *jsonschema.Schema {
	t.Helper()
	schemaPath, err := filepath.Abs(filepath.Join("..", "contracts", name))
	require.NoError(t, err)
	schema, err := jsonschema.NewCompiler().Compile("file://" + schemaPath)
	require.NoError(t, err)
	return schema
}

func doJSON(t *testing.T, app *fiber.App, method, path, body string) (int, []byte) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, payload
}

func TestGradingResultsContract(t *testing.T) {
	app := newContractApp(t)
	schema := compileSchema(t, "grading_results.schema.json")

	createBody, err := json.Marshal(map[string]string{"title": "Essay", "rubric_text": contractRubric})
	require.NoError(t, err)
	status, body := doJSON(t, app, http.MethodPost, "/api/v1/exams", string(createBody))
	require.Equal(t, http.StatusCreated, status, string(body))

	var created struct {
		Data struct {
			ID uint `json:"id"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(body, &created))
	require.NotZero(t, created.Data.ID)

	form := &bytes.Buffer{}
	writer := multipart.NewWriter(form)
	for name, content := range map[string]string{"alice.txt": "Alice's essay.", "broken.txt": "Unreadable answer."} {
		part, err := writer.CreateFormFile("files", name)
		require.NoError(t, err)
		_, err = part.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/api/v1/exams/%d/grade?wait=true", created.Data.ID), form)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	override := `{"sections":[{"criteria":[{"score":12},{"score":12}]},{"criteria":[{"score":12},{"score":10}]}],"rationale":"Reviewed."}`
	status, body = doJSON(t, app, http.MethodPut, fmt.Sprintf("/api/v1/exams/%d/results/alice/override", created.Data.ID), override)
	require.Equal(t, http.StatusOK, status, string(body))

	status, body = doJSON(t, app, http.MethodGet, fmt.Sprintf("/api/v1/exams/%d/results", created.Data.ID), "")
	require.Equal(t, http.StatusOK, status)

	var payload interface{}
	require.NoError(t, json.Unmarshal(body, &payload))
	require.NoError(t, schema.Validate(payload))

	var results struct {
		Data []struct {
			SubmissionID   string `json:"submission_id"`
			Status         string `json:"status"`
			Stage          string `json:"stage"`
			FinalGrade     int    `json:"final_grade"`
			EffectiveGrade int    `json:"effective_grade"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(body, &results))
	require.Len(t, results.Data, 2)
	require.Equal(t, "alice", results.Data[0].SubmissionID)
	require.Equal(t, 7, results.Data[0].FinalGrade)
	require.Equal(t, 12, results.Data[0].EffectiveGrade)
	require.Equal(t, "failed", results.Data[1].Status)
	require.Equal(t, "repairing", results.Data[1].Stage)
}
