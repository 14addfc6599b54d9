package handler

import (
	"io"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grader/internal/dto"
	"github.com/noah-isme/gema-grader/internal/middleware"
	"github.com/noah-isme/gema-grader/internal/service"
	"github.com/noah-isme/gema-grader/internal/utils"
)

const maxSubmissionBytes = 10 * 1024 * 1024

// GradingHandler runs grading batches and exposes their results.
type GradingHandler struct {
	service service.GradingService
	logger  zerolog.Logger
}

// NewGradingHandler constructs a grading handler.
func NewGradingHandler(service service.GradingService, logger zerolog.Logger) *GradingHandler {
	return &GradingHandler{
		service: service,
		logger:  logger.With().Str("component", "grading_handler").Logger(),
	}
}

// Register mounts grading routes under the exam group.
func (h *GradingHandler) Register(router fiber.Router) {
	router.Post("/:id/grade", h.grade)
	router.Get("/:id/results", h.results)
	router.Put("/:id/results/:submissionID/override", h.override)
}

func (h *GradingHandler) grade(c *fiber.Ctx) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid exam id")
	}

	var query dto.GradeRequest
	if err := c.QueryParser(&query); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid query parameters")
	}

	form, err := c.MultipartForm()
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "multipart form with files is required")
	}

	headers := form.File["files"]
	files := make([]service.SubmissionFile, 0, len(headers))
	for _, header := range headers {
		if header.Size > maxSubmissionBytes {
			return utils.SendError(c, fiber.StatusRequestEntityTooLarge, header.Filename+" exceeds the maximum submission size")
		}
		file, err := header.Open()
		if err != nil {
			return utils.SendError(c, fiber.StatusBadRequest, "unable to read "+header.Filename)
		}
		data, err := io.ReadAll(file)
		_ = file.Close()
		if err != nil {
			return utils.SendError(c, fiber.StatusBadRequest, "unable to read "+header.Filename)
		}
		files = append(files, service.SubmissionFile{Name: strings.TrimSpace(header.Filename), Data: data})
	}

	run, err := h.service.GradeUploads(c.UserContext(), id, files, query.Wait)
	if err != nil {
		return h.handleError(c, err, "failed to grade submissions")
	}

	middleware.BindGradingRun(c, id, run.RunID)
	requestLogger(h.logger, c).Info().Int("received", run.Received).Int("skipped", run.Skipped).Bool("wait", query.Wait).Msg("grading run accepted")

	if !query.Wait {
		return utils.SendAccepted(c, "grading started", run)
	}
	return utils.SendSuccess(c, "grading completed", run)
}

func (h *GradingHandler) results(c *fiber.Ctx) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid exam id")
	}

	results, err := h.service.Results(c.UserContext(), id)
	if err != nil {
		return h.handleError(c, err, "failed to load results")
	}

	return utils.SendSuccess(c, "results retrieved", results)
}

func (h *GradingHandler) override(c *fiber.Ctx) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid exam id")
	}
	submissionID := strings.TrimSpace(c.Params("submissionID"))
	if submissionID == "" {
		return utils.SendError(c, fiber.StatusBadRequest, "submission id required")
	}

	var req dto.OverrideRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	result, err := h.service.Override(c.UserContext(), id, submissionID, req)
	if err != nil {
		return h.handleError(c, err, "failed to store override")
	}

	return utils.SendSuccess(c, "override stored", result)
}

func (h *GradingHandler) handleError(c *fiber.Ctx, err error, fallback string) error {
	return respondError(c, requestLogger(h.logger, c), err, fallback)
}
