package handler

import (
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grader/internal/dto"
	"github.com/noah-isme/gema-grader/internal/service"
	"github.com/noah-isme/gema-grader/internal/utils"
)

// ExamHandler exposes exam registration and rubric inspection.
type ExamHandler struct {
	service service.ExamService
	logger  zerolog.Logger
}

// NewExamHandler constructs an exam handler.
func NewExamHandler(service service.ExamService, logger zerolog.Logger) *ExamHandler {
	return &ExamHandler{
		service: service,
		logger:  logger.With().Str("component", "exam_handler").Logger(),
	}
}

// Register mounts exam routes.
func (h *ExamHandler) Register(router fiber.Router) {
	router.Post("/", h.create)
	router.Get("/:id", h.get)
	router.Get("/:id/rubric", h.rubric)
}

func (h *ExamHandler) create(c *fiber.Ctx) error {
	var req dto.CreateExamRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	exam, err := h.service.Create(c.UserContext(), req)
	if err != nil {
		return h.handleError(c, err, "failed to create exam")
	}

	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "exam created", exam)
}

func (h *ExamHandler) get(c *fiber.Ctx) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid exam id")
	}

	exam, err := h.service.Get(c.UserContext(), id)
	if err != nil {
		return h.handleError(c, err, "failed to load exam")
	}

	return utils.SendSuccess(c, "exam retrieved", exam)
}

func (h *ExamHandler) rubric(c *fiber.Ctx) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid exam id")
	}

	tree, err := h.service.Rubric(c.UserContext(), id)
	if err != nil {
		return h.handleError(c, err, "failed to load rubric")
	}

	return utils.SendSuccess(c, "rubric retrieved", tree)
}

func (h *ExamHandler) handleError(c *fiber.Ctx, err error, fallback string) error {
	return respondError(c, requestLogger(h.logger, c), err, fallback)
}
