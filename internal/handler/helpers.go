package handler

import (
	"errors"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grader/internal/extract"
	"github.com/noah-isme/gema-grader/internal/grading"
	"github.com/noah-isme/gema-grader/internal/middleware"
	"github.com/noah-isme/gema-grader/internal/rubric"
	"github.com/noah-isme/gema-grader/internal/service"
	"github.com/noah-isme/gema-grader/internal/utils"
)

func parseIDParam(c *fiber.Ctx, key string) (uint, error) {
	raw := strings.TrimSpace(c.Params(key))
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, errors.New("invalid id")
	}
	return uint(id), nil
}

func requestLogger(base zerolog.Logger, c *fiber.Ctx) *zerolog.Logger {
	logger := base
	if c == nil {
		return &logger
	}
	fields := base.With()
	if correlation := middleware.GetCorrelationID(c); correlation != "" {
		fields = fields.Str("correlation_id", correlation)
	}
	if examID, runID := middleware.GradingRun(c); runID != "" {
		fields = fields.Uint("exam_id", examID).Str("run_id", runID)
	}
	logger = fields.Logger()
	return &logger
}

func isValidationError(err error) bool {
	var validationErrors validator.ValidationErrors
	return errors.As(err, &validationErrors)
}

// validationDetails maps each failing field to the rule it broke.
func validationDetails(err error) map[string]string {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return nil
	}
	details := make(map[string]string, len(validationErrors))
	for _, fieldErr := range validationErrors {
		details[fieldErr.Namespace()] = fieldErr.Tag()
	}
	return details
}

// respondError maps service errors onto HTTP statuses.
func respondError(c *fiber.Ctx, logger *zerolog.Logger, err error, fallback string) error {
	var parseErr *rubric.ParseError
	switch {
	case isValidationError(err):
		return utils.SendErrorWithDetails(c, fiber.StatusBadRequest, "validation failed", validationDetails(err))
	case errors.Is(err, service.ErrExamNotFound), errors.Is(err, service.ErrResultNotFound):
		return utils.SendError(c, fiber.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrRunInProgress):
		return utils.SendError(c, fiber.StatusConflict, err.Error())
	case errors.Is(err, service.ErrNoSubmissions):
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	case errors.Is(err, extract.ErrTooLarge):
		return utils.SendError(c, fiber.StatusRequestEntityTooLarge, err.Error())
	case errors.As(err, &parseErr),
		errors.Is(err, grading.ErrNoRubric),
		errors.Is(err, rubric.ErrNoPointRanges),
		errors.Is(err, service.ErrInvalidOverride):
		return utils.SendError(c, fiber.StatusUnprocessableEntity, err.Error())
	default:
		logger.Error().Err(err).Msg(fallback)
		return utils.SendError(c, fiber.StatusInternalServerError, fallback)
	}
}
