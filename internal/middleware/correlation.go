package middleware

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// Headers echoed back to clients so a grading request can be traced to its run.
const (
	CorrelationHeader = "X-Correlation-ID"
	RunIDHeader       = "X-Grading-Run-ID"
)

type correlationIDKey struct{}

var correlationKey = correlationIDKey{}

// CorrelationID ensures every request carries a correlation identifier. The id
// also travels in the user context so background grading runs can log it.
func CorrelationID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		incoming := strings.TrimSpace(c.Get(CorrelationHeader))
		if incoming == "" {
			incoming = strings.TrimSpace(c.Get("X-Request-ID"))
		}
		if incoming == "" {
			incoming = uuid.NewString()
		}

		c.Locals("correlation_id", incoming)
		c.Set(CorrelationHeader, incoming)
		c.SetUserContext(context.WithValue(c.UserContext(), correlationKey, incoming))

		return c.Next()
	}
}

// CorrelationIDFromContext extracts the correlation identifier from context, if present.
func CorrelationIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(correlationKey).(string); ok {
		return id
	}
	return ""
}

// GetCorrelationID returns the correlation identifier bound to the active request.
func GetCorrelationID(c *fiber.Ctx) string {
	if c == nil {
		return ""
	}
	if id, ok := c.Locals("correlation_id").(string); ok {
		return id
	}
	return CorrelationIDFromContext(c.UserContext())
}

// BindGradingRun records the run a request started or joined. The run id is
// returned in RunIDHeader and picked up by request scoped loggers.
func BindGradingRun(c *fiber.Ctx, examID uint, runID string) {
	if c == nil || runID == "" {
		return
	}
	c.Locals("exam_id", examID)
	c.Locals("run_id", runID)
	c.Set(RunIDHeader, runID)
}

// GradingRun returns the exam and run bound with BindGradingRun.
func GradingRun(c *fiber.Ctx) (uint, string) {
	if c == nil {
		return 0, ""
	}
	examID, _ := c.Locals("exam_id").(uint)
	runID, _ := c.Locals("run_id").(string)
	return examID, runID
}
