package router

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-grader/internal/config"
	"github.com/noah-isme/gema-grader/internal/handler"
	"github.com/noah-isme/gema-grader/internal/middleware"
	"github.com/noah-isme/gema-grader/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	ExamHandler     *handler.ExamHandler
	GradingHandler  *handler.GradingHandler
	ProgressHandler *handler.ProgressHandler
	GradeRateLimit  fiber.Handler
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	app.Get("/metrics", observability.MetricsHandler())

	// Common v1 group for health & headers
	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg))

	exams := api.Group("/exams")

	gradeLimit := deps.GradeRateLimit
	if gradeLimit == nil {
		gradeLimit = middleware.RateLimit("grade", 6, time.Minute)
	}
	exams.Post("/:id/grade", gradeLimit)

	if deps.ProgressHandler != nil {
		deps.ProgressHandler.Register(exams)
	}
	if deps.ExamHandler != nil {
		deps.ExamHandler.Register(exams)
	}
	if deps.GradingHandler != nil {
		deps.GradingHandler.Register(exams)
	}
}
