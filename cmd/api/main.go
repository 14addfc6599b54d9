package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grader/internal/config"
	"github.com/noah-isme/gema-grader/internal/database"
	"github.com/noah-isme/gema-grader/internal/extract"
	"github.com/noah-isme/gema-grader/internal/grading"
	"github.com/noah-isme/gema-grader/internal/handler"
	"github.com/noah-isme/gema-grader/internal/middleware"
	"github.com/noah-isme/gema-grader/internal/repository"
	"github.com/noah-isme/gema-grader/internal/router"
	"github.com/noah-isme/gema-grader/internal/service"
	"github.com/noah-isme/gema-grader/pkg/ai"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", cfg.AppName).Logger()

	db, err := database.ConnectPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}

	if err := database.Migrate(db); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}

	redisClient, err := database.ConnectRedis(cfg.RedisURL, logger)
	if err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	natsConn, err := database.ConnectNATS(cfg.NATSURL, cfg.AppName, logger)
	if err != nil {
		log.Fatalf("failed to connect to nats: %v", err)
	}
	if natsConn != nil {
		defer natsConn.Drain()
	}

	backend, err := ai.NewBackend(ai.BackendConfig{
		Provider:    cfg.AIProvider,
		APIKey:      cfg.OpenAIAPIKey,
		BaseURL:     cfg.AIBaseURL,
		Model:       cfg.AIModel,
		MaxTokens:   cfg.AIMaxTokens,
		Temperature: cfg.AITemperature,
		OllamaURL:   cfg.OllamaServerURL,
		Logger:      logger,
	})
	if err != nil {
		log.Fatalf("failed to create ai backend: %v", err)
	}
	aiClient := ai.NewClient(backend, ai.ClientConfig{
		TextTimeout:   cfg.GradingTextTimeout,
		VisionTimeout: cfg.GradingVisionTimeout,
		Backoff: ai.BackoffPolicy{
			Base:       cfg.GradingBackoffBase,
			Max:        cfg.GradingBackoffMax,
			MaxRetries: cfg.GradingMaxRetries,
		},
		Logger: logger,
	})

	validate := validator.New(validator.WithRequiredStructEnabled())

	examRepo := repository.NewExamRepository(db)
	recordRepo := repository.NewGradingRecordRepository(db)

	hub := service.NewProgressHub(logger)
	publisher := service.NewResultPublisher(natsConn, cfg.NATSSubject, logger)
	rubricService := service.NewRubricService(examRepo, redisClient, cfg.RubricCacheTTL, logger)
	examService := service.NewExamService(examRepo, rubricService, validate, logger)
	gradingService := service.NewGradingService(
		examRepo,
		recordRepo,
		rubricService,
		aiClient,
		extract.NewExtractor(cfg.MaxSubmissionBytes, logger),
		hub,
		publisher,
		validate,
		service.GradingServiceConfig{
			Cooldown: cfg.GradingCooldown,
			Prices: grading.PriceTable{
				PromptPerMillion:     cfg.PricePromptPerMillion,
				CompletionPerMillion: cfg.PriceCompletionPerMillion,
			},
		},
		logger,
	)

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
		BodyLimit:    int(cfg.MaxSubmissionBytes) * 20,
	})

	middleware.Register(app, middleware.Config{Logger: &logger})
	router.Register(app, cfg, router.Dependencies{
		ExamHandler:     handler.NewExamHandler(examService, logger),
		GradingHandler:  handler.NewGradingHandler(gradingService, logger),
		ProgressHandler: handler.NewProgressHandler(hub, logger),
	})

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	waitForShutdown(app)

	logger.Info().Msg("waiting for grading runs to finish")
	gradingService.Wait()
}

func waitForShutdown(app *fiber.App) {
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-shutdownCtx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}

	log.Println("server stopped")
}
