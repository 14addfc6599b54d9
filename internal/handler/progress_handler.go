package handler

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grader/internal/middleware"
	"github.com/noah-isme/gema-grader/internal/service"
)

const progressPingInterval = 30 * time.Second

// ProgressHandler streams grading progress, including rate-limit countdowns, over a
// websocket.
type ProgressHandler struct {
	hub    *service.ProgressHub
	logger zerolog.Logger
}

// NewProgressHandler constructs a progress handler.
func NewProgressHandler(hub *service.ProgressHub, logger zerolog.Logger) *ProgressHandler {
	return &ProgressHandler{
		hub:    hub,
		logger: logger.With().Str("component", "progress_handler").Logger(),
	}
}

// Register mounts the websocket route under the exam group.
func (h *ProgressHandler) Register(router fiber.Router) {
	router.Use("/:id/progress/ws", func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		id, err := parseIDParam(c, "id")
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid exam id")
		}
		c.Locals("exam_id", id)
		c.Locals("correlation_id", middleware.GetCorrelationID(c))
		return c.Next()
	})

	router.Get("/:id/progress/ws", websocket.New(h.handleConnection))
}

func (h *ProgressHandler) handleConnection(conn *websocket.Conn) {
	examID, _ := conn.Locals("exam_id").(uint)
	correlation, _ := conn.Locals("correlation_id").(string)
	logger := h.logger.With().Uint("exam_id", examID).Str("correlation_id", correlation).Logger()

	events, unsubscribe := h.hub.Subscribe(examID)
	defer unsubscribe()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	logger.Info().Msg("progress websocket connected")
	defer logger.Info().Msg("progress websocket disconnected")

	ticker := time.NewTicker(progressPingInterval)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				logger.Debug().Err(err).Msg("progress write loop terminated")
				return
			}
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, []byte("keepalive")); err != nil {
				logger.Debug().Err(err).Msg("progress ping failed")
				return
			}
		case <-closed:
			return
		}
	}
}
