package service

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grader/internal/grading"
)

const progressBuffer = 32

type progressSubscriber struct {
	events chan grading.Event
}

// ProgressHub fans grading events out to websocket subscribers per exam. Slow
// subscribers drop events rather than stall a run.
type ProgressHub struct {
	mu     sync.RWMutex
	rooms  map[uint]map[*progressSubscriber]struct{}
	last   map[uint]grading.Event
	logger zerolog.Logger
}

// NewProgressHub constructs an empty hub.
func NewProgressHub(logger zerolog.Logger) *ProgressHub {
	return &ProgressHub{
		rooms:  make(map[uint]map[*progressSubscriber]struct{}),
		last:   make(map[uint]grading.Event),
		logger: logger.With().Str("component", "progress_hub").Logger(),
	}
}

// Subscribe registers a listener for examID. The latest event, if any, is delivered
// first. The returned func unsubscribes and closes the channel.
func (h *ProgressHub) Subscribe(examID uint) (<-chan grading.Event, func()) {
	sub := &progressSubscriber{events: make(chan grading.Event, progressBuffer)}

	h.mu.Lock()
	room, ok := h.rooms[examID]
	if !ok {
		room = make(map[*progressSubscriber]struct{})
		h.rooms[examID] = room
	}
	room[sub] = struct{}{}
	if event, ok := h.last[examID]; ok {
		sub.events <- event
	}
	h.mu.Unlock()

	var once sync.Once
	return sub.events, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if room, ok := h.rooms[examID]; ok {
				delete(room, sub)
				if len(room) == 0 {
					delete(h.rooms, examID)
				}
			}
			close(sub.events)
		})
	}
}

// Publish delivers event to every subscriber of examID without blocking.
func (h *ProgressHub) Publish(examID uint, event grading.Event) {
	h.mu.Lock()
	h.last[examID] = event
	h.mu.Unlock()

	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.rooms[examID] {
		select {
		case sub.events <- event:
		default:
			h.logger.Warn().Uint("exam_id", examID).Str("stage", string(event.Stage)).Msg("dropping progress event for slow subscriber")
		}
	}
}

// Last returns the most recent event published for examID.
func (h *ProgressHub) Last(examID uint) (grading.Event, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	event, ok := h.last[examID]
	return event, ok
}

// Subscribers returns the number of listeners for examID.
func (h *ProgressHub) Subscribers(examID uint) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[examID])
}
