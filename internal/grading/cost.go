package grading

import (
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grader/pkg/ai"
)

// PriceTable holds USD prices per million tokens.
type PriceTable struct {
	PromptPerMillion     float64 `json:"prompt_per_million"`
	CompletionPerMillion float64 `json:"completion_per_million"`
}

// DefaultPriceTable matches gpt-4o-mini list prices.
func DefaultPriceTable() PriceTable {
	return PriceTable{PromptPerMillion: 0.15, CompletionPerMillion: 0.60}
}

// Cost prices one call.
func (p PriceTable) Cost(u ai.Usage) float64 {
	return float64(u.PromptTokens)*p.PromptPerMillion/1e6 + float64(u.CompletionTokens)*p.CompletionPerMillion/1e6
}

// CostTracker accumulates token usage over a run. Owned by a single orchestrator.
type CostTracker struct {
	prices           PriceTable
	promptTokens     int
	completionTokens int
	total            float64
	unreported       int
}

// NewCostTracker starts an empty tracker.
func NewCostTracker(prices PriceTable) *CostTracker {
	return &CostTracker{prices: prices}
}

// Add records a call and returns its cost.
func (c *CostTracker) Add(u ai.Usage) float64 {
	if !u.Reported {
		c.unreported++
	}
	cost := c.prices.Cost(u)
	c.promptTokens += u.PromptTokens
	c.completionTokens += u.CompletionTokens
	c.total += cost
	return cost
}

// Total returns the accumulated cost in USD.
func (c *CostTracker) Total() float64 {
	return c.total
}

// Tokens returns the accumulated prompt and completion tokens.
func (c *CostTracker) Tokens() (prompt, completion int) {
	return c.promptTokens, c.completionTokens
}

// Unreported counts calls that came back without usage.
func (c *CostTracker) Unreported() int {
	return c.unreported
}

// RunContext is the state of one grading run: its id, running cost and log sink.
type RunContext struct {
	RunID  uuid.UUID
	Cost   *CostTracker
	Logger zerolog.Logger
}

// NewRunContext starts a run with a fresh id.
func NewRunContext(prices PriceTable, logger zerolog.Logger) *RunContext {
	id := uuid.New()
	return &RunContext{
		RunID:  id,
		Cost:   NewCostTracker(prices),
		Logger: logger.With().Str("run_id", id.String()).Logger(),
	}
}
