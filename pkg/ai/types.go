package ai

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrRateLimited is returned once the provider keeps answering 429 after every retry.
var ErrRateLimited = errors.New("rate limited by model provider")

// ErrUpstreamTimeout covers our own request deadline and gateway timeouts. These are
// not retried: the usual cause is a submission too long or complex to grade in one call.
var ErrUpstreamTimeout = errors.New("model request timed out; the document is probably too long or complex")

// UpstreamError is a non-success HTTP answer from the provider.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("model provider error: %s", e.Body)
	}
	return fmt.Sprintf("model provider returned status %d: %s", e.Status, e.Body)
}

// Attachment is an image sent along with the prompt. Either URL or Data is set.
type Attachment struct {
	URL      string
	MIMEType string
	Data     []byte
}

// Request is a single generation call.
type Request struct {
	SystemPrompt string
	UserPrompt   string
	Attachments  []Attachment
}

// Usage holds token counts used for cost accounting.
type Usage struct {
	PromptTokens     int  `json:"prompt_tokens"`
	CompletionTokens int  `json:"completion_tokens"`
	Reported         bool `json:"reported"`
}

// Response is the generated text plus metadata.
type Response struct {
	Text         string `json:"text"`
	Usage        Usage  `json:"usage"`
	Model        string `json:"model"`
	FinishReason string `json:"finish_reason,omitempty"`
	// Truncated is set when the provider stopped at the output token limit.
	Truncated bool `json:"truncated"`
}

// Backend performs one generation attempt without retries.
type Backend interface {
	Generate(ctx context.Context, req Request) (Response, error)
	Name() string
}

// ProgressKind labels a progress notification.
type ProgressKind string

const (
	ProgressRequest   ProgressKind = "request"
	ProgressRateLimit ProgressKind = "rate_limited"
)

// Progress is reported while a call is in flight, including the per-second
// countdown while waiting out a rate limit.
type Progress struct {
	Kind      ProgressKind  `json:"kind"`
	Attempt   int           `json:"attempt"`
	Remaining time.Duration `json:"remaining"`
	Message   string        `json:"message"`
}

// ProgressFunc receives progress notifications. It may be nil.
type ProgressFunc func(Progress)
