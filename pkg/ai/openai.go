package ai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	aiDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "grader",
		Subsystem: "ai",
		Name:      "request_duration_seconds",
		Help:      "Duration of model generation requests",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 30, 45, 60},
	}, []string{"backend", "model"})

	aiFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "grader",
		Subsystem: "ai",
		Name:      "request_failures_total",
		Help:      "Number of failed model generation requests",
	}, []string{"backend", "model"})

	aiTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "grader",
		Subsystem: "ai",
		Name:      "tokens_total",
		Help:      "Tokens consumed by model generation requests",
	}, []string{"backend", "model", "class"})
)

// OpenAIConfig defines configuration options for the OpenAI backend.
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float32
	Logger      zerolog.Logger
	HTTPClient  *http.Client
}

// OpenAIBackend implements Backend against the chat completion API.
type OpenAIBackend struct {
	client *openai.Client
	cfg    OpenAIConfig
	tracer trace.Tracer
	logger zerolog.Logger
}

// NewOpenAIBackend builds a backend using the provided configuration.
func NewOpenAIBackend(cfg OpenAIConfig) (*OpenAIBackend, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai api key is required")
	}

	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}

	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 4096
	}

	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.HTTPClient != nil {
		config.HTTPClient = cfg.HTTPClient
	}

	return &OpenAIBackend{
		client: openai.NewClientWithConfig(config),
		cfg:    cfg,
		tracer: otel.Tracer("github.com/noah-isme/gema-grader/pkg/ai/openai"),
		logger: cfg.Logger.With().Str("component", "openai_backend").Logger(),
	}, nil
}

// Name identifies the backend in logs and metrics.
func (b *OpenAIBackend) Name() string {
	return "openai"
}

// Generate sends one chat completion request.
func (b *OpenAIBackend) Generate(parent context.Context, req Request) (Response, error) {
	ctx, span := b.tracer.Start(parent, "openai.generate", trace.WithAttributes(
		attribute.String("model", b.cfg.Model),
		attribute.Int("attachments", len(req.Attachments)),
	))
	defer span.End()

	request := openai.ChatCompletionRequest{
		Model:       b.cfg.Model,
		MaxTokens:   b.cfg.MaxTokens,
		Temperature: b.cfg.Temperature,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: req.SystemPrompt,
			},
			userMessage(req),
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	}

	start := time.Now()
	resp, err := b.client.CreateChatCompletion(ctx, request)
	aiDuration.WithLabelValues(b.Name(), b.cfg.Model).Observe(time.Since(start).Seconds())
	if err != nil {
		aiFailures.WithLabelValues(b.Name(), b.cfg.Model).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Response{}, mapOpenAIError(err)
	}

	if len(resp.Choices) == 0 {
		err := &UpstreamError{Status: http.StatusOK, Body: "no choices returned"}
		aiFailures.WithLabelValues(b.Name(), b.cfg.Model).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Response{}, err
	}

	choice := resp.Choices[0]
	out := Response{
		Text:         strings.TrimSpace(choice.Message.Content),
		Model:        resp.Model,
		FinishReason: string(choice.FinishReason),
		Truncated:    choice.FinishReason == openai.FinishReasonLength,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			Reported:         resp.Usage.TotalTokens > 0 || resp.Usage.PromptTokens > 0,
		},
	}
	if out.Model == "" {
		out.Model = b.cfg.Model
	}

	aiTokens.WithLabelValues(b.Name(), b.cfg.Model, "prompt").Add(float64(out.Usage.PromptTokens))
	aiTokens.WithLabelValues(b.Name(), b.cfg.Model, "completion").Add(float64(out.Usage.CompletionTokens))
	span.SetAttributes(
		attribute.Int("usage.prompt_tokens", out.Usage.PromptTokens),
		attribute.Int("usage.completion_tokens", out.Usage.CompletionTokens),
		attribute.String("finish_reason", out.FinishReason),
	)

	return out, nil
}

func userMessage(req Request) openai.ChatCompletionMessage {
	if len(req.Attachments) == 0 {
		return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.UserPrompt}
	}

	parts := []openai.ChatMessagePart{{Type: openai.ChatMessagePartTypeText, Text: req.UserPrompt}}
	for _, att := range req.Attachments {
		parts = append(parts, openai.ChatMessagePart{
			Type:     openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{URL: attachmentURL(att), Detail: openai.ImageURLDetailAuto},
		})
	}
	return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, MultiContent: parts}
}

func attachmentURL(att Attachment) string {
	if len(att.Data) == 0 {
		return att.URL
	}
	mimeType := att.MIMEType
	if mimeType == "" {
		mimeType = "image/png"
	}
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(att.Data)
}

func mapOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &UpstreamError{Status: apiErr.HTTPStatusCode, Body: apiErr.Message}
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		body := reqErr.Error()
		if reqErr.Err != nil {
			body = reqErr.Err.Error()
		}
		return &UpstreamError{Status: reqErr.HTTPStatusCode, Body: body}
	}

	return fmt.Errorf("openai generate: %w", err)
}
