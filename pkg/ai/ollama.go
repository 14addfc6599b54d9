package ai

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/schema"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var statusInMessage = regexp.MustCompile(`\b(4\d\d|5\d\d)\b`)

// OllamaConfig configures a locally hosted model.
type OllamaConfig struct {
	ServerURL   string
	Model       string
	MaxTokens   int
	Temperature float64
	Logger      zerolog.Logger
	HTTPClient  *http.Client
}

// OllamaBackend implements Backend with langchaingo's ollama driver.
type OllamaBackend struct {
	llm    *ollama.LLM
	cfg    OllamaConfig
	tracer trace.Tracer
	logger zerolog.Logger
}

// NewOllamaBackend connects to an ollama server.
func NewOllamaBackend(cfg OllamaConfig) (*OllamaBackend, error) {
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("ollama server url is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("ollama model is required")
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 4096
	}
	if cfg.HTTPClient == nil {
		// Per-attempt deadlines come from the caller's context.
		cfg.HTTPClient = &http.Client{}
	}
	httpClient := *cfg.HTTPClient
	base := httpClient.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	httpClient.Transport = statusTransport{base: base}

	llm, err := ollama.New(
		ollama.WithServerURL(cfg.ServerURL),
		ollama.WithModel(cfg.Model),
		ollama.WithHTTPClient(&httpClient),
		ollama.WithFormat("json"),
	)
	if err != nil {
		return nil, fmt.Errorf("create ollama client: %w", err)
	}

	return &OllamaBackend{
		llm:    llm,
		cfg:    cfg,
		tracer: otel.Tracer("github.com/noah-isme/gema-grader/pkg/ai/ollama"),
		logger: cfg.Logger.With().Str("component", "ollama_backend").Logger(),
	}, nil
}

// Name identifies the backend in logs and metrics.
func (b *OllamaBackend) Name() string {
	return "ollama"
}

// Generate sends one chat request to the ollama server.
func (b *OllamaBackend) Generate(parent context.Context, req Request) (Response, error) {
	ctx, span := b.tracer.Start(parent, "ollama.generate", trace.WithAttributes(
		attribute.String("model", b.cfg.Model),
		attribute.Int("attachments", len(req.Attachments)),
	))
	defer span.End()

	user := []llms.ContentPart{llms.TextContent{Text: req.UserPrompt}}
	for _, att := range req.Attachments {
		if len(att.Data) == 0 {
			b.logger.Warn().Str("url", att.URL).Msg("ollama accepts inline images only; attachment skipped")
			continue
		}
		user = append(user, llms.BinaryPart(att.MIMEType, att.Data))
	}

	messages := []llms.MessageContent{
		llms.TextParts(schema.ChatMessageTypeSystem, req.SystemPrompt),
		{Role: schema.ChatMessageTypeHuman, Parts: user},
	}

	status := new(int)
	ctx = context.WithValue(ctx, statusKey{}, status)

	start := time.Now()
	resp, err := b.llm.GenerateContent(ctx, messages,
		llms.WithMaxTokens(b.cfg.MaxTokens),
		llms.WithTemperature(b.cfg.Temperature),
	)
	aiDuration.WithLabelValues(b.Name(), b.cfg.Model).Observe(time.Since(start).Seconds())
	if err != nil {
		aiFailures.WithLabelValues(b.Name(), b.cfg.Model).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if ctx.Err() != nil {
			return Response{}, fmt.Errorf("ollama generate: %w", ctx.Err())
		}
		code := *status
		if code < http.StatusBadRequest {
			code = statusFromMessage(err.Error())
		}
		return Response{}, &UpstreamError{Status: code, Body: err.Error()}
	}

	if len(resp.Choices) == 0 {
		aiFailures.WithLabelValues(b.Name(), b.cfg.Model).Inc()
		return Response{}, &UpstreamError{Status: http.StatusOK, Body: "no choices returned"}
	}

	choice := resp.Choices[0]
	prompt, promptOK := intInfo(choice.GenerationInfo, "PromptTokens")
	completion, completionOK := intInfo(choice.GenerationInfo, "CompletionTokens")

	// The driver drops done_reason; a generation that used the whole num_predict
	// budget stopped on length.
	finish := choice.StopReason
	if finish == "" && completionOK && completion >= b.cfg.MaxTokens {
		finish = "length"
	}

	out := Response{
		Text:         strings.TrimSpace(choice.Content),
		Model:        b.cfg.Model,
		FinishReason: finish,
		Truncated:    finish == "length",
		Usage: Usage{
			PromptTokens:     prompt,
			CompletionTokens: completion,
			Reported:         promptOK || completionOK,
		},
	}

	aiTokens.WithLabelValues(b.Name(), b.cfg.Model, "prompt").Add(float64(prompt))
	aiTokens.WithLabelValues(b.Name(), b.cfg.Model, "completion").Add(float64(completion))
	return out, nil
}

type statusKey struct{}

// statusTransport records the HTTP status of the last response in the request
// context, since the driver does not surface it for error bodies.
type statusTransport struct {
	base http.RoundTripper
}

func (t statusTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(r)
	if err == nil {
		if status, ok := r.Context().Value(statusKey{}).(*int); ok {
			*status = resp.StatusCode
		}
	}
	return resp, err
}

func intInfo(info map[string]any, key string) (int, bool) {
	switch v := info[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

// statusFromMessage recovers an HTTP status from a driver error message. The
// driver does not export its status error type.
func statusFromMessage(msg string) int {
	if strings.Contains(strings.ToLower(msg), "too many requests") {
		return http.StatusTooManyRequests
	}
	if m := statusInMessage.FindString(msg); m != "" {
		status, _ := strconv.Atoi(m)
		return status
	}
	return 0
}
