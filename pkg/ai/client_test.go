package ai

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type scriptedBackend struct {
	responses []Response
	errs      []error
	calls     int
	deadlines []time.Duration
	block     bool
}

func (s *scriptedBackend) Name() string { return "scripted" }

func (s *scriptedBackend) Generate(ctx context.Context, req Request) (Response, error) {
	idx := s.calls
	s.calls++
	if deadline, ok := ctx.Deadline(); ok {
		s.deadlines = append(s.deadlines, time.Until(deadline))
	}
	if s.block {
		<-ctx.Done()
		return Response{}, ctx.Err()
	}
	if idx < len(s.errs) && s.errs[idx] != nil {
		return Response{}, s.errs[idx]
	}
	if idx < len(s.responses) {
		return s.responses[idx], nil
	}
	return Response{Text: "{}", Usage: Usage{PromptTokens: 1, CompletionTokens: 1, Reported: true}}, nil
}

func newTestClient(backend Backend, cfg ClientConfig) (*Client, *[]time.Duration) {
	cfg.Logger = zerolog.Nop()
	client := NewClient(backend, cfg)
	slept := []time.Duration{}
	client.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return ctx.Err()
	}
	return client, &slept
}

func TestBackoffPolicyDelay(t *testing.T) {
	policy := DefaultBackoffPolicy()
	require.Equal(t, 60*time.Second, policy.Delay(0))
	require.Equal(t, 120*time.Second, policy.Delay(1))
	require.Equal(t, 240*time.Second, policy.Delay(2))
	require.Equal(t, 300*time.Second, policy.Delay(3))
	require.Equal(t, 300*time.Second, policy.Delay(40))
}

func TestClientRetriesRateLimitWithCountdown(t *testing.T) {
	rateLimited := &UpstreamError{Status: http.StatusTooManyRequests, Body: "slow down"}
	backend := &scriptedBackend{
		errs:      []error{rateLimited, rateLimited},
		responses: []Response{{}, {}, {Text: `{"ok":true}`, Usage: Usage{PromptTokens: 10, CompletionTokens: 5, Reported: true}}},
	}
	client, slept := newTestClient(backend, ClientConfig{
		Backoff: BackoffPolicy{Base: 3 * time.Second, Max: 4 * time.Second, MaxRetries: 3},
	})

	var countdown []time.Duration
	resp, err := client.Call(context.Background(), Request{UserPrompt: "grade"}, func(p Progress) {
		if p.Kind == ProgressRateLimit {
			countdown = append(countdown, p.Remaining)
		}
	})
	require.NoError(t, err)
	require.Equal(t, `{"ok":true}`, resp.Text)
	require.Equal(t, 3, backend.calls)
	require.Equal(t, []time.Duration{3 * time.Second, 2 * time.Second, time.Second, 4 * time.Second, 3 * time.Second, 2 * time.Second, time.Second}, countdown)
	require.Len(t, *slept, 7)
}

func TestClientGivesUpAfterMaxRetries(t *testing.T) {
	rateLimited := &UpstreamError{Status: http.StatusTooManyRequests, Body: "slow down"}
	backend := &scriptedBackend{errs: []error{rateLimited, rateLimited, rateLimited}}
	client, _ := newTestClient(backend, ClientConfig{
		Backoff: BackoffPolicy{Base: time.Second, Max: time.Second, MaxRetries: 2},
	})

	_, err := client.Call(context.Background(), Request{}, nil)
	require.ErrorIs(t, err, ErrRateLimited)
	require.Equal(t, 3, backend.calls)
}

func TestClientDoesNotRetryGatewayTimeout(t *testing.T) {
	backend := &scriptedBackend{errs: []error{&UpstreamError{Status: http.StatusBadGateway, Body: "bad gateway"}}}
	client, slept := newTestClient(backend, ClientConfig{})

	_, err := client.Call(context.Background(), Request{}, nil)
	require.ErrorIs(t, err, ErrUpstreamTimeout)
	require.Equal(t, 1, backend.calls)
	require.Empty(t, *slept)
}

func TestClientReportsOwnTimeoutAsUpstreamTimeout(t *testing.T) {
	backend := &scriptedBackend{block: true}
	client, _ := newTestClient(backend, ClientConfig{TextTimeout: 20 * time.Millisecond, VisionTimeout: time.Second})

	_, err := client.Call(context.Background(), Request{}, nil)
	require.ErrorIs(t, err, ErrUpstreamTimeout)
	require.Equal(t, 1, backend.calls)
}

func TestClientUsesVisionTimeoutForAttachments(t *testing.T) {
	backend := &scriptedBackend{}
	client, _ := newTestClient(backend, ClientConfig{TextTimeout: time.Second, VisionTimeout: time.Minute})

	_, err := client.Call(context.Background(), Request{}, nil)
	require.NoError(t, err)
	_, err = client.Call(context.Background(), Request{Attachments: []Attachment{{URL: "https://example.test/page.png"}}}, nil)
	require.NoError(t, err)

	require.Len(t, backend.deadlines, 2)
	require.LessOrEqual(t, backend.deadlines[0], time.Second)
	require.Greater(t, backend.deadlines[1], 30*time.Second)
}

func TestClientPassesThroughOtherUpstreamErrors(t *testing.T) {
	backend := &scriptedBackend{errs: []error{&UpstreamError{Status: http.StatusUnauthorized, Body: "bad key"}}}
	client, _ := newTestClient(backend, ClientConfig{})

	_, err := client.Call(context.Background(), Request{}, nil)
	var upstream *UpstreamError
	require.True(t, errors.As(err, &upstream))
	require.Equal(t, http.StatusUnauthorized, upstream.Status)
}

func TestClientAcceptsResponseWithoutUsage(t *testing.T) {
	backend := &scriptedBackend{responses: []Response{{Text: "{}"}}}
	client, _ := newTestClient(backend, ClientConfig{})

	resp, err := client.Call(context.Background(), Request{}, nil)
	require.NoError(t, err)
	require.False(t, resp.Usage.Reported)
}

func TestClientStopsCountdownWhenCancelled(t *testing.T) {
	rateLimited := &UpstreamError{Status: http.StatusTooManyRequests}
	backend := &scriptedBackend{errs: []error{rateLimited, rateLimited}}
	client, _ := newTestClient(backend, ClientConfig{Backoff: BackoffPolicy{Base: time.Minute, Max: time.Minute, MaxRetries: 3}})

	ctx, cancel := context.WithCancel(context.Background())
	ticks := 0
	_, err := client.Call(ctx, Request{}, func(p Progress) {
		if p.Kind == ProgressRateLimit {
			ticks++
			if ticks == 2 {
				cancel()
			}
		}
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, backend.calls)
}

func TestNewBackendSelectsProvider(t *testing.T) {
	backend, err := NewBackend(BackendConfig{Provider: "OpenAI", APIKey: "sk-test", Logger: zerolog.Nop()})
	require.NoError(t, err)
	require.Equal(t, "openai", backend.Name())

	backend, err = NewBackend(BackendConfig{Provider: "ollama", OllamaURL: "http://localhost:11434", Model: "llama3.1", Logger: zerolog.Nop()})
	require.NoError(t, err)
	require.Equal(t, "ollama", backend.Name())

	_, err = NewBackend(BackendConfig{Provider: "palm"})
	require.Error(t, err)

	_, err = NewBackend(BackendConfig{Provider: "openai"})
	require.Error(t, err)
}
