package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// BackoffPolicy controls waiting on rate limits: attempt n waits Base·2^n, capped at Max.
type BackoffPolicy struct {
	Base       time.Duration
	Max        time.Duration
	MaxRetries int
}

// DefaultBackoffPolicy waits 60s, 120s, 240s before giving up.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{Base: 60 * time.Second, Max: 300 * time.Second, MaxRetries: 3}
}

// Delay returns the wait before retry number attempt (zero based).
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		return p.Max
	}
	delay := p.Base * time.Duration(1<<uint(attempt))
	if delay > p.Max || delay <= 0 {
		return p.Max
	}
	return delay
}

// ClientConfig configures timeouts and the rate-limit policy.
type ClientConfig struct {
	// TextTimeout bounds a text-only attempt. It sits below the gateway's own limit
	// so an expiry here is distinguishable from a 504.
	TextTimeout time.Duration
	// VisionTimeout bounds attempts that carry attachments.
	VisionTimeout time.Duration
	Backoff       BackoffPolicy
	Logger        zerolog.Logger
}

// Client wraps a Backend with per-attempt timeouts and rate-limit backoff.
type Client struct {
	backend Backend
	cfg     ClientConfig
	logger  zerolog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewClient builds a client around backend.
func NewClient(backend Backend, cfg ClientConfig) *Client {
	if cfg.TextTimeout <= 0 {
		cfg.TextTimeout = 28 * time.Second
	}
	if cfg.VisionTimeout <= 0 {
		cfg.VisionTimeout = 48 * time.Second
	}
	if cfg.Backoff.Base <= 0 || cfg.Backoff.Max <= 0 {
		retries := cfg.Backoff.MaxRetries
		cfg.Backoff = DefaultBackoffPolicy()
		if retries > 0 {
			cfg.Backoff.MaxRetries = retries
		}
	}

	return &Client{
		backend: backend,
		cfg:     cfg,
		logger:  cfg.Logger.With().Str("component", "grading_client").Str("backend", backend.Name()).Logger(),
		sleep:   sleepContext,
	}
}

// Call sends req, retrying only on rate limits.
func (c *Client) Call(ctx context.Context, req Request, progress ProgressFunc) (Response, error) {
	if progress == nil {
		progress = func(Progress) {}
	}

	for attempt := 0; ; attempt++ {
		progress(Progress{Kind: ProgressRequest, Attempt: attempt + 1, Message: "waiting for model response"})

		resp, err := c.attempt(ctx, req)
		if err == nil {
			if !resp.Usage.Reported {
				c.logger.Warn().Str("model", resp.Model).Msg("model response carried no token usage; cost will be under-reported")
			}
			if resp.Truncated {
				c.logger.Warn().Str("model", resp.Model).Msg("model stopped at the output token limit")
			}
			return resp, nil
		}

		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}

		var upstream *UpstreamError
		switch {
		case errors.Is(err, ErrUpstreamTimeout):
			return Response{}, err
		case errors.As(err, &upstream) && isGatewayTimeout(upstream.Status):
			c.logger.Warn().Int("status", upstream.Status).Msg("gateway timeout from model provider")
			return Response{}, fmt.Errorf("%w (status %d)", ErrUpstreamTimeout, upstream.Status)
		case errors.As(err, &upstream) && upstream.Status == http.StatusTooManyRequests:
			if attempt >= c.cfg.Backoff.MaxRetries {
				c.logger.Error().Int("attempts", attempt+1).Msg("rate limit retries exhausted")
				return Response{}, fmt.Errorf("%w after %d attempts: %s", ErrRateLimited, attempt+1, upstream.Body)
			}
			delay := c.cfg.Backoff.Delay(attempt)
			c.logger.Warn().Int("attempt", attempt+1).Dur("backoff", delay).Msg("rate limited, backing off")
			if err := c.countdown(ctx, delay, attempt+1, progress); err != nil {
				return Response{}, err
			}
		default:
			return Response{}, err
		}
	}
}

func (c *Client) attempt(ctx context.Context, req Request) (Response, error) {
	timeout := c.cfg.TextTimeout
	if len(req.Attachments) > 0 {
		timeout = c.cfg.VisionTimeout
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := c.backend.Generate(attemptCtx, req)
	if err != nil {
		if ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			c.logger.Warn().Dur("timeout", timeout).Msg("model request exceeded client timeout")
			return Response{}, fmt.Errorf("%w (no answer within %s)", ErrUpstreamTimeout, timeout)
		}
		return Response{}, err
	}
	return resp, nil
}

func (c *Client) countdown(ctx context.Context, delay time.Duration, attempt int, progress ProgressFunc) error {
	for remaining := delay; remaining > 0; remaining -= time.Second {
		progress(Progress{
			Kind:      ProgressRateLimit,
			Attempt:   attempt,
			Remaining: remaining,
			Message:   fmt.Sprintf("rate limited, retrying in %ds", int(remaining.Round(time.Second)/time.Second)),
		})
		step := time.Second
		if remaining < step {
			step = remaining
		}
		if err := c.sleep(ctx, step); err != nil {
			return err
		}
	}
	return nil
}

func isGatewayTimeout(status int) bool {
	return status == http.StatusBadGateway || status == http.StatusGatewayTimeout
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
