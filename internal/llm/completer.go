// Package llm provides text-completion clients for patch adaptation.
//
// The engine needs nothing more from a provider than "one prompt in,
// one text blob out"; everything else (JSON shape, diff validity) is
// enforced by the adapt package on the way back.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/grimoire/internal/config"
)

// Completer accepts a single prompt and returns raw text. Transport
// failures and provider errors are returned as errors; interpreting the
// text is the caller's job.
type Completer interface {
	// Complete generates a completion for the prompt, bounded by ctx.
	Complete(ctx context.Context, prompt string) (string, error)
}

// Default configuration values.
const (
	defaultAnthropicBaseURL = "https://api.anthropic.com"
	defaultAnthropicModel   = "claude-3-5-sonnet-20241022"
	defaultOpenAIBaseURL    = "https://api.openai.com"
	defaultOpenAIModel      = "gpt-4o-mini"
	defaultMaxTokens        = 4096
	defaultTemperature      = 0.3
	defaultTimeout          = 30 * time.Second
	defaultMaxRetries       = 3
	defaultBaseBackoff      = 1 * time.Second
)

// Rate limiter defaults: 50 requests per minute for both APIs.
const (
	defaultRateLimit = 50.0 / 60.0
	defaultBurst     = 5
)

// NewCompleter builds a Completer from config. Provider "mock" (or an
// unset API key with the mock default) selects the canned-response
// completer used in tests and local development.
func NewCompleter(cfg config.LLMConfig) (Completer, error) {
	switch strings.ToLower(cfg.Provider) {
	case "anthropic":
		return newAnthropicCompleter(cfg)
	case "openai":
		return newOpenAICompleter(cfg)
	case "mock", "":
		return NewMockCompleter(), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

// retryableError marks transient failures worth retrying with backoff.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

func isRetryableError(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}

// withRetries runs fn with exponential backoff on retryable errors,
// respecting context cancellation between attempts.
func withRetries(ctx context.Context, maxRetries int, fn func() (string, error)) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := defaultBaseBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		response, err := fn()
		if err == nil {
			return response, nil
		}

		lastErr = err
		if !isRetryableError(err) {
			return "", err
		}
	}
	return "", fmt.Errorf("max retries exceeded: %w", lastErr)
}
