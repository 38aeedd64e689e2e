// Package provider defines the LLM provider adapter contract (an external
// collaborator per the spec, named only by interface) plus the retry
// wrapper every concrete adapter is expected to apply internally, and a
// MockAdapter for tests. The retry logic generalizes the teacher's generic
// utils.Retry[T any] / IsTemporaryError helpers (utils/retry.go).
package provider

import (
	"context"
	"errors"
	"net"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/nightfall-run/nightfall/internal/config"
)

// Chunk is one piece of a streamed completion.
type Chunk struct {
	Text string
	Done bool
}

// Usage reports token accounting for a completed request, when the
// underlying provider exposes it.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Message is one turn in a chat history handed to Complete.
type Message struct {
	Role    string // "system" | "user" | "assistant"
	Content string
}

// Adapter is the seam every concrete LLM backend implements. Nightfall's
// own code never depends on a specific backend, only on this interface.
type Adapter interface {
	// Complete streams a chat completion; cancel aborts it immediately.
	Complete(ctx context.Context, messages []Message, cancel <-chan struct{}) (<-chan Chunk, error)
	// IsAvailable reports whether the backend is currently reachable.
	IsAvailable(ctx context.Context) bool
	// EnsureModelReady blocks until model is pulled/loaded, or returns an error.
	EnsureModelReady(ctx context.Context, model string) error
	// GetLastUsage returns token accounting for the most recent Complete
	// call, or nil if the backend doesn't expose it.
	GetLastUsage() *Usage
}

// APIError is a typed HTTP-style error a concrete adapter can wrap
// transport errors in so IsTemporaryError can classify them, mirroring the
// teacher's utils.APIError.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string { return e.Message }

// IsTemporaryError reports whether err is worth retrying: network timeouts,
// connection resets/refusals, DNS lookup failures, and APIErrors carrying
// HTTP 429 or 5xx, per spec §6.
func IsTemporaryError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ETIMEDOUT) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	if u := errors.Unwrap(err); u != nil {
		return IsTemporaryError(u)
	}
	return false
}

// Retry runs fn up to maxAttempts times, doubling initialBackoff after each
// temporary failure and capping it at config.RetryBackoffCap (16s). It stops
// early on a permanent error or on ctx cancellation.
func Retry[T any](ctx context.Context, logger *zap.Logger, maxAttempts int, initialBackoff time.Duration, fn func() (T, error)) (T, error) {
	var zero T
	backoff := initialBackoff
	const backoffCap = config.RetryBackoffCap

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !IsTemporaryError(err) {
			return zero, err
		}
		if attempt == maxAttempts {
			break
		}

		if logger != nil {
			logger.Warn("provider: retrying after transient error",
				zap.Int("attempt", attempt), zap.Duration("backoff", backoff), zap.Error(err))
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}

		backoff *= 2
		if backoff > backoffCap {
			backoff = backoffCap
		}
	}
	return zero, lastErr
}
