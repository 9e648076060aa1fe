package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"ouroboros/internal/logging"
)

// APIError is a non-2xx provider response.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	body := e.Body
	if len(body) > 500 {
		body = body[:500] + "..."
	}
	return fmt.Sprintf("%s: HTTP %d: %s", e.Provider, e.StatusCode, body)
}

// Transient reports whether retrying may help.
func (e *APIError) Transient() bool {
	switch {
	case e.StatusCode == http.StatusTooManyRequests,
		e.StatusCode == http.StatusRequestTimeout,
		e.StatusCode >= 500:
		return true
	}
	return false
}

// IsTransient classifies err as a retryable external failure.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Transient()
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF)
}

// RetryPolicy bounds retries of transient failures.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy is three attempts with 1s, 2s backoff.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second}

// Retry runs fn until it succeeds, returns a non-transient error, the
// attempts run out, or ctx is done. Backoff sleeps are cancellable.
func Retry(ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) error) error {
	attempts := policy.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := policy.BaseDelay

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !IsTransient(err) || attempt == attempts {
			break
		}
		logging.APIWarn("transient failure (attempt %d/%d), retrying in %v: %v", attempt, attempts, delay, err)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		delay *= 2
		if policy.MaxDelay > 0 && delay > policy.MaxDelay {
			delay = policy.MaxDelay
		}
	}
	return err
}
