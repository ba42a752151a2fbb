package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
	"unicode/utf8"
)

// MaxRetries is the default number of attempts after the first call.
const MaxRetries = 3

// RetryableError indicates a transient provider failure that can be retried.
type RetryableError struct {
	StatusCode int
	Message    string
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("retryable error (status %d): %s", e.StatusCode, Truncate(e.Message, 200))
}

// IsRetryable checks if an error is worth retrying. Provider rate limits,
// server errors and per-call timeouts qualify; caller cancellation does not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var retryErr *RetryableError
	if errors.As(err, &retryErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// Backoff returns a duration for attempt n (0-indexed) with jitter.
func Backoff(attempt int) time.Duration {
	base := time.Duration(1<<uint(attempt)) * time.Second
	if base > 30*time.Second {
		base = 30 * time.Second
	}
	jitter := time.Duration(rand.Int64N(int64(base) / 2))
	return base + jitter
}

// Policy controls Do. The zero value retries MaxRetries times with Backoff.
type Policy struct {
	Retries int
	Backoff func(attempt int) time.Duration
}

// Do calls fn until it succeeds, returns a non-retryable error, or runs out of
// retries. It stops early when ctx is done and returns the last error.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	retries := p.Retries
	if retries <= 0 {
		retries = MaxRetries
	}
	backoff := p.Backoff
	if backoff == nil {
		backoff = Backoff
	}

	var err error
	for attempt := 0; ; attempt++ {
		err = fn(ctx)
		if err == nil || !IsRetryable(err) || attempt >= retries {
			return err
		}
		// A parent deadline is not a per-call timeout; retrying cannot help.
		if ctx.Err() != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(backoff(attempt)):
		}
	}
}

// Do retries fn with the default policy.
func Do(ctx context.Context, fn func(ctx context.Context) error) error {
	return Policy{}.Do(ctx, fn)
}

// Truncate shortens s to n runes, appending "..." when cut.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}
