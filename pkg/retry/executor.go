package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"syscall"
	"time"
)

// StatusError reports a transport-level status code returned by a remote call.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("unexpected status code %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("unexpected status code %d", e.StatusCode)
}

// StatusChecker decides whether a transport status code is worth retrying.
type StatusChecker func(statusCode int) bool

// ExhaustedError is returned once the retry budget is spent.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Executor runs operations with exponential backoff, retrying only failures
// classified as transient. Anything else is returned on the spot.
type Executor struct {
	cfg       Config
	retryable map[int]struct{}
	onRetry   func(attempt int, err error, delay time.Duration)
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates an executor from cfg.
func NewExecutor(cfg Config) *Executor {
	if cfg.BackoffFactor < 1 {
		cfg.BackoffFactor = 1
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	codes := make(map[int]struct{}, len(cfg.RetryableStatusCodes))
	for _, code := range cfg.RetryableStatusCodes {
		codes[code] = struct{}{}
	}
	return &Executor{
		cfg:       cfg,
		retryable: codes,
		sleep:     sleepContext,
	}
}

// OnRetry registers a hook called before every backoff sleep.
func (e *Executor) OnRetry(fn func(attempt int, err error, delay time.Duration)) {
	e.onRetry = fn
}

// Config returns the executor configuration.
func (e *Executor) Config() Config {
	return e.cfg
}

// WithMaxRetries returns a copy of the executor using a different retry budget.
func (e *Executor) WithMaxRetries(maxRetries int) *Executor {
	clone := *e
	if maxRetries < 0 {
		maxRetries = 0
	}
	clone.cfg.MaxRetries = maxRetries
	return &clone
}

// IsRetryableStatus reports whether statusCode is in the configured retry set.
func (e *Executor) IsRetryableStatus(statusCode int) bool {
	_, ok := e.retryable[statusCode]
	return ok
}

// Backoff returns the delay before retry number attempt (0-based).
func (e *Executor) Backoff(attempt int) time.Duration {
	d := float64(e.cfg.InitialDelay) * math.Pow(e.cfg.BackoffFactor, float64(attempt))
	if e.cfg.MaxDelay > 0 && d > float64(e.cfg.MaxDelay) {
		return e.cfg.MaxDelay
	}
	return time.Duration(d)
}

// Execute runs fn under the executor's retry policy.
func (e *Executor) Execute(ctx context.Context, fn func(ctx context.Context) error, statusChecker StatusChecker) error {
	_, err := ExecuteWithRetry(ctx, e, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	}, statusChecker)
	return err
}

// ExecuteWithRetry runs op, retrying transient failures with exponential
// backoff. A nil statusChecker falls back to the configured status codes.
func ExecuteWithRetry[T any](ctx context.Context, e *Executor, op func(ctx context.Context) (T, error), statusChecker StatusChecker) (T, error) {
	if statusChecker == nil {
		statusChecker = e.IsRetryableStatus
	}

	var zero T
	var lastErr error
	attempts := 0

	for retry := 0; retry <= e.cfg.MaxRetries; retry++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, &ExhaustedError{Attempts: attempts, Err: lastErr}
			}
			return zero, err
		}

		attempts++
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !IsRetryable(ctx, err, statusChecker) {
			return zero, err
		}
		if retry == e.cfg.MaxRetries {
			break
		}

		delay := e.Backoff(retry)
		if e.onRetry != nil {
			e.onRetry(attempts, err, delay)
		}
		if err := e.sleep(ctx, delay); err != nil {
			return zero, &ExhaustedError{Attempts: attempts, Err: lastErr}
		}
	}

	return zero, &ExhaustedError{Attempts: attempts, Err: lastErr}
}

// IsRetryable classifies err as transient. Timeouts, connection failures,
// truncated reads and status codes accepted by statusChecker qualify.
func IsRetryable(ctx context.Context, err error, statusChecker StatusChecker) bool {
	if err == nil {
		return false
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusChecker != nil && statusChecker(statusErr.StatusCode)
	}

	// A deadline on the caller's own context is final; a per-attempt one is not.
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ctx.Err() == nil
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	return errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
