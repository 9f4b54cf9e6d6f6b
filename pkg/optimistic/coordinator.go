// Package optimistic retries version-checked writes that lose a race with a
// concurrent writer. Retry budgets and delays adapt to the conflict rate seen
// by the process; the counters are advisory and never affect correctness.
package optimistic

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrVersionConflict signals that a conditional write found a newer version.
var ErrVersionConflict = errors.New("optimistic lock version conflict")

// ExhaustedError wraps the last conflict once the retry budget is spent.
type ExhaustedError struct {
	Label    string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: optimistic lock retries exhausted after %d attempts: %v", e.Label, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Config tunes the adaptive policy.
type Config struct {
	BaseAttempts     int
	ElevatedAttempts int
	DegradedAttempts int

	// ElevatedConflictThreshold raises the budget to ElevatedAttempts.
	ElevatedConflictThreshold int64
	// DegradedSuccessRate raises the budget to DegradedAttempts.
	DegradedSuccessRate float64

	// ReduceConflictThreshold and ReduceSuccessRate drive ShouldReduceConcurrency.
	ReduceConflictThreshold int64
	ReduceSuccessRate       float64

	BaseDelay time.Duration
	MaxDelay  time.Duration
	JitterMin float64
	JitterMax float64

	// Window is the number of recent operations behind the rolling success rate.
	Window int
}

// DefaultConfig returns the standard policy: 4 attempts, 6 under heavy
// conflict, 8 when fewer than 60% of recent operations succeed.
func DefaultConfig() Config {
	return Config{
		BaseAttempts:              4,
		ElevatedAttempts:          6,
		DegradedAttempts:          8,
		ElevatedConflictThreshold: 50,
		DegradedSuccessRate:       0.6,
		ReduceConflictThreshold:   100,
		ReduceSuccessRate:         0.4,
		BaseDelay:                 200 * time.Millisecond,
		MaxDelay:                  2 * time.Second,
		JitterMin:                 0.2,
		JitterMax:                 0.6,
		Window:                    100,
	}
}

// Stats is a snapshot of the coordinator counters.
type Stats struct {
	Conflicts          int64   `json:"conflicts"`
	Operations         int64   `json:"operations"`
	Succeeded          int64   `json:"succeeded"`
	Exhausted          int64   `json:"exhausted"`
	RefreshFailures    int64   `json:"refresh_failures"`
	RollingSuccessRate float64 `json:"rolling_success_rate"`
	CurrentBudget      int     `json:"current_budget"`
	ReduceConcurrency  bool    `json:"reduce_concurrency"`
	RecommendedWorkers int     `json:"recommended_concurrency"`
}

// Coordinator runs operations under optimistic-lock retry.
type Coordinator struct {
	cfg    Config
	logger zerolog.Logger

	mu              sync.Mutex
	conflicts       int64
	operations      int64
	succeeded       int64
	exhausted       int64
	refreshFailures int64
	window          []bool
	windowPos       int
	windowFull      bool
	rng             *rand.Rand

	sleep func(ctx context.Context, d time.Duration) error
}

// NewCoordinator creates a coordinator. Zero fields of cfg fall back to DefaultConfig.
func NewCoordinator(cfg Config) *Coordinator {
	def := DefaultConfig()
	if cfg.BaseAttempts <= 0 {
		cfg.BaseAttempts = def.BaseAttempts
	}
	if cfg.ElevatedAttempts <= 0 {
		cfg.ElevatedAttempts = def.ElevatedAttempts
	}
	if cfg.DegradedAttempts <= 0 {
		cfg.DegradedAttempts = def.DegradedAttempts
	}
	if cfg.ElevatedConflictThreshold <= 0 {
		cfg.ElevatedConflictThreshold = def.ElevatedConflictThreshold
	}
	if cfg.DegradedSuccessRate <= 0 {
		cfg.DegradedSuccessRate = def.DegradedSuccessRate
	}
	if cfg.ReduceConflictThreshold <= 0 {
		cfg.ReduceConflictThreshold = def.ReduceConflictThreshold
	}
	if cfg.ReduceSuccessRate <= 0 {
		cfg.ReduceSuccessRate = def.ReduceSuccessRate
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.JitterMax <= 0 || cfg.JitterMax < cfg.JitterMin {
		cfg.JitterMin, cfg.JitterMax = def.JitterMin, def.JitterMax
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}

	return &Coordinator{
		cfg:    cfg,
		logger: log.With().Str("component", "optimistic_lock").Logger(),
		window: make([]bool, cfg.Window),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:  sleepContext,
	}
}

// SetLogger replaces the coordinator logger.
func (c *Coordinator) SetLogger(logger zerolog.Logger) {
	c.logger = logger
}

// Execute runs op until it commits, fails with a non-conflict error, or the
// adaptive budget is spent. refresh re-reads the entity before each retry.
func Execute[T any](ctx context.Context, c *Coordinator, label string, op func(ctx context.Context) (T, error), refresh func(ctx context.Context) error) (T, error) {
	var zero T
	budget := c.RetryBudget()

	var lastErr error
	for attempt := 1; attempt <= budget; attempt++ {
		if err := ctx.Err(); err != nil {
			c.recordUnrelatedFailure()
			return zero, err
		}

		result, err := op(ctx)
		if err == nil {
			c.recordOutcome(true)
			if attempt > 1 {
				c.logger.Debug().Str("operation", label).Int("attempt", attempt).Msg("committed after version conflict")
			}
			return result, nil
		}

		if !errors.Is(err, ErrVersionConflict) {
			c.recordUnrelatedFailure()
			return zero, err
		}

		lastErr = err
		c.recordConflict()

		if attempt == budget {
			break
		}

		if refresh != nil {
			if rerr := refresh(ctx); rerr != nil {
				c.recordRefreshFailure()
				c.logger.Warn().Err(rerr).Str("operation", label).Int("attempt", attempt).Msg("refresh after version conflict failed")
			}
		}

		delay := c.Delay(attempt)
		c.logger.Debug().Str("operation", label).Int("attempt", attempt).Int("budget", budget).Dur("delay", delay).Msg("version conflict, retrying")
		if err := c.sleep(ctx, delay); err != nil {
			c.recordUnrelatedFailure()
			return zero, err
		}
	}

	c.recordExhausted()
	c.logger.Warn().Str("operation", label).Int("attempts", budget).Msg("optimistic lock retries exhausted")
	return zero, &ExhaustedError{Label: label, Attempts: budget, Err: lastErr}
}

// RetryBudget returns the number of attempts the next operation gets.
func (c *Coordinator) RetryBudget() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.budgetLocked()
}

func (c *Coordinator) budgetLocked() int {
	budget := c.cfg.BaseAttempts
	if c.conflicts > c.cfg.ElevatedConflictThreshold && c.cfg.ElevatedAttempts > budget {
		budget = c.cfg.ElevatedAttempts
	}
	if c.rollingSuccessRateLocked() < c.cfg.DegradedSuccessRate && c.cfg.DegradedAttempts > budget {
		budget = c.cfg.DegradedAttempts
	}
	return budget
}

// Delay returns the wait before retrying after the given attempt:
// attempt × BaseDelay plus JitterMin..JitterMax of it, capped at MaxDelay.
func (c *Coordinator) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := time.Duration(attempt) * c.cfg.BaseDelay

	c.mu.Lock()
	jitter := c.cfg.JitterMin + c.rng.Float64()*(c.cfg.JitterMax-c.cfg.JitterMin)
	c.mu.Unlock()

	delay := base + time.Duration(float64(base)*jitter)
	if delay > c.cfg.MaxDelay {
		delay = c.cfg.MaxDelay
	}
	return delay
}

// ShouldReduceConcurrency advises callers to shrink their worker pools.
func (c *Coordinator) ShouldReduceConcurrency() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shouldReduceLocked()
}

func (c *Coordinator) shouldReduceLocked() bool {
	return c.conflicts > c.cfg.ReduceConflictThreshold || c.rollingSuccessRateLocked() < c.cfg.ReduceSuccessRate
}

// RecommendedConcurrencyLevel returns an advisory worker count in 1..5.
func (c *Coordinator) RecommendedConcurrencyLevel() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recommendedLevelLocked()
}

func (c *Coordinator) recommendedLevelLocked() int {
	rate := c.rollingSuccessRateLocked()
	switch {
	case c.shouldReduceLocked():
		return 1
	case rate >= 0.9 && c.conflicts <= 10:
		return 5
	case rate >= 0.8:
		return 4
	case rate >= 0.6:
		return 3
	default:
		return 2
	}
}

// Stats returns a snapshot of the counters.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Conflicts:          c.conflicts,
		Operations:         c.operations,
		Succeeded:          c.succeeded,
		Exhausted:          c.exhausted,
		RefreshFailures:    c.refreshFailures,
		RollingSuccessRate: c.rollingSuccessRateLocked(),
		CurrentBudget:      c.budgetLocked(),
		ReduceConcurrency:  c.shouldReduceLocked(),
		RecommendedWorkers: c.recommendedLevelLocked(),
	}
}

// Reset clears all counters and the rolling window.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conflicts = 0
	c.operations = 0
	c.succeeded = 0
	c.exhausted = 0
	c.refreshFailures = 0
	c.window = make([]bool, c.cfg.Window)
	c.windowPos = 0
	c.windowFull = false
}

func (c *Coordinator) recordConflict() {
	c.mu.Lock()
	c.conflicts++
	c.mu.Unlock()
}

func (c *Coordinator) recordRefreshFailure() {
	c.mu.Lock()
	c.refreshFailures++
	c.mu.Unlock()
}

func (c *Coordinator) recordExhausted() {
	c.mu.Lock()
	c.exhausted++
	c.mu.Unlock()
	c.recordOutcome(false)
}

// recordUnrelatedFailure counts an operation that failed for reasons other
// than lock contention; it stays out of the rolling window.
func (c *Coordinator) recordUnrelatedFailure() {
	c.mu.Lock()
	c.operations++
	c.mu.Unlock()
}

func (c *Coordinator) recordOutcome(success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.operations++
	if success {
		c.succeeded++
	}
	c.window[c.windowPos] = success
	c.windowPos = (c.windowPos + 1) % len(c.window)
	if c.windowPos == 0 {
		c.windowFull = true
	}
}

func (c *Coordinator) rollingSuccessRateLocked() float64 {
	n := c.windowPos
	if c.windowFull {
		n = len(c.window)
	}
	if n == 0 {
		return 1
	}
	ok := 0
	for i := 0; i < n; i++ {
		if c.window[i] {
			ok++
		}
	}
	return float64(ok) / float64(n)
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
