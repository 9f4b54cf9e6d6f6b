// Package nethealth tracks the outcome of outbound calls to a single remote
// dependency and derives an advisory health flag and retry budget from them.
package nethealth

import (
	"sync"
	"time"
)

const (
	defaultFailureThreshold = 3
	slowLatencyThreshold    = 5 * time.Second
)

// Stats is a point-in-time view of the tracker counters.
type Stats struct {
	Healthy              bool          `json:"healthy"`
	ConsecutiveFailures  int           `json:"consecutive_failures"`
	ConsecutiveSuccesses int           `json:"consecutive_successes"`
	TotalCalls           int64         `json:"total_calls"`
	SuccessfulCalls      int64         `json:"successful_calls"`
	SuccessRate          float64       `json:"success_rate"`
	AverageLatency       time.Duration `json:"average_latency_ns"`
	RecommendedRetries   int           `json:"recommended_retries"`
	LastFailureAt        time.Time     `json:"last_failure_at,omitempty"`
	LastSuccessAt        time.Time     `json:"last_success_at,omitempty"`
}

// Tracker records call outcomes. The zero value is not usable; use NewTracker.
type Tracker struct {
	mu sync.Mutex

	failureThreshold     int
	consecutiveFailures  int
	consecutiveSuccesses int
	totalCalls           int64
	successfulCalls      int64
	totalLatency         time.Duration
	lastFailureAt        time.Time
	lastSuccessAt        time.Time
	now                  func() time.Time
}

// NewTracker creates a tracker that turns unhealthy after failureThreshold
// consecutive failures. A non-positive threshold selects the default of 3.
func NewTracker(failureThreshold int) *Tracker {
	if failureThreshold <= 0 {
		failureThreshold = defaultFailureThreshold
	}
	return &Tracker{
		failureThreshold: failureThreshold,
		now:              time.Now,
	}
}

// RecordResult records the outcome and latency of one remote call.
func (t *Tracker) RecordResult(success bool, latency time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.totalCalls++
	if latency > 0 {
		t.totalLatency += latency
	}

	if success {
		t.successfulCalls++
		t.consecutiveSuccesses++
		t.consecutiveFailures = 0
		t.lastSuccessAt = t.now()
		return
	}

	t.consecutiveFailures++
	t.consecutiveSuccesses = 0
	t.lastFailureAt = t.now()
}

// IsHealthy is false once the consecutive failure threshold is reached.
// A single success clears it.
func (t *Tracker) IsHealthy() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.consecutiveFailures < t.failureThreshold
}

// RecommendedRetries scales the retry budget with the observed success rate
// and latency. The value is advisory.
func (t *Tracker) RecommendedRetries() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.recommendedRetriesLocked()
}

func (t *Tracker) recommendedRetriesLocked() int {
	rate := t.successRateLocked()
	switch {
	case rate < 0.5:
		return 8
	case rate < 0.8:
		return 5
	case t.averageLatencyLocked() > slowLatencyThreshold:
		return 6
	default:
		return 3
	}
}

// SuccessRate returns successful/total calls, or 1 when nothing was recorded.
func (t *Tracker) SuccessRate() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.successRateLocked()
}

func (t *Tracker) successRateLocked() float64 {
	if t.totalCalls == 0 {
		return 1
	}
	return float64(t.successfulCalls) / float64(t.totalCalls)
}

func (t *Tracker) averageLatencyLocked() time.Duration {
	if t.totalCalls == 0 {
		return 0
	}
	return t.totalLatency / time.Duration(t.totalCalls)
}

// Snapshot returns the current counters.
func (t *Tracker) Snapshot() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{
		Healthy:              t.consecutiveFailures < t.failureThreshold,
		ConsecutiveFailures:  t.consecutiveFailures,
		ConsecutiveSuccesses: t.consecutiveSuccesses,
		TotalCalls:           t.totalCalls,
		SuccessfulCalls:      t.successfulCalls,
		SuccessRate:          t.successRateLocked(),
		AverageLatency:       t.averageLatencyLocked(),
		RecommendedRetries:   t.recommendedRetriesLocked(),
		LastFailureAt:        t.lastFailureAt,
		LastSuccessAt:        t.lastSuccessAt,
	}
}

// Reset clears every counter.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.consecutiveFailures = 0
	t.consecutiveSuccesses = 0
	t.totalCalls = 0
	t.successfulCalls = 0
	t.totalLatency = 0
	t.lastFailureAt = time.Time{}
	t.lastSuccessAt = time.Time{}
}
