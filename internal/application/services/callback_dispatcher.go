package services

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"github.com/zatekoja/hisprompt/backend/internal/domain/entities"
	"github.com/zatekoja/hisprompt/backend/internal/domain/providers"
	"github.com/zatekoja/hisprompt/backend/internal/infrastructure/observability"
	"github.com/zatekoja/hisprompt/backend/pkg/config"
)

const (
	callbackSignatureHeader = "X-Callback-Signature"
	callbackIDHeader        = "X-Callback-ID"

	// An endpoint that fails this many posts in a row is skipped until
	// breakerOpenTimeout has passed.
	breakerFailureThreshold = 5
	breakerOpenTimeout      = 30 * time.Second
)

// CallbackDispatcherStats counts fan-out outcomes since start or reset.
type CallbackDispatcherStats struct {
	Dispatched   int64    `json:"dispatched"`
	Delivered    int64    `json:"delivered"`
	Failed       int64    `json:"failed"`
	Attempts     int64    `json:"attempts"`
	Endpoints    int      `json:"endpoints"`
	OpenCircuits []string `json:"open_circuits,omitempty"`
}

// CallbackDispatcher delivers CallbackData to every configured listener.
// A delivery counts only when all endpoints answer 2xx; otherwise the whole
// fan-out is repeated after a fixed interval.
type CallbackDispatcher struct {
	endpoints     []string
	maxAttempts   int
	retryInterval time.Duration
	secret        string
	httpClient    *http.Client
	breakers      map[string]*gobreaker.CircuitBreaker
	metrics       *observability.Metrics
	logger        zerolog.Logger

	dispatched atomic.Int64
	delivered  atomic.Int64
	failed     atomic.Int64
	attempts   atomic.Int64

	mu    sync.RWMutex
	wg    sync.WaitGroup
	sleep func(ctx context.Context, d time.Duration) error
}

var _ providers.CallbackNotifier = (*CallbackDispatcher)(nil)

// NewCallbackDispatcher creates a dispatcher from the callback settings.
func NewCallbackDispatcher(cfg config.CallbackConfig, metrics *observability.Metrics) *CallbackDispatcher {
	maxAttempts := cfg.MaxRetries
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	d := &CallbackDispatcher{
		endpoints:     append([]string(nil), cfg.Endpoints...),
		maxAttempts:   maxAttempts,
		retryInterval: cfg.RetryInterval,
		secret:        cfg.Secret,
		httpClient:    &http.Client{Timeout: timeout},
		breakers:      make(map[string]*gobreaker.CircuitBreaker, len(cfg.Endpoints)),
		metrics:       metrics,
		logger:        observability.ComponentLogger("callback_dispatcher"),
		sleep:         sleepWithContext,
	}
	for _, endpoint := range d.endpoints {
		d.breakers[endpoint] = d.newBreaker(endpoint)
	}
	return d
}

func (d *CallbackDispatcher) newBreaker(endpoint string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        endpoint,
		MaxRequests: 1,
		Timeout:     breakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			d.logger.Warn().
				Str("endpoint", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Callback endpoint circuit changed state")
		},
	})
}

// Dispatch delivers data synchronously and reports whether every endpoint
// accepted it. It never panics and never returns an error.
func (d *CallbackDispatcher) Dispatch(ctx context.Context, data *entities.CallbackData) bool {
	d.dispatched.Add(1)

	if len(d.endpoints) == 0 {
		d.delivered.Add(1)
		return true
	}

	if data.Timestamp.IsZero() {
		data.Timestamp = time.Now()
	}
	body, err := json.Marshal(data)
	if err != nil {
		d.logger.Error().Err(err).Str("data_id", data.DataID).Msg("Failed to marshal callback payload")
		d.failed.Add(1)
		observability.RecordCallbackDelivery(ctx, d.metrics, false)
		return false
	}
	deliveryID := uuid.NewString()

	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		d.attempts.Add(1)
		failures := d.deliverAll(ctx, deliveryID, body)
		if len(failures) == 0 {
			d.delivered.Add(1)
			observability.RecordCallbackDelivery(ctx, d.metrics, true)
			d.logger.Info().
				Str("data_id", data.DataID).
				Str("status", string(data.Status)).
				Int("attempt", attempt).
				Msg("Callback delivered to all endpoints")
			return true
		}

		d.logger.Warn().
			Str("data_id", data.DataID).
			Int("attempt", attempt).
			Int("max_attempts", d.maxAttempts).
			Strs("failures", failures).
			Msg("Callback fan-out failed")

		if attempt == d.maxAttempts {
			break
		}
		if err := d.sleep(ctx, d.retryInterval); err != nil {
			break
		}
	}

	d.failed.Add(1)
	observability.RecordCallbackDelivery(ctx, d.metrics, false)
	d.logger.Error().
		Str("data_id", data.DataID).
		Int("attempts", d.maxAttempts).
		Msg("Callback delivery exhausted")
	return false
}

// DispatchAsync runs Dispatch on its own goroutine. The returned channel
// receives the outcome once and is then closed.
func (d *CallbackDispatcher) DispatchAsync(ctx context.Context, data *entities.CallbackData) <-chan bool {
	result := make(chan bool, 1)
	// Detach from the request context; the caller may already be done.
	ctx = context.WithoutCancel(ctx)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer close(result)
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error().Interface("panic", r).Str("data_id", data.DataID).Msg("Callback dispatch panicked")
				result <- false
			}
		}()
		result <- d.Dispatch(ctx, data)
	}()
	return result
}

// Wait blocks until in-flight async dispatches finish or ctx is done.
func (d *CallbackDispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns the delivery counters.
func (d *CallbackDispatcher) Stats() CallbackDispatcherStats {
	stats := CallbackDispatcherStats{
		Dispatched: d.dispatched.Load(),
		Delivered:  d.delivered.Load(),
		Failed:     d.failed.Load(),
		Attempts:   d.attempts.Load(),
		Endpoints:  len(d.endpoints),
	}
	d.mu.RLock()
	for _, endpoint := range d.endpoints {
		if d.breakers[endpoint].State() == gobreaker.StateOpen {
			stats.OpenCircuits = append(stats.OpenCircuits, endpoint)
		}
	}
	d.mu.RUnlock()
	return stats
}

// Reset zeroes the delivery counters and closes every endpoint circuit.
func (d *CallbackDispatcher) Reset() {
	d.dispatched.Store(0)
	d.delivered.Store(0)
	d.failed.Store(0)
	d.attempts.Store(0)
	d.mu.Lock()
	for _, endpoint := range d.endpoints {
		d.breakers[endpoint] = d.newBreaker(endpoint)
	}
	d.mu.Unlock()
}

// deliverAll posts body to every endpoint and returns one entry per failure.
func (d *CallbackDispatcher) deliverAll(ctx context.Context, deliveryID string, body []byte) []string {
	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		failures []string
	)
	for _, endpoint := range d.endpoints {
		wg.Add(1)
		go func(endpoint string) {
			defer wg.Done()
			if err := d.deliver(ctx, endpoint, deliveryID, body); err != nil {
				mu.Lock()
				failures = append(failures, fmt.Sprintf("%s: %v", endpoint, err))
				mu.Unlock()
			}
		}(endpoint)
	}
	wg.Wait()
	return failures
}

// deliver posts through the endpoint's circuit breaker. An open circuit
// fails the post without a request.
func (d *CallbackDispatcher) deliver(ctx context.Context, endpoint, deliveryID string, body []byte) error {
	d.mu.RLock()
	breaker := d.breakers[endpoint]
	d.mu.RUnlock()

	_, err := breaker.Execute(func() (interface{}, error) {
		return nil, d.post(ctx, endpoint, deliveryID, body)
	})
	return err
}

func (d *CallbackDispatcher) post(ctx context.Context, endpoint, deliveryID string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(callbackIDHeader, deliveryID)
	if d.secret != "" {
		req.Header.Set(callbackSignatureHeader, "sha256="+SignCallbackPayload(body, d.secret))
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("non-2xx response: %d", resp.StatusCode)
	}
	return nil
}

// SignCallbackPayload returns the hex HMAC-SHA256 of payload under secret.
func SignCallbackPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyCallbackSignature checks a header value produced by the dispatcher.
func VerifyCallbackSignature(payload []byte, secret, header string) bool {
	expected := "sha256=" + SignCallbackPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(header))
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
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
