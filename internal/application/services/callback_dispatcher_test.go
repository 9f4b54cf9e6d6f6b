package services

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zatekoja/hisprompt/backend/internal/domain/entities"
	"github.com/zatekoja/hisprompt/backend/pkg/config"
)

type recordedSleeps struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordedSleeps) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func newTestDispatcher(endpoints []string, maxRetries int, secret string) (*CallbackDispatcher, *recordedSleeps) {
	d := NewCallbackDispatcher(config.CallbackConfig{
		Endpoints:     endpoints,
		MaxRetries:    maxRetries,
		RetryInterval: 5 * time.Second,
		Timeout:       time.Second,
		Secret:        secret,
	}, nil)
	sleeps := &recordedSleeps{}
	d.sleep = sleeps.sleep
	return d, sleeps
}

func okServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestCallbackDispatcher_AllEndpointsSucceed(t *testing.T) {
	var hitsA, hitsB atomic.Int32
	a := okServer(t, &hitsA)
	b := okServer(t, &hitsB)

	d, sleeps := newTestDispatcher([]string{a.URL, b.URL}, 3, "")

	ok := d.Dispatch(context.Background(), &entities.CallbackData{DataID: "d-1", Status: entities.CallbackStatusSuccess})
	assert.True(t, ok)
	assert.Equal(t, int32(1), hitsA.Load())
	assert.Equal(t, int32(1), hitsB.Load())
	assert.Empty(t, sleeps.delays)
	assert.Equal(t, int64(1), d.Stats().Delivered)
}

func TestCallbackDispatcher_OneFailingEndpointFailsWholeDispatch(t *testing.T) {
	var hitsOK, hitsBad atomic.Int32
	good := okServer(t, &hitsOK)
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hitsBad.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	d, sleeps := newTestDispatcher([]string{good.URL, bad.URL}, 3, "")

	ok := d.Dispatch(context.Background(), &entities.CallbackData{DataID: "d-2", Status: entities.CallbackStatusFailed})
	assert.False(t, ok)

	// The whole fan-out is repeated, so the healthy endpoint sees duplicates.
	assert.Equal(t, int32(3), hitsOK.Load())
	assert.Equal(t, int32(3), hitsBad.Load())
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second}, sleeps.delays)

	stats := d.Stats()
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(3), stats.Attempts)
}

func TestCallbackDispatcher_RecoversOnLaterAttempt(t *testing.T) {
	var calls atomic.Int32
	flaky := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer flaky.Close()

	d, sleeps := newTestDispatcher([]string{flaky.URL}, 3, "")

	assert.True(t, d.Dispatch(context.Background(), &entities.CallbackData{DataID: "d-3"}))
	assert.Equal(t, int32(2), calls.Load())
	assert.Len(t, sleeps.delays, 1)
}

func TestCallbackDispatcher_NoEndpoints(t *testing.T) {
	d, _ := newTestDispatcher(nil, 3, "")
	assert.True(t, d.Dispatch(context.Background(), &entities.CallbackData{DataID: "d-4"}))
}

func TestCallbackDispatcher_UnreachableEndpoint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	d, _ := newTestDispatcher([]string{url}, 2, "")
	assert.False(t, d.Dispatch(context.Background(), &entities.CallbackData{DataID: "d-5"}))
}

func TestCallbackDispatcher_SignsPayload(t *testing.T) {
	const secret = "s3cret"
	var (
		gotBody      []byte
		gotSignature string
		gotID        string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSignature = r.Header.Get("X-Callback-Signature")
		gotID = r.Header.Get("X-Callback-ID")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d, _ := newTestDispatcher([]string{server.URL}, 1, secret)
	require.True(t, d.Dispatch(context.Background(), &entities.CallbackData{
		DataID:   "d-6",
		PromptID: 42,
		Status:   entities.CallbackStatusSuccess,
		Result:   "done",
	}))

	assert.NotEmpty(t, gotID)
	assert.True(t, VerifyCallbackSignature(gotBody, secret, gotSignature))
	assert.False(t, VerifyCallbackSignature(gotBody, "other", gotSignature))

	var decoded entities.CallbackData
	require.NoError(t, json.Unmarshal(gotBody, &decoded))
	assert.Equal(t, int64(42), decoded.PromptID)
	assert.False(t, decoded.Timestamp.IsZero())
}

func TestCallbackDispatcher_DispatchAsync(t *testing.T) {
	var hits atomic.Int32
	server := okServer(t, &hits)
	d, _ := newTestDispatcher([]string{server.URL}, 1, "")

	ctx, cancel := context.WithCancel(context.Background())
	result := d.DispatchAsync(ctx, &entities.CallbackData{DataID: "d-7"})
	cancel()

	select {
	case ok := <-result:
		assert.True(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("async dispatch did not complete")
	}
	require.NoError(t, d.Wait(context.Background()))
	assert.Equal(t, int32(1), hits.Load())
}

func TestCallbackDispatcher_OpenCircuitSkipsDeadEndpoint(t *testing.T) {
	var hits atomic.Int32
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer dead.Close()

	d, _ := newTestDispatcher([]string{dead.URL}, breakerFailureThreshold+2, "")

	assert.False(t, d.Dispatch(context.Background(), &entities.CallbackData{DataID: "d-8"}))

	assert.Equal(t, int32(breakerFailureThreshold), hits.Load())
	stats := d.Stats()
	assert.Equal(t, int64(breakerFailureThreshold+2), stats.Attempts)
	assert.Equal(t, []string{dead.URL}, stats.OpenCircuits)

	d.Reset()
	assert.Empty(t, d.Stats().OpenCircuits)
}
