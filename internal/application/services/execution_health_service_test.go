package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	apperrors "github.com/zatekoja/hisprompt/backend/pkg/errors"
	"github.com/zatekoja/hisprompt/backend/pkg/nethealth"
)

func TestProbe_FlipsAfterThresholdAndRecovers(t *testing.T) {
	up := false
	server := &fakeExecutionServer{
		baseURL: "http://exec.test",
		healthFn: func() (bool, error) {
			if up {
				return true, nil
			}
			return false, errors.New("dial tcp: connection refused")
		},
	}
	tracker := nethealth.NewTracker(3)
	svc := NewExecutionHealthService(server, tracker, time.Second)
	ctx := context.Background()

	assert.True(t, svc.Probe(ctx))
	assert.True(t, svc.Probe(ctx))
	assert.False(t, svc.Probe(ctx))
	assert.Equal(t, 3, tracker.Snapshot().ConsecutiveFailures)

	up = true
	assert.True(t, svc.Probe(ctx))
	stats, baseURL := svc.Status()
	assert.True(t, stats.Healthy)
	assert.Equal(t, int64(4), stats.TotalCalls)
	assert.Equal(t, "http://exec.test", baseURL)
}

func TestProbe_EmptyHealthBodyCountsAsFailure(t *testing.T) {
	server := &fakeExecutionServer{healthy: false}
	tracker := nethealth.NewTracker(1)
	svc := NewExecutionHealthService(server, tracker, 0)

	assert.False(t, svc.Probe(context.Background()))
}

func TestSetBaseURL(t *testing.T) {
	t.Run("resets health history", func(t *testing.T) {
		server := &fakeExecutionServer{baseURL: "http://old.test"}
		tracker := nethealth.NewTracker(1)
		tracker.RecordResult(false, time.Millisecond)
		require.False(t, tracker.IsHealthy())
		svc := NewExecutionHealthService(server, tracker, time.Second)

		require.NoError(t, svc.SetBaseURL("http://new.test"))

		assert.Equal(t, "http://new.test", server.BaseURL())
		assert.True(t, tracker.IsHealthy())
		assert.Zero(t, tracker.Snapshot().TotalCalls)
	})

	t.Run("invalid address is a validation error", func(t *testing.T) {
		server := &fakeExecutionServer{baseURL: "http://old.test", urlErr: errors.New("scheme and host required")}
		tracker := nethealth.NewTracker(1)
		tracker.RecordResult(false, time.Millisecond)
		svc := NewExecutionHealthService(server, tracker, time.Second)

		err := svc.SetBaseURL("ftp://")
		require.Error(t, err)
		assert.True(t, apperrors.IsValidation(err))
		assert.Equal(t, "http://old.test", server.BaseURL())
		assert.False(t, tracker.IsHealthy())
	})
}

func TestSafeProbe_RecoversFromPanic(t *testing.T) {
	server := &fakeExecutionServer{
		healthFn: func() (bool, error) { panic("health client exploded") },
	}
	svc := NewExecutionHealthService(server, nethealth.NewTracker(3), time.Second)

	assert.NotPanics(t, func() { svc.safeProbe(context.Background()) })
}
