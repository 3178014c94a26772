package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/sciencelive/nanopub-viewer/internal/logger"
	"github.com/sciencelive/nanopub-viewer/internal/schedule"
)

func TestRateLimiterWaitsForResetWhenQuotaLow(t *testing.T) {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := schedule.NewFakeClock(start)
	limiter := NewRateLimiter(clock, rate.Inf, logger.Nop())

	limiter.UpdateLimit(3, start.Add(90*time.Second))
	require.NoError(t, limiter.Wait(context.Background()))

	assert.Equal(t, start.Add(90*time.Second), clock.Now())
	remaining, _ := limiter.CheckLimit()
	assert.Equal(t, -1, remaining, "quota becomes unknown after the reset")
}

func TestRateLimiterDoesNotWaitWithQuota(t *testing.T) {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := schedule.NewFakeClock(start)
	limiter := NewRateLimiter(clock, rate.Inf, logger.Nop())

	limiter.UpdateLimit(4000, start.Add(time.Hour))
	require.NoError(t, limiter.Wait(context.Background()))

	assert.Equal(t, start, clock.Now())
	assert.Equal(t, 0, clock.Created())
}

func TestRateLimiterHonoursCancellation(t *testing.T) {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := schedule.NewManualClock(start)
	limiter := NewRateLimiter(clock, rate.Inf, logger.Nop())
	limiter.UpdateLimit(0, start.Add(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := limiter.Wait(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
