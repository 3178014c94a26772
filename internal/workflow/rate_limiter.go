package workflow

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sciencelive/nanopub-viewer/internal/schedule"
)

// DefaultRequestRate spaces upstream calls at least 100ms apart
const DefaultRequestRate = rate.Limit(10)

// lowWater is the remaining-quota level at which calls wait for the reset
const lowWater = 10

// RateLimiter manages GitHub API rate limiting
type RateLimiter interface {
	Wait(ctx context.Context) error
	CheckLimit() (remaining int, resetTime time.Time)
	UpdateLimit(remaining int, resetTime time.Time)
}

// githubRateLimiter paces calls with a token bucket and, once GitHub reports
// the quota nearly spent, holds every call until the reported reset time.
type githubRateLimiter struct {
	mu        sync.Mutex
	pace      *rate.Limiter
	clock     schedule.Clock
	log       *zap.SugaredLogger
	remaining int // -1 while unknown
	resetTime time.Time
}

// NewRateLimiter creates a new rate limiter allowing perSecond calls
func NewRateLimiter(clock schedule.Clock, perSecond rate.Limit, log *zap.SugaredLogger) RateLimiter {
	return &githubRateLimiter{
		pace:      rate.NewLimiter(perSecond, 1),
		clock:     clock,
		log:       log,
		remaining: -1,
	}
}

// Wait waits until it's safe to make another API call
func (r *githubRateLimiter) Wait(ctx context.Context) error {
	r.mu.Lock()
	remaining, reset := r.remaining, r.resetTime
	r.mu.Unlock()

	if remaining >= 0 && remaining <= lowWater {
		if wait := reset.Sub(r.clock.Now()); wait > 0 {
			r.log.Warnw("GitHub rate limit low, waiting for reset",
				"remaining", remaining,
				"wait", wait.Round(time.Second).String(),
			)
			if err := schedule.Sleep(ctx, r.clock, wait); err != nil {
				return err
			}
		}
		r.mu.Lock()
		if r.resetTime.Equal(reset) {
			r.remaining = -1
		}
		r.mu.Unlock()
	}

	return r.pace.Wait(ctx)
}

// CheckLimit returns the last rate limit status GitHub reported
func (r *githubRateLimiter) CheckLimit() (int, time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.remaining, r.resetTime
}

// UpdateLimit updates the rate limit from API response headers
func (r *githubRateLimiter) UpdateLimit(remaining int, resetTime time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remaining = remaining
	r.resetTime = resetTime
}
