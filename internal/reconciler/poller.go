package reconciler

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/sciencelive/nanopub-viewer/internal/domain"
	apperrors "github.com/sciencelive/nanopub-viewer/internal/errors"
	"github.com/sciencelive/nanopub-viewer/internal/logger"
	"github.com/sciencelive/nanopub-viewer/internal/schedule"
)

// DefaultMaxConsecutiveErrors ends polling when the status endpoint keeps failing
const DefaultMaxConsecutiveErrors = 15

// ReasonUpstreamUnavailable is the outcome reason after too many failed checks
const ReasonUpstreamUnavailable = "upstream unavailable"

// Checker answers status and result queries for a job handle.
// Service implements it in-process; the API client implements it over HTTP.
type Checker interface {
	Status(ctx context.Context, handle domain.JobHandle) (*domain.StatusReport, error)
	Results(ctx context.Context, handle domain.JobHandle) (*domain.ResultBundle, error)
}

// State is the poller's lifecycle state
type State string

const (
	StatePolling   State = "polling"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateTimedOut  State = "timed_out"
)

// IsTerminal reports whether s is a final state
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateTimedOut
}

// Policy bounds a polling loop
type Policy struct {
	Interval time.Duration
	// MaxAttempts is the number of scheduled ticks, skipped ones included
	MaxAttempts int
	// MaxConsecutiveErrors of zero means DefaultMaxConsecutiveErrors
	MaxConsecutiveErrors int
}

// PolicyFor turns the polling hint returned on submission into a Policy
func PolicyFor(info domain.PollingInfo) Policy {
	return Policy{Interval: info.Interval(), MaxAttempts: info.MaxAttempts}
}

func (p Policy) validate() error {
	if p.Interval <= 0 {
		return apperrors.NewValidationError("polling interval must be positive")
	}
	if p.MaxAttempts <= 0 {
		return apperrors.NewValidationError("polling max attempts must be positive")
	}
	if p.MaxConsecutiveErrors < 0 {
		return apperrors.NewValidationError("polling max consecutive errors must not be negative")
	}
	return nil
}

// Update is reported after every executed tick
type Update struct {
	State   State
	Attempt int
	Skipped int
	Report  *domain.StatusReport
	Err     error
}

// Outcome is the final result of a polling loop
type Outcome struct {
	State    State
	Attempts int
	// Skipped counts ticks that came due while an earlier tick was still running
	Skipped      int
	Handle       domain.JobHandle
	Report       *domain.StatusReport
	Bundle       *domain.ResultBundle
	Reason       string
	DashboardURL string
}

// Option configures a Poller
type Option func(*Poller)

// WithUpdates registers fn to be called after every tick, from the polling goroutine
func WithUpdates(fn func(Update)) Option {
	return func(p *Poller) { p.onUpdate = fn }
}

// WithLogger sets the poller's logger
func WithLogger(log *zap.SugaredLogger) Option {
	return func(p *Poller) { p.log = logger.OrNop(log) }
}

// WithDashboard sets the link reported when no status report carried one,
// typically the status URL returned on submission
func WithDashboard(url string) Option {
	return func(p *Poller) { p.dashboard = url }
}

// Poller drives one job handle from Polling to a terminal state.
//
// Ticks follow a fixed-rate schedule of Policy.Interval and never overlap:
// a tick still running when later ticks come due makes those ticks skipped.
// The handle adopts the run ID from the first status report carrying one.
// On completion the result bundle is fetched exactly once.
type Poller struct {
	checker   Checker
	policy    Policy
	clock     schedule.Clock
	log       *zap.SugaredLogger
	onUpdate  func(Update)
	dashboard string

	mu      sync.Mutex
	handle  domain.JobHandle
	state   State
	timer   schedule.Timer
	cancel  context.CancelFunc
	started bool
	stopped bool
	done    chan struct{}
	outcome *Outcome
	err     error
}

// NewPoller creates a poller for handle
func NewPoller(checker Checker, handle domain.JobHandle, policy Policy, clock schedule.Clock, opts ...Option) *Poller {
	if clock == nil {
		clock = schedule.RealClock()
	}
	if policy.MaxConsecutiveErrors == 0 {
		policy.MaxConsecutiveErrors = DefaultMaxConsecutiveErrors
	}
	p := &Poller{
		checker: checker,
		policy:  policy,
		clock:   clock,
		log:     logger.Nop(),
		handle:  handle,
		state:   StatePolling,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run polls until a terminal state is reached or ctx ends. When ctx ends
// first the outcome is still Polling and ctx's error is returned.
func (p *Poller) Run(ctx context.Context) (*Outcome, error) {
	p.Start(ctx)
	return p.Wait()
}

// Start runs the polling loop in the background. Calling it again has no effect.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	ctx, p.cancel = context.WithCancel(ctx)
	if p.stopped {
		p.cancel()
	}
	p.mu.Unlock()

	go func() {
		defer close(p.done)
		outcome, err := p.loop(ctx)
		p.mu.Lock()
		p.outcome, p.err = outcome, err
		p.mu.Unlock()
	}()
}

// Stop ends polling. The pending tick timer is cleared, so no further tick
// runs; a tick already in flight finishes but its result is discarded.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stopped = true
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	if p.cancel != nil {
		p.cancel()
	}
}

// Wait blocks until a started poller finishes
func (p *Poller) Wait() (*Outcome, error) {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outcome, p.err
}

// State returns the current state
func (p *Poller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Handle returns the handle, including a run ID adopted while polling
func (p *Poller) Handle() domain.JobHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handle
}

func (p *Poller) loop(ctx context.Context) (*Outcome, error) {
	if err := p.policy.validate(); err != nil {
		return nil, err
	}

	var (
		start     = p.clock.Now()
		slot      = 1
		attempts  int
		skipped   int
		errStreak int
		out       = &Outcome{State: StatePolling}
	)

	finish := func(state State, reason string) (*Outcome, error) {
		p.mu.Lock()
		p.state = state
		out.Handle = p.handle
		p.mu.Unlock()

		out.State = state
		out.Attempts = attempts
		out.Skipped = skipped
		if reason != "" {
			out.Reason = reason
		}
		if out.DashboardURL == "" {
			out.DashboardURL = dashboardOf(out.Report, p.dashboard)
		}
		if state == StatePolling {
			return out, ctx.Err()
		}
		return out, nil
	}

	for {
		due := start.Add(time.Duration(slot) * p.policy.Interval)
		if err := p.sleep(ctx, due.Sub(p.clock.Now())); err != nil {
			return finish(StatePolling, "stopped")
		}

		attempts++
		report, err := p.checker.Status(ctx, p.Handle())
		if ctx.Err() != nil {
			return finish(StatePolling, "stopped")
		}

		state := StatePolling
		if err != nil {
			errStreak++
			p.log.Warnw("status check failed", "attempt", attempts, "consecutive_errors", errStreak, "error", err)
		} else {
			errStreak = 0
			out.Report = report
			p.adoptRunID(report)
			state = stateOf(report)
		}

		// Skip every slot that came due while this tick ran
		now := p.clock.Now()
		next := slot + 1
		for start.Add(time.Duration(next) * p.policy.Interval).Before(now) {
			next++
			skipped++
		}
		slot = next

		p.report(Update{State: state, Attempt: attempts, Skipped: skipped, Report: report, Err: err})

		switch {
		case state == StateCompleted:
			out.Bundle = p.fetchResults(ctx, report)
			if out.Bundle != nil {
				out.DashboardURL = out.Bundle.DashboardURL
			}
			return finish(StateCompleted, "")
		case state == StateFailed:
			return finish(StateFailed, report.Message)
		case errStreak >= p.policy.MaxConsecutiveErrors:
			return finish(StateTimedOut, ReasonUpstreamUnavailable)
		case attempts+skipped >= p.policy.MaxAttempts:
			return finish(StateTimedOut, apperrors.NewPollTimeoutError(attempts).Message)
		}
	}
}

// sleep waits d on the poller's clock, keeping the timer where Stop can clear it
func (p *Poller) sleep(ctx context.Context, d time.Duration) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return context.Canceled
	}
	timer := p.clock.NewTimer(d)
	p.timer = timer
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		if p.timer == timer {
			p.timer = nil
		}
		p.mu.Unlock()
	}()

	select {
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	case <-timer.C():
		return nil
	}
}

func (p *Poller) adoptRunID(report *domain.StatusReport) {
	if report == nil || report.WorkflowRun == nil || report.WorkflowRun.ID == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.handle.HasRunID() {
		p.handle = p.handle.WithRunID(report.WorkflowRun.ID)
		p.log.Infow("adopted workflow run", "batch_id", p.handle.BatchID, "workflow_run_id", report.WorkflowRun.ID)
	}
}

// fetchResults retrieves the bundle; a failure degrades to a partial bundle
func (p *Poller) fetchResults(ctx context.Context, report *domain.StatusReport) *domain.ResultBundle {
	handle := p.Handle()
	bundle, err := p.checker.Results(ctx, handle)
	if err == nil && bundle != nil {
		return bundle
	}
	if err == nil {
		err = errors.New("empty result bundle")
	}
	p.log.Warnw("could not fetch results", "batch_id", handle.BatchID, "error", err)

	return domain.PartialBundle(handle, report.WorkflowRun, dashboardOf(report, p.dashboard), "Results could not be retrieved - check GitHub Actions for details")
}

// dashboardOf picks the most specific link: the run page, then the
// report's own dashboard, then fallback
func dashboardOf(report *domain.StatusReport, fallback string) string {
	if report != nil {
		if report.WorkflowRun != nil && report.WorkflowRun.HTMLURL != "" {
			return report.WorkflowRun.HTMLURL
		}
		if report.DashboardURL != "" {
			return report.DashboardURL
		}
	}
	return fallback
}

func (p *Poller) report(u Update) {
	if p.onUpdate != nil {
		p.onUpdate(u)
	}
}

// stateOf maps a status report onto the poller's states. Reports from
// remote checkers may only carry the wire status.
func stateOf(report *domain.StatusReport) State {
	status := report.JobStatus
	if status == "" {
		switch report.Status {
		case domain.WireStatusCompleted:
			status = domain.JobStatusCompleted
		case domain.WireStatusFailed:
			status = domain.JobStatusFailed
		case domain.WireStatusProcessing:
			status = domain.JobStatusInProgress
		default:
			status = domain.JobStatusUnknown
		}
	}

	switch status {
	case domain.JobStatusCompleted:
		return StateCompleted
	case domain.JobStatusFailed:
		return StateFailed
	default:
		// Unknown upstream states keep polling until the budget runs out
		return StatePolling
	}
}
