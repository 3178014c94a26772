// Package workflow is the gateway to the code-hosting platform that runs
// the nanopublication processing job. It triggers dispatches and reads
// runs, logs, artifacts and committed result files, translating them into
// domain types.
package workflow

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/sciencelive/nanopub-viewer/internal/domain"
	"github.com/sciencelive/nanopub-viewer/internal/logger"
	"github.com/sciencelive/nanopub-viewer/internal/schedule"
)

// Client defines the operations the dispatcher and reconciler need from the platform
type Client interface {
	// Dispatch fires a repository dispatch event carrying payload as client_payload
	Dispatch(ctx context.Context, eventType string, payload any) error

	// ListRecentRuns lists the repository's most recent workflow runs, newest first
	ListRecentRuns(ctx context.Context, perPage int) ([]*domain.WorkflowRun, error)

	// GetRun retrieves one run by ID
	GetRun(ctx context.Context, runID int64) (*domain.WorkflowRun, error)

	// GetRunLogs downloads a run's log archive
	GetRunLogs(ctx context.Context, runID int64) ([]byte, error)

	// ListArtifacts lists the artifacts a run uploaded
	ListArtifacts(ctx context.Context, runID int64) ([]*domain.Artifact, error)

	// GetFile returns the decoded content of a file at ref
	GetFile(ctx context.Context, path, ref string) ([]byte, error)

	// ListDir lists the files of a directory at ref
	ListDir(ctx context.Context, path, ref string) ([]domain.IndividualFile, error)

	// Viewer returns the login of the authenticated user
	Viewer(ctx context.Context) (string, error)

	// Repository returns the full name of the target repository
	Repository(ctx context.Context) (string, error)

	RunURL(runID int64) string
	ActionsURL() string
	TreeURL(ref, path string) string
}

// Builder creates a Client for a bearer token
type Builder func(token string) (Client, error)

// Options configures clients built by a Factory
type Options struct {
	Owner string
	Repo  string
	// BaseURL overrides the REST endpoint; empty means api.github.com
	BaseURL     string
	HTTPTimeout time.Duration
	Logger      *zap.SugaredLogger
	Clock       schedule.Clock
}

// Factory builds one Client per bearer token. Clients built by the same
// factory share a rate limiter, since they share the same upstream quota.
type Factory struct {
	opts     Options
	limiter  RateLimiter
	download *http.Client
}

// NewFactory creates a new client factory
func NewFactory(opts Options) *Factory {
	if opts.Clock == nil {
		opts.Clock = schedule.RealClock()
	}
	if opts.HTTPTimeout <= 0 {
		opts.HTTPTimeout = 30 * time.Second
	}
	opts.Logger = logger.OrNop(opts.Logger)

	return &Factory{
		opts:     opts,
		limiter:  NewRateLimiter(opts.Clock, DefaultRequestRate, opts.Logger),
		download: &http.Client{Timeout: opts.HTTPTimeout},
	}
}

// New returns a client authenticating with token. It fails only when
// Options.BaseURL cannot be parsed.
func (f *Factory) New(token string) (Client, error) {
	return newGitHubClient(token, f.opts, f.limiter, f.download)
}

// Limiter exposes the shared rate limiter
func (f *Factory) Limiter() RateLimiter {
	return f.limiter
}
