// Package workflowtest provides an in-memory workflow.Client for tests.
package workflowtest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/sciencelive/nanopub-viewer/internal/domain"
	apperrors "github.com/sciencelive/nanopub-viewer/internal/errors"
	"github.com/sciencelive/nanopub-viewer/internal/workflow"
)

// Dispatch records one Dispatch call
type Dispatch struct {
	EventType string
	Payload   map[string]any
}

// Fake is a scriptable workflow.Client. Zero values mean "nothing there":
// unknown runs, files and logs report NotFound. Set an entry in Errors,
// keyed by method name, to make that method fail.
type Fake struct {
	mu sync.Mutex

	Owner string
	Repo  string
	Login string

	// Runs is returned by ListRecentRuns unless ListRunsFunc is set
	Runs []*domain.WorkflowRun
	// ListRunsFunc, if set, answers the n-th ListRecentRuns call (1-based)
	ListRunsFunc func(call int) ([]*domain.WorkflowRun, error)
	RunsByID     map[int64]*domain.WorkflowRun
	Logs         map[int64][]byte
	Artifacts    map[int64][]*domain.Artifact
	// Files and Dirs are keyed by ref + ":" + path
	Files  map[string][]byte
	Dirs   map[string][]domain.IndividualFile
	Errors map[string]error

	dispatches []Dispatch
	calls      map[string]int
}

var _ workflow.Client = (*Fake)(nil)

// New returns an empty fake targeting acme/nanopubs
func New() *Fake {
	return &Fake{
		Owner:     "acme",
		Repo:      "nanopubs",
		Login:     "octocat",
		RunsByID:  map[int64]*domain.WorkflowRun{},
		Logs:      map[int64][]byte{},
		Artifacts: map[int64][]*domain.Artifact{},
		Files:     map[string][]byte{},
		Dirs:      map[string][]domain.IndividualFile{},
		Errors:    map[string]error{},
		calls:     map[string]int{},
	}
}

// Builder returns a workflow.Builder that always yields f and records the tokens it was given
func (f *Fake) Builder(tokens *[]string) workflow.Builder {
	return func(token string) (workflow.Client, error) {
		if tokens != nil {
			f.mu.Lock()
			*tokens = append(*tokens, token)
			f.mu.Unlock()
		}
		return f, nil
	}
}

// AddRun registers run for GetRun and appends it to Runs
func (f *Fake) AddRun(run *domain.WorkflowRun) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.RunsByID[run.ID] = run
	f.Runs = append(f.Runs, run)
}

// SetRun replaces the run GetRun returns for run.ID
func (f *Fake) SetRun(run *domain.WorkflowRun) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.RunsByID[run.ID] = run
}

// AddFile registers a file at ref
func (f *Fake) AddFile(ref, path string, content []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Files[ref+":"+path] = content
}

// AddDir registers a directory listing at ref
func (f *Fake) AddDir(ref, path string, files []domain.IndividualFile) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Dirs[ref+":"+path] = files
}

// FailWith makes method fail with err
func (f *Fake) FailWith(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Errors[method] = err
}

// Dispatches returns the recorded Dispatch calls
func (f *Fake) Dispatches() []Dispatch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Dispatch(nil), f.dispatches...)
}

// Calls returns how many times method was invoked
func (f *Fake) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

// enter records a call and returns the configured error, if any
func (f *Fake) enter(ctx context.Context, method string) error {
	f.calls[method]++
	if err := ctx.Err(); err != nil {
		return err
	}
	return f.Errors[method]
}

func (f *Fake) Dispatch(ctx context.Context, eventType string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(ctx, "Dispatch"); err != nil {
		return err
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return err
	}
	f.dispatches = append(f.dispatches, Dispatch{EventType: eventType, Payload: decoded})
	return nil
}

func (f *Fake) ListRecentRuns(ctx context.Context, perPage int) ([]*domain.WorkflowRun, error) {
	f.mu.Lock()
	if err := f.enter(ctx, "ListRecentRuns"); err != nil {
		f.mu.Unlock()
		return nil, err
	}
	call := f.calls["ListRecentRuns"]
	fn := f.ListRunsFunc
	runs := append([]*domain.WorkflowRun(nil), f.Runs...)
	f.mu.Unlock()

	if fn != nil {
		return fn(call)
	}
	if perPage > 0 && len(runs) > perPage {
		runs = runs[:perPage]
	}
	return runs, nil
}

func (f *Fake) GetRun(ctx context.Context, runID int64) (*domain.WorkflowRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(ctx, "GetRun"); err != nil {
		return nil, err
	}
	run, ok := f.RunsByID[runID]
	if !ok {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("workflow run %d", runID))
	}
	copied := *run
	return &copied, nil
}

func (f *Fake) GetRunLogs(ctx context.Context, runID int64) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(ctx, "GetRunLogs"); err != nil {
		return nil, err
	}
	logs, ok := f.Logs[runID]
	if !ok {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("logs for workflow run %d", runID))
	}
	return logs, nil
}

func (f *Fake) ListArtifacts(ctx context.Context, runID int64) ([]*domain.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(ctx, "ListArtifacts"); err != nil {
		return nil, err
	}
	return f.Artifacts[runID], nil
}

func (f *Fake) GetFile(ctx context.Context, path, ref string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(ctx, "GetFile"); err != nil {
		return nil, err
	}
	content, ok := f.Files[ref+":"+path]
	if !ok {
		return nil, apperrors.NewNotFoundError(path)
	}
	return content, nil
}

func (f *Fake) ListDir(ctx context.Context, path, ref string) ([]domain.IndividualFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(ctx, "ListDir"); err != nil {
		return nil, err
	}
	files, ok := f.Dirs[ref+":"+path]
	if !ok {
		return nil, apperrors.NewNotFoundError(path)
	}
	sorted := append([]domain.IndividualFile(nil), files...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	return sorted, nil
}

func (f *Fake) Viewer(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(ctx, "Viewer"); err != nil {
		return "", err
	}
	return f.Login, nil
}

func (f *Fake) Repository(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(ctx, "Repository"); err != nil {
		return "", err
	}
	return f.Owner + "/" + f.Repo, nil
}

func (f *Fake) RunURL(runID int64) string {
	return fmt.Sprintf("https://github.com/%s/%s/actions/runs/%d", f.Owner, f.Repo, runID)
}

func (f *Fake) ActionsURL() string {
	return fmt.Sprintf("https://github.com/%s/%s/actions", f.Owner, f.Repo)
}

func (f *Fake) TreeURL(ref, path string) string {
	return fmt.Sprintf("https://github.com/%s/%s/tree/%s/%s", f.Owner, f.Repo, ref, strings.TrimPrefix(path, "/"))
}
