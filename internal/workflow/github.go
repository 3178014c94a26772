package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/google/go-github/v55/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/sciencelive/nanopub-viewer/internal/domain"
	apperrors "github.com/sciencelive/nanopub-viewer/internal/errors"
)

const (
	webURL = "https://github.com"
	// maxLogBytes caps a downloaded log archive
	maxLogBytes = 64 << 20
)

// githubClient implements Client using the GitHub REST API
type githubClient struct {
	client      *github.Client
	owner       string
	repo        string
	rateLimiter RateLimiter
	download    *http.Client
	log         *zap.SugaredLogger
}

func newGitHubClient(token string, opts Options, limiter RateLimiter, download *http.Client) (*githubClient, error) {
	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: token},
	)
	tc := oauth2.NewClient(context.Background(), ts)
	tc.Timeout = opts.HTTPTimeout
	client := github.NewClient(tc)

	if opts.BaseURL != "" {
		base := opts.BaseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		u, err := url.Parse(base)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid GitHub API URL %q", opts.BaseURL)
		}
		client.BaseURL = u
	}

	return &githubClient{
		client:      client,
		owner:       opts.Owner,
		repo:        opts.Repo,
		rateLimiter: limiter,
		download:    download,
		log:         opts.Logger,
	}, nil
}

// Dispatch fires a repository_dispatch event
func (c *githubClient) Dispatch(ctx context.Context, eventType string, payload any) error {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return err
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "failed to encode client payload")
	}
	clientPayload := json.RawMessage(raw)

	_, resp, err := c.client.Repositories.Dispatch(ctx, c.owner, c.repo, github.DispatchRequestOptions{
		EventType:     eventType,
		ClientPayload: &clientPayload,
	})
	c.updateRateLimitFromResponse(resp)
	if err != nil {
		return c.upstreamError(ctx, resp, err, "failed to dispatch %s", eventType)
	}

	c.log.Debugw("dispatched workflow event", "event_type", eventType, "repo", c.owner+"/"+c.repo)
	return nil
}

// ListRecentRuns lists the most recent workflow runs of the repository
func (c *githubClient) ListRecentRuns(ctx context.Context, perPage int) ([]*domain.WorkflowRun, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, err
	}

	opts := &github.ListWorkflowRunsOptions{
		ListOptions: github.ListOptions{PerPage: perPage},
	}
	runs, resp, err := c.client.Actions.ListRepositoryWorkflowRuns(ctx, c.owner, c.repo, opts)
	c.updateRateLimitFromResponse(resp)
	if err != nil {
		return nil, c.upstreamError(ctx, resp, err, "failed to list workflow runs for %s/%s", c.owner, c.repo)
	}

	result := make([]*domain.WorkflowRun, 0, len(runs.WorkflowRuns))
	for _, run := range runs.WorkflowRuns {
		result = append(result, toRun(run))
	}
	return result, nil
}

// GetRun retrieves a workflow run by ID
func (c *githubClient) GetRun(ctx context.Context, runID int64) (*domain.WorkflowRun, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, err
	}

	run, resp, err := c.client.Actions.GetWorkflowRunByID(ctx, c.owner, c.repo, runID)
	c.updateRateLimitFromResponse(resp)
	if err != nil {
		if statusOf(resp) == http.StatusNotFound {
			return nil, apperrors.NewNotFoundError(fmt.Sprintf("workflow run %d", runID))
		}
		return nil, c.upstreamError(ctx, resp, err, "failed to get workflow run %d", runID)
	}
	return toRun(run), nil
}

// GetRunLogs resolves the run's log archive location and downloads it.
// The archive URL is pre-signed, so the download is unauthenticated.
func (c *githubClient) GetRunLogs(ctx context.Context, runID int64) ([]byte, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, err
	}

	location, resp, err := c.client.Actions.GetWorkflowRunLogs(ctx, c.owner, c.repo, runID, true)
	c.updateRateLimitFromResponse(resp)
	if err != nil {
		switch statusOf(resp) {
		case http.StatusNotFound, http.StatusGone:
			return nil, apperrors.NewNotFoundError(fmt.Sprintf("logs for workflow run %d", runID))
		}
		return nil, c.upstreamError(ctx, resp, err, "failed to locate logs for workflow run %d", runID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location.String(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build log download request")
	}
	res, err := c.download.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperrors.NewUpstreamError(0, errors.Wrap(err, "failed to download run logs"))
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, apperrors.NewUpstreamError(res.StatusCode, errors.Newf("log download returned %s", res.Status))
	}

	data, err := io.ReadAll(io.LimitReader(res.Body, maxLogBytes))
	if err != nil {
		return nil, apperrors.NewUpstreamError(0, errors.Wrap(err, "failed to read run logs"))
	}
	return data, nil
}

// ListArtifacts lists the artifacts uploaded by a run
func (c *githubClient) ListArtifacts(ctx context.Context, runID int64) ([]*domain.Artifact, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, err
	}

	list, resp, err := c.client.Actions.ListWorkflowRunArtifacts(ctx, c.owner, c.repo, runID, &github.ListOptions{PerPage: 100})
	c.updateRateLimitFromResponse(resp)
	if err != nil {
		return nil, c.upstreamError(ctx, resp, err, "failed to list artifacts for workflow run %d", runID)
	}

	artifacts := make([]*domain.Artifact, 0, len(list.Artifacts))
	for _, a := range list.Artifacts {
		artifacts = append(artifacts, &domain.Artifact{
			Name:        a.GetName(),
			DownloadURL: a.GetArchiveDownloadURL(),
			SizeInBytes: a.GetSizeInBytes(),
			CreatedAt:   a.GetCreatedAt().Time,
		})
	}
	return artifacts, nil
}

// GetFile returns the decoded content of a file at ref
func (c *githubClient) GetFile(ctx context.Context, path, ref string) ([]byte, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, err
	}

	file, _, resp, err := c.client.Repositories.GetContents(ctx, c.owner, c.repo, path, &github.RepositoryContentGetOptions{Ref: ref})
	c.updateRateLimitFromResponse(resp)
	if err != nil {
		if statusOf(resp) == http.StatusNotFound {
			return nil, apperrors.NewNotFoundError(path)
		}
		return nil, c.upstreamError(ctx, resp, err, "failed to get %s at %s", path, ref)
	}
	if file == nil {
		return nil, apperrors.NewNotFoundError(path)
	}

	content, err := file.GetContent()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode %s", path)
	}
	return []byte(content), nil
}

// ListDir lists the regular files of a directory at ref, sorted by name
func (c *githubClient) ListDir(ctx context.Context, path, ref string) ([]domain.IndividualFile, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, err
	}

	file, dir, resp, err := c.client.Repositories.GetContents(ctx, c.owner, c.repo, path, &github.RepositoryContentGetOptions{Ref: ref})
	c.updateRateLimitFromResponse(resp)
	if err != nil {
		if statusOf(resp) == http.StatusNotFound {
			return nil, apperrors.NewNotFoundError(path)
		}
		return nil, c.upstreamError(ctx, resp, err, "failed to list %s at %s", path, ref)
	}
	if file != nil {
		return nil, apperrors.NewNotFoundError(path + "/")
	}

	files := make([]domain.IndividualFile, 0, len(dir))
	for _, entry := range dir {
		if entry.GetType() != "file" {
			continue
		}
		files = append(files, domain.IndividualFile{
			Name: entry.GetName(),
			Path: entry.GetPath(),
			Size: entry.GetSize(),
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

// Viewer returns the login of the authenticated user
func (c *githubClient) Viewer(ctx context.Context) (string, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return "", err
	}

	user, resp, err := c.client.Users.Get(ctx, "")
	c.updateRateLimitFromResponse(resp)
	if err != nil {
		return "", c.upstreamError(ctx, resp, err, "failed to get authenticated user")
	}
	return user.GetLogin(), nil
}

// Repository returns the full name of the target repository
func (c *githubClient) Repository(ctx context.Context) (string, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return "", err
	}

	repo, resp, err := c.client.Repositories.Get(ctx, c.owner, c.repo)
	c.updateRateLimitFromResponse(resp)
	if err != nil {
		return "", c.upstreamError(ctx, resp, err, "failed to get repository %s/%s", c.owner, c.repo)
	}
	return repo.GetFullName(), nil
}

func (c *githubClient) RunURL(runID int64) string {
	return fmt.Sprintf("%s/%s/%s/actions/runs/%d", webURL, c.owner, c.repo, runID)
}

func (c *githubClient) ActionsURL() string {
	return fmt.Sprintf("%s/%s/%s/actions", webURL, c.owner, c.repo)
}

func (c *githubClient) TreeURL(ref, path string) string {
	return fmt.Sprintf("%s/%s/%s/tree/%s/%s", webURL, c.owner, c.repo, ref, path)
}

// upstreamError classifies a failed API call. Cancellation is passed through
// untouched so callers can tell it apart from upstream failures.
func (c *githubClient) upstreamError(ctx context.Context, resp *github.Response, err error, format string, args ...any) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	status := statusOf(resp)
	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) && status == 0 {
		status = http.StatusForbidden
	}

	c.log.Warnw("GitHub API call failed", "status", status, "error", err)
	return apperrors.NewUpstreamError(status, errors.Wrapf(err, format, args...))
}

// updateRateLimitFromResponse updates the rate limiter from API response
func (c *githubClient) updateRateLimitFromResponse(resp *github.Response) {
	if resp != nil && resp.Rate.Limit > 0 {
		c.rateLimiter.UpdateLimit(resp.Rate.Remaining, resp.Rate.Reset.Time)
	}
}

func statusOf(resp *github.Response) int {
	if resp == nil || resp.Response == nil {
		return 0
	}
	return resp.StatusCode
}

func toRun(run *github.WorkflowRun) *domain.WorkflowRun {
	return &domain.WorkflowRun{
		ID:                run.GetID(),
		Name:              run.GetName(),
		Status:            run.GetStatus(),
		Conclusion:        run.GetConclusion(),
		CreatedAt:         run.GetCreatedAt().Time,
		UpdatedAt:         run.GetUpdatedAt().Time,
		HTMLURL:           run.GetHTMLURL(),
		RunNumber:         run.GetRunNumber(),
		HeadCommitMessage: run.GetHeadCommit().GetMessage(),
	}
}
