package api

import (
	"context"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sciencelive/nanopub-viewer/internal/config"
	"github.com/sciencelive/nanopub-viewer/internal/dispatcher"
	"github.com/sciencelive/nanopub-viewer/internal/domain"
	apperrors "github.com/sciencelive/nanopub-viewer/internal/errors"
	"github.com/sciencelive/nanopub-viewer/internal/logger"
	"github.com/sciencelive/nanopub-viewer/internal/logscan"
	"github.com/sciencelive/nanopub-viewer/internal/nanopub"
	"github.com/sciencelive/nanopub-viewer/internal/reconciler"
	"github.com/sciencelive/nanopub-viewer/internal/schedule"
	"github.com/sciencelive/nanopub-viewer/internal/workflow"
)

const (
	testEventType = "test-from-api"
	isoMillis     = "2006-01-02T15:04:05.000Z"
)

// Dependencies are the collaborators a Handler needs besides configuration
type Dependencies struct {
	// Token is consulted on every request, so a rotated secret is picked up without a restart
	Token     config.TokenSource
	NewClient workflow.Builder
	Fetcher   *nanopub.Fetcher
	Clock     schedule.Clock
	Logger    *zap.SugaredLogger
	// Environ lists environment variables for diagnostics; nil means os.Environ
	Environ func() []string
}

// Handler handles API requests
type Handler struct {
	cfg  *config.Config
	deps Dependencies
	log  *zap.SugaredLogger
}

// NewHandler creates a new API handler
func NewHandler(cfg *config.Config, deps Dependencies) *Handler {
	if deps.Token == nil {
		deps.Token = config.TokenFromEnv
	}
	if deps.Clock == nil {
		deps.Clock = schedule.RealClock()
	}
	if deps.Environ == nil {
		deps.Environ = os.Environ
	}
	if deps.Fetcher == nil {
		deps.Fetcher = nanopub.NewFetcher(&http.Client{Timeout: cfg.HTTPTimeout}, deps.Logger, nanopub.PublicOnly())
	}
	return &Handler{
		cfg:  cfg,
		deps: deps,
		log:  logger.OrNop(deps.Logger),
	}
}

// session holds the per-request collaborators built from the request's token
type session struct {
	client     workflow.Client
	dispatcher *dispatcher.Dispatcher
	reconciler *reconciler.Service
}

func (h *Handler) newSession() (*session, error) {
	token := h.deps.Token()
	if token == "" {
		h.log.Errorw("GitHub token missing", "token_exists", false)
		return nil, apperrors.NewConfigurationError("GitHub token not configured on server")
	}

	client, err := h.deps.NewClient(token)
	if err != nil {
		h.log.Errorw("could not build GitHub client", "token_length", len(token), "error", err)
		appErr := apperrors.NewConfigurationError("GitHub client could not be configured")
		appErr.Err = err
		return nil, appErr
	}

	return &session{
		client: client,
		dispatcher: dispatcher.New(client, dispatcher.Options{
			EventType:         h.cfg.EventType,
			WorkflowName:      h.cfg.WorkflowName,
			DiscoveryInterval: h.cfg.DiscoveryInterval,
			DiscoveryAttempts: h.cfg.DiscoveryAttempts,
			DiscoveryWindow:   h.cfg.DiscoveryWindow,
		}, h.deps.Clock, h.log),
		reconciler: reconciler.NewService(client, reconciler.Options{
			WorkflowName: h.cfg.WorkflowName,
			SearchWindow: h.cfg.SearchWindow,
		}, h.deps.Clock, h.log),
	}, nil
}

// HealthCheck returns the health status
// GET /health
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": h.deps.Clock.Now().UTC().Format(isoMillis),
	})
}

// ProcessNanopubs validates a batch and dispatches it to the workflow
// POST /api/v1/process-nanopubs
func (h *Handler) ProcessNanopubs(c *gin.Context) {
	var req domain.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.NewValidationError("Invalid request body: "+err.Error()))
		return
	}
	req.UserAgent = c.Request.UserAgent()

	// Validation errors win over a missing credential
	if _, err := dispatcher.Normalize(req); err != nil {
		respondError(c, err)
		return
	}

	s, err := h.newSession()
	if err != nil {
		respondError(c, err)
		return
	}

	result, err := s.dispatcher.Submit(c.Request.Context(), req)
	if err != nil {
		var submitErr *dispatcher.SubmitError
		if errors.As(err, &submitErr) {
			respondSubmitError(c, submitErr)
			return
		}
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// GetResults reports the status of a batch; 202 while it is still processing
// GET /api/v1/get-results?batch_id=&workflow_run_id=
func (h *Handler) GetResults(c *gin.Context) {
	handle, err := parseHandle(c)
	if err != nil {
		respondError(c, err)
		return
	}

	s, err := h.newSession()
	if err != nil {
		respondError(c, err)
		return
	}

	report, err := s.reconciler.Status(c.Request.Context(), handle)
	if err != nil {
		respondError(c, err)
		return
	}

	if report.Status == domain.WireStatusProcessing {
		c.JSON(http.StatusAccepted, report)
		return
	}
	c.JSON(http.StatusOK, report)
}

// GetBranchResults returns the files a run committed for a batch
// GET /api/v1/get-branch-results?batch_id=&workflow_run_id=
func (h *Handler) GetBranchResults(c *gin.Context) {
	batchID := c.Query("batch_id")
	runID, ok := parseRunID(c.Query("workflow_run_id"))
	if batchID == "" || !ok {
		respondError(c, apperrors.NewValidationError("batch_id and workflow_run_id parameters required"))
		return
	}
	if !domain.ValidBatchID(batchID) {
		respondError(c, apperrors.NewValidationError(msgInvalidBatchID))
		return
	}

	s, err := h.newSession()
	if err != nil {
		respondError(c, err)
		return
	}

	results, err := s.reconciler.BranchResults(c.Request.Context(), batchID, runID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, results)
}

// GetFullResults returns the result bundle of a batch; 202 until the run succeeded
// GET /api/v1/get-full-results?batch_id=&workflow_run_id=
func (h *Handler) GetFullResults(c *gin.Context) {
	handle, err := parseHandle(c)
	if err != nil {
		respondError(c, err)
		return
	}

	s, err := h.newSession()
	if err != nil {
		respondError(c, err)
		return
	}

	bundle, err := s.reconciler.Results(c.Request.Context(), handle)
	if err != nil {
		respondError(c, err)
		return
	}

	if bundle.Status != domain.JobStatusCompleted {
		c.JSON(http.StatusAccepted, bundle)
		return
	}
	c.JSON(http.StatusOK, bundle)
}

// DebugEnv describes the configured token without revealing it
// GET /api/v1/debug-env
func (h *Handler) DebugEnv(c *gin.Context) {
	c.JSON(http.StatusOK, diagnoseToken(h.deps.Token(), h.deps.Environ()))
}

// TestGitHub probes user, repository and dispatch access with the configured token
// POST /api/v1/test-github
func (h *Handler) TestGitHub(c *gin.Context) {
	s, err := h.newSession()
	if err != nil {
		respondError(c, err)
		return
	}
	ctx := c.Request.Context()

	login, err := s.client.Viewer(ctx)
	user := probe(http.StatusOK, "login: "+login, err)

	name, err := s.client.Repository(ctx)
	repo := probe(http.StatusOK, "repository: "+name, err)

	err = s.client.Dispatch(ctx, testEventType, map[string]any{
		"test":      true,
		"timestamp": h.deps.Clock.Now().UTC().Format(isoMillis),
	})
	dispatch := probe(http.StatusNoContent, "", err)

	c.JSON(http.StatusOK, domain.AccessReport{
		UserTest:     user,
		RepoTest:     repo,
		DispatchTest: dispatch,
		Summary: map[string]bool{
			"userWorks":     user.OK(),
			"repoWorks":     repo.OK(),
			"dispatchWorks": dispatch.OK(),
		},
	})
}

// TestLogs checks that a run and its logs are readable
// GET /api/v1/test-logs?workflow_run_id=
func (h *Handler) TestLogs(c *gin.Context) {
	runID, ok := parseRunID(c.Query("workflow_run_id"))
	if !ok {
		respondError(c, apperrors.NewValidationError("workflow_run_id parameter required"))
		return
	}

	s, err := h.newSession()
	if err != nil {
		respondError(c, err)
		return
	}
	ctx := c.Request.Context()

	run, err := s.client.GetRun(ctx, runID)
	if err != nil {
		respondError(c, err)
		return
	}

	logs, err := s.client.GetRunLogs(ctx, runID)
	if err == nil {
		var info *logscan.Info
		if info, err = logscan.Sample(logs); err == nil {
			c.JSON(http.StatusOK, gin.H{"workflow_run": run, "logs_info": info})
			return
		}
	}

	failure := probe(0, "", err)
	c.JSON(http.StatusOK, gin.H{
		"workflow_run": run,
		"logs_info": gin.H{
			"accessible":    false,
			"error_status":  failure.Status,
			"error_details": failure.Error,
		},
	})
}

// GetNanopub fetches a nanopublication's RDF on behalf of the browser
// GET /api/v1/nanopub?url=
func (h *Handler) GetNanopub(c *gin.Context) {
	uri := c.Query("url")
	if uri == "" {
		respondError(c, apperrors.NewValidationError("url parameter required"))
		return
	}

	doc, err := h.deps.Fetcher.Fetch(c.Request.Context(), uri)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, doc)
}

const msgInvalidBatchID = "batch_id must not contain path separators or parent references"

// parseHandle reads batch_id and the optional workflow_run_id
func parseHandle(c *gin.Context) (domain.JobHandle, error) {
	handle := domain.JobHandle{BatchID: c.Query("batch_id")}
	if handle.BatchID == "" {
		return handle, apperrors.NewValidationError("batch_id parameter required")
	}
	if !domain.ValidBatchID(handle.BatchID) {
		return handle, apperrors.NewValidationError(msgInvalidBatchID)
	}

	raw := c.Query("workflow_run_id")
	switch raw {
	case "", "null", "undefined":
		return handle, nil
	}
	runID, ok := parseRunID(raw)
	if !ok {
		return handle, apperrors.NewValidationError("workflow_run_id must be a positive integer")
	}
	return handle.WithRunID(runID), nil
}

func parseRunID(raw string) (int64, bool) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// probe turns one access check into its report entry
func probe(okStatus int, detail string, err error) domain.AccessProbe {
	if err == nil {
		return domain.AccessProbe{Status: okStatus, Detail: detail}
	}
	p := domain.AccessProbe{Error: err.Error()}
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		switch appErr.Code {
		case apperrors.ErrCodeUpstream:
			p.Status = appErr.Status
			p.Error = appErr.Hint
		case apperrors.ErrCodeNotFound:
			p.Status = http.StatusNotFound
			p.Error = appErr.Message
		}
	}
	return p
}

// diagnoseToken reports on token without exposing more than its first 8 characters
func diagnoseToken(token string, environ []string) domain.TokenDiagnostics {
	d := domain.TokenDiagnostics{
		TokenExists:       token != "",
		TokenLength:       len(token),
		TokenPrefix:       "none",
		TokenKind:         "none",
		GitHubRelatedVars: []string{},
		DeployContext:     "unknown",
	}
	if token != "" {
		prefix := token
		if len(prefix) > 8 {
			prefix = prefix[:8]
		}
		d.TokenPrefix = prefix + "..."
		switch {
		case strings.HasPrefix(token, "github_pat_"):
			d.TokenKind = "fine-grained"
		case strings.HasPrefix(token, "ghp_"):
			d.TokenKind = "classic"
		case strings.HasPrefix(token, "ghs_"):
			d.TokenKind = "app-installation"
		default:
			d.TokenKind = "unrecognised"
		}
	}

	for _, kv := range environ {
		name, value, _ := strings.Cut(kv, "=")
		lower := strings.ToLower(name)
		if strings.Contains(lower, "github") || strings.Contains(lower, "token") {
			d.GitHubRelatedVars = append(d.GitHubRelatedVars, name)
		}
		if name == "CONTEXT" && value != "" {
			d.DeployContext = value
		}
	}
	return d
}

// respondError sends an error response
func respondError(c *gin.Context, err error) {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		respondInternal(c, err)
		return
	}

	switch appErr.Code {
	case apperrors.ErrCodeValidation:
		c.JSON(http.StatusBadRequest, gin.H{"error": appErr.Message, "code": appErr.Code})
	case apperrors.ErrCodeConfiguration:
		c.JSON(http.StatusInternalServerError, gin.H{"error": appErr.Message, "code": appErr.Code})
	case apperrors.ErrCodeNotFound:
		c.JSON(http.StatusNotFound, gin.H{"error": appErr.Message, "code": appErr.Code})
	case apperrors.ErrCodeRateLimited:
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":      appErr.Message,
			"code":       appErr.Code,
			"request_id": GetRequestID(c),
		})
	case apperrors.ErrCodeUpstream:
		c.JSON(upstreamStatus(appErr.Status), upstreamBody(appErr))
	default:
		respondInternal(c, err)
	}
}

// respondSubmitError reports a failed dispatch, echoing the batch it was for
func respondSubmitError(c *gin.Context, err *dispatcher.SubmitError) {
	var appErr *apperrors.AppError
	if !errors.As(err.Err, &appErr) || appErr.Code != apperrors.ErrCodeUpstream {
		respondError(c, err.Err)
		return
	}
	body := upstreamBody(appErr)
	body["batch_id"] = err.BatchID
	body["content_generation_requested"] = err.GenerationRequested
	c.JSON(upstreamStatus(appErr.Status), body)
}

func respondInternal(c *gin.Context, err error) {
	errType := "error"
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		errType = "timeout"
	}
	message := "unknown error"
	if err != nil {
		message = err.Error()
	}
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":     "Internal server error",
		"message":   message,
		"timestamp": time.Now().UTC().Format(isoMillis),
		"type":      errType,
	})
}

// upstreamStatus maps a GitHub status onto ours: GitHub-side failures are
// ours too, rejections are the caller's.
func upstreamStatus(status int) int {
	if status == 0 || status >= http.StatusInternalServerError {
		return http.StatusInternalServerError
	}
	return http.StatusBadRequest
}

func upstreamBody(appErr *apperrors.AppError) gin.H {
	body := gin.H{
		"error":         appErr.Hint,
		"code":          appErr.Code,
		"message":       appErr.Message,
		"github_status": appErr.Status,
	}
	if appErr.Err != nil {
		body["details"] = appErr.Err.Error()
	}
	return body
}
