package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sciencelive/nanopub-viewer/internal/api"
	"github.com/sciencelive/nanopub-viewer/internal/config"
	"github.com/sciencelive/nanopub-viewer/internal/domain"
	"github.com/sciencelive/nanopub-viewer/internal/logger"
	"github.com/sciencelive/nanopub-viewer/internal/reconciler"
	"github.com/sciencelive/nanopub-viewer/internal/schedule"
	"github.com/sciencelive/nanopub-viewer/internal/workflow/workflowtest"
)

const workflowName = "Process Nanopublications"

var start = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestSubmitPostsJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/process-nanopubs", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, []any{"https://w3id.org/np/A"}, body["nanopub_urls"])
		assert.Equal(t, "batch_1", body["batch_id"])

		_, _ = io.WriteString(w, `{"success": true, "batch_id": "batch_1", "workflow_run_id": 42,
			"polling_info": {"check_interval": 10000, "max_attempts": 20, "timeout_minutes": 5}}`)
	}))
	defer srv.Close()

	result, err := NewClient(srv.URL+"/").Submit(context.Background(),
		domain.NewSubmitRequest([]string{"https://w3id.org/np/A"}, "batch_1", nil))
	require.NoError(t, err)

	assert.True(t, result.Success)
	require.NotNil(t, result.WorkflowRunID)
	assert.Equal(t, int64(42), *result.WorkflowRunID)
	assert.Equal(t, 10*time.Second, result.PollingInfo.Interval())
	assert.Equal(t, domain.JobHandle{BatchID: "batch_1", RunID: result.WorkflowRunID}, result.Handle())
}

func TestStatusAcceptsProcessing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/.netlify/functions/get-results", r.URL.Path)
		assert.Equal(t, "batch_1", r.URL.Query().Get("batch_id"))
		assert.Equal(t, "42", r.URL.Query().Get("workflow_run_id"))
		w.WriteHeader(http.StatusAccepted)
		_, _ = io.WriteString(w, `{"status": "processing", "batch_id": "batch_1"}`)
	}))
	defer srv.Close()

	id := int64(42)
	report, err := NewClient(srv.URL, WithPrefix(".netlify/functions/")).
		Status(context.Background(), domain.JobHandle{BatchID: "batch_1", RunID: &id})
	require.NoError(t, err)
	assert.Equal(t, domain.WireStatusProcessing, report.Status)
}

func TestAPIErrorParsing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error": "Authentication failed - GitHub token may be invalid", "code": "UPSTREAM_ERROR", "github_status": 401}`)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).Status(context.Background(), domain.JobHandle{BatchID: "b"})
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "UPSTREAM_ERROR", apiErr.Code)
	assert.Equal(t, http.StatusUnauthorized, apiErr.GitHubStatus)
	assert.Contains(t, apiErr.Error(), "Authentication failed")
}

func TestAPIErrorWithoutJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream proxy down", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewClient(srv.URL).HealthCheck(context.Background())

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "Bad Gateway", apiErr.Message)
	assert.Contains(t, apiErr.Body, "upstream proxy down")
}

func TestHealthCheckRejectsUnhealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		_, _ = io.WriteString(w, `{"status": "degraded"}`)
	}))
	defer srv.Close()

	err := NewClient(srv.URL).HealthCheck(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "degraded")
}

func TestRequestsHonourContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("request should not be sent")
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewClient(srv.URL).Diagnostics(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

// apiServer runs the real HTTP API over an in-memory workflow platform
func apiServer(t *testing.T, fake *workflowtest.Fake, wrap func(http.Handler) http.Handler) *httptest.Server {
	t.Helper()
	cfg := &config.Config{
		GitHubOwner:       "acme",
		GitHubRepo:        "nanopubs",
		EventType:         "process-nanopubs-content-gen",
		WorkflowName:      workflowName,
		DiscoveryInterval: 5 * time.Second,
		DiscoveryAttempts: 6,
		DiscoveryWindow:   60 * time.Second,
		SearchWindow:      30 * time.Minute,
		HTTPTimeout:       5 * time.Second,
		SubmitRateLimit:   100,
		SubmitBurst:       100,
	}
	clock := schedule.NewFakeClock(start)
	handler := api.NewHandler(cfg, api.Dependencies{
		Token:     func() string { return "ghp_test" },
		NewClient: fake.Builder(nil),
		Clock:     clock,
		Logger:    logger.Nop(),
	})
	var h http.Handler = api.SetupRoutes(handler, cfg, clock, logger.Nop())
	if wrap != nil {
		h = wrap(h)
	}
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func TestSubmitAndWatchOverHTTP(t *testing.T) {
	fake := workflowtest.New()
	run := &domain.WorkflowRun{ID: 42, Name: workflowName, Status: "queued", CreatedAt: start.Add(2 * time.Second)}
	fake.AddRun(run)
	branch, base := domain.ResultsBranch(42), domain.ResultsPath("batch_e2e")
	fake.AddFile(branch, base+"/processing_summary.txt", []byte("1 nanopub processed"))

	var statusCalls atomic.Int32
	srv := apiServer(t, fake, func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasSuffix(r.URL.Path, "/get-results") && statusCalls.Add(1) == 3 {
				done := *run
				done.Status = "completed"
				done.Conclusion = "success"
				fake.SetRun(&done)
			}
			next.ServeHTTP(w, r)
		})
	})
	c := NewClient(srv.URL)
	ctx := context.Background()

	require.NoError(t, c.HealthCheck(ctx))

	result, err := c.Submit(ctx, domain.NewSubmitRequest([]string{"https://w3id.org/np/A"}, "batch_e2e", nil))
	require.NoError(t, err)
	require.NotNil(t, result.WorkflowRunID)

	var states []reconciler.State
	poller := reconciler.NewPoller(c, result.Handle(),
		reconciler.Policy{Interval: 10 * time.Second, MaxAttempts: 5},
		schedule.NewFakeClock(start),
		reconciler.WithUpdates(func(u reconciler.Update) { states = append(states, u.State) }),
	)
	outcome, err := poller.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, reconciler.StateCompleted, outcome.State)
	assert.Equal(t, 3, outcome.Attempts)
	assert.Equal(t, []reconciler.State{reconciler.StatePolling, reconciler.StatePolling, reconciler.StateCompleted}, states)
	require.NotNil(t, outcome.Bundle)
	assert.Equal(t, domain.SourceBranch, outcome.Bundle.Source)
	require.NotNil(t, outcome.Bundle.Summary)
	assert.Equal(t, "1 nanopub processed", *outcome.Bundle.Summary)
}

func TestBranchResultsAndDiagnosticsOverHTTP(t *testing.T) {
	fake := workflowtest.New()
	branch, base := domain.ResultsBranch(7), domain.ResultsPath("batch_1")
	fake.AddFile(branch, base+"/combined_analysis.json", []byte(`{"topics": ["ecology"]}`))
	srv := apiServer(t, fake, nil)
	c := NewClient(srv.URL)
	ctx := context.Background()

	results, err := c.BranchResults(ctx, "batch_1", 7)
	require.NoError(t, err)
	assert.JSONEq(t, `{"topics": ["ecology"]}`, string(results.CombinedAnalysis))
	assert.Nil(t, results.ProcessingSummary)
	assert.Equal(t, "results-7", results.ResultsBranch)

	diag, err := c.Diagnostics(ctx)
	require.NoError(t, err)
	assert.True(t, diag.TokenExists)
	assert.Equal(t, "classic", diag.TokenKind)

	access, err := c.TestAccess(ctx)
	require.NoError(t, err)
	assert.True(t, access.Summary["dispatchWorks"])
}

func TestSubmitValidationErrorOverHTTP(t *testing.T) {
	fake := workflowtest.New()
	srv := apiServer(t, fake, nil)

	_, err := NewClient(srv.URL).Submit(context.Background(), domain.NewSubmitRequest([]string{"not-a-url"}, "", nil))

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "VALIDATION_ERROR", apiErr.Code)
	assert.Empty(t, fake.Dispatches())
}
