package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sciencelive/nanopub-viewer/internal/domain"
	apperrors "github.com/sciencelive/nanopub-viewer/internal/errors"
	"github.com/sciencelive/nanopub-viewer/internal/logger"
	"github.com/sciencelive/nanopub-viewer/internal/schedule"
	"github.com/sciencelive/nanopub-viewer/internal/workflow/workflowtest"
)

const workflowName = "Process Nanopublications"

var now = time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)

func newTestService(fake *workflowtest.Fake) *Service {
	opts := Options{WorkflowName: workflowName, SearchWindow: 30 * time.Minute}
	return NewService(fake, opts, schedule.NewFakeClock(now), logger.Nop())
}

func runID(id int64) *int64 { return &id }

func completedRun(id int64) *domain.WorkflowRun {
	return &domain.WorkflowRun{
		ID:         id,
		Name:       workflowName,
		Status:     "completed",
		Conclusion: "success",
		CreatedAt:  now.Add(-5 * time.Minute),
		UpdatedAt:  now.Add(-time.Minute),
		HTMLURL:    "https://github.com/acme/nanopubs/actions/runs/42",
	}
}

func withBranchFiles(fake *workflowtest.Fake, runID int64, batchID string) {
	branch := domain.ResultsBranch(runID)
	base := domain.ResultsPath(batchID)
	fake.AddFile(branch, base+"/processing_summary.txt", []byte("2 nanopubs processed"))
	fake.AddFile(branch, base+"/batch_results.json", []byte(`{"processed": 2, "failed": 0}`))
	fake.AddFile(branch, base+"/combined_analysis.json", []byte(`{"topics": ["biology"]}`))
	fake.AddDir(branch, base+"/individual", []domain.IndividualFile{
		{Name: "np_2.json", Path: base + "/individual/np_2.json", Size: 20},
		{Name: "np_1.json", Path: base + "/individual/np_1.json", Size: 10},
	})
}

func TestStatusNoRunYet(t *testing.T) {
	fake := workflowtest.New()
	svc := newTestService(fake)

	report, err := svc.Status(context.Background(), domain.JobHandle{BatchID: "batch_test_1"})
	require.NoError(t, err)

	assert.Equal(t, domain.WireStatusProcessing, report.Status)
	assert.Equal(t, "batch_test_1", report.BatchID)
	assert.Nil(t, report.WorkflowRun)
	assert.Equal(t, "https://github.com/acme/nanopubs/actions", report.DashboardURL)
}

func TestStatusByRunID(t *testing.T) {
	tests := []struct {
		name       string
		status     string
		conclusion string
		wantWire   string
	}{
		{"queued", "queued", "", domain.WireStatusProcessing},
		{"running", "in_progress", "", domain.WireStatusProcessing},
		{"succeeded", "completed", "success", domain.WireStatusCompleted},
		{"failed", "completed", "failure", domain.WireStatusFailed},
		{"odd", "completed", "neutral", domain.WireStatusUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := workflowtest.New()
			run := completedRun(42)
			run.Status, run.Conclusion = tt.status, tt.conclusion
			fake.AddRun(run)

			report, err := newTestService(fake).Status(context.Background(), domain.JobHandle{BatchID: "b", RunID: runID(42)})
			require.NoError(t, err)
			assert.Equal(t, tt.wantWire, report.Status)
			require.NotNil(t, report.WorkflowRun)
			assert.Equal(t, int64(42), report.WorkflowRun.ID)
			assert.Equal(t, 1, fake.Calls("GetRun"))
			assert.Equal(t, 0, fake.Calls("ListRecentRuns"))
		})
	}
}

func TestStatusAttachesArtifact(t *testing.T) {
	fake := workflowtest.New()
	fake.AddRun(completedRun(42))
	fake.Artifacts[42] = []*domain.Artifact{
		{Name: "coverage"},
		{Name: "nanopub-processing-batch_test_1", DownloadURL: "https://example.org/a.zip", SizeInBytes: 512},
	}

	report, err := newTestService(fake).Status(context.Background(), domain.JobHandle{BatchID: "batch_test_1", RunID: runID(42)})
	require.NoError(t, err)

	require.NotNil(t, report.Artifacts)
	assert.Equal(t, "nanopub-processing-batch_test_1", report.Artifacts.Name)
	assert.Equal(t, "Processing completed successfully", report.Message)
}

func TestFindRunHeuristics(t *testing.T) {
	t.Run("unknown run ID falls back to search", func(t *testing.T) {
		fake := workflowtest.New()
		fake.Runs = []*domain.WorkflowRun{completedRun(43)}

		report, err := newTestService(fake).Status(context.Background(), domain.JobHandle{BatchID: "b", RunID: runID(99)})
		require.NoError(t, err)
		require.NotNil(t, report.WorkflowRun)
		assert.Equal(t, int64(43), report.WorkflowRun.ID)
	})

	t.Run("commit message wins over recency", func(t *testing.T) {
		fake := workflowtest.New()
		newest := completedRun(50)
		older := completedRun(41)
		older.CreatedAt = now.Add(-2 * time.Hour)
		older.HeadCommitMessage = "Add results for batch_test_1"
		fake.Runs = []*domain.WorkflowRun{newest, older}

		report, err := newTestService(fake).Status(context.Background(), domain.JobHandle{BatchID: "batch_test_1"})
		require.NoError(t, err)
		assert.Equal(t, int64(41), report.WorkflowRun.ID)
	})

	t.Run("runs outside the window or of other workflows are ignored", func(t *testing.T) {
		fake := workflowtest.New()
		stale := completedRun(30)
		stale.CreatedAt = now.Add(-31 * time.Minute)
		other := completedRun(31)
		other.Name = "CI"
		fake.Runs = []*domain.WorkflowRun{other, stale}

		report, err := newTestService(fake).Status(context.Background(), domain.JobHandle{BatchID: "batch_test_1"})
		require.NoError(t, err)
		assert.Nil(t, report.WorkflowRun)
		assert.Equal(t, domain.WireStatusProcessing, report.Status)
	})

	t.Run("upstream errors surface", func(t *testing.T) {
		fake := workflowtest.New()
		fake.FailWith("GetRun", apperrors.NewUpstreamError(http.StatusUnauthorized, errors.New("bad credentials")))

		_, err := newTestService(fake).Status(context.Background(), domain.JobHandle{BatchID: "b", RunID: runID(42)})
		assert.True(t, apperrors.IsUpstream(err))
		assert.Equal(t, 0, fake.Calls("ListRecentRuns"))
	})
}

func TestResultsPrefersBranch(t *testing.T) {
	fake := workflowtest.New()
	fake.AddRun(completedRun(42))
	withBranchFiles(fake, 42, "batch_test_1")
	fake.Logs[42] = []byte("=== SCIENCE LIVE NANOPUB PROCESSING REPORT ===\n")

	bundle, err := newTestService(fake).Results(context.Background(), domain.JobHandle{BatchID: "batch_test_1", RunID: runID(42)})
	require.NoError(t, err)

	assert.Equal(t, domain.SourceBranch, bundle.Source)
	assert.False(t, bundle.Partial)
	assert.Equal(t, domain.JobStatusCompleted, bundle.Status)
	require.NotNil(t, bundle.Summary)
	assert.Equal(t, "2 nanopubs processed", *bundle.Summary)
	assert.JSONEq(t, `{"processed": 2, "failed": 0}`, string(bundle.BatchResults))
	assert.JSONEq(t, `{"topics": ["biology"]}`, string(bundle.Combined))
	require.Len(t, bundle.IndividualFiles, 2)
	assert.Equal(t, "np_1.json", bundle.IndividualFiles[0].Name)
	assert.Equal(t, "results-42", bundle.SourceBranch)
	assert.Equal(t, "https://github.com/acme/nanopubs/tree/results-42/processing-results/batch_test_1", bundle.BranchURL)
	assert.Equal(t, 0, fake.Calls("GetRunLogs"), "later sources are not consulted")
}

func TestResultsFallsBackToLogs(t *testing.T) {
	fake := workflowtest.New()
	fake.AddRun(completedRun(42))
	fake.Logs[42] = []byte("2024-05-01T12:00:00.1Z === SCIENCE LIVE NANOPUB PROCESSING REPORT ===\n" +
		"2024-05-01T12:00:00.2Z body\n" +
		"2024-05-01T12:00:00.3Z === PROCESSING COMPLETE ===\n")

	bundle, err := newTestService(fake).Results(context.Background(), domain.JobHandle{BatchID: "batch_test_1", RunID: runID(42)})
	require.NoError(t, err)

	assert.Equal(t, domain.SourceLogs, bundle.Source)
	assert.False(t, bundle.Partial)
	assert.Equal(t, "=== SCIENCE LIVE NANOPUB PROCESSING REPORT ===\nbody\n=== PROCESSING COMPLETE ===", bundle.Report)
}

func TestResultsFallsBackToMetadata(t *testing.T) {
	fake := workflowtest.New()
	fake.AddRun(completedRun(42))
	fake.FailWith("GetFile", apperrors.NewUpstreamError(http.StatusBadGateway, errors.New("bad gateway")))
	fake.Logs[42] = []byte("no markers here\n")

	bundle, err := newTestService(fake).Results(context.Background(), domain.JobHandle{BatchID: "batch_test_1", RunID: runID(42)})
	require.NoError(t, err)

	assert.Equal(t, domain.SourceMetadata, bundle.Source)
	assert.True(t, bundle.Partial)
	assert.Equal(t, domain.JobStatusCompleted, bundle.Status)
	assert.Equal(t, "https://github.com/acme/nanopubs/actions/runs/42", bundle.DashboardURL)
	assert.Empty(t, bundle.Report)
	assert.NotNil(t, bundle.IndividualFiles)
}

type failingSource struct{ kind domain.ResultSourceKind }

func (f failingSource) Kind() domain.ResultSourceKind { return f.kind }

func (f failingSource) Fetch(context.Context, domain.JobHandle, *domain.WorkflowRun) (*domain.ResultBundle, error) {
	return nil, errors.New("boom")
}

func TestResultsFallthroughReturnsPartial(t *testing.T) {
	fake := workflowtest.New()
	fake.AddRun(completedRun(42))
	svc := newTestService(fake).WithSources(failingSource{domain.SourceBranch}, failingSource{domain.SourceLogs})

	bundle, err := svc.Results(context.Background(), domain.JobHandle{BatchID: "batch_test_1", RunID: runID(42)})
	require.NoError(t, err)

	assert.Equal(t, domain.SourceNone, bundle.Source)
	assert.True(t, bundle.Partial)
	assert.Equal(t, int64(42), *bundle.RunID)
}

func TestResultsForUnfinishedRun(t *testing.T) {
	fake := workflowtest.New()
	run := completedRun(42)
	run.Status, run.Conclusion = "in_progress", ""
	fake.AddRun(run)

	bundle, err := newTestService(fake).Results(context.Background(), domain.JobHandle{BatchID: "batch_test_1", RunID: runID(42)})
	require.NoError(t, err)

	assert.Equal(t, domain.JobStatusInProgress, bundle.Status)
	assert.True(t, bundle.Partial)
	assert.Equal(t, 0, fake.Calls("GetFile"))
}

func TestResultsAreIdempotent(t *testing.T) {
	fake := workflowtest.New()
	fake.AddRun(completedRun(42))
	withBranchFiles(fake, 42, "batch_test_1")
	svc := newTestService(fake)
	handle := domain.JobHandle{BatchID: "batch_test_1", RunID: runID(42)}

	first, err := svc.Results(context.Background(), handle)
	require.NoError(t, err)
	second, err := svc.Results(context.Background(), handle)
	require.NoError(t, err)

	a, err := json.Marshal(first)
	require.NoError(t, err)
	b, err := json.Marshal(second)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestBranchResults(t *testing.T) {
	fake := workflowtest.New()
	withBranchFiles(fake, 42, "batch_test_1")
	fake.AddFile("results-42", "processing-results/batch_test_1/combined_analysis.json", []byte("not json"))

	results, err := newTestService(fake).BranchResults(context.Background(), "batch_test_1", 42)
	require.NoError(t, err)

	assert.Equal(t, "success", results.Status)
	assert.Equal(t, "results-42", results.ResultsBranch)
	assert.NotNil(t, results.ProcessingSummary)
	assert.NotEmpty(t, results.BatchResults)
	assert.Nil(t, results.CombinedAnalysis, "malformed JSON is dropped")
	assert.Len(t, results.IndividualFiles, 2)
	assert.Equal(t, "Full results retrieved from committed files", results.Message)
}

func TestBranchResultsEmptyBranch(t *testing.T) {
	fake := workflowtest.New()

	results, err := newTestService(fake).BranchResults(context.Background(), "batch_test_1", 42)
	require.NoError(t, err)

	assert.False(t, results.HasData())
	assert.Nil(t, results.ProcessingSummary)
	assert.Empty(t, results.IndividualFiles)
	assert.NotNil(t, results.IndividualFiles)
}

func TestBranchResultsUpstreamFailure(t *testing.T) {
	fake := workflowtest.New()
	fake.FailWith("GetFile", apperrors.NewUpstreamError(http.StatusForbidden, errors.New("forbidden")))
	fake.FailWith("ListDir", apperrors.NewUpstreamError(http.StatusForbidden, errors.New("forbidden")))

	_, err := newTestService(fake).BranchResults(context.Background(), "batch_test_1", 42)
	assert.True(t, apperrors.IsUpstream(err))
}

func newServiceFake() *workflowtest.Fake {
	fake := workflowtest.New()
	fake.AddRun(completedRun(42))
	withBranchFiles(fake, 42, "batch_test_1")
	return fake
}

func TestBranchResultsRejectsPathBatchID(t *testing.T) {
	fake := workflowtest.New()
	fake.AddFile("results-42", "README.md", []byte("secret"))

	_, err := newTestService(fake).BranchResults(context.Background(), "../..", 42)
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
}
