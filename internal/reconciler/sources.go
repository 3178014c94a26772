package reconciler

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/sciencelive/nanopub-viewer/internal/domain"
	apperrors "github.com/sciencelive/nanopub-viewer/internal/errors"
	"github.com/sciencelive/nanopub-viewer/internal/workflow"
)

// ErrNoData is returned by a ResultSource that ran fine but found nothing
var ErrNoData = errors.New("no result data")

// ResultSource is one channel in the result chain
type ResultSource interface {
	Kind() domain.ResultSourceKind
	// Fetch builds a bundle for a completed run, or fails so the next source is tried
	Fetch(ctx context.Context, handle domain.JobHandle, run *domain.WorkflowRun) (*domain.ResultBundle, error)
}

// ReportExtractor finds the processing report inside raw run logs
type ReportExtractor interface {
	Extract(data []byte) (report string, ok bool)
}

// BranchSource reads the result files a run commits to its results branch
type BranchSource struct {
	client workflow.Client
	log    *zap.SugaredLogger
}

func (b *BranchSource) Kind() domain.ResultSourceKind {
	return domain.SourceBranch
}

// Branch reads every result file of a batch. Missing files stay nil. Other
// read failures are only returned when no file at all could be read.
func (b *BranchSource) Branch(ctx context.Context, batchID string, runID int64) (*domain.BranchResults, error) {
	if !domain.ValidBatchID(batchID) {
		return nil, apperrors.NewValidationError(fmt.Sprintf("invalid batch ID %q", batchID))
	}
	branch := domain.ResultsBranch(runID)
	base := domain.ResultsPath(batchID)

	results := &domain.BranchResults{
		Status:          "success",
		BatchID:         batchID,
		WorkflowRunID:   runID,
		ResultsBranch:   branch,
		IndividualFiles: []domain.IndividualFile{},
		BranchURL:       b.client.TreeURL(branch, base),
	}

	var firstErr error
	note := func(file string, err error) {
		if apperrors.IsNotFound(err) {
			return
		}
		b.log.Infow("could not read result file", "branch", branch, "file", file, "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}

	if content, err := b.client.GetFile(ctx, base+"/"+domain.SummaryFile, branch); err != nil {
		note(domain.SummaryFile, err)
	} else {
		summary := string(content)
		results.ProcessingSummary = &summary
	}

	results.BatchResults = b.readJSON(ctx, base+"/"+domain.BatchResultsFile, branch, note)
	results.CombinedAnalysis = b.readJSON(ctx, base+"/"+domain.CombinedAnalysisFile, branch, note)

	if files, err := b.client.ListDir(ctx, base+"/"+domain.IndividualResultsDir, branch); err != nil {
		note(domain.IndividualResultsDir, err)
	} else {
		results.IndividualFiles = files
	}

	if !results.HasData() {
		if firstErr != nil {
			return nil, firstErr
		}
		results.Message = "No committed result files found"
		return results, nil
	}
	results.Message = "Full results retrieved from committed files"
	return results, nil
}

func (b *BranchSource) readJSON(ctx context.Context, path, ref string, note func(string, error)) json.RawMessage {
	content, err := b.client.GetFile(ctx, path, ref)
	if err != nil {
		note(path, err)
		return nil
	}
	if !json.Valid(content) {
		b.log.Infow("ignoring malformed result file", "branch", ref, "file", path)
		return nil
	}
	return json.RawMessage(content)
}

func (b *BranchSource) Fetch(ctx context.Context, handle domain.JobHandle, run *domain.WorkflowRun) (*domain.ResultBundle, error) {
	results, err := b.Branch(ctx, handle.BatchID, run.ID)
	if err != nil {
		return nil, err
	}
	if !results.HasData() {
		return nil, ErrNoData
	}

	return &domain.ResultBundle{
		Status:          run.JobStatus(),
		BatchID:         handle.BatchID,
		RunID:           handle.RunID,
		Source:          domain.SourceBranch,
		Message:         results.Message,
		DashboardURL:    b.client.RunURL(run.ID),
		WorkflowRun:     run,
		SourceBranch:    results.ResultsBranch,
		BranchURL:       results.BranchURL,
		Summary:         results.ProcessingSummary,
		BatchResults:    results.BatchResults,
		Combined:        results.CombinedAnalysis,
		IndividualFiles: results.IndividualFiles,
	}, nil
}

// LogSource scans a run's raw logs for the processing report
type LogSource struct {
	client    workflow.Client
	extractor ReportExtractor
}

// NewLogSource creates a log source using extractor
func NewLogSource(client workflow.Client, extractor ReportExtractor) *LogSource {
	return &LogSource{client: client, extractor: extractor}
}

func (l *LogSource) Kind() domain.ResultSourceKind {
	return domain.SourceLogs
}

func (l *LogSource) Fetch(ctx context.Context, handle domain.JobHandle, run *domain.WorkflowRun) (*domain.ResultBundle, error) {
	logs, err := l.client.GetRunLogs(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	report, ok := l.extractor.Extract(logs)
	if !ok {
		return nil, ErrNoData
	}

	return &domain.ResultBundle{
		Status:          run.JobStatus(),
		BatchID:         handle.BatchID,
		RunID:           handle.RunID,
		Source:          domain.SourceLogs,
		Message:         "Full processing results retrieved from workflow logs",
		DashboardURL:    l.client.RunURL(run.ID),
		WorkflowRun:     run,
		Report:          report,
		IndividualFiles: []domain.IndividualFile{},
	}, nil
}

// MetadataSource describes the run without any content
type MetadataSource struct {
	client workflow.Client
}

func (m *MetadataSource) Kind() domain.ResultSourceKind {
	return domain.SourceMetadata
}

func (m *MetadataSource) Fetch(ctx context.Context, handle domain.JobHandle, run *domain.WorkflowRun) (*domain.ResultBundle, error) {
	if run == nil || run.ID == 0 {
		return nil, ErrNoData
	}
	bundle := domain.PartialBundle(handle, run, m.client.RunURL(run.ID),
		"Processing completed - detailed results are available in GitHub Actions")
	bundle.Source = domain.SourceMetadata
	return bundle, nil
}
