// Package reconciler tracks dispatched batches to completion and assembles
// their results.
//
// Service answers one-shot questions about a batch (its status, its result
// bundle, its committed files) and is what the HTTP layer calls per request.
// Poller is the long-running side: it repeatedly asks a Checker, which may
// be a Service or a remote API client, until the job settles.
package reconciler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/sciencelive/nanopub-viewer/internal/domain"
	apperrors "github.com/sciencelive/nanopub-viewer/internal/errors"
	"github.com/sciencelive/nanopub-viewer/internal/logger"
	"github.com/sciencelive/nanopub-viewer/internal/logscan"
	"github.com/sciencelive/nanopub-viewer/internal/schedule"
	"github.com/sciencelive/nanopub-viewer/internal/workflow"
)

const searchPageSize = 10

// Options configures a Service
type Options struct {
	WorkflowName string
	// SearchWindow bounds how old a run may be to match a batch without a run ID
	SearchWindow time.Duration
}

// Service reads batch status and results from the workflow platform
type Service struct {
	client  workflow.Client
	opts    Options
	clock   schedule.Clock
	log     *zap.SugaredLogger
	branch  *BranchSource
	sources []ResultSource
}

// NewService creates a service whose result chain tries, in order, the
// results branch, the run logs and the run metadata.
func NewService(client workflow.Client, opts Options, clock schedule.Clock, log *zap.SugaredLogger) *Service {
	if clock == nil {
		clock = schedule.RealClock()
	}
	branch := &BranchSource{client: client, log: logger.OrNop(log)}
	return &Service{
		client: client,
		opts:   opts,
		clock:  clock,
		log:    logger.OrNop(log),
		branch: branch,
		sources: []ResultSource{
			branch,
			&LogSource{client: client, extractor: logscan.Default()},
			&MetadataSource{client: client},
		},
	}
}

// WithSources replaces the result chain
func (s *Service) WithSources(sources ...ResultSource) *Service {
	s.sources = sources
	return s
}

// Status checks where a batch's run stands. A batch whose run cannot be
// found yet is reported as processing.
func (s *Service) Status(ctx context.Context, handle domain.JobHandle) (*domain.StatusReport, error) {
	run, err := s.findRun(ctx, handle)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return &domain.StatusReport{
			Status:       domain.WireStatusProcessing,
			JobStatus:    domain.JobStatusQueued,
			BatchID:      handle.BatchID,
			Message:      "No matching workflow run found yet",
			DashboardURL: s.client.ActionsURL(),
		}, nil
	}

	status := run.JobStatus()
	report := &domain.StatusReport{
		Status:       status.WireStatus(),
		JobStatus:    status,
		BatchID:      handle.BatchID,
		WorkflowRun:  run,
		DashboardURL: s.client.RunURL(run.ID),
	}

	switch status {
	case domain.JobStatusQueued, domain.JobStatusInProgress:
		report.Message = "Processing in progress"
	case domain.JobStatusCompleted:
		report.Artifacts = s.resultArtifact(ctx, run.ID, handle.BatchID)
		if report.Artifacts != nil {
			report.Message = "Processing completed successfully"
		} else {
			report.Message = "Processing completed - check GitHub Actions for detailed results"
		}
	case domain.JobStatusFailed:
		report.Message = "Processing failed - check GitHub Actions for error details"
	default:
		report.Message = fmt.Sprintf("Workflow run is in an unrecognised state (%s/%s)", run.Status, run.Conclusion)
	}
	return report, nil
}

// Results assembles the result bundle of a batch. Runs that have not
// completed successfully yield a partial bundle carrying their status;
// completed runs go through the result chain.
func (s *Service) Results(ctx context.Context, handle domain.JobHandle) (*domain.ResultBundle, error) {
	run, err := s.findRun(ctx, handle)
	if err != nil {
		return nil, err
	}
	if run == nil {
		bundle := domain.PartialBundle(handle, nil, s.client.ActionsURL(), "Processing not completed yet or failed")
		bundle.Status = domain.JobStatusQueued
		return bundle, nil
	}

	runID := run.ID
	handle = domain.JobHandle{BatchID: handle.BatchID, RunID: &runID}
	if run.JobStatus() != domain.JobStatusCompleted {
		return domain.PartialBundle(handle, run, s.client.RunURL(run.ID), "Processing not completed yet or failed"), nil
	}

	return s.assemble(ctx, handle, run), nil
}

// BranchResults reads the files a run committed for a batch
func (s *Service) BranchResults(ctx context.Context, batchID string, runID int64) (*domain.BranchResults, error) {
	return s.branch.Branch(ctx, batchID, runID)
}

// assemble walks the result chain. A source failing is logged and the next
// one tried; if none yields data the metadata-only partial bundle is returned.
func (s *Service) assemble(ctx context.Context, handle domain.JobHandle, run *domain.WorkflowRun) *domain.ResultBundle {
	log := s.log.With("batch_id", handle.BatchID, "workflow_run_id", run.ID)
	artifact := s.resultArtifact(ctx, run.ID, handle.BatchID)

	var failures error
	for _, source := range s.sources {
		bundle, err := source.Fetch(ctx, handle, run)
		if err != nil {
			log.Infow("result source yielded nothing", "source", source.Kind(), "error", err)
			failures = errors.CombineErrors(failures, errors.Wrapf(err, "%s", source.Kind()))
			continue
		}
		bundle.Artifacts = artifact
		log.Debugw("assembled result bundle", "source", bundle.Source, "partial", bundle.Partial)
		return bundle
	}

	fallthroughErr := apperrors.NewFetchFallthroughError(failures)
	log.Warnw(fallthroughErr.Message, "error", fallthroughErr)
	bundle := domain.PartialBundle(handle, run, s.client.RunURL(run.ID), "Results could not be retrieved - check GitHub Actions for details")
	bundle.Artifacts = artifact
	return bundle
}

// resultArtifact looks up a run's result artifact; failures only cost the link
func (s *Service) resultArtifact(ctx context.Context, runID int64, batchID string) *domain.Artifact {
	artifacts, err := s.client.ListArtifacts(ctx, runID)
	if err != nil {
		s.log.Infow("could not list artifacts", "workflow_run_id", runID, "error", err)
		return nil
	}
	return domain.SelectArtifact(artifacts, batchID)
}

// findRun locates the run for a handle: by ID when known, otherwise (or when
// the ID is unknown upstream) by searching recent runs, first for one whose
// head commit mentions the batch ID, then for the newest run of the workflow
// created within the search window. It returns nil when nothing matches.
func (s *Service) findRun(ctx context.Context, handle domain.JobHandle) (*domain.WorkflowRun, error) {
	if handle.RunID != nil {
		run, err := s.client.GetRun(ctx, *handle.RunID)
		if err == nil {
			return run, nil
		}
		if !apperrors.IsNotFound(err) {
			return nil, err
		}
		s.log.Infow("workflow run not found, searching recent runs",
			"batch_id", handle.BatchID, "workflow_run_id", *handle.RunID)
	}

	runs, err := s.client.ListRecentRuns(ctx, searchPageSize)
	if err != nil {
		return nil, err
	}

	if handle.BatchID != "" {
		for _, run := range runs {
			if run.Name == s.opts.WorkflowName && strings.Contains(run.HeadCommitMessage, handle.BatchID) {
				return run, nil
			}
		}
	}

	now := s.clock.Now()
	for _, run := range runs {
		if run.Name == s.opts.WorkflowName && now.Sub(run.CreatedAt) <= s.opts.SearchWindow {
			return run, nil
		}
	}
	return nil, nil
}
