// Package dispatcher validates nanopublication batches, triggers the
// processing workflow for them and makes a bounded attempt to learn the ID
// of the run the dispatch created.
package dispatcher

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/sciencelive/nanopub-viewer/internal/domain"
	apperrors "github.com/sciencelive/nanopub-viewer/internal/errors"
	"github.com/sciencelive/nanopub-viewer/internal/logger"
	"github.com/sciencelive/nanopub-viewer/internal/schedule"
	"github.com/sciencelive/nanopub-viewer/internal/workflow"
)

const (
	processingMode    = "content_generation"
	discoveryPageSize = 10
)

var errNoMatchingRun = errors.New("no matching workflow run yet")

// Options configures a Dispatcher
type Options struct {
	EventType         string
	WorkflowName      string
	DiscoveryInterval time.Duration
	DiscoveryAttempts int
	DiscoveryWindow   time.Duration
	// Random generates batch ID suffixes; nil uses the global generator
	Random Random
}

// Dispatcher submits batches to the processing workflow
type Dispatcher struct {
	client workflow.Client
	opts   Options
	clock  schedule.Clock
	log    *zap.SugaredLogger
}

// New creates a new dispatcher
func New(client workflow.Client, opts Options, clock schedule.Clock, log *zap.SugaredLogger) *Dispatcher {
	if clock == nil {
		clock = schedule.RealClock()
	}
	return &Dispatcher{
		client: client,
		opts:   opts,
		clock:  clock,
		log:    logger.OrNop(log),
	}
}

// SubmitError reports a dispatch the upstream refused or never received.
// It carries what the caller needs to describe the failed submission.
type SubmitError struct {
	BatchID             string
	GenerationRequested bool
	Err                 error
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("dispatch of %s failed: %v", e.BatchID, e.Err)
}

func (e *SubmitError) Unwrap() error {
	return e.Err
}

type clientPayload struct {
	NanopubURLs       []string          `json:"nanopub_urls"`
	NanopubCount      int               `json:"nanopub_count"`
	BatchID           string            `json:"batch_id"`
	TrackingID        string            `json:"tracking_id"`
	Timestamp         string            `json:"timestamp"`
	Source            string            `json:"source"`
	ProcessingMode    string            `json:"processing_mode"`
	UserAgent         string            `json:"user_agent"`
	NanopubURLsString string            `json:"nanopub_urls_string"`
	TriggerTime       int64             `json:"trigger_time"`
	ContentGeneration generationPayload `json:"content_generation"`
}

type generationPayload struct {
	Enabled            bool                 `json:"enabled"`
	ContentTypes       []domain.ContentKind `json:"content_types"`
	AIModel            string               `json:"ai_model"`
	UserInstructions   string               `json:"user_instructions"`
	BatchDescription   string               `json:"batch_description"`
	TemplatesRequested int                  `json:"templates_requested"`
}

// Submit validates req, makes exactly one dispatch call and then tries to
// discover the created run. Discovery failing is not an error: the result
// then has no run ID and carries a warning.
func (d *Dispatcher) Submit(ctx context.Context, req domain.SubmitRequest) (*domain.SubmitResult, error) {
	job, err := Normalize(req)
	if err != nil {
		return nil, err
	}
	if job.Dropped > 0 {
		d.log.Infow("dropped invalid nanopub URLs", "dropped", job.Dropped, "kept", len(job.ResourceIdentifiers))
	}

	now := d.clock.Now()
	batchID := job.BatchID
	if batchID == "" {
		batchID = NewBatchID(now, d.opts.Random)
	}
	trackingID := TrackingID(batchID, now)
	gen := job.Generation

	payload := clientPayload{
		NanopubURLs:       job.ResourceIdentifiers,
		NanopubCount:      len(job.ResourceIdentifiers),
		BatchID:           batchID,
		TrackingID:        trackingID,
		Timestamp:         isoMillis(now),
		Source:            job.Source,
		ProcessingMode:    processingMode,
		UserAgent:         job.UserAgent,
		NanopubURLsString: strings.Join(job.ResourceIdentifiers, ","),
		TriggerTime:       now.UnixMilli(),
		ContentGeneration: generationPayload{
			Enabled:            gen.Enabled,
			ContentTypes:       gen.ContentKinds,
			AIModel:            gen.ModelID,
			UserInstructions:   gen.Instructions,
			BatchDescription:   gen.BatchDescription,
			TemplatesRequested: len(gen.ContentKinds),
		},
	}

	log := d.log.With("batch_id", batchID, "tracking_id", trackingID)
	log.Infow("triggering workflow",
		"nanopubs", payload.NanopubCount,
		"content_generation", gen.Enabled,
		"content_types", gen.ContentKinds,
	)

	if err := d.client.Dispatch(ctx, d.opts.EventType, payload); err != nil {
		log.Errorw("workflow dispatch failed", "error", err)
		return nil, &SubmitError{BatchID: batchID, GenerationRequested: gen.Enabled, Err: err}
	}

	result := &domain.SubmitResult{
		Success:             true,
		Message:             "Nanopub processing started successfully",
		BatchID:             batchID,
		TrackingID:          trackingID,
		ProcessedURLs:       len(job.ResourceIdentifiers),
		DroppedURLs:         job.Dropped,
		Timestamp:           payload.Timestamp,
		ContentGeneration:   domain.GenerationSummary{Enabled: gen.Enabled},
		StatusURL:           d.client.ActionsURL(),
		EstimatedCompletion: isoMillis(domain.EstimateCompletion(now, len(job.ResourceIdentifiers), gen)),
		PollingInfo:         domain.PollingInfoFor(gen.Enabled),
	}
	if gen.Enabled {
		result.Message = "Nanopub content generation started successfully"
		result.ContentGeneration.ContentTypes = gen.ContentKinds
		result.ContentGeneration.AIModel = gen.ModelID
		result.ContentGeneration.TemplatesCount = len(gen.ContentKinds)
	}

	run, attempts, err := d.discoverRun(ctx, now)
	switch {
	case run != nil:
		id := run.ID
		result.WorkflowRunID = &id
		result.StatusURL = d.client.RunURL(id)
		log.Infow("found workflow run", "workflow_run_id", id, "attempts", attempts)
	default:
		miss := apperrors.NewDiscoveryMissError(attempts)
		result.Warnings = append(result.Warnings, miss.Message)
		log.Warnw(miss.Message, "error", err)
	}

	return result, nil
}

// discoverRun polls the recent-runs listing for the run created by a dispatch
// triggered at trigger. Each attempt waits one interval first, since runs take
// a few seconds to appear. Listing errors count as failed attempts.
func (d *Dispatcher) discoverRun(ctx context.Context, trigger time.Time) (*domain.WorkflowRun, int, error) {
	if d.opts.DiscoveryAttempts <= 0 {
		return nil, 0, nil
	}

	var (
		found    *domain.WorkflowRun
		attempts int
	)
	operation := func() error {
		attempts++
		runs, err := d.client.ListRecentRuns(ctx, discoveryPageSize)
		if err != nil {
			return err
		}
		found = domain.MatchDispatchedRun(runs, d.opts.WorkflowName, trigger, d.opts.DiscoveryWindow)
		if found == nil {
			return errNoMatchingRun
		}
		return nil
	}
	notify := func(err error, next time.Duration) {
		d.log.Debugw("workflow run not found yet", "attempt", attempts, "retry_in", next.String(), "error", err)
	}

	if err := schedule.Sleep(ctx, d.clock, d.opts.DiscoveryInterval); err != nil {
		return nil, 0, err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(d.opts.DiscoveryInterval), uint64(d.opts.DiscoveryAttempts-1)),
		ctx,
	)
	err := backoff.RetryNotifyWithTimer(operation, policy, notify, &clockTimer{clock: d.clock})
	return found, attempts, err
}

// clockTimer adapts a schedule.Clock to backoff's Timer
type clockTimer struct {
	clock schedule.Clock
	timer schedule.Timer
}

func (t *clockTimer) Start(d time.Duration) {
	t.timer = t.clock.NewTimer(d)
}

func (t *clockTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *clockTimer) C() <-chan time.Time {
	return t.timer.C()
}
