package domain

import "encoding/json"

// SubmitRequest is the inbound submission body.
// NanopubURLs stays raw so that non-string entries can be dropped
// individually instead of failing the whole decode.
type SubmitRequest struct {
	NanopubURLs       json.RawMessage  `json:"nanopub_urls"`
	BatchID           string           `json:"batch_id,omitempty"`
	Source            string           `json:"source,omitempty"`
	ContentGeneration *GenerationInput `json:"content_generation,omitempty"`
	UserAgent         string           `json:"-"`
}

// GenerationInput is the inbound form of GenerationOptions
type GenerationInput struct {
	Enabled          bool     `json:"enabled"`
	ContentTypes     []string `json:"content_types"`
	AIModel          string   `json:"ai_model,omitempty"`
	UserInstructions string   `json:"user_instructions,omitempty"`
	BatchDescription string   `json:"batch_description,omitempty"`
}

// NewSubmitRequest builds a request for the given identifiers
func NewSubmitRequest(urls []string, batchID string, generation *GenerationInput) SubmitRequest {
	if urls == nil {
		urls = []string{}
	}
	raw, _ := json.Marshal(urls)
	return SubmitRequest{
		NanopubURLs:       raw,
		BatchID:           batchID,
		ContentGeneration: generation,
	}
}

// GenerationSummary echoes the accepted generation settings
type GenerationSummary struct {
	Enabled        bool          `json:"enabled"`
	ContentTypes   []ContentKind `json:"content_types,omitempty"`
	AIModel        string        `json:"ai_model,omitempty"`
	TemplatesCount int           `json:"templates_count,omitempty"`
}

// SubmitResult is returned after a successful dispatch
type SubmitResult struct {
	Success             bool              `json:"success"`
	Message             string            `json:"message"`
	BatchID             string            `json:"batch_id"`
	TrackingID          string            `json:"tracking_id"`
	WorkflowRunID       *int64            `json:"workflow_run_id"`
	ProcessedURLs       int               `json:"processed_urls"`
	DroppedURLs         int               `json:"dropped_urls,omitempty"`
	Timestamp           string            `json:"timestamp"`
	ContentGeneration   GenerationSummary `json:"content_generation"`
	StatusURL           string            `json:"status_url"`
	EstimatedCompletion string            `json:"estimated_completion"`
	PollingInfo         PollingInfo       `json:"polling_info"`
	Warnings            []string          `json:"warnings,omitempty"`
}

// Handle returns the job handle for the submission
func (r *SubmitResult) Handle() JobHandle {
	return JobHandle{BatchID: r.BatchID, RunID: r.WorkflowRunID}
}
