package domain

import "time"

// ContentKind is a generated-content template the external job can produce
type ContentKind string

const (
	ContentLinkedInPost    ContentKind = "linkedin_post"
	ContentBlueskyPost     ContentKind = "bluesky_post"
	ContentScientificPaper ContentKind = "scientific_paper"
	ContentOpinionPaper    ContentKind = "opinion_paper"
)

// KnownContentKinds lists every content kind the workflow understands, in display order
var KnownContentKinds = []ContentKind{
	ContentLinkedInPost,
	ContentBlueskyPost,
	ContentScientificPaper,
	ContentOpinionPaper,
}

// IsKnown reports whether k is one of KnownContentKinds
func (k ContentKind) IsKnown() bool {
	for _, known := range KnownContentKinds {
		if k == known {
			return true
		}
	}
	return false
}

const (
	// DefaultModel is used when generation is enabled without a model choice
	DefaultModel = "llama3:8b"
	// DefaultSource tags submissions that do not name their origin
	DefaultSource = "science-live-content-generator"
	// MaxInstructionsLength bounds free-text instructions, in characters
	MaxInstructionsLength = 500
)

// GenerationOptions configures optional content generation for a batch
type GenerationOptions struct {
	Enabled          bool          `json:"enabled"`
	ContentKinds     []ContentKind `json:"content_types"`
	ModelID          string        `json:"ai_model"`
	Instructions     string        `json:"user_instructions"`
	BatchDescription string        `json:"batch_description"`
}

// JobRequest is a validated submission: at least one http(s) identifier,
// and content kinds whenever generation is enabled.
type JobRequest struct {
	ResourceIdentifiers []string
	BatchID             string // empty means generate one
	Source              string
	UserAgent           string
	Generation          GenerationOptions
	// Dropped counts identifiers removed during validation
	Dropped int
}

// JobHandle correlates a submission with the run created for it.
// RunID stays nil when discovery missed; it is never changed once set.
type JobHandle struct {
	BatchID string `json:"batch_id"`
	RunID   *int64 `json:"workflow_run_id,omitempty"`
}

// HasRunID reports whether the run ID is known
func (h JobHandle) HasRunID() bool {
	return h.RunID != nil
}

// WithRunID returns a copy of h carrying id, unless h already had one
func (h JobHandle) WithRunID(id int64) JobHandle {
	if h.RunID != nil {
		return h
	}
	h.RunID = &id
	return h
}

// JobStatus is recomputed from the upstream run on every poll
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusUnknown    JobStatus = "unknown"
)

// IsPending reports whether the job can still change state
func (s JobStatus) IsPending() bool {
	return s == JobStatusQueued || s == JobStatusInProgress
}

// Wire status values returned by the status endpoint
const (
	WireStatusProcessing = "processing"
	WireStatusCompleted  = "completed"
	WireStatusFailed     = "failed"
	WireStatusUnknown    = "unknown"
)

// WireStatus maps a job status onto the status endpoint's vocabulary
func (s JobStatus) WireStatus() string {
	switch s {
	case JobStatusQueued, JobStatusInProgress:
		return WireStatusProcessing
	case JobStatusCompleted:
		return WireStatusCompleted
	case JobStatusFailed:
		return WireStatusFailed
	default:
		return WireStatusUnknown
	}
}

// StatusFromRun derives a job status from an upstream run's status and conclusion
func StatusFromRun(status, conclusion string) JobStatus {
	switch status {
	case "queued", "requested", "waiting", "pending":
		return JobStatusQueued
	case "in_progress":
		return JobStatusInProgress
	case "completed":
		switch conclusion {
		case "success":
			return JobStatusCompleted
		case "failure", "timed_out", "cancelled", "startup_failure", "action_required":
			return JobStatusFailed
		}
	}
	return JobStatusUnknown
}

// PollingInfo tells clients how to poll for a submission's results
type PollingInfo struct {
	CheckInterval  int64 `json:"check_interval"` // milliseconds
	MaxAttempts    int   `json:"max_attempts"`
	TimeoutMinutes int   `json:"timeout_minutes"`
}

// Interval returns CheckInterval as a duration
func (p PollingInfo) Interval() time.Duration {
	return time.Duration(p.CheckInterval) * time.Millisecond
}

// PollingInfoFor returns the polling budget for a submission. Generation runs
// take longer, so they get a slower cadence and more attempts.
func PollingInfoFor(generation bool) PollingInfo {
	if generation {
		return PollingInfo{CheckInterval: 12000, MaxAttempts: 30, TimeoutMinutes: 10}
	}
	return PollingInfo{CheckInterval: 10000, MaxAttempts: 20, TimeoutMinutes: 5}
}

// EstimateCompletion estimates when the external job should finish:
// 10s per identifier plus 30s per requested content kind.
func EstimateCompletion(start time.Time, identifiers int, generation GenerationOptions) time.Time {
	d := time.Duration(identifiers) * 10 * time.Second
	if generation.Enabled {
		d += time.Duration(len(generation.ContentKinds)) * 30 * time.Second
	}
	return start.Add(d)
}
