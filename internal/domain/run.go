package domain

import (
	"strings"
	"time"
)

// WorkflowRun is one execution of the external workflow
type WorkflowRun struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name,omitempty"`
	Status     string    `json:"status"`
	Conclusion string    `json:"conclusion"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	HTMLURL    string    `json:"html_url"`
	RunNumber  int       `json:"run_number,omitempty"`
	// HeadCommitMessage is used to correlate runs with batch IDs; not exposed
	HeadCommitMessage string `json:"-"`
}

// JobStatus derives the job status from the run's current state
func (r *WorkflowRun) JobStatus() JobStatus {
	return StatusFromRun(r.Status, r.Conclusion)
}

// Artifact is a build artifact uploaded by a run
type Artifact struct {
	Name        string    `json:"name"`
	DownloadURL string    `json:"download_url"`
	SizeInBytes int64     `json:"size_in_bytes"`
	CreatedAt   time.Time `json:"created_at"`
}

// SelectArtifact picks the artifact holding a batch's results: one whose
// name mentions the batch ID, "results", or "nanopub-processing".
func SelectArtifact(artifacts []*Artifact, batchID string) *Artifact {
	for _, a := range artifacts {
		if a == nil {
			continue
		}
		if (batchID != "" && strings.Contains(a.Name, batchID)) ||
			strings.Contains(a.Name, "results") ||
			strings.Contains(a.Name, "nanopub-processing") {
			return a
		}
	}
	return nil
}

// MatchDispatchedRun finds the run created by a dispatch triggered at trigger:
// the first run, in upstream order, with the expected name whose creation
// time lies within window of trigger.
func MatchDispatchedRun(runs []*WorkflowRun, name string, trigger time.Time, window time.Duration) *WorkflowRun {
	for _, run := range runs {
		if run == nil || run.Name != name {
			continue
		}
		delta := run.CreatedAt.Sub(trigger)
		if delta < 0 {
			delta = -delta
		}
		if delta <= window {
			return run
		}
	}
	return nil
}
