package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// StatusReport is the outcome of one status check for a job handle
type StatusReport struct {
	// Status is the wire status: processing, completed, failed or unknown
	Status      string       `json:"status"`
	JobStatus   JobStatus    `json:"job_status,omitempty"`
	BatchID     string       `json:"batch_id"`
	Message     string       `json:"message,omitempty"`
	WorkflowRun *WorkflowRun `json:"workflow_run,omitempty"`
	Artifacts   *Artifact    `json:"artifacts,omitempty"`
	// DashboardURL is the run page, or the Actions overview while no run is known
	DashboardURL string `json:"dashboard_url,omitempty"`
}

// IndividualFile is one per-nanopublication result file on the results branch
type IndividualFile struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Size int    `json:"size"`
}

// Result file layout written by the external job
const (
	ResultsRoot           = "processing-results"
	SummaryFile           = "processing_summary.txt"
	BatchResultsFile      = "batch_results.json"
	CombinedAnalysisFile  = "combined_analysis.json"
	IndividualResultsDir  = "individual"
	resultsBranchTemplate = "results-%d"
)

// ResultsBranch names the branch a run commits its results to
func ResultsBranch(runID int64) string {
	return fmt.Sprintf(resultsBranchTemplate, runID)
}

// ResultsPath is the directory holding a batch's committed results
func ResultsPath(batchID string) string {
	return ResultsRoot + "/" + batchID
}

// ValidBatchID reports whether id can name a single directory under
// ResultsRoot: no path separators, no parent references, no control characters
func ValidBatchID(id string) bool {
	if id == "" || id == "." || strings.Contains(id, "..") || strings.ContainsAny(id, "/\\") {
		return false
	}
	for _, r := range id {
		if r < 0x20 || r == 0x7f {
			return false
		}
	}
	return true
}

// BranchResults is what a results branch holds for one batch. Missing
// files are left nil rather than reported as errors.
type BranchResults struct {
	Status            string           `json:"status"`
	BatchID           string           `json:"batch_id"`
	WorkflowRunID     int64            `json:"workflow_run_id"`
	ResultsBranch     string           `json:"results_branch"`
	ProcessingSummary *string          `json:"processing_summary"`
	BatchResults      json.RawMessage  `json:"batch_results"`
	CombinedAnalysis  json.RawMessage  `json:"combined_analysis"`
	IndividualFiles   []IndividualFile `json:"individual_files"`
	BranchURL         string           `json:"branch_url"`
	Message           string           `json:"message"`
}

// HasData reports whether any result file was found
func (b *BranchResults) HasData() bool {
	return b.ProcessingSummary != nil || len(b.BatchResults) > 0 ||
		len(b.CombinedAnalysis) > 0 || len(b.IndividualFiles) > 0
}

// ResultSourceKind names the channel a Result Bundle was assembled from
type ResultSourceKind string

const (
	SourceBranch   ResultSourceKind = "branch"
	SourceLogs     ResultSourceKind = "logs"
	SourceMetadata ResultSourceKind = "metadata"
	SourceNone     ResultSourceKind = "none"
)

// ResultBundle is the normalized report for a finished job. It is assembled
// once from immutable upstream data and never updated incrementally.
type ResultBundle struct {
	Status          JobStatus        `json:"status"`
	BatchID         string           `json:"batch_id"`
	RunID           *int64           `json:"workflow_run_id,omitempty"`
	Source          ResultSourceKind `json:"source"`
	Partial         bool             `json:"partial"`
	Message         string           `json:"message"`
	DashboardURL    string           `json:"dashboard_url,omitempty"`
	WorkflowRun     *WorkflowRun     `json:"workflow_run,omitempty"`
	Artifacts       *Artifact        `json:"artifacts,omitempty"`
	SourceBranch    string           `json:"results_branch,omitempty"`
	BranchURL       string           `json:"branch_url,omitempty"`
	Report          string           `json:"full_results,omitempty"`
	Summary         *string          `json:"processing_summary,omitempty"`
	BatchResults    json.RawMessage  `json:"batch_results,omitempty"`
	Combined        json.RawMessage  `json:"combined_analysis,omitempty"`
	IndividualFiles []IndividualFile `json:"individual_files"`
}

// PartialBundle builds the metadata-only bundle used when no result source
// produced content.
func PartialBundle(handle JobHandle, run *WorkflowRun, dashboardURL, message string) *ResultBundle {
	b := &ResultBundle{
		Status:          JobStatusUnknown,
		BatchID:         handle.BatchID,
		RunID:           handle.RunID,
		Source:          SourceNone,
		Partial:         true,
		Message:         message,
		DashboardURL:    dashboardURL,
		WorkflowRun:     run,
		IndividualFiles: []IndividualFile{},
	}
	if run != nil {
		b.Status = run.JobStatus()
		if run.HTMLURL != "" {
			b.DashboardURL = run.HTMLURL
		}
	}
	return b
}
