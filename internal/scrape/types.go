// Package scrape defines the job model and the contracts shared by every
// subsystem that touches a scrape-and-analyze job.
package scrape

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status represents the lifecycle state of a job.
type Status string

// Job status values persisted in the job store.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusAnalyzing Status = "analyzing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// DefaultCountry is used when a request does not name a target locale.
const DefaultCountry = "US"

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusAnalyzing, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// Job is the single record tracking one user request from prompt submission
// to a completed or failed report. Attempt increments every time the job
// enters analyzing, so a worker can tell its task belongs to the current cycle.
type Job struct {
	ID             string            `json:"id"`
	OwnerID        string            `json:"owner_id"`
	OriginalPrompt string            `json:"original_prompt"`
	AnalysisPrompt string            `json:"analysis_prompt,omitempty"`
	Country        string            `json:"country,omitempty"`
	SnapshotID     string            `json:"snapshot_id,omitempty"`
	Status         Status            `json:"status"`
	Attempt        int               `json:"attempt"`
	RawResults     []json.RawMessage `json:"raw_results,omitempty"`
	Report         *Report           `json:"report,omitempty"`
	Error          string            `json:"error,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
}

// Version identifies one stored revision of a job. Stores only swap a job
// whose stored revision still equals the one the change was computed from.
type Version struct {
	Status    Status
	Attempt   int
	UpdatedAt time.Time
}

// Version returns the revision j was read at.
func (j Job) Version() Version {
	return Version{Status: j.Status, Attempt: j.Attempt, UpdatedAt: j.UpdatedAt}
}

// Matches reports whether j is still at revision v. Timestamps compare at
// microsecond precision, the resolution every store keeps.
func (v Version) Matches(j Job) bool {
	return j.Status == v.Status &&
		j.Attempt == v.Attempt &&
		j.UpdatedAt.UnixMicro() == v.UpdatedAt.UnixMicro()
}

func (v Version) String() string {
	return fmt.Sprintf("%s/attempt %d/%s", v.Status, v.Attempt, v.UpdatedAt.UTC().Format(time.RFC3339Nano))
}

// HasRawResults reports whether the current scrape cycle delivered data.
func (j Job) HasRawResults() bool {
	return len(j.RawResults) > 0
}

// Clone returns a deep copy so callers can mutate it without aliasing store state.
func (j Job) Clone() Job {
	cp := j
	if j.RawResults != nil {
		cp.RawResults = make([]json.RawMessage, len(j.RawResults))
		for i, rec := range j.RawResults {
			cp.RawResults[i] = append(json.RawMessage(nil), rec...)
		}
	}
	if j.Report != nil {
		r := j.Report.Clone()
		cp.Report = &r
	}
	if j.CompletedAt != nil {
		ts := *j.CompletedAt
		cp.CompletedAt = &ts
	}
	return cp
}

// Report is the structured analysis output stored on a completed job.
type Report struct {
	Meta            ReportMeta     `json:"meta" validate:"required"`
	Summary         string         `json:"summary" validate:"required"`
	Sources         []ReportSource `json:"sources" validate:"dive"`
	Recommendations []string       `json:"recommendations,omitempty"`
}

// ReportMeta describes the analyzed entity.
type ReportMeta struct {
	EntityName       string  `json:"entity_name" validate:"required"`
	EntityType       string  `json:"entity_type" validate:"required,oneof=person business product course website unknown"`
	AnalysisDate     string  `json:"analysis_date,omitempty"`
	DataSourcesCount int     `json:"data_sources_count" validate:"gte=0"`
	ConfidenceScore  float64 `json:"confidence_score" validate:"gte=0,lte=1"`
}

// ReportSource is one piece of evidence cited by the report.
type ReportSource struct {
	Title       string `json:"title"`
	URL         string `json:"url" validate:"required"`
	Description string `json:"description,omitempty"`
}

// Clone deep-copies the report.
func (r Report) Clone() Report {
	cp := r
	cp.Sources = append([]ReportSource(nil), r.Sources...)
	cp.Recommendations = append([]string(nil), r.Recommendations...)
	return cp
}

// TriggerRequest is what the dispatcher sends to the scraping provider.
type TriggerRequest struct {
	JobID       string
	Prompt      string
	Country     string
	CallbackURL string
}

// TriggerResult is the provider acknowledgement. SnapshotID may be empty
// when the provider accepted the request without returning a token.
type TriggerResult struct {
	SnapshotID string
}

// AnalysisTask is the unit of work placed on the analysis queue.
type AnalysisTask struct {
	JobID      string    `json:"job_id"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// AnalysisInput is handed to an Analyzer.
type AnalysisInput struct {
	JobID      string
	Prompt     string
	RawResults []json.RawMessage
}

// Event is published whenever a job changes status.
type Event struct {
	JobID      string    `json:"job_id"`
	OwnerID    string    `json:"owner_id"`
	From       Status    `json:"from"`
	To         Status    `json:"to"`
	SnapshotID string    `json:"snapshot_id,omitempty"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}
