package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/JakeFAU/seo-scrape-orchestrator/internal/scrape"
)

// jobView is the API shape of a job. Raw results are only counted in listings.
type jobView struct {
	ID             string            `json:"job_id"`
	Status         scrape.Status     `json:"status"`
	OriginalPrompt string            `json:"original_prompt"`
	Country        string            `json:"country,omitempty"`
	SnapshotID     *string           `json:"snapshot_id"`
	Attempt        int               `json:"attempt"`
	RawResultCount int               `json:"raw_result_count"`
	RawResults     []json.RawMessage `json:"raw_results,omitempty"`
	Report         *scrape.Report    `json:"report,omitempty"`
	Error          string            `json:"error,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
}

func newJobView(job scrape.Job, withRaw bool) jobView {
	v := jobView{
		ID:             job.ID,
		Status:         job.Status,
		OriginalPrompt: job.OriginalPrompt,
		Country:        job.Country,
		SnapshotID:     nullable(job.SnapshotID),
		Attempt:        job.Attempt,
		RawResultCount: len(job.RawResults),
		Report:         job.Report,
		Error:          job.Error,
		CreatedAt:      job.CreatedAt,
		UpdatedAt:      job.UpdatedAt,
		CompletedAt:    job.CompletedAt,
	}
	if withRaw {
		v.RawResults = job.RawResults
	}
	return v
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, scrape.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, scrape.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, scrape.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, scrape.ErrStaleTransition),
		errors.Is(err, scrape.ErrInvalidTransition),
		errors.Is(err, scrape.ErrNotRetryable):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func isClientError(err error) bool {
	code := statusFor(err)
	return code >= 400 && code < 500
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
