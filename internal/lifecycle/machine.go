// Package lifecycle owns every status change a job goes through. Each
// mutation validates the edge against the transition table and commits with a
// compare-and-swap on the revision (status, attempt, update time) the change
// was computed from.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/seo-scrape-orchestrator/internal/metrics"
	"github.com/JakeFAU/seo-scrape-orchestrator/internal/scrape"
)

// NewJob carries the user input for createJob.
type NewJob struct {
	Prompt  string
	OwnerID string
	Country string
}

// Machine applies lifecycle transitions against a JobStore.
type Machine struct {
	store     scrape.JobStore
	clock     scrape.Clock
	ids       scrape.IDGenerator
	publisher scrape.Publisher
	topic     string
	logger    *zap.Logger
}

// New constructs a Machine. The publisher is optional; when set, every
// committed transition is published to topic.
func New(
	store scrape.JobStore,
	clock scrape.Clock,
	ids scrape.IDGenerator,
	publisher scrape.Publisher,
	topic string,
	logger *zap.Logger,
) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{
		store:     store,
		clock:     clock,
		ids:       ids,
		publisher: publisher,
		topic:     topic,
		logger:    logger.Named("lifecycle"),
	}
}

// Create persists a new pending job.
func (m *Machine) Create(ctx context.Context, in NewJob) (scrape.Job, error) {
	if strings.TrimSpace(in.OwnerID) == "" {
		return scrape.Job{}, scrape.ErrUnauthorized
	}
	prompt := strings.TrimSpace(in.Prompt)
	if prompt == "" {
		return scrape.Job{}, fmt.Errorf("%w: prompt is required", scrape.ErrInvalidInput)
	}
	country := strings.ToUpper(strings.TrimSpace(in.Country))
	if country == "" {
		country = scrape.DefaultCountry
	}
	id, err := m.ids.NewID()
	if err != nil {
		return scrape.Job{}, fmt.Errorf("generate job id: %w", err)
	}
	now := m.clock.Now()
	job := scrape.Job{
		ID:             id,
		OwnerID:        in.OwnerID,
		OriginalPrompt: prompt,
		Country:        country,
		Status:         scrape.StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.store.CreateJob(ctx, job); err != nil {
		return scrape.Job{}, fmt.Errorf("create job: %w", err)
	}
	m.logger.Info("job created", zap.String("job_id", id), zap.String("owner_id", in.OwnerID))
	m.emit(ctx, job, "", scrape.StatusPending)
	return job, nil
}

// Get returns the job or scrape.ErrNotFound.
func (m *Machine) Get(ctx context.Context, jobID string) (scrape.Job, error) {
	if jobID == "" {
		return scrape.Job{}, scrape.ErrNotFound
	}
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return scrape.Job{}, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return job, nil
}

// GetForOwner returns the job only when ownerID created it. A non-owner sees
// scrape.ErrNotFound so existence is not disclosed.
func (m *Machine) GetForOwner(ctx context.Context, jobID, ownerID string) (scrape.Job, error) {
	if ownerID == "" {
		return scrape.Job{}, scrape.ErrUnauthorized
	}
	job, err := m.Get(ctx, jobID)
	if err != nil {
		return scrape.Job{}, err
	}
	if job.OwnerID != ownerID {
		return scrape.Job{}, fmt.Errorf("get job %s: %w", jobID, scrape.ErrNotFound)
	}
	return job, nil
}

// GetBySnapshot returns the owner's job for a provider snapshot.
func (m *Machine) GetBySnapshot(ctx context.Context, snapshotID, ownerID string) (scrape.Job, error) {
	if ownerID == "" {
		return scrape.Job{}, scrape.ErrUnauthorized
	}
	if snapshotID == "" {
		return scrape.Job{}, scrape.ErrNotFound
	}
	job, err := m.store.GetJobBySnapshot(ctx, snapshotID, ownerID)
	if err != nil {
		return scrape.Job{}, fmt.Errorf("get job by snapshot %s: %w", snapshotID, err)
	}
	return job, nil
}

// List returns the owner's jobs, newest first.
func (m *Machine) List(ctx context.Context, ownerID string, limit int) ([]scrape.Job, error) {
	if ownerID == "" {
		return nil, scrape.ErrUnauthorized
	}
	jobs, err := m.store.ListJobs(ctx, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// RecordSnapshot moves a pending job to running. An empty snapshotID is
// accepted: the provider acknowledged the trigger without a token.
func (m *Machine) RecordSnapshot(ctx context.Context, jobID, snapshotID, analysisPrompt string) (scrape.Job, error) {
	return m.transition(ctx, jobID, scrape.StatusRunning, []scrape.Status{scrape.StatusPending}, func(j *scrape.Job) {
		j.SnapshotID = snapshotID
		if analysisPrompt != "" {
			j.AnalysisPrompt = analysisPrompt
		}
	})
}

// SaveRawResults stores the callback payload and moves a running job to
// analyzing. Jobs in any other status are left untouched.
func (m *Machine) SaveRawResults(ctx context.Context, jobID string, raw []json.RawMessage) (scrape.Job, error) {
	if len(raw) == 0 {
		return scrape.Job{}, errors.New("raw results are empty")
	}
	return m.transition(ctx, jobID, scrape.StatusAnalyzing, []scrape.Status{scrape.StatusRunning}, func(j *scrape.Job) {
		j.RawResults = raw
		j.Attempt++
	})
}

// Complete stores the report on an analyzing job. attempt must match the
// job's current analysis attempt; a mismatch means the result belongs to an
// earlier cycle and is rejected as stale.
func (m *Machine) Complete(ctx context.Context, jobID string, attempt int, report scrape.Report) (scrape.Job, error) {
	return m.transition(ctx, jobID, scrape.StatusCompleted, []scrape.Status{scrape.StatusAnalyzing}, func(j *scrape.Job) {
		r := report.Clone()
		j.Report = &r
		now := m.clock.Now()
		j.CompletedAt = &now
	}, withAttempt(attempt))
}

// FailAnalysis records an analysis error, guarded like Complete.
func (m *Machine) FailAnalysis(ctx context.Context, jobID string, attempt int, errText string) (scrape.Job, error) {
	return m.transition(ctx, jobID, scrape.StatusFailed, []scrape.Status{scrape.StatusAnalyzing}, func(j *scrape.Job) {
		j.Error = errText
	}, withAttempt(attempt))
}

// Fail forces a non-terminal job to failed. Failing an already failed job is
// a no-op that returns the stored record.
func (m *Machine) Fail(ctx context.Context, jobID, errText string) (scrape.Job, error) {
	if errText == "" {
		errText = "unknown error"
	}
	current, err := m.Get(ctx, jobID)
	if err != nil {
		return scrape.Job{}, err
	}
	if current.Status == scrape.StatusFailed {
		return current, nil
	}
	return m.apply(ctx, current, scrape.StatusFailed, func(j *scrape.Job) {
		j.Error = errText
	})
}

// FailIfStale fails a job that is still in status and has not been updated
// since cutoff. A job that moved on in the meantime is left alone and
// scrape.ErrStaleTransition is returned.
func (m *Machine) FailIfStale(
	ctx context.Context,
	jobID string,
	status scrape.Status,
	cutoff time.Time,
	errText string,
) (scrape.Job, error) {
	return m.transition(ctx, jobID, scrape.StatusFailed, []scrape.Status{status}, func(j *scrape.Job) {
		j.Error = errText
	}, func(j scrape.Job) error {
		if !j.UpdatedAt.Before(cutoff) {
			return fmt.Errorf("%w: job %s updated at %s", scrape.ErrStaleTransition, j.ID, j.UpdatedAt.Format(time.RFC3339))
		}
		return nil
	})
}

// ResetForFullRetry moves a failed job back to pending and clears everything
// produced by the previous cycle.
func (m *Machine) ResetForFullRetry(ctx context.Context, jobID string) (scrape.Job, error) {
	return m.transition(ctx, jobID, scrape.StatusPending, []scrape.Status{scrape.StatusFailed}, func(j *scrape.Job) {
		j.SnapshotID = ""
		j.RawResults = nil
		j.Report = nil
		j.Error = ""
		j.CompletedAt = nil
	})
}

// ResetForAnalysisRetry moves a failed job with raw results back to analyzing,
// clearing error and report only.
func (m *Machine) ResetForAnalysisRetry(ctx context.Context, jobID string) (scrape.Job, error) {
	current, err := m.Get(ctx, jobID)
	if err != nil {
		return scrape.Job{}, err
	}
	if current.Status != scrape.StatusFailed || !current.HasRawResults() {
		return scrape.Job{}, fmt.Errorf("%w: job %s is %s with %d raw results",
			scrape.ErrNotRetryable, jobID, current.Status, len(current.RawResults))
	}
	return m.apply(ctx, current, scrape.StatusAnalyzing, func(j *scrape.Job) {
		j.Error = ""
		j.Report = nil
		j.CompletedAt = nil
		j.Attempt++
	})
}

type guard func(scrape.Job) error

func withAttempt(attempt int) guard {
	return func(j scrape.Job) error {
		if j.Attempt != attempt {
			return fmt.Errorf("%w: job %s is on attempt %d, result is for %d",
				scrape.ErrStaleTransition, j.ID, j.Attempt, attempt)
		}
		return nil
	}
}

func (m *Machine) transition(
	ctx context.Context,
	jobID string,
	to scrape.Status,
	from []scrape.Status,
	mutate func(*scrape.Job),
	guards ...guard,
) (scrape.Job, error) {
	current, err := m.Get(ctx, jobID)
	if err != nil {
		return scrape.Job{}, err
	}
	if !contains(from, current.Status) {
		return scrape.Job{}, fmt.Errorf("%w: job %s is %s, cannot move to %s",
			scrape.ErrInvalidTransition, jobID, current.Status, to)
	}
	for _, g := range guards {
		if err := g(current); err != nil {
			metrics.ObserveStaleTransition(string(to))
			return scrape.Job{}, err
		}
	}
	return m.apply(ctx, current, to, mutate)
}

// apply commits current -> to, swapping on current's revision.
func (m *Machine) apply(
	ctx context.Context,
	current scrape.Job,
	to scrape.Status,
	mutate func(*scrape.Job),
) (scrape.Job, error) {
	if err := scrape.CheckTransition(current.Status, to); err != nil {
		return scrape.Job{}, fmt.Errorf("job %s: %w", current.ID, err)
	}
	next := current.Clone()
	mutate(&next)
	next.Status = to
	next.UpdatedAt = m.clock.Now()
	if to != scrape.StatusFailed {
		next.Error = ""
	}
	if to != scrape.StatusCompleted {
		next.Report = nil
		next.CompletedAt = nil
	}
	if err := m.store.SwapJob(ctx, current.Version(), next); err != nil {
		if errors.Is(err, scrape.ErrStaleTransition) {
			metrics.ObserveStaleTransition(string(to))
		}
		return scrape.Job{}, fmt.Errorf("transition %s -> %s: %w", current.Status, to, err)
	}
	metrics.ObserveTransition(string(current.Status), string(to))
	m.logger.Info("job transitioned",
		zap.String("job_id", next.ID),
		zap.String("from", string(current.Status)),
		zap.String("to", string(to)),
	)
	m.emit(ctx, next, current.Status, to)
	return next, nil
}

func (m *Machine) emit(ctx context.Context, job scrape.Job, from, to scrape.Status) {
	if m.publisher == nil || m.topic == "" {
		return
	}
	event := scrape.Event{
		JobID:      job.ID,
		OwnerID:    job.OwnerID,
		From:       from,
		To:         to,
		SnapshotID: job.SnapshotID,
		Error:      job.Error,
		At:         job.UpdatedAt,
	}
	if _, err := m.publisher.Publish(ctx, m.topic, event); err != nil {
		m.logger.Warn("publish job event failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func contains(list []scrape.Status, s scrape.Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
