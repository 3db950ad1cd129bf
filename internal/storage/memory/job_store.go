package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/seo-scrape-orchestrator/internal/scrape"
)

// JobStore provides an in-memory implementation for development/testing.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]scrape.Job
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs: make(map[string]scrape.Job),
	}
}

// CreateJob stores a new job.
func (s *JobStore) CreateJob(_ context.Context, job scrape.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return errors.New("job already exists")
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

// SwapJob replaces the stored job only if it is still at revision expected.
func (s *JobStore) SwapJob(_ context.Context, expected scrape.Version, next scrape.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.jobs[next.ID]
	if !ok {
		return scrape.ErrNotFound
	}
	if !expected.Matches(current) {
		return fmt.Errorf("%w: job %s is at %s, expected %s",
			scrape.ErrStaleTransition, next.ID, current.Version(), expected)
	}
	// Identity fields never change after creation.
	next.OwnerID = current.OwnerID
	next.OriginalPrompt = current.OriginalPrompt
	next.CreatedAt = current.CreatedAt
	s.jobs[next.ID] = next.Clone()
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (scrape.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return scrape.Job{}, scrape.ErrNotFound
	}
	return job.Clone(), nil
}

// GetJobBySnapshot returns the owner's job carrying snapshotID.
func (s *JobStore) GetJobBySnapshot(_ context.Context, snapshotID string, ownerID string) (scrape.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, job := range s.jobs {
		if snapshotID != "" && job.SnapshotID == snapshotID && job.OwnerID == ownerID {
			return job.Clone(), nil
		}
	}
	return scrape.Job{}, scrape.ErrNotFound
}

// ListJobs returns the owner's jobs, newest first.
func (s *JobStore) ListJobs(_ context.Context, ownerID string, limit int) ([]scrape.Job, error) {
	s.mu.RLock()
	out := make([]scrape.Job, 0)
	for _, job := range s.jobs {
		if job.OwnerID == ownerID {
			out = append(out, job.Clone())
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return clip(out, limit), nil
}

// ListStale returns jobs in status whose last update is older than updatedBefore.
func (s *JobStore) ListStale(
	_ context.Context,
	status scrape.Status,
	updatedBefore time.Time,
	limit int,
) ([]scrape.Job, error) {
	s.mu.RLock()
	out := make([]scrape.Job, 0)
	for _, job := range s.jobs {
		if job.Status == status && job.UpdatedAt.Before(updatedBefore) {
			out = append(out, job.Clone())
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	return clip(out, limit), nil
}

func clip(jobs []scrape.Job, limit int) []scrape.Job {
	if limit > 0 && len(jobs) > limit {
		return jobs[:limit]
	}
	return jobs
}
