// Package scheduler hands analysis work to the queue so callers never wait on
// the analysis itself.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/seo-scrape-orchestrator/internal/metrics"
	"github.com/JakeFAU/seo-scrape-orchestrator/internal/scrape"
)

// DefaultEnqueueTimeout bounds how long Schedule may block on a full queue.
const DefaultEnqueueTimeout = 5 * time.Second

// Scheduler enqueues analysis tasks.
type Scheduler struct {
	queue   scrape.Queue
	clock   scrape.Clock
	timeout time.Duration
	logger  *zap.Logger
}

// New creates a Scheduler.
func New(queue scrape.Queue, clock scrape.Clock, timeout time.Duration, logger *zap.Logger) *Scheduler {
	if timeout <= 0 {
		timeout = DefaultEnqueueTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		queue:   queue,
		clock:   clock,
		timeout: timeout,
		logger:  logger.Named("scheduler"),
	}
}

// Schedule enqueues analysis for an analyzing job's current attempt. The
// caller must treat an error as a failure of its own step: an un-enqueued
// job would otherwise sit in analyzing forever.
func (s *Scheduler) Schedule(ctx context.Context, job scrape.Job) error {
	if job.Status != scrape.StatusAnalyzing {
		return fmt.Errorf("%w: schedule requires analyzing job, %s is %s",
			scrape.ErrInvalidTransition, job.ID, job.Status)
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	task := scrape.AnalysisTask{
		JobID:      job.ID,
		Attempt:    job.Attempt,
		EnqueuedAt: s.clock.Now(),
	}
	if err := s.queue.Enqueue(ctx, task); err != nil {
		metrics.ObserveEnqueueError()
		return fmt.Errorf("schedule analysis for job %s: %w", job.ID, err)
	}
	s.logger.Debug("analysis scheduled", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
	return nil
}
