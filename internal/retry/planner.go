// Package retry decides how a failed job re-enters the lifecycle: a smart
// retry reruns analysis on the data already collected, a full retry
// redispatches the scrape from scratch.
package retry

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/seo-scrape-orchestrator/internal/metrics"
	"github.com/JakeFAU/seo-scrape-orchestrator/internal/scrape"
)

// Jobs is the subset of the lifecycle machine the planner drives.
type Jobs interface {
	Get(ctx context.Context, jobID string) (scrape.Job, error)
	ResetForFullRetry(ctx context.Context, jobID string) (scrape.Job, error)
	ResetForAnalysisRetry(ctx context.Context, jobID string) (scrape.Job, error)
	Fail(ctx context.Context, jobID, errText string) (scrape.Job, error)
}

// Dispatcher redispatches a pending job.
type Dispatcher interface {
	Dispatch(ctx context.Context, job scrape.Job) (scrape.Job, error)
}

// Scheduler enqueues analysis for an analyzing job.
type Scheduler interface {
	Schedule(ctx context.Context, job scrape.Job) error
}

// Outcome reports which retry path ran.
type Outcome struct {
	Job        scrape.Job
	SmartRetry bool
}

// Planner executes retries.
type Planner struct {
	jobs       Jobs
	dispatcher Dispatcher
	scheduler  Scheduler
	logger     *zap.Logger
}

// New creates a Planner.
func New(jobs Jobs, dispatcher Dispatcher, scheduler Scheduler, logger *zap.Logger) *Planner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Planner{
		jobs:       jobs,
		dispatcher: dispatcher,
		scheduler:  scheduler,
		logger:     logger.Named("retry"),
	}
}

// CanRetryAnalysisOnly reports whether ownerID may rerun only the analysis:
// the job exists, belongs to ownerID, is failed and still holds raw results.
// Every other case, lookup errors included, is false.
func (p *Planner) CanRetryAnalysisOnly(ctx context.Context, jobID, ownerID string) bool {
	if jobID == "" || ownerID == "" {
		return false
	}
	job, err := p.jobs.Get(ctx, jobID)
	if err != nil {
		return false
	}
	return job.OwnerID == ownerID && job.Status == scrape.StatusFailed && job.HasRawResults()
}

// RetryAnalysisOnly moves a failed job with raw results back to analyzing and
// schedules analysis. If scheduling fails the job is failed again.
func (p *Planner) RetryAnalysisOnly(ctx context.Context, jobID string) (scrape.Job, error) {
	logger := p.logger.With(zap.String("job_id", jobID))
	job, err := p.jobs.ResetForAnalysisRetry(ctx, jobID)
	if err != nil {
		return scrape.Job{}, fmt.Errorf("smart retry: %w", err)
	}
	metrics.ObserveRetry("analysis")
	if err := p.scheduler.Schedule(ctx, job); err != nil {
		logger.Error("schedule analysis retry failed", zap.Error(err))
		failed, ferr := p.jobs.Fail(ctx, jobID, err.Error())
		if ferr != nil {
			logger.Error("mark job failed", zap.Error(ferr))
			return job, fmt.Errorf("smart retry: %w", err)
		}
		return failed, fmt.Errorf("smart retry: %w", err)
	}
	logger.Info("smart retry scheduled", zap.Int("attempt", job.Attempt))
	return job, nil
}

// RetryFull resets a failed job to pending, clearing snapshot, raw results,
// report and error, then dispatches it again. The returned job reflects the
// dispatch outcome: running on success, failed otherwise.
func (p *Planner) RetryFull(ctx context.Context, jobID string) (scrape.Job, error) {
	current, err := p.jobs.Get(ctx, jobID)
	if err != nil {
		return scrape.Job{}, err
	}
	if current.Status != scrape.StatusFailed {
		return current, fmt.Errorf("%w: job %s is %s", scrape.ErrNotRetryable, jobID, current.Status)
	}
	job, err := p.jobs.ResetForFullRetry(ctx, jobID)
	if err != nil {
		return scrape.Job{}, fmt.Errorf("full retry: %w", err)
	}
	metrics.ObserveRetry("full")
	p.logger.Info("full retry dispatching", zap.String("job_id", jobID))
	dispatched, err := p.dispatcher.Dispatch(ctx, job)
	if err != nil {
		return dispatched, fmt.Errorf("full retry: %w", err)
	}
	return dispatched, nil
}

// Retry applies the decision rule: a smart retry when the collected data is
// usable, otherwise a full retry. Non-owners get scrape.ErrNotFound.
func (p *Planner) Retry(ctx context.Context, jobID, ownerID string) (Outcome, error) {
	if ownerID == "" {
		return Outcome{}, scrape.ErrUnauthorized
	}
	job, err := p.jobs.Get(ctx, jobID)
	if err != nil {
		return Outcome{}, err
	}
	if job.OwnerID != ownerID {
		return Outcome{}, fmt.Errorf("job %s: %w", jobID, scrape.ErrNotFound)
	}
	if p.CanRetryAnalysisOnly(ctx, jobID, ownerID) {
		retried, err := p.RetryAnalysisOnly(ctx, jobID)
		return Outcome{Job: retried, SmartRetry: true}, err
	}
	retried, err := p.RetryFull(ctx, jobID)
	return Outcome{Job: retried}, err
}
