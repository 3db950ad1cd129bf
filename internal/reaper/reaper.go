// Package reaper fails jobs that have been stuck in running or analyzing for
// longer than a configured age. It is off unless explicitly enabled; without
// it a job whose callback never arrives stays running indefinitely.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/seo-scrape-orchestrator/internal/metrics"
	"github.com/JakeFAU/seo-scrape-orchestrator/internal/scrape"
)

// Config controls the reaper.
type Config struct {
	Enabled         bool
	Schedule        string
	RunningMaxAge   time.Duration
	AnalyzingMaxAge time.Duration
	BatchSize       int
}

// Lister finds jobs whose last update predates a cutoff.
type Lister interface {
	ListStale(ctx context.Context, status scrape.Status, updatedBefore time.Time, limit int) ([]scrape.Job, error)
}

// Failer fails a job only if it is still stale.
type Failer interface {
	FailIfStale(ctx context.Context, jobID string, status scrape.Status, cutoff time.Time, errText string) (scrape.Job, error)
}

// Reaper sweeps stuck jobs on a cron schedule.
type Reaper struct {
	lister Lister
	jobs   Failer
	clock  scrape.Clock
	cfg    Config
	logger *zap.Logger
}

// New creates a Reaper.
func New(lister Lister, jobs Failer, clock scrape.Clock, cfg Config, logger *zap.Logger) (*Reaper, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 1m"
	}
	if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("parse reaper schedule %q: %w", cfg.Schedule, err)
	}
	if cfg.RunningMaxAge <= 0 && cfg.AnalyzingMaxAge <= 0 {
		return nil, errors.New("reaper needs a running or analyzing max age")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reaper{lister: lister, jobs: jobs, clock: clock, cfg: cfg, logger: logger.Named("reaper")}, nil
}

// Run schedules Sweep and blocks until ctx ends, then waits for a running sweep.
func (r *Reaper) Run(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(r.cfg.Schedule, func() {
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("sweep failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("schedule reaper: %w", err)
	}
	r.logger.Info("reaper started", zap.String("schedule", r.cfg.Schedule))
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// Sweep fails every job over its max age and returns how many it failed.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	now := r.clock.Now()
	total := 0
	var errs []error
	for _, rule := range []struct {
		status scrape.Status
		maxAge time.Duration
	}{
		{scrape.StatusRunning, r.cfg.RunningMaxAge},
		{scrape.StatusAnalyzing, r.cfg.AnalyzingMaxAge},
	} {
		if rule.maxAge <= 0 {
			continue
		}
		n, err := r.sweepStatus(ctx, rule.status, now.Add(-rule.maxAge), rule.maxAge)
		total += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return total, errors.Join(errs...)
}

func (r *Reaper) sweepStatus(ctx context.Context, status scrape.Status, cutoff time.Time, maxAge time.Duration) (int, error) {
	jobs, err := r.lister.ListStale(ctx, status, cutoff, r.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list stale %s jobs: %w", status, err)
	}
	reaped := 0
	for _, job := range jobs {
		msg := fmt.Sprintf("job stuck in %s for more than %s", status, maxAge)
		if _, err := r.jobs.FailIfStale(ctx, job.ID, status, cutoff, msg); err != nil {
			if errors.Is(err, scrape.ErrStaleTransition) || errors.Is(err, scrape.ErrInvalidTransition) {
				continue
			}
			r.logger.Error("fail stuck job", zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		metrics.ObserveReaped(string(status))
		r.logger.Warn("failed stuck job", zap.String("job_id", job.ID), zap.String("status", string(status)))
		reaped++
	}
	return reaped, nil
}
