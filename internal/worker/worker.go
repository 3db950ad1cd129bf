// Package worker runs deferred analysis: it consumes tasks from the queue,
// calls the analyzer and writes the outcome back to the job.
package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/seo-scrape-orchestrator/internal/metrics"
	"github.com/JakeFAU/seo-scrape-orchestrator/internal/scrape"
)

// Jobs is the subset of the lifecycle machine the worker drives.
type Jobs interface {
	Get(ctx context.Context, jobID string) (scrape.Job, error)
	Complete(ctx context.Context, jobID string, attempt int, report scrape.Report) (scrape.Job, error)
	FailAnalysis(ctx context.Context, jobID string, attempt int, errText string) (scrape.Job, error)
}

// Config controls Worker behavior. DrainTimeout is how long an in-flight
// analysis may keep running after shutdown begins before it is abandoned and
// its task returned to the queue.
type Config struct {
	AnalysisTimeout time.Duration
	DrainTimeout    time.Duration
}

// writeTimeout bounds job writes and requeues, which run detached from the
// worker's context so they still land during shutdown.
const writeTimeout = 10 * time.Second

var errShutdown = errors.New("worker shutting down")

// acker is implemented by queues that hold a task until it is acknowledged.
type acker interface {
	Ack(ctx context.Context, task scrape.AnalysisTask) error
}

// Worker consumes queue items and executes one analysis at a time.
type Worker struct {
	queue    scrape.Queue
	jobs     Jobs
	analyzer scrape.Analyzer
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Worker.
func New(queue scrape.Queue, jobs Jobs, analyzer scrape.Analyzer, cfg Config, logger *zap.Logger) *Worker {
	if cfg.AnalysisTimeout <= 0 {
		cfg.AnalysisTimeout = 5 * time.Minute
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:    queue,
		jobs:     jobs,
		analyzer: analyzer,
		cfg:      cfg,
		logger:   logger.Named("worker"),
	}
}

// Run blocks, consuming queue items until the context finishes or the queue
// closes. A task already dequeued when ctx ends is drained, not dropped.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		task, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, scrape.ErrQueueClosed) {
				w.logger.Info("queue closed, worker exiting")
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			// Avoid spinning on a broken backend.
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		w.logger.Debug("dequeued task", zap.String("job_id", task.JobID), zap.Int("attempt", task.Attempt))
		w.Process(ctx, task)
	}
}

// Process runs one task. Results for a job that is no longer analyzing, or
// that has moved on to a newer attempt, are discarded. When ctx ends the
// analysis gets DrainTimeout to finish; past that it is abandoned and the task
// is requeued rather than recorded as a failure.
func (w *Worker) Process(ctx context.Context, task scrape.AnalysisTask) {
	logger := w.logger.With(zap.String("job_id", task.JobID), zap.Int("attempt", task.Attempt))
	defer w.ack(ctx, logger, task)

	wctx, cancelWrite := w.writeContext(ctx)
	job, err := w.jobs.Get(wctx, task.JobID)
	cancelWrite()
	if err != nil {
		logger.Error("load job failed", zap.Error(err))
		return
	}
	if job.Status != scrape.StatusAnalyzing || job.Attempt != task.Attempt {
		metrics.ObserveAnalysisDiscarded()
		logger.Info("skipping stale task", zap.String("status", string(job.Status)), zap.Int("job_attempt", job.Attempt))
		return
	}

	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	prompt := job.AnalysisPrompt
	if prompt == "" {
		prompt = job.OriginalPrompt
	}
	actx, cancel := w.analysisContext(ctx)
	start := time.Now()
	report, err := w.analyzer.Analyze(actx, scrape.AnalysisInput{
		JobID:      job.ID,
		Prompt:     prompt,
		RawResults: job.RawResults,
	})
	abandoned := err != nil && errors.Is(context.Cause(actx), errShutdown)
	cancel()

	if abandoned {
		metrics.ObserveAnalysis(w.analyzer.Name(), "abandoned", time.Since(start))
		logger.Warn("analysis interrupted by shutdown, requeueing", zap.Error(err))
		w.requeue(ctx, logger, task)
		return
	}

	wctx, cancelWrite = w.writeContext(ctx)
	defer cancelWrite()
	if err != nil {
		outcome := "error"
		if scrape.IsValidationError(err) {
			outcome = "invalid"
			logger.Error("report schema mismatch", zap.Error(err))
		} else {
			logger.Error("analysis failed", zap.Error(err))
		}
		metrics.ObserveAnalysis(w.analyzer.Name(), outcome, time.Since(start))
		if _, ferr := w.jobs.FailAnalysis(wctx, job.ID, task.Attempt, err.Error()); ferr != nil {
			w.handleWriteError(logger, ferr)
		}
		return
	}

	metrics.ObserveAnalysis(w.analyzer.Name(), "success", time.Since(start))
	if _, err := w.jobs.Complete(wctx, job.ID, task.Attempt, report); err != nil {
		w.handleWriteError(logger, err)
		return
	}
	logger.Info("analysis completed")
}

// analysisContext is detached from ctx but bounded by AnalysisTimeout, and is
// cancelled with errShutdown once ctx has been done for DrainTimeout.
func (w *Worker) analysisContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timed, cancelTimeout := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.AnalysisTimeout)
	actx, cancelCause := context.WithCancelCause(timed)
	stop := context.AfterFunc(ctx, func() {
		timer := time.NewTimer(w.cfg.DrainTimeout)
		defer timer.Stop()
		select {
		case <-timer.C:
			cancelCause(errShutdown)
		case <-actx.Done():
		}
	})
	return actx, func() {
		stop()
		cancelCause(context.Canceled)
		cancelTimeout()
	}
}

func (w *Worker) writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
}

func (w *Worker) requeue(ctx context.Context, logger *zap.Logger, task scrape.AnalysisTask) {
	wctx, cancel := w.writeContext(ctx)
	defer cancel()
	if err := w.queue.Enqueue(wctx, task); err != nil {
		logger.Error("requeue interrupted task", zap.Error(err))
	}
}

func (w *Worker) ack(ctx context.Context, logger *zap.Logger, task scrape.AnalysisTask) {
	a, ok := w.queue.(acker)
	if !ok {
		return
	}
	wctx, cancel := w.writeContext(ctx)
	defer cancel()
	if err := a.Ack(wctx, task); err != nil {
		logger.Warn("ack task", zap.Error(err))
	}
}

func (w *Worker) handleWriteError(logger *zap.Logger, err error) {
	if errors.Is(err, scrape.ErrStaleTransition) || errors.Is(err, scrape.ErrInvalidTransition) {
		metrics.ObserveAnalysisDiscarded()
		logger.Info("discarding stale analysis result", zap.Error(err))
		return
	}
	logger.Error("record analysis result", zap.Error(err))
}
