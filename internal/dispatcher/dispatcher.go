// Package dispatcher starts collection runs at the external scraping provider
// and records the outcome on the job.
package dispatcher

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/seo-scrape-orchestrator/internal/metrics"
	"github.com/JakeFAU/seo-scrape-orchestrator/internal/scrape"
)

// WebhookPath is where the provider delivers collected data.
const WebhookPath = "/api/webhook"

// recordTimeout bounds the job write that follows a trigger. The write runs
// detached from the caller so a cancelled request still leaves the job in
// running or failed, never pending.
const recordTimeout = 10 * time.Second

// Transitions is the subset of the lifecycle machine the dispatcher drives.
type Transitions interface {
	RecordSnapshot(ctx context.Context, jobID, snapshotID, analysisPrompt string) (scrape.Job, error)
	Fail(ctx context.Context, jobID, errText string) (scrape.Job, error)
}

// Dispatcher fires the external trigger for pending jobs.
type Dispatcher struct {
	trigger     scrape.Trigger
	jobs        Transitions
	callbackURL string
	logger      *zap.Logger
}

// New creates a Dispatcher. publicBaseURL is the externally reachable origin
// the provider calls back on.
func New(trigger scrape.Trigger, jobs Transitions, publicBaseURL string, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		trigger:     trigger,
		jobs:        jobs,
		callbackURL: strings.TrimRight(publicBaseURL, "/") + WebhookPath,
		logger:      logger.Named("dispatcher"),
	}
}

// CallbackURL returns the webhook URL carrying jobID as a query parameter.
func (d *Dispatcher) CallbackURL(jobID string) string {
	return d.callbackURL + "?jobId=" + url.QueryEscape(jobID)
}

// Dispatch triggers a scrape for a pending job. On success the job moves to
// running with the returned snapshot token (possibly empty). On any failure
// the job moves to failed and the error is returned to the caller. The
// outcome is recorded even when ctx is cancelled during the trigger.
func (d *Dispatcher) Dispatch(ctx context.Context, job scrape.Job) (scrape.Job, error) {
	if job.Status != scrape.StatusPending {
		return job, fmt.Errorf("%w: dispatch requires pending job, %s is %s",
			scrape.ErrInvalidTransition, job.ID, job.Status)
	}
	logger := d.logger.With(zap.String("job_id", job.ID))
	analysisPrompt := job.AnalysisPrompt
	if analysisPrompt == "" {
		analysisPrompt = BuildAnalysisPrompt(job.OriginalPrompt)
	}

	start := time.Now()
	res, err := d.trigger.Trigger(ctx, scrape.TriggerRequest{
		JobID:       job.ID,
		Prompt:      analysisPrompt,
		Country:     job.Country,
		CallbackURL: d.CallbackURL(job.ID),
	})
	if err != nil {
		metrics.ObserveDispatch("error", time.Since(start))
		logger.Error("trigger failed", zap.Error(err))
		recordCtx, cancel := detached(ctx)
		defer cancel()
		failed, failErr := d.jobs.Fail(recordCtx, job.ID, err.Error())
		if failErr != nil {
			logger.Error("record dispatch failure", zap.Error(failErr))
			return job, fmt.Errorf("dispatch job %s: %w", job.ID, err)
		}
		return failed, fmt.Errorf("dispatch job %s: %w", job.ID, err)
	}

	outcome := "success"
	if res.SnapshotID == "" {
		outcome = "unconfirmed"
		logger.Warn("provider accepted trigger without snapshot id")
	}
	metrics.ObserveDispatch(outcome, time.Since(start))

	recordCtx, cancel := detached(ctx)
	defer cancel()
	running, err := d.jobs.RecordSnapshot(recordCtx, job.ID, res.SnapshotID, analysisPrompt)
	if err != nil {
		logger.Error("record snapshot failed", zap.String("snapshot_id", res.SnapshotID), zap.Error(err))
		if _, failErr := d.jobs.Fail(recordCtx, job.ID, "record snapshot: "+err.Error()); failErr != nil {
			logger.Error("record dispatch failure", zap.Error(failErr))
		}
		return job, fmt.Errorf("record snapshot for job %s: %w", job.ID, err)
	}
	logger.Info("scrape triggered", zap.String("snapshot_id", res.SnapshotID))
	return running, nil
}

func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
}

// BuildAnalysisPrompt derives the provider prompt from the user's query.
func BuildAnalysisPrompt(query string) string {
	query = strings.TrimSpace(query)
	var b strings.Builder
	b.WriteString("Research the following entity and report everything publicly known about it: ")
	b.WriteString(query)
	b.WriteString(".\n")
	b.WriteString("Cover who or what it is, its main offerings, its online presence and reputation, ")
	b.WriteString("recent news, and notable competitors. Cite every source you use with its URL.")
	return b.String()
}
