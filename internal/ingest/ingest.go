// Package ingest accepts collected data from the scraping provider's callback
// and hands the job off to analysis.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/seo-scrape-orchestrator/internal/metrics"
	"github.com/JakeFAU/seo-scrape-orchestrator/internal/scrape"
)

var (
	// ErrMissingJobID means the callback URL carried no job identifier.
	ErrMissingJobID = errors.New("missing jobId")
	// ErrNotAwaitingCallback means the job exists but is not running, so the
	// callback is a duplicate or arrived after the cycle ended.
	ErrNotAwaitingCallback = errors.New("job is not awaiting a callback")
	// ErrEmptyPayload means the callback carried no records.
	ErrEmptyPayload = errors.New("callback carried no records")
)

const (
	// defaultPendingWait is how long a callback for a job whose trigger
	// outcome is not yet recorded waits for the job to reach running.
	defaultPendingWait = 5 * time.Second
	pendingPoll        = 50 * time.Millisecond
	// failTimeout bounds the failure write, which outlives the request.
	failTimeout = 10 * time.Second
)

// Jobs is the subset of the lifecycle machine the ingestor drives.
type Jobs interface {
	Get(ctx context.Context, jobID string) (scrape.Job, error)
	SaveRawResults(ctx context.Context, jobID string, raw []json.RawMessage) (scrape.Job, error)
	Fail(ctx context.Context, jobID, errText string) (scrape.Job, error)
}

// Scheduler enqueues analysis for an analyzing job.
type Scheduler interface {
	Schedule(ctx context.Context, job scrape.Job) error
}

// Ingestor implements the webhook intake flow.
type Ingestor struct {
	jobs      Jobs
	scheduler Scheduler
	archive   scrape.BlobStore
	hasher    scrape.Hasher
	prefix    string
	logger    *zap.Logger

	pendingWait time.Duration
}

// New constructs an Ingestor. archive and hasher are optional; when both are
// set every accepted payload is archived under prefix before it is stored.
func New(
	jobs Jobs,
	scheduler Scheduler,
	archive scrape.BlobStore,
	hasher scrape.Hasher,
	prefix string,
	logger *zap.Logger,
) *Ingestor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = "webhooks"
	}
	return &Ingestor{
		jobs:      jobs,
		scheduler: scheduler,
		archive:   archive,
		hasher:    hasher,
		prefix:    prefix,
		logger:    logger.Named("ingest"),

		pendingWait: defaultPendingWait,
	}
}

// Ingest resolves the job, stores the payload as raw results, moves the job
// to analyzing and schedules analysis, in that order. It never waits on the
// analysis itself. A callback that overtakes the dispatcher (job still
// pending) waits briefly for the snapshot to be recorded. Once the job has
// resolved, any failure is recorded on the job before the error is returned.
func (i *Ingestor) Ingest(ctx context.Context, jobID string, body []byte) (scrape.Job, error) {
	if jobID == "" {
		metrics.ObserveWebhook("missing_job_id")
		return scrape.Job{}, ErrMissingJobID
	}
	logger := i.logger.With(zap.String("job_id", jobID))

	job, err := i.resolve(ctx, jobID)
	if err != nil {
		if errors.Is(err, scrape.ErrNotFound) {
			metrics.ObserveWebhook("unknown_job")
			logger.Warn("callback for unknown job")
		} else {
			metrics.ObserveWebhook("error")
			logger.Error("resolve job failed", zap.Error(err))
		}
		return scrape.Job{}, err
	}
	if job.Status != scrape.StatusRunning {
		metrics.ObserveWebhook("conflict")
		logger.Warn("callback rejected", zap.String("status", string(job.Status)))
		return job, fmt.Errorf("%w: job %s is %s", ErrNotAwaitingCallback, jobID, job.Status)
	}

	records, err := NormalizePayload(body)
	if err != nil {
		return i.fail(ctx, logger, job, fmt.Errorf("decode callback payload: %w", err))
	}
	i.archivePayload(ctx, logger, jobID, body)

	analyzing, err := i.jobs.SaveRawResults(ctx, jobID, records)
	if err != nil {
		if errors.Is(err, scrape.ErrStaleTransition) || errors.Is(err, scrape.ErrInvalidTransition) {
			metrics.ObserveWebhook("conflict")
			logger.Warn("callback lost race with another transition", zap.Error(err))
			return job, fmt.Errorf("%w: %w", ErrNotAwaitingCallback, err)
		}
		return i.fail(ctx, logger, job, fmt.Errorf("save raw results: %w", err))
	}

	if err := i.scheduler.Schedule(ctx, analyzing); err != nil {
		return i.fail(ctx, logger, analyzing, err)
	}

	metrics.ObserveWebhook("accepted")
	logger.Info("callback accepted", zap.Int("records", len(records)))
	return analyzing, nil
}

// resolve loads the job, waiting up to pendingWait while it is still pending.
func (i *Ingestor) resolve(ctx context.Context, jobID string) (scrape.Job, error) {
	job, err := i.jobs.Get(ctx, jobID)
	if err != nil || job.Status != scrape.StatusPending || i.pendingWait <= 0 {
		return job, err
	}
	deadline := time.NewTimer(i.pendingWait)
	defer deadline.Stop()
	ticker := time.NewTicker(pendingPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return job, nil
		case <-deadline.C:
			return job, nil
		case <-ticker.C:
		}
		job, err = i.jobs.Get(ctx, jobID)
		if err != nil || job.Status != scrape.StatusPending {
			return job, err
		}
	}
}

// fail records cause on the job, best effort, and returns it. The write is
// detached from ctx: the request may already be cancelled.
func (i *Ingestor) fail(ctx context.Context, logger *zap.Logger, job scrape.Job, cause error) (scrape.Job, error) {
	metrics.ObserveWebhook("error")
	if scrape.IsValidationError(cause) {
		logger.Error("report schema mismatch during intake", zap.Error(cause))
	} else {
		logger.Error("callback processing failed", zap.Error(cause))
	}
	failCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failTimeout)
	defer cancel()
	failed, err := i.jobs.Fail(failCtx, job.ID, cause.Error())
	if err != nil {
		logger.Error("mark job failed", zap.Error(err))
		return job, cause
	}
	return failed, cause
}

func (i *Ingestor) archivePayload(ctx context.Context, logger *zap.Logger, jobID string, body []byte) {
	if i.archive == nil || i.hasher == nil {
		return
	}
	digest, err := i.hasher.Hash(body)
	if err != nil {
		logger.Warn("hash callback payload", zap.Error(err))
		return
	}
	key := path.Join(i.prefix, jobID, digest+".json")
	uri, err := i.archive.PutObject(ctx, key, "application/json", bytes.NewReader(body))
	if err != nil {
		logger.Warn("archive callback payload", zap.Error(err))
		return
	}
	logger.Debug("callback payload archived", zap.String("uri", uri))
}

// NormalizePayload turns a callback body into an ordered list of records. A
// JSON array yields its elements; any other JSON value becomes a single record.
func NormalizePayload(body []byte) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, ErrEmptyPayload
	}
	if !json.Valid(trimmed) {
		return nil, errors.New("payload is not valid JSON")
	}
	if trimmed[0] != '[' {
		return []json.RawMessage{append(json.RawMessage(nil), trimmed...)}, nil
	}
	var records []json.RawMessage
	if err := json.Unmarshal(trimmed, &records); err != nil {
		return nil, fmt.Errorf("decode record list: %w", err)
	}
	if len(records) == 0 {
		return nil, ErrEmptyPayload
	}
	return records, nil
}
