package scrape

import (
	"context"
	"io"
	"time"
)

// JobStore persists jobs. SwapJob is the only mutation after creation: it
// writes next only if the stored job is still at revision expected (status,
// attempt and update time), and returns ErrStaleTransition otherwise.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	GetJobBySnapshot(ctx context.Context, snapshotID string, ownerID string) (Job, error)
	ListJobs(ctx context.Context, ownerID string, limit int) ([]Job, error)
	ListStale(ctx context.Context, status Status, updatedBefore time.Time, limit int) ([]Job, error)
	SwapJob(ctx context.Context, expected Version, next Job) error
}

// BlobStore archives raw webhook payloads and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher pushes lifecycle events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Queue provides enqueue/dequeue semantics for analysis tasks.
type Queue interface {
	Enqueue(ctx context.Context, task AnalysisTask) error
	Dequeue(ctx context.Context) (AnalysisTask, error)
}

// Trigger starts a collection run at the external scraping provider.
type Trigger interface {
	Trigger(ctx context.Context, req TriggerRequest) (TriggerResult, error)
}

// Analyzer turns raw scraped records into a structured report.
type Analyzer interface {
	Analyze(ctx context.Context, input AnalysisInput) (Report, error)
	Name() string
}

// Hasher computes digests used to name archived payloads.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
