package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/seo-scrape-orchestrator/internal/hash/sha256"
	"github.com/JakeFAU/seo-scrape-orchestrator/internal/lifecycle"
	queuememory "github.com/JakeFAU/seo-scrape-orchestrator/internal/queue/memory"
	"github.com/JakeFAU/seo-scrape-orchestrator/internal/scheduler"
	"github.com/JakeFAU/seo-scrape-orchestrator/internal/scrape"
	"github.com/JakeFAU/seo-scrape-orchestrator/internal/storage/memory"
	"github.com/JakeFAU/seo-scrape-orchestrator/internal/storage/sqlite"
)

type fakeClock struct{ now time.Time }

func (c fakeClock) Now() time.Time { return c.now }

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("J%d", s.n), nil
}

type brokenScheduler struct{}

func (brokenScheduler) Schedule(context.Context, scrape.Job) error {
	return errors.New("queue unavailable")
}

type fixture struct {
	ingestor *Ingestor
	machine  *lifecycle.Machine
	store    *memory.JobStore
	queue    *queuememory.Queue
	archive  *memory.BlobStore
}

func newFixture(t *testing.T, sched Scheduler) fixture {
	t.Helper()
	clock := fakeClock{now: time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)}
	store := memory.NewJobStore()
	machine := lifecycle.New(store, clock, &seqIDs{}, nil, "", zap.NewNop())
	q := queuememory.NewQueue(8)
	if sched == nil {
		sched = scheduler.New(q, clock, time.Second, zap.NewNop())
	}
	archive := memory.NewBlobStore()
	return fixture{
		ingestor: New(machine, sched, archive, sha256.New(), "", zap.NewNop()),
		machine:  machine,
		store:    store,
		queue:    q,
		archive:  archive,
	}
}

func (f fixture) runningJob(t *testing.T) scrape.Job {
	t.Helper()
	ctx := context.Background()
	job, err := f.machine.Create(ctx, lifecycle.NewJob{Prompt: "Acme Corp", OwnerID: "U1"})
	require.NoError(t, err)
	job, err = f.machine.RecordSnapshot(ctx, job.ID, "snap_1", "")
	require.NoError(t, err)
	return job
}

func TestIngestArrayPayload(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	job := f.runningJob(t)

	got, err := f.ingestor.Ingest(context.Background(), job.ID, []byte(`[{"url":"a.com","answer_text":"..."}]`))
	require.NoError(t, err)
	require.Equal(t, scrape.StatusAnalyzing, got.Status)
	require.Len(t, got.RawResults, 1)

	task, err := f.queue.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, job.ID, task.JobID)
	require.Equal(t, got.Attempt, task.Attempt)

	digest, err := sha256.New().Hash([]byte(`[{"url":"a.com","answer_text":"..."}]`))
	require.NoError(t, err)
	_, ok := f.archive.Object("webhooks/" + job.ID + "/" + digest + ".json")
	require.True(t, ok)
}

func TestIngestBareObjectBecomesSingleRecord(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	job := f.runningJob(t)

	got, err := f.ingestor.Ingest(context.Background(), job.ID, []byte(`{"url":"a.com","answer_text":"hi"}`))
	require.NoError(t, err)
	require.Len(t, got.RawResults, 1)
	require.JSONEq(t, `{"url":"a.com","answer_text":"hi"}`, string(got.RawResults[0]))
}

func TestIngestUnknownJobLeavesStoreUntouched(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	job := f.runningJob(t)
	before, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)

	_, err = f.ingestor.Ingest(context.Background(), "does-not-exist", []byte(`[{}]`))
	require.ErrorIs(t, err, scrape.ErrNotFound)

	after, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, before, after)
	require.Zero(t, f.queue.Len())
}

func TestIngestMissingJobID(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	_, err := f.ingestor.Ingest(context.Background(), "", []byte(`[]`))
	require.ErrorIs(t, err, ErrMissingJobID)
}

func TestIngestDuplicateCallbackRejected(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	job := f.runningJob(t)
	ctx := context.Background()

	first, err := f.ingestor.Ingest(ctx, job.ID, []byte(`[{"n":1}]`))
	require.NoError(t, err)

	_, err = f.ingestor.Ingest(ctx, job.ID, []byte(`[{"n":2}]`))
	require.ErrorIs(t, err, ErrNotAwaitingCallback)

	stored, err := f.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, first.RawResults, stored.RawResults)
	require.Equal(t, scrape.StatusAnalyzing, stored.Status)
}

func TestIngestScheduleFailureFailsJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t, brokenScheduler{})
	job := f.runningJob(t)

	got, err := f.ingestor.Ingest(context.Background(), job.ID, []byte(`[{"n":1}]`))
	require.ErrorContains(t, err, "queue unavailable")
	require.Equal(t, scrape.StatusFailed, got.Status)
	require.Contains(t, got.Error, "queue unavailable")
	require.Len(t, got.RawResults, 1)
}

func TestIngestMalformedPayloadFailsJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	job := f.runningJob(t)

	got, err := f.ingestor.Ingest(context.Background(), job.ID, []byte(`{"url":`))
	require.Error(t, err)
	require.Equal(t, scrape.StatusFailed, got.Status)
	require.Contains(t, got.Error, "decode callback payload")
}

func TestIngestWaitsForPendingJobToRun(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()
	job, err := f.machine.Create(ctx, lifecycle.NewJob{Prompt: "Acme Corp", OwnerID: "U1"})
	require.NoError(t, err)

	go func() {
		time.Sleep(100 * time.Millisecond)
		_, _ = f.machine.RecordSnapshot(ctx, job.ID, "snap_1", "")
	}()

	got, err := f.ingestor.Ingest(ctx, job.ID, []byte(`[{"n":1}]`))
	require.NoError(t, err)
	require.Equal(t, scrape.StatusAnalyzing, got.Status)
	require.Equal(t, "snap_1", got.SnapshotID)
	require.Equal(t, 1, f.queue.Len())
}

func TestIngestPendingJobGivesUpAfterWait(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.ingestor.pendingWait = 120 * time.Millisecond
	ctx := context.Background()
	job, err := f.machine.Create(ctx, lifecycle.NewJob{Prompt: "Acme Corp", OwnerID: "U1"})
	require.NoError(t, err)

	_, err = f.ingestor.Ingest(ctx, job.ID, []byte(`[{"n":1}]`))
	require.ErrorIs(t, err, ErrNotAwaitingCallback)

	stored, err := f.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, scrape.StatusPending, stored.Status)
	require.Zero(t, f.queue.Len())
}

// cancellingScheduler cancels the request context and fails, as a client
// disconnect during enqueue would.
type cancellingScheduler struct {
	cancel context.CancelFunc
}

func (c cancellingScheduler) Schedule(ctx context.Context, _ scrape.Job) error {
	c.cancel()
	return ctx.Err()
}

func TestIngestRecordsFailureAfterCallerCancels(t *testing.T) {
	t.Parallel()

	store, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.Close()
	})
	clock := fakeClock{now: time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)}
	machine := lifecycle.New(store, clock, &seqIDs{}, nil, "", zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ingestor := New(machine, cancellingScheduler{cancel: cancel}, nil, nil, "", zap.NewNop())

	job, err := machine.Create(ctx, lifecycle.NewJob{Prompt: "Acme Corp", OwnerID: "U1"})
	require.NoError(t, err)
	_, err = machine.RecordSnapshot(ctx, job.ID, "snap_1", "")
	require.NoError(t, err)

	_, err = ingestor.Ingest(ctx, job.ID, []byte(`[{"n":1}]`))
	require.ErrorIs(t, err, context.Canceled)

	stored, err := machine.Get(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, scrape.StatusFailed, stored.Status)
	require.Len(t, stored.RawResults, 1)
}

func TestNormalizePayload(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		body    string
		want    int
		wantErr bool
	}{
		{name: "array", body: `[{"a":1},{"b":2}]`, want: 2},
		{name: "object", body: ` {"a":1} `, want: 1},
		{name: "empty array", body: `[]`, wantErr: true},
		{name: "empty body", body: ``, wantErr: true},
		{name: "invalid", body: `nope`, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := NormalizePayload([]byte(tc.body))
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Len(t, got, tc.want)
			for _, rec := range got {
				require.True(t, json.Valid(rec))
			}
		})
	}
}
