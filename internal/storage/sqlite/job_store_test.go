package sqlite

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/seo-scrape-orchestrator/internal/scrape"
)

func openStore(t *testing.T) *JobStore {
	t.Helper()
	store, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func newJob(id, owner string, created time.Time) scrape.Job {
	return scrape.Job{
		ID:             id,
		OwnerID:        owner,
		OriginalPrompt: "prompt " + id,
		Country:        "US",
		Status:         scrape.StatusPending,
		CreatedAt:      created,
		UpdatedAt:      created,
	}
}

func TestJobStoreLifecycle(t *testing.T) {
	t.Parallel()
	store := openStore(t)
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	job := newJob("job-1", "user-1", now)
	require.NoError(t, store.CreateJob(ctx, job))

	running := job
	running.Status = scrape.StatusRunning
	running.SnapshotID = "snap-1"
	running.AnalysisPrompt = "analyze"
	running.UpdatedAt = now.Add(time.Second)
	require.NoError(t, store.SwapJob(ctx, job.Version(), running))

	analyzing := running
	analyzing.Status = scrape.StatusAnalyzing
	analyzing.Attempt = 1
	analyzing.RawResults = []json.RawMessage{json.RawMessage(`{"url":"https://a.test"}`)}
	require.NoError(t, store.SwapJob(ctx, running.Version(), analyzing))

	done := now.Add(time.Minute)
	completed := analyzing
	completed.Status = scrape.StatusCompleted
	completed.Report = &scrape.Report{
		Meta:    scrape.ReportMeta{EntityName: "Acme", EntityType: "business"},
		Summary: "ok",
	}
	completed.UpdatedAt = done
	completed.CompletedAt = &done
	require.NoError(t, store.SwapJob(ctx, analyzing.Version(), completed))

	got, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, scrape.StatusCompleted, got.Status)
	require.Equal(t, "snap-1", got.SnapshotID)
	require.Equal(t, "analyze", got.AnalysisPrompt)
	require.Equal(t, 1, got.Attempt)
	require.Len(t, got.RawResults, 1)
	require.NotNil(t, got.Report)
	require.Equal(t, "Acme", got.Report.Meta.EntityName)
	require.NotNil(t, got.CompletedAt)
	require.True(t, got.CompletedAt.Equal(done))
	require.True(t, got.CreatedAt.Equal(now))

	bySnap, err := store.GetJobBySnapshot(ctx, "snap-1", "user-1")
	require.NoError(t, err)
	require.Equal(t, "job-1", bySnap.ID)

	_, err = store.GetJobBySnapshot(ctx, "snap-1", "user-2")
	require.ErrorIs(t, err, scrape.ErrNotFound)
}

func TestSwapJobStaleAndMissing(t *testing.T) {
	t.Parallel()
	store := openStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	job := newJob("job-1", "user-1", now)
	require.NoError(t, store.CreateJob(ctx, job))

	next := job
	next.Status = scrape.StatusAnalyzing
	err := store.SwapJob(ctx, scrape.Version{Status: scrape.StatusRunning, UpdatedAt: job.UpdatedAt}, next)
	require.ErrorIs(t, err, scrape.ErrStaleTransition)

	next.ID = "missing"
	err = store.SwapJob(ctx, job.Version(), next)
	require.ErrorIs(t, err, scrape.ErrNotFound)

	got, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, scrape.StatusPending, got.Status)
}

func TestSwapJobSingleWinner(t *testing.T) {
	t.Parallel()
	store := openStore(t)
	ctx := context.Background()
	job := newJob("job-1", "user-1", time.Now().UTC())
	require.NoError(t, store.CreateJob(ctx, job))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			next := job
			next.Status = scrape.StatusRunning
			if store.SwapJob(ctx, job.Version(), next) == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), wins.Load())
}

func TestSwapJobRejectsEarlierAttemptInSameStatus(t *testing.T) {
	t.Parallel()
	store := openStore(t)
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	job := newJob("job-1", "user-1", now)
	job.Status = scrape.StatusAnalyzing
	job.Attempt = 1
	require.NoError(t, store.CreateJob(ctx, job))
	seen := job.Version()

	// The job fails and is re-analyzed before the first worker commits.
	failed := job
	failed.Status = scrape.StatusFailed
	failed.Error = "timeout"
	failed.UpdatedAt = now.Add(time.Second)
	require.NoError(t, store.SwapJob(ctx, job.Version(), failed))
	retried := failed
	retried.Status = scrape.StatusAnalyzing
	retried.Error = ""
	retried.Attempt = 2
	retried.UpdatedAt = now.Add(2 * time.Second)
	require.NoError(t, store.SwapJob(ctx, failed.Version(), retried))

	late := job
	late.Status = scrape.StatusCompleted
	err := store.SwapJob(ctx, seen, late)
	require.ErrorIs(t, err, scrape.ErrStaleTransition)

	got, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, scrape.StatusAnalyzing, got.Status)
	require.Equal(t, 2, got.Attempt)
}

func TestListJobsAndStale(t *testing.T) {
	t.Parallel()
	store := openStore(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.CreateJob(ctx, newJob(id, "user-1", base.Add(time.Duration(i)*time.Hour))))
	}
	require.NoError(t, store.CreateJob(ctx, newJob("other", "user-2", base)))

	jobs, err := store.ListJobs(ctx, "user-1", 0)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	require.Equal(t, "c", jobs[0].ID)
	require.Equal(t, "a", jobs[2].ID)

	limited, err := store.ListJobs(ctx, "user-1", 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)

	stale, err := store.ListStale(ctx, scrape.StatusPending, base.Add(90*time.Minute), 0)
	require.NoError(t, err)
	require.Len(t, stale, 3)
	require.Equal(t, "a", stale[0].ID)

	none, err := store.ListStale(ctx, scrape.StatusRunning, base.Add(24*time.Hour), 0)
	require.NoError(t, err)
	require.Empty(t, none)
}
