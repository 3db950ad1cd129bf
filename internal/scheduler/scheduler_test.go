package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/seo-scrape-orchestrator/internal/queue/memory"
	"github.com/JakeFAU/seo-scrape-orchestrator/internal/scrape"
)

type fakeClock struct{ now time.Time }

func (c fakeClock) Now() time.Time { return c.now }

type failingQueue struct{}

func (failingQueue) Enqueue(context.Context, scrape.AnalysisTask) error {
	return errors.New("queue unavailable")
}

func (failingQueue) Dequeue(context.Context) (scrape.AnalysisTask, error) {
	return scrape.AnalysisTask{}, errors.New("queue unavailable")
}

func TestScheduleEnqueuesCurrentAttempt(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	q := memory.NewQueue(1)
	s := New(q, fakeClock{now: now}, 0, zap.NewNop())

	job := scrape.Job{ID: "J1", Status: scrape.StatusAnalyzing, Attempt: 3}
	require.NoError(t, s.Schedule(context.Background(), job))

	task, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, scrape.AnalysisTask{JobID: "J1", Attempt: 3, EnqueuedAt: now}, task)
}

func TestScheduleRejectsNonAnalyzing(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(1)
	s := New(q, fakeClock{}, 0, nil)
	err := s.Schedule(context.Background(), scrape.Job{ID: "J1", Status: scrape.StatusRunning})
	require.ErrorIs(t, err, scrape.ErrInvalidTransition)
	require.Zero(t, q.Len())
}

func TestScheduleSurfacesEnqueueFailure(t *testing.T) {
	t.Parallel()

	s := New(failingQueue{}, fakeClock{}, 0, nil)
	err := s.Schedule(context.Background(), scrape.Job{ID: "J1", Status: scrape.StatusAnalyzing})
	require.ErrorContains(t, err, "queue unavailable")
}

func TestScheduleTimesOutOnFullQueue(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(0)
	s := New(q, fakeClock{}, 10*time.Millisecond, nil)
	err := s.Schedule(context.Background(), scrape.Job{ID: "J1", Status: scrape.StatusAnalyzing})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
