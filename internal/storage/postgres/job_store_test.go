package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/seo-scrape-orchestrator/internal/scrape"
)

var columns = []string{
	"id", "owner_id", "original_prompt", "analysis_prompt", "country",
	"snapshot_id", "status", "attempt", "raw_results", "report", "error",
	"created_at", "updated_at", "completed_at",
}

func newMock(t *testing.T) (pgxmock.PgxPoolIface, *JobStore) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock, NewJobStoreWithPool(mock)
}

func TestCreateJobInsertsRow(t *testing.T) {
	t.Parallel()
	mock, store := newMock(t)
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	job := scrape.Job{
		ID:             "job-1",
		OwnerID:        "user-1",
		OriginalPrompt: "acme corp",
		Country:        "US",
		Status:         scrape.StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	mock.ExpectExec("INSERT INTO jobs").
		WithArgs(
			"job-1", "user-1", "acme corp", "", "US", pgxmock.AnyArg(),
			"pending", 0, pgxmock.AnyArg(), pgxmock.AnyArg(), "",
			now, now, pgxmock.AnyArg(),
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.CreateJob(context.Background(), job))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSwapJobUpdatesWhenVersionMatches(t *testing.T) {
	t.Parallel()
	mock, store := newMock(t)
	readAt := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	next := scrape.Job{
		ID:         "job-1",
		SnapshotID: "snap-1",
		Country:    "US",
		Status:     scrape.StatusRunning,
		UpdatedAt:  time.Now().UTC(),
	}

	mock.ExpectExec("UPDATE jobs").
		WithArgs(
			"job-1", "", "US", pgxmock.AnyArg(), "running", 0,
			pgxmock.AnyArg(), pgxmock.AnyArg(), "", pgxmock.AnyArg(), pgxmock.AnyArg(),
			"pending", 0, readAt,
		).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	expected := scrape.Version{Status: scrape.StatusPending, UpdatedAt: readAt}
	require.NoError(t, store.SwapJob(context.Background(), expected, next))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSwapJobReportsStaleTransition(t *testing.T) {
	t.Parallel()
	mock, store := newMock(t)

	mock.ExpectExec("UPDATE jobs").WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT status, attempt FROM jobs").
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows([]string{"status", "attempt"}).AddRow("analyzing", 2))

	expected := scrape.Version{Status: scrape.StatusAnalyzing, Attempt: 1}
	err := store.SwapJob(context.Background(), expected, scrape.Job{ID: "job-1", Status: scrape.StatusCompleted, Attempt: 1})
	require.ErrorIs(t, err, scrape.ErrStaleTransition)
	require.ErrorContains(t, err, "attempt 2")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSwapJobReportsMissingJob(t *testing.T) {
	t.Parallel()
	mock, store := newMock(t)

	mock.ExpectExec("UPDATE jobs").WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT status, attempt FROM jobs").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	err := store.SwapJob(context.Background(), scrape.Version{Status: scrape.StatusRunning}, scrape.Job{ID: "missing"})
	require.ErrorIs(t, err, scrape.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJobDecodesPayloads(t *testing.T) {
	t.Parallel()
	mock, store := newMock(t)
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	done := now.Add(time.Minute)
	report := scrape.Report{
		Meta:    scrape.ReportMeta{EntityName: "Acme", EntityType: "business"},
		Summary: "fine",
	}
	reportJSON, err := json.Marshal(report)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT (.+) FROM jobs WHERE id").
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows(columns).AddRow(
			"job-1", "user-1", "acme", "analyze acme", "US",
			"snap-1", "completed", 2, []byte(`[{"a":1},{"b":2}]`), reportJSON, "",
			now, done, &done,
		))

	job, err := store.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, scrape.StatusCompleted, job.Status)
	require.Equal(t, 2, job.Attempt)
	require.Len(t, job.RawResults, 2)
	require.JSONEq(t, `{"a":1}`, string(job.RawResults[0]))
	require.NotNil(t, job.Report)
	require.Equal(t, "Acme", job.Report.Meta.EntityName)
	require.NotNil(t, job.CompletedAt)
	require.True(t, job.CompletedAt.Equal(done))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJobNotFound(t *testing.T) {
	t.Parallel()
	mock, store := newMock(t)

	mock.ExpectQuery("SELECT (.+) FROM jobs WHERE id").
		WithArgs("nope").
		WillReturnError(pgx.ErrNoRows)

	_, err := store.GetJob(context.Background(), "nope")
	require.ErrorIs(t, err, scrape.ErrNotFound)
}

func TestGetJobBySnapshotRequiresSnapshot(t *testing.T) {
	t.Parallel()
	_, store := newMock(t)

	_, err := store.GetJobBySnapshot(context.Background(), "", "user-1")
	require.ErrorIs(t, err, scrape.ErrNotFound)
}

func TestListJobsReturnsRows(t *testing.T) {
	t.Parallel()
	mock, store := newMock(t)
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	var noTime *time.Time

	mock.ExpectQuery("SELECT (.+) FROM jobs").
		WithArgs("user-1", pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows(columns).
			AddRow("job-2", "user-1", "b", "", "US", "", "pending", 0, []byte{}, []byte{}, "", now.Add(time.Second), now.Add(time.Second), noTime).
			AddRow("job-1", "user-1", "a", "", "DE", "snap", "failed", 1, []byte{}, []byte{}, "boom", now, now, noTime))

	jobs, err := store.ListJobs(context.Background(), "user-1", 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	require.Equal(t, "job-2", jobs[0].ID)
	require.Equal(t, scrape.StatusFailed, jobs[1].Status)
	require.Equal(t, "boom", jobs[1].Error)
	require.Nil(t, jobs[1].Report)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListStalePropagatesErrors(t *testing.T) {
	t.Parallel()
	mock, store := newMock(t)

	mock.ExpectQuery("SELECT (.+) FROM jobs").
		WillReturnError(errors.New("connection reset"))

	_, err := store.ListStale(context.Background(), scrape.StatusRunning, time.Now(), 5)
	require.ErrorContains(t, err, "list stale jobs")
}

func TestLimitArg(t *testing.T) {
	t.Parallel()
	require.Nil(t, limitArg(0))
	require.Nil(t, limitArg(-3))
	require.Equal(t, 4, *limitArg(4))
}

func TestMigrateURL(t *testing.T) {
	t.Parallel()
	require.Equal(t, "pgx5://u:p@localhost/db", migrateURL("postgres://u:p@localhost/db"))
	require.Equal(t, "pgx5://localhost/db", migrateURL("postgresql://localhost/db"))
	require.Equal(t, "pgx5://x", migrateURL("pgx5://x"))
}
