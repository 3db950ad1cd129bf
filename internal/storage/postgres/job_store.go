// Package postgres implements the job store on PostgreSQL using pgx.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/seo-scrape-orchestrator/internal/scrape"
)

// querier is the pgx surface used by JobStore; pgxpool.Pool and pgxmock satisfy it.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Ping(ctx context.Context) error
	Close()
}

// Config describes how to reach Postgres.
type Config struct {
	DSN      string
	MaxConns int32
	MinConns int32
}

// JobStore persists jobs in the jobs table.
type JobStore struct {
	pool querier
}

const jobColumns = `id, owner_id, original_prompt, analysis_prompt, country,
	COALESCE(snapshot_id, ''), status, attempt, raw_results, report, error,
	created_at, updated_at, completed_at`

// NewJobStore connects to Postgres and verifies the connection.
func NewJobStore(ctx context.Context, cfg Config) (*JobStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("postgres dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &JobStore{pool: pool}, nil
}

// NewJobStoreWithPool allows injecting a custom pool (useful for tests).
func NewJobStoreWithPool(pool querier) *JobStore {
	return &JobStore{pool: pool}
}

// Close releases the underlying pool.
func (s *JobStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping verifies the database is reachable.
func (s *JobStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreateJob inserts a new job row.
func (s *JobStore) CreateJob(ctx context.Context, job scrape.Job) error {
	raw, report, err := encodePayloads(job)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (id, owner_id, original_prompt, analysis_prompt, country, snapshot_id,
			status, attempt, raw_results, report, error, created_at, updated_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`,
		job.ID,
		job.OwnerID,
		job.OriginalPrompt,
		job.AnalysisPrompt,
		job.Country,
		nullString(job.SnapshotID),
		string(job.Status),
		job.Attempt,
		raw,
		report,
		job.Error,
		job.CreatedAt,
		job.UpdatedAt,
		job.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// SwapJob writes next only if the row is still at revision expected.
// Owner, original prompt and creation time are never rewritten.
func (s *JobStore) SwapJob(ctx context.Context, expected scrape.Version, next scrape.Job) error {
	raw, report, err := encodePayloads(next)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET analysis_prompt = $2,
			country = $3,
			snapshot_id = $4,
			status = $5,
			attempt = $6,
			raw_results = $7,
			report = $8,
			error = $9,
			updated_at = $10,
			completed_at = $11
		WHERE id = $1 AND status = $12 AND attempt = $13 AND updated_at = $14
	`,
		next.ID,
		next.AnalysisPrompt,
		next.Country,
		nullString(next.SnapshotID),
		string(next.Status),
		next.Attempt,
		raw,
		report,
		next.Error,
		next.UpdatedAt,
		next.CompletedAt,
		string(expected.Status),
		expected.Attempt,
		expected.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var (
		status  string
		attempt int
	)
	err = s.pool.QueryRow(ctx, `SELECT status, attempt FROM jobs WHERE id = $1`, next.ID).Scan(&status, &attempt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return scrape.ErrNotFound
		}
		return fmt.Errorf("check job status: %w", err)
	}
	return fmt.Errorf("%w: job %s is %s on attempt %d, expected %s",
		scrape.ErrStaleTransition, next.ID, status, attempt, expected)
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (scrape.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return scrape.Job{}, scrape.ErrNotFound
		}
		return scrape.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// GetJobBySnapshot returns the owner's job carrying snapshotID.
func (s *JobStore) GetJobBySnapshot(ctx context.Context, snapshotID string, ownerID string) (scrape.Job, error) {
	if snapshotID == "" {
		return scrape.Job{}, scrape.ErrNotFound
	}
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE snapshot_id = $1 AND owner_id = $2 LIMIT 1`,
		snapshotID, ownerID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return scrape.Job{}, scrape.ErrNotFound
		}
		return scrape.Job{}, fmt.Errorf("get job by snapshot: %w", err)
	}
	return job, nil
}

// ListJobs returns the owner's jobs, newest first. A non-positive limit returns all rows.
func (s *JobStore) ListJobs(ctx context.Context, ownerID string, limit int) ([]scrape.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE owner_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, ownerID, limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return collectJobs(rows)
}

// ListStale returns jobs in status whose last update is older than updatedBefore.
func (s *JobStore) ListStale(
	ctx context.Context,
	status scrape.Status,
	updatedBefore time.Time,
	limit int,
) ([]scrape.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at ASC, id ASC
		LIMIT $3
	`, string(status), updatedBefore, limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("list stale jobs: %w", err)
	}
	return collectJobs(rows)
}

func collectJobs(rows pgx.Rows) ([]scrape.Job, error) {
	defer rows.Close()
	jobs := make([]scrape.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

func scanJob(row pgx.Row) (scrape.Job, error) {
	var (
		job       scrape.Job
		status    string
		rawBytes  []byte
		report    []byte
		completed *time.Time
	)
	err := row.Scan(
		&job.ID,
		&job.OwnerID,
		&job.OriginalPrompt,
		&job.AnalysisPrompt,
		&job.Country,
		&job.SnapshotID,
		&status,
		&job.Attempt,
		&rawBytes,
		&report,
		&job.Error,
		&job.CreatedAt,
		&job.UpdatedAt,
		&completed,
	)
	if err != nil {
		return scrape.Job{}, err
	}
	job.Status = scrape.Status(status)
	job.CompletedAt = completed
	if len(rawBytes) > 0 {
		if err := json.Unmarshal(rawBytes, &job.RawResults); err != nil {
			return scrape.Job{}, fmt.Errorf("decode raw results: %w", err)
		}
	}
	if len(report) > 0 {
		var r scrape.Report
		if err := json.Unmarshal(report, &r); err != nil {
			return scrape.Job{}, fmt.Errorf("decode report: %w", err)
		}
		job.Report = &r
	}
	return job, nil
}

func encodePayloads(job scrape.Job) ([]byte, []byte, error) {
	var raw, report []byte
	if len(job.RawResults) > 0 {
		b, err := json.Marshal(job.RawResults)
		if err != nil {
			return nil, nil, fmt.Errorf("encode raw results: %w", err)
		}
		raw = b
	}
	if job.Report != nil {
		b, err := json.Marshal(job.Report)
		if err != nil {
			return nil, nil, fmt.Errorf("encode report: %w", err)
		}
		report = b
	}
	return raw, report, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// limitArg maps a non-positive limit to NULL, which Postgres treats as LIMIT ALL.
func limitArg(limit int) *int {
	if limit <= 0 {
		return nil
	}
	return &limit
}
