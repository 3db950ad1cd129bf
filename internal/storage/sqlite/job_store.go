// Package sqlite implements the job store on an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Register sqlite driver

	"github.com/JakeFAU/seo-scrape-orchestrator/internal/scrape"
)

//go:embed migrations/001_jobs.sql
var migration string

// Timestamps are stored as UTC unix microseconds so ordering is numeric.
const jobColumns = `id, owner_id, original_prompt, analysis_prompt, country, snapshot_id,
	status, attempt, raw_results, report, error, created_at, updated_at, completed_at`

// JobStore persists jobs in a SQLite file (or ":memory:").
type JobStore struct {
	db *sql.DB
}

// Open opens the database at dsn and applies the schema.
func Open(dsn string) (*JobStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Each connection to :memory: is a separate database.
	if dsn == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("exec %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(migration); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &JobStore{db: db}, nil
}

// Close closes the database.
func (s *JobStore) Close() error {
	return s.db.Close()
}

// Ping verifies the database file is usable.
func (s *JobStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateJob inserts a new job row.
func (s *JobStore) CreateJob(ctx context.Context, job scrape.Job) error {
	raw, report, err := encodePayloads(job)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
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
		job.CreatedAt.UTC().UnixMicro(),
		job.UpdatedAt.UTC().UnixMicro(),
		nullTime(job.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// SwapJob writes next only if the row is still at revision expected.
func (s *JobStore) SwapJob(ctx context.Context, expected scrape.Version, next scrape.Job) error {
	raw, report, err := encodePayloads(next)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET analysis_prompt = ?, country = ?, snapshot_id = ?, status = ?, attempt = ?,
			raw_results = ?, report = ?, error = ?, updated_at = ?, completed_at = ?
		WHERE id = ? AND status = ? AND attempt = ? AND updated_at = ?
	`,
		next.AnalysisPrompt,
		next.Country,
		nullString(next.SnapshotID),
		string(next.Status),
		next.Attempt,
		raw,
		report,
		next.Error,
		next.UpdatedAt.UTC().UnixMicro(),
		nullTime(next.CompletedAt),
		next.ID,
		string(expected.Status),
		expected.Attempt,
		expected.UpdatedAt.UTC().UnixMicro(),
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}

	var (
		status  string
		attempt int
	)
	err = s.db.QueryRowContext(ctx, `SELECT status, attempt FROM jobs WHERE id = ?`, next.ID).Scan(&status, &attempt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return scrape.ErrNotFound
		}
		return fmt.Errorf("check job status: %w", err)
	}
	return fmt.Errorf("%w: job %s is %s on attempt %d, expected %s",
		scrape.ErrStaleTransition, next.ID, status, attempt, expected)
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (scrape.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
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
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE snapshot_id = ? AND owner_id = ? LIMIT 1`,
		snapshotID, ownerID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return scrape.Job{}, scrape.ErrNotFound
		}
		return scrape.Job{}, fmt.Errorf("get job by snapshot: %w", err)
	}
	return job, nil
}

// ListJobs returns the owner's jobs, newest first.
func (s *JobStore) ListJobs(ctx context.Context, ownerID string, limit int) ([]scrape.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE owner_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
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
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = ? AND updated_at < ?
		ORDER BY updated_at ASC, id ASC
		LIMIT ?
	`, string(status), updatedBefore.UTC().UnixMicro(), limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("list stale jobs: %w", err)
	}
	return collectJobs(rows)
}

func collectJobs(rows *sql.Rows) ([]scrape.Job, error) {
	defer func() {
		_ = rows.Close()
	}()
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

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (scrape.Job, error) {
	var (
		job              scrape.Job
		status           string
		snapshot         sql.NullString
		raw, report      sql.NullString
		created, updated int64
		completed        sql.NullInt64
	)
	err := row.Scan(
		&job.ID,
		&job.OwnerID,
		&job.OriginalPrompt,
		&job.AnalysisPrompt,
		&job.Country,
		&snapshot,
		&status,
		&job.Attempt,
		&raw,
		&report,
		&job.Error,
		&created,
		&updated,
		&completed,
	)
	if err != nil {
		return scrape.Job{}, err
	}
	job.Status = scrape.Status(status)
	job.SnapshotID = snapshot.String
	job.CreatedAt = time.UnixMicro(created).UTC()
	job.UpdatedAt = time.UnixMicro(updated).UTC()
	if completed.Valid {
		t := time.UnixMicro(completed.Int64).UTC()
		job.CompletedAt = &t
	}
	if raw.Valid && raw.String != "" {
		if err := json.Unmarshal([]byte(raw.String), &job.RawResults); err != nil {
			return scrape.Job{}, fmt.Errorf("decode raw results: %w", err)
		}
	}
	if report.Valid && report.String != "" {
		var r scrape.Report
		if err := json.Unmarshal([]byte(report.String), &r); err != nil {
			return scrape.Job{}, fmt.Errorf("decode report: %w", err)
		}
		job.Report = &r
	}
	return job, nil
}

func encodePayloads(job scrape.Job) (sql.NullString, sql.NullString, error) {
	var raw, report sql.NullString
	if len(job.RawResults) > 0 {
		b, err := json.Marshal(job.RawResults)
		if err != nil {
			return raw, report, fmt.Errorf("encode raw results: %w", err)
		}
		raw = sql.NullString{String: string(b), Valid: true}
	}
	if job.Report != nil {
		b, err := json.Marshal(job.Report)
		if err != nil {
			return raw, report, fmt.Errorf("encode report: %w", err)
		}
		report = sql.NullString{String: string(b), Valid: true}
	}
	return raw, report, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UTC().UnixMicro(), Valid: true}
}

// limitArg maps a non-positive limit to -1, which SQLite treats as no limit.
func limitArg(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}
