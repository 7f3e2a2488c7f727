package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("postgres dsn is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	store := &PostgresStore{pool: pool}
	if err := store.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	description TEXT NOT NULL,
	browsers JSONB NOT NULL DEFAULT '[]'::jsonb,
	filter_expr TEXT NOT NULL DEFAULT '',
	snapshot BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ NULL
);

CREATE TABLE IF NOT EXISTS tests (
	job_id TEXT NOT NULL REFERENCES jobs (id) ON DELETE CASCADE,
	id TEXT NOT NULL,
	name TEXT NOT NULL,
	file TEXT NOT NULL DEFAULT '',
	manual BOOLEAN NOT NULL DEFAULT FALSE,
	position INTEGER NOT NULL,
	PRIMARY KEY (job_id, id)
);

CREATE TABLE IF NOT EXISTS assignments (
	id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL REFERENCES jobs (id) ON DELETE CASCADE,
	test_id TEXT NOT NULL,
	browser TEXT NOT NULL,
	family TEXT NOT NULL,
	version INTEGER NOT NULL,
	manual BOOLEAN NOT NULL,
	status TEXT NOT NULL,
	retries INTEGER NOT NULL DEFAULT 0,
	worker_id TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	started_at TIMESTAMPTZ NULL,
	duration_ms BIGINT NOT NULL DEFAULT 0,
	tested_version INTEGER NOT NULL DEFAULT 0,
	tested_ua TEXT NOT NULL DEFAULT '',
	errors JSONB NULL,
	position INTEGER NOT NULL,
	revision BIGINT NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_assignments_job ON assignments (job_id);
CREATE INDEX IF NOT EXISTS idx_assignments_dispatch ON assignments (family, manual, status);
`)
	if err != nil {
		return fmt.Errorf("initialize jobstore schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job Job, tests []TestEntry, assignments []Assignment) error {
	browsers, err := json.Marshal(job.Browsers)
	if err != nil {
		return fmt.Errorf("encode browsers: %w", err)
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		batch.Queue(`
INSERT INTO jobs (id, description, browsers, filter_expr, snapshot, created_at, completed_at)
VALUES ($1, $2, $3::jsonb, $4, $5, $6, NULL)`,
			job.ID, job.Description, browsers, job.Filter, job.Snapshot, job.Created,
		)
		for _, entry := range tests {
			batch.Queue(`
INSERT INTO tests (job_id, id, name, file, manual, position) VALUES ($1, $2, $3, $4, $5, $6)`,
				job.ID, entry.ID, entry.Name, entry.File, entry.Manual, entry.Position,
			)
		}
		if err := queuePostgresAssignments(batch, assignments); err != nil {
			return err
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert job %s: %w", job.ID, err)
		}
		return nil
	})
}

func queuePostgresAssignments(batch *pgx.Batch, assignments []Assignment) error {
	for _, a := range assignments {
		errs, err := encodeErrors(a.Errors)
		if err != nil {
			return err
		}
		batch.Queue(`
INSERT INTO assignments (
	id, job_id, test_id, browser, family, version, manual, status, retries,
	worker_id, created_at, started_at, duration_ms, tested_version, tested_ua,
	errors, position, revision
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9,
	$10, $11, $12, $13, $14, $15,
	$16::jsonb, $17, $18
)`,
			a.ID, a.JobID, a.TestID, a.Browser, a.Family, a.Version, a.Manual, a.Status, a.Retries,
			a.WorkerID, a.Created, nullableTime(a.Started), a.Duration, a.TestedVersion, a.TestedUA,
			errs, a.Position, a.Revision,
		)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+postgresJobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanPostgresJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Job{}, ErrJobNotFound
	}
	return job, err
}

func (s *PostgresStore) ListJobs(ctx context.Context) ([]Job, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+postgresJobColumns+` FROM jobs ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		job, err := scanPostgresJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *PostgresStore) EditJob(ctx context.Context, input EditInput) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var browsers, expected []byte
		if input.Browsers != nil {
			encoded, err := json.Marshal(input.Browsers)
			if err != nil {
				return fmt.Errorf("encode browsers: %w", err)
			}
			browsers = encoded
			if expected, err = json.Marshal(input.ExpectBrowsers); err != nil {
				return fmt.Errorf("encode expected browsers: %w", err)
			}
		}
		tag, err := tx.Exec(ctx, `
UPDATE jobs
SET
	description = $2,
	browsers = COALESCE($3::jsonb, browsers),
	completed_at = CASE WHEN $4 THEN NULL ELSE completed_at END
WHERE id = $1 AND ($5::jsonb IS NULL OR browsers = $5::jsonb)`,
			input.JobID, input.Description, browsers, len(input.Added) > 0, expected)
		if err != nil {
			return fmt.Errorf("update job: %w", err)
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, input.JobID).Scan(&exists); err != nil {
				return fmt.Errorf("check job: %w", err)
			}
			if !exists {
				return ErrJobNotFound
			}
			return ErrConflict
		}

		batch := &pgx.Batch{}
		if len(input.RemovedBrowsers) > 0 {
			batch.Queue(`DELETE FROM assignments WHERE job_id = $1 AND browser = ANY($2)`, input.JobID, input.RemovedBrowsers)
		}
		if err := queuePostgresAssignments(batch, input.Added); err != nil {
			return err
		}
		if batch.Len() == 0 {
			return nil
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("apply job edit: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) DeleteJob(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (s *PostgresStore) MarkJobComplete(ctx context.Context, id string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE jobs SET completed_at = $2 WHERE id = $1 AND completed_at IS NULL`, id, at.UTC())
	if err != nil {
		return false, fmt.Errorf("mark job complete: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	if _, err := s.GetJob(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *PostgresStore) ListTests(ctx context.Context, jobID string) ([]TestEntry, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, job_id, name, file, manual, position FROM tests WHERE job_id = $1 ORDER BY position ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TestEntry
	for rows.Next() {
		var entry TestEntry
		if err := rows.Scan(&entry.ID, &entry.JobID, &entry.Name, &entry.File, &entry.Manual, &entry.Position); err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListAssignments(ctx context.Context, jobID string) ([]Assignment, error) {
	rows, err := s.pool.Query(ctx, `
SELECT `+assignmentColumns+` FROM assignments
WHERE job_id = $1
ORDER BY created_at ASC, position ASC, id ASC`, jobID)
	if err != nil {
		return nil, err
	}
	return collectPostgresAssignments(rows)
}

func (s *PostgresStore) GetAssignment(ctx context.Context, id string) (Assignment, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+assignmentColumns+` FROM assignments WHERE id = $1`, id)
	a, err := scanPostgresAssignment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Assignment{}, ErrAssignmentNotFound
	}
	return a, err
}

func (s *PostgresStore) ResetAssignments(ctx context.Context, jobID string) (int, error) {
	var reset int64
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
UPDATE assignments
SET
	status = $2,
	retries = 0,
	worker_id = '',
	started_at = NULL,
	duration_ms = 0,
	tested_version = 0,
	tested_ua = '',
	errors = NULL,
	revision = revision + 1
WHERE job_id = $1`, jobID, StatusWaiting)
		if err != nil {
			return fmt.Errorf("reset assignments: %w", err)
		}
		reset = tag.RowsAffected()
		if reset == 0 {
			return nil
		}
		if _, err := tx.Exec(ctx, `UPDATE jobs SET completed_at = NULL WHERE id = $1`, jobID); err != nil {
			return fmt.Errorf("reopen job: %w", err)
		}
		return nil
	})
	return int(reset), err
}

func (s *PostgresStore) Candidates(ctx context.Context, query CandidateQuery) ([]Assignment, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = defaultCandidateLimit
	}
	rows, err := s.pool.Query(ctx, `
SELECT `+joinedAssignmentColumns+`
FROM assignments a
JOIN jobs j ON j.id = a.job_id
WHERE
	a.family = $1
	AND a.manual = $2
	AND (a.version = 0 OR a.version = $3)
	AND (
		a.status = $4
		OR (a.status = $5 AND a.started_at IS NOT NULL AND a.started_at < $6)
		OR (a.status = $7 AND a.retries <= $8)
	)
ORDER BY
	j.created_at ASC,
	j.id ASC,
	CASE a.status WHEN 'WAITING' THEN 0 WHEN 'PENDING' THEN 1 ELSE 2 END,
	a.created_at ASC,
	a.position ASC,
	a.id ASC
LIMIT $9`,
		query.Family, query.Manual, query.Version,
		StatusWaiting,
		StatusPending, query.StaleBefore.UTC(),
		StatusFailed, query.MaxRetries,
		limit,
	)
	if err != nil {
		return nil, err
	}
	return collectPostgresAssignments(rows)
}

func (s *PostgresStore) ExpiredClaims(ctx context.Context, startedBefore time.Time, minRetries, limit int) ([]Assignment, error) {
	if limit <= 0 {
		limit = defaultCandidateLimit
	}
	rows, err := s.pool.Query(ctx, `
SELECT `+assignmentColumns+`
FROM assignments
WHERE status = $1 AND started_at IS NOT NULL AND started_at < $2 AND retries >= $3
ORDER BY started_at ASC
LIMIT $4`, StatusPending, startedBefore.UTC(), minRetries, limit)
	if err != nil {
		return nil, err
	}
	return collectPostgresAssignments(rows)
}

func (s *PostgresStore) CompareAndSwap(ctx context.Context, prev, next Assignment) (Assignment, error) {
	errs, err := encodeErrors(next.Errors)
	if err != nil {
		return Assignment{}, err
	}
	row := s.pool.QueryRow(ctx, `
UPDATE assignments
SET
	status = $4,
	retries = $5,
	worker_id = $6,
	started_at = $7,
	duration_ms = $8,
	tested_version = $9,
	tested_ua = $10,
	errors = $11::jsonb,
	revision = revision + 1
WHERE id = $1 AND status = $2 AND revision = $3
RETURNING `+assignmentColumns,
		prev.ID, prev.Status, prev.Revision,
		next.Status, next.Retries, next.WorkerID, nullableTime(next.Started), next.Duration,
		next.TestedVersion, next.TestedUA, errs,
	)
	updated, err := scanPostgresAssignment(row)
	if err == nil {
		return updated, nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		if _, lookupErr := s.GetAssignment(ctx, prev.ID); lookupErr != nil {
			return Assignment{}, lookupErr
		}
		return Assignment{}, ErrConflict
	}
	return Assignment{}, err
}

const postgresJobColumns = `id, description, browsers, filter_expr, snapshot, created_at, completed_at`

func scanPostgresJob(row rowScanner) (Job, error) {
	var job Job
	var browsers []byte
	var completed *time.Time
	if err := row.Scan(&job.ID, &job.Description, &browsers, &job.Filter, &job.Snapshot, &job.Created, &completed); err != nil {
		return Job{}, err
	}
	if err := json.Unmarshal(browsers, &job.Browsers); err != nil {
		return Job{}, fmt.Errorf("decode job browsers: %w", err)
	}
	job.Created = job.Created.UTC()
	if completed != nil {
		at := completed.UTC()
		job.Completed = &at
	}
	return job, nil
}

func scanPostgresAssignment(row rowScanner) (Assignment, error) {
	var a Assignment
	var started *time.Time
	var errs []byte
	err := row.Scan(
		&a.ID,
		&a.JobID,
		&a.TestID,
		&a.Browser,
		&a.Family,
		&a.Version,
		&a.Manual,
		&a.Status,
		&a.Retries,
		&a.WorkerID,
		&a.Created,
		&started,
		&a.Duration,
		&a.TestedVersion,
		&a.TestedUA,
		&errs,
		&a.Position,
		&a.Revision,
	)
	if err != nil {
		return Assignment{}, err
	}
	a.Created = a.Created.UTC()
	if started != nil {
		a.Started = started.UTC()
	}
	if a.Errors, err = decodeErrors(errs); err != nil {
		return Assignment{}, err
	}
	return a, nil
}

func collectPostgresAssignments(rows pgx.Rows) ([]Assignment, error) {
	defer rows.Close()
	var out []Assignment
	for rows.Next() {
		a, err := scanPostgresAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	utc := t.UTC()
	return &utc
}
