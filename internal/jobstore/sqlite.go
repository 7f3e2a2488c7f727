package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore keeps scheduling state in a single SQLite file. Writes are
// serialised through one connection.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	description TEXT NOT NULL,
	browsers TEXT NOT NULL,
	filter_expr TEXT NOT NULL DEFAULT '',
	snapshot INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	completed_at INTEGER NULL
);

CREATE TABLE IF NOT EXISTS tests (
	job_id TEXT NOT NULL,
	id TEXT NOT NULL,
	name TEXT NOT NULL,
	file TEXT NOT NULL DEFAULT '',
	manual INTEGER NOT NULL DEFAULT 0,
	position INTEGER NOT NULL,
	PRIMARY KEY (job_id, id)
);

CREATE TABLE IF NOT EXISTS assignments (
	id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL,
	test_id TEXT NOT NULL,
	browser TEXT NOT NULL,
	family TEXT NOT NULL,
	version INTEGER NOT NULL,
	manual INTEGER NOT NULL,
	status TEXT NOT NULL,
	retries INTEGER NOT NULL DEFAULT 0,
	worker_id TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	started_at INTEGER NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	tested_version INTEGER NOT NULL DEFAULT 0,
	tested_ua TEXT NOT NULL DEFAULT '',
	errors TEXT NULL,
	position INTEGER NOT NULL,
	revision INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_assignments_job ON assignments (job_id);
CREATE INDEX IF NOT EXISTS idx_assignments_dispatch ON assignments (family, manual, status);
`)
	if err != nil {
		return fmt.Errorf("initialize sqlite schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CreateJob(ctx context.Context, job Job, tests []TestEntry, assignments []Assignment) error {
	browsers, err := json.Marshal(job.Browsers)
	if err != nil {
		return fmt.Errorf("encode browsers: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create job: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO jobs (id, description, browsers, filter_expr, snapshot, created_at, completed_at)
VALUES (?, ?, ?, ?, ?, ?, NULL)`,
		job.ID, job.Description, string(browsers), job.Filter, job.Snapshot, unixNanos(job.Created),
	); err != nil {
		return fmt.Errorf("insert job: %w", err)
	}

	for _, entry := range tests {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO tests (job_id, id, name, file, manual, position) VALUES (?, ?, ?, ?, ?, ?)`,
			job.ID, entry.ID, entry.Name, entry.File, entry.Manual, entry.Position,
		); err != nil {
			return fmt.Errorf("insert test %s: %w", entry.ID, err)
		}
	}

	if err := insertSQLiteAssignments(ctx, tx, assignments); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create job: %w", err)
	}
	return nil
}

func insertSQLiteAssignments(ctx context.Context, tx *sql.Tx, assignments []Assignment) error {
	for _, a := range assignments {
		errs, err := encodeErrors(a.Errors)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO assignments (
	id, job_id, test_id, browser, family, version, manual, status, retries,
	worker_id, created_at, started_at, duration_ms, tested_version, tested_ua,
	errors, position, revision
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ID, a.JobID, a.TestID, a.Browser, a.Family, a.Version, a.Manual, a.Status, a.Retries,
			a.WorkerID, unixNanos(a.Created), unixNanos(a.Started), a.Duration, a.TestedVersion, a.TestedUA,
			errs, a.Position, a.Revision,
		); err != nil {
			return fmt.Errorf("insert assignment %s: %w", a.ID, err)
		}
	}
	return nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteJobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanSQLiteJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrJobNotFound
	}
	return job, err
}

func (s *SQLiteStore) ListJobs(ctx context.Context) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteJobColumns+` FROM jobs ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		job, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) EditJob(ctx context.Context, input EditInput) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin edit job: %w", err)
	}
	defer tx.Rollback()

	var res sql.Result
	if input.Browsers != nil {
		browsers, err := json.Marshal(input.Browsers)
		if err != nil {
			return fmt.Errorf("encode browsers: %w", err)
		}
		expected, err := json.Marshal(input.ExpectBrowsers)
		if err != nil {
			return fmt.Errorf("encode expected browsers: %w", err)
		}
		res, err = tx.ExecContext(ctx, `UPDATE jobs SET description = ?, browsers = ? WHERE id = ? AND browsers = ?`,
			input.Description, string(browsers), input.JobID, string(expected))
		if err != nil {
			return fmt.Errorf("update job: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return s.editMiss(ctx, tx, input.JobID)
		}
	} else {
		res, err = tx.ExecContext(ctx, `UPDATE jobs SET description = ? WHERE id = ?`, input.Description, input.JobID)
		if err != nil {
			return fmt.Errorf("update job: %w", err)
		}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}

	for _, browser := range input.RemovedBrowsers {
		if _, err := tx.ExecContext(ctx, `DELETE FROM assignments WHERE job_id = ? AND browser = ?`, input.JobID, browser); err != nil {
			return fmt.Errorf("delete assignments for %s: %w", browser, err)
		}
	}
	if err := insertSQLiteAssignments(ctx, tx, input.Added); err != nil {
		return err
	}
	if len(input.Added) > 0 {
		if _, err := tx.ExecContext(ctx, `UPDATE jobs SET completed_at = NULL WHERE id = ?`, input.JobID); err != nil {
			return fmt.Errorf("reopen job: %w", err)
		}
	}
	return tx.Commit()
}

// editMiss tells a missing job apart from a lost browser-list race.
func (s *SQLiteStore) editMiss(ctx context.Context, tx *sql.Tx, jobID string) error {
	var exists int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE id = ?`, jobID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("check job: %w", err)
	}
	return ErrConflict
}

func (s *SQLiteStore) DeleteJob(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete job: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tests WHERE job_id = ?`, id); err != nil {
		return fmt.Errorf("delete tests: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM assignments WHERE job_id = ?`, id); err != nil {
		return fmt.Errorf("delete assignments: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) MarkJobComplete(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET completed_at = ? WHERE id = ? AND completed_at IS NULL`, unixNanos(at), id)
	if err != nil {
		return false, fmt.Errorf("mark job complete: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}
	if _, err := s.GetJob(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *SQLiteStore) ListTests(ctx context.Context, jobID string) ([]TestEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, job_id, name, file, manual, position FROM tests WHERE job_id = ? ORDER BY position ASC`, jobID)
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

func (s *SQLiteStore) ListAssignments(ctx context.Context, jobID string) ([]Assignment, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+assignmentColumns+` FROM assignments
WHERE job_id = ?
ORDER BY created_at ASC, position ASC, id ASC`, jobID)
	if err != nil {
		return nil, err
	}
	return collectSQLiteAssignments(rows)
}

func (s *SQLiteStore) GetAssignment(ctx context.Context, id string) (Assignment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM assignments WHERE id = ?`, id)
	a, err := scanSQLiteAssignment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Assignment{}, ErrAssignmentNotFound
	}
	return a, err
}

func (s *SQLiteStore) ResetAssignments(ctx context.Context, jobID string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin reset: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
UPDATE assignments
SET
	status = ?,
	retries = 0,
	worker_id = '',
	started_at = 0,
	duration_ms = 0,
	tested_version = 0,
	tested_ua = '',
	errors = NULL,
	revision = revision + 1
WHERE job_id = ?`, StatusWaiting, jobID)
	if err != nil {
		return 0, fmt.Errorf("reset assignments: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		if _, err := tx.ExecContext(ctx, `UPDATE jobs SET completed_at = NULL WHERE id = ?`, jobID); err != nil {
			return 0, fmt.Errorf("reopen job: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit reset: %w", err)
	}
	return int(n), nil
}

func (s *SQLiteStore) Candidates(ctx context.Context, query CandidateQuery) ([]Assignment, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = defaultCandidateLimit
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+joinedAssignmentColumns+`
FROM assignments a
JOIN jobs j ON j.id = a.job_id
WHERE
	a.family = ?
	AND a.manual = ?
	AND (a.version = 0 OR a.version = ?)
	AND (
		a.status = ?
		OR (a.status = ? AND a.started_at > 0 AND a.started_at < ?)
		OR (a.status = ? AND a.retries <= ?)
	)
ORDER BY
	j.created_at ASC,
	j.id ASC,
	CASE a.status WHEN 'WAITING' THEN 0 WHEN 'PENDING' THEN 1 ELSE 2 END,
	a.created_at ASC,
	a.position ASC,
	a.id ASC
LIMIT ?`,
		query.Family, query.Manual, query.Version,
		StatusWaiting,
		StatusPending, unixNanos(query.StaleBefore),
		StatusFailed, query.MaxRetries,
		limit,
	)
	if err != nil {
		return nil, err
	}
	return collectSQLiteAssignments(rows)
}

func (s *SQLiteStore) ExpiredClaims(ctx context.Context, startedBefore time.Time, minRetries, limit int) ([]Assignment, error) {
	if limit <= 0 {
		limit = defaultCandidateLimit
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+assignmentColumns+`
FROM assignments
WHERE status = ? AND started_at > 0 AND started_at < ? AND retries >= ?
ORDER BY started_at ASC
LIMIT ?`, StatusPending, unixNanos(startedBefore), minRetries, limit)
	if err != nil {
		return nil, err
	}
	return collectSQLiteAssignments(rows)
}

func (s *SQLiteStore) CompareAndSwap(ctx context.Context, prev, next Assignment) (Assignment, error) {
	errs, err := encodeErrors(next.Errors)
	if err != nil {
		return Assignment{}, err
	}
	row := s.db.QueryRowContext(ctx, `
UPDATE assignments
SET
	status = ?,
	retries = ?,
	worker_id = ?,
	started_at = ?,
	duration_ms = ?,
	tested_version = ?,
	tested_ua = ?,
	errors = ?,
	revision = revision + 1
WHERE id = ? AND status = ? AND revision = ?
RETURNING `+assignmentColumns,
		next.Status, next.Retries, next.WorkerID, unixNanos(next.Started), next.Duration,
		next.TestedVersion, next.TestedUA, errs,
		prev.ID, prev.Status, prev.Revision,
	)
	updated, err := scanSQLiteAssignment(row)
	if err == nil {
		return updated, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		if _, lookupErr := s.GetAssignment(ctx, prev.ID); lookupErr != nil {
			return Assignment{}, lookupErr
		}
		return Assignment{}, ErrConflict
	}
	return Assignment{}, err
}

const sqliteJobColumns = `id, description, browsers, filter_expr, snapshot, created_at, completed_at`

func scanSQLiteJob(row rowScanner) (Job, error) {
	var job Job
	var browsers string
	var created int64
	var completed sql.NullInt64
	if err := row.Scan(&job.ID, &job.Description, &browsers, &job.Filter, &job.Snapshot, &created, &completed); err != nil {
		return Job{}, err
	}
	if err := json.Unmarshal([]byte(browsers), &job.Browsers); err != nil {
		return Job{}, fmt.Errorf("decode job browsers: %w", err)
	}
	job.Created = fromUnixNanos(created)
	if completed.Valid {
		at := fromUnixNanos(completed.Int64)
		job.Completed = &at
	}
	return job, nil
}

func scanSQLiteAssignment(row rowScanner) (Assignment, error) {
	var a Assignment
	var created, started int64
	var errs sql.NullString
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
		&created,
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
	a.Created = fromUnixNanos(created)
	a.Started = fromUnixNanos(started)
	if errs.Valid {
		if a.Errors, err = decodeErrors([]byte(errs.String)); err != nil {
			return Assignment{}, err
		}
	}
	return a, nil
}

func collectSQLiteAssignments(rows *sql.Rows) ([]Assignment, error) {
	defer rows.Close()
	var out []Assignment
	for rows.Next() {
		a, err := scanSQLiteAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func unixNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
