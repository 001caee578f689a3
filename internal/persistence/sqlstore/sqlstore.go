// Package sqlstore implements persistence.Backend on database/sql, for
// Postgres (through pgx) and SQLite (through mattn/go-sqlite3).
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"

	"github.com/tendant/simple-analyzer/internal/persistence"
)

type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite3"
)

var _ persistence.Backend = (*Store)(nil)

// Store is a SQL-backed persistence.Backend. Timestamps are stored as unix
// milliseconds so both dialects share one schema.
type Store struct {
	db      *sql.DB
	pool    *pgxpool.Pool
	dialect Dialect
	now     func() time.Time
}

// Open connects to the database. Postgres goes through a pgx pool exposed as
// *sql.DB; SQLite uses a single connection so ":memory:" databases work.
func Open(ctx context.Context, dialect Dialect, dsn string) (*Store, error) {
	switch dialect {
	case Postgres:
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("sqlstore: connect postgres: %w", err)
		}
		return &Store{db: stdlib.OpenDBFromPool(pool), pool: pool, dialect: Postgres, now: time.Now}, nil
	case SQLite:
		db, err := sql.Open(string(SQLite), dsn)
		if err != nil {
			return nil, fmt.Errorf("sqlstore: open sqlite: %w", err)
		}
		db.SetMaxOpenConns(1)
		return &Store{db: db, dialect: SQLite, now: time.Now}, nil
	}
	return nil, fmt.Errorf("sqlstore: unsupported dialect %q", dialect)
}

// New wraps an existing database handle.
func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect, now: time.Now}
}

// WithClock overrides the clock used for created/updated timestamps.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) Close() error {
	err := s.db.Close()
	if s.pool != nil {
		s.pool.Close()
	}
	return err
}

const schema = `
CREATE TABLE IF NOT EXISTS analysis_jobs (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	assessment_name TEXT NOT NULL,
	payload TEXT,
	status TEXT NOT NULL,
	result_ref TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	retry_count INTEGER NOT NULL DEFAULT 0,
	last_heartbeat_at BIGINT,
	processing_ms BIGINT NOT NULL DEFAULT 0,
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_analysis_jobs_status_updated ON analysis_jobs(status, updated_at);

CREATE TABLE IF NOT EXISTS analysis_results (
	id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	assessment_name TEXT NOT NULL,
	data TEXT NOT NULL,
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_analysis_results_job ON analysis_results(job_id);
CREATE INDEX IF NOT EXISTS idx_analysis_results_user_created ON analysis_results(user_id, created_at);
`

// Migrate creates the tables and indexes if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlstore: migrate: %w", err)
		}
	}
	return nil
}

// rebind converts ? placeholders to $n for Postgres.
func (s *Store) rebind(query string) string {
	if s.dialect != Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const jobColumns = `id, user_id, assessment_name, payload, status, result_ref, error_message,
	retry_count, last_heartbeat_at, processing_ms, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*persistence.JobRecord, error) {
	var (
		job       persistence.JobRecord
		payload   sql.NullString
		heartbeat sql.NullInt64
		created   int64
		updated   int64
	)
	err := row.Scan(&job.ID, &job.UserID, &job.AssessmentName, &payload, &job.Status,
		&job.ResultRef, &job.ErrorMessage, &job.RetryCount, &heartbeat, &job.ProcessingMs,
		&created, &updated)
	if err != nil {
		return nil, err
	}
	if payload.Valid && payload.String != "" {
		job.Payload = json.RawMessage(payload.String)
	}
	if heartbeat.Valid {
		hb := time.UnixMilli(heartbeat.Int64).UTC()
		job.LastHeartbeatAt = &hb
	}
	job.CreatedAt = time.UnixMilli(created).UTC()
	job.UpdatedAt = time.UnixMilli(updated).UTC()
	return &job, nil
}

func (s *Store) CreateJob(ctx context.Context, job *persistence.JobRecord) error {
	now := s.now().UTC()
	if job.Status == "" {
		job.Status = persistence.StatusQueued
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO analysis_jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		job.ID, job.UserID, job.AssessmentName, nullPayload(job.Payload), string(job.Status),
		job.ResultRef, job.ErrorMessage, job.RetryCount, nullMillis(job.LastHeartbeatAt),
		job.ProcessingMs, job.CreatedAt.UnixMilli(), job.UpdatedAt.UnixMilli())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("create job %s: %w", job.ID, persistence.ErrConflict)
		}
		return fmt.Errorf("create job %s: %w", job.ID, err)
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*persistence.JobRecord, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+jobColumns+` FROM analysis_jobs WHERE id = ?`), id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, persistence.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

// UpdateJobStatus reads, checks and writes inside one transaction. The write
// is also guarded by the observed status, so concurrent patches cannot both
// apply.
func (s *Store) UpdateJobStatus(ctx context.Context, id string, patch persistence.StatusPatch) (*persistence.JobRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("update job %s: begin: %w", id, err)
	}
	defer func() { _ = tx.Rollback() }()

	job, err := scanJob(tx.QueryRowContext(ctx, s.rebind(`SELECT `+jobColumns+` FROM analysis_jobs WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, persistence.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("update job %s: read: %w", id, err)
	}
	if !patch.Allows(job.Status) {
		return nil, fmt.Errorf("job %s is %s, patch to %q: %w", id, job.Status, patch.To, persistence.ErrConflict)
	}
	observed := job.Status
	patch.Apply(job, s.now().UTC())

	res, err := tx.ExecContext(ctx, s.rebind(`
		UPDATE analysis_jobs
		SET status = ?, result_ref = ?, error_message = ?, retry_count = ?,
			last_heartbeat_at = ?, processing_ms = ?, updated_at = ?
		WHERE id = ? AND status = ?`),
		string(job.Status), job.ResultRef, job.ErrorMessage, job.RetryCount,
		nullMillis(job.LastHeartbeatAt), job.ProcessingMs, job.UpdatedAt.UnixMilli(),
		id, string(observed))
	if err != nil {
		return nil, fmt.Errorf("update job %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, fmt.Errorf("job %s changed concurrently: %w", id, persistence.ErrConflict)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("update job %s: commit: %w", id, err)
	}
	return job, nil
}

func (s *Store) ListJobs(ctx context.Context, filter persistence.ListFilter) ([]*persistence.JobRecord, error) {
	query := `SELECT ` + jobColumns + ` FROM analysis_jobs WHERE 1=1`
	var args []any
	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		query += ` AND status IN (` + strings.Join(marks, ", ") + `)`
	}
	if !filter.UpdatedBefore.IsZero() {
		query += ` AND updated_at < ?`
		args = append(args, filter.UpdatedBefore.UnixMilli())
	}
	query += ` ORDER BY updated_at ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []*persistence.JobRecord
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("list jobs: scan: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *Store) Stats(ctx context.Context, stuckBefore time.Time) (*persistence.Stats, error) {
	st := &persistence.Stats{Counts: make(map[persistence.Status]int)}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM analysis_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("job stats: scan: %w", err)
		}
		st.Counts[persistence.Status(status)] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}

	var oldest, latest sql.NullInt64
	err = s.db.QueryRowContext(ctx, s.rebind(`
		SELECT COUNT(*), MIN(updated_at), MAX(updated_at) FROM analysis_jobs
		WHERE status IN (?, ?) AND updated_at < ?`),
		string(persistence.StatusQueued), string(persistence.StatusProcessing), stuckBefore.UnixMilli(),
	).Scan(&st.Stuck, &oldest, &latest)
	if err != nil {
		return nil, fmt.Errorf("job stats: stuck: %w", err)
	}
	if oldest.Valid {
		t := time.UnixMilli(oldest.Int64).UTC()
		st.OldestStuckAt = &t
	}
	if latest.Valid {
		t := time.UnixMilli(latest.Int64).UTC()
		st.LatestStuckAt = &t
	}
	return st, nil
}

const resultColumns = `id, job_id, user_id, assessment_name, data, created_at, updated_at`

func scanResult(row rowScanner) (*persistence.Result, error) {
	var (
		res     persistence.Result
		data    string
		created int64
		updated int64
	)
	if err := row.Scan(&res.ID, &res.JobID, &res.UserID, &res.AssessmentName, &data, &created, &updated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(data), &res.Data); err != nil {
		return nil, fmt.Errorf("decode result data: %w", err)
	}
	res.CreatedAt = time.UnixMilli(created).UTC()
	res.UpdatedAt = time.UnixMilli(updated).UTC()
	return &res, nil
}

func (s *Store) CreateResult(ctx context.Context, res *persistence.Result) error {
	data, err := json.Marshal(res.Data)
	if err != nil {
		return fmt.Errorf("create result %s: encode: %w", res.ID, err)
	}
	now := s.now().UTC()
	if res.CreatedAt.IsZero() {
		res.CreatedAt = now
	}
	res.UpdatedAt = now
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO analysis_results (`+resultColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`),
		res.ID, res.JobID, res.UserID, res.AssessmentName, string(data),
		res.CreatedAt.UnixMilli(), res.UpdatedAt.UnixMilli())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("create result %s: %w", res.ID, persistence.ErrConflict)
		}
		return fmt.Errorf("create result %s: %w", res.ID, err)
	}
	return nil
}

func (s *Store) UpdateResult(ctx context.Context, res *persistence.Result) error {
	data, err := json.Marshal(res.Data)
	if err != nil {
		return fmt.Errorf("update result %s: encode: %w", res.ID, err)
	}
	res.UpdatedAt = s.now().UTC()
	out, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE analysis_results SET job_id = ?, data = ?, updated_at = ? WHERE id = ?`),
		res.JobID, string(data), res.UpdatedAt.UnixMilli(), res.ID)
	if err != nil {
		return fmt.Errorf("update result %s: %w", res.ID, err)
	}
	if n, err := out.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("result %s: %w", res.ID, persistence.ErrNotFound)
	}
	return nil
}

func (s *Store) GetResult(ctx context.Context, id string) (*persistence.Result, error) {
	res, err := scanResult(s.db.QueryRowContext(ctx, s.rebind(`SELECT `+resultColumns+` FROM analysis_results WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("result %s: %w", id, persistence.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get result %s: %w", id, err)
	}
	return res, nil
}

func (s *Store) FindResult(ctx context.Context, q persistence.ResultQuery) (*persistence.Result, error) {
	if q.JobID != "" {
		res, err := scanResult(s.db.QueryRowContext(ctx, s.rebind(`
			SELECT `+resultColumns+` FROM analysis_results WHERE job_id = ?
			ORDER BY created_at ASC LIMIT 1`), q.JobID))
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("find result for job %s: %w", q.JobID, err)
		}
	}
	if q.UserID == "" {
		return nil, fmt.Errorf("result for job %s: %w", q.JobID, persistence.ErrNotFound)
	}

	query := `SELECT ` + resultColumns + ` FROM analysis_results WHERE user_id = ?`
	args := []any{q.UserID}
	if q.AssessmentName != "" {
		query += ` AND assessment_name = ?`
		args = append(args, q.AssessmentName)
	}
	if !q.CreatedAfter.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, q.CreatedAfter.UnixMilli())
	}
	if !q.CreatedBefore.IsZero() {
		query += ` AND created_at <= ?`
		args = append(args, q.CreatedBefore.UnixMilli())
	}
	query += ` ORDER BY created_at ASC LIMIT 1`

	res, err := scanResult(s.db.QueryRowContext(ctx, s.rebind(query), args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("result for job %s: %w", q.JobID, persistence.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find result for job %s: %w", q.JobID, err)
	}
	return res, nil
}

func (s *Store) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func nullPayload(p json.RawMessage) sql.NullString {
	if len(p) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(p), Valid: true}
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code == sqlite3.ErrConstraint
	}
	return false
}
