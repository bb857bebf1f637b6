package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // sqlite driver

	"coderunner/pkg/logx"
	"coderunner/pkg/proto"
)

// schema is applied on open. Events carry a per-job sequence so append order
// survives restarts; the composite index serves ordered replay.
const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id          TEXT PRIMARY KEY,
	input       TEXT NOT NULL,
	status      TEXT NOT NULL,
	timeout_ms  INTEGER NOT NULL DEFAULT 0,
	created_at  TEXT NOT NULL,
	started_at  TEXT,
	finished_at TEXT
);

CREATE TABLE IF NOT EXISTS events (
	id     TEXT PRIMARY KEY,
	job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
	seq    INTEGER NOT NULL,
	type   TEXT NOT NULL,
	ts     TEXT NOT NULL,
	data   TEXT
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_events_job_seq ON events(job_id, seq);
`

// SQLiteStore is a durable Store backed by an embedded SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger *logx.Logger
}

// NewSQLiteStore opens (creating if necessary) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_foreign_keys=ON&_journal_mode=WAL&_busy_timeout=5000",
		path,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	// SQLite only supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	logger := logx.NewLogger("persistence")
	logger.Info("Database initialized: %s", path)

	return &SQLiteStore{db: db, logger: logger}, nil
}

// CreateJob persists a new job in pending status.
func (s *SQLiteStore) CreateJob(ctx context.Context, id, input string, timeoutMS int64) (*proto.Job, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, input, status, timeout_ms, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, input, string(proto.StatusPending), timeoutMS, now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert job %s: %w", id, err)
	}

	return &proto.Job{
		ID:        id,
		Input:     input,
		Status:    proto.StatusPending,
		CreatedAt: now,
		TimeoutMS: timeoutMS,
	}, nil
}

// GetJob returns the job or proto.ErrNotFound.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*proto.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, input, status, timeout_ms, created_at, started_at, finished_at FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, proto.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query job %s: %w", id, err)
	}
	return job, nil
}

// UpdateStatus transitions the job's status.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, status proto.Status, startedAt, finishedAt *time.Time) error {
	query := `UPDATE jobs SET status = ?`
	args := []any{string(status)}
	if startedAt != nil {
		query += `, started_at = ?`
		args = append(args, startedAt.UTC().Format(time.RFC3339Nano))
	}
	if finishedAt != nil {
		query += `, finished_at = ?`
		args = append(args, finishedAt.UTC().Format(time.RFC3339Nano))
	}
	query += ` WHERE id = ?`
	args = append(args, id)

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update job %s: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update of job %s: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("job %s: %w", id, proto.ErrNotFound)
	}
	return nil
}

// AddEvent appends an event to the job's log. The per-job sequence number is
// assigned inside a transaction so concurrent appends cannot collide.
func (s *SQLiteStore) AddEvent(ctx context.Context, event proto.Event) (proto.Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return proto.Event{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE id = ?`, event.JobID).Scan(&exists); err != nil {
		return proto.Event{}, fmt.Errorf("failed to check job %s: %w", event.JobID, err)
	}
	if exists == 0 {
		return proto.Event{}, fmt.Errorf("job %s: %w", event.JobID, proto.ErrNotFound)
	}

	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM events WHERE job_id = ?`, event.JobID).Scan(&event.Seq); err != nil {
		return proto.Event{}, fmt.Errorf("failed to allocate sequence for job %s: %w", event.JobID, err)
	}

	var data any
	if event.Data != nil {
		blob, err := json.Marshal(event.Data)
		if err != nil {
			return proto.Event{}, fmt.Errorf("failed to marshal event data: %w", err)
		}
		data = string(blob)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (id, job_id, seq, type, ts, data) VALUES (?, ?, ?, ?, ?, ?)`,
		event.ID, event.JobID, event.Seq, string(event.Type), event.TS.UTC().Format(time.RFC3339Nano), data,
	)
	if err != nil {
		return proto.Event{}, fmt.Errorf("failed to insert event for job %s: %w", event.JobID, err)
	}

	if err := tx.Commit(); err != nil {
		return proto.Event{}, fmt.Errorf("failed to commit event for job %s: %w", event.JobID, err)
	}
	return event, nil
}

// GetEvents returns the job's events in append order.
func (s *SQLiteStore) GetEvents(ctx context.Context, jobID string) ([]proto.Event, error) {
	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE id = ?`, jobID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to check job %s: %w", jobID, err)
	}
	if exists == 0 {
		return nil, fmt.Errorf("job %s: %w", jobID, proto.ErrNotFound)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, seq, type, ts, data FROM events WHERE job_id = ? ORDER BY seq ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events for job %s: %w", jobID, err)
	}
	defer func() { _ = rows.Close() }()

	var events []proto.Event
	for rows.Next() {
		var (
			event   proto.Event
			typ, ts string
			data    sql.NullString
		)
		if err := rows.Scan(&event.ID, &event.JobID, &event.Seq, &typ, &ts, &data); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		event.Type = proto.EventType(typ)
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("failed to parse event timestamp: %w", err)
		}
		event.TS = parsed
		if data.Valid {
			if err := json.Unmarshal([]byte(data.String), &event.Data); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event data: %w", err)
			}
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events for job %s: %w", jobID, err)
	}
	return events, nil
}

// ListJobs returns up to limit jobs, newest first.
func (s *SQLiteStore) ListJobs(ctx context.Context, limit int) ([]*proto.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, input, status, timeout_ms, created_at, started_at, finished_at
		 FROM jobs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []*proto.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate jobs: %w", err)
	}
	return jobs, nil
}

// DeleteJob removes the job and its events (cascade).
func (s *SQLiteStore) DeleteJob(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete job %s: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check delete of job %s: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("job %s: %w", id, proto.ErrNotFound)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*proto.Job, error) {
	var (
		job                 proto.Job
		status, createdAt   string
		startedAt, finished sql.NullString
	)
	if err := row.Scan(&job.ID, &job.Input, &status, &job.TimeoutMS, &createdAt, &startedAt, &finished); err != nil {
		return nil, err
	}
	job.Status = proto.Status(status)

	created, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	job.CreatedAt = created

	if startedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, startedAt.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse started_at: %w", err)
		}
		job.StartedAt = &t
	}
	if finished.Valid {
		t, err := time.Parse(time.RFC3339Nano, finished.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse finished_at: %w", err)
		}
		job.FinishedAt = &t
	}
	return &job, nil
}
