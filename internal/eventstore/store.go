package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-voice/internal/config"
	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("job not found")

// Job is the latest known state of a synthesis job.
type Job struct {
	ID        string
	ClientID  string
	Status    string
	Language  string
	URL       string
	Error     string
	Privacy   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Event is one entry on a job's timeline.
type Event struct {
	ID        int64
	JobID     string
	TraceID   string
	Type      string
	Payload   []byte
	Privacy   string
	CreatedAt time.Time
}

// Store keeps job state and timelines in SQLite. Ephemeral retention keeps them in
// memory for the life of the process.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	dsn := fmt.Sprintf("file:events-%s?mode=memory&cache=shared&_pragma=foreign_keys(ON)", uuid.NewString())
	if cfg.RetentionMode != "ephemeral" {
		dir := filepath.Dir(cfg.Path)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
		}
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if cfg.RetentionMode == "ephemeral" {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart && cfg.RetentionMode != "ephemeral" {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS jobs (
    job_id TEXT PRIMARY KEY,
    client_id TEXT,
    status TEXT NOT NULL,
    language TEXT,
    url TEXT,
    error TEXT,
    privacy_scope TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id TEXT NOT NULL,
    trace_id TEXT,
    event_type TEXT,
    payload BLOB,
    privacy_scope TEXT,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(job_id) REFERENCES jobs(job_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_job_created ON events(job_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// PutJob inserts the job or updates its mutable fields.
func (s *Store) PutJob(ctx context.Context, job Job) error {
	now := s.clock().UTC()
	if job.Privacy == "" {
		job.Privacy = s.cfg.PrivacyScope
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(job_id, client_id, status, language, url, error, privacy_scope, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(job_id) DO UPDATE SET status=excluded.status, url=excluded.url,
		   error=excluded.error, updated_at=excluded.updated_at`,
		job.ID, job.ClientID, job.Status, job.Language, job.URL, job.Error, job.Privacy, now, now)
	return err
}

func (s *Store) GetJob(ctx context.Context, jobID string) (Job, error) {
	var j Job
	var created, updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT job_id, client_id, status, language, url, error, privacy_scope, created_at, updated_at
		 FROM jobs WHERE job_id = ?`, jobID).
		Scan(&j.ID, &j.ClientID, &j.Status, &j.Language, &j.URL, &j.Error, &j.Privacy, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, err
	}
	j.CreatedAt = parseTime(created)
	j.UpdatedAt = parseTime(updated)
	return j, nil
}

// AppendEvent writes an event onto an existing job's timeline.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock().UTC()
	}
	if evt.Privacy == "" {
		evt.Privacy = s.cfg.PrivacyScope
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(job_id, trace_id, event_type, payload, privacy_scope, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		evt.JobID, evt.TraceID, evt.Type, evt.Payload, evt.Privacy, evt.CreatedAt)
	return err
}

// ListJobEvents returns up to limit events for a job, oldest first.
func (s *Store) ListJobEvents(ctx context.Context, jobID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, trace_id, event_type, payload, privacy_scope, created_at
		 FROM events WHERE job_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, jobID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var created string
		if err := rows.Scan(&e.ID, &e.JobID, &e.TraceID, &e.Type, &e.Payload, &e.Privacy, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = parseTime(created)
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune applies the configured retention. It runs on open and on the runtime's
// prune ticker.
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.cfg.RetentionMode == "ephemeral" {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC()
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM jobs WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxJobs > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM jobs WHERE job_id IN (
			SELECT job_id FROM jobs ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxJobs)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func parseTime(v string) time.Time {
	ts, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return ts
}
