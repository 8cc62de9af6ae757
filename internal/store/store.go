package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loqalabs/loqa-tts-gateway/internal/config"
	"github.com/loqalabs/loqa-tts-gateway/internal/protocol"
)

const settingPort = "port"

// ErrInvalidPort is returned by SetPort for ports outside (1024, 65535).
var ErrInvalidPort = errors.New("port must be between 1025 and 65534")

// Store persists gateway settings and the synthesis job journal in SQLite.
type Store struct {
	db    *sql.DB
	cfg   config.StoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open creates the database file and schema if needed, then prunes.
func Open(ctx context.Context, cfg config.StoreConfig, log *slog.Logger) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log.With(slog.String("component", "store")), clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.Prune(ctx); err != nil {
		s.log.Warn("store prune on start failed", slog.String("error", err.Error()))
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS settings (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS jobs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id TEXT NOT NULL,
    method TEXT,
    locale TEXT,
    status TEXT NOT NULL,
    status_code INTEGER,
    text_chars INTEGER,
    audio_bytes INTEGER,
    duration_ms INTEGER,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs(created_at);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// Port returns the persisted listen port, or fallback when none is stored.
func (s *Store) Port(ctx context.Context, fallback int) (int, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, settingPort).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return fallback, nil
	}
	if err != nil {
		return fallback, err
	}
	port, err := strconv.Atoi(raw)
	if err != nil || !config.ValidListenPort(port) {
		s.log.Warn("ignoring invalid stored port", slog.String("value", raw))
		return fallback, nil
	}
	return port, nil
}

// SetPort persists the listen port.
func (s *Store) SetPort(ctx context.Context, port int) error {
	if !config.ValidListenPort(port) {
		return fmt.Errorf("%w: %d", ErrInvalidPort, port)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings(key, value, updated_at) VALUES(?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		settingPort, strconv.Itoa(port), s.clock().UnixMilli())
	return err
}

// RecordJob appends a job outcome to the journal.
func (s *Store) RecordJob(ctx context.Context, ev protocol.JobEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(job_id, method, locale, status, status_code, text_chars, audio_bytes, duration_ms, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.JobID, ev.Method, ev.Locale, ev.Status, ev.StatusCode, ev.TextChars, ev.AudioBytes, ev.DurationMS,
		ev.Timestamp.UnixMilli())
	return err
}

// ListJobs returns up to limit journal entries, newest first.
func (s *Store) ListJobs(ctx context.Context, limit int) ([]protocol.JobEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, method, locale, status, status_code, text_chars, audio_bytes, duration_ms, created_at
		 FROM jobs ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []protocol.JobEvent
	for rows.Next() {
		var (
			ev      protocol.JobEvent
			created int64
		)
		if err := rows.Scan(&ev.JobID, &ev.Method, &ev.Locale, &ev.Status, &ev.StatusCode,
			&ev.TextChars, &ev.AudioBytes, &ev.DurationMS, &created); err != nil {
			return nil, err
		}
		ev.Timestamp = time.UnixMilli(created).UTC()
		jobs = append(jobs, ev)
	}
	return jobs, rows.Err()
}

// Prune applies the configured retention to the job journal.
func (s *Store) Prune(ctx context.Context) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM jobs WHERE created_at < ?`, cutoff.UnixMilli()); err != nil {
			return err
		}
	}
	if s.cfg.MaxJobs > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM jobs WHERE id IN (
			SELECT id FROM jobs ORDER BY created_at DESC, id DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxJobs)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}
