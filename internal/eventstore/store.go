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

	"github.com/loqalabs/loqa-speech/internal/config"
	_ "modernc.org/sqlite"
)

const (
	KindSessionOpen  = "session.open"
	KindSessionClose = "session.close"
	KindTransition   = "transition"
	KindError        = "error"
	KindSynthesis    = "synthesis"
)

// Entry is one journal line for a consumer session. Transcript and synthesis text are never
// recorded, only modes, sources and error codes.
type Entry struct {
	ID        int64
	SessionID string
	Kind      string
	From      string
	To        string
	Source    string
	Code      string
	CreatedAt time.Time
}

// Store is the SQLite-backed session journal. In ephemeral mode every call is a no-op.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "eventstore"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init event schema: %w", err)
	}

	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
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
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    backend TEXT,
    opened_at TEXT NOT NULL,
    closed_at TEXT
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    from_mode TEXT,
    to_mode TEXT,
    source TEXT,
    code TEXT,
    created_at TEXT NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_session_created ON events(session_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) enabled() bool {
	return s != nil && s.db != nil && s.cfg.RetentionMode != "ephemeral"
}

func (s *Store) now() string {
	return s.clock().UTC().Format(time.RFC3339Nano)
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// OpenSession records a consumer attaching with the given synthesis backend.
func (s *Store) OpenSession(ctx context.Context, sessionID, backend string) error {
	if !s.enabled() {
		return nil
	}
	ts := s.now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, backend, opened_at) VALUES(?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET backend=excluded.backend, closed_at=NULL`,
		sessionID, backend, ts)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return s.Append(ctx, Entry{SessionID: sessionID, Kind: KindSessionOpen, Source: backend})
}

// CloseSession marks the session closed. Its entries are kept until pruned.
func (s *Store) CloseSession(ctx context.Context, sessionID string) error {
	if !s.enabled() {
		return nil
	}
	if err := s.Append(ctx, Entry{SessionID: sessionID, Kind: KindSessionClose}); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET closed_at = ? WHERE session_id = ?`, s.now(), sessionID)
	return err
}

func (s *Store) Append(ctx context.Context, e Entry) error {
	if !s.enabled() {
		return nil
	}
	if e.SessionID == "" || e.Kind == "" {
		return errors.New("journal entry needs a session and a kind")
	}
	created := s.now()
	if !e.CreatedAt.IsZero() {
		created = e.CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(session_id, kind, from_mode, to_mode, source, code, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		e.SessionID, e.Kind, e.From, e.To, e.Source, e.Code, created)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// Entries returns up to limit entries for a session, oldest first.
func (s *Store) Entries(ctx context.Context, sessionID string, limit int) ([]Entry, error) {
	if !s.enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, kind, from_mode, to_mode, source, code, created_at
		 FROM events WHERE session_id = ? ORDER BY id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e                      Entry
			from, to, source, code sql.NullString
			created                string
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Kind, &from, &to, &source, &code, &created); err != nil {
			return nil, err
		}
		e.From, e.To, e.Source, e.Code = from.String, to.String, source.String, code.String
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			e.CreatedAt = ts
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Prune applies the configured retention. "session" mode also drops closed sessions.
func (s *Store) Prune(ctx context.Context) (err error) {
	if !s.enabled() {
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
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC().Format(time.RFC3339Nano)
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE opened_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.RetentionMode == "session" {
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE closed_at IS NOT NULL`); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY opened_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions); err != nil {
			return err
		}
	}
	return tx.Commit()
}
