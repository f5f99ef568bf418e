package credentials

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-speech/internal/config"
	_ "modernc.org/sqlite"
)

// Keys used by the speech runtime.
const (
	KeyRemoteSynthesis = "elevenLabsApiKey"
	KeyAssistant       = "openai_api_key"
)

// Store keeps one opaque credential string per key. Saving an empty value does nothing and a
// missing key is reported with ok=false, not an error.
type Store interface {
	Save(ctx context.Context, key, value string) error
	Get(ctx context.Context, key string) (string, bool, error)
	Close() error
}

// Open builds the backend selected in cfg.
func Open(ctx context.Context, cfg config.CredentialsConfig, log *slog.Logger) (Store, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return OpenSQLite(ctx, cfg.Path, log)
	default:
		return nil, fmt.Errorf("unsupported credentials backend %q", cfg.Backend)
	}
}

type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

func (m *MemoryStore) Save(_ context.Context, key, value string) error {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	m.mu.Lock()
	m.values[key] = value
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *MemoryStore) Close() error { return nil }

// SQLiteStore persists credentials in a single table so they survive restarts.
type SQLiteStore struct {
	db    *sql.DB
	log   *slog.Logger
	clock func() time.Time
}

func OpenSQLite(ctx context.Context, path string, log *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create credentials dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	_, err = db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS credentials (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    updated_at TEXT NOT NULL
)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init credentials schema: %w", err)
	}
	return &SQLiteStore{
		db:    db,
		log:   log.With(slog.String("component", "credentials")),
		clock: time.Now,
	}, nil
}

func (s *SQLiteStore) Save(ctx context.Context, key, value string) error {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credentials(key, value, updated_at) VALUES(?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		key, value, s.clock().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save credential %s: %w", key, err)
	}
	// never log the value
	s.log.Debug("credential saved", slog.String("key", key))
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM credentials WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read credential %s: %w", key, err)
	}
	return value, true, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
