// Package store persists messages, scheduled tasks and keyed configuration
// in a single SQLite database.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"nanoagent/internal/logging"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a keyed lookup has no row.
var ErrNotFound = errors.New("not found")

// LocalStore is the SQLite-backed message log, task store and config store.
//
// Usage:
//
//	s, _ := store.NewLocalStore(cfg.DatabasePath())
//	defer s.Close()
//	_ = s.SaveMessage(msg)
//	recent, _ := s.LoadRecentMessages("local:main", 50)
type LocalStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// NewLocalStore opens (or creates) the database at path. ":memory:" gives an
// ephemeral store for tests.
func NewLocalStore(path string) (*LocalStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "NewLocalStore")
	defer timer.Stop()

	logging.Store("Initializing LocalStore at path: %s", path)

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: the store is owned by one logical writer and an
	// in-memory database exists per connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}

	s := &LocalStore{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	logging.Store("LocalStore ready")
	return s, nil
}

func (s *LocalStore) initialize() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL,
			group_id TEXT NOT NULL,
			sender TEXT NOT NULL,
			content TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			channel TEXT NOT NULL DEFAULT '',
			is_from_me INTEGER NOT NULL DEFAULT 0,
			is_trigger INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_group_ts ON messages(group_id, timestamp, seq)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			group_id TEXT NOT NULL,
			schedule TEXT NOT NULL,
			prompt TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			last_run INTEGER,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (s *LocalStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// GetDB exposes the underlying handle for maintenance commands.
func (s *LocalStore) GetDB() *sql.DB {
	return s.db
}

// GetStats returns row counts per table.
func (s *LocalStore) GetStats() (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[string]int64)
	for _, table := range []string{"messages", "tasks", "config"} {
		var n int64
		if err := s.db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
			return nil, fmt.Errorf("count %s: %w", table, err)
		}
		stats[table] = n
	}
	return stats, nil
}
