package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"nanoagent/internal/logging"
)

// GetConfig returns the value for key or ErrNotFound.
func (s *LocalStore) GetConfig(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value string
	err := s.db.QueryRow("SELECT value FROM config WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("config %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read config %s: %w", key, err)
	}
	return value, nil
}

// SetConfig upserts a key.
func (s *LocalStore) SetConfig(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO config (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to write config %s: %w", key, err)
	}
	logging.StoreDebug("Config set: %s", key)
	return nil
}

// SeedConfig writes every pair in values. Empty values are skipped so a
// reload never blanks a key set from the CLI.
func (s *LocalStore) SeedConfig(values map[string]string) error {
	for k, v := range values {
		if v == "" {
			continue
		}
		if err := s.SetConfig(k, v); err != nil {
			return err
		}
	}
	return nil
}

// ListConfig returns every stored key.
func (s *LocalStore) ListConfig() (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT key, value FROM config ORDER BY key")
	if err != nil {
		return nil, fmt.Errorf("failed to list config: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}
