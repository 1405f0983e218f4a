package store

import (
	"database/sql"
	"fmt"

	"nanoagent/internal/logging"
)

// Schema versions:
// v1: messages, tasks, config
// v2: channel column on messages
const CurrentSchemaVersion = 2

// Migration adds a column to an existing table.
type Migration struct {
	Table  string
	Column string
	Def    string
}

// pendingMigrations handles databases created before a column existed.
var pendingMigrations = []Migration{
	{"messages", "channel", "TEXT NOT NULL DEFAULT ''"},
}

// RunMigrations applies column migrations and records the schema version.
func RunMigrations(db *sql.DB) error {
	timer := logging.StartTimer(logging.CategoryStore, "RunMigrations")
	defer timer.Stop()

	applied := 0
	for _, m := range pendingMigrations {
		if !tableExists(db, m.Table) || columnExists(db, m.Table, m.Column) {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.Table, m.Column, m.Def)
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %s.%s failed: %w", m.Table, m.Column, err)
		}
		logging.Store("Applied migration: %s.%s", m.Table, m.Column)
		applied++
	}

	version, err := GetSchemaVersion(db)
	if err != nil {
		return err
	}
	if version < CurrentSchemaVersion {
		if _, err := db.Exec("DELETE FROM schema_version"); err != nil {
			return fmt.Errorf("failed to reset schema version: %w", err)
		}
		if _, err := db.Exec("INSERT INTO schema_version (version) VALUES (?)", CurrentSchemaVersion); err != nil {
			return fmt.Errorf("failed to record schema version: %w", err)
		}
	}

	logging.StoreDebug("Migrations complete: %d applied, schema v%d", applied, CurrentSchemaVersion)
	return nil
}

// GetSchemaVersion returns the recorded schema version, 0 if none.
func GetSchemaVersion(db *sql.DB) (int, error) {
	var version sql.NullInt64
	if err := db.QueryRow("SELECT MAX(version) FROM schema_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return int(version.Int64), nil
}

func tableExists(db *sql.DB, table string) bool {
	var name string
	err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
	return err == nil
}

func columnExists(db *sql.DB, table, column string) bool {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notnull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false
		}
		if name == column {
			return true
		}
	}
	return false
}
