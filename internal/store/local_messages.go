package store

import (
	"database/sql"
	"fmt"
	"time"

	"nanoagent/internal/logging"
	"nanoagent/internal/types"
)

// =============================================================================
// MESSAGE LOG (append-only per group, replaced wholesale by compaction)
// =============================================================================

// SaveMessage appends a message to its group's log.
func (s *LocalStore) SaveMessage(msg types.StoredMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := insertMessage(s.db, msg); err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to save message %s: %v", msg.ID, err)
		return err
	}
	logging.StoreDebug("Saved message: group=%s id=%s from_me=%v", msg.GroupID, msg.ID, msg.IsFromMe)
	return nil
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func insertMessage(db execer, msg types.StoredMessage) error {
	_, err := db.Exec(
		`INSERT INTO messages (id, group_id, sender, content, timestamp, channel, is_from_me, is_trigger)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, string(msg.GroupID), msg.Sender, msg.Content,
		msg.Timestamp.UnixMilli(), msg.Channel, boolInt(msg.IsFromMe), boolInt(msg.IsTrigger),
	)
	if err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	return nil
}

// LoadRecentMessages returns up to limit of the group's most recent messages
// in chronological order.
func (s *LocalStore) LoadRecentMessages(groupID types.GroupID, limit int) ([]types.StoredMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.db.Query(
		`SELECT id, group_id, sender, content, timestamp, channel, is_from_me, is_trigger FROM (
			SELECT seq, id, group_id, sender, content, timestamp, channel, is_from_me, is_trigger
			FROM messages WHERE group_id = ?
			ORDER BY timestamp DESC, seq DESC
			LIMIT ?
		) ORDER BY timestamp ASC, seq ASC`,
		string(groupID), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	var out []types.StoredMessage
	for rows.Next() {
		var (
			m         types.StoredMessage
			group     string
			ts        int64
			fromMe    int
			isTrigger int
		)
		if err := rows.Scan(&m.ID, &group, &m.Sender, &m.Content, &ts, &m.Channel, &fromMe, &isTrigger); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.GroupID = types.GroupID(group)
		m.Timestamp = time.UnixMilli(ts)
		m.IsFromMe = fromMe != 0
		m.IsTrigger = isTrigger != 0
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}

	logging.StoreDebug("Loaded %d messages for %s (limit %d)", len(out), groupID, limit)
	return out, nil
}

// ClearGroupMessages deletes the group's entire history. Tasks are untouched.
func (s *LocalStore) ClearGroupMessages(groupID types.GroupID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM messages WHERE group_id = ?", string(groupID))
	if err != nil {
		return fmt.Errorf("failed to clear messages: %w", err)
	}
	n, _ := res.RowsAffected()
	logging.Store("Cleared %d messages for %s", n, groupID)
	return nil
}

// ReplaceGroupMessages atomically replaces the group's history with msgs.
func (s *LocalStore) ReplaceGroupMessages(groupID types.GroupID, msgs []types.StoredMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM messages WHERE group_id = ?", string(groupID)); err != nil {
		return fmt.Errorf("failed to clear messages: %w", err)
	}
	for _, m := range msgs {
		m.GroupID = groupID
		if err := insertMessage(tx, m); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit replacement: %w", err)
	}

	logging.Store("Replaced history for %s with %d messages", groupID, len(msgs))
	return nil
}

// ListGroups returns every group with at least one stored message.
func (s *LocalStore) ListGroups() ([]types.GroupID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT DISTINCT group_id FROM messages ORDER BY group_id")
	if err != nil {
		return nil, fmt.Errorf("failed to list groups: %w", err)
	}
	defer rows.Close()

	var out []types.GroupID
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, err
		}
		out = append(out, types.GroupID(g))
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
