package store

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleToolResult Role = "tool_result"
)

// Message is a persisted, append-only turn fragment. ContentBlocks is the
// caller's own JSON-encoded block array (text / tool_use / tool_result) —
// Store treats it as an opaque blob, per spec.md §3's content-block model.
type Message struct {
	ID             string
	InternalChatID int64
	Role           Role
	ContentBlocks  string
	IsFromBot      bool
	SessionID      string
	Timestamp      string
}

func (s *Store) StoreMessage(m Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	return s.withWrite(func() error {
		_, err := s.db.Exec(
			`INSERT INTO messages (id, internal_chat_id, role, content_blocks, is_from_bot, session_id, timestamp)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			m.ID, m.InternalChatID, string(m.Role), m.ContentBlocks, boolToInt(m.IsFromBot), m.SessionID, m.Timestamp,
		)
		return wrapExecErr("store message", err)
	})
}

func (s *Store) GetAllMessages(internalChatID int64) ([]Message, error) {
	rows, err := s.db.Query(
		`SELECT id, internal_chat_id, role, content_blocks, is_from_bot, COALESCE(session_id,''), timestamp
		 FROM messages WHERE internal_chat_id = ? ORDER BY timestamp ASC`, internalChatID)
	if err != nil {
		return nil, fmt.Errorf("get all messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// GetRecentMessages returns the most recent limit messages, oldest first —
// the shape spec.md §4.7 step 2 rebuilds a session from.
func (s *Store) GetRecentMessages(internalChatID int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT id, internal_chat_id, role, content_blocks, is_from_bot, COALESCE(session_id,''), timestamp FROM (
			SELECT id, internal_chat_id, role, content_blocks, is_from_bot, session_id, timestamp
			FROM messages WHERE internal_chat_id = ? ORDER BY timestamp DESC LIMIT ?
		) ORDER BY timestamp ASC`, internalChatID, limit)
	if err != nil {
		return nil, fmt.Errorf("get recent messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// MessagesSinceLastBotReply rebuilds a group-chat catch-up window: the
// bot's most recent message plus everything after it, inclusive. Grounded
// on original_source/tests/db_integration.rs's test_catch_up_query_complex.
// If the bot has never replied, falls back to the most recent limit
// messages.
func (s *Store) MessagesSinceLastBotReply(internalChatID int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	var lastBotTS sql.NullString
	err := s.db.QueryRow(
		`SELECT MAX(timestamp) FROM messages WHERE internal_chat_id = ? AND is_from_bot = 1`, internalChatID,
	).Scan(&lastBotTS)
	if err != nil {
		return nil, fmt.Errorf("find last bot reply: %w", err)
	}
	if !lastBotTS.Valid {
		return s.GetRecentMessages(internalChatID, limit)
	}

	rows, err := s.db.Query(
		`SELECT id, internal_chat_id, role, content_blocks, is_from_bot, COALESCE(session_id,''), timestamp
		 FROM messages WHERE internal_chat_id = ? AND timestamp >= ? ORDER BY timestamp ASC LIMIT ?`,
		internalChatID, lastBotTS.String, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("catch-up query: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// NewUserMessagesSince returns non-bot messages strictly after ts.
func (s *Store) NewUserMessagesSince(internalChatID int64, ts string) ([]Message, error) {
	rows, err := s.db.Query(
		`SELECT id, internal_chat_id, role, content_blocks, is_from_bot, COALESCE(session_id,''), timestamp
		 FROM messages WHERE internal_chat_id = ? AND is_from_bot = 0 AND timestamp > ? ORDER BY timestamp ASC`,
		internalChatID, ts,
	)
	if err != nil {
		return nil, fmt.Errorf("new user messages since: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var out []Message
	for rows.Next() {
		var m Message
		var isBot int
		if err := rows.Scan(&m.ID, &m.InternalChatID, &m.Role, &m.ContentBlocks, &isBot, &m.SessionID, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.IsFromBot = isBot == 1
		out = append(out, m)
	}
	return out, rows.Err()
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
