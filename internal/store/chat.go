package store

import (
	"database/sql"
	"fmt"
)

type ChatKind string

const (
	ChatDirect ChatKind = "direct"
	ChatGroup  ChatKind = "group"
)

type Chat struct {
	InternalChatID  int64
	Channel         string
	ExternalChatID  string
	Kind            ChatKind
	Title           string
	LastMessageTime string
}

// ResolveChat returns the internal_chat_id for (channel, external_chat_id),
// allocating one on first sight. This is the Store's sole authority over
// that mapping, per spec.md §4.1.
func (s *Store) ResolveChat(channel, externalChatID string, kind ChatKind, title string) (int64, error) {
	var id int64
	err := s.withWrite(func() error {
		row := s.db.QueryRow(`SELECT internal_chat_id FROM chats WHERE channel = ? AND external_chat_id = ?`, channel, externalChatID)
		scanErr := row.Scan(&id)
		if scanErr == nil {
			if title != "" {
				_, upErr := s.db.Exec(`UPDATE chats SET title = ? WHERE internal_chat_id = ?`, title, id)
				return wrapExecErr("update chat title", upErr)
			}
			return nil
		}
		if scanErr != sql.ErrNoRows {
			return wrapExecErr("lookup chat", scanErr)
		}

		res, insErr := s.db.Exec(
			`INSERT INTO chats (channel, external_chat_id, kind, title, created_at) VALUES (?, ?, ?, ?, ?)`,
			channel, externalChatID, string(kind), title, nowISO(),
		)
		if insErr != nil {
			return wrapExecErr("insert chat", insErr)
		}
		id, insErr = res.LastInsertId()
		return insErr
	})
	return id, err
}

func (s *Store) GetChat(internalChatID int64) (*Chat, error) {
	row := s.db.QueryRow(`SELECT internal_chat_id, channel, external_chat_id, kind, title, COALESCE(last_message_time,'') FROM chats WHERE internal_chat_id = ?`, internalChatID)
	var c Chat
	var kind string
	if err := row.Scan(&c.InternalChatID, &c.Channel, &c.ExternalChatID, &kind, &c.Title, &c.LastMessageTime); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("chat %d not found", internalChatID)
		}
		return nil, err
	}
	c.Kind = ChatKind(kind)
	return &c, nil
}

// ChatsWithActivitySince lists chats whose last_message_time is at or after
// since, most-recently-active first — the candidate set Reflector polls
// each tick, per spec.md §4.8's "per-chat-with-recent-activity."
func (s *Store) ChatsWithActivitySince(since string) ([]Chat, error) {
	rows, err := s.db.Query(
		`SELECT internal_chat_id, channel, external_chat_id, kind, title, COALESCE(last_message_time,'')
		 FROM chats WHERE last_message_time >= ? ORDER BY last_message_time DESC`, since,
	)
	if err != nil {
		return nil, fmt.Errorf("chats with activity since: %w", err)
	}
	defer rows.Close()

	var out []Chat
	for rows.Next() {
		var c Chat
		var kind string
		if err := rows.Scan(&c.InternalChatID, &c.Channel, &c.ExternalChatID, &kind, &c.Title, &c.LastMessageTime); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		c.Kind = ChatKind(kind)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) TouchChat(internalChatID int64, ts string) error {
	return s.withWrite(func() error {
		_, err := s.db.Exec(`UPDATE chats SET last_message_time = ? WHERE internal_chat_id = ?`, ts, internalChatID)
		return wrapExecErr("touch chat", err)
	})
}
