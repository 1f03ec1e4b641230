package store

import "database/sql"

type SessionState string

const (
	SessionEmpty     SessionState = "empty"
	SessionBuilding  SessionState = "building"
	SessionCompacted SessionState = "compacted"
	SessionEnded     SessionState = "ended"
)

// Session is the persisted form of an in-flight LLM conversation for one
// chat. Blocks is the caller's own JSON-encoded block array. A chat has at
// most one live session, per spec.md §3.
type Session struct {
	InternalChatID   int64
	SessionKey       string
	Blocks           string
	CompactedSummary string
	State            SessionState
	CreatedAt        string
	UpdatedAt        string
}

// LoadSession returns (nil, nil) when no session exists yet — Store.Open's
// table starts empty for every chat, grounded on
// original_source/tests/db_integration.rs's test_session_lifecycle
// ("no session initially").
func (s *Store) LoadSession(internalChatID int64) (*Session, error) {
	row := s.db.QueryRow(
		`SELECT internal_chat_id, session_key, blocks, COALESCE(compacted_summary,''), state, created_at, updated_at
		 FROM sessions WHERE internal_chat_id = ?`, internalChatID)
	var sess Session
	var state string
	err := row.Scan(&sess.InternalChatID, &sess.SessionKey, &sess.Blocks, &sess.CompactedSummary, &state, &sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sess.State = SessionState(state)
	return &sess, nil
}

// SaveSession upserts the live session for a chat; updated_at always
// advances, grounded on test_session_lifecycle's "update session (upsert)"
// assertion that updated_at never regresses.
func (s *Store) SaveSession(sess Session) error {
	return s.withWrite(func() error {
		now := nowISO()
		res, err := s.db.Exec(
			`UPDATE sessions SET session_key=?, blocks=?, compacted_summary=?, state=?, updated_at=? WHERE internal_chat_id=?`,
			sess.SessionKey, sess.Blocks, sess.CompactedSummary, string(sess.State), now, sess.InternalChatID,
		)
		if err != nil {
			return wrapExecErr("update session", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
		_, err = s.db.Exec(
			`INSERT INTO sessions (internal_chat_id, session_key, blocks, compacted_summary, state, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			sess.InternalChatID, sess.SessionKey, sess.Blocks, sess.CompactedSummary, string(sess.State), now, now,
		)
		return wrapExecErr("insert session", err)
	})
}

// DeleteSession returns true if a session existed and was removed, false
// if it was already gone — idempotent-false-on-repeat per
// test_session_lifecycle.
func (s *Store) DeleteSession(internalChatID int64) (bool, error) {
	var deleted bool
	err := s.withWrite(func() error {
		res, err := s.db.Exec(`DELETE FROM sessions WHERE internal_chat_id = ?`, internalChatID)
		if err != nil {
			return wrapExecErr("delete session", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		deleted = n > 0
		return nil
	})
	return deleted, err
}
