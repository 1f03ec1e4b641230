package store

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

type MemoryScope string

const (
	MemoryGlobal MemoryScope = "global"
	MemoryChat   MemoryScope = "chat"
)

type MemorySource string

const (
	SourceExplicit  MemorySource = "explicit"
	SourceReflector MemorySource = "reflector"
	SourceTool      MemorySource = "tool"
)

// Memory is spec.md §3's structured memory record. InternalChatID is zero
// for global-scope memories.
type Memory struct {
	ID             string
	Scope          MemoryScope
	InternalChatID int64
	Category       string
	Content        string
	Confidence     float64
	Source         MemorySource
	LastSeen       string
	Archived       bool
}

func (s *Store) InsertMemory(m Memory) (string, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.LastSeen == "" {
		m.LastSeen = nowISO()
	}
	err := s.withWrite(func() error {
		var chatID any
		if m.Scope == MemoryChat {
			chatID = m.InternalChatID
		}
		_, err := s.db.Exec(
			`INSERT INTO memories (id, scope, internal_chat_id, category, content, confidence, source, last_seen, archived)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)`,
			m.ID, string(m.Scope), chatID, m.Category, m.Content, m.Confidence, string(m.Source), m.LastSeen,
		)
		return wrapExecErr("insert memory", err)
	})
	if err != nil {
		return "", err
	}
	return m.ID, nil
}

func (s *Store) GetMemory(id string) (*Memory, error) {
	row := s.db.QueryRow(
		`SELECT id, scope, COALESCE(internal_chat_id,0), category, content, confidence, source, last_seen, archived
		 FROM memories WHERE id = ?`, id)
	m, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

// ActiveMemoriesForInjection returns the union of global + chat-scoped
// non-archived memories, per spec.md §4.6's SystemPrompt candidate set.
func (s *Store) ActiveMemoriesForInjection(internalChatID int64) ([]Memory, error) {
	rows, err := s.db.Query(
		`SELECT id, scope, COALESCE(internal_chat_id,0), category, content, confidence, source, last_seen, archived
		 FROM memories WHERE archived = 0 AND (scope = 'global' OR (scope = 'chat' AND internal_chat_id = ?))`,
		internalChatID,
	)
	if err != nil {
		return nil, fmt.Errorf("active memories for injection: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// SearchMemoriesFTS is the cheap pre-filter MemoryQuality.dedup uses before
// computing exact Jaccard similarity, grounded on the teacher's
// Engine.SearchFTS bm25-ranked query.
func (s *Store) SearchMemoriesFTS(scope MemoryScope, internalChatID int64, query string, limit int) ([]Memory, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(
		`SELECT m.id, m.scope, COALESCE(m.internal_chat_id,0), m.category, m.content, m.confidence, m.source, m.last_seen, m.archived
		 FROM memories m
		 JOIN memories_fts f ON m.rowid = f.rowid
		 WHERE memories_fts MATCH ? AND m.archived = 0
		   AND (m.scope = 'global' OR (m.scope = 'chat' AND m.internal_chat_id = ?))
		 ORDER BY bm25(memories_fts)
		 LIMIT ?`,
		query, internalChatID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("search memories fts: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

func (s *Store) UpdateMemoryConfidenceAndLastSeen(id string, confidence float64, lastSeen string) error {
	return s.withWrite(func() error {
		_, err := s.db.Exec(`UPDATE memories SET confidence = ?, last_seen = ? WHERE id = ?`, confidence, lastSeen, id)
		return wrapExecErr("update memory confidence", err)
	})
}

func (s *Store) TouchMemoryLastSeen(id, lastSeen string) error {
	return s.withWrite(func() error {
		_, err := s.db.Exec(`UPDATE memories SET last_seen = ? WHERE id = ?`, lastSeen, id)
		return wrapExecErr("touch memory", err)
	})
}

// ArchiveMemory marks a memory archived; archived memories stay in the
// table for audit but never surface in ActiveMemoriesForInjection, per
// spec.md §3's invariant.
func (s *Store) ArchiveMemory(id string) error {
	return s.withWrite(func() error {
		_, err := s.db.Exec(`UPDATE memories SET archived = 1 WHERE id = ?`, id)
		return wrapExecErr("archive memory", err)
	})
}

// Supersede records a supersedes(newer, older) edge and archives older,
// per spec.md §3's DAG invariant.
func (s *Store) Supersede(newerID, olderID string) error {
	return s.withWrite(func() error {
		if _, err := s.db.Exec(`INSERT OR IGNORE INTO memory_supersedes (newer_id, older_id) VALUES (?, ?)`, newerID, olderID); err != nil {
			return wrapExecErr("record supersede edge", err)
		}
		_, err := s.db.Exec(`UPDATE memories SET archived = 1 WHERE id = ?`, olderID)
		return wrapExecErr("archive superseded memory", err)
	})
}

func scanMemory(row scannable) (*Memory, error) {
	var m Memory
	var scope, source string
	var archived int
	if err := row.Scan(&m.ID, &scope, &m.InternalChatID, &m.Category, &m.Content, &m.Confidence, &source, &m.LastSeen, &archived); err != nil {
		return nil, err
	}
	m.Scope = MemoryScope(scope)
	m.Source = MemorySource(source)
	m.Archived = archived == 1
	return &m, nil
}

func scanMemories(rows *sql.Rows) ([]Memory, error) {
	var out []Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}
