package store

import "fmt"

// migration is one forward-only, idempotent schema step. Steps run inside
// a single transaction gated by schema_migrations, per spec.md §4.1's
// "startup runs forward migrations idempotently keyed on a
// schema_migrations table."
type migration struct {
	version int
	stmts   []string
}

var migrations = []migration{
	{
		version: 1,
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS schema_migrations (
				version INTEGER PRIMARY KEY,
				applied_at TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS chats (
				internal_chat_id INTEGER PRIMARY KEY AUTOINCREMENT,
				channel TEXT NOT NULL,
				external_chat_id TEXT NOT NULL,
				kind TEXT NOT NULL DEFAULT 'direct',
				title TEXT NOT NULL DEFAULT '',
				last_message_time TEXT,
				created_at TEXT NOT NULL,
				UNIQUE(channel, external_chat_id)
			)`,
			`CREATE TABLE IF NOT EXISTS messages (
				id TEXT PRIMARY KEY,
				internal_chat_id INTEGER NOT NULL REFERENCES chats(internal_chat_id),
				role TEXT NOT NULL,
				content_blocks TEXT NOT NULL,
				is_from_bot INTEGER NOT NULL DEFAULT 0,
				session_id TEXT,
				timestamp TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_chat_time ON messages(internal_chat_id, timestamp)`,
			`CREATE TABLE IF NOT EXISTS sessions (
				internal_chat_id INTEGER PRIMARY KEY REFERENCES chats(internal_chat_id),
				session_key TEXT NOT NULL,
				blocks TEXT NOT NULL,
				compacted_summary TEXT,
				state TEXT NOT NULL DEFAULT 'empty',
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS scheduled_tasks (
				id TEXT PRIMARY KEY,
				internal_chat_id INTEGER NOT NULL REFERENCES chats(internal_chat_id),
				prompt TEXT NOT NULL,
				schedule_kind TEXT NOT NULL,
				schedule_expr TEXT NOT NULL DEFAULT '',
				schedule_tz TEXT NOT NULL DEFAULT 'UTC',
				schedule_at TEXT,
				state TEXT NOT NULL DEFAULT 'active',
				last_run TEXT,
				next_run TEXT,
				created_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_due ON scheduled_tasks(state, next_run)`,
			`CREATE TABLE IF NOT EXISTS task_run_logs (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				task_id TEXT NOT NULL REFERENCES scheduled_tasks(id),
				internal_chat_id INTEGER NOT NULL,
				started_at TEXT NOT NULL,
				finished_at TEXT NOT NULL,
				runtime_ms INTEGER NOT NULL DEFAULT 0,
				success INTEGER NOT NULL DEFAULT 1,
				coalesced INTEGER NOT NULL DEFAULT 0,
				result_summary TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_task_logs_task ON task_run_logs(task_id, started_at)`,
			`CREATE TABLE IF NOT EXISTS memories (
				id TEXT PRIMARY KEY,
				scope TEXT NOT NULL,
				internal_chat_id INTEGER,
				category TEXT NOT NULL DEFAULT 'fact',
				content TEXT NOT NULL,
				confidence REAL NOT NULL DEFAULT 0.5,
				source TEXT NOT NULL DEFAULT 'explicit',
				last_seen TEXT NOT NULL,
				archived INTEGER NOT NULL DEFAULT 0,
				embedding BLOB
			)`,
			`CREATE INDEX IF NOT EXISTS idx_memories_scope ON memories(scope, internal_chat_id, archived)`,
			`CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
				content,
				content='memories',
				content_rowid='rowid',
				tokenize='unicode61'
			)`,
			`CREATE TRIGGER IF NOT EXISTS memories_ai AFTER INSERT ON memories BEGIN
				INSERT INTO memories_fts(rowid, content) VALUES (new.rowid, new.content);
			END`,
			`CREATE TRIGGER IF NOT EXISTS memories_ad AFTER DELETE ON memories BEGIN
				INSERT INTO memories_fts(memories_fts, rowid, content) VALUES('delete', old.rowid, old.content);
			END`,
			`CREATE TRIGGER IF NOT EXISTS memories_au AFTER UPDATE ON memories BEGIN
				INSERT INTO memories_fts(memories_fts, rowid, content) VALUES('delete', old.rowid, old.content);
				INSERT INTO memories_fts(rowid, content) VALUES (new.rowid, new.content);
			END`,
			`CREATE TABLE IF NOT EXISTS memory_supersedes (
				newer_id TEXT NOT NULL,
				older_id TEXT NOT NULL,
				PRIMARY KEY (newer_id, older_id)
			)`,
			`CREATE TABLE IF NOT EXISTS usage_records (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				internal_chat_id INTEGER,
				model TEXT NOT NULL,
				input_tokens INTEGER NOT NULL DEFAULT 0,
				output_tokens INTEGER NOT NULL DEFAULT 0,
				cost_estimate REAL NOT NULL DEFAULT 0,
				wall_ms INTEGER NOT NULL DEFAULT 0,
				created_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_usage_chat_time ON usage_records(internal_chat_id, created_at)`,
			`CREATE TABLE IF NOT EXISTS memory_reflector_runs (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				internal_chat_id INTEGER NOT NULL,
				inserted INTEGER NOT NULL DEFAULT 0,
				updated INTEGER NOT NULL DEFAULT 0,
				skipped INTEGER NOT NULL DEFAULT 0,
				superseded INTEGER NOT NULL DEFAULT 0,
				created_at TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS memory_injection_logs (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				internal_chat_id INTEGER NOT NULL,
				candidate_count INTEGER NOT NULL DEFAULT 0,
				selected_count INTEGER NOT NULL DEFAULT 0,
				selected_ids TEXT NOT NULL DEFAULT '',
				created_at TEXT NOT NULL
			)`,
		},
	},
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("bootstrap schema_migrations: %w", err)
	}

	for _, m := range migrations {
		var applied int
		if err := s.db.QueryRow(`SELECT COUNT(1) FROM schema_migrations WHERE version = ?`, m.version).Scan(&applied); err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if applied > 0 {
			continue
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.version, err)
		}
		for _, stmt := range m.stmts {
			if _, err := tx.Exec(stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("apply migration %d: %w", m.version, err)
			}
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations(version, applied_at) VALUES (?, ?)`, m.version, nowISO()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.version, err)
		}
	}
	return nil
}
