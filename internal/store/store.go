// Package store is the sole owner of on-disk state: chats, messages,
// sessions, scheduled tasks, structured memories, usage records, and
// observability events. It is a single-file WAL-mode SQLite database,
// grounded on the teacher's internal/memory/engine.go pragma set and
// schema style.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rayclaw/rayclaw/internal/rayerr"
)

// Store wraps a *sql.DB open against a single SQLite file. Reads may run
// concurrently; writes are serialized by the caller taking writeMu, which
// mirrors WAL's single-writer model and keeps retry-on-busy logic in one
// place instead of scattered across every Exec call.
type Store struct {
	db      *sql.DB
	writeMu sync.Mutex
}

const busyRetryAttempts = 5

func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

// withWrite serializes fn against other writers and retries on SQLITE_BUSY
// with bounded backoff, per spec.md §4.1's failure semantics.
func (s *Store) withWrite(fn func() error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var err error
	backoff := 10 * time.Millisecond
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !isBusyErr(err) {
			return err
		}
		time.Sleep(backoff)
		backoff *= 2
	}
	return rayerr.Busyf("store busy after %d attempts: %v", busyRetryAttempts, err)
}

func isBusyErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy")
}

func isConstraintErr(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "constraint")
}

func wrapExecErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if isConstraintErr(err) {
		return &rayerr.Error{Kind: rayerr.Internal, Message: fmt.Sprintf("%s: constraint violation", op), Cause: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// Tx runs fn inside a transaction, retrying the whole transaction on Busy.
func (s *Store) Tx(ctx context.Context, fn func(*sql.Tx) error) error {
	return s.withWrite(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}
