package store

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

type TaskState string

const (
	TaskActive    TaskState = "active"
	TaskPaused    TaskState = "paused"
	TaskCancelled TaskState = "cancelled"
)

type ScheduleKind string

const (
	ScheduleCron ScheduleKind = "cron"
	ScheduleOnce ScheduleKind = "once"
)

// ScheduledTask is spec.md §3's ScheduledTask: (chat, prompt, schedule,
// state, last_run, next_run). Cron schedules carry a 6-field expression
// and an IANA timezone; one-shot schedules carry a single instant.
type ScheduledTask struct {
	ID             string
	InternalChatID int64
	Prompt         string
	ScheduleKind   ScheduleKind
	ScheduleExpr   string // cron expression, 6-field
	ScheduleTZ     string
	ScheduleAt     string // ISO instant, "once" only
	State          TaskState
	LastRun        string
	NextRun        string // empty string means null
	CreatedAt      string
}

type TaskRunLog struct {
	ID             int64
	TaskID         string
	InternalChatID int64
	StartedAt      string
	FinishedAt     string
	RuntimeMs      int64
	Success        bool
	Coalesced      bool
	ResultSummary  string
}

func (s *Store) CreateScheduledTask(t ScheduledTask) (string, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.ScheduleTZ == "" {
		t.ScheduleTZ = "UTC"
	}
	if t.State == "" {
		t.State = TaskActive
	}
	err := s.withWrite(func() error {
		_, err := s.db.Exec(
			`INSERT INTO scheduled_tasks
			 (id, internal_chat_id, prompt, schedule_kind, schedule_expr, schedule_tz, schedule_at, state, next_run, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.InternalChatID, t.Prompt, string(t.ScheduleKind), t.ScheduleExpr, t.ScheduleTZ, nullableStr(t.ScheduleAt), string(t.State), nullableStr(t.NextRun), nowISO(),
		)
		return wrapExecErr("create scheduled task", err)
	})
	if err != nil {
		return "", err
	}
	return t.ID, nil
}

// GetTasksForChat excludes cancelled tasks, grounded on
// original_source/tests/db_integration.rs's test_scheduled_task_lifecycle
// ("list by chat - only active/paused").
func (s *Store) GetTasksForChat(internalChatID int64) ([]ScheduledTask, error) {
	rows, err := s.db.Query(
		`SELECT id, internal_chat_id, prompt, schedule_kind, schedule_expr, schedule_tz, COALESCE(schedule_at,''),
		        state, COALESCE(last_run,''), COALESCE(next_run,''), created_at
		 FROM scheduled_tasks WHERE internal_chat_id = ? AND state != 'cancelled' ORDER BY created_at ASC`,
		internalChatID,
	)
	if err != nil {
		return nil, fmt.Errorf("get tasks for chat: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// GetDueTasks excludes paused and cancelled tasks, per spec.md §4.9's
// "SELECT tasks with state = active AND next_run <= now".
func (s *Store) GetDueTasks(now string) ([]ScheduledTask, error) {
	rows, err := s.db.Query(
		`SELECT id, internal_chat_id, prompt, schedule_kind, schedule_expr, schedule_tz, COALESCE(schedule_at,''),
		        state, COALESCE(last_run,''), COALESCE(next_run,''), created_at
		 FROM scheduled_tasks WHERE state = 'active' AND next_run IS NOT NULL AND next_run <= ? ORDER BY next_run ASC`,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("get due tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (s *Store) GetTaskByID(id string) (*ScheduledTask, error) {
	row := s.db.QueryRow(
		`SELECT id, internal_chat_id, prompt, schedule_kind, schedule_expr, schedule_tz, COALESCE(schedule_at,''),
		        state, COALESCE(last_run,''), COALESCE(next_run,''), created_at
		 FROM scheduled_tasks WHERE id = ?`, id,
	)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

func (s *Store) UpdateTaskStatus(id string, state TaskState) (bool, error) {
	var ok bool
	err := s.withWrite(func() error {
		res, err := s.db.Exec(`UPDATE scheduled_tasks SET state = ? WHERE id = ?`, string(state), id)
		if err != nil {
			return wrapExecErr("update task status", err)
		}
		n, err := res.RowsAffected()
		ok = n > 0
		return err
	})
	return ok, err
}

// UpdateTaskAfterRun records last_run and recomputes next_run. Passing
// nextRun="" marks a one-shot task cancelled with next_run=null, per
// spec.md §3's invariant and §8 scenario 4 — a deliberate deviation from
// original_source, which names the terminal state "completed" (see
// DESIGN.md for the resolution).
func (s *Store) UpdateTaskAfterRun(id, lastRun, nextRun string) error {
	return s.withWrite(func() error {
		if nextRun == "" {
			_, err := s.db.Exec(
				`UPDATE scheduled_tasks SET last_run = ?, next_run = NULL, state = 'cancelled' WHERE id = ?`,
				lastRun, id,
			)
			return wrapExecErr("complete one-shot task", err)
		}
		_, err := s.db.Exec(
			`UPDATE scheduled_tasks SET last_run = ?, next_run = ? WHERE id = ?`,
			lastRun, nextRun, id,
		)
		return wrapExecErr("advance recurring task", err)
	})
}

func (s *Store) LogTaskRun(l TaskRunLog) error {
	return s.withWrite(func() error {
		_, err := s.db.Exec(
			`INSERT INTO task_run_logs (task_id, internal_chat_id, started_at, finished_at, runtime_ms, success, coalesced, result_summary)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			l.TaskID, l.InternalChatID, l.StartedAt, l.FinishedAt, l.RuntimeMs, boolToInt(l.Success), boolToInt(l.Coalesced), nullableStr(l.ResultSummary),
		)
		return wrapExecErr("log task run", err)
	})
}

// GetTaskRunLogs returns logs most-recent-first, respecting limit, per
// original_source/tests/db_integration.rs's test_task_run_log_lifecycle.
func (s *Store) GetTaskRunLogs(taskID string, limit int) ([]TaskRunLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT id, task_id, internal_chat_id, started_at, finished_at, runtime_ms, success, coalesced, COALESCE(result_summary,'')
		 FROM task_run_logs WHERE task_id = ? ORDER BY started_at DESC LIMIT ?`, taskID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("get task run logs: %w", err)
	}
	defer rows.Close()

	var out []TaskRunLog
	for rows.Next() {
		var l TaskRunLog
		var success, coalesced int
		if err := rows.Scan(&l.ID, &l.TaskID, &l.InternalChatID, &l.StartedAt, &l.FinishedAt, &l.RuntimeMs, &success, &coalesced, &l.ResultSummary); err != nil {
			return nil, fmt.Errorf("scan task run log: %w", err)
		}
		l.Success = success == 1
		l.Coalesced = coalesced == 1
		out = append(out, l)
	}
	return out, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanTask(row scannable) (*ScheduledTask, error) {
	var t ScheduledTask
	var kind, state string
	if err := row.Scan(&t.ID, &t.InternalChatID, &t.Prompt, &kind, &t.ScheduleExpr, &t.ScheduleTZ, &t.ScheduleAt,
		&state, &t.LastRun, &t.NextRun, &t.CreatedAt); err != nil {
		return nil, err
	}
	t.ScheduleKind = ScheduleKind(kind)
	t.State = TaskState(state)
	return &t, nil
}

func scanTasks(rows *sql.Rows) ([]ScheduledTask, error) {
	var out []ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan scheduled task: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func nullableStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}
