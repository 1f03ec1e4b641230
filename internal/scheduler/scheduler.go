// Package scheduler implements spec.md §4.9's Scheduler: a single-flight
// polling actor that dispatches AgentLoop turns for due ScheduledTasks,
// recomputes next_run, and records run history. Grounded on
// internal/cron/service.go's Service shape (ticker loop, job-execution
// bookkeeping), adapted from its in-memory JSON-file job list to
// Store-backed ScheduledTask rows and from ad hoc "every"/"at" schedules to
// spec.md §3's cron-or-once model, with 6-field cron parsing via
// github.com/robfig/cron/v3 (the teacher's own dependency for "cron" kind
// jobs).
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	rcron "github.com/robfig/cron/v3"

	"github.com/rayclaw/rayclaw/internal/agentloop"
	"github.com/rayclaw/rayclaw/internal/store"
)

// Dispatcher runs one AgentLoop turn for a task's synthetic inbound
// message. agentloop.Loop satisfies this directly.
type Dispatcher interface {
	Process(ctx context.Context, in agentloop.Inbound) (agentloop.Result, error)
}

const defaultPollPeriod = 60 * time.Second

var cronParser = rcron.NewParser(rcron.Second | rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow)

// Service is the polling actor. A single tick may observe the same task as
// due more than once if the poll period is long relative to its schedule;
// at most one run executes per tick per task (coalescing), per spec.md
// §4.9.
type Service struct {
	store      *store.Store
	dispatch   Dispatcher
	pollPeriod time.Duration
	logger     *slog.Logger
}

func New(s *store.Store, dispatch Dispatcher, pollPeriod time.Duration, logger *slog.Logger) *Service {
	if pollPeriod <= 0 {
		pollPeriod = defaultPollPeriod
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: s, dispatch: dispatch, pollPeriod: pollPeriod, logger: logger}
}

// Run polls until ctx is cancelled. It is meant to be launched in its own
// goroutine by the composition root.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.pollPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick fires once, running every currently-due task at most once — tasks
// created by a run started during this tick become visible only on the
// next tick, since GetDueTasks is queried once up front.
func (s *Service) tick(ctx context.Context) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	due, err := s.store.GetDueTasks(now)
	if err != nil {
		s.logger.Error("scheduler: list due tasks", "error", err)
		return
	}
	for _, task := range due {
		if ctx.Err() != nil {
			return
		}
		s.runTask(ctx, task)
	}
}

func (s *Service) runTask(ctx context.Context, task store.ScheduledTask) {
	started := time.Now().UTC()
	in := agentloop.Inbound{
		ChannelTag:       "scheduler",
		ExternalChatID:   fmt.Sprintf("%d", task.InternalChatID),
		ChatKind:         store.ChatDirect,
		Text:             task.Prompt,
		IsMention:        true,
		IngressTimestamp: started.Format(time.RFC3339Nano),
	}

	res, err := s.dispatch.Process(ctx, in)
	finished := time.Now().UTC()

	summary := res.Text
	if err != nil {
		summary = err.Error()
	}
	logErr := s.store.LogTaskRun(store.TaskRunLog{
		TaskID:         task.ID,
		InternalChatID: task.InternalChatID,
		StartedAt:      started.Format(time.RFC3339Nano),
		FinishedAt:     finished.Format(time.RFC3339Nano),
		RuntimeMs:      finished.Sub(started).Milliseconds(),
		Success:        err == nil,
		ResultSummary:  summary,
	})
	if logErr != nil {
		s.logger.Error("scheduler: log task run", "task", task.ID, "error", logErr)
	}
	if err != nil {
		s.logger.Error("scheduler: task run failed", "task", task.ID, "error", err)
	}

	nextRun, nextErr := s.computeNextRun(task, finished)
	if nextErr != nil {
		s.logger.Error("scheduler: compute next run", "task", task.ID, "error", nextErr)
		return
	}
	if err := s.store.UpdateTaskAfterRun(task.ID, finished.Format(time.RFC3339Nano), nextRun); err != nil {
		s.logger.Error("scheduler: update task after run", "task", task.ID, "error", err)
	}
}

// computeNextRun returns "" for a one-shot task (terminal, per
// Store.UpdateTaskAfterRun's contract) or the next cron-expression firing
// after from, evaluated in the task's IANA timezone.
func (s *Service) computeNextRun(task store.ScheduledTask, from time.Time) (string, error) {
	if task.ScheduleKind == store.ScheduleOnce {
		return "", nil
	}

	loc, err := time.LoadLocation(task.ScheduleTZ)
	if err != nil {
		loc = time.UTC
	}
	schedule, err := cronParser.Parse(task.ScheduleExpr)
	if err != nil {
		return "", fmt.Errorf("parse cron expression %q: %w", task.ScheduleExpr, err)
	}
	next := schedule.Next(from.In(loc))
	return next.UTC().Format(time.RFC3339Nano), nil
}
