package store

import (
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestResolveChatAllocatesOnFirstSight(t *testing.T) {
	s := newTestStore(t)

	id1, err := s.ResolveChat("telegram", "100", ChatDirect, "Alice")
	if err != nil {
		t.Fatalf("resolve chat: %v", err)
	}
	id2, err := s.ResolveChat("telegram", "100", ChatDirect, "")
	if err != nil {
		t.Fatalf("resolve chat again: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("expected same internal id, got %d and %d", id1, id2)
	}

	id3, err := s.ResolveChat("telegram", "200", ChatDirect, "Bob")
	if err != nil {
		t.Fatalf("resolve other chat: %v", err)
	}
	if id3 == id1 {
		t.Fatalf("expected distinct internal ids for distinct external chats")
	}
}

func TestMessageLifecycleOrderingAndIsolation(t *testing.T) {
	s := newTestStore(t)
	chat1, _ := s.ResolveChat("telegram", "100", ChatDirect, "")
	chat2, _ := s.ResolveChat("telegram", "200", ChatDirect, "")

	for i := 0; i < 5; i++ {
		ts := fmtTS(i)
		if err := s.StoreMessage(Message{InternalChatID: chat1, Role: RoleUser, ContentBlocks: "m" + ts, Timestamp: ts}); err != nil {
			t.Fatalf("store message: %v", err)
		}
	}
	for i := 0; i < 3; i++ {
		ts := fmtTS(i)
		if err := s.StoreMessage(Message{InternalChatID: chat2, Role: RoleUser, ContentBlocks: "m" + ts, Timestamp: ts}); err != nil {
			t.Fatalf("store message chat2: %v", err)
		}
	}

	msgs1, err := s.GetAllMessages(chat1)
	if err != nil {
		t.Fatalf("get all messages: %v", err)
	}
	if len(msgs1) != 5 {
		t.Fatalf("expected 5 messages in chat1, got %d", len(msgs1))
	}
	msgs2, err := s.GetAllMessages(chat2)
	if err != nil {
		t.Fatalf("get all messages chat2: %v", err)
	}
	if len(msgs2) != 3 {
		t.Fatalf("expected 3 messages in chat2, got %d", len(msgs2))
	}

	recent, err := s.GetRecentMessages(chat1, 2)
	if err != nil {
		t.Fatalf("get recent messages: %v", err)
	}
	if len(recent) != 2 || recent[len(recent)-1].ContentBlocks != "m"+fmtTS(4) {
		t.Fatalf("expected most recent 2 messages oldest-first, got %+v", recent)
	}
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestStore(t)
	chat, _ := s.ResolveChat("telegram", "100", ChatDirect, "")

	sess, err := s.LoadSession(chat)
	if err != nil {
		t.Fatalf("load session: %v", err)
	}
	if sess != nil {
		t.Fatalf("expected no session initially")
	}

	if err := s.SaveSession(Session{InternalChatID: chat, SessionKey: "k1", Blocks: `[{"type":"text"}]`, State: SessionBuilding}); err != nil {
		t.Fatalf("save session: %v", err)
	}
	loaded, err := s.LoadSession(chat)
	if err != nil || loaded == nil {
		t.Fatalf("load session after save: %v", err)
	}
	firstUpdated := loaded.UpdatedAt

	if err := s.SaveSession(Session{InternalChatID: chat, SessionKey: "k1", Blocks: `[{"type":"text"},{"type":"text"}]`, State: SessionBuilding}); err != nil {
		t.Fatalf("resave session: %v", err)
	}
	loaded2, err := s.LoadSession(chat)
	if err != nil || loaded2 == nil {
		t.Fatalf("load session after resave: %v", err)
	}
	if loaded2.UpdatedAt < firstUpdated {
		t.Fatalf("expected updated_at to not regress")
	}

	deleted, err := s.DeleteSession(chat)
	if err != nil || !deleted {
		t.Fatalf("delete session: deleted=%v err=%v", deleted, err)
	}
	deletedAgain, err := s.DeleteSession(chat)
	if err != nil || deletedAgain {
		t.Fatalf("expected idempotent-false on repeat delete, got %v", deletedAgain)
	}
}

func TestScheduledTaskLifecycle(t *testing.T) {
	s := newTestStore(t)
	chat, _ := s.ResolveChat("telegram", "100", ChatDirect, "")

	id1, err := s.CreateScheduledTask(ScheduledTask{InternalChatID: chat, Prompt: "cron task", ScheduleKind: ScheduleCron, ScheduleExpr: "0 */5 * * * *", NextRun: "2024-01-01T00:05:00Z"})
	if err != nil {
		t.Fatalf("create cron task: %v", err)
	}
	id2, err := s.CreateScheduledTask(ScheduledTask{InternalChatID: chat, Prompt: "one-shot", ScheduleKind: ScheduleOnce, ScheduleAt: "2024-06-01T00:00:00Z", NextRun: "2024-06-01T00:00:00Z"})
	if err != nil {
		t.Fatalf("create once task: %v", err)
	}

	tasks, err := s.GetTasksForChat(chat)
	if err != nil || len(tasks) != 2 {
		t.Fatalf("expected 2 active tasks, got %d err=%v", len(tasks), err)
	}

	due, err := s.GetDueTasks("2024-01-01T00:10:00Z")
	if err != nil || len(due) != 1 || due[0].Prompt != "cron task" {
		t.Fatalf("expected cron task due, got %+v err=%v", due, err)
	}

	if ok, err := s.UpdateTaskStatus(id1, TaskPaused); err != nil || !ok {
		t.Fatalf("pause task: %v %v", ok, err)
	}
	due, err = s.GetDueTasks("2024-01-01T00:10:00Z")
	if err != nil || len(due) != 0 {
		t.Fatalf("expected no due tasks while paused, got %+v", due)
	}
	if ok, err := s.UpdateTaskStatus(id1, TaskActive); err != nil || !ok {
		t.Fatalf("resume task: %v %v", ok, err)
	}

	if err := s.UpdateTaskAfterRun(id1, "2024-01-01T00:05:00Z", "2024-01-01T00:10:00Z"); err != nil {
		t.Fatalf("advance recurring task: %v", err)
	}
	task, err := s.GetTaskByID(id1)
	if err != nil || task.NextRun != "2024-01-01T00:10:00Z" || task.State != TaskActive {
		t.Fatalf("expected recurring task advanced and still active, got %+v err=%v", task, err)
	}

	if err := s.UpdateTaskAfterRun(id2, "2024-01-01T00:00:00Z", ""); err != nil {
		t.Fatalf("complete one-shot task: %v", err)
	}
	task2, err := s.GetTaskByID(id2)
	if err != nil || task2.State != TaskCancelled || task2.NextRun != "" {
		t.Fatalf("expected one-shot task cancelled with no next_run, got %+v err=%v", task2, err)
	}

	tasksAfter, err := s.GetTasksForChat(chat)
	if err != nil || len(tasksAfter) != 1 {
		t.Fatalf("expected cancelled task filtered out of chat listing, got %d", len(tasksAfter))
	}
}

func TestTaskRunLogOrderingAndLimit(t *testing.T) {
	s := newTestStore(t)
	chat, _ := s.ResolveChat("telegram", "100", ChatDirect, "")
	taskID, err := s.CreateScheduledTask(ScheduledTask{InternalChatID: chat, Prompt: "test", ScheduleKind: ScheduleCron, ScheduleExpr: "0 * * * * *"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	for i := 0; i < 5; i++ {
		ts := fmtTS(i)
		if err := s.LogTaskRun(TaskRunLog{TaskID: taskID, InternalChatID: chat, StartedAt: ts, FinishedAt: ts, Success: i != 2, ResultSummary: "Run " + itoa(i)}); err != nil {
			t.Fatalf("log task run: %v", err)
		}
	}

	logs, err := s.GetTaskRunLogs(taskID, 50)
	if err != nil || len(logs) != 5 {
		t.Fatalf("expected 5 logs, got %d err=%v", len(logs), err)
	}
	if logs[0].ResultSummary != "Run 04" {
		t.Fatalf("expected most-recent-first, got %q", logs[0].ResultSummary)
	}

	limited, err := s.GetTaskRunLogs(taskID, 2)
	if err != nil || len(limited) != 2 {
		t.Fatalf("expected limit respected, got %d", len(limited))
	}

	empty, err := s.GetTaskRunLogs("does-not-exist", 10)
	if err != nil || len(empty) != 0 {
		t.Fatalf("expected empty logs for unknown task, got %d", len(empty))
	}
}

func TestMessagesSinceLastBotReply(t *testing.T) {
	s := newTestStore(t)
	chat, _ := s.ResolveChat("telegram", "g1", ChatGroup, "")

	type seed struct {
		content string
		isBot   bool
		ts      string
	}
	seeds := []seed{
		{"hi everyone", false, "2024-01-01T00:00:01Z"},
		{"hey!", false, "2024-01-01T00:00:02Z"},
		{"hello group!", true, "2024-01-01T00:00:03Z"},
		{"what's up?", false, "2024-01-01T00:00:04Z"},
		{"working on stuff", false, "2024-01-01T00:00:05Z"},
		{"me too", false, "2024-01-01T00:00:06Z"},
	}
	for _, sd := range seeds {
		if err := s.StoreMessage(Message{InternalChatID: chat, Role: RoleUser, ContentBlocks: sd.content, IsFromBot: sd.isBot, Timestamp: sd.ts}); err != nil {
			t.Fatalf("seed message: %v", err)
		}
	}

	catchup, err := s.MessagesSinceLastBotReply(chat, 50)
	if err != nil {
		t.Fatalf("catch-up query: %v", err)
	}
	if len(catchup) < 3 {
		t.Fatalf("expected at least 3 messages, got %d", len(catchup))
	}
	if catchup[0].ContentBlocks != "hello group!" {
		t.Fatalf("expected catch-up to start at bot's last message, got %q", catchup[0].ContentBlocks)
	}
	if catchup[len(catchup)-1].ContentBlocks != "me too" {
		t.Fatalf("expected catch-up to end at latest message, got %q", catchup[len(catchup)-1].ContentBlocks)
	}
}

func TestActiveMemoriesExcludeArchived(t *testing.T) {
	s := newTestStore(t)
	chat, _ := s.ResolveChat("telegram", "100", ChatDirect, "")

	id, err := s.InsertMemory(Memory{Scope: MemoryChat, InternalChatID: chat, Category: "fact", Content: "likes Go", Confidence: 0.9, Source: SourceExplicit})
	if err != nil {
		t.Fatalf("insert memory: %v", err)
	}
	active, err := s.ActiveMemoriesForInjection(chat)
	if err != nil || len(active) != 1 {
		t.Fatalf("expected 1 active memory, got %d err=%v", len(active), err)
	}

	if err := s.ArchiveMemory(id); err != nil {
		t.Fatalf("archive memory: %v", err)
	}
	active, err = s.ActiveMemoriesForInjection(chat)
	if err != nil || len(active) != 0 {
		t.Fatalf("expected archived memory excluded, got %d", len(active))
	}
}

func fmtTS(i int) string {
	return "2024-01-01T00:00:" + itoa(i) + "Z"
}

func itoa(i int) string {
	if i < 10 {
		return "0" + string(rune('0'+i))
	}
	return string(rune('0'+i/10)) + string(rune('0'+i%10))
}
