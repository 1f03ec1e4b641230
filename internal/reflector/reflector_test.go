package reflector

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/rayclaw/rayclaw/internal/llmclient"
	"github.com/rayclaw/rayclaw/internal/store"
)

type scriptedLLM struct {
	text string
}

func (f *scriptedLLM) Complete(ctx context.Context, req llmclient.Request) (*llmclient.Response, error) {
	return &llmclient.Response{
		StopReason: llmclient.StopEndTurn,
		Blocks:     []llmclient.ContentBlock{{Type: llmclient.BlockText, Text: f.text}},
	}, nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func storeUserMessage(t *testing.T, s *store.Store, chatID int64, text string) {
	t.Helper()
	blocks, _ := json.Marshal([]llmclient.ContentBlock{{Type: llmclient.BlockText, Text: text}})
	if err := s.StoreMessage(store.Message{
		InternalChatID: chatID, Role: store.RoleUser, ContentBlocks: string(blocks),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}); err != nil {
		t.Fatalf("store message: %v", err)
	}
}

func TestReflectChatInsertsNewMemory(t *testing.T) {
	s := newTestStore(t)
	chatID, _ := s.ResolveChat("telegram", "1", store.ChatDirect, "")
	storeUserMessage(t, s, chatID, "I always drink coffee black, no sugar")

	llm := &scriptedLLM{text: `[{"category":"preference","content":"always drinks coffee black, no sugar","confidence":0.9}]`}
	svc := New(s, llm, time.Hour, nil)
	svc.reflectChat(context.Background(), chatID)

	mems, err := s.ActiveMemoriesForInjection(chatID)
	if err != nil {
		t.Fatalf("active memories: %v", err)
	}
	if len(mems) != 1 || mems[0].Source != store.SourceReflector {
		t.Fatalf("expected one reflector-sourced memory, got %+v", mems)
	}
}

func TestReflectChatSkipsLowQualityProposal(t *testing.T) {
	s := newTestStore(t)
	chatID, _ := s.ResolveChat("telegram", "1", store.ChatDirect, "")
	storeUserMessage(t, s, chatID, "ok thanks")

	llm := &scriptedLLM{text: `[{"category":"chat","content":"ok","confidence":0.9}]`}
	svc := New(s, llm, time.Hour, nil)
	svc.reflectChat(context.Background(), chatID)

	mems, err := s.ActiveMemoriesForInjection(chatID)
	if err != nil {
		t.Fatalf("active memories: %v", err)
	}
	if len(mems) != 0 {
		t.Fatalf("expected low-quality proposal rejected, got %+v", mems)
	}
}

func TestReflectChatReinforcesExistingMatch(t *testing.T) {
	s := newTestStore(t)
	chatID, _ := s.ResolveChat("telegram", "1", store.ChatDirect, "")
	id, err := s.InsertMemory(store.Memory{
		Scope: store.MemoryChat, InternalChatID: chatID, Category: "preference",
		Content: "prefers dark mode in every app", Confidence: 0.5, Source: store.SourceReflector,
	})
	if err != nil {
		t.Fatalf("insert memory: %v", err)
	}
	storeUserMessage(t, s, chatID, "I prefer dark mode everywhere")

	llm := &scriptedLLM{text: `[{"category":"preference","content":"prefers dark mode in every app","confidence":0.8}]`}
	svc := New(s, llm, time.Hour, nil)
	svc.reflectChat(context.Background(), chatID)

	mem, err := s.GetMemory(id)
	if err != nil {
		t.Fatalf("get memory: %v", err)
	}
	if mem.Confidence <= 0.5 {
		t.Fatalf("expected confidence boosted on reinforcement, got %v", mem.Confidence)
	}
}

func TestReflectChatSupersedesOnContradiction(t *testing.T) {
	s := newTestStore(t)
	chatID, _ := s.ResolveChat("telegram", "1", store.ChatDirect, "")
	oldID, err := s.InsertMemory(store.Memory{
		Scope: store.MemoryChat, InternalChatID: chatID, Category: "preference",
		Content: "drinks coffee every morning", Confidence: 0.8, Source: store.SourceReflector,
	})
	if err != nil {
		t.Fatalf("insert memory: %v", err)
	}
	storeUserMessage(t, s, chatID, "I no longer drink coffee every morning")

	llm := &scriptedLLM{text: `[{"category":"preference","content":"no longer drinks coffee every morning","confidence":0.8}]`}
	svc := New(s, llm, time.Hour, nil)
	svc.reflectChat(context.Background(), chatID)

	old, err := s.GetMemory(oldID)
	if err != nil {
		t.Fatalf("get memory: %v", err)
	}
	if !old.Archived {
		t.Fatalf("expected superseded memory archived, got %+v", old)
	}

	active, err := s.ActiveMemoriesForInjection(chatID)
	if err != nil {
		t.Fatalf("active memories: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("expected exactly one active memory after supersede, got %+v", active)
	}
}

func TestReflectChatSingleFlightSkipsConcurrentCall(t *testing.T) {
	s := newTestStore(t)
	chatID, _ := s.ResolveChat("telegram", "1", store.ChatDirect, "")
	storeUserMessage(t, s, chatID, "I always drink coffee black")

	llm := &scriptedLLM{text: `[{"category":"preference","content":"drinks coffee black","confidence":0.9}]`}
	svc := New(s, llm, time.Hour, nil)

	lock := svc.lockFor(chatID)
	lock.Lock()
	svc.reflectChat(context.Background(), chatID)
	lock.Unlock()

	mems, err := s.ActiveMemoriesForInjection(chatID)
	if err != nil {
		t.Fatalf("active memories: %v", err)
	}
	if len(mems) != 0 {
		t.Fatalf("expected reflection skipped while lock held, got %+v", mems)
	}
}
