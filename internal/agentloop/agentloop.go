// Package agentloop implements spec.md §4.7's AgentLoop: the
// session-resumable tool-calling turn processor at the center of the Agent
// Core. It wires together Store (durable messages/sessions), MemoryFile,
// MemoryQuality's explicit-memory fast path, ToolRegistry, LLMClient, and
// SystemPrompt into the six-step process spec.md describes. Grounded on
// dmorn-m4d-coso's sdk/agent/agent.go runLLMTurn tool-iteration loop,
// generalized from its in-memory ContextManager to Store-persisted
// sessions and a richer stop-condition/compaction state machine.
package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rayclaw/rayclaw/internal/llmclient"
	"github.com/rayclaw/rayclaw/internal/memoryfile"
	"github.com/rayclaw/rayclaw/internal/memquality"
	"github.com/rayclaw/rayclaw/internal/rayerr"
	"github.com/rayclaw/rayclaw/internal/store"
	"github.com/rayclaw/rayclaw/internal/systemprompt"
	"github.com/rayclaw/rayclaw/internal/toolregistry"
	"github.com/rayclaw/rayclaw/internal/usage"
)

// Config holds the tunables spec.md §6 lists under "configuration surface."
type Config struct {
	MaxTokens          int
	MaxToolIterations  int // default 100, spec.md §4.7 step 5
	MaxHistoryMessages int // default 50, step 2 rebuild window
	MaxSessionMessages int // compaction trigger, step 3
	CompactKeepRecent  int // blocks kept verbatim across compaction
	MemoryTokenBudget  int
	Model              string
	WorkspaceRoot      string
	// WorkingDirIsolation is "shared" (one workspace for every chat) or
	// "chat" (one subdirectory per chat), per spec.md §6.
	WorkingDirIsolation string
}

const (
	defaultMaxTokens          = 4096
	defaultMaxToolIterations  = 100
	defaultMaxHistoryMessages = 50
	defaultMaxSessionMessages = 80
	defaultCompactKeepRecent  = 20
)

func (c Config) withDefaults() Config {
	if c.MaxTokens <= 0 {
		c.MaxTokens = defaultMaxTokens
	}
	if c.MaxToolIterations <= 0 {
		c.MaxToolIterations = defaultMaxToolIterations
	}
	if c.MaxHistoryMessages <= 0 {
		c.MaxHistoryMessages = defaultMaxHistoryMessages
	}
	if c.MaxSessionMessages <= 0 {
		c.MaxSessionMessages = defaultMaxSessionMessages
	}
	if c.CompactKeepRecent <= 0 {
		c.CompactKeepRecent = defaultCompactKeepRecent
	}
	if c.WorkingDirIsolation == "" {
		c.WorkingDirIsolation = "shared"
	}
	return c
}

// Inbound is the chat-adapter-agnostic turn trigger, per spec.md §6's
// inbound contract. A scheduled task dispatch (spec.md §4.9) constructs one
// with Text set to the task's free-text prompt and IsMention forced true.
type Inbound struct {
	ChannelTag       string
	ExternalChatID   string
	ChatKind         store.ChatKind
	SenderName       string
	Text             string
	IsMention        bool
	IngressTimestamp string
}

// Deps bundles every Agent Core component AgentLoop depends on.
type Deps struct {
	Store         *store.Store
	MemoryFile    *memoryfile.Store
	Tools         *toolregistry.Registry
	LLM           llmclient.Client
	Skills        []systemprompt.Skill
	Soul          string
	ControlChatIDs map[int64]bool
	Logger        *slog.Logger
	Config        Config
	// Usage reports LLM call cost/token totals, spec.md §6's Usage
	// component. Optional: nil falls back to recording raw token counts
	// with no cost estimate.
	Usage *usage.Reporter
}

// Loop is the AgentLoop: stateless itself, all state lives in Store, but it
// holds the per-chat mutexes spec.md §5 requires ("no two turns run
// concurrently for the same chat").
type Loop struct {
	deps      Deps
	chatMu    sync.Mutex
	chatLocks map[int64]*sync.Mutex
}

func New(deps Deps) *Loop {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	deps.Config = deps.Config.withDefaults()
	return &Loop{deps: deps, chatLocks: make(map[int64]*sync.Mutex)}
}

// Deps exposes the Loop's dependency bundle for callers (e.g. package
// agentsdk) that need direct Store access alongside Process.
func (l *Loop) Deps() Deps {
	return l.deps
}

// ResolveChat maps a channel/external-ID/kind triple to its internal chat
// ID, per Store's chat-identity resolution, without running a turn.
func (l *Loop) ResolveChat(channelTag, externalChatID string, kind store.ChatKind) (int64, error) {
	return l.deps.Store.ResolveChat(channelTag, externalChatID, kind, "")
}

// ResetSession clears the live session for a chat so the next turn rebuilds
// conversation state from the durable message log instead of resuming it.
func (l *Loop) ResetSession(channelTag, externalChatID string, kind store.ChatKind) error {
	chatID, err := l.deps.Store.ResolveChat(channelTag, externalChatID, kind, "")
	if err != nil {
		return fmt.Errorf("resolve chat: %w", err)
	}
	_, err = l.deps.Store.DeleteSession(chatID)
	return err
}

func (l *Loop) chatLock(chatID int64) *sync.Mutex {
	l.chatMu.Lock()
	defer l.chatMu.Unlock()
	lk, ok := l.chatLocks[chatID]
	if !ok {
		lk = &sync.Mutex{}
		l.chatLocks[chatID] = lk
	}
	return lk
}

// Result is one turn's outcome.
type Result struct {
	Text          string
	InternalChat  int64
	SkippedLLM    bool // explicit-memory fast path served the whole turn
}

// Process runs spec.md §4.7's six-step turn: explicit-memory fast path,
// session load, compaction check, compose-and-call, tool-use iteration,
// end turn. It serializes on the resolved chat's mutex so no two turns for
// the same chat ever run concurrently.
func (l *Loop) Process(ctx context.Context, in Inbound) (Result, error) {
	cfg := l.deps.Config

	chatID, err := l.deps.Store.ResolveChat(in.ChannelTag, in.ExternalChatID, in.ChatKind, "")
	if err != nil {
		return Result{}, fmt.Errorf("resolve chat: %w", err)
	}

	lock := l.chatLock(chatID)
	lock.Lock()
	defer lock.Unlock()

	ts := in.IngressTimestamp
	if ts == "" {
		ts = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if err := l.persistMessage(chatID, store.RoleUser, textBlocks(in.Text), false, ""); err != nil {
		return Result{}, err
	}
	if err := l.deps.Store.TouchChat(chatID, ts); err != nil {
		return Result{}, err
	}

	// Step 1: explicit-memory fast path. A recognized "remember this"
	// instruction never reaches the LLM.
	if em, ok := memquality.ParseExplicit(in.Text); ok {
		reply, err := l.handleExplicitMemory(chatID, em)
		if err != nil {
			return Result{}, err
		}
		if err := l.persistMessage(chatID, store.RoleAssistant, textBlocks(reply), true, ""); err != nil {
			return Result{}, err
		}
		return Result{Text: reply, InternalChat: chatID, SkippedLLM: true}, nil
	}

	// Step 2: session load.
	sess, msgs, err := l.loadOrRebuildSession(chatID, in, cfg)
	if err != nil {
		return Result{}, err
	}
	msgs = mergeConsecutiveSameRole(msgs)

	// Step 3: compaction check.
	if len(msgs) > cfg.MaxSessionMessages {
		msgs, err = l.compact(ctx, msgs, cfg, sess)
		if err != nil {
			return Result{}, err
		}
		sess.State = store.SessionCompacted
	}
	sess.State = store.SessionBuilding

	text, msgs, err := l.runTurn(ctx, chatID, in, msgs, cfg, sess)
	if err != nil {
		// Persist whatever survived before surfacing the error, per
		// spec.md §7's "session persisted minus failed call."
		_ = l.persistSession(sess, msgs)
		return Result{}, err
	}

	if err := l.persistSession(sess, msgs); err != nil {
		return Result{}, err
	}

	return Result{Text: text, InternalChat: chatID}, nil
}

// runTurn is steps 4-6: compose-and-call, tool-use iteration, end turn.
func (l *Loop) runTurn(ctx context.Context, chatID int64, in Inbound, msgs []llmclient.Message, cfg Config, sess *store.Session) (string, []llmclient.Message, error) {
	iterations := 0
	for {
		if err := ctx.Err(); err != nil {
			return "", msgs, rayerr.Cancelledf("turn cancelled: %v", err)
		}
		iterations++
		if iterations > cfg.MaxToolIterations {
			msgs = append(msgs, llmclient.Message{
				Role:    llmclient.RoleAssistant,
				Content: textBlocks("I've hit the tool-call limit for this turn and need to stop here."),
			})
			return "I've hit the tool-call limit for this turn and need to stop here.", msgs, nil
		}

		prompt, err := systemprompt.Compose(systemprompt.Deps{
			Store:       l.deps.Store,
			Tools:       l.deps.Tools,
			Skills:      l.deps.Skills,
			Soul:        l.deps.Soul,
			TokenBudget: cfg.MemoryTokenBudget,
		}, chatID, in.Text)
		if err != nil {
			return "", msgs, fmt.Errorf("compose system prompt: %w", err)
		}

		start := time.Now()
		resp, err := l.deps.LLM.Complete(ctx, llmclient.Request{
			Messages:  msgs,
			Tools:     convertToolDefs(l.deps.Tools),
			System:    prompt,
			Model:     cfg.Model,
			Limits:    llmclient.Limits{MaxTokens: cfg.MaxTokens},
			SessionID: sess.SessionKey,
		})
		if err != nil {
			return "", msgs, fmt.Errorf("llm complete: %w", err)
		}
		l.deps.Logger.Info("llm_call", "chat", chatID, "wall_ms", time.Since(start).Milliseconds(),
			"input_tokens", resp.Usage.InputTokens, "output_tokens", resp.Usage.OutputTokens)

		assistantMsg := llmclient.Message{Role: llmclient.RoleAssistant, Content: resp.Blocks}
		msgs = append(msgs, assistantMsg)
		if err := l.persistMessage(chatID, store.RoleAssistant, resp.Blocks, true, sess.SessionKey); err != nil {
			return "", msgs, err
		}
		if err := l.recordUsage(chatID, resp, time.Since(start)); err != nil {
			return "", msgs, err
		}

		if resp.StopReason != llmclient.StopToolUse {
			return extractText(resp.Blocks), msgs, nil
		}

		if err := ctx.Err(); err != nil {
			return "", msgs, rayerr.Cancelledf("turn cancelled mid tool-use: %v", err)
		}

		// Step 5: execute every tool_use block in the order the LLM
		// listed them, never issuing a new LLM call while one is
		// outstanding.
		resultBlocks := make([]llmclient.ContentBlock, 0, len(resp.Blocks))
		for _, b := range resp.Blocks {
			if b.Type != llmclient.BlockToolUse {
				continue
			}
			t0 := time.Now()
			outcome := l.deps.Tools.Execute(ctx, b.ToolName, toolregistry.ExecContext{
				InternalChatID: chatID,
				CallerRole:     "assistant",
				Auth:           l.authFor(chatID, in),
				WorkspaceRoot:  l.workspaceRoot(chatID, cfg),
			}, json.RawMessage(b.ToolArgsRaw))
			l.deps.Logger.Info("tool_exec", "tool", b.ToolName, "wall_ms", time.Since(t0).Milliseconds(), "ok", outcome.Kind == toolregistry.OutcomeOk)
			resultBlocks = append(resultBlocks, outcomeBlock(b.ToolUseID, outcome))
		}
		toolMsg := llmclient.Message{Role: llmclient.RoleUser, Content: resultBlocks}
		msgs = append(msgs, toolMsg)
		if err := l.persistMessage(chatID, store.RoleToolResult, resultBlocks, false, sess.SessionKey); err != nil {
			return "", msgs, err
		}
		// loop back to step 4
	}
}

func (l *Loop) authFor(chatID int64, in Inbound) toolregistry.AuthContext {
	return toolregistry.AuthContext{
		CallerChannel:      in.ChannelTag,
		CallerInternalChat: chatID,
		ControlChatIDs:     l.deps.ControlChatIDs,
	}
}

func (l *Loop) workspaceRoot(chatID int64, cfg Config) string {
	if cfg.WorkingDirIsolation == "chat" {
		return fmt.Sprintf("%s/chat-%d", strings.TrimRight(cfg.WorkspaceRoot, "/"), chatID)
	}
	return cfg.WorkspaceRoot
}

// handleExplicitMemory inserts the structured memory, mirrors a line into
// the chat's MemoryFile note, and returns a terse confirmation — per
// spec.md §4.7 step 1, the turn never reaches the LLM.
func (l *Loop) handleExplicitMemory(chatID int64, em memquality.ExplicitMemory) (string, error) {
	mem := store.Memory{
		Scope:      em.Scope,
		Category:   em.Category,
		Content:    em.Content,
		Confidence: 1.0,
		Source:     store.SourceExplicit,
	}
	if em.Scope == store.MemoryChat {
		mem.InternalChatID = chatID
	}
	if _, err := l.deps.Store.InsertMemory(mem); err != nil {
		return "", fmt.Errorf("insert explicit memory: %w", err)
	}

	if l.deps.MemoryFile != nil {
		scope := memoryfile.ChatScope(chatID)
		if em.Scope == store.MemoryGlobal {
			scope = memoryfile.GlobalScope()
		}
		existing, err := l.deps.MemoryFile.Read(scope)
		if err != nil {
			return "", fmt.Errorf("read memory file: %w", err)
		}
		updated := strings.TrimRight(existing, "\n")
		if updated != "" {
			updated += "\n"
		}
		updated += "- " + em.Content + "\n"
		if err := l.deps.MemoryFile.Write(scope, updated); err != nil {
			return "", fmt.Errorf("write memory file: %w", err)
		}
	}

	return "Got it, I'll remember that.", nil
}

// loadOrRebuildSession implements spec.md §4.7 step 2: load the live
// session, or rebuild one from the most-recent-N raw messages (or the
// group-chat catch-up-since-last-bot-reply window, on mention).
func (l *Loop) loadOrRebuildSession(chatID int64, in Inbound, cfg Config) (*store.Session, []llmclient.Message, error) {
	sess, err := l.deps.Store.LoadSession(chatID)
	if err != nil {
		return nil, nil, fmt.Errorf("load session: %w", err)
	}
	if sess != nil && sess.State != store.SessionEmpty && sess.State != store.SessionEnded {
		var msgs []llmclient.Message
		if err := json.Unmarshal([]byte(sess.Blocks), &msgs); err != nil {
			return nil, nil, rayerr.Corrupt(fmt.Errorf("decode session blocks for chat %d: %w", chatID, err))
		}
		// The live session's blocks predate this turn's inbound message —
		// the durable message log already has it (persisted by the
		// caller), but the LLM-facing conversation state needs it too.
		msgs = append(msgs, llmclient.Message{Role: llmclient.RoleUser, Content: textBlocks(in.Text)})
		return sess, msgs, nil
	}

	var rows []store.Message
	if in.ChatKind == store.ChatGroup && in.IsMention {
		rows, err = l.deps.Store.MessagesSinceLastBotReply(chatID, cfg.MaxHistoryMessages)
	} else {
		rows, err = l.deps.Store.GetRecentMessages(chatID, cfg.MaxHistoryMessages)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("rebuild history: %w", err)
	}

	msgs := make([]llmclient.Message, 0, len(rows))
	for _, r := range rows {
		m, err := convertStoreMessage(r)
		if err != nil {
			return nil, nil, err
		}
		msgs = append(msgs, m)
	}

	return &store.Session{
		InternalChatID: chatID,
		SessionKey:     uuid.NewString(),
		State:          store.SessionBuilding,
	}, msgs, nil
}

// compact summarizes every block but the most recent CompactKeepRecent into
// one opaque summary block via LLMClient, per spec.md §4.7 step 3.
func (l *Loop) compact(ctx context.Context, msgs []llmclient.Message, cfg Config, sess *store.Session) ([]llmclient.Message, error) {
	keep := cfg.CompactKeepRecent
	if keep >= len(msgs) {
		return msgs, nil
	}
	toSummarize := msgs[:len(msgs)-keep]
	recent := msgs[len(msgs)-keep:]

	resp, err := l.deps.LLM.Complete(ctx, llmclient.Request{
		System:   "Summarize the following conversation concisely. Preserve facts, decisions, and open threads; drop pleasantries.",
		Messages: toSummarize,
	})
	if err != nil {
		return nil, fmt.Errorf("compact session: %w", err)
	}
	summary := extractText(resp.Blocks)
	sess.CompactedSummary = summary

	summaryMsg := llmclient.Message{
		Role:    llmclient.RoleUser,
		Content: textBlocks("Summary of earlier conversation: " + summary),
	}
	return append([]llmclient.Message{summaryMsg}, recent...), nil
}

func (l *Loop) persistMessage(chatID int64, role store.Role, blocks []llmclient.ContentBlock, isFromBot bool, sessionID string) error {
	encoded, err := json.Marshal(blocks)
	if err != nil {
		return fmt.Errorf("encode message blocks: %w", err)
	}
	return l.deps.Store.StoreMessage(store.Message{
		InternalChatID: chatID,
		Role:           role,
		ContentBlocks:  string(encoded),
		IsFromBot:      isFromBot,
		SessionID:      sessionID,
		Timestamp:      time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (l *Loop) persistSession(sess *store.Session, msgs []llmclient.Message) error {
	encoded, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("encode session blocks: %w", err)
	}
	sess.Blocks = string(encoded)
	return l.deps.Store.SaveSession(*sess)
}

func (l *Loop) recordUsage(chatID int64, resp *llmclient.Response, wall time.Duration) error {
	if l.deps.Usage != nil {
		return l.deps.Usage.RecordCall(chatID, l.deps.Config.Model, resp.Usage.InputTokens, resp.Usage.OutputTokens, wall.Milliseconds())
	}
	return l.deps.Store.RecordUsage(store.UsageRecord{
		InternalChatID: chatID,
		Model:          l.deps.Config.Model,
		InputTokens:    resp.Usage.InputTokens,
		OutputTokens:   resp.Usage.OutputTokens,
		WallMs:         wall.Milliseconds(),
	})
}

func convertStoreMessage(m store.Message) (llmclient.Message, error) {
	var blocks []llmclient.ContentBlock
	if err := json.Unmarshal([]byte(m.ContentBlocks), &blocks); err != nil {
		return llmclient.Message{}, rayerr.Corrupt(fmt.Errorf("decode stored message %s: %w", m.ID, err))
	}
	role := llmclient.RoleUser
	if m.Role == store.RoleAssistant {
		role = llmclient.RoleAssistant
	}
	return llmclient.Message{Role: role, Content: blocks}, nil
}

// mergeConsecutiveSameRole folds adjacent same-role messages into one, per
// spec.md §4.7 step 2's "merge consecutive same-role messages."
func mergeConsecutiveSameRole(msgs []llmclient.Message) []llmclient.Message {
	if len(msgs) == 0 {
		return msgs
	}
	out := make([]llmclient.Message, 0, len(msgs))
	out = append(out, msgs[0])
	for _, m := range msgs[1:] {
		last := &out[len(out)-1]
		if last.Role == m.Role {
			last.Content = append(last.Content, m.Content...)
			continue
		}
		out = append(out, m)
	}
	return out
}

func convertToolDefs(reg *toolregistry.Registry) []llmclient.ToolDef {
	if reg == nil {
		return nil
	}
	defs := reg.Definitions()
	out := make([]llmclient.ToolDef, 0, len(defs))
	for _, t := range defs {
		var params map[string]any
		_ = json.Unmarshal(t.Schema, &params)
		out = append(out, llmclient.ToolDef{Name: t.Name, Description: t.Description, Parameters: params})
	}
	return out
}

func outcomeBlock(toolUseID string, outcome toolregistry.Outcome) llmclient.ContentBlock {
	switch outcome.Kind {
	case toolregistry.OutcomeOk:
		return llmclient.ContentBlock{Type: llmclient.BlockToolResult, ToolResultForID: toolUseID, ToolResultText: outcome.ContentBlocks}
	case toolregistry.OutcomeDeferred:
		return llmclient.ContentBlock{Type: llmclient.BlockToolResult, ToolResultForID: toolUseID, ToolResultText: "deferred: " + outcome.AwaitableID}
	default:
		return llmclient.ContentBlock{Type: llmclient.BlockToolResult, ToolResultForID: toolUseID, ToolResultText: outcome.ErrMessage, ToolResultIsErr: true}
	}
}

func extractText(blocks []llmclient.ContentBlock) string {
	var sb strings.Builder
	for _, b := range blocks {
		if b.Type == llmclient.BlockText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

func textBlocks(text string) []llmclient.ContentBlock {
	return []llmclient.ContentBlock{{Type: llmclient.BlockText, Text: text}}
}
