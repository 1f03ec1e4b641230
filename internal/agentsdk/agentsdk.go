// Package agentsdk is the embeddable facade spec.md §2.2 and SPEC_FULL.md
// §2.2 describe: a way to run the Agent Core — Store, ToolRegistry,
// SystemPrompt, AgentLoop — inside another Go program without starting any
// channel adapter, Scheduler, or signal handler. Grounded on
// original_source/src/sdk.rs's RayClawAgent facade (new/process_message/
// reset_session/get_messages), adapted from its async Rust methods to plain
// blocking Go calls over AgentLoop.
//
// The facade always runs against a restricted tool sub-registry —
// send_message, schedule_task, and spawn_sub_agent excluded — mirroring
// the original's use_sdk_tools=true semantics and spec.md §9's sub-agent
// isolation note: code embedding this package drives its own message
// delivery and scheduling, so the agent itself must not reach for them.
package agentsdk

import (
	"context"
	"fmt"

	"github.com/rayclaw/rayclaw/internal/agentloop"
	"github.com/rayclaw/rayclaw/internal/llmclient"
	"github.com/rayclaw/rayclaw/internal/memoryfile"
	"github.com/rayclaw/rayclaw/internal/store"
	"github.com/rayclaw/rayclaw/internal/systemprompt"
	"github.com/rayclaw/rayclaw/internal/toolregistry"
	"github.com/rayclaw/rayclaw/internal/usage"
)

const (
	sdkChannelTag = "sdk"
)

// Config is everything needed to stand up an embedded Agent.
type Config struct {
	Store      *store.Store
	MemoryFile *memoryfile.Store
	Tools      *toolregistry.Registry
	LLM        llmclient.Client
	Skills     []systemprompt.Skill
	Soul       string
	AgentLoop  agentloop.Config
	Usage      *usage.Reporter
}

// Agent is a self-contained handle for programmatic agent conversations,
// equivalent to the original's RayClawAgent.
type Agent struct {
	loop *agentloop.Loop
}

// New builds an Agent. No channel adapters, scheduler, or reflector are
// started — callers drive message-in/message-out themselves.
func New(cfg Config) (*Agent, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("agentsdk: Store is required")
	}
	if cfg.Tools == nil {
		return nil, fmt.Errorf("agentsdk: Tools is required")
	}
	if cfg.LLM == nil {
		return nil, fmt.Errorf("agentsdk: LLM is required")
	}

	restricted := cfg.Tools.SubRegistry(
		toolregistry.CapSendMessage,
		toolregistry.CapSchedule,
		toolregistry.CapSpawnAgent,
	)

	loop := agentloop.New(agentloop.Deps{
		Store:      cfg.Store,
		MemoryFile: cfg.MemoryFile,
		Tools:      restricted,
		LLM:        cfg.LLM,
		Skills:     cfg.Skills,
		Soul:       cfg.Soul,
		Config:     cfg.AgentLoop,
		Usage:      cfg.Usage,
	})

	return &Agent{loop: loop}, nil
}

// ProcessMessage runs one turn synchronously for chatID and returns the
// agent's reply text, the original's process_message.
func (a *Agent) ProcessMessage(ctx context.Context, chatID int64, userText string) (string, error) {
	result, err := a.loop.Process(ctx, agentloop.Inbound{
		ChannelTag:     sdkChannelTag,
		ExternalChatID: fmt.Sprintf("%d", chatID),
		ChatKind:       store.ChatDirect,
		Text:           userText,
		IsMention:      true,
	})
	if err != nil {
		return "", err
	}
	return result.Text, nil
}

// ResetSession clears chatID's live session so the next ProcessMessage
// rebuilds conversation state from scratch, the original's reset_session.
func (a *Agent) ResetSession(chatID int64) error {
	return a.loop.ResetSession(sdkChannelTag, fmt.Sprintf("%d", chatID), store.ChatDirect)
}

// GetMessages returns up to limit of chatID's most recent durable
// messages, the original's get_messages.
func (a *Agent) GetMessages(chatID int64, limit int) ([]store.Message, error) {
	internalID, err := a.loop.ResolveChat(sdkChannelTag, fmt.Sprintf("%d", chatID), store.ChatDirect)
	if err != nil {
		return nil, err
	}
	return a.loop.Deps().Store.GetRecentMessages(internalID, limit)
}
