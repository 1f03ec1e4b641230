// Package gateway is the composition root: it wires Store, MemoryFile,
// ToolRegistry, LLMClient, SkillsIndex, and AgentLoop into a running
// process that also drives Scheduler, Reflector, and the chat-adapter
// MessageBus. Grounded on cmd/myclaw/main.go and internal/gateway/gateway.go's
// original Gateway struct (signal handling, Run/Shutdown shape,
// buildSystemPrompt concatenation order), generalized from its
// api.Runtime/agentsdk-go wiring to this module's own AgentLoop and from a
// single memory.Engine to Store+MemoryFile+MemoryQuality+Reflector.
package gateway

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rayclaw/rayclaw/internal/agentloop"
	"github.com/rayclaw/rayclaw/internal/bus"
	"github.com/rayclaw/rayclaw/internal/channel"
	"github.com/rayclaw/rayclaw/internal/config"
	"github.com/rayclaw/rayclaw/internal/llmclient"
	"github.com/rayclaw/rayclaw/internal/llmclient/anthropic"
	"github.com/rayclaw/rayclaw/internal/llmclient/openai"
	"github.com/rayclaw/rayclaw/internal/memoryfile"
	"github.com/rayclaw/rayclaw/internal/reflector"
	"github.com/rayclaw/rayclaw/internal/scheduler"
	"github.com/rayclaw/rayclaw/internal/skills"
	"github.com/rayclaw/rayclaw/internal/store"
	"github.com/rayclaw/rayclaw/internal/systemprompt"
	"github.com/rayclaw/rayclaw/internal/toolregistry"
	"github.com/rayclaw/rayclaw/internal/usage"
)

// Options lets callers (mainly tests) inject a fake LLM client or a
// controllable signal channel instead of standing up the real provider and
// OS signal handling.
type Options struct {
	LLM        llmclient.Client
	SignalChan chan os.Signal
}

// newLLMClient selects and constructs the provider adapter cfg.Provider.Type
// names, mirroring the teacher's cfg.Provider.Type switch.
func newLLMClient(cfg *config.Config) (llmclient.Client, error) {
	switch cfg.Provider.Type {
	case "openai":
		return openai.New(openai.Config{
			APIKey:    cfg.Provider.APIKey,
			BaseURL:   cfg.Provider.BaseURL,
			Model:     cfg.Agent.Model,
			MaxTokens: cfg.Agent.MaxTokens,
		})
	default: // "anthropic" or empty
		return anthropic.New(anthropic.Config{
			APIKey:    cfg.Provider.APIKey,
			BaseURL:   cfg.Provider.BaseURL,
			Model:     cfg.Agent.Model,
			MaxTokens: cfg.Agent.MaxTokens,
		})
	}
}

// Gateway is the running process: every Agent Core component plus the
// chat-adapter surface and the background actors that keep memory fresh
// and scheduled tasks firing.
type Gateway struct {
	cfg   *config.Config
	store *store.Store

	loop      *agentloop.Loop
	scheduler *scheduler.Service
	reflector *reflector.Service

	bus      *bus.MessageBus
	channels *channel.ChannelManager

	signalChan chan os.Signal
	logger     *slog.Logger
}

// New creates a Gateway with default options.
func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions creates a Gateway, allowing tests to inject a fake LLM
// client and a controllable signal channel.
func NewWithOptions(cfg *config.Config, opts Options) (*Gateway, error) {
	logger := slog.Default()
	g := &Gateway{cfg: cfg, logger: logger, signalChan: opts.SignalChan}

	dbPath := strings.TrimSpace(cfg.Memory.DBPath)
	if dbPath == "" {
		dbPath = filepath.Join(config.ConfigDir(), "data", "rayclaw.db")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	s, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	g.store = s

	memDir := filepath.Join(cfg.Agent.Workspace, "memory")
	memFile, err := memoryfile.New(memDir, 0)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("open memory file store: %w", err)
	}

	tools := toolregistry.New(nil)

	var skillList []systemprompt.Skill
	if cfg.Skills.Enabled {
		skillDir := strings.TrimSpace(cfg.Skills.Dir)
		if skillDir == "" {
			skillDir = filepath.Join(cfg.Agent.Workspace, "skills")
		}
		idx, err := skills.LoadIndex(skillDir)
		if err != nil {
			log.Printf("[gateway] skills load warning: %v", err)
		} else {
			if err := tools.Register(idx.Tool()); err != nil {
				log.Printf("[gateway] register activate_skill warning: %v", err)
			}
			for _, sk := range idx.Catalogue() {
				skillList = append(skillList, systemprompt.Skill{Name: sk.Name, Description: sk.Description})
			}
		}
	}

	llm := opts.LLM
	if llm == nil {
		llm, err = newLLMClient(cfg)
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("create llm client: %w", err)
		}
	}

	soul := buildSoul(cfg.Agent.Workspace)

	g.loop = agentloop.New(agentloop.Deps{
		Store:      s,
		MemoryFile: memFile,
		Tools:      tools,
		LLM:        llm,
		Skills:     skillList,
		Soul:       soul,
		Logger:     logger,
		Usage:      usage.New(s, nil),
		Config: agentloop.Config{
			MaxTokens:         cfg.Agent.MaxTokens,
			MaxToolIterations: cfg.Agent.MaxToolIterations,
			Model:             cfg.Agent.Model,
			WorkspaceRoot:     cfg.Agent.Workspace,
		},
	})

	pollPeriod, err := time.ParseDuration(cfg.Scheduler.PollPeriod)
	if err != nil {
		pollPeriod = 0 // scheduler.New falls back to its own default
	}
	g.scheduler = scheduler.New(s, g.loop, pollPeriod, logger)

	if cfg.Memory.ReflectorEnabled {
		tickPeriod, err := time.ParseDuration(cfg.Memory.ReflectorPeriod)
		if err != nil {
			tickPeriod = 0
		}
		g.reflector = reflector.New(s, llm, tickPeriod, logger)
	}

	g.bus = bus.NewMessageBus(config.DefaultBufSize)

	chMgr, err := channel.NewChannelManagerWithGateway(cfg.Channels, cfg.Gateway, g.bus)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("create channel manager: %w", err)
	}
	g.channels = chMgr

	return g, nil
}

// buildSoul concatenates the workspace's identity files, per
// cmd/myclaw/main.go's original ordering. Missing files are skipped.
func buildSoul(workspace string) string {
	var sb strings.Builder
	if data, err := os.ReadFile(filepath.Join(workspace, "AGENTS.md")); err == nil {
		sb.Write(data)
		sb.WriteString("\n\n")
	}
	if data, err := os.ReadFile(filepath.Join(workspace, "SOUL.md")); err == nil {
		sb.Write(data)
		sb.WriteString("\n\n")
	}
	return sb.String()
}

// Run starts every background actor and blocks until a shutdown signal (or
// an injected test signal) arrives.
func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go g.bus.DispatchOutbound(ctx)

	if err := g.channels.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}
	log.Printf("[gateway] channels started: %v", g.channels.EnabledChannels())

	go g.scheduler.Run(ctx)
	if g.reflector != nil {
		go g.reflector.Run(ctx)
	}

	go g.processLoop(ctx)

	log.Printf("[gateway] running on %s:%d", g.cfg.Gateway.Host, g.cfg.Gateway.Port)

	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	}
	<-sigCh

	log.Printf("[gateway] shutting down...")
	return g.Shutdown()
}

// processLoop reads every inbound chat message, runs one AgentLoop turn,
// and writes the reply back onto the bus for the originating channel to
// deliver.
func (g *Gateway) processLoop(ctx context.Context) {
	for {
		select {
		case msg := <-g.bus.Inbound:
			log.Printf("[gateway] inbound from %s/%s: %s", msg.Channel, msg.SenderID, truncate(msg.Content, 80))

			in := agentloop.Inbound{
				ChannelTag:     msg.Channel,
				ExternalChatID: msg.ChatID,
				ChatKind:       store.ChatDirect,
				SenderName:     msg.SenderID,
				Text:           msg.Content,
				IsMention:      msg.IsMention,
			}

			res, err := g.loop.Process(ctx, in)
			result := res.Text
			if err != nil {
				log.Printf("[gateway] agent error: %v", err)
				result = "Sorry, I encountered an error processing your message."
			}

			if result != "" {
				g.bus.Outbound <- bus.OutboundMessage{
					Channel: msg.Channel,
					ChatID:  msg.ChatID,
					Content: result,
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// Shutdown stops every channel adapter and closes Store. Scheduler and
// Reflector goroutines exit on their own once Run's ctx is cancelled.
func (g *Gateway) Shutdown() error {
	_ = g.channels.StopAll()
	if g.store != nil {
		if err := g.store.Close(); err != nil {
			log.Printf("[gateway] close store warning: %v", err)
		}
	}
	log.Printf("[gateway] shutdown complete")
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
