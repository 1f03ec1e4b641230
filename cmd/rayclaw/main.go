package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rayclaw/rayclaw/internal/agentloop"
	"github.com/rayclaw/rayclaw/internal/agentsdk"
	"github.com/rayclaw/rayclaw/internal/config"
	"github.com/rayclaw/rayclaw/internal/gateway"
	"github.com/rayclaw/rayclaw/internal/llmclient"
	"github.com/rayclaw/rayclaw/internal/llmclient/anthropic"
	"github.com/rayclaw/rayclaw/internal/llmclient/openai"
	"github.com/rayclaw/rayclaw/internal/memoryfile"
	"github.com/rayclaw/rayclaw/internal/skills"
	"github.com/rayclaw/rayclaw/internal/store"
	"github.com/rayclaw/rayclaw/internal/systemprompt"
	"github.com/rayclaw/rayclaw/internal/toolregistry"
	"github.com/rayclaw/rayclaw/internal/usage"
)

// agentRunner is the subset of agentsdk.Agent the CLI drives. A narrow
// interface so tests can inject a fake without building the real stack.
type agentRunner interface {
	ProcessMessage(ctx context.Context, chatID int64, text string) (string, error)
}

// AgentFactory builds the agentRunner the agent command drives.
type AgentFactory func(cfg *config.Config) (agentRunner, error)

// cliChatID is the fixed chat identity ad hoc CLI invocations resolve to;
// the CLI is always a single-user, single-session surface.
const cliChatID int64 = 1

// DefaultAgentFactory wires a real embedded agent per the Agent Core's
// standard assembly: Store, MemoryFile, ToolRegistry (with activate_skill
// if enabled), an LLM adapter chosen by cfg.Provider.Type, and agentsdk.New.
func DefaultAgentFactory(cfg *config.Config) (agentRunner, error) {
	if cfg.Provider.APIKey == "" {
		return nil, fmt.Errorf("API key not set. Run 'rayclaw onboard' or set MYCLAW_API_KEY / ANTHROPIC_API_KEY")
	}

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

	memFile, err := memoryfile.New(filepath.Join(cfg.Agent.Workspace, "memory"), 0)
	if err != nil {
		return nil, fmt.Errorf("open memory file store: %w", err)
	}

	tools := toolregistry.New(nil)
	var skillList []systemprompt.Skill
	if cfg.Skills.Enabled {
		skillDir := strings.TrimSpace(cfg.Skills.Dir)
		if skillDir == "" {
			skillDir = filepath.Join(cfg.Agent.Workspace, "skills")
		}
		if idx, err := skills.LoadIndex(skillDir); err == nil {
			_ = tools.Register(idx.Tool())
			for _, sk := range idx.Catalogue() {
				skillList = append(skillList, systemprompt.Skill{Name: sk.Name, Description: sk.Description})
			}
		}
	}

	llm, err := newLLMClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create llm client: %w", err)
	}

	agent, err := agentsdk.New(agentsdk.Config{
		Store:      s,
		MemoryFile: memFile,
		Tools:      tools,
		LLM:        llm,
		Skills:     skillList,
		Soul:       buildSoul(cfg.Agent.Workspace),
		AgentLoop:  agentloopConfigFrom(cfg),
		Usage:      usage.New(s, nil),
	})
	if err != nil {
		return nil, fmt.Errorf("create agent: %w", err)
	}
	return agent, nil
}

func newLLMClient(cfg *config.Config) (llmclient.Client, error) {
	switch cfg.Provider.Type {
	case "openai":
		return openai.New(openai.Config{
			APIKey:    cfg.Provider.APIKey,
			BaseURL:   cfg.Provider.BaseURL,
			Model:     cfg.Agent.Model,
			MaxTokens: cfg.Agent.MaxTokens,
		})
	default:
		return anthropic.New(anthropic.Config{
			APIKey:    cfg.Provider.APIKey,
			BaseURL:   cfg.Provider.BaseURL,
			Model:     cfg.Agent.Model,
			MaxTokens: cfg.Agent.MaxTokens,
		})
	}
}

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

// AgentOptions lets tests drive runAgentWithOptions with injected
// dependencies instead of the real stack and OS streams.
type AgentOptions struct {
	Factory AgentFactory
	Stdin   io.Reader
	Stdout  io.Writer
	Stderr  io.Writer
}

var rootCmd = &cobra.Command{
	Use:   "rayclaw",
	Short: "rayclaw - multi-channel agentic runtime",
}

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run agent in single message or REPL mode",
	RunE:  runAgent,
}

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Start the full gateway (channels + scheduler + reflector)",
	RunE:  runGateway,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config and workspace",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show rayclaw status",
	RunE:  runStatus,
}

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Inspect scheduled tasks",
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List scheduled tasks for the CLI chat",
	RunE:  runTaskList,
}

var messageFlag string

func init() {
	agentCmd.Flags().StringVarP(&messageFlag, "message", "m", "", "Single message to send")
	taskCmd.AddCommand(taskListCmd)
	rootCmd.AddCommand(agentCmd, gatewayCmd, onboardCmd, statusCmd, taskCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runAgent(cmd *cobra.Command, args []string) error {
	return runAgentWithOptions(AgentOptions{})
}

func runAgentWithOptions(opts AgentOptions) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	factory := opts.Factory
	if factory == nil {
		factory = DefaultAgentFactory
	}
	agent, err := factory(cfg)
	if err != nil {
		return err
	}

	stdin := opts.Stdin
	if stdin == nil {
		stdin = os.Stdin
	}
	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	ctx := context.Background()

	if messageFlag != "" {
		reply, err := agent.ProcessMessage(ctx, cliChatID, messageFlag)
		if err != nil {
			return fmt.Errorf("agent error: %w", err)
		}
		fmt.Fprintln(stdout, reply)
		return nil
	}

	fmt.Fprintln(stdout, "rayclaw agent (type 'exit' to quit)")
	scanner := bufio.NewScanner(stdin)
	for {
		fmt.Fprint(stdout, "\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			break
		}

		reply, err := agent.ProcessMessage(ctx, cliChatID, input)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			continue
		}
		fmt.Fprintln(stdout, reply)
	}
	return nil
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.Provider.APIKey == "" {
		return fmt.Errorf("API key not set. Run 'rayclaw onboard' or set MYCLAW_API_KEY / ANTHROPIC_API_KEY")
	}

	gw, err := gateway.New(cfg)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	return gw.Run(context.Background())
}

func runOnboard(cmd *cobra.Command, args []string) error {
	cfgDir := config.ConfigDir()
	cfgPath := config.ConfigPath()

	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		cfg := config.DefaultConfig()
		data, _ := json.MarshalIndent(cfg, "", "  ")
		if err := os.WriteFile(cfgPath, data, 0644); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Printf("Created config: %s\n", cfgPath)
	} else {
		fmt.Printf("Config already exists: %s\n", cfgPath)
	}

	cfg, _ := config.LoadConfig()
	ws := cfg.Agent.Workspace
	if err := os.MkdirAll(filepath.Join(ws, "memory"), 0755); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}

	writeIfNotExists(filepath.Join(ws, "AGENTS.md"), defaultAgentsMD)
	writeIfNotExists(filepath.Join(ws, "SOUL.md"), defaultSoulMD)

	fmt.Printf("Workspace ready: %s\n", ws)
	fmt.Println("\nNext steps:")
	fmt.Printf("  1. Edit %s to set your API key\n", cfgPath)
	fmt.Println("  2. Or set MYCLAW_API_KEY environment variable")
	fmt.Println("  3. Run 'rayclaw agent -m \"Hello\"' to test")

	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Config: error (%v)\n", err)
		return nil
	}

	fmt.Printf("Config: %s\n", config.ConfigPath())
	fmt.Printf("Workspace: %s\n", cfg.Agent.Workspace)
	fmt.Printf("Model: %s\n", cfg.Agent.Model)
	fmt.Printf("Provider: %s\n", providerDisplay(cfg.Provider.Type))
	if cfg.Provider.APIKey != "" && len(cfg.Provider.APIKey) > 8 {
		masked := cfg.Provider.APIKey[:4] + "..." + cfg.Provider.APIKey[len(cfg.Provider.APIKey)-4:]
		fmt.Printf("API Key: %s\n", masked)
	} else if cfg.Provider.APIKey != "" {
		fmt.Println("API Key: set")
	} else {
		fmt.Println("API Key: not set")
	}
	fmt.Printf("Telegram: enabled=%v\n", cfg.Channels.Telegram.Enabled)
	fmt.Printf("WhatsApp: enabled=%v\n", cfg.Channels.WhatsApp.Enabled)
	fmt.Printf("WebUI: enabled=%v\n", cfg.Channels.WebUI.Enabled)
	fmt.Printf("Scheduler poll period: %s\n", cfg.Scheduler.PollPeriod)
	fmt.Printf("Reflector: enabled=%v period=%s\n", cfg.Memory.ReflectorEnabled, cfg.Memory.ReflectorPeriod)

	if _, err := os.Stat(cfg.Agent.Workspace); err != nil {
		fmt.Println("Workspace: not found (run 'rayclaw onboard')")
		return nil
	}

	dbPath := strings.TrimSpace(cfg.Memory.DBPath)
	if dbPath == "" {
		dbPath = filepath.Join(config.ConfigDir(), "data", "rayclaw.db")
	}
	if _, err := os.Stat(dbPath); err != nil {
		fmt.Println("Memory: no store yet")
		return nil
	}
	fmt.Printf("Memory: store at %s\n", dbPath)

	s, err := store.Open(dbPath)
	if err != nil {
		fmt.Printf("Usage: error opening store (%v)\n", err)
		return nil
	}
	defer s.Close()

	reporter := usage.New(s, nil)
	totals, err := reporter.All()
	if err != nil {
		fmt.Printf("Usage: error (%v)\n", err)
		return nil
	}
	fmt.Printf("Usage: %s\n", usage.Summary(totals))

	return nil
}

// runTaskList opens Store and lists every task scheduled against
// the fixed CLI chat identity.
func runTaskList(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	dbPath := strings.TrimSpace(cfg.Memory.DBPath)
	if dbPath == "" {
		dbPath = filepath.Join(config.ConfigDir(), "data", "rayclaw.db")
	}
	s, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer s.Close()

	internalChatID, err := s.ResolveChat("sdk", strconv.FormatInt(cliChatID, 10), store.ChatDirect, "")
	if err != nil {
		return fmt.Errorf("resolve chat: %w", err)
	}

	tasks, err := s.GetTasksForChat(internalChatID)
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	if len(tasks) == 0 {
		fmt.Println("No scheduled tasks.")
		return nil
	}
	for _, t := range tasks {
		next := t.NextRun
		if next == "" {
			next = "-"
		}
		fmt.Printf("%s  [%s/%s]  next=%s  %s\n", t.ID, t.State, t.ScheduleKind, next, t.Prompt)
	}
	return nil
}

func providerDisplay(t string) string {
	if t == "" {
		return "anthropic (default)"
	}
	return t
}

func agentloopConfigFrom(cfg *config.Config) agentloop.Config {
	return agentloop.Config{
		MaxTokens:         cfg.Agent.MaxTokens,
		MaxToolIterations: cfg.Agent.MaxToolIterations,
		Model:             cfg.Agent.Model,
		WorkspaceRoot:     cfg.Agent.Workspace,
	}
}

func writeIfNotExists(path, content string) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		_ = os.WriteFile(path, []byte(content), 0644)
		fmt.Printf("  Created: %s\n", path)
	}
}

const defaultAgentsMD = `# rayclaw Agent

You are rayclaw, a personal AI assistant.

You have access to tools for file operations, web search, and command execution.
Use them to help the user accomplish tasks.

## Guidelines
- Be concise and helpful
- Use tools proactively when needed
- Remember information the user tells you by writing to memory
- Check your memory context for previously stored information
`

const defaultSoulMD = `# Soul

You are a capable personal assistant that helps with daily tasks,
research, coding, and general questions.

Your personality:
- Direct and efficient
- Technical when needed, simple when possible
- Proactive about using tools to get real answers
`
