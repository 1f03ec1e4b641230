package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

const (
	DefaultModel              = "claude-sonnet-4-5-20250929"
	DefaultMaxTokens          = 8192
	DefaultTemperature        = 0.7
	DefaultMaxToolIterations  = 20
	DefaultExecTimeout        = 60
	DefaultHost               = "0.0.0.0"
	DefaultPort               = 18790
	DefaultBufSize            = 100
	DefaultMemoryTokenBudget  = 2000
	DefaultReflectorPeriod    = "5m"
	DefaultSchedulerPollPeriod = "60s"
)

type Config struct {
	Agent     AgentConfig     `json:"agent"`
	Channels  ChannelsConfig  `json:"channels"`
	Provider  ProviderConfig  `json:"provider"`
	Tools     ToolsConfig     `json:"tools"`
	Gateway   GatewayConfig   `json:"gateway"`
	Memory    MemoryConfig    `json:"memory"`
	Skills    SkillsConfig    `json:"skills"`
	Scheduler SchedulerConfig `json:"scheduler"`
}

// MemoryConfig wires Store's durable memory table and the Reflector that
// keeps it populated — the new dual-layer memory subsystem (file notes +
// structured records), superseding the old free-form extraction pipeline.
type MemoryConfig struct {
	DBPath           string `json:"dbPath,omitempty"`
	TokenBudget      int    `json:"tokenBudget,omitempty"`
	ReflectorEnabled bool   `json:"reflectorEnabled"`
	ReflectorPeriod  string `json:"reflectorPeriod,omitempty"`
}

// SkillsConfig toggles spec.md §4.10's SkillsIndex and names its descriptor
// directory.
type SkillsConfig struct {
	Enabled bool   `json:"enabled"`
	Dir     string `json:"dir,omitempty"`
}

// SchedulerConfig tunes spec.md §4.9's polling actor.
type SchedulerConfig struct {
	PollPeriod string `json:"pollPeriod,omitempty"`
}

type AgentConfig struct {
	Workspace         string  `json:"workspace"`
	Model             string  `json:"model"`
	MaxTokens         int     `json:"maxTokens"`
	Temperature       float64 `json:"temperature"`
	MaxToolIterations int     `json:"maxToolIterations"`
}

type ProviderConfig struct {
	Type    string `json:"type,omitempty"` // "anthropic" (default) or "openai"
	APIKey  string `json:"apiKey"`
	BaseURL string `json:"baseUrl,omitempty"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	WhatsApp WhatsAppConfig `json:"whatsapp"`
	WebUI    WebUIConfig    `json:"webui"`
}

type TelegramConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token"`
	AllowFrom []string `json:"allowFrom"`
	Proxy     string   `json:"proxy,omitempty"`
}

type WhatsAppConfig struct {
	Enabled   bool     `json:"enabled"`
	StorePath string   `json:"storePath,omitempty"`
	JID       string   `json:"jid,omitempty"`
	AllowFrom []string `json:"allowFrom"`
}

type WebUIConfig struct {
	Enabled   bool     `json:"enabled"`
	AllowFrom []string `json:"allowFrom"`
}

type ToolsConfig struct {
	BraveAPIKey         string `json:"braveApiKey,omitempty"`
	ExecTimeout         int    `json:"execTimeout"`
	RestrictToWorkspace bool   `json:"restrictToWorkspace"`
}

type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Agent: AgentConfig{
			Workspace:         filepath.Join(home, ".myclaw", "workspace"),
			Model:             DefaultModel,
			MaxTokens:         DefaultMaxTokens,
			Temperature:       DefaultTemperature,
			MaxToolIterations: DefaultMaxToolIterations,
		},
		Provider: ProviderConfig{},
		Channels: ChannelsConfig{},
		Tools: ToolsConfig{
			ExecTimeout:         DefaultExecTimeout,
			RestrictToWorkspace: true,
		},
		Gateway: GatewayConfig{
			Host: DefaultHost,
			Port: DefaultPort,
		},
		Memory: MemoryConfig{
			TokenBudget:      DefaultMemoryTokenBudget,
			ReflectorEnabled: true,
			ReflectorPeriod:  DefaultReflectorPeriod,
		},
		Skills: SkillsConfig{
			Enabled: true,
		},
		Scheduler: SchedulerConfig{
			PollPeriod: DefaultSchedulerPollPeriod,
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".myclaw")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if key := os.Getenv("MYCLAW_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("ANTHROPIC_AUTH_TOKEN"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
		if cfg.Provider.Type == "" {
			cfg.Provider.Type = "openai"
		}
	}
	if url := os.Getenv("MYCLAW_BASE_URL"); url != "" {
		cfg.Provider.BaseURL = url
	}
	if url := os.Getenv("ANTHROPIC_BASE_URL"); url != "" && cfg.Provider.BaseURL == "" {
		cfg.Provider.BaseURL = url
	}
	if token := os.Getenv("MYCLAW_TELEGRAM_TOKEN"); token != "" {
		cfg.Channels.Telegram.Token = token
	}
	if storePath := os.Getenv("MYCLAW_WHATSAPP_STORE_PATH"); storePath != "" {
		cfg.Channels.WhatsApp.StorePath = storePath
	}
	if dbPath := os.Getenv("MYCLAW_MEMORY_DB_PATH"); dbPath != "" {
		cfg.Memory.DBPath = dbPath
	}
	if tokenBudget := os.Getenv("MYCLAW_MEMORY_TOKEN_BUDGET"); tokenBudget != "" {
		if parsed, err := strconv.Atoi(tokenBudget); err == nil {
			cfg.Memory.TokenBudget = parsed
		}
	}
	if enabled := os.Getenv("MYCLAW_REFLECTOR_ENABLED"); enabled != "" {
		if parsed, err := strconv.ParseBool(enabled); err == nil {
			cfg.Memory.ReflectorEnabled = parsed
		}
	}
	if period := os.Getenv("MYCLAW_REFLECTOR_PERIOD"); period != "" {
		cfg.Memory.ReflectorPeriod = period
	}
	if skillDir := os.Getenv("MYCLAW_SKILLS_DIR"); skillDir != "" {
		cfg.Skills.Dir = skillDir
	}

	if cfg.Agent.Workspace == "" {
		cfg.Agent.Workspace = DefaultConfig().Agent.Workspace
	}
	if cfg.Memory.TokenBudget <= 0 {
		cfg.Memory.TokenBudget = DefaultMemoryTokenBudget
	}
	if cfg.Memory.ReflectorPeriod == "" {
		cfg.Memory.ReflectorPeriod = DefaultReflectorPeriod
	}
	if cfg.Scheduler.PollPeriod == "" {
		cfg.Scheduler.PollPeriod = DefaultSchedulerPollPeriod
	}

	return cfg, nil
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}
