package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config is the full application configuration (spec §4.1 SessionConfiguration
// lives under Agent below; the rest is process-wide ambient config).
type Config struct {
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	AIService AIServiceConfig `mapstructure:"ai_service"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Log       LogConfig       `mapstructure:"log"`
	Agent     AgentConfig     `mapstructure:"agent"`
}

// GatewayConfig configures the API server endpoint.
type GatewayConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // local, production
}

// AIServiceConfig configures an out-of-process model-serving endpoint
// (e.g. a local inference server), distinct from the LLMProviderConfig
// entries used by llm.Router for hosted providers.
type AIServiceConfig struct {
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	Timeout int    `mapstructure:"timeout"` // seconds
}

// DatabaseConfig configures rollout/index storage.
type DatabaseConfig struct {
	Type string `mapstructure:"type"` // sqlite, postgres
	DSN  string `mapstructure:"dsn"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// AgentConfig is the turn-execution engine's configuration — the
// process-wide defaults a new conversation's SessionConfiguration is
// seeded from.
type AgentConfig struct {
	DefaultModel    string              `mapstructure:"default_model"`
	DefaultProvider string              `mapstructure:"default_provider"`
	Workspace       string              `mapstructure:"workspace"`
	MaxIterations   int                 `mapstructure:"max_iterations"`
	AskMode         bool                `mapstructure:"ask_mode"`
	Models          []ModelConfig       `mapstructure:"models"`
	FallbackModels  []string            `mapstructure:"fallback_models"` // ordered failover chain
	Providers       []LLMProviderConfig `mapstructure:"providers"`

	Runtime    RuntimeConfig    `mapstructure:"runtime"`
	Guardrails GuardrailsConfig `mapstructure:"guardrails"`
	Tools      ToolsConfig      `mapstructure:"tools"`
	Security   SecurityConfig   `mapstructure:"security"`
	Sandbox    SandboxConfig    `mapstructure:"sandbox"`
	Compaction CompactionConfig `mapstructure:"compaction"`
	MCP        MCPConfig        `mapstructure:"mcp"`
	GRPCPort   int              `mapstructure:"grpc_port"`
}

// LLMProviderConfig configures one llm.Router endpoint.
type LLMProviderConfig struct {
	Name     string   `mapstructure:"name"`
	BaseURL  string   `mapstructure:"base_url"`
	APIKey   string   `mapstructure:"api_key"`
	Models   []string `mapstructure:"models"`
	Priority int      `mapstructure:"priority"`
}

// ModelConfig names one selectable model.
type ModelConfig struct {
	ID          string `mapstructure:"id"`          // e.g. "openai/gpt-4o"
	Alias       string `mapstructure:"alias"`       // e.g. "Fast"
	Provider    string `mapstructure:"provider"`
	Description string `mapstructure:"description"`
}

// RuntimeConfig holds Turn Loop runtime limits, all config.yaml-tunable.
type RuntimeConfig struct {
	ToolTimeout      time.Duration `mapstructure:"tool_timeout"`
	RunTimeout       time.Duration `mapstructure:"run_timeout"`
	SubAgentTimeout  time.Duration `mapstructure:"sub_agent_timeout"`
	SubAgentMaxSteps int           `mapstructure:"sub_agent_max_steps"`
	MaxTokenBudget   int64         `mapstructure:"max_token_budget"`
	ConcurrentTools  bool          `mapstructure:"concurrent_tools"`
	MaxRetries       int           `mapstructure:"max_retries"`
	RetryBaseWait    time.Duration `mapstructure:"retry_base_wait"`
}

// GuardrailsConfig configures the context/loop/cost guards (spec §4.13).
type GuardrailsConfig struct {
	ContextMaxTokens    int     `mapstructure:"context_max_tokens"`
	ContextWarnRatio    float64 `mapstructure:"context_warn_ratio"`
	ContextHardRatio    float64 `mapstructure:"context_hard_ratio"`
	LoopDetectWindow    int     `mapstructure:"loop_detect_window"`
	LoopDetectThreshold int     `mapstructure:"loop_detect_threshold"`
	CostGuardEnabled    bool    `mapstructure:"cost_guard_enabled"`
}

// SecurityConfig configures the Approval & Sandbox Flow (spec §4.7).
type SecurityConfig struct {
	// ApprovalMode: "auto" | "ask_dangerous" | "ask_all"
	//   auto          — run everything without asking
	//   ask_dangerous — ask only for dangerous tool kinds (edit/delete/execute)
	//   ask_all       — ask for every tool call
	ApprovalMode    string        `mapstructure:"approval_mode"`
	DangerousTools  []string      `mapstructure:"dangerous_tools"`
	TrustedTools    []string      `mapstructure:"trusted_tools"`
	TrustedCommands []string      `mapstructure:"trusted_commands"`
	ApprovalTimeout time.Duration `mapstructure:"approval_timeout"`
}

// SandboxConfig configures the process sandbox tool calls execute under.
type SandboxConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	AllowedPaths   []string `mapstructure:"allowed_paths"`   // writable roots; empty = workspace only
	NetworkAllowed bool     `mapstructure:"network_allowed"`
	RetryUnsandboxed bool   `mapstructure:"retry_unsandboxed"` // escalate on sandbox-denied failure, pending approval
}

// ToolsConfig configures dynamically-backed tool registrations.
type ToolsConfig struct {
	Registry []ToolRegConfig `mapstructure:"registry"`
}

// ToolRegConfig is one tool registration entry.
type ToolRegConfig struct {
	Name         string              `mapstructure:"name"`
	Backend      string              `mapstructure:"backend"` // go | command | grpc
	Command      string              `mapstructure:"command"`
	ArgsFormat   string              `mapstructure:"args_format"`
	Handler      string              `mapstructure:"handler"`
	GRPCMethod   string              `mapstructure:"grpc_method"`
	GRPCEndpoint string              `mapstructure:"grpc_endpoint"`
	Enabled      bool                `mapstructure:"enabled"`
	Timeout      time.Duration       `mapstructure:"timeout"`
	Aliases      map[string][]string `mapstructure:"aliases"`
}

// CompactionConfig configures the Compaction Controller (spec §4.12).
type CompactionConfig struct {
	MessageThreshold int `mapstructure:"message_threshold"`
	TokenThreshold   int `mapstructure:"token_threshold"`
	KeepRecent       int `mapstructure:"keep_recent"`
	SummaryMaxTokens int `mapstructure:"summary_max_tokens"`
}

// MCPConfig configures MCP server discovery.
type MCPConfig struct {
	Servers []MCPServerConfig `mapstructure:"servers"`
}

// MCPServerConfig is one MCP server entry.
type MCPServerConfig struct {
	Name     string `mapstructure:"name"`
	Endpoint string `mapstructure:"endpoint"`
	Enabled  bool   `mapstructure:"enabled"`
}

// Load reads the layered configuration (defaults → global ~/.agentcore/ →
// project-local → environment variables), matching the precedence the
// teacher used for its own config-home layering.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	// Layer 1: global config ~/.agentcore/config.yaml — providers, models, runtime.
	globalDir := filepath.Join(os.Getenv("HOME"), "."+AppName)
	v.AddConfigPath(globalDir)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read global config: %w", err)
		}
	}

	// Layer 2: project-local config (./config/config.yaml or ./config.yaml),
	// merged on top of the global layer. First match wins.
	for _, localDir := range []string{"./config", "."} {
		localPath := filepath.Join(localDir, "config.yaml")
		if _, err := os.Stat(localPath); err == nil {
			v2 := viper.New()
			v2.SetConfigFile(localPath)
			if err := v2.ReadInConfig(); err == nil {
				_ = v.MergeConfigMap(v2.AllSettings())
			}
			break
		}
	}

	// Compatibility layer: fold in an openclaw.json if present (providers/model only).
	_ = loadOpenClawConfig(v)

	v.SetEnvPrefix("AGENTCORE")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("gateway.host", "0.0.0.0")
	v.SetDefault("gateway.port", 18789)
	v.SetDefault("gateway.mode", "local")

	v.SetDefault("ai_service.host", "localhost")
	v.SetDefault("ai_service.port", 50051)
	v.SetDefault("ai_service.timeout", 120)

	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.dsn", "agentcore.db")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("agent.runtime.tool_timeout", "30s")
	v.SetDefault("agent.runtime.run_timeout", "5m")
	v.SetDefault("agent.runtime.sub_agent_timeout", "2m")
	v.SetDefault("agent.runtime.max_token_budget", 100000)
	v.SetDefault("agent.runtime.concurrent_tools", true)
	v.SetDefault("agent.runtime.max_retries", 3)
	v.SetDefault("agent.runtime.retry_base_wait", "2s")

	v.SetDefault("agent.guardrails.context_max_tokens", 128000)
	v.SetDefault("agent.guardrails.context_warn_ratio", 0.7)
	v.SetDefault("agent.guardrails.context_hard_ratio", 0.85)
	v.SetDefault("agent.guardrails.loop_detect_window", 10)
	v.SetDefault("agent.guardrails.loop_detect_threshold", 5)
	v.SetDefault("agent.guardrails.cost_guard_enabled", true)

	v.SetDefault("agent.compaction.message_threshold", 30)
	v.SetDefault("agent.compaction.token_threshold", 30000)
	v.SetDefault("agent.compaction.keep_recent", 10)
	v.SetDefault("agent.compaction.summary_max_tokens", 1000)

	v.SetDefault("agent.security.approval_mode", "ask_dangerous")
	v.SetDefault("agent.security.dangerous_tools", []string{"bash", "write_file", "edit_file", "apply_patch"})
	v.SetDefault("agent.security.trusted_tools", []string{"read_file", "list_dir", "search", "glob"})
	v.SetDefault("agent.security.trusted_commands", []string{"ls", "cat", "head", "tail", "grep", "find", "wc", "echo", "pwd", "which", "file", "stat"})
	v.SetDefault("agent.security.approval_timeout", "5m")

	v.SetDefault("agent.sandbox.enabled", true)
	v.SetDefault("agent.sandbox.network_allowed", false)
	v.SetDefault("agent.sandbox.retry_unsandboxed", true)
}

// loadOpenClawConfig folds provider/model settings in from a legacy
// openclaw.json, if one is present, for migration convenience.
func loadOpenClawConfig(v *viper.Viper) error {
	paths := []string{
		filepath.Join(os.Getenv("HOME"), ".openclaw", "openclaw.json"),
		"openclaw.json",
	}

	var configPath string
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			configPath = path
			break
		}
	}

	if configPath == "" {
		return fmt.Errorf("openclaw.json not found")
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("read openclaw.json: %w", err)
	}

	var oc map[string]interface{}
	if err := json.Unmarshal(data, &oc); err != nil {
		return fmt.Errorf("parse openclaw.json: %w", err)
	}

	if providers, ok := oc["providers"].([]interface{}); ok {
		for _, p := range providers {
			prov, ok := p.(map[string]interface{})
			if !ok {
				continue
			}
			name, _ := prov["name"].(string)
			apiKey, _ := prov["apiKey"].(string)
			baseURL, _ := prov["baseURL"].(string)

			if name != "" && apiKey != "" {
				v.Set(fmt.Sprintf("providers.%s.api_key", name), apiKey)
			}
			if name != "" && baseURL != "" {
				v.Set(fmt.Sprintf("providers.%s.base_url", name), baseURL)
			}
		}
	}

	if model, ok := oc["model"].(string); ok && model != "" {
		v.Set("agent.runtime.model", model)
	}

	return nil
}
