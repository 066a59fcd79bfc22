package config

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// AppName is the canonical application name
const AppName = "agentcore"

// WorkspaceDirName is the directory name used for workspace-level config.
// Place .agentcore/ in a project root for project-specific overrides.
const WorkspaceDirName = "." + AppName

// HomeDir returns the user's agentcore configuration home: ~/.agentcore
func HomeDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "."+AppName)
}

// Bootstrap ensures the ~/.agentcore directory exists with all default content.
// Called once at startup. Safe to call multiple times — only creates missing items.
func Bootstrap(logger *zap.Logger) error {
	root := HomeDir()

	// Directory tree
	dirs := []string{
		root,
		filepath.Join(root, "prompts"),
		filepath.Join(root, "prompts", "variants"),
		filepath.Join(root, "rollouts"),
		filepath.Join(root, "logs"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create dir %s: %w", dir, err)
		}
	}

	// Default files — only written if they don't already exist (never overwrite user edits)
	defaults := map[string]string{
		filepath.Join(root, "config.yaml"):                        defaultConfig,
		filepath.Join(root, "soul.md"):                            defaultSoul,
		filepath.Join(root, "prompts", "rules.md"):                 defaultRules,
		filepath.Join(root, "prompts", "capabilities.md"):          defaultCapabilities,
		filepath.Join(root, "prompts", "coding.md"):                defaultCoding,
		filepath.Join(root, "prompts", "variants", "qwen.md"):      defaultVariantQwen,
		filepath.Join(root, "prompts", "variants", "default.md"):   defaultVariantDefault,
	}

	created := 0
	for path, content := range defaults {
		if _, err := os.Stat(path); err == nil {
			continue // Already exists, skip
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			logger.Warn("Failed to write default file", zap.String("path", path), zap.Error(err))
			continue
		}
		created++
	}

	if created > 0 {
		logger.Info("agentcore bootstrap complete",
			zap.String("home", root),
			zap.Int("files_created", created),
		)
	} else {
		logger.Debug("agentcore home directory OK", zap.String("home", root))
	}

	return nil
}

// ──────────────────────────────────────────────────────────────
// Embedded default file contents
// ──────────────────────────────────────────────────────────────

const defaultConfig = `# ═══════════════════════════════════════════════════════════════
# agentcore configuration
# Auto-generated on first launch — feel free to edit.
# ═══════════════════════════════════════════════════════════════

# ─── Gateway Server ───────────────────────────────────────────
# HTTP/WebSocket API server settings.
gateway:
  host: 0.0.0.0
  port: 18790
  mode: local                  # local | production

# ─── Database ─────────────────────────────────────────────────
# Rollout index storage (conversation metadata, fork lookups).
database:
  type: sqlite                 # sqlite | postgres
  dsn: agentcore.db            # file path (sqlite) or connection string (postgres)

# ─── Logging ──────────────────────────────────────────────────
log:
  level: info                  # debug | info | warn | error
  format: console               # console | json

# ─── Agent Core ───────────────────────────────────────────────
# Turn-execution engine defaults; seed values for a new conversation's
# SessionConfiguration.
agent:
  default_model: ""            # e.g. "openai/gpt-4o"
  workspace: ""                # default workspace dir (empty = current dir)
  max_iterations: 50           # max turn loop steps before forced stop

  # ─── LLM Providers ──────────────────────────────────────────
  # Add one or more providers. Lower priority = preferred.
  providers: []
  # Example:
  # providers:
  #   - name: openai
  #     base_url: "https://api.openai.com/v1"
  #     api_key: "sk-..."
  #     models:
  #       - "openai/gpt-4o"
  #       - "openai/gpt-4o-mini"
  #     priority: 1
  #
  #   - name: anthropic
  #     base_url: "https://api.anthropic.com/v1"
  #     api_key: "sk-ant-..."
  #     models:
  #       - "anthropic/claude-sonnet-4-20250514"
  #     priority: 2

  # ─── Runtime Limits ─────────────────────────────────────────
  runtime:
    tool_timeout: 60s
    run_timeout: 10m
    sub_agent_timeout: 3m
    sub_agent_max_steps: 25
    max_token_budget: 180000
    concurrent_tools: true
    max_retries: 3
    retry_base_wait: 2s

  # ─── Guardrails ─────────────────────────────────────────────
  # Context window management and loop detection.
  guardrails:
    context_max_tokens: 180000
    context_warn_ratio: 0.7
    context_hard_ratio: 0.85
    loop_detect_threshold: 5

  # ─── Sandbox ────────────────────────────────────────────────
  # Process sandbox tool calls execute under (spec §4.7).
  sandbox:
    enabled: true
    network_allowed: false
    retry_unsandboxed: true

  # ─── Context Compaction ─────────────────────────────────────
  compaction:
    message_threshold: 30
    keep_recent: 10
    summary_max_tokens: 1000
`

const defaultSoul = `You are agentcore, an autonomous coding agent with deep expertise across software engineering, debugging, and terminal workflows.

## Core Identity

- You are direct, precise, and action-oriented
- You execute tasks autonomously — act first, explain briefly after
- You never fabricate libraries, APIs, data, or capabilities that don't exist
- When uncertain, you say so clearly rather than guessing

## Behavioral Principles

- Think step-by-step before taking complex actions
- Use available tools proactively to gather information before making decisions
- When a task requires multiple steps, plan internally then execute sequentially
- Verify your work after making changes (check build, test, validate)
- If you encounter an error, analyze the root cause before retrying

## Communication Style

- Respond in the same language the user uses
- Be concise — avoid unnecessary pleasantries or filler
- Use technical precision in code-related discussions
- Format responses with markdown for readability

## Safety Boundaries

- Never execute destructive operations without explicit user confirmation
- Do not access or expose sensitive credentials
- Respect file system boundaries — stay within the workspace
`

const defaultRules = `---
name: rules
priority: 10
---
## Operating Rules

- Your current working directory is the user's workspace. Do not assume files exist without checking.
- When executing shell commands, consider the user's OS and environment.
- After making code changes, verify by running relevant build/lint/test commands when available.
- When modifying files, read the current content first to understand context.
- Do not generate placeholder, mock, or stub code — produce complete, working implementations.
- When multiple approaches exist, choose the one that best fits the existing codebase patterns.
- If a tool call fails, analyze the error and retry with corrected parameters rather than giving up.
- Use the most specific tool available for each task — avoid shell commands when a dedicated tool exists.
- Present results concisely — avoid restating what was already shown in tool outputs.
`

const defaultCapabilities = `---
name: capabilities
priority: 20
---
## Your Capabilities

You have access to a dynamic set of tools that may include:

- **Code tools**: Read, write, edit, and search files in the workspace
- **Shell execution**: Run commands through the sandboxed shell runtime
- **Patch application**: Apply structured multi-file patches
- **Web fetch**: Retrieve page content
- **Plan tracking**: Maintain a step-by-step task plan for long-running work
- **MCP servers**: Connect to external tools via Model Context Protocol

The exact tools available change based on the current configuration. Use only the tools currently provided to you. If a needed capability is not available, inform the user.
`

const defaultCoding = `---
name: coding
priority: 30
requires:
  intent: [coding]
---
## Coding Standards

- Follow DDD and SOLID principles
- Write production-grade code: no TODOs, no stubs, no mock data
- Keep files focused: components < 500 lines, scripts < 2000 lines
- Match the existing codebase's style, naming conventions, and patterns
- Include proper error handling — never swallow errors silently
- Write meaningful comments for non-obvious logic, not for self-evident code
`

const defaultVariantQwen = `---
name: qwen_variant
priority: 5
---
## Model-Specific Instructions

When making tool calls, ensure JSON arguments are properly formatted. Use the exact parameter names defined in tool schemas. When thinking through a problem, use your reasoning capabilities but keep the final response focused and actionable.
`

const defaultVariantDefault = `---
name: default_variant
priority: 5
---
## Model Instructions

Follow tool call schemas exactly. Provide structured JSON arguments for all tool calls. Think step-by-step for complex tasks.
`
