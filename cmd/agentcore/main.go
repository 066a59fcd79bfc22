package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ngoclaw/agentcore/internal/application"
	"github.com/ngoclaw/agentcore/internal/domain/entity"
	"github.com/ngoclaw/agentcore/internal/domain/service"
	domaintool "github.com/ngoclaw/agentcore/internal/domain/tool"
	"github.com/ngoclaw/agentcore/internal/infrastructure/config"
	"github.com/ngoclaw/agentcore/internal/infrastructure/llm"
	"github.com/ngoclaw/agentcore/internal/infrastructure/logger"
	"github.com/ngoclaw/agentcore/internal/infrastructure/sandbox"
	"github.com/ngoclaw/agentcore/internal/infrastructure/shellrt"
	infratool "github.com/ngoclaw/agentcore/internal/infrastructure/tool"
	"github.com/ngoclaw/agentcore/internal/interfaces/gateway"
)

const (
	appName    = "agentcore"
	appVersion = "0.3.0"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   appName + " [message]",
		Short: "agentcore — terminal coding agent",
		Args:  cobra.ArbitraryArgs,
		RunE:  runTurn,
	}

	rootCmd.Flags().StringP("model", "m", "", "model override")
	rootCmd.Flags().BoolP("no-approve", "y", false, "skip tool approval prompts")
	rootCmd.Flags().StringP("workspace", "w", "", "workspace directory")
	rootCmd.Flags().String("resume", "", "resume an existing conversation by id")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s v%s\n", appName, appVersion)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "doctor",
		Short: "diagnose the local environment",
		RunE:  runDoctor,
	})

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "run the WebSocket gateway (multiple concurrent conversations)",
		RunE:  runServe,
	}
	serveCmd.Flags().String("addr", "", "listen address, overrides gateway.host:gateway.port from config")
	serveCmd.Flags().StringP("workspace", "w", "", "workspace directory")
	rootCmd.AddCommand(serveCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// infraBundle holds everything both entry points (single-turn CLI, serve
// gateway) need to construct an application.Manager: it differs between
// them only in ApprovalFn (a blocking stdin prompt for the CLI, a
// WebSocket round-trip for the gateway) and in how many conversations get
// built on top of it.
type infraBundle struct {
	cfg         *config.Config
	cfgWatcher  *config.Watcher
	log         *zap.Logger
	router      *llm.Router
	planStore   *infratool.PlanStore
	connections *shellrt.ConnectionRegistry
	loopCfg     service.TurnLoopConfig
	toolRouter  *domaintool.Router
}

// buildInfra wires the provider router, sandbox, tool registry, and Turn
// Loop config template from config.yaml — everything process-wide and
// shared across every conversation an application.Manager built on top of
// it will create (spec §4.13: one set of infrastructure, many
// conversations). approvalFn plugs in the one piece that differs by
// entry point.
func buildInfra(log *zap.Logger, workspace string, noApprove bool, approvalFn shellrt.ApprovalFunc) (*infraBundle, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	var cfgWatcher *config.Watcher
	if configPath := globalConfigPath(); configPath != "" {
		cfgWatcher, err = config.NewWatcher(configPath, func(reloaded *config.Config) {
			log.Info("provider/model policy reloaded", zap.Strings("fallback_models", reloaded.Agent.FallbackModels))
		}, log)
		if err != nil {
			log.Warn("config watcher init failed", zap.Error(err))
		}
	}

	router := llm.NewRouter(log)
	for _, p := range cfg.Agent.Providers {
		ep, err := llm.NewEndpoint(llm.EndpointConfig{
			Name: p.Name, BaseURL: p.BaseURL, APIKey: p.APIKey, Models: p.Models, Priority: p.Priority,
		}, log)
		if err != nil {
			log.Warn("skipping provider", zap.String("provider", p.Name), zap.Error(err))
			continue
		}
		router.AddEndpoint(ep)
	}

	sbCfg := sandbox.DefaultConfig()
	sbCfg.WorkDir = workspace
	sbCfg.EnableNetwork = cfg.Agent.Sandbox.NetworkAllowed
	sb, err := sandbox.NewProcessSandbox(sbCfg, log)
	if err != nil {
		return nil, fmt.Errorf("sandbox init: %w", err)
	}

	registry := domaintool.NewInMemoryRegistry()
	policy := &domaintool.Policy{
		AllowList: cfg.Agent.Security.TrustedTools,
		DenyList:  cfg.Agent.Security.DangerousTools,
		AskMode:   cfg.Agent.AskMode && !noApprove,
	}
	planStore := infratool.NewPlanStore()

	connections := shellrt.NewConnectionRegistry()
	approvalMode := cfg.Agent.Security.ApprovalMode
	if noApprove {
		approvalMode = "auto"
	}
	toolRouter, registered := infratool.RegisterAllTools(infratool.ToolLayerDeps{
		Registry:         registry,
		Policy:           policy,
		Logger:           log,
		Sandbox:          sb,
		SandboxCfg:       sbCfg,
		PlanStore:        planStore,
		Connections:      connections,
		ApprovalMode:     approvalMode,
		RetryUnsandboxed: cfg.Agent.Sandbox.RetryUnsandboxed,
		ApprovalFn:       approvalFn,
	})
	log.Debug("tools registered", zap.Int("count", registered))

	loopCfg := service.DefaultTurnLoopConfig()
	loopCfg.Model = cfg.Agent.DefaultModel
	if cfg.Agent.Runtime.MaxRetries > 0 {
		loopCfg.MaxRetries = cfg.Agent.Runtime.MaxRetries
	}
	if cfg.Agent.Runtime.RetryBaseWait > 0 {
		loopCfg.RetryBaseWait = cfg.Agent.Runtime.RetryBaseWait
	}
	if cfg.Agent.Guardrails.ContextMaxTokens > 0 {
		loopCfg.ContextMaxTokens = cfg.Agent.Guardrails.ContextMaxTokens
	}
	if cfg.Agent.Compaction.KeepRecent > 0 {
		loopCfg.CompactKeepLast = cfg.Agent.Compaction.KeepRecent
	}
	loopCfg.ParallelToolCalls = cfg.Agent.Runtime.ConcurrentTools
	loopCfg.MaxTokenBudget = cfg.Agent.Runtime.MaxTokenBudget

	return &infraBundle{
		cfg: cfg, cfgWatcher: cfgWatcher, log: log, router: router,
		planStore: planStore, connections: connections, loopCfg: loopCfg, toolRouter: toolRouter,
	}, nil
}

func (b *infraBundle) newManager() (*application.Manager, error) {
	return application.NewManager(application.ConversationManagerDeps{
		Router:      b.router,
		Tools:       b.toolRouter,
		Plan:        b.planStore,
		LoopConfig:  b.loopCfg,
		Logger:      b.log,
		StateDir:    rolloutStateDir(),
		Connections: b.connections,
	})
}

// runTurn boots the turn-execution engine and runs exactly one Turn Loop
// to completion against the trailing CLI args, printing the event stream
// to stdout as it arrives.
func runTurn(cmd *cobra.Command, args []string) error {
	log, err := logger.NewLogger(logger.Config{Level: "warn", Format: "console", OutputPath: "stderr"})
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer log.Sync()

	workspace, _ := os.Getwd()
	if w, _ := cmd.Flags().GetString("workspace"); w != "" {
		workspace = w
	}
	noApprove, _ := cmd.Flags().GetBool("no-approve")

	infra, err := buildInfra(log, workspace, noApprove, terminalApprovalFunc)
	if err != nil {
		return err
	}
	if m, _ := cmd.Flags().GetString("model"); m != "" {
		infra.cfg.Agent.DefaultModel = m
		infra.loopCfg.Model = m
	}

	convManager, err := infra.newManager()
	if err != nil {
		return fmt.Errorf("conversation manager init: %w", err)
	}
	defer convManager.Close()

	var conv *application.Conversation
	if resumeID, _ := cmd.Flags().GetString("resume"); resumeID != "" {
		conv, err = convManager.Resume(resumeID)
	} else {
		conv, err = convManager.Create(infra.cfg.Agent.DefaultModel, workspace)
	}
	if err != nil {
		return fmt.Errorf("conversation init: %w", err)
	}
	log.Info("conversation ready", zap.String("conversation_id", conv.ID))

	userText := strings.Join(args, " ")
	if userText == "" {
		return fmt.Errorf("usage: %s <message>", appName)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if infra.cfgWatcher != nil {
		if err := infra.cfgWatcher.StartWatching(ctx); err != nil {
			log.Warn("config watcher failed to start", zap.Error(err))
		}
		defer infra.cfgWatcher.Close()
	}

	return printEvents(convManager.Submit(ctx, conv, userText))
}

// runServe boots the same turn-execution engine as runTurn but exposes it
// over a WebSocket gateway instead of running a single turn: many clients
// can each bind their own conversation and drive it concurrently (spec
// §4.13's Conversation Manager already supports this; serve is only the
// outer transport).
func runServe(cmd *cobra.Command, args []string) error {
	log, err := logger.NewLogger(logger.Config{Level: "info", Format: "console", OutputPath: "stderr"})
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer log.Sync()

	workspace, _ := os.Getwd()
	if w, _ := cmd.Flags().GetString("workspace"); w != "" {
		workspace = w
	}

	approvals := gateway.NewPendingApprovals()
	infra, err := buildInfra(log, workspace, false, approvals.ApprovalFunc)
	if err != nil {
		return err
	}

	convManager, err := infra.newManager()
	if err != nil {
		return fmt.Errorf("conversation manager init: %w", err)
	}
	defer convManager.Close()

	addr, _ := cmd.Flags().GetString("addr")
	if addr == "" {
		host := infra.cfg.Gateway.Host
		if host == "" {
			host = "127.0.0.1"
		}
		port := infra.cfg.Gateway.Port
		if port == 0 {
			port = 8787
		}
		addr = fmt.Sprintf("%s:%d", host, port)
	}

	srv := gateway.NewServer(convManager, approvals, addr, log)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if infra.cfgWatcher != nil {
		if err := infra.cfgWatcher.StartWatching(ctx); err != nil {
			log.Warn("config watcher failed to start", zap.Error(err))
		}
		defer infra.cfgWatcher.Close()
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shCancel()
		return srv.Shutdown(shCtx)
	case err := <-errCh:
		cancel()
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

// globalConfigPath returns the global config file path watched for live
// reloads of the provider/model policy layer, or "" if HOME is unset.
func globalConfigPath() string {
	home := os.Getenv("HOME")
	if home == "" {
		return ""
	}
	return filepath.Join(home, "."+appName, "config.yaml")
}

// rolloutStateDir returns the directory rollouts and the fork index live
// under: $XDG_STATE_HOME/agentcore if set, else ~/.agentcore.
func rolloutStateDir() string {
	if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
		return filepath.Join(xdg, appName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "." + appName
	}
	return filepath.Join(home, "."+appName)
}

// terminalApprovalFunc blocks on a stdin y/n prompt for one exec request.
// It is the CLI's only approval surface; a future `serve` subcommand will
// route ApprovalRequest over the session's event stream instead.
func terminalApprovalFunc(ctx context.Context, req entity.ApprovalRequest) (bool, error) {
	fmt.Fprintf(os.Stderr, "\napprove command in %s? %s [y/N] ", req.Cwd, strings.Join(req.Command, " "))
	if req.Reason != "" {
		fmt.Fprintf(os.Stderr, "(%s) ", req.Reason)
	}
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false, nil
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}

func printEvents(events <-chan entity.EventMsg) error {
	for ev := range events {
		switch ev.Kind {
		case entity.EventMsgAgentMessageDelta:
			fmt.Print(ev.Text)
		case entity.EventMsgAgentMessage:
			fmt.Println()
		case entity.EventMsgExecCommandBegin:
			fmt.Printf("\n$ %s\n", strings.Join(ev.Command, " "))
		case entity.EventMsgPlanUpdate:
			if ev.Plan != nil {
				fmt.Printf("\n[plan] %d step(s)\n", len(ev.Plan.Steps))
			}
		case entity.EventMsgTokenCount:
			if ev.Usage != nil {
				fmt.Fprintf(os.Stderr, "[tokens: %d]\n", ev.Usage.TotalTokens)
			}
		case entity.EventMsgTaskComplete:
			fmt.Println()
			return nil
		case entity.EventMsgError:
			fmt.Fprintf(os.Stderr, "\nerror: %s\n", ev.Error)
			return fmt.Errorf("turn failed: %s", ev.Error)
		}
	}
	return nil
}

func runDoctor(cmd *cobra.Command, args []string) error {
	fmt.Printf("agentcore doctor v%s\n\n", appVersion)

	checks := []struct {
		name  string
		check func() (string, bool)
	}{
		{"config file", checkConfig},
		{"go toolchain", checkGo},
	}

	allOK := true
	for _, c := range checks {
		val, ok := c.check()
		icon := "\033[92m✓\033[0m"
		if !ok {
			icon = "\033[91m✗\033[0m"
			allOK = false
		}
		fmt.Printf("  %s %s: %s\n", icon, c.name, val)
	}

	fmt.Println()
	if allOK {
		fmt.Println("all checks passed")
	} else {
		fmt.Println("some checks failed, see above")
	}
	return nil
}

func checkConfig() (string, bool) {
	path := os.Getenv("HOME") + "/.agentcore/config.yaml"
	if _, err := os.Stat(path); err == nil {
		return path, true
	}
	return "not found at ~/.agentcore/config.yaml", false
}

func checkGo() (string, bool) {
	for _, p := range []string{"/usr/local/go/bin/go", "/usr/bin/go", "/usr/lib/go/bin/go"} {
		if _, err := os.Stat(p); err == nil {
			return "installed", true
		}
	}
	return "not found", false
}
