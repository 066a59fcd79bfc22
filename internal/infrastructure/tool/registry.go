package tool

import (
	"context"

	domaincontext "github.com/ngoclaw/agentcore/internal/domain/context"
	"github.com/ngoclaw/agentcore/internal/domain/entity"
	domaintool "github.com/ngoclaw/agentcore/internal/domain/tool"
	"github.com/ngoclaw/agentcore/internal/infrastructure/patch"
	"github.com/ngoclaw/agentcore/internal/infrastructure/sandbox"
	"github.com/ngoclaw/agentcore/internal/infrastructure/shellrt"
	"go.uber.org/zap"
)

// ToolLayerDeps aggregates the dependencies needed to build one
// conversation's tool layer: the registry every named tool lives in, the
// sandbox they execute through, and (optionally) an MCP manager for
// dynamically-discovered remote tools.
type ToolLayerDeps struct {
	Registry    domaintool.Registry
	Policy      *domaintool.Policy
	Logger      *zap.Logger
	Sandbox     *sandbox.ProcessSandbox // nil = tools run unsandboxed
	SandboxCfg  *sandbox.Config
	PlanStore   *PlanStore
	MCPManager  *MCPManager                 // nil = no MCP support
	Connections *shellrt.ConnectionRegistry // nil = every conversation runs local

	// Approval & Sandbox Flow (spec §4.8) / Patch Runtime (spec §4.9)
	ApprovalMode     string // "auto" | "ask_dangerous" | "ask_all"
	RetryUnsandboxed bool
	ApprovalFn       func(ctx context.Context, req entity.ApprovalRequest) (bool, error)
}

// RegisterAllTools registers every built-in named tool plus any
// dynamically-discovered MCP tools, then returns a Router wired with a
// FunctionHandler so entity.ToolCall dispatch (the Turn Loop's
// ToolDispatcher) can reach them (spec §4.6).
func RegisterAllTools(deps ToolLayerDeps) (*domaintool.Router, int) {
	tools := []domaintool.Tool{
		NewBashTool(deps.Sandbox, deps.Logger),
		NewReadFileTool(deps.Sandbox, deps.Logger),
		NewWriteFileTool(deps.Sandbox, deps.Logger),
		NewEditFileTool(deps.Sandbox, deps.Logger),
		NewListDirTool(deps.Sandbox, deps.Logger),
		NewSearchTool(deps.Sandbox, deps.Logger),
		NewGlobTool(deps.Sandbox, deps.Logger),
		NewApplyPatchTool(deps.Sandbox, deps.Logger),
		NewWebFetchTool(deps.Sandbox, deps.Logger),
	}

	if deps.PlanStore != nil {
		tools = append(tools, NewUpdatePlanTool(deps.PlanStore, deps.Logger))
	}

	registered := 0
	for _, t := range tools {
		if err := deps.Registry.Register(t); err != nil {
			deps.Logger.Warn("failed to register tool", zap.String("tool", t.Name()), zap.Error(err))
			continue
		}
		deps.Logger.Info("registered tool", zap.String("tool", t.Name()))
		registered++
	}

	if deps.MCPManager != nil {
		deps.MCPManager.InitFromConfig()
	}

	router := domaintool.NewRouter()
	router.RegisterHandler(entity.PayloadFunction, NewFunctionHandler(deps.Registry, deps.Policy, deps.Logger))

	shellRuntime := shellrt.NewRuntime(deps.Sandbox, deps.Connections, deps.Logger)
	approvalCache := shellrt.NewApprovalCache()
	orchestrator := shellrt.NewOrchestrator(shellRuntime, approvalCache, deps.Policy, deps.ApprovalMode, deps.RetryUnsandboxed, deps.ApprovalFn, deps.Logger)
	patchRuntime := patch.NewRuntime(deps.ApprovalFn, deps.Logger)
	router.RegisterHandler(entity.PayloadLocalShell, NewLocalShellHandler(orchestrator, patchRuntime, deps.Logger))

	tokenizer := domaincontext.NewSimpleTokenizer()
	sessions := shellrt.NewSessionTable(deps.SandboxCfg, tokenizer, deps.Logger)
	router.RegisterHandler(entity.PayloadUnifiedExec, NewUnifiedExecHandler(sessions, deps.Logger))

	deps.Logger.Info("tool layer initialized", zap.Int("total_registered", registered))
	return router, registered
}
