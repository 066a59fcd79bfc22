package tool

import (
	"context"
	"fmt"
	"time"

	domaintool "github.com/ngoclaw/agentcore/internal/domain/tool"
	"github.com/ngoclaw/agentcore/internal/infrastructure/sandbox"
	"go.uber.org/zap"
)

// Executor adapts the named-tool Registry/Policy world to a flat
// map[string]interface{} call/result shape — used by code that predates
// the entity.ToolCall-keyed Router (e.g. a sub-agent's own inner loop).
// New dispatch paths should register a domaintool.Router Handler instead
// (see FunctionHandler).
type Executor struct {
	registry    domaintool.Registry
	policy      *domaintool.Policy
	sandbox     *sandbox.ProcessSandbox
	logger      *zap.Logger
	execContext domaintool.ExecutionContext
}

func NewExecutor(
	registry domaintool.Registry,
	policy *domaintool.Policy,
	sandbox *sandbox.ProcessSandbox,
	logger *zap.Logger,
) *Executor {
	return &Executor{
		registry:    registry,
		policy:      policy,
		sandbox:     sandbox,
		logger:      logger,
		execContext: domaintool.ExecContextSandbox,
	}
}

// ToolCall is the executor's own call shape — kept distinct from
// entity.ToolCall since this executor is a narrower, legacy adapter.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]interface{}
}

type ToolResult struct {
	ToolCallID string
	Output     string
	Success    bool
	Error      error
}

type ToolDef struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
}

func (e *Executor) Execute(ctx context.Context, call ToolCall) (*ToolResult, error) {
	startTime := time.Now()

	if !e.policy.IsAllowed(call.Name) {
		e.logger.Warn("tool execution denied by policy", zap.String("tool", call.Name))
		return &ToolResult{
			ToolCallID: call.ID,
			Output:     fmt.Sprintf("tool %q is not allowed by current policy", call.Name),
			Success:    false,
			Error:      fmt.Errorf("tool not allowed: %s", call.Name),
		}, nil
	}

	t, exists := e.registry.Get(call.Name)
	if !exists {
		e.logger.Warn("tool not found", zap.String("tool", call.Name))
		return &ToolResult{
			ToolCallID: call.ID,
			Output:     fmt.Sprintf("tool %q not found", call.Name),
			Success:    false,
			Error:      fmt.Errorf("tool not found: %s", call.Name),
		}, nil
	}

	e.logger.Info("executing tool",
		zap.String("tool", call.Name),
		zap.String("call_id", call.ID),
		zap.String("context", e.execContext.String()),
	)

	result, err := t.Execute(ctx, call.Arguments)
	duration := time.Since(startTime)

	if err != nil {
		e.logger.Error("tool execution error", zap.String("tool", call.Name), zap.Duration("duration", duration), zap.Error(err))
		return &ToolResult{ToolCallID: call.ID, Output: err.Error(), Success: false, Error: err}, nil
	}

	e.logger.Info("tool execution completed", zap.String("tool", call.Name), zap.Duration("duration", duration), zap.Bool("success", result.Success))
	return &ToolResult{ToolCallID: call.ID, Output: result.Output, Success: result.Success}, nil
}

func (e *Executor) GetToolDefs() []ToolDef {
	enforcer := domaintool.NewPolicyEnforcer(e.policy, e.registry)
	filtered := enforcer.FilteredList()

	defs := make([]ToolDef, len(filtered))
	for i, def := range filtered {
		defs[i] = ToolDef{Name: def.Name, Description: def.Description, Parameters: def.Parameters}
	}
	return defs
}

func (e *Executor) SetExecutionContext(ctx domaintool.ExecutionContext) {
	e.execContext = ctx
}

func (e *Executor) NeedsApproval() bool {
	return e.policy.AskMode
}
