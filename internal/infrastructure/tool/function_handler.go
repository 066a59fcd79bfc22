package tool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ngoclaw/agentcore/internal/domain/entity"
	domaintool "github.com/ngoclaw/agentcore/internal/domain/tool"
	"go.uber.org/zap"
)

// FunctionHandler bridges the named-tool Registry/Policy world (Tool,
// Result, Policy) onto the entity.ToolCall-keyed domain/tool.Router. It
// is the Router's Handler for entity.PayloadFunction: the call's
// ToolName selects the registered Tool, and the call's raw JSON
// Arguments are decoded into the map the Tool.Execute signature expects.
type FunctionHandler struct {
	registry domaintool.Registry
	policy   *domaintool.Policy
	logger   *zap.Logger
}

func NewFunctionHandler(registry domaintool.Registry, policy *domaintool.Policy, logger *zap.Logger) *FunctionHandler {
	return &FunctionHandler{registry: registry, policy: policy, logger: logger}
}

func (h *FunctionHandler) SerialOnly() bool { return false }

func (h *FunctionHandler) Handle(ctx context.Context, call entity.ToolCall) (entity.ResponseItem, error) {
	if h.policy != nil && !h.policy.IsAllowed(call.ToolName) {
		return entity.NewFunctionCallOutput(call.CallID, fmt.Sprintf("tool %q is not allowed by current policy", call.ToolName)), nil
	}

	t, ok := h.registry.Get(call.ToolName)
	if !ok {
		return entity.NewFunctionCallOutput(call.CallID, fmt.Sprintf("tool %q not found", call.ToolName)), nil
	}

	var args map[string]interface{}
	if call.Payload.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Payload.Arguments), &args); err != nil {
			return entity.NewFunctionCallOutput(call.CallID, fmt.Sprintf("invalid arguments for %q: %v", call.ToolName, err)), nil
		}
	}

	h.logger.Debug("dispatching function call", zap.String("tool", call.ToolName), zap.String("call_id", call.CallID))

	result, err := t.Execute(ctx, args)
	if err != nil {
		h.logger.Warn("tool execution failed", zap.String("tool", call.ToolName), zap.Error(err))
		return entity.NewFunctionCallOutput(call.CallID, err.Error()), nil
	}
	return entity.NewFunctionCallOutput(call.CallID, result.Output), nil
}
