package application

import (
	"context"
	"fmt"

	domaintool "github.com/ngoclaw/agentcore/internal/domain/tool"
)

// toolBridge adapts a domaintool.Registry to the narrow by-name execution
// surface a sub-agent's own inner loop needs, independent of the
// entity.ToolCall-keyed Router the top-level Turn Loop dispatches through.
type toolBridge struct {
	registry domaintool.Registry
}

func (b *toolBridge) Execute(ctx context.Context, name string, args map[string]interface{}) (*domaintool.Result, error) {
	tool, ok := b.registry.Get(name)
	if !ok {
		return &domaintool.Result{
			Output:  fmt.Sprintf("Tool '%s' not found", name),
			Success: false,
			Error:   fmt.Sprintf("tool '%s' not registered", name),
		}, nil
	}
	return tool.Execute(ctx, args)
}

func (b *toolBridge) GetDefinitions() []domaintool.Definition {
	return b.registry.List()
}

func (b *toolBridge) GetToolKind(name string) domaintool.Kind {
	tool, ok := b.registry.Get(name)
	if !ok {
		return domaintool.KindExecute
	}
	return tool.Kind()
}
