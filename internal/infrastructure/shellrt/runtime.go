package shellrt

import (
	"context"
	"fmt"

	domaintool "github.com/ngoclaw/agentcore/internal/domain/tool"
	"github.com/ngoclaw/agentcore/internal/infrastructure/sandbox"
	"go.uber.org/zap"
)

// Runtime executes normalized shell invocations, either through a bound
// PTY bridge or a local process sandbox (spec §4.7.2). Callers (the
// local_shell tool Handler) are responsible for emitting
// ExecCommandBegin/End around the call — Runtime itself only runs the
// command.
type Runtime struct {
	sandbox     *sandbox.ProcessSandbox
	connections *ConnectionRegistry
	logger      *zap.Logger
}

func NewRuntime(sb *sandbox.ProcessSandbox, connections *ConnectionRegistry, logger *zap.Logger) *Runtime {
	return &Runtime{sandbox: sb, connections: connections, logger: logger}
}

// Execute runs a normalized command for the given conversation, routing
// through the external PTY bridge when one is bound for this
// conversation, otherwise through the local sandbox.
func (r *Runtime) Execute(ctx context.Context, conversationID string, norm *Normalized) (*domaintool.Result, error) {
	if norm.IsApplyPatch {
		return nil, fmt.Errorf("shellrt: apply_patch invocations must be routed to the patch runtime, not Execute")
	}

	if r.connections != nil && r.connections.IsBridged(conversationID) {
		return r.executeViaBridge(conversationID, norm)
	}
	return r.executeLocal(ctx, norm)
}

func (r *Runtime) executeViaBridge(conversationID string, norm *Normalized) (*domaintool.Result, error) {
	connID, _ := r.connections.ConnectionID(conversationID)
	bridge := r.connections.Bridge()

	command := norm.ShellCommand
	if command == "" {
		command = ShellQuoteJoin(norm.Argv)
	}

	resp, err := bridge.Send(BridgeRequest{
		Command:        command,
		Shell:          "bash",
		DisplayInPanel: true,
		ConnectionID:   connID,
	})
	if err != nil {
		if r.logger != nil {
			r.logger.Warn("pty bridge command failed", zap.String("conversation_id", conversationID), zap.Error(err))
		}
		return &domaintool.Result{Success: false, Error: err.Error()}, err
	}
	if resp.ActualConnectionID != "" && resp.ActualConnectionID != connID {
		r.connections.BindConnection(conversationID, resp.ActualConnectionID)
	}

	exitCode := 0
	if resp.ExitCode != nil {
		exitCode = *resp.ExitCode
	}
	return &domaintool.Result{
		Output:  resp.Output,
		Success: resp.ExitCode == nil || *resp.ExitCode == 0,
		Metadata: map[string]interface{}{
			"exit_code":  exitCode,
			"session_id": resp.SessionID,
			"panel_id":   resp.PanelID,
		},
	}, nil
}

func (r *Runtime) executeLocal(ctx context.Context, norm *Normalized) (*domaintool.Result, error) {
	var (
		result *sandbox.Result
		err    error
	)
	if norm.ShellCommand != "" {
		result, err = r.sandbox.ExecuteShell(ctx, norm.ShellCommand)
	} else if len(norm.Argv) > 0 {
		result, err = r.sandbox.Execute(ctx, norm.Argv[0], norm.Argv[1:])
	} else {
		return &domaintool.Result{Success: false, Error: "empty command"}, fmt.Errorf("empty command")
	}

	if result == nil {
		return &domaintool.Result{Success: false, Error: err.Error()}, err
	}

	output := result.Stdout
	if result.Stderr != "" {
		output += "\n[stderr]\n" + result.Stderr
	}
	res := &domaintool.Result{
		Output:  output,
		Success: err == nil && result.ExitCode == 0,
		Metadata: map[string]interface{}{
			"exit_code": result.ExitCode,
			"duration":  result.Duration.String(),
			"killed":    result.Killed,
		},
	}
	if err != nil {
		res.Error = err.Error()
	}
	return res, nil
}
