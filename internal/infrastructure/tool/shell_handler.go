package tool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ngoclaw/agentcore/internal/domain/entity"
	"github.com/ngoclaw/agentcore/internal/infrastructure/patch"
	"github.com/ngoclaw/agentcore/internal/infrastructure/shellrt"
	"go.uber.org/zap"
)

// LocalShellHandler is the Router's Handler for entity.PayloadLocalShell:
// it runs the argv-repair pipeline (heredoc/quoted-redirect repair, the
// array-then-shell test) on the call's structured ShellAction and hands
// the result to the Approval & Sandbox Orchestrator (spec §4.7, §4.8).
type LocalShellHandler struct {
	orchestrator *shellrt.Orchestrator
	patches      *patch.Runtime
	logger       *zap.Logger
}

func NewLocalShellHandler(orchestrator *shellrt.Orchestrator, patches *patch.Runtime, logger *zap.Logger) *LocalShellHandler {
	return &LocalShellHandler{orchestrator: orchestrator, patches: patches, logger: logger}
}

// SerialOnly is true: shell invocations share one sandbox working
// directory, so two at once would race on `cd`/SetWorkDir.
func (h *LocalShellHandler) SerialOnly() bool { return true }

func (h *LocalShellHandler) Handle(ctx context.Context, call entity.ToolCall) (entity.ResponseItem, error) {
	argv := call.Payload.ShellAction.Command
	if len(argv) == 0 {
		return entity.NewFunctionCallOutput(call.CallID, "empty shell command"), nil
	}

	norm := repairStructuredArgv(argv)
	conversationID, _ := entity.ConversationIDFromContext(ctx)

	if norm.IsApplyPatch {
		return h.handleApplyPatch(ctx, conversationID, call, norm.ApplyPatchBody)
	}

	entity.EmitEvent(ctx, entity.EventMsg{Kind: entity.EventMsgExecCommandBegin, CallID: call.CallID, Command: norm.Argv})

	cwd := call.Payload.ShellAction.Workdir
	result, err := h.orchestrator.Execute(ctx, conversationID, call.CallID, norm, cwd, false, "local_shell tool call")
	exitCode := 0
	if result != nil && result.Metadata != nil {
		if ec, ok := result.Metadata["exit_code"].(int); ok {
			exitCode = ec
		}
	}
	entity.EmitEvent(ctx, entity.EventMsg{Kind: entity.EventMsgExecCommandEnd, CallID: call.CallID, ExitCode: &exitCode})

	if err != nil {
		h.logger.Warn("local_shell execution failed", zap.String("call_id", call.CallID), zap.Error(err))
	}
	if result == nil {
		return entity.NewFunctionCallOutput(call.CallID, errString(err)), nil
	}
	return entity.NewFunctionCallOutput(call.CallID, result.DisplayOrOutput()), nil
}

// handleApplyPatch runs a diverted apply_patch body through the Patch
// Runtime: parse, explicit approval, apply, aggregate into the
// conversation's TurnDiffTracker (spec §4.9).
func (h *LocalShellHandler) handleApplyPatch(ctx context.Context, conversationID string, call entity.ToolCall, body string) (entity.ResponseItem, error) {
	cwd := call.Payload.ShellAction.Workdir

	entity.EmitEvent(ctx, entity.EventMsg{Kind: entity.EventMsgPatchApplyBegin, CallID: call.CallID})
	diffs, err := h.patches.Apply(ctx, conversationID, call.CallID, body, cwd)
	var summary string
	for _, d := range diffs {
		summary += string(d.Kind) + " " + d.Path + "\n"
	}
	entity.EmitEvent(ctx, entity.EventMsg{Kind: entity.EventMsgPatchApplyEnd, CallID: call.CallID, Text: summary})

	if err != nil {
		h.logger.Warn("apply_patch failed", zap.String("call_id", call.CallID), zap.Error(err))
		return entity.NewFunctionCallOutput(call.CallID, "apply_patch failed: "+err.Error()), nil
	}
	if summary == "" {
		summary = "patch applied with no file changes"
	}
	return entity.NewFunctionCallOutput(call.CallID, summary), nil
}

// repairStructuredArgv runs the post-JSON-rehydration stages of the
// argv-repair pipeline (steps 2-5) against an argv that arrived as a
// real array already (the wire decoder parsed the tool call's JSON).
func repairStructuredArgv(argv []string) *shellrt.Normalized {
	if body, ok := shellrt.InterceptApplyPatch(argv); ok {
		return &shellrt.Normalized{Argv: argv, IsApplyPatch: true, ApplyPatchBody: body}
	}
	if cmd, ok := shellrt.ReconstructHeredoc(argv); ok {
		return &shellrt.Normalized{Argv: argv, ShellCommand: cmd, NeedsShell: true}
	}
	argv = shellrt.RepairQuotedRedirect(argv)
	if shellrt.NeedsShell(argv) {
		if len(argv) == 1 {
			return &shellrt.Normalized{Argv: argv, ShellCommand: argv[0], NeedsShell: true}
		}
		return &shellrt.Normalized{Argv: argv, ShellCommand: shellrt.ShellQuoteJoin(argv), NeedsShell: true}
	}
	return &shellrt.Normalized{Argv: argv}
}

func errString(err error) string {
	if err == nil {
		return "shell execution failed"
	}
	return err.Error()
}

// UnifiedExecHandler is the Router's Handler for entity.PayloadUnifiedExec:
// persistent exec_command/write_stdin sessions (spec §4.7.3).
type UnifiedExecHandler struct {
	sessions *shellrt.SessionTable
	logger   *zap.Logger
}

func NewUnifiedExecHandler(sessions *shellrt.SessionTable, logger *zap.Logger) *UnifiedExecHandler {
	return &UnifiedExecHandler{sessions: sessions, logger: logger}
}

// SerialOnly is false: distinct sessions are independent, and the session
// table itself is internally synchronized.
func (h *UnifiedExecHandler) SerialOnly() bool { return false }

type unifiedExecArgs struct {
	SessionID       string `json:"session_id"`
	Command         string `json:"command"`
	Input           string `json:"input"`
	YieldTimeMs     int    `json:"yield_time_ms"`
	MaxOutputTokens int    `json:"max_output_tokens"`
}

func (h *UnifiedExecHandler) Handle(ctx context.Context, call entity.ToolCall) (entity.ResponseItem, error) {
	var args unifiedExecArgs
	if call.Payload.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Payload.Arguments), &args); err != nil {
			return entity.NewFunctionCallOutput(call.CallID, fmt.Sprintf("invalid unified_exec arguments: %v", err)), nil
		}
	}

	var (
		result *shellrt.ExecResult
		err    error
	)
	if args.Input != "" && args.SessionID != "" {
		result, err = h.sessions.WriteStdin(args.SessionID, args.Input, args.YieldTimeMs, args.MaxOutputTokens)
	} else {
		result, err = h.sessions.ExecCommand(ctx, args.SessionID, args.Command, args.YieldTimeMs, args.MaxOutputTokens)
	}

	if err == shellrt.ErrUnknownSession {
		return entity.NewFunctionCallOutput(call.CallID, "UnknownSessionId"), nil
	}
	if err != nil {
		h.logger.Warn("unified_exec failed", zap.String("call_id", call.CallID), zap.Error(err))
		return entity.NewFunctionCallOutput(call.CallID, err.Error()), nil
	}

	if result.Warning != "" {
		h.logger.Warn(result.Warning)
	}

	output := result.Output
	if result.ExitCode != nil {
		output += fmt.Sprintf("\n[session %s exited with code %d]", result.SessionID, *result.ExitCode)
		entity.EmitEvent(ctx, entity.EventMsg{Kind: entity.EventMsgExecCommandEnd, CallID: call.CallID, ExitCode: result.ExitCode})
	}
	return entity.NewFunctionCallOutput(call.CallID, output), nil
}
