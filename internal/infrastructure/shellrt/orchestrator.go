package shellrt

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/ngoclaw/agentcore/internal/domain/entity"
	domaintool "github.com/ngoclaw/agentcore/internal/domain/tool"
	"go.uber.org/zap"
)

// knownSafeCommands are pure-read invocations that bypass approval and
// sandbox selection entirely (spec §4.8: "Known safe commands bypass the
// sandbox selection entirely"). Deliberately narrow: anything that could
// write, delete, or reach the network is left to the normal flow.
var knownSafeCommands = map[string]bool{
	"ls": true, "cat": true, "pwd": true, "echo": true,
	"true": true, "false": true, "whoami": true, "date": true,
	"head": true, "tail": true, "wc": true, "env": true, "printf": true,
}

// ApprovalFunc prompts the user (or an automated approval surface) for
// one exec request and blocks until it answers.
type ApprovalFunc func(ctx context.Context, req entity.ApprovalRequest) (approved bool, err error)

type classifyKind int

const (
	classifyAutoApprove classifyKind = iota
	classifySkipBypassSandbox
	classifyRequireApproval
)

// Orchestrator is the Approval & Sandbox Flow state machine for one tool
// invocation (spec §4.8): classify → approval (cache or prompt) →
// sandbox select → execute, with one unsandboxed retry on a detected
// sandbox denial.
type Orchestrator struct {
	runtime      *Runtime
	cache        *ApprovalCache
	policy       *domaintool.Policy
	approvalMode string // "auto" | "ask_dangerous" | "ask_all", from config.SecurityConfig
	retryAllowed bool
	approvalFn   ApprovalFunc
	logger       *zap.Logger
}

func NewOrchestrator(runtime *Runtime, cache *ApprovalCache, policy *domaintool.Policy, approvalMode string, retryAllowed bool, approvalFn ApprovalFunc, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		runtime:      runtime,
		cache:        cache,
		policy:       policy,
		approvalMode: approvalMode,
		retryAllowed: retryAllowed,
		approvalFn:   approvalFn,
		logger:       logger,
	}
}

func (o *Orchestrator) classify(norm *Normalized, escalated bool) classifyKind {
	if !escalated && isKnownSafe(norm) {
		return classifySkipBypassSandbox
	}
	if o.policy == nil || !o.policy.AskMode {
		return classifyAutoApprove
	}
	return classifyRequireApproval
}

func isKnownSafe(norm *Normalized) bool {
	if norm.NeedsShell || len(norm.Argv) == 0 {
		return false
	}
	return knownSafeCommands[filepath.Base(norm.Argv[0])]
}

// Execute runs norm through the full approval/sandbox flow for one
// conversation/call.
func (o *Orchestrator) Execute(ctx context.Context, conversationID, callID string, norm *Normalized, cwd string, escalated bool, reason string) (*domaintool.Result, error) {
	// "Escalated-permission requests are illegal under any approval
	// policy stricter than OnRequest" — in this config's taxonomy, only
	// ask_all prompts per-request the way OnRequest does; auto and
	// ask_dangerous never surface a per-command decision to escalate into.
	if escalated && o.approvalMode != "ask_all" {
		return nil, fmt.Errorf("escalated permissions are not allowed under approval mode %q", o.approvalMode)
	}

	class := o.classify(norm, escalated)
	if class == classifySkipBypassSandbox {
		return o.runtime.Execute(ctx, conversationID, norm)
	}

	key := NewApprovalKey(norm.Argv, cwd, escalated)
	if class == classifyRequireApproval {
		if approved, found := o.cache.Get(key); found {
			if !approved {
				return nil, fmt.Errorf("user rejected this command previously")
			}
		} else {
			approved, err := o.requestApproval(ctx, callID, cwd, escalated, reason, norm)
			if err != nil {
				return nil, err
			}
			o.cache.Set(key, approved)
			if !approved {
				return nil, fmt.Errorf("user rejected command: %s", strings.Join(norm.Argv, " "))
			}
		}
	}

	result, err := o.runtime.Execute(ctx, conversationID, norm)
	if err == nil || !o.retryAllowed || !looksLikeSandboxDenial(result, err) {
		return result, err
	}

	if o.logger != nil {
		o.logger.Info("retrying command unsandboxed after suspected sandbox denial",
			zap.String("call_id", callID))
	}
	return o.runtime.Execute(ctx, conversationID, forceShellForm(norm))
}

func (o *Orchestrator) requestApproval(ctx context.Context, callID, cwd string, escalated bool, reason string, norm *Normalized) (bool, error) {
	if o.approvalFn == nil {
		return false, fmt.Errorf("no approval surface configured; denying by default")
	}
	req := entity.ApprovalRequest{
		CallID:    callID,
		Command:   norm.Argv,
		Cwd:       cwd,
		Reason:    reason,
		Escalated: escalated,
	}
	return o.approvalFn(ctx, req)
}

// looksLikeSandboxDenial is the heuristic the spec asks for: a failure
// whose exit code or stderr text is consistent with the sandbox itself
// (not the command's own logic) having refused the operation.
func looksLikeSandboxDenial(result *domaintool.Result, err error) bool {
	if result == nil {
		return false
	}
	if exitCode, ok := result.Metadata["exit_code"].(int); ok {
		if exitCode == 126 || exitCode == 127 {
			return true
		}
	}
	lower := strings.ToLower(result.Output + " " + result.Error)
	return strings.Contains(lower, "permission denied") ||
		strings.Contains(lower, "operation not permitted") ||
		strings.Contains(lower, "sandbox")
}

// forceShellForm rewrites norm so the retry goes through the sandbox's
// ExecuteShell path (bash -c), which only checks that "bash" itself is
// allow-listed rather than every individual binary in the command.
func forceShellForm(norm *Normalized) *Normalized {
	if norm.ShellCommand != "" {
		return norm
	}
	return &Normalized{
		Argv:         norm.Argv,
		ShellCommand: ShellQuoteJoin(norm.Argv),
		NeedsShell:   true,
	}
}
