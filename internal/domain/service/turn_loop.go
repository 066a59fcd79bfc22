package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domaincontext "github.com/ngoclaw/agentcore/internal/domain/context"
	"github.com/ngoclaw/agentcore/internal/domain/entity"
	"github.com/ngoclaw/agentcore/internal/infrastructure/llm/apierr"
	"go.uber.org/zap"
)

// Streamer is the subset of llm.Router the Turn Loop depends on. Declared
// here (rather than importing the infrastructure package) so domain code
// stays free of infrastructure imports; *llm.Router satisfies this
// structurally.
type Streamer interface {
	StreamTurn(ctx context.Context, conversationID string, prompt entity.Prompt, model string) (<-chan entity.ResponseEvent, error)
}

// ToolDispatcher is the subset of tool.Router the Turn Loop depends on.
type ToolDispatcher interface {
	Dispatch(ctx context.Context, calls []entity.ToolCall, parallelAllowed bool) []entity.ResponseItem
}

// PlanReader exposes the live plan state the Decide stage and the
// Compaction Controller both consult.
type PlanReader interface {
	Current() entity.Plan
}

// TurnLoopConfig holds the knobs the Turn Loop needs (spec §4.11).
type TurnLoopConfig struct {
	Model             string
	Instructions      string
	ParallelToolCalls bool

	MaxRetries    int
	RetryBaseWait time.Duration

	ContextMaxTokens      int
	ContextWarnRatio      float64
	ContextHardRatio      float64
	AutoCompactTokenLimit int
	CompactKeepLast       int

	LoopWindowSize      int
	LoopDetectThreshold int
	LoopNameThreshold   int

	MaxTokenBudget int64
}

func DefaultTurnLoopConfig() TurnLoopConfig {
	return TurnLoopConfig{
		ParallelToolCalls:     true,
		MaxRetries:            3,
		RetryBaseWait:         2 * time.Second,
		ContextMaxTokens:      128000,
		ContextWarnRatio:      0.7,
		ContextHardRatio:      0.85,
		AutoCompactTokenLimit: 100000,
		CompactKeepLast:       10,
		LoopWindowSize:        10,
		LoopDetectThreshold:   5,
		LoopNameThreshold:     8,
	}
}

// TurnLoop drives one conversation's turns through the state machine in
// spec §4.11: Idle → Prepare → InFlight → Dispatching → Decide, looping
// back to Prepare when a turn produced tool outputs, or to Compacting
// when accumulated usage crosses the configured budget.
type TurnLoop struct {
	router    Streamer
	tools     ToolDispatcher
	history   *domaincontext.Manager
	compactor *domaincontext.Compactor
	plan      PlanReader
	config    TurnLoopConfig
	logger    *zap.Logger
}

func NewTurnLoop(router Streamer, tools ToolDispatcher, history *domaincontext.Manager, compactor *domaincontext.Compactor, plan PlanReader, config TurnLoopConfig, logger *zap.Logger) *TurnLoop {
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryBaseWait <= 0 {
		config.RetryBaseWait = 2 * time.Second
	}
	if config.ContextMaxTokens <= 0 {
		config.ContextMaxTokens = 128000
	}
	if config.CompactKeepLast <= 0 {
		config.CompactKeepLast = 10
	}
	return &TurnLoop{
		router:    router,
		tools:     tools,
		history:   history,
		compactor: compactor,
		plan:      plan,
		config:    config,
		logger:    logger,
	}
}

// Run starts processing a user submission, emitting EventMsgs on the
// returned channel until the turn reaches a terminal state. The caller
// should drain the channel until it closes.
func (t *TurnLoop) Run(ctx context.Context, conversationID, userText string) (<-chan entity.EventMsg, *StateMachine) {
	eventCh := make(chan entity.EventMsg, 64)
	sm := NewStateMachine(0, t.logger)

	if userText != "" {
		t.history.RecordItems(domaincontext.RecordAppend, entity.NewMessage(entity.RoleUser, entity.InputText(userText)))
	}

	go func() {
		defer close(eventCh)
		defer func() {
			if r := recover(); r != nil {
				t.logger.Error("turn loop panicked", zap.Any("panic", r))
				t.emit(eventCh, entity.EventMsg{Kind: entity.EventMsgError, Error: fmt.Sprintf("internal error: %v", r)})
			}
		}()
		t.emit(eventCh, entity.EventMsg{Kind: entity.EventMsgTaskStarted})
		t.runLoop(ctx, conversationID, sm, eventCh)
	}()

	return eventCh, sm
}

func (t *TurnLoop) runLoop(ctx context.Context, conversationID string, sm *StateMachine, eventCh chan<- entity.EventMsg) {
	loopDetector := NewLoopDetector(t.config.LoopWindowSize, t.config.LoopDetectThreshold, t.config.LoopNameThreshold, t.logger)
	contextGuard := NewContextGuard(t.config.ContextMaxTokens, t.config.ContextWarnRatio, t.config.ContextHardRatio, t.logger)
	var costGuard *CostGuard
	if t.config.MaxTokenBudget > 0 {
		costGuard = NewCostGuard(t.config.MaxTokenBudget, 0, t.logger)
	}

	overflowRetries := 0
	step := 0

	for {
		step++
		sm.SetStep(step)

		if err := ctx.Err(); err != nil {
			_ = sm.Transition(StateAborted)
			t.emit(eventCh, entity.EventMsg{Kind: entity.EventMsgError, Error: "context cancelled"})
			return
		}

		if err := sm.Transition(StatePrepare); err != nil {
			t.logger.Error("invalid transition to prepare", zap.Error(err))
		}

		prompt := entity.Prompt{
			Input:             t.history.GetHistoryForPrompt(),
			Instructions:      t.config.Instructions,
			ParallelToolCalls: t.config.ParallelToolCalls,
			IsUserTurn:        true,
		}

		_ = sm.Transition(StateInFlight)
		toolCalls, usage, err := t.callTurn(ctx, conversationID, prompt, sm, eventCh)
		if err != nil {
			var apiErr *apierr.Error
			if errors.As(err, &apiErr) && apiErr.Kind == apierr.ContextWindowExceeded && overflowRetries < 3 {
				overflowRetries++
				t.logger.Warn("context window exceeded, forcing compaction", zap.Int("attempt", overflowRetries))
				if ok := t.compact(ctx, sm, eventCh); !ok {
					_ = sm.Transition(StateError)
					t.emit(eventCh, entity.EventMsg{Kind: entity.EventMsgError, Error: err.Error()})
					return
				}
				continue
			}

			sm.RecordError()
			_ = sm.Transition(StateError)
			t.emit(eventCh, entity.EventMsg{Kind: entity.EventMsgError, Error: err.Error()})
			return
		}

		t.history.UpdateTokenInfo(usage)

		if costGuard != nil {
			if cgErr := costGuard.AddTokens(int64(usage.TotalTokens)); cgErr != nil {
				_ = sm.Transition(StateError)
				t.emit(eventCh, entity.EventMsg{Kind: entity.EventMsgError, Error: cgErr.Error()})
				return
			}
		}

		for _, tc := range toolCalls {
			if name, ok := loopSignature(tc); ok {
				if prompt := loopDetector.RecordName(name); prompt != "" {
					t.history.RecordItems(domaincontext.RecordAppend, entity.NewMessage(entity.RoleUser, entity.InputText(prompt)))
				}
				if prompt := loopDetector.Record(name, tc.Payload.Arguments); prompt != "" {
					t.history.RecordItems(domaincontext.RecordAppend, entity.NewMessage(entity.RoleUser, entity.InputText(prompt)))
				}
			}
		}

		if len(toolCalls) > 0 {
			_ = sm.Transition(StateDispatching)
			dispatchCtx := entity.WithEventChannel(entity.WithConversationID(ctx, conversationID), eventCh)
			outputs := t.tools.Dispatch(dispatchCtx, toolCalls, t.config.ParallelToolCalls)
			t.history.RecordItems(domaincontext.RecordAppend, outputs...)
			for range outputs {
				sm.RecordToolExec("tool")
			}

			_ = sm.Transition(StateDecide)

			usageTotal, _ := t.history.TokenInfoAndRateLimits()
			if check := contextGuard.Check(usageTotal.TotalTokens); check.Warning {
				t.emit(eventCh, entity.EventMsg{Kind: entity.EventMsgTokenCount, Usage: &usageTotal})
			}
			if t.config.AutoCompactTokenLimit > 0 && usageTotal.TotalTokens >= t.config.AutoCompactTokenLimit {
				if !t.compact(ctx, sm, eventCh) {
					t.logger.Debug("auto-compact threshold crossed but nothing to compact")
				}
			}
			// Auto-continue: loop back to Prepare with the tool outputs in history.
			continue
		}

		_ = sm.Transition(StateDecide)

		usageTotal, _ := t.history.TokenInfoAndRateLimits()
		if check := contextGuard.Check(usageTotal.TotalTokens); check.NeedCompaction {
			t.logger.Warn("context guard hard threshold reached at turn end", zap.Float64("ratio", check.Ratio))
		}
		if t.config.AutoCompactTokenLimit > 0 && usageTotal.TotalTokens >= t.config.AutoCompactTokenLimit {
			if t.compact(ctx, sm, eventCh) {
				continue
			}
		}

		_ = sm.Transition(StateComplete)
		t.emit(eventCh, entity.EventMsg{Kind: entity.EventMsgTaskComplete, Usage: &usageTotal})
		return
	}
}

// compact transitions through Compacting and replaces the stored history,
// returning false if the turn loop has nothing left to compact. Emits
// EventMsgContextCompacted on success (spec §6) so a UI can show the
// replacement immediately rather than waiting for the next TokenCount.
func (t *TurnLoop) compact(ctx context.Context, sm *StateMachine, eventCh chan<- entity.EventMsg) bool {
	if t.compactor == nil {
		return false
	}

	var plan entity.Plan
	if t.plan != nil {
		plan = t.plan.Current()
	}

	items := t.history.Items()
	replacement := t.compactor.Compact(ctx, items, plan)
	if len(replacement) == len(items) {
		return false // nothing to compact, state unchanged
	}

	_ = sm.Transition(StateCompacting)
	t.history.RecordItems(domaincontext.RecordReplaceCompacted, replacement...)
	t.emit(eventCh, entity.EventMsg{
		Kind: entity.EventMsgContextCompacted,
		Text: fmt.Sprintf("compacted %d items into %d", len(items), len(replacement)),
	})
	return true
}

// Compact runs an out-of-turn compaction for Op::Compact (spec §6): a user
// can ask the conversation to free context-window budget between turns,
// not just have it happen automatically at the Decide stage. Returns a
// channel with exactly one EventMsg (ContextCompacted or Error) before
// closing, matching the Run contract so callers can treat both the same
// way.
func (t *TurnLoop) Compact(ctx context.Context) <-chan entity.EventMsg {
	eventCh := make(chan entity.EventMsg, 1)
	sm := NewStateMachine(0, t.logger)
	go func() {
		defer close(eventCh)
		if !t.compact(ctx, sm, eventCh) {
			t.emit(eventCh, entity.EventMsg{Kind: entity.EventMsgError, Error: "nothing to compact"})
		}
	}()
	return eventCh
}

// callTurn opens one streamed turn and drains it, retrying transient wire
// failures with exponential backoff (grounded on the teacher's
// callLLMWithRetry). A stream that closes without a Completed event is
// treated the same as a transport error and retried as a whole.
func (t *TurnLoop) callTurn(ctx context.Context, conversationID string, prompt entity.Prompt, sm *StateMachine, eventCh chan<- entity.EventMsg) ([]entity.ToolCall, entity.TokenUsage, error) {
	var lastErr error

	for attempt := 0; attempt <= t.config.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := t.config.RetryBaseWait * time.Duration(int64(1)<<uint(attempt-1))
			t.logger.Info("retrying turn", zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(lastErr))
			sm.RecordRetry()
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, entity.TokenUsage{}, ctx.Err()
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, 3*time.Minute)
		ch, err := t.router.StreamTurn(callCtx, conversationID, prompt, t.config.Model)
		if err != nil {
			cancel()
			if terminal := classifyStreamErr(ctx, err); terminal != nil {
				return nil, entity.TokenUsage{}, terminal
			}
			lastErr = err
			continue
		}

		toolCalls, usage, completed, streamErr := t.consume(ch, eventCh)
		cancel()
		if completed {
			return toolCalls, usage, nil
		}
		if streamErr != nil {
			if terminal := classifyStreamErr(ctx, streamErr); terminal != nil {
				return nil, entity.TokenUsage{}, terminal
			}
			lastErr = streamErr
			continue
		}
		lastErr = fmt.Errorf("stream ended before completion")
	}

	return nil, entity.TokenUsage{}, fmt.Errorf("turn failed after %d retries: %w", t.config.MaxRetries, lastErr)
}

// classifyStreamErr inspects a pre-stream (StreamTurn) or mid-stream
// (EventStreamError) failure and decides whether it is terminal — returned
// as-is to abort the turn — or transient, waiting out any provider-supplied
// backoff before signalling the caller to retry (nil return). Both failure
// sources share this logic since they carry the same *apierr.Error taxonomy.
func classifyStreamErr(ctx context.Context, err error) error {
	var apiErr *apierr.Error
	if !errors.As(err, &apiErr) {
		return nil
	}
	if apiErr.Kind == apierr.ContextWindowExceeded {
		return err
	}
	if !apiErr.IsRetryable() {
		return err
	}
	if apiErr.Delay > 0 {
		select {
		case <-time.After(apiErr.Delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// consume drains one ResponseEvent stream, forwarding deltas and final
// items to the event channel and recording completed items into history.
// Returns the tool calls queued by FunctionCall/LocalShellCall/
// CustomToolCall items, whether a Completed event was observed, and any
// mid-stream failure (idle timeout, dropped connection, response.failed)
// the decoder surfaced in its place.
func (t *TurnLoop) consume(ch <-chan entity.ResponseEvent, eventCh chan<- entity.EventMsg) ([]entity.ToolCall, entity.TokenUsage, bool, error) {
	var toolCalls []entity.ToolCall
	var usage entity.TokenUsage
	var streamErr error
	completed := false

	for ev := range ch {
		switch ev.Kind {
		case entity.EventOutputTextDelta:
			t.emit(eventCh, entity.EventMsg{Kind: entity.EventMsgAgentMessageDelta, Text: ev.Delta})
		case entity.EventReasoningContentDelta, entity.EventReasoningSummaryDelta:
			t.emit(eventCh, entity.EventMsg{Kind: entity.EventMsgReasoningDelta, Text: ev.Delta})
		case entity.EventOutputItemDone:
			item := ev.Item
			t.history.RecordItems(domaincontext.RecordAppend, item)
			switch item.Kind {
			case entity.ItemMessage:
				if item.Role == entity.RoleAssistant {
					t.emit(eventCh, entity.EventMsg{Kind: entity.EventMsgAgentMessage, Text: item.TextContent()})
				}
			case entity.ItemFunctionCall, entity.ItemLocalShellCall, entity.ItemCustomToolCall:
				toolCalls = append(toolCalls, toToolCall(item))
			}
		case entity.EventRateLimits:
			t.history.SetRateLimits(ev.RateLimits)
			snap := ev.RateLimits
			t.emit(eventCh, entity.EventMsg{Kind: entity.EventMsgRateLimit, RateLimits: &snap})
		case entity.EventCompleted:
			usage = ev.Usage
			completed = true
		case entity.EventStreamError:
			streamErr = ev.Err
		}
	}

	return toolCalls, usage, completed, streamErr
}

func toToolCall(item entity.ResponseItem) entity.ToolCall {
	switch item.Kind {
	case entity.ItemLocalShellCall:
		return entity.ToolCall{
			ToolName: "local_shell",
			CallID:   item.LocalShellID,
			Payload:  entity.ToolPayload{Kind: entity.PayloadLocalShell, ShellAction: item.Action},
		}
	case entity.ItemCustomToolCall:
		return entity.ToolCall{
			ToolName: item.Name,
			CallID:   item.CallID,
			IsCustom: true,
			Payload:  entity.ToolPayload{Kind: entity.PayloadCustom, Arguments: item.CustomInput},
		}
	default: // ItemFunctionCall
		return entity.ToolCall{
			ToolName: item.Name,
			CallID:   item.CallID,
			Payload:  entity.ToolPayload{Kind: entity.PayloadFunction, Arguments: item.Arguments},
		}
	}
}

func loopSignature(tc entity.ToolCall) (string, bool) {
	name := strings.TrimSpace(tc.ToolName)
	if name == "" {
		return "", false
	}
	return name, true
}

func (t *TurnLoop) emit(eventCh chan<- entity.EventMsg, ev entity.EventMsg) {
	ev.Timestamp = time.Now()
	select {
	case eventCh <- ev:
	default:
		t.logger.Warn("event channel full, dropping event", zap.String("kind", string(ev.Kind)))
	}
}
