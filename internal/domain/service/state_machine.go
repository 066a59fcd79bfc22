package service

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TurnState is one state of the turn execution state machine (spec §4.11).
type TurnState string

const (
	StateIdle        TurnState = "idle"        // waiting for a submission
	StatePrepare     TurnState = "prepare"     // building the prompt from history
	StateInFlight    TurnState = "in_flight"   // streaming the model's response
	StateDispatching TurnState = "dispatching" // routing tool calls through approval/sandbox
	StateDecide      TurnState = "decide"      // deciding whether to auto-continue or end the turn
	StateCompacting  TurnState = "compacting"  // summarizing history to reclaim context budget
	StateComplete    TurnState = "complete"
	StateError       TurnState = "error"
	StateAborted     TurnState = "aborted"
)

var validTransitions = map[TurnState]map[TurnState]bool{
	StateIdle: {
		StatePrepare: true,
	},
	StatePrepare: {
		StateInFlight: true,
		StateError:    true,
		StateAborted:  true,
	},
	StateInFlight: {
		StateDispatching: true,
		StateDecide:      true, // no tool calls in this turn — go straight to deciding
		StateCompacting:  true,
		StateError:       true,
		StateAborted:     true,
	},
	StateDispatching: {
		StateDecide:  true,
		StateError:   true,
		StateAborted: true,
	},
	StateDecide: {
		StatePrepare:    true, // auto-continue after tool outputs
		StateCompacting: true,
		StateComplete:   true,
		StateError:      true,
		StateAborted:    true,
	},
	StateCompacting: {
		StatePrepare: true,
		StateError:   true,
		StateAborted: true,
	},
	StateComplete: {},
	StateError:    {},
	StateAborted:  {},
}

// StateSnapshot captures the turn's runtime state at a point in time.
type StateSnapshot struct {
	State         TurnState     `json:"state"`
	Step          int           `json:"step"`
	MaxSteps      int           `json:"max_steps"` // 0 = unlimited
	TokensUsed    int           `json:"tokens_used"`
	ToolsExecuted int           `json:"tools_executed"`
	RetryCount    int           `json:"retry_count"`
	ErrorCount    int           `json:"error_count"`
	Elapsed       time.Duration `json:"elapsed"`
	ModelUsed     string        `json:"model_used,omitempty"`
	LastTool      string        `json:"last_tool,omitempty"`
}

// StateMachine manages state transitions for one turn. Thread-safe.
type StateMachine struct {
	mu            sync.RWMutex
	state         TurnState
	step          int
	maxSteps      int
	tokensUsed    int
	toolsExecuted int
	retryCount    int
	errorCount    int
	startTime     time.Time
	modelUsed     string
	lastTool      string
	logger        *zap.Logger

	listeners []func(from, to TurnState, snap StateSnapshot)
}

func NewStateMachine(maxSteps int, logger *zap.Logger) *StateMachine {
	return &StateMachine{
		state:     StateIdle,
		maxSteps:  maxSteps,
		startTime: time.Now(),
		logger:    logger,
	}
}

func (sm *StateMachine) State() TurnState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.state
}

func (sm *StateMachine) Snapshot() StateSnapshot {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.snapshotLocked()
}

func (sm *StateMachine) snapshotLocked() StateSnapshot {
	return StateSnapshot{
		State:         sm.state,
		Step:          sm.step,
		MaxSteps:      sm.maxSteps,
		TokensUsed:    sm.tokensUsed,
		ToolsExecuted: sm.toolsExecuted,
		RetryCount:    sm.retryCount,
		ErrorCount:    sm.errorCount,
		Elapsed:       time.Since(sm.startTime),
		ModelUsed:     sm.modelUsed,
		LastTool:      sm.lastTool,
	}
}

// Transition attempts to move to a new state, returning an error if the
// transition isn't in validTransitions.
func (sm *StateMachine) Transition(to TurnState) error {
	sm.mu.Lock()
	from := sm.state

	allowed, ok := validTransitions[from]
	if !ok || !allowed[to] {
		sm.mu.Unlock()
		err := fmt.Errorf("invalid state transition: %s -> %s", from, to)
		sm.logger.Error("turn state machine violation", zap.Error(err))
		return err
	}

	sm.state = to
	snap := sm.snapshotLocked()
	listeners := make([]func(from, to TurnState, snap StateSnapshot), len(sm.listeners))
	copy(listeners, sm.listeners)
	sm.mu.Unlock()

	sm.logger.Debug("turn state transition",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.Int("step", snap.Step),
	)

	for _, fn := range listeners {
		fn(from, to, snap)
	}
	return nil
}

func (sm *StateMachine) OnTransition(fn func(from, to TurnState, snap StateSnapshot)) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.listeners = append(sm.listeners, fn)
}

func (sm *StateMachine) SetStep(step int) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.step = step
}

func (sm *StateMachine) AddTokens(n int) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.tokensUsed += n
}

func (sm *StateMachine) RecordToolExec(toolName string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.toolsExecuted++
	sm.lastTool = toolName
}

func (sm *StateMachine) RecordRetry() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.retryCount++
}

func (sm *StateMachine) RecordError() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.errorCount++
}

func (sm *StateMachine) SetModel(model string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.modelUsed = model
}

func (sm *StateMachine) IsTerminal() bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	switch sm.state {
	case StateComplete, StateError, StateAborted:
		return true
	}
	return false
}

// StepLimitReached reports whether the configured max-step budget (0 =
// unlimited) has been hit.
func (sm *StateMachine) StepLimitReached() bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.maxSteps > 0 && sm.step >= sm.maxSteps
}
