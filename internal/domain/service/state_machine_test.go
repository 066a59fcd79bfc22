package service

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

func testLogger() *zap.Logger {
	logger, _ := zap.NewDevelopment()
	return logger
}

// === StateMachine creation ===

func TestNewStateMachine(t *testing.T) {
	sm := NewStateMachine(10, testLogger())
	if sm.State() != StateIdle {
		t.Errorf("expected initial state Idle, got %s", sm.State())
	}
	if sm.IsTerminal() {
		t.Error("new state machine should not be terminal")
	}
	snap := sm.Snapshot()
	if snap.MaxSteps != 10 {
		t.Errorf("expected MaxSteps=10, got %d", snap.MaxSteps)
	}
}

// === Valid transitions ===

func TestTransition_ValidPaths(t *testing.T) {
	tests := []struct {
		name string
		path []TurnState
	}{
		{
			name: "prepare -> in_flight -> decide -> complete",
			path: []TurnState{StatePrepare, StateInFlight, StateDecide, StateComplete},
		},
		{
			name: "prepare -> in_flight -> dispatching -> decide -> prepare (auto-continue)",
			path: []TurnState{StatePrepare, StateInFlight, StateDispatching, StateDecide, StatePrepare},
		},
		{
			name: "prepare -> in_flight -> compacting -> prepare -> decide -> complete",
			path: []TurnState{StatePrepare, StateInFlight, StateCompacting, StatePrepare, StateInFlight, StateDecide, StateComplete},
		},
		{
			name: "prepare -> in_flight -> error",
			path: []TurnState{StatePrepare, StateInFlight, StateError},
		},
		{
			name: "prepare -> aborted",
			path: []TurnState{StatePrepare, StateAborted},
		},
		{
			name: "prepare -> in_flight -> dispatching -> aborted",
			path: []TurnState{StatePrepare, StateInFlight, StateDispatching, StateAborted},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sm := NewStateMachine(25, testLogger())
			for _, state := range tt.path {
				if err := sm.Transition(state); err != nil {
					t.Fatalf("failed transition to %s: %v", state, err)
				}
			}
			last := tt.path[len(tt.path)-1]
			if sm.State() != last {
				t.Errorf("expected state %s, got %s", last, sm.State())
			}
		})
	}
}

// === Invalid transitions ===

func TestTransition_InvalidPaths(t *testing.T) {
	tests := []struct {
		name string
		from TurnState
		to   TurnState
	}{
		{"idle -> complete", StateIdle, StateComplete},
		{"idle -> dispatching", StateIdle, StateDispatching},
		{"idle -> error", StateIdle, StateError},
		{"prepare -> dispatching", StatePrepare, StateDispatching},
		{"complete -> idle (terminal)", StateComplete, StateIdle},
		{"error -> idle (terminal)", StateError, StateIdle},
		{"aborted -> in_flight (terminal)", StateAborted, StateInFlight},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sm := NewStateMachine(10, testLogger())
			switch tt.from {
			case StatePrepare:
				_ = sm.Transition(StatePrepare)
			case StateInFlight:
				_ = sm.Transition(StatePrepare)
				_ = sm.Transition(StateInFlight)
			case StateComplete:
				_ = sm.Transition(StatePrepare)
				_ = sm.Transition(StateInFlight)
				_ = sm.Transition(StateDecide)
				_ = sm.Transition(StateComplete)
			case StateError:
				_ = sm.Transition(StatePrepare)
				_ = sm.Transition(StateInFlight)
				_ = sm.Transition(StateError)
			case StateAborted:
				_ = sm.Transition(StatePrepare)
				_ = sm.Transition(StateAborted)
			}

			err := sm.Transition(tt.to)
			if err == nil {
				t.Errorf("expected error for %s -> %s, got nil", tt.from, tt.to)
			}
		})
	}
}

// === Terminal states ===

func TestIsTerminal(t *testing.T) {
	tests := []struct {
		state    TurnState
		terminal bool
	}{
		{StateIdle, false},
		{StatePrepare, false},
		{StateInFlight, false},
		{StateDispatching, false},
		{StateCompacting, false},
		{StateDecide, false},
		{StateComplete, true},
		{StateError, true},
		{StateAborted, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			sm := NewStateMachine(10, testLogger())
			switch tt.state {
			case StatePrepare:
				_ = sm.Transition(StatePrepare)
			case StateInFlight:
				_ = sm.Transition(StatePrepare)
				_ = sm.Transition(StateInFlight)
			case StateDispatching:
				_ = sm.Transition(StatePrepare)
				_ = sm.Transition(StateInFlight)
				_ = sm.Transition(StateDispatching)
			case StateCompacting:
				_ = sm.Transition(StatePrepare)
				_ = sm.Transition(StateInFlight)
				_ = sm.Transition(StateCompacting)
			case StateDecide:
				_ = sm.Transition(StatePrepare)
				_ = sm.Transition(StateInFlight)
				_ = sm.Transition(StateDecide)
			case StateComplete:
				_ = sm.Transition(StatePrepare)
				_ = sm.Transition(StateInFlight)
				_ = sm.Transition(StateDecide)
				_ = sm.Transition(StateComplete)
			case StateError:
				_ = sm.Transition(StatePrepare)
				_ = sm.Transition(StateInFlight)
				_ = sm.Transition(StateError)
			case StateAborted:
				_ = sm.Transition(StatePrepare)
				_ = sm.Transition(StateAborted)
			}

			if sm.IsTerminal() != tt.terminal {
				t.Errorf("IsTerminal() for %s: got %v, want %v", tt.state, sm.IsTerminal(), tt.terminal)
			}
		})
	}
}

// === Mutation helpers ===

func TestMutationHelpers(t *testing.T) {
	sm := NewStateMachine(10, testLogger())

	sm.SetStep(5)
	sm.AddTokens(1000)
	sm.AddTokens(500)
	sm.RecordToolExec("shell_exec")
	sm.RecordToolExec("file_read")
	sm.RecordRetry()
	sm.RecordError()
	sm.SetModel("gpt-4o")

	snap := sm.Snapshot()
	if snap.Step != 5 {
		t.Errorf("Step: got %d, want 5", snap.Step)
	}
	if snap.TokensUsed != 1500 {
		t.Errorf("TokensUsed: got %d, want 1500", snap.TokensUsed)
	}
	if snap.ToolsExecuted != 2 {
		t.Errorf("ToolsExecuted: got %d, want 2", snap.ToolsExecuted)
	}
	if snap.LastTool != "file_read" {
		t.Errorf("LastTool: got %s, want file_read", snap.LastTool)
	}
	if snap.RetryCount != 1 {
		t.Errorf("RetryCount: got %d, want 1", snap.RetryCount)
	}
	if snap.ErrorCount != 1 {
		t.Errorf("ErrorCount: got %d, want 1", snap.ErrorCount)
	}
	if snap.ModelUsed != "gpt-4o" {
		t.Errorf("ModelUsed: got %s, want gpt-4o", snap.ModelUsed)
	}
	if snap.Elapsed <= 0 {
		t.Error("Elapsed should be positive")
	}
}

// === OnTransition listener ===

func TestOnTransitionListener(t *testing.T) {
	sm := NewStateMachine(10, testLogger())

	var transitions []struct{ from, to TurnState }
	sm.OnTransition(func(from, to TurnState, snap StateSnapshot) {
		transitions = append(transitions, struct{ from, to TurnState }{from, to})
	})

	_ = sm.Transition(StatePrepare)
	_ = sm.Transition(StateInFlight)
	_ = sm.Transition(StateDispatching)
	_ = sm.Transition(StateDecide)
	_ = sm.Transition(StateComplete)

	if len(transitions) != 5 {
		t.Fatalf("expected 5 transitions, got %d", len(transitions))
	}
	expected := []struct{ from, to TurnState }{
		{StateIdle, StatePrepare},
		{StatePrepare, StateInFlight},
		{StateInFlight, StateDispatching},
		{StateDispatching, StateDecide},
		{StateDecide, StateComplete},
	}
	for i, exp := range expected {
		if transitions[i].from != exp.from || transitions[i].to != exp.to {
			t.Errorf("transition[%d]: got %s->%s, want %s->%s",
				i, transitions[i].from, transitions[i].to, exp.from, exp.to)
		}
	}
}

// === Thread safety ===

func TestStateMachine_ConcurrentAccess(t *testing.T) {
	sm := NewStateMachine(100, testLogger())
	_ = sm.Transition(StatePrepare)
	_ = sm.Transition(StateInFlight)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = sm.State()
			_ = sm.Snapshot()
			_ = sm.IsTerminal()
		}()
	}
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			sm.AddTokens(100)
			sm.SetStep(n)
			sm.RecordToolExec("test_tool")
		}(i)
	}
	wg.Wait()

	snap := sm.Snapshot()
	if snap.TokensUsed != 2000 {
		t.Errorf("concurrent TokensUsed: got %d, want 2000", snap.TokensUsed)
	}
	if snap.ToolsExecuted != 20 {
		t.Errorf("concurrent ToolsExecuted: got %d, want 20", snap.ToolsExecuted)
	}
}

// === Snapshot isolation ===

func TestSnapshot_Isolation(t *testing.T) {
	sm := NewStateMachine(10, testLogger())
	sm.SetStep(3)
	sm.AddTokens(500)

	snap1 := sm.Snapshot()

	sm.SetStep(8)
	sm.AddTokens(1000)

	snap2 := sm.Snapshot()

	if snap1.Step != 3 || snap1.TokensUsed != 500 {
		t.Error("snap1 was mutated after capture")
	}
	if snap2.Step != 8 || snap2.TokensUsed != 1500 {
		t.Errorf("snap2 wrong: step=%d tokens=%d", snap2.Step, snap2.TokensUsed)
	}
}

// === Elapsed increases ===

func TestSnapshot_ElapsedIncreases(t *testing.T) {
	sm := NewStateMachine(10, testLogger())
	snap1 := sm.Snapshot()
	time.Sleep(5 * time.Millisecond)
	snap2 := sm.Snapshot()
	if snap2.Elapsed <= snap1.Elapsed {
		t.Errorf("elapsed should increase: %v <= %v", snap2.Elapsed, snap1.Elapsed)
	}
}
