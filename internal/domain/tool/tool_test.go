package tool

import (
	"context"
	"testing"
)

type stubTool struct {
	name string
	kind Kind
}

func (s *stubTool) Name() string                    { return s.name }
func (s *stubTool) Description() string             { return "stub" }
func (s *stubTool) Kind() Kind                       { return s.kind }
func (s *stubTool) Schema() map[string]interface{}   { return map[string]interface{}{} }
func (s *stubTool) Execute(ctx context.Context, args map[string]interface{}) (*Result, error) {
	return &Result{Output: "ok", Success: true}, nil
}

func TestRegistry_RegisterGetUnregister(t *testing.T) {
	reg := NewInMemoryRegistry()
	tl := &stubTool{name: "read_file", kind: KindRead}

	if err := reg.Register(tl); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := reg.Register(tl); err == nil {
		t.Fatal("expected an error registering a duplicate tool name")
	}

	got, ok := reg.Get("read_file")
	if !ok || got.Name() != "read_file" {
		t.Fatalf("Get() = %v, %v", got, ok)
	}
	if !reg.Has("read_file") {
		t.Error("expected Has() = true")
	}

	if err := reg.Unregister("read_file"); err != nil {
		t.Fatalf("Unregister() error = %v", err)
	}
	if reg.Has("read_file") {
		t.Error("expected Has() = false after Unregister")
	}
	if err := reg.Unregister("read_file"); err == nil {
		t.Fatal("expected an error unregistering a tool that isn't registered")
	}
}

func TestPolicy_IsAllowed(t *testing.T) {
	tests := []struct {
		name   string
		policy Policy
		tool   string
		want   bool
	}{
		{"empty allowlist allows everything not denied", Policy{}, "shell", true},
		{"denylist wins over empty allowlist", Policy{DenyList: []string{"shell"}}, "shell", false},
		{"allowlist restricts to named tools", Policy{AllowList: []string{"read_file"}}, "shell", false},
		{"allowlist permits a named tool", Policy{AllowList: []string{"read_file"}}, "read_file", true},
		{"denylist wins even if also allowlisted", Policy{AllowList: []string{"shell"}, DenyList: []string{"shell"}}, "shell", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.policy.IsAllowed(tt.tool); got != tt.want {
				t.Errorf("IsAllowed(%q) = %v, want %v", tt.tool, got, tt.want)
			}
		})
	}
}

func TestPolicy_NeedsConfirmation(t *testing.T) {
	askMode := Policy{AskMode: true}
	if askMode.NeedsConfirmation(KindRead) {
		t.Error("read-only kinds never need confirmation, even under AskMode")
	}
	if !askMode.NeedsConfirmation(KindExecute) {
		t.Error("execute kind needs confirmation under AskMode")
	}

	noAsk := Policy{AskMode: false}
	if noAsk.NeedsConfirmation(KindExecute) {
		t.Error("nothing needs confirmation when AskMode is off")
	}
}

func TestPolicyEnforcer_FilteredList(t *testing.T) {
	reg := NewInMemoryRegistry()
	reg.Register(&stubTool{name: "read_file", kind: KindRead})
	reg.Register(&stubTool{name: "shell", kind: KindExecute})

	enforcer := NewPolicyEnforcer(&Policy{DenyList: []string{"shell"}}, reg)
	defs := enforcer.FilteredList()
	if len(defs) != 1 || defs[0].Name != "read_file" {
		t.Errorf("FilteredList() = %+v, want only read_file", defs)
	}
}

func TestResult_DisplayOrOutput(t *testing.T) {
	r := &Result{Output: "out"}
	if r.DisplayOrOutput() != "out" {
		t.Errorf("expected fallback to Output")
	}
	r.Display = "rich"
	if r.DisplayOrOutput() != "rich" {
		t.Errorf("expected Display to take precedence")
	}
}
