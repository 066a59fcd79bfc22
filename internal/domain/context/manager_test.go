package context

import (
	"testing"

	"github.com/ngoclaw/agentcore/internal/domain/entity"
)

func TestGetHistoryForPrompt_SyntheticAbortedOutput(t *testing.T) {
	m := NewManager(nil)
	m.RecordItems(RecordAppend,
		entity.NewMessage(entity.RoleUser, entity.InputText("run the tests")),
		entity.NewFunctionCall("shell", "call-1", `{"command":["go","test"]}`),
	)

	out := m.GetHistoryForPrompt()
	if len(out) != 3 {
		t.Fatalf("expected 3 items (message, call, synthetic output), got %d", len(out))
	}
	last := out[2]
	if last.Kind != entity.ItemFunctionCallOutput || last.CallID != "call-1" {
		t.Fatalf("expected synthetic output for call-1, got %+v", last)
	}
	if last.Output != entity.SyntheticAbortedOutput {
		t.Errorf("expected synthetic aborted text, got %q", last.Output)
	}
}

func TestGetHistoryForPrompt_PairedCallKeepsRealOutput(t *testing.T) {
	m := NewManager(nil)
	m.RecordItems(RecordAppend,
		entity.NewFunctionCall("shell", "call-1", `{}`),
		entity.NewFunctionCallOutput("call-1", "ok"),
	)

	out := m.GetHistoryForPrompt()
	if len(out) != 2 {
		t.Fatalf("expected 2 items, got %d", len(out))
	}
	if out[1].Output != "ok" {
		t.Errorf("expected real output preserved, got %q", out[1].Output)
	}
}

func TestGetHistoryForPrompt_PrunesOrphanOutput(t *testing.T) {
	m := NewManager(nil)
	m.RecordItems(RecordAppend,
		entity.NewFunctionCallOutput("missing-call", "stray"),
		entity.NewMessage(entity.RoleAssistant, entity.OutputText("done")),
	)

	out := m.GetHistoryForPrompt()
	for _, it := range out {
		if it.Kind == entity.ItemFunctionCallOutput {
			t.Errorf("orphan output should have been pruned, found %+v", it)
		}
	}
}

func TestGetHistoryForPrompt_DropsUnanchoredReasoning(t *testing.T) {
	m := NewManager(nil)
	m.RecordItems(RecordAppend,
		entity.ResponseItem{Kind: entity.ItemReasoning, ReasoningID: "r1"},
		entity.NewMessage(entity.RoleUser, entity.InputText("unrelated next item")),
	)

	out := m.GetHistoryForPrompt()
	for _, it := range out {
		if it.Kind == entity.ItemReasoning {
			t.Errorf("unanchored reasoning should have been dropped, found %+v", it)
		}
	}
}

func TestGetHistoryForPrompt_KeepsAnchoredReasoning(t *testing.T) {
	m := NewManager(nil)
	m.RecordItems(RecordAppend,
		entity.ResponseItem{Kind: entity.ItemReasoning, ReasoningID: "r1"},
		entity.NewFunctionCall("shell", "call-1", `{}`),
		entity.NewFunctionCallOutput("call-1", "ok"),
	)

	out := m.GetHistoryForPrompt()
	if out[0].Kind != entity.ItemReasoning {
		t.Fatalf("expected anchored reasoning to be kept first, got %+v", out[0])
	}
}

func TestGetHistoryForPrompt_DedupsImages(t *testing.T) {
	m := NewManager(nil)
	m.RecordItems(RecordAppend,
		entity.NewMessage(entity.RoleUser, entity.InputImage("https://example.com/a.png")),
		entity.NewMessage(entity.RoleUser, entity.InputText("look again"), entity.InputImage("https://example.com/a.png")),
	)

	out := m.GetHistoryForPrompt()
	if len(out[0].Content) != 0 {
		t.Errorf("expected the first occurrence of the duplicated image to be stripped, got %+v", out[0].Content)
	}
	if !out[1].HasImage() {
		t.Errorf("expected the most recent occurrence to be kept")
	}
}

func TestUpdateTokenInfoAccumulates(t *testing.T) {
	m := NewManager(nil)
	m.UpdateTokenInfo(entity.TokenUsage{InputTokens: 100, OutputTokens: 50})
	m.UpdateTokenInfo(entity.TokenUsage{InputTokens: 20, OutputTokens: 5})

	usage, _ := m.TokenInfoAndRateLimits()
	if usage.InputTokens != 120 || usage.OutputTokens != 55 {
		t.Errorf("expected accumulated usage, got %+v", usage)
	}
}
