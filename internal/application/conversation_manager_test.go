package application

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/ngoclaw/agentcore/internal/domain/entity"
	"github.com/ngoclaw/agentcore/internal/domain/service"
	"github.com/ngoclaw/agentcore/internal/infrastructure/shellrt"
)

type fakeStreamer struct{}

func (fakeStreamer) StreamTurn(ctx context.Context, conversationID string, prompt entity.Prompt, model string) (<-chan entity.ResponseEvent, error) {
	ch := make(chan entity.ResponseEvent)
	close(ch)
	return ch, nil
}

type fakeToolDispatcher struct{}

func (fakeToolDispatcher) Dispatch(ctx context.Context, calls []entity.ToolCall, parallelAllowed bool) []entity.ResponseItem {
	return nil
}

type fakePlanReader struct{}

func (fakePlanReader) Current() entity.Plan { return entity.Plan{} }

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(ConversationManagerDeps{
		Router:      fakeStreamer{},
		Tools:       fakeToolDispatcher{},
		Plan:        fakePlanReader{},
		LoopConfig:  service.DefaultTurnLoopConfig(),
		Logger:      zap.NewNop(),
		StateDir:    t.TempDir(),
		Connections: shellrt.NewConnectionRegistry(),
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestCreateAssignsFreshConversationWithEmptyHistory(t *testing.T) {
	m := newTestManager(t)

	conv, err := m.Create("gpt-5", "/repo")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if conv.ID == "" {
		t.Fatalf("expected a non-empty conversation id")
	}
	if len(conv.History.Items()) != 0 {
		t.Errorf("expected fresh conversation to start with empty history")
	}
	if _, ok := m.Get(conv.ID); !ok {
		t.Errorf("expected the new conversation to be registered")
	}
}

func TestResumeReplaysPersistedHistory(t *testing.T) {
	m := newTestManager(t)

	conv, err := m.Create("gpt-5", "/repo")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	conv.History.RecordItems(0, entity.NewMessage(entity.RoleUser, entity.InputText("hello")))
	if err := m.CloseConversation(conv.ID); err != nil {
		t.Fatalf("CloseConversation: %v", err)
	}

	resumed, err := m.Resume(conv.ID)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	items := resumed.History.Items()
	if len(items) != 1 {
		t.Fatalf("expected 1 replayed item, got %d", len(items))
	}
	if items[0].Content[0].Text != "hello" {
		t.Errorf("unexpected replayed item: %+v", items[0])
	}
	if resumed.Model != "gpt-5" || resumed.Workspace != "/repo" {
		t.Errorf("expected model/workspace carried through from session meta, got %q/%q", resumed.Model, resumed.Workspace)
	}
}

func TestForkSeedsNewConversationWithPrefixAndLinksParent(t *testing.T) {
	m := newTestManager(t)

	conv, err := m.Create("gpt-5", "/repo")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	conv.History.RecordItems(0, entity.NewMessage(entity.RoleUser, entity.InputText("first")))
	conv.History.RecordItems(0, entity.NewMessage(entity.RoleAssistant, entity.OutputText("reply")))
	conv.History.RecordItems(0, entity.NewMessage(entity.RoleUser, entity.InputText("second")))

	forked, err := m.Fork(conv.ID, 1)
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}
	if forked.ID == conv.ID {
		t.Fatalf("expected fork to get a fresh conversation id")
	}
	if forked.ParentID != conv.ID {
		t.Errorf("expected ParentID to point at the forked-from conversation, got %q", forked.ParentID)
	}
	items := forked.History.Items()
	if len(items) != 2 {
		t.Fatalf("expected the 2-item prefix before the 2nd user message, got %d", len(items))
	}
}

func TestForkBeyondAvailableMessagesSpawnsFresh(t *testing.T) {
	m := newTestManager(t)

	conv, err := m.Create("gpt-5", "/repo")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	conv.History.RecordItems(0, entity.NewMessage(entity.RoleUser, entity.InputText("only one")))

	forked, err := m.Fork(conv.ID, 5)
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}
	if len(forked.History.Items()) != 0 {
		t.Errorf("expected a fresh conversation with no prefix, got %d items", len(forked.History.Items()))
	}
}

func TestSubmitEmitsSessionConfiguredFirst(t *testing.T) {
	m := newTestManager(t)

	conv, err := m.Create("gpt-5", "/repo")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	events := m.Submit(context.Background(), conv, "hello")
	first, ok := <-events
	if !ok {
		t.Fatalf("expected at least one event on the channel")
	}
	if first.Kind != entity.EventMsgSessionConfigured {
		t.Fatalf("expected SessionConfigured as the first event, got %v", first.Kind)
	}
	if first.ConversationID != conv.ID {
		t.Errorf("expected SessionConfigured to carry the conversation id, got %q", first.ConversationID)
	}
	for range events {
		// drain the rest of the turn
	}
}

func TestCloseConversationRemovesFromLiveMap(t *testing.T) {
	m := newTestManager(t)

	conv, err := m.Create("gpt-5", "/repo")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.CloseConversation(conv.ID); err != nil {
		t.Fatalf("CloseConversation: %v", err)
	}
	if _, ok := m.Get(conv.ID); ok {
		t.Errorf("expected conversation to be removed from the live map after Close")
	}
}
