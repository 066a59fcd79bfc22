package rollout

import (
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/ngoclaw/agentcore/internal/domain/entity"
)

func writeRollout(t *testing.T, items ...entity.RolloutItem) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "session.jsonl")
	rec, err := NewRecorder(path, zap.NewNop())
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	for _, item := range items {
		if err := rec.Append(item); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return path
}

func userMsg(text string) entity.ResponseItem {
	return entity.NewMessage(entity.RoleUser, entity.InputText(text))
}

func injectedUserMsg(text string) entity.ResponseItem {
	item := userMsg(text)
	item.Opaque = map[string]any{"core_injected": true}
	return item
}

func TestForkReturnsStrictPrefixBeforeNthUserMessage(t *testing.T) {
	path := writeRollout(t,
		entity.NewSessionMetaItem(entity.SessionMeta{ConversationID: "c1", Model: "m1"}),
		entity.NewResponseRolloutItem(userMsg("first")),
		entity.NewResponseRolloutItem(entity.NewMessage(entity.RoleAssistant, entity.OutputText("reply 1"))),
		entity.NewResponseRolloutItem(userMsg("second")),
		entity.NewResponseRolloutItem(entity.NewMessage(entity.RoleAssistant, entity.OutputText("reply 2"))),
	)

	result, err := Fork(path, 1)
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}
	if !result.Truncated {
		t.Fatalf("expected Truncated=true")
	}
	if len(result.Items) != 2 {
		t.Fatalf("expected 2 items before the 2nd user message, got %d", len(result.Items))
	}
	if result.Items[0].Content[0].Text != "first" {
		t.Errorf("unexpected first item: %+v", result.Items[0])
	}
	if result.Meta == nil || result.Meta.ConversationID != "c1" {
		t.Errorf("expected session meta carried through, got %+v", result.Meta)
	}
}

func TestForkSpawnsFreshWhenFewerThanNPlusOneMessagesExist(t *testing.T) {
	path := writeRollout(t,
		entity.NewResponseRolloutItem(userMsg("only one")),
	)

	result, err := Fork(path, 3)
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}
	if result.Truncated {
		t.Fatalf("expected Truncated=false when fewer than n+1 messages exist")
	}
	if len(result.Items) != 0 {
		t.Errorf("expected empty prefix, got %d items", len(result.Items))
	}
}

func TestForkSkipsCoreInjectedUserMessages(t *testing.T) {
	path := writeRollout(t,
		entity.NewResponseRolloutItem(userMsg("real first")),
		entity.NewResponseRolloutItem(injectedUserMsg("plan reminder")),
		entity.NewResponseRolloutItem(userMsg("real second")),
	)

	result, err := Fork(path, 1)
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}
	if !result.Truncated {
		t.Fatalf("expected the core-injected message to be skipped, landing on the real 2nd user message")
	}
	if len(result.Items) != 2 {
		t.Fatalf("expected prefix to include the injected message (it precedes the cut), got %d items", len(result.Items))
	}
}

func TestReplayFlattenAppliesCompactionInOrder(t *testing.T) {
	summary := entity.NewMessage(entity.RoleAssistant, entity.OutputText("summary"))
	path := writeRollout(t,
		entity.NewResponseRolloutItem(userMsg("before compaction")),
		entity.NewResponseRolloutItem(entity.NewMessage(entity.RoleAssistant, entity.OutputText("reply"))),
		entity.NewCompactedRolloutItem([]entity.ResponseItem{summary}),
		entity.NewResponseRolloutItem(userMsg("after compaction")),
	)

	_, history, err := ReplayFlatten(path)
	if err != nil {
		t.Fatalf("ReplayFlatten: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected compaction to replace the prefix, got %d items", len(history))
	}
	if history[0].Content[0].Text != "summary" {
		t.Errorf("expected first item to be the compaction summary, got %+v", history[0])
	}
	if history[1].Content[0].Text != "after compaction" {
		t.Errorf("expected second item to be the post-compaction message, got %+v", history[1])
	}
}
