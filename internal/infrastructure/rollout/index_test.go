package rollout

import (
	"path/filepath"
	"testing"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	idx, err := NewIndex(filepath.Join(t.TempDir(), "rollouts.db"))
	if err != nil {
		t.Fatalf("NewIndex: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestIndexPutGetRoundTrip(t *testing.T) {
	idx := newTestIndex(t)

	entry := IndexEntry{
		ConversationID: "conv-1",
		Path:           "/tmp/conv-1.jsonl",
		Model:          "gpt-5",
		Workspace:      "/repo",
	}
	if err := idx.Put(entry); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := idx.Get("conv-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Path != entry.Path || got.Model != entry.Model {
		t.Errorf("unexpected entry: %+v", got)
	}
}

func TestIndexGetMissingReturnsError(t *testing.T) {
	idx := newTestIndex(t)
	if _, err := idx.Get("does-not-exist"); err == nil {
		t.Fatalf("expected an error for a missing conversation id")
	}
}

func TestIndexListChildrenByParentID(t *testing.T) {
	idx := newTestIndex(t)

	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	must(idx.Put(IndexEntry{ConversationID: "root", Path: "/tmp/root.jsonl"}))
	must(idx.Put(IndexEntry{ConversationID: "fork-a", Path: "/tmp/fork-a.jsonl", ParentID: "root"}))
	must(idx.Put(IndexEntry{ConversationID: "fork-b", Path: "/tmp/fork-b.jsonl", ParentID: "root"}))
	must(idx.Put(IndexEntry{ConversationID: "unrelated", Path: "/tmp/unrelated.jsonl"}))

	children, err := idx.ListChildren("root")
	if err != nil {
		t.Fatalf("ListChildren: %v", err)
	}
	if len(children) != 2 {
		t.Fatalf("expected 2 children of root, got %d", len(children))
	}
	for _, c := range children {
		if c.ParentID != "root" {
			t.Errorf("unexpected child with parent %q", c.ParentID)
		}
	}
}

func TestIndexPutUpsertsExistingRow(t *testing.T) {
	idx := newTestIndex(t)

	if err := idx.Put(IndexEntry{ConversationID: "conv-1", Path: "/tmp/v1.jsonl", Model: "m1"}); err != nil {
		t.Fatalf("initial Put: %v", err)
	}
	if err := idx.Put(IndexEntry{ConversationID: "conv-1", Path: "/tmp/v1.jsonl", Model: "m2"}); err != nil {
		t.Fatalf("update Put: %v", err)
	}

	got, err := idx.Get("conv-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Model != "m2" {
		t.Errorf("expected upsert to overwrite Model, got %q", got.Model)
	}
}
