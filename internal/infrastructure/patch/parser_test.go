package patch

import "testing"

func TestParse_AddUpdateDelete(t *testing.T) {
	body := `*** Begin Patch
*** Add File: new.txt
+line one
+line two
*** Update File: existing.txt
@@ some context
 unchanged
-removed
+added
*** Delete File: old.txt
*** End Patch`

	p, err := Parse(body)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(p.Changes) != 3 {
		t.Fatalf("got %d changes, want 3", len(p.Changes))
	}

	add := p.Changes[0]
	if add.Kind != ChangeAdd || add.Path != "new.txt" {
		t.Errorf("add change = %+v", add)
	}
	if add.Content != "line one\nline two" {
		t.Errorf("add content = %q", add.Content)
	}

	upd := p.Changes[1]
	if upd.Kind != ChangeUpdate || upd.Path != "existing.txt" {
		t.Errorf("update change = %+v", upd)
	}
	if len(upd.Hunks) != 1 || len(upd.Hunks[0].Lines) != 3 {
		t.Fatalf("update hunks = %+v", upd.Hunks)
	}
	wantKinds := []LineKind{LineContext, LineRemove, LineAdd}
	for i, l := range upd.Hunks[0].Lines {
		if l.Kind != wantKinds[i] {
			t.Errorf("hunk line %d kind = %v, want %v", i, l.Kind, wantKinds[i])
		}
	}

	del := p.Changes[2]
	if del.Kind != ChangeDelete || del.Path != "old.txt" {
		t.Errorf("delete change = %+v", del)
	}
}

func TestParse_UpdateWithMoveTo(t *testing.T) {
	body := `*** Begin Patch
*** Update File: old/path.txt
*** Move to: new/path.txt
@@
 context line
+added line
*** End Patch`

	p, err := Parse(body)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(p.Changes) != 1 {
		t.Fatalf("got %d changes, want 1", len(p.Changes))
	}
	if p.Changes[0].MoveTo != "new/path.txt" {
		t.Errorf("MoveTo = %q, want new/path.txt", p.Changes[0].MoveTo)
	}
}

func TestParse_MissingBeginMarker(t *testing.T) {
	_, err := Parse("*** Add File: x.txt\n+y\n*** End Patch")
	if err == nil {
		t.Fatal("expected a parse error for a missing Begin Patch marker")
	}
	var perr *ParseError
	if !asParseError(err, &perr) {
		t.Fatalf("expected *ParseError, got %T", err)
	}
}

func TestParse_MissingEndMarker(t *testing.T) {
	_, err := Parse("*** Begin Patch\n*** Add File: x.txt\n+y")
	if err == nil {
		t.Fatal("expected a parse error for a missing End Patch marker")
	}
}

func TestParse_EmptyPatchBody(t *testing.T) {
	_, err := Parse("*** Begin Patch\n*** End Patch")
	if err == nil {
		t.Fatal("expected a parse error for a patch with no file changes")
	}
}

func TestParse_AddBodyLineMissingPlusPrefix(t *testing.T) {
	body := `*** Begin Patch
*** Add File: x.txt
not a valid body line
*** End Patch`
	if _, err := Parse(body); err == nil {
		t.Fatal("expected a parse error for an add-file body line without a '+' prefix")
	}
}

func TestParse_UpdateBodyBeforeHunkMarker(t *testing.T) {
	body := `*** Begin Patch
*** Update File: x.txt
 context before any hunk marker
*** End Patch`
	if _, err := Parse(body); err == nil {
		t.Fatal("expected a parse error for update body content before '@@'")
	}
}

func asParseError(err error, target **ParseError) bool {
	pe, ok := err.(*ParseError)
	if !ok {
		return false
	}
	*target = pe
	return true
}
