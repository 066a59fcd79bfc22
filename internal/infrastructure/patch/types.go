// Package patch implements the Patch Runtime (spec §4.9): a structured
// multi-file add/update/delete DSL, parsed and applied directly against
// the filesystem, with per-file diffs aggregated into a turn-scoped
// TurnDiffTracker. This replaces the teacher's shell-out to the system
// `patch` binary with a real parser, per "keep HOW, replace WHAT" — the
// tool's shape (Kind=Edit, sandboxed-path-checked Execute) is kept.
package patch

import "fmt"

// ChangeKind discriminates one file's operation within a patch body.
type ChangeKind string

const (
	ChangeAdd    ChangeKind = "add"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
)

// LineKind discriminates one line of an Update hunk.
type LineKind int

const (
	LineContext LineKind = iota
	LineAdd
	LineRemove
)

// HunkLine is one line inside an Update hunk, in DSL order.
type HunkLine struct {
	Kind LineKind
	Text string
}

// Hunk is one contiguous run of context/add/remove lines within an
// Update change, anchored by its leading context (no line numbers: the
// DSL locates hunks by content, not position, the same way the format
// this was modeled on does).
type Hunk struct {
	Lines []HunkLine
}

// FileChange is one file's worth of a patch body.
type FileChange struct {
	Kind ChangeKind
	Path string

	// Add
	Content string

	// Update
	Hunks    []Hunk
	MoveTo   string // optional rename target; empty = no rename
}

// Patch is a fully parsed patch body: an ordered list of file changes.
type Patch struct {
	Changes []FileChange
}

// ParseError reports a malformed patch body (spec §4.9: "parse_error").
type ParseError struct {
	Line   int
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("patch parse error at line %d: %s", e.Line, e.Reason)
}

// ApplyError reports a failure while applying an already-parsed patch
// (spec §4.9: "file_conflict" or "apply_failed").
type ApplyError struct {
	Path   string
	Reason string
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Reason)
}
