package patch

import (
	"os"
	"path/filepath"
	"strings"
)

// FileDiff is one file's before/after contents, recorded on successful
// apply for the TurnDiffTracker.
type FileDiff struct {
	Path   string
	Kind   ChangeKind
	Before string // empty for Add
	After  string // empty for Delete
}

// Apply applies every change in p against cwd, validating that every
// target (and rename destination) resolves inside cwd before touching
// the filesystem. Returns the per-file diffs for changes that succeeded
// before any failure; callers decide whether a partial apply is
// acceptable (it is not — spec §4.9 requires "each target file is
// inside cwd" as a precondition, checked up front, for exactly this
// reason: no partial writes from a path-traversal rejection).
func Apply(p *Patch, cwd string) ([]FileDiff, error) {
	resolved := make([]string, len(p.Changes))
	for i, c := range p.Changes {
		abs, err := resolveInside(cwd, c.Path)
		if err != nil {
			return nil, &ApplyError{Path: c.Path, Reason: err.Error()}
		}
		resolved[i] = abs
		if c.MoveTo != "" {
			if _, err := resolveInside(cwd, c.MoveTo); err != nil {
				return nil, &ApplyError{Path: c.MoveTo, Reason: err.Error()}
			}
		}
	}

	diffs := make([]FileDiff, 0, len(p.Changes))
	for i, c := range p.Changes {
		diff, err := applyOne(c, resolved[i], cwd)
		if err != nil {
			return diffs, err
		}
		diffs = append(diffs, diff)
	}
	return diffs, nil
}

func applyOne(c FileChange, abs, cwd string) (FileDiff, error) {
	switch c.Kind {
	case ChangeAdd:
		if _, err := os.Stat(abs); err == nil {
			return FileDiff{}, &ApplyError{Path: c.Path, Reason: "file_conflict: already exists"}
		}
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return FileDiff{}, &ApplyError{Path: c.Path, Reason: "apply_failed: " + err.Error()}
		}
		if err := os.WriteFile(abs, []byte(c.Content), 0o644); err != nil {
			return FileDiff{}, &ApplyError{Path: c.Path, Reason: "apply_failed: " + err.Error()}
		}
		return FileDiff{Path: c.Path, Kind: ChangeAdd, After: c.Content}, nil

	case ChangeDelete:
		before, err := os.ReadFile(abs)
		if err != nil {
			return FileDiff{}, &ApplyError{Path: c.Path, Reason: "apply_failed: " + err.Error()}
		}
		if err := os.Remove(abs); err != nil {
			return FileDiff{}, &ApplyError{Path: c.Path, Reason: "apply_failed: " + err.Error()}
		}
		return FileDiff{Path: c.Path, Kind: ChangeDelete, Before: string(before)}, nil

	case ChangeUpdate:
		before, err := os.ReadFile(abs)
		if err != nil {
			return FileDiff{}, &ApplyError{Path: c.Path, Reason: "apply_failed: " + err.Error()}
		}
		after, err := applyHunks(string(before), c.Hunks)
		if err != nil {
			return FileDiff{}, &ApplyError{Path: c.Path, Reason: "apply_failed: " + err.Error()}
		}

		destPath, destAbs := c.Path, abs
		if c.MoveTo != "" {
			destPath = c.MoveTo
			destAbs, _ = resolveInside(cwd, c.MoveTo)
			if err := os.MkdirAll(filepath.Dir(destAbs), 0o755); err != nil {
				return FileDiff{}, &ApplyError{Path: c.Path, Reason: "apply_failed: " + err.Error()}
			}
		}
		if err := os.WriteFile(destAbs, []byte(after), 0o644); err != nil {
			return FileDiff{}, &ApplyError{Path: c.Path, Reason: "apply_failed: " + err.Error()}
		}
		if c.MoveTo != "" {
			if err := os.Remove(abs); err != nil {
				return FileDiff{}, &ApplyError{Path: c.Path, Reason: "apply_failed: " + err.Error()}
			}
		}
		return FileDiff{Path: destPath, Kind: ChangeUpdate, Before: string(before), After: after}, nil
	}
	return FileDiff{}, &ApplyError{Path: c.Path, Reason: "apply_failed: unknown change kind"}
}

// applyHunks locates each hunk's context+remove lines as a contiguous
// run within src and replaces it with the context+add lines, in hunk
// order. Context is matched by content, not line number, since the DSL
// carries no line numbers.
func applyHunks(src string, hunks []Hunk) (string, error) {
	lines := splitLines(src)
	cursor := 0
	for _, h := range hunks {
		before, after := hunkSides(h)
		idx := indexOf(lines, before, cursor)
		if idx == -1 {
			return "", &ApplyError{Reason: "could not locate hunk context"}
		}
		lines = append(lines[:idx], append(after, lines[idx+len(before):]...)...)
		cursor = idx + len(after)
	}
	return strings.Join(lines, "\n"), nil
}

// hunkSides splits a hunk into its "before" view (context+remove) and
// "after" view (context+add), each in original line order.
func hunkSides(h Hunk) (before, after []string) {
	for _, l := range h.Lines {
		switch l.Kind {
		case LineContext:
			before = append(before, l.Text)
			after = append(after, l.Text)
		case LineRemove:
			before = append(before, l.Text)
		case LineAdd:
			after = append(after, l.Text)
		}
	}
	return before, after
}

func indexOf(haystack, needle []string, from int) int {
	if len(needle) == 0 {
		return from
	}
	for i := from; i+len(needle) <= len(haystack); i++ {
		if equalSlice(haystack[i:i+len(needle)], needle) {
			return i
		}
	}
	return -1
}

func equalSlice(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

// resolveInside resolves rel against cwd and rejects any result that
// escapes it (spec §4.9 precondition: "each target file is inside cwd").
func resolveInside(cwd, rel string) (string, error) {
	abs := filepath.Join(cwd, rel)
	cleanCwd := filepath.Clean(cwd)
	if abs != cleanCwd && !strings.HasPrefix(abs, cleanCwd+string(filepath.Separator)) {
		return "", &ApplyError{Path: rel, Reason: "path escapes the working directory"}
	}
	return abs, nil
}
