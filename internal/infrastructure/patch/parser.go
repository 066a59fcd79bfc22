package patch

import (
	"errors"
	"strings"
)

const (
	beginMarker  = "*** Begin Patch"
	endMarker    = "*** End Patch"
	addPrefix    = "*** Add File: "
	deletePrefix = "*** Delete File: "
	updatePrefix = "*** Update File: "
	moveToPrefix = "*** Move to: "
	hunkMarker   = "@@"
)

// Parse parses a patch body of the form:
//
//	*** Begin Patch
//	*** Add File: path/to/new.txt
//	+line one
//	+line two
//	*** Update File: path/to/existing.txt
//	@@ optional hunk context
//	 unchanged line
//	-removed line
//	+added line
//	*** Delete File: path/to/old.txt
//	*** End Patch
//
// Each section runs until the next "*** " line. Update sections may
// carry a trailing "*** Move to: <path>" to rename the file as part of
// the edit.
func Parse(body string) (*Patch, error) {
	lines := strings.Split(body, "\n")

	start, end := -1, -1
	for i, l := range lines {
		trimmed := strings.TrimRight(l, "\r")
		if start == -1 && strings.TrimSpace(trimmed) == beginMarker {
			start = i
		}
		if strings.TrimSpace(trimmed) == endMarker {
			end = i
		}
	}
	if start == -1 {
		return nil, &ParseError{Line: 1, Reason: "missing '" + beginMarker + "'"}
	}
	if end == -1 || end < start {
		return nil, &ParseError{Line: len(lines), Reason: "missing '" + endMarker + "'"}
	}

	p := &Patch{}
	i := start + 1
	for i < end {
		line := strings.TrimRight(lines[i], "\r")
		switch {
		case strings.HasPrefix(line, addPrefix):
			change, next, err := parseAdd(lines, i, end)
			if err != nil {
				return nil, err
			}
			p.Changes = append(p.Changes, change)
			i = next
		case strings.HasPrefix(line, deletePrefix):
			p.Changes = append(p.Changes, FileChange{
				Kind: ChangeDelete,
				Path: strings.TrimSpace(strings.TrimPrefix(line, deletePrefix)),
			})
			i++
		case strings.HasPrefix(line, updatePrefix):
			change, next, err := parseUpdate(lines, i, end)
			if err != nil {
				return nil, err
			}
			p.Changes = append(p.Changes, change)
			i = next
		case strings.TrimSpace(line) == "":
			i++
		default:
			return nil, &ParseError{Line: i + 1, Reason: "expected a '*** Add/Update/Delete File:' section, got: " + line}
		}
	}

	if len(p.Changes) == 0 {
		return nil, &ParseError{Line: start + 1, Reason: "patch contains no file changes"}
	}
	return p, nil
}

func parseAdd(lines []string, i, end int) (FileChange, int, error) {
	path := strings.TrimSpace(strings.TrimPrefix(lines[i], addPrefix))
	if path == "" {
		return FileChange{}, 0, &ParseError{Line: i + 1, Reason: "add file section is missing a path"}
	}
	var content strings.Builder
	j := i + 1
	first := true
	for j < end && !isSectionHeader(lines[j]) {
		text, ok := strings.CutPrefix(lines[j], "+")
		if !ok {
			return FileChange{}, 0, &ParseError{Line: j + 1, Reason: "add file body line must start with '+': " + lines[j]}
		}
		if !first {
			content.WriteByte('\n')
		}
		content.WriteString(text)
		first = false
		j++
	}
	return FileChange{Kind: ChangeAdd, Path: path, Content: content.String()}, j, nil
}

func parseUpdate(lines []string, i, end int) (FileChange, int, error) {
	path := strings.TrimSpace(strings.TrimPrefix(lines[i], updatePrefix))
	if path == "" {
		return FileChange{}, 0, &ParseError{Line: i + 1, Reason: "update file section is missing a path"}
	}
	change := FileChange{Kind: ChangeUpdate, Path: path}

	j := i + 1
	var current *Hunk
	for j < end && !isSectionHeader(lines[j]) {
		line := lines[j]
		if strings.HasPrefix(line, moveToPrefix) {
			change.MoveTo = strings.TrimSpace(strings.TrimPrefix(line, moveToPrefix))
			j++
			continue
		}
		if strings.HasPrefix(line, hunkMarker) {
			change.Hunks = append(change.Hunks, Hunk{})
			current = &change.Hunks[len(change.Hunks)-1]
			j++
			continue
		}
		if current == nil {
			return FileChange{}, 0, &ParseError{Line: j + 1, Reason: "update body line appears before any '@@' hunk marker"}
		}
		kind, text, err := classifyHunkLine(line)
		if err != nil {
			return FileChange{}, 0, &ParseError{Line: j + 1, Reason: err.Error()}
		}
		current.Lines = append(current.Lines, HunkLine{Kind: kind, Text: text})
		j++
	}
	if len(change.Hunks) == 0 {
		return FileChange{}, 0, &ParseError{Line: i + 1, Reason: "update file section has no hunks"}
	}
	return change, j, nil
}

func classifyHunkLine(line string) (LineKind, string, error) {
	if line == "" {
		return LineContext, "", nil
	}
	switch line[0] {
	case ' ':
		return LineContext, line[1:], nil
	case '+':
		return LineAdd, line[1:], nil
	case '-':
		return LineRemove, line[1:], nil
	default:
		return 0, "", errors.New("hunk line must start with ' ', '+', or '-': " + line)
	}
}

func isSectionHeader(line string) bool {
	return strings.HasPrefix(line, addPrefix) ||
		strings.HasPrefix(line, deletePrefix) ||
		strings.HasPrefix(line, updatePrefix)
}
