// Package diff computes and renders differences between two slide content
// snapshots: a unified line diff over the raw slide markup, and an
// element-level diff over the structured content model.
package diff

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// ErrInsufficientData is returned when either side's content is missing
// (nil). An empty string is valid input; empty-vs-nonempty is a real diff.
var ErrInsufficientData = errors.New("insufficient data for diff")

// contextLines is the number of unchanged lines kept around each change,
// matching conventional unified diff output.
const contextLines = 3

type LineKind string

const (
	LineContext LineKind = "context"
	LineAdded   LineKind = "added"
	LineRemoved LineKind = "removed"
)

// Line is one logical line of a hunk. Text carries no newline terminator;
// NoEOL marks a document-final line that had none, so replaying a hunk
// stream reproduces the compare side byte for byte.
type Line struct {
	Kind  LineKind `json:"kind"`
	Text  string   `json:"text"`
	NoEOL bool     `json:"noEol,omitempty"`
}

// Hunk is one contiguous region of change with surrounding context.
// Starts are 1-based line numbers; a zero-length side reports the line
// before the hunk, per unified diff convention.
type Hunk struct {
	OldStart int    `json:"oldStart"`
	OldLines int    `json:"oldLines"`
	NewStart int    `json:"newStart"`
	NewLines int    `json:"newLines"`
	Lines    []Line `json:"lines"`
}

// Header renders the hunk range marker, e.g. "@@ -3,7 +3,8 @@".
func (h Hunk) Header() string {
	return fmt.Sprintf("@@ -%d,%d +%d,%d @@", h.OldStart, h.OldLines, h.NewStart, h.NewLines)
}

// Lines computes the unified line diff between two markup snapshots. Either
// side being nil means the slide content was absent, which is an error
// distinct from an empty document.
func Lines(base, compare *string) ([]Hunk, error) {
	if base == nil || compare == nil {
		return nil, ErrInsufficientData
	}

	ops := lineOps(*base, *compare)
	return buildHunks(ops), nil
}

// lineOps runs the line-mode Myers diff and flattens the result into one
// op per line.
func lineOps(base, compare string) []Line {
	dmp := diffmatchpatch.New()
	baseChars, compareChars, lineArray := dmp.DiffLinesToChars(base, compare)
	diffs := dmp.DiffMain(baseChars, compareChars, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)

	var ops []Line
	for _, d := range diffs {
		kind := LineContext
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			kind = LineAdded
		case diffmatchpatch.DiffDelete:
			kind = LineRemoved
		}
		for _, line := range splitLines(d.Text) {
			line.Kind = kind
			ops = append(ops, line)
		}
	}
	return ops
}

// splitLines breaks a chunk into logical lines without their newline
// terminators. A final segment with no terminator becomes a line with
// NoEOL set; the chunk is recoverable from the result.
func splitLines(chunk string) []Line {
	var lines []Line
	for len(chunk) > 0 {
		idx := strings.IndexByte(chunk, '\n')
		if idx < 0 {
			lines = append(lines, Line{Text: chunk, NoEOL: true})
			break
		}
		lines = append(lines, Line{Text: chunk[:idx]})
		chunk = chunk[idx+1:]
	}
	return lines
}

// buildHunks groups changed ops into hunks, keeping contextLines of
// unchanged material on each side and merging changes whose gaps are
// within 2*contextLines.
func buildHunks(ops []Line) []Hunk {
	changed := make([]int, 0)
	for i, op := range ops {
		if op.Kind != LineContext {
			changed = append(changed, i)
		}
	}
	if len(changed) == 0 {
		return []Hunk{}
	}

	type span struct{ first, last int }
	spans := []span{{changed[0], changed[0]}}
	for _, idx := range changed[1:] {
		current := &spans[len(spans)-1]
		if idx-current.last <= 2*contextLines {
			current.last = idx
			continue
		}
		spans = append(spans, span{idx, idx})
	}

	hunks := make([]Hunk, 0, len(spans))
	for _, sp := range spans {
		start := sp.first - contextLines
		if start < 0 {
			start = 0
		}
		end := sp.last + contextLines
		if end > len(ops)-1 {
			end = len(ops) - 1
		}

		oldBefore, newBefore := 0, 0
		for _, op := range ops[:start] {
			switch op.Kind {
			case LineContext:
				oldBefore++
				newBefore++
			case LineRemoved:
				oldBefore++
			case LineAdded:
				newBefore++
			}
		}

		hunk := Hunk{Lines: append([]Line(nil), ops[start:end+1]...)}
		for _, op := range hunk.Lines {
			switch op.Kind {
			case LineContext:
				hunk.OldLines++
				hunk.NewLines++
			case LineRemoved:
				hunk.OldLines++
			case LineAdded:
				hunk.NewLines++
			}
		}
		hunk.OldStart = oldBefore + 1
		if hunk.OldLines == 0 {
			hunk.OldStart = oldBefore
		}
		hunk.NewStart = newBefore + 1
		if hunk.NewLines == 0 {
			hunk.NewStart = newBefore
		}
		hunks = append(hunks, hunk)
	}
	return hunks
}
