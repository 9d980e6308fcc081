// Package diff renders proposed-content previews for edit approvals using
// the sergi/go-diff library.
package diff

import (
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Stats summarizes a computed diff.
type Stats struct {
	Added   int
	Removed int
}

// Engine computes line-level diffs. Safe for concurrent use.
type Engine struct {
	dmp *diffmatchpatch.DiffMatchPatch
}

// NewEngine creates a diff engine tuned for code content.
func NewEngine() *Engine {
	dmp := diffmatchpatch.New()
	dmp.DiffTimeout = 0 // favor accuracy over speed for approval previews
	return &Engine{dmp: dmp}
}

// DefaultEngine is a shared engine for general use.
var DefaultEngine = NewEngine()

// Unified renders a unified-style diff between old and new content. Returns
// "" when the contents are identical.
func (e *Engine) Unified(path, oldContent, newContent string) string {
	s, _ := e.unified(path, oldContent, newContent)
	return s
}

// UnifiedWithStats is Unified plus added/removed line counts.
func (e *Engine) UnifiedWithStats(path, oldContent, newContent string) (string, Stats) {
	return e.unified(path, oldContent, newContent)
}

func (e *Engine) unified(path, oldContent, newContent string) (string, Stats) {
	if oldContent == newContent {
		return "", Stats{}
	}

	// Line-level reduction avoids newline boundary artifacts when mapping
	// character diffs back onto lines.
	a, b, lineArray := e.dmp.DiffLinesToChars(oldContent, newContent)
	diffs := e.dmp.DiffMain(a, b, false)
	diffs = e.dmp.DiffCleanupSemantic(diffs)
	diffs = e.dmp.DiffCharsToLines(diffs, lineArray)

	var sb strings.Builder
	var stats Stats

	header := path
	if oldContent == "" {
		header += " (new file)"
	}
	fmt.Fprintf(&sb, "--- %s\n+++ %s\n", header, path)

	for _, d := range diffs {
		prefix := " "
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			prefix = "+"
		case diffmatchpatch.DiffDelete:
			prefix = "-"
		}
		for _, line := range splitLines(d.Text) {
			sb.WriteString(prefix)
			sb.WriteString(line)
			sb.WriteString("\n")
			switch d.Type {
			case diffmatchpatch.DiffInsert:
				stats.Added++
			case diffmatchpatch.DiffDelete:
				stats.Removed++
			}
		}
	}

	return sb.String(), stats
}

// Unified renders a diff using the default engine.
func Unified(path, oldContent, newContent string) string {
	return DefaultEngine.Unified(path, oldContent, newContent)
}

func splitLines(text string) []string {
	lines := strings.Split(text, "\n")
	// A trailing newline leaves one empty trailing element after Split.
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
