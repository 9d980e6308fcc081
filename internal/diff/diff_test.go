package diff

import (
	"strings"
	"testing"
)

func TestUnifiedIdenticalContent(t *testing.T) {
	if got := Unified("a.txt", "same\n", "same\n"); got != "" {
		t.Errorf("identical content should render empty diff, got %q", got)
	}
}

func TestUnifiedAddAndRemove(t *testing.T) {
	old := "one\ntwo\nthree\n"
	new := "one\nTWO\nthree\n"

	out, stats := NewEngine().UnifiedWithStats("a.txt", old, new)

	if !strings.Contains(out, "-two\n") {
		t.Errorf("missing removed line in:\n%s", out)
	}
	if !strings.Contains(out, "+TWO\n") {
		t.Errorf("missing added line in:\n%s", out)
	}
	if !strings.Contains(out, " one\n") {
		t.Errorf("missing context line in:\n%s", out)
	}
	if stats.Added != 1 || stats.Removed != 1 {
		t.Errorf("stats = %+v, want 1 added 1 removed", stats)
	}
}

func TestUnifiedNewFile(t *testing.T) {
	out := Unified("b.txt", "", "hello\nworld\n")

	if !strings.Contains(out, "(new file)") {
		t.Errorf("new file marker missing:\n%s", out)
	}
	if !strings.Contains(out, "+hello\n") || !strings.Contains(out, "+world\n") {
		t.Errorf("added lines missing:\n%s", out)
	}
	if strings.Contains(out, "\n-") {
		t.Errorf("new file diff should have no removals:\n%s", out)
	}
}

func TestUnifiedNoTrailingNewline(t *testing.T) {
	out := Unified("c.txt", "a", "b")
	if !strings.Contains(out, "-a\n") || !strings.Contains(out, "+b\n") {
		t.Errorf("content without trailing newline mishandled:\n%s", out)
	}
}
