package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriteFilePreviewAndExecute(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hello.txt")
	if err := os.WriteFile(path, []byte("old content\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	tool := WriteFileTool()
	inv, err := tool.Build(CallRequest{
		CallID: "c1",
		Name:   "write_file",
		Args:   map[string]any{"path": path, "content": "new content\n"},
	})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	previewer, ok := inv.(EditPreviewer)
	if !ok {
		t.Fatal("write_file invocation should implement EditPreviewer")
	}

	preview, err := previewer.ProposedContent(context.Background())
	if err != nil {
		t.Fatalf("ProposedContent failed: %v", err)
	}
	if preview.OldContent != "old content\n" {
		t.Errorf("unexpected old content: %q", preview.OldContent)
	}
	if preview.NewContent != "new content\n" {
		t.Errorf("unexpected new content: %q", preview.NewContent)
	}

	// Preview must reflect external changes, not a cached snapshot.
	if err := os.WriteFile(path, []byte("changed outside\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	preview, err = previewer.ProposedContent(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if preview.OldContent != "changed outside\n" {
		t.Errorf("preview should re-read the file, got %q", preview.OldContent)
	}

	result, err := inv.Execute(context.Background(), nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !strings.Contains(result.Content, "Wrote") {
		t.Errorf("unexpected result content: %q", result.Content)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "new content\n" {
		t.Errorf("file content = %q, want %q", data, "new content\n")
	}
}

func TestWriteFilePreviewMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.txt")

	inv, err := WriteFileTool().Build(CallRequest{
		Name: "write_file",
		Args: map[string]any{"path": path, "content": "x"},
	})
	if err != nil {
		t.Fatal(err)
	}

	preview, err := inv.(EditPreviewer).ProposedContent(context.Background())
	if err != nil {
		t.Fatalf("missing file should preview as empty old content, got %v", err)
	}
	if preview.OldContent != "" {
		t.Errorf("old content should be empty, got %q", preview.OldContent)
	}
}

func TestWriteFileMissingArgs(t *testing.T) {
	_, err := WriteFileTool().Build(CallRequest{Name: "write_file", Args: map[string]any{"path": "p"}})
	if err == nil {
		t.Fatal("expected error for missing content arg")
	}
}

func TestReadFileExecute(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.txt")
	if err := os.WriteFile(path, []byte("payload"), 0o644); err != nil {
		t.Fatal(err)
	}

	inv, err := ReadFileTool().Build(CallRequest{Name: "read_file", Args: map[string]any{"path": path}})
	if err != nil {
		t.Fatal(err)
	}
	result, err := inv.Execute(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if result.Content != "payload" {
		t.Errorf("got %q, want %q", result.Content, "payload")
	}
}
