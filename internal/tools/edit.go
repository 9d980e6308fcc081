package tools

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"agentcore/internal/logging"
)

// WriteFileTool returns the built-in file-write tool. Its invocation
// implements EditPreviewer so the scheduler can render a diff before asking
// for approval.
func WriteFileTool() *Tool {
	return &Tool{
		Name:        "write_file",
		Description: "Create or overwrite a file with the given content",
		Kind:        KindEdit,
		Build: func(req CallRequest) (Invocation, error) {
			path, err := RequiredString(req.Args, "path")
			if err != nil {
				return nil, err
			}
			content, err := RequiredString(req.Args, "content")
			if err != nil {
				return nil, err
			}
			return &writeFileInvocation{path: path, content: content}, nil
		},
	}
}

type writeFileInvocation struct {
	path    string
	content string
}

func (w *writeFileInvocation) Description() string {
	return fmt.Sprintf("write_file: %s (%d bytes)", w.path, len(w.content))
}

// ProposedContent reads the current file state on every call rather than
// caching it, so re-confirmation after an external change shows the real
// diff.
func (w *writeFileInvocation) ProposedContent(ctx context.Context) (EditPreview, error) {
	if err := ctx.Err(); err != nil {
		return EditPreview{}, err
	}
	old, err := os.ReadFile(w.path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return EditPreview{}, fmt.Errorf("reading %s: %w", w.path, err)
	}
	return EditPreview{
		Path:       w.path,
		OldContent: string(old),
		NewContent: w.content,
	}, nil
}

func (w *writeFileInvocation) Execute(ctx context.Context, sink OutputSink) (InvocationResult, error) {
	if err := ctx.Err(); err != nil {
		return InvocationResult{}, err
	}

	if dir := filepath.Dir(w.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return InvocationResult{}, fmt.Errorf("creating directory: %w", err)
		}
	}
	if err := os.WriteFile(w.path, []byte(w.content), 0o644); err != nil {
		return InvocationResult{}, fmt.Errorf("writing %s: %w", w.path, err)
	}

	logging.ToolsDebug("write_file: wrote %d bytes to %s", len(w.content), w.path)
	return InvocationResult{Content: fmt.Sprintf("Wrote %d bytes to %s", len(w.content), w.path)}, nil
}

// ReadFileTool returns the built-in file-read tool.
func ReadFileTool() *Tool {
	return &Tool{
		Name:        "read_file",
		Description: "Read a file and return its content",
		Kind:        KindRead,
		Build: func(req CallRequest) (Invocation, error) {
			path, err := RequiredString(req.Args, "path")
			if err != nil {
				return nil, err
			}
			return &readFileInvocation{path: path}, nil
		},
	}
}

type readFileInvocation struct {
	path string
}

func (r *readFileInvocation) Description() string {
	return "read_file: " + r.path
}

func (r *readFileInvocation) Execute(ctx context.Context, sink OutputSink) (InvocationResult, error) {
	if err := ctx.Err(); err != nil {
		return InvocationResult{}, err
	}
	data, err := os.ReadFile(r.path)
	if err != nil {
		return InvocationResult{}, fmt.Errorf("reading %s: %w", r.path, err)
	}
	return InvocationResult{Content: string(data)}, nil
}

// RegisterBuiltins registers the built-in tools into a registry.
func RegisterBuiltins(reg *Registry) {
	reg.MustRegister(ShellTool())
	reg.MustRegister(WriteFileTool())
	reg.MustRegister(ReadFileTool())
}
