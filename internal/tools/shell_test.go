package tools

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"testing"
	"time"
)

func TestShellInvocationStreamsOutput(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix shell test")
	}

	inv, err := ShellTool().Build(CallRequest{
		CallID: "c1",
		Name:   "run_command",
		Args:   map[string]any{"command": "echo one; echo two"},
	})
	if err != nil {
		t.Fatal(err)
	}

	var chunks []string
	result, err := inv.Execute(context.Background(), func(chunk string) {
		chunks = append(chunks, chunk)
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Content != "one\ntwo\n" {
		t.Errorf("content = %q", result.Content)
	}
	if len(chunks) != 2 {
		t.Errorf("expected 2 streamed chunks, got %d: %v", len(chunks), chunks)
	}
}

func TestShellInvocationCooperativeCancel(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix shell test")
	}

	inv, err := ShellTool().Build(CallRequest{
		Name: "run_command",
		Args: map[string]any{"command": "echo started; sleep 30"},
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	result, err := inv.Execute(ctx, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("cancellation was not cooperative")
	}
	// Partial output survives.
	if !strings.Contains(result.Content, "started") {
		t.Errorf("partial output lost: %q", result.Content)
	}
}

func TestShellInvocationFailure(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix shell test")
	}

	inv, err := ShellTool().Build(CallRequest{
		Name: "run_command",
		Args: map[string]any{"command": "echo oops >&2; exit 3"},
	})
	if err != nil {
		t.Fatal(err)
	}

	result, err := inv.Execute(context.Background(), nil)
	if err == nil {
		t.Fatal("expected error for non-zero exit")
	}
	if !strings.Contains(result.Content, "oops") {
		t.Errorf("stderr should be captured, got %q", result.Content)
	}
}
