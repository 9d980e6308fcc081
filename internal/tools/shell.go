package tools

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"

	"agentcore/internal/logging"
)

// ShellTool returns the built-in command execution tool. The invocation
// streams combined stdout/stderr through the output sink and stops
// cooperatively when the context is cancelled.
func ShellTool() *Tool {
	return &Tool{
		Name:        "run_command",
		Description: "Execute a shell command and return its output",
		Kind:        KindExecute,
		Build: func(req CallRequest) (Invocation, error) {
			command, err := RequiredString(req.Args, "command")
			if err != nil {
				return nil, err
			}
			return &shellInvocation{
				command:    command,
				workingDir: OptionalString(req.Args, "working_dir"),
			}, nil
		},
	}
}

type shellInvocation struct {
	command    string
	workingDir string
}

func (s *shellInvocation) Description() string {
	if s.workingDir != "" {
		return fmt.Sprintf("run_command: %s (in %s)", s.command, s.workingDir)
	}
	return "run_command: " + s.command
}

func (s *shellInvocation) Execute(ctx context.Context, sink OutputSink) (InvocationResult, error) {
	logging.ToolsDebug("run_command: cmd=%s dir=%s", s.command, s.workingDir)

	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(ctx, "cmd", "/C", s.command)
	} else {
		cmd = exec.CommandContext(ctx, "sh", "-c", s.command)
	}
	cmd.Dir = s.workingDir
	cmd.Env = os.Environ()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return InvocationResult{}, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return InvocationResult{}, fmt.Errorf("starting command: %w", err)
	}

	// Stream line by line so partial output survives cancellation.
	var buf strings.Builder
	var mu sync.Mutex
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text() + "\n"
		mu.Lock()
		buf.WriteString(line)
		mu.Unlock()
		if sink != nil {
			sink(line)
		}
	}

	waitErr := cmd.Wait()

	mu.Lock()
	output := buf.String()
	mu.Unlock()

	if ctx.Err() != nil {
		// Partial output travels with the cancellation so the caller can
		// still show what ran.
		return InvocationResult{Content: output}, ctx.Err()
	}
	if waitErr != nil {
		return InvocationResult{Content: output}, fmt.Errorf("command failed: %w", waitErr)
	}
	return InvocationResult{Content: output}, nil
}
