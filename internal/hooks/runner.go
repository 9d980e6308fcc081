package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
	"golang.org/x/sync/errgroup"

	"agentcore/internal/bus"
	"agentcore/internal/logging"
	"agentcore/internal/policy"
)

// blockExitCode is the command-hook exit code meaning "block the action".
const blockExitCode = 2

// Outcome is the result of firing one hook entry.
type Outcome struct {
	EntryID string
	Output  string
	Blocked bool
	Err     error
}

// Runner fires hook entries for lifecycle events. Every execution is first
// cleared with the policy engine and then dispatched as a request/response
// exchange over the message bus, so external observers see hook traffic the
// same way they see tool confirmations.
type Runner struct {
	registry *Registry
	engine   *policy.Engine
	msgBus   *bus.Bus
	subID    bus.SubscriptionID

	// baseCtx bounds every hook execution to the runner's lifetime.
	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

// NewRunner wires a runner to its registry, policy engine, and bus. The
// runner subscribes itself as the executor for hook-execution requests.
func NewRunner(registry *Registry, engine *policy.Engine, msgBus *bus.Bus) *Runner {
	baseCtx, baseCancel := context.WithCancel(context.Background())
	r := &Runner{
		registry:   registry,
		engine:     engine,
		msgBus:     msgBus,
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		inflight:   make(map[string]context.CancelFunc),
	}
	r.subID = msgBus.Subscribe(bus.MessageHookExecutionRequest, r.onExecutionRequest)
	return r
}

// Close detaches the runner from the bus and cancels any hooks still
// running.
func (r *Runner) Close() {
	r.msgBus.Unsubscribe(bus.MessageHookExecutionRequest, r.subID)
	r.baseCancel()
}

func (r *Runner) trackExecution(id string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inflight[id] = cancel
}

func (r *Runner) untrackExecution(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inflight, id)
}

// cancelExecution stops an in-flight execution. It is a no-op once the
// execution has finished.
func (r *Runner) cancelExecution(id string) {
	r.mu.Lock()
	cancel := r.inflight[id]
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// FireEvent runs every enabled hook registered for the event. Entries from
// sequential definitions run in registration order; the rest run
// concurrently. A blocked outcome from any entry is reported in the returned
// slice and as ErrHookBlocked.
func (r *Runner) FireEvent(ctx context.Context, eventName string, payload map[string]any) ([]Outcome, error) {
	entries := r.registry.HooksForEvent(eventName)
	if len(entries) == 0 {
		return nil, nil
	}

	toolName, _ := payload["tool_name"].(string)

	var sequential, parallel []*Entry
	for _, e := range entries {
		if !matcherMatches(e.Matcher, toolName) {
			continue
		}
		if e.Sequential {
			sequential = append(sequential, e)
		} else {
			parallel = append(parallel, e)
		}
	}

	outcomes := make([]Outcome, 0, len(sequential)+len(parallel))

	for _, e := range sequential {
		outcomes = append(outcomes, r.fireOne(ctx, e, eventName, payload))
	}

	if len(parallel) > 0 {
		results := make([]Outcome, len(parallel))
		g, gctx := errgroup.WithContext(ctx)
		for i, e := range parallel {
			i, e := i, e
			g.Go(func() error {
				results[i] = r.fireOne(gctx, e, eventName, payload)
				return nil
			})
		}
		_ = g.Wait() // individual failures live in the outcomes
		outcomes = append(outcomes, results...)
	}

	for _, o := range outcomes {
		if o.Blocked {
			return outcomes, ErrHookBlocked
		}
	}
	return outcomes, nil
}

// fireOne checks policy for a single entry and dispatches it over the bus.
func (r *Runner) fireOne(ctx context.Context, e *Entry, eventName string, payload map[string]any) Outcome {
	decision := r.engine.CheckHook(ctx, policy.HookCheckRequest{
		EventName: eventName,
		Source:    string(e.Source),
		HookName:  e.DisplayName(),
	})
	r.msgBus.Publish(bus.Message{
		Type:         bus.MessageHookPolicyDecision,
		HookDecision: &bus.HookPolicyDecision{EntryID: e.ID, Decision: string(decision)},
	})
	if decision != policy.Allow {
		logging.HooksDebug("hook %s (%s) not allowed: %s", e.DisplayName(), e.ID, decision)
		return Outcome{EntryID: e.ID, Err: fmt.Errorf("hook %s denied by policy", e.DisplayName())}
	}

	execID := uuid.NewString()
	resp, err := r.msgBus.Request(ctx, bus.Message{
		Type: bus.MessageHookExecutionRequest,
		HookRequest: &bus.HookExecutionRequest{
			ExecutionID: execID,
			EntryID:     e.ID,
			EventName:   eventName,
			Payload:     payload,
		},
	}, bus.MessageHookExecutionResponse)
	if err != nil {
		// The wait was abandoned; stop the execution rather than letting
		// the hook run to completion in the background.
		r.cancelExecution(execID)
		return Outcome{EntryID: e.ID, Err: err}
	}
	if resp.HookResponse == nil {
		return Outcome{EntryID: e.ID, Err: errors.New("hook execution response missing payload")}
	}

	out := Outcome{
		EntryID: e.ID,
		Output:  resp.HookResponse.Output,
		Blocked: resp.HookResponse.Blocked,
	}
	if resp.HookResponse.Error != "" {
		out.Err = errors.New(resp.HookResponse.Error)
	}
	return out
}

// onExecutionRequest is the bus listener that actually executes hooks. It
// runs each request on its own goroutine so a slow hook never stalls the
// publisher.
func (r *Runner) onExecutionRequest(msg bus.Message) {
	req := msg.HookRequest
	if req == nil {
		logging.Hooks("ignoring hook execution request without a payload")
		r.msgBus.Publish(bus.Message{
			Type:          bus.MessageHookExecutionResponse,
			CorrelationID: msg.CorrelationID,
			HookResponse:  &bus.HookExecutionResponse{Error: "hook execution request missing payload"},
		})
		return
	}
	entry := r.findEntry(req.EntryID)

	ctx, cancel := context.WithCancel(r.baseCtx)
	r.trackExecution(req.ExecutionID, cancel)

	go func() {
		defer func() {
			r.untrackExecution(req.ExecutionID)
			cancel()
		}()
		resp := &bus.HookExecutionResponse{EntryID: req.EntryID}
		if entry == nil {
			resp.Error = "unknown hook entry: " + req.EntryID
		} else {
			output, blocked, err := r.execute(ctx, entry, req.Payload)
			resp.Output = output
			resp.Blocked = blocked
			if err != nil {
				resp.Error = err.Error()
			}
		}
		r.msgBus.Publish(bus.Message{
			Type:          bus.MessageHookExecutionResponse,
			CorrelationID: msg.CorrelationID,
			HookResponse:  resp,
		})
	}()
}

func (r *Runner) findEntry(id string) *Entry {
	for _, e := range r.registry.AllHooks() {
		if e.ID == id {
			return e
		}
	}
	return nil
}

func (r *Runner) execute(ctx context.Context, e *Entry, payload map[string]any) (string, bool, error) {
	input, err := json.Marshal(payload)
	if err != nil {
		return "", false, fmt.Errorf("encoding hook payload: %w", err)
	}

	switch e.Config.Type {
	case HookCommand:
		return runCommandHook(ctx, e.Config.Command, input)
	case HookPlugin:
		out, err := runPluginHook(ctx, e.Config.Code, string(input))
		return out, false, err
	default:
		return "", false, errUnknownHookType
	}
}

func matcherMatches(matcher, toolName string) bool {
	if matcher == "" {
		return true
	}
	re, err := regexp.Compile(matcher)
	if err != nil {
		logging.Hooks("invalid hook matcher %q, treating as non-match: %v", matcher, err)
		return false
	}
	return re.MatchString(toolName)
}

// runCommandHook feeds the event payload to the command on stdin. Exit code
// 2 means the hook wants the triggering action blocked.
func runCommandHook(ctx context.Context, command string, input []byte) (string, bool, error) {
	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(ctx, "cmd", "/C", command)
	} else {
		cmd = exec.CommandContext(ctx, "sh", "-c", command)
	}
	cmd.Stdin = bytes.NewReader(input)
	// Orphaned children of a killed shell can hold the output pipes open.
	cmd.WaitDelay = 5 * time.Second

	out, err := cmd.CombinedOutput()
	output := string(out)
	if err != nil {
		if ctx.Err() != nil {
			return output, false, fmt.Errorf("hook command cancelled: %w", ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == blockExitCode {
			return output, true, nil
		}
		return output, false, fmt.Errorf("hook command failed: %w", err)
	}
	return output, false, nil
}

// Plugin hooks run interpreted Go instead of compiled binaries, so a broken
// plugin cannot crash the agent and dependency resolution never happens at
// hook time. Only whitelisted stdlib imports are allowed.
var allowedPluginImports = map[string]bool{
	"strings":         true,
	"strconv":         true,
	"fmt":             true,
	"math":            true,
	"regexp":          true,
	"encoding/json":   true,
	"encoding/base64": true,
	"time":            true,
	"sort":            true,
	"bytes":           true,
	"path":            true,
	"path/filepath":   true,

	// Explicitly blocked: os, os/exec, net, net/http, syscall, unsafe.
}

// runPluginHook evaluates the plugin code and calls its RunHook function
// with the JSON-encoded payload.
func runPluginHook(ctx context.Context, code, input string) (string, error) {
	if err := validatePluginImports(code); err != nil {
		return "", fmt.Errorf("invalid imports: %w", err)
	}

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return "", fmt.Errorf("loading stdlib: %w", err)
	}

	if !strings.Contains(code, "package ") {
		code = "package main\n\n" + code
	}
	if _, err := i.Eval(code); err != nil {
		return "", fmt.Errorf("plugin evaluation failed: %w", err)
	}

	fn, err := i.Eval("main.RunHook")
	if err != nil {
		return "", fmt.Errorf("RunHook function not found: %w", err)
	}
	runHook, ok := fn.Interface().(func(string) (string, error))
	if !ok {
		return "", errors.New("RunHook has incorrect signature (expected func(string) (string, error))")
	}

	resultCh := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		out, err := runHook(input)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- out
	}()

	select {
	case out := <-resultCh:
		return out, nil
	case err := <-errCh:
		return "", err
	case <-ctx.Done():
		return "", fmt.Errorf("plugin hook timed out: %w", ctx.Err())
	}
}

func validatePluginImports(code string) error {
	var imports []string
	inBlock := false
	for _, line := range strings.Split(code, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "import ("):
			inBlock = true
		case inBlock && strings.HasPrefix(trimmed, ")"):
			inBlock = false
		case inBlock && trimmed != "":
			imports = append(imports, strings.Trim(trimmed, `"`))
		case strings.HasPrefix(trimmed, "import "):
			imports = append(imports, strings.Trim(strings.TrimPrefix(trimmed, "import "), `"`))
		}
	}

	var forbidden []string
	for _, pkg := range imports {
		if !allowedPluginImports[pkg] {
			forbidden = append(forbidden, pkg)
		}
	}
	if len(forbidden) > 0 {
		return fmt.Errorf("forbidden imports: %v", forbidden)
	}
	return nil
}
