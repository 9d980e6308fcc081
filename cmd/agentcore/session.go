package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"google.golang.org/genai"

	"agentcore/internal/bus"
	"agentcore/internal/config"
	"agentcore/internal/fallback"
	"agentcore/internal/hooks"
	"agentcore/internal/llm"
	"agentcore/internal/logging"
	"agentcore/internal/policy"
	"agentcore/internal/scheduler"
	"agentcore/internal/tools"
)

// session wires the execution core together for one CLI run: registry,
// policy engine, bus, hook runner, scheduler and model client.
type session struct {
	settings *config.Settings
	registry *tools.Registry
	engine   *policy.Engine
	msgBus   *bus.Bus
	hookReg  *hooks.Registry
	runner   *hooks.Runner
	sched    *scheduler.Scheduler
	model    *llm.Client
	watcher  *config.Watcher

	// confirmations carries approval requests to the prompt loop, and
	// batchDone signals completion of the active batch.
	confirmations chan bus.Message
	batchDone     chan []scheduler.ToolCall

	stdin    *bufio.Scanner
	promptID int
}

func newHookRegistry(settings *config.Settings) *hooks.Registry {
	registry := hooks.NewRegistry(settings.Hooks.RegistrySources())
	registry.Initialize()
	return registry
}

func newSession(ctx context.Context) (*session, error) {
	settings, err := loadSettings()
	if err != nil {
		return nil, err
	}
	policyOpts := settings.Policy.PolicyOptions()
	if nonInteractive {
		policyOpts.NonInteractive = true
	}

	s := &session{
		settings:      settings,
		registry:      tools.NewRegistry(),
		engine:        policy.NewEngine(policyOpts),
		msgBus:        bus.New(),
		confirmations: make(chan bus.Message, 16),
		batchDone:     make(chan []scheduler.ToolCall, 1),
		stdin:         bufio.NewScanner(os.Stdin),
	}
	tools.RegisterBuiltins(s.registry)
	s.engine.ReplaceRules(settings.Policy.CompileRules())

	s.hookReg = newHookRegistry(settings)
	s.runner = hooks.NewRunner(s.hookReg, s.engine, s.msgBus)

	s.msgBus.Subscribe(bus.MessageToolConfirmationRequest, func(m bus.Message) {
		select {
		case s.confirmations <- m:
		default:
			logging.Boot("dropping confirmation request for %s: prompt queue full", m.Confirmation.CallID)
		}
	})
	s.msgBus.Subscribe(bus.MessagePolicyRejection, func(m bus.Message) {
		fmt.Printf("  [policy] %s denied: %s\n", m.Rejection.ToolName, m.Rejection.Reason)
	})

	s.sched, err = scheduler.New(scheduler.Options{
		Registry:           s.registry,
		Policy:             s.engine,
		Bus:                s.msgBus,
		SuppressNeedsInput: settings.Scheduler.SuppressNeedsInput,
		PreferredEditor: func() string {
			return settings.Scheduler.PreferredEditor
		},
		Callbacks: scheduler.Callbacks{
			OnOutputUpdate: func(callID, chunk string) {
				fmt.Print(chunk)
			},
			OnAllComplete: func(calls []scheduler.ToolCall) {
				s.batchDone <- calls
			},
		},
	})
	if err != nil {
		return nil, err
	}

	key := apiKey
	if key == "" {
		key = os.Getenv("GEMINI_API_KEY")
	}
	modelName := settings.Model.Name
	if modelOverride != "" {
		modelName = modelOverride
	}
	fb := fallback.NewHandler(s.askFallback, openBrowser)
	s.model, err = llm.NewClient(ctx, llm.Options{
		APIKey:       key,
		Model:        modelName,
		SystemPrompt: settings.Model.SystemPrompt,
		AuthType:     fallback.AuthType(settings.Model.AuthType),
		Fallback:     fb,
	})
	if err != nil {
		return nil, err
	}

	if settingsPath != "" {
		s.watcher, err = config.NewWatcher(settingsPath, s.engine, s.msgBus)
		if err != nil {
			return nil, err
		}
		if err := s.watcher.Start(ctx); err != nil {
			return nil, err
		}
	}

	return s, nil
}

func (s *session) close(ctx context.Context) {
	if s.watcher != nil {
		s.watcher.Stop()
	}
	if _, err := s.runner.FireEvent(ctx, hooks.EventSessionEnd, nil); err != nil {
		logging.Hooks("session-end hooks failed: %v", err)
	}
	s.runner.Close()
}

func runSession(ctx context.Context, firstInstruction string) error {
	s, err := newSession(ctx)
	if err != nil {
		return err
	}
	defer s.close(ctx)

	if _, err := s.runner.FireEvent(ctx, hooks.EventSessionStart, nil); err != nil {
		logging.Hooks("session-start hooks failed: %v", err)
	}

	if firstInstruction != "" {
		if err := s.turn(ctx, firstInstruction); err != nil {
			return err
		}
	}

	for {
		fmt.Print("> ")
		if !s.stdin.Scan() {
			return s.stdin.Err()
		}
		line := strings.TrimSpace(s.stdin.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return nil
		}
		if err := s.turn(ctx, line); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
	}
}

func runOnce(ctx context.Context, instruction string) error {
	s, err := newSession(ctx)
	if err != nil {
		return err
	}
	defer s.close(ctx)

	if _, err := s.runner.FireEvent(ctx, hooks.EventSessionStart, nil); err != nil {
		logging.Hooks("session-start hooks failed: %v", err)
	}
	return s.turn(ctx, instruction)
}

// turn sends one instruction to the model and keeps scheduling the tool
// calls it proposes until a turn comes back without any.
func (s *session) turn(ctx context.Context, instruction string) error {
	s.promptID++
	promptID := fmt.Sprintf("prompt-%d", s.promptID)

	if _, err := s.runner.FireEvent(ctx, hooks.EventUserPromptSubmit, map[string]any{
		"prompt": instruction,
	}); err != nil {
		return fmt.Errorf("prompt blocked by hook: %w", err)
	}

	contents := []*genai.Content{
		genai.NewContentFromText(instruction, genai.RoleUser),
	}
	decls := llm.Declarations(s.registry)

	for {
		turn, err := s.model.Generate(ctx, promptID, contents, decls)
		if err != nil {
			return err
		}
		if turn.Text != "" {
			fmt.Println(turn.Text)
			contents = append(contents, genai.NewContentFromText(turn.Text, genai.RoleModel))
		}
		if len(turn.Calls) == 0 {
			return nil
		}

		results, err := s.runBatch(ctx, turn.Calls)
		if err != nil {
			return err
		}
		contents = append(contents, results...)
	}
}

// runBatch schedules one batch and services approval prompts until it
// completes. Returns function-response contents for the next model turn.
func (s *session) runBatch(ctx context.Context, requests []tools.CallRequest) ([]*genai.Content, error) {
	for _, req := range requests {
		if _, err := s.runner.FireEvent(ctx, hooks.EventPreToolUse, map[string]any{
			"tool_name": req.Name,
			"args":      req.Args,
		}); err != nil {
			return nil, fmt.Errorf("tool %s blocked by hook: %w", req.Name, err)
		}
	}

	if err := s.sched.Schedule(ctx, requests); err != nil {
		return nil, err
	}

	var calls []scheduler.ToolCall
	for calls == nil {
		select {
		case <-ctx.Done():
			s.sched.CancelAll(ctx)
			return nil, ctx.Err()
		case m := <-s.confirmations:
			s.answerConfirmation(m)
		case calls = <-s.batchDone:
		}
	}

	for _, call := range calls {
		if _, err := s.runner.FireEvent(ctx, hooks.EventPostToolUse, map[string]any{
			"tool_name": call.Request.Name,
			"status":    string(call.Status),
		}); err != nil {
			logging.Hooks("post-tool-use hooks failed for %s: %v", call.Request.Name, err)
		}
	}

	parts := make([]*genai.Part, 0, len(calls))
	for _, call := range calls {
		response := map[string]any{}
		switch call.Status {
		case scheduler.StatusSuccess:
			response["output"] = call.Response.Result.Content
		case scheduler.StatusCancelled:
			response["error"] = "cancelled: " + call.Response.Err.Error()
		default:
			response["error"] = call.Response.Err.Error()
		}
		parts = append(parts, genai.NewPartFromFunctionResponse(call.Request.Name, response))
	}
	return []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}, nil
}

// answerConfirmation prompts on stdin and publishes the outcome.
func (s *session) answerConfirmation(m bus.Message) {
	details := m.Confirmation
	fmt.Printf("\n  %s wants to run: %s\n", details.ToolName, details.Description)
	if details.Preview != "" {
		fmt.Println(details.Preview)
	}
	fmt.Print("  approve? [y/N] ")

	approved := false
	if s.stdin.Scan() {
		answer := strings.ToLower(strings.TrimSpace(s.stdin.Text()))
		approved = answer == "y" || answer == "yes"
	}

	s.msgBus.Publish(bus.Message{
		Type:          bus.MessageToolConfirmationResponse,
		CorrelationID: m.CorrelationID,
		Outcome: &bus.ConfirmationOutcome{
			CallID:   details.CallID,
			Approved: approved,
			Reason:   "answered at terminal",
		},
	})
}

// askFallback prompts for a model-downgrade decision after quota failures.
func (s *session) askFallback(ctx context.Context, failedModel, fallbackModel string, cause error) (fallback.Intent, error) {
	fmt.Printf("\n  %s is unavailable (%v)\n", failedModel, cause)
	fmt.Printf("  switch to %s? [always/once/later/stop/upgrade] ", fallbackModel)

	if !s.stdin.Scan() {
		return fallback.IntentRetryLater, s.stdin.Err()
	}
	switch strings.ToLower(strings.TrimSpace(s.stdin.Text())) {
	case "always", "a":
		return fallback.IntentRetryAlways, nil
	case "once", "o", "y", "yes":
		return fallback.IntentRetryOnce, nil
	case "stop", "s":
		return fallback.IntentStop, nil
	case "upgrade", "u":
		return fallback.IntentUpgrade, nil
	default:
		return fallback.IntentRetryLater, nil
	}
}

func openBrowser(url string) error {
	cmd := exec.Command("xdg-open", url)
	if err := cmd.Start(); err != nil {
		return err
	}
	return cmd.Process.Release()
}
