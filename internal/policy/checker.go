package policy

import (
	"context"
	"sort"

	"agentcore/internal/logging"
	"agentcore/internal/tools"
)

// Checker is a pluggable safety validator consulted after the rule decision.
// Checkers run only when the rules did not already deny, and may only keep
// or escalate the decision.
type Checker interface {
	// Check returns the checker's verdict for the call. argsJSON is the
	// canonical key-sorted rendering of the call arguments, shared across
	// all checkers for the call.
	Check(ctx context.Context, call tools.CallRequest, argsJSON string) (Decision, error)
}

// CheckerFunc adapts a function to the Checker interface.
type CheckerFunc func(ctx context.Context, call tools.CallRequest, argsJSON string) (Decision, error)

// Check implements Checker.
func (f CheckerFunc) Check(ctx context.Context, call tools.CallRequest, argsJSON string) (Decision, error) {
	return f(ctx, call, argsJSON)
}

// CheckerRule attaches a checker to the same matching shape rules use.
type CheckerRule struct {
	Rule    Rule // Decision field unused; matching shape and priority only
	Name    string
	Checker Checker
}

// AddChecker appends a checker rule and re-sorts by priority descending.
func (e *Engine) AddChecker(cr CheckerRule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.checkers = append(e.checkers, cr)
	sort.SliceStable(e.checkers, func(i, j int) bool {
		return e.checkers[i].Rule.Priority > e.checkers[j].Rule.Priority
	})
}

// HookCheckRequest describes a hook about to fire, for policy evaluation.
// Source is the settings layer the hook came from ("project", "user",
// "system", "extensions").
type HookCheckRequest struct {
	EventName string
	Source    string
	HookName  string
}

// HookChecker validates hook executions, with the same escalate-only
// contract as tool checkers.
type HookChecker interface {
	CheckHook(ctx context.Context, req HookCheckRequest) (Decision, error)
}

// HookCheckerFunc adapts a function to the HookChecker interface.
type HookCheckerFunc func(ctx context.Context, req HookCheckRequest) (Decision, error)

// CheckHook implements HookChecker.
func (f HookCheckerFunc) CheckHook(ctx context.Context, req HookCheckRequest) (Decision, error) {
	return f(ctx, req)
}

// HookCheckerRule matches hook checkers on event name and/or source; empty
// fields match anything.
type HookCheckerRule struct {
	EventName string
	Source    string
	Priority  int
	Name      string
	Checker   HookChecker
}

// AddHookChecker appends a hook checker rule and re-sorts by priority
// descending.
func (e *Engine) AddHookChecker(hr HookCheckerRule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hookCheckers = append(e.hookCheckers, hr)
	sort.SliceStable(e.hookCheckers, func(i, j int) bool {
		return e.hookCheckers[i].Priority > e.hookCheckers[j].Priority
	})
}

// CheckHook evaluates a hook execution. Hooks are configuration-declared
// rather than model-proposed, so they default to Allow. Hooks as a whole
// can still be disabled, project hooks are denied in untrusted folders,
// and hook checkers escalate exactly like tool checkers.
func (e *Engine) CheckHook(ctx context.Context, req HookCheckRequest) Decision {
	e.mu.Lock()
	checkers := make([]HookCheckerRule, len(e.hookCheckers))
	copy(checkers, e.hookCheckers)
	opts := e.opts
	e.mu.Unlock()

	if opts.HooksDisabled {
		return Deny
	}
	if req.Source == "project" && !opts.TrustedFolder {
		logging.Policy("denying project hook %s: folder not trusted", req.HookName)
		return Deny
	}

	decision := Allow
	for i := range checkers {
		hr := &checkers[i]
		if hr.EventName != "" && hr.EventName != req.EventName {
			continue
		}
		if hr.Source != "" && hr.Source != req.Source {
			continue
		}
		d, err := hr.Checker.CheckHook(ctx, req)
		if err != nil {
			logging.Policy("hook checker %s failed for event=%s, denying: %v", hr.Name, req.EventName, err)
			return Deny
		}
		switch d {
		case Deny:
			return Deny
		case AskUser:
			decision = AskUser
		}
	}

	return coerce(decision, opts.NonInteractive)
}
