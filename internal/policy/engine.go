// Package policy decides whether a proposed tool call or lifecycle hook may
// run. The engine evaluates priority-ordered rules first, then lets safety
// checkers escalate the decision; checkers can never make a call safer than
// the rules said it was.
package policy

import (
	"context"
	"encoding/json"
	"regexp"
	"sort"
	"strings"
	"sync"

	"agentcore/internal/logging"
	"agentcore/internal/tools"
)

// Decision is the outcome of a policy evaluation.
type Decision string

const (
	// Allow permits the call without confirmation.
	Allow Decision = "allow"

	// Deny rejects the call outright.
	Deny Decision = "deny"

	// AskUser requires interactive confirmation before the call may run.
	AskUser Decision = "ask_user"
)

// wildcardSuffix marks a rule tool name that matches every tool of one
// server, e.g. "shell__*".
const wildcardSuffix = "__*"

// Rule maps a tool-call shape to a decision. Rules are immutable once added;
// the engine re-sorts its rule list on every mutation.
type Rule struct {
	// ToolName matches exactly, or as a server wildcard when it ends in
	// "__*". Empty matches every tool.
	ToolName string

	// ArgsPattern, when set, is tested against the canonical key-sorted
	// JSON rendering of the call arguments.
	ArgsPattern *regexp.Regexp

	// Decision applies when the rule matches.
	Decision Decision

	// Priority orders rules; higher wins. Equal priorities keep insertion
	// order.
	Priority int
}

// Result is the outcome of Check: the decision plus the rule that produced
// it, when one matched.
type Result struct {
	Decision Decision
	Rule     *Rule
}

// Options configures an Engine.
type Options struct {
	// DefaultDecision applies when no rule matches. Zero value means
	// AskUser.
	DefaultDecision Decision

	// NonInteractive coerces every AskUser outcome to Deny, since nobody
	// is there to answer.
	NonInteractive bool

	// HooksDisabled makes CheckHook deny everything.
	HooksDisabled bool

	// TrustedFolder marks the enclosing project folder as trusted.
	// Project-sourced hooks are denied when it is false.
	TrustedFolder bool
}

// Engine evaluates tool calls and hooks against rules and checkers. All list
// mutations go through Engine methods, which append and re-sort under the
// engine mutex.
type Engine struct {
	mu           sync.Mutex
	rules        []Rule
	checkers     []CheckerRule
	hookCheckers []HookCheckerRule
	opts         Options
}

// NewEngine creates an engine with the given options and no rules.
func NewEngine(opts Options) *Engine {
	if opts.DefaultDecision == "" {
		opts.DefaultDecision = AskUser
	}
	return &Engine{opts: opts}
}

// AddRule appends a rule and re-sorts by priority descending.
func (e *Engine) AddRule(rule Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append(e.rules, rule)
	sort.SliceStable(e.rules, func(i, j int) bool {
		return e.rules[i].Priority > e.rules[j].Priority
	})
	logging.PolicyDebug("added rule tool=%q decision=%s priority=%d (total %d)",
		rule.ToolName, rule.Decision, rule.Priority, len(e.rules))
}

// RemoveRulesForTool removes rules whose ToolName equals name exactly.
// Wildcard-registered rules ("server__*") are intentionally not reachable
// through this path; removing them would require knowing which wildcard an
// exact name was meant to fall under.
func (e *Engine) RemoveRulesForTool(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	kept := e.rules[:0]
	for _, r := range e.rules {
		if r.ToolName != name {
			kept = append(kept, r)
		}
	}
	e.rules = kept
}

// Rules returns a copy of the current rule list in evaluation order.
func (e *Engine) Rules() []Rule {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// ReplaceRules swaps the whole rule set, used when a settings reload arrives.
func (e *Engine) ReplaceRules(rules []Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = make([]Rule, len(rules))
	copy(e.rules, rules)
	sort.SliceStable(e.rules, func(i, j int) bool {
		return e.rules[i].Priority > e.rules[j].Priority
	})
	logging.Policy("rule set replaced: %d rules", len(e.rules))
}

// Check evaluates a tool call. serverName qualifies wildcard matching: a
// "prefix__*" rule only applies when serverName equals the prefix, so a
// server cannot claim another server's rules by naming its tools after it.
func (e *Engine) Check(ctx context.Context, call tools.CallRequest, serverName string) Result {
	// Canonical JSON is computed once and shared by every rule and checker
	// test for this call.
	argsJSON := CanonicalArgsJSON(call.Args)

	e.mu.Lock()
	rules := make([]Rule, len(e.rules))
	copy(rules, e.rules)
	checkers := make([]CheckerRule, len(e.checkers))
	copy(checkers, e.checkers)
	opts := e.opts
	e.mu.Unlock()

	decision := opts.DefaultDecision
	var matched *Rule
	for i := range rules {
		if ruleMatches(&rules[i], call.Name, serverName, argsJSON) {
			decision = rules[i].Decision
			matched = &rules[i]
			break
		}
	}

	if decision == Deny {
		logging.PolicyDebug("tool=%s denied by rule", call.Name)
		return Result{Decision: Deny, Rule: matched}
	}

	// Checkers may only keep or escalate the decision.
	for i := range checkers {
		cr := &checkers[i]
		if !ruleMatches(&cr.Rule, call.Name, serverName, argsJSON) {
			continue
		}
		d, err := cr.Checker.Check(ctx, call, argsJSON)
		if err != nil {
			// Fail closed: a broken checker is treated as a denial.
			logging.Policy("checker %s failed for tool=%s, denying: %v", cr.Name, call.Name, err)
			return Result{Decision: Deny, Rule: matched}
		}
		switch d {
		case Deny:
			return Result{Decision: Deny, Rule: matched}
		case AskUser:
			decision = AskUser
		}
	}

	return Result{Decision: coerce(decision, opts.NonInteractive), Rule: matched}
}

// coerce applies non-interactive coercion; it must run at every decision
// exit point so checker-escalated AskUser is treated the same as a
// rule-level one.
func coerce(d Decision, nonInteractive bool) Decision {
	if nonInteractive && d == AskUser {
		return Deny
	}
	return d
}

func ruleMatches(r *Rule, toolName, serverName, argsJSON string) bool {
	if r.ToolName != "" {
		if strings.HasSuffix(r.ToolName, wildcardSuffix) {
			prefix := strings.TrimSuffix(r.ToolName, wildcardSuffix)
			if !strings.HasPrefix(toolName, prefix+"__") {
				return false
			}
			// Strict equality guard: a qualified call must come from the
			// server the wildcard names.
			if serverName != "" && serverName != prefix {
				return false
			}
		} else if r.ToolName != toolName {
			return false
		}
	}
	if r.ArgsPattern != nil && !r.ArgsPattern.MatchString(argsJSON) {
		return false
	}
	return true
}

// CanonicalArgsJSON renders args as key-sorted JSON so argument ordering
// cannot evade pattern matching. encoding/json already emits map keys in
// sorted order at every nesting level.
func CanonicalArgsJSON(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	data, err := json.Marshal(args)
	if err != nil {
		// Unserializable args cannot be pattern-matched; an empty object
		// fails any pattern that inspects values, which is the safe side.
		logging.PolicyDebug("args not serializable: %v", err)
		return "{}"
	}
	return string(data)
}
