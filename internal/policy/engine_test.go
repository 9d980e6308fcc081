package policy

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"

	"agentcore/internal/tools"
)

func call(name string, args map[string]any) tools.CallRequest {
	return tools.CallRequest{CallID: "c1", Name: name, Args: args}
}

func TestDefaultDecisionIsAskUser(t *testing.T) {
	e := NewEngine(Options{})
	res := e.Check(context.Background(), call("anything", nil), "")
	assert.Equal(t, AskUser, res.Decision)
	assert.Nil(t, res.Rule)
}

func TestHigherPriorityWinsRegardlessOfInsertionOrder(t *testing.T) {
	// Same rules, both insertion orders.
	for _, reversed := range []bool{false, true} {
		e := NewEngine(Options{})
		low := Rule{ToolName: "shell__*", Decision: Deny, Priority: 10}
		high := Rule{ToolName: "shell__read", Decision: Allow, Priority: 20}
		if reversed {
			e.AddRule(high)
			e.AddRule(low)
		} else {
			e.AddRule(low)
			e.AddRule(high)
		}

		res := e.Check(context.Background(), call("shell__read", nil), "shell")
		assert.Equal(t, Allow, res.Decision, "reversed=%v", reversed)

		res = e.Check(context.Background(), call("shell__write", nil), "shell")
		assert.Equal(t, Deny, res.Decision, "reversed=%v", reversed)
	}
}

func TestEqualPriorityFirstRegisteredWins(t *testing.T) {
	e := NewEngine(Options{})
	e.AddRule(Rule{ToolName: "t", Decision: Allow, Priority: 5})
	e.AddRule(Rule{ToolName: "t", Decision: Deny, Priority: 5})

	res := e.Check(context.Background(), call("t", nil), "")
	assert.Equal(t, Allow, res.Decision)
}

func TestWildcardServerNameGuard(t *testing.T) {
	e := NewEngine(Options{DefaultDecision: Deny})
	e.AddRule(Rule{ToolName: "shell__*", Decision: Allow, Priority: 10})

	// Qualified call from the right server matches.
	res := e.Check(context.Background(), call("shell__read", nil), "shell")
	assert.Equal(t, Allow, res.Decision)

	// A different server naming its tool "shell__read" must not inherit
	// the shell rules.
	res = e.Check(context.Background(), call("shell__read", nil), "impostor")
	assert.Equal(t, Deny, res.Decision)

	// Prefix must be followed by the separator: "shelly" is not "shell".
	res = e.Check(context.Background(), call("shellish__read", nil), "shell")
	assert.Equal(t, Deny, res.Decision)
}

func TestArgsPatternMatchesCanonicalJSON(t *testing.T) {
	e := NewEngine(Options{})
	e.AddRule(Rule{
		ToolName:    "run_command",
		ArgsPattern: regexp.MustCompile(`"command":"rm `),
		Decision:    Deny,
		Priority:    10,
	})

	// Key order in the incoming map is irrelevant: canonical JSON sorts.
	res := e.Check(context.Background(), call("run_command", map[string]any{
		"working_dir": "/",
		"command":     "rm -rf /tmp/x",
	}), "")
	assert.Equal(t, Deny, res.Decision)

	res = e.Check(context.Background(), call("run_command", map[string]any{
		"command": "ls",
	}), "")
	assert.Equal(t, AskUser, res.Decision)
}

func TestRemoveRulesForToolExactNameOnly(t *testing.T) {
	e := NewEngine(Options{})
	e.AddRule(Rule{ToolName: "shell__read", Decision: Allow, Priority: 20})
	e.AddRule(Rule{ToolName: "shell__*", Decision: Deny, Priority: 10})

	e.RemoveRulesForTool("shell__read")

	rules := e.Rules()
	assert.Len(t, rules, 1)
	// The wildcard rule survives even though it covers shell__read; removal
	// is exact-name only.
	assert.Equal(t, "shell__*", rules[0].ToolName)
}

func TestCheckerEscalatesAllowToAskUser(t *testing.T) {
	e := NewEngine(Options{})
	e.AddRule(Rule{ToolName: "t", Decision: Allow, Priority: 1})
	e.AddChecker(CheckerRule{
		Rule: Rule{ToolName: "t", Priority: 1},
		Name: "suspicious-args",
		Checker: CheckerFunc(func(ctx context.Context, c tools.CallRequest, argsJSON string) (Decision, error) {
			return AskUser, nil
		}),
	})

	res := e.Check(context.Background(), call("t", nil), "")
	assert.Equal(t, AskUser, res.Decision)
}

func TestCheckerCannotDeescalate(t *testing.T) {
	e := NewEngine(Options{})
	// No rule: default AskUser. A checker returning Allow must not lower it.
	e.AddChecker(CheckerRule{
		Name: "optimist",
		Checker: CheckerFunc(func(ctx context.Context, c tools.CallRequest, argsJSON string) (Decision, error) {
			return Allow, nil
		}),
	})

	res := e.Check(context.Background(), call("t", nil), "")
	assert.Equal(t, AskUser, res.Decision)
}

func TestCheckerDenyIsFinal(t *testing.T) {
	e := NewEngine(Options{})
	e.AddRule(Rule{ToolName: "t", Decision: Allow, Priority: 1})

	secondRan := false
	e.AddChecker(CheckerRule{
		Rule: Rule{Priority: 10},
		Name: "denier",
		Checker: CheckerFunc(func(ctx context.Context, c tools.CallRequest, argsJSON string) (Decision, error) {
			return Deny, nil
		}),
	})
	e.AddChecker(CheckerRule{
		Rule: Rule{Priority: 5},
		Name: "later",
		Checker: CheckerFunc(func(ctx context.Context, c tools.CallRequest, argsJSON string) (Decision, error) {
			secondRan = true
			return Allow, nil
		}),
	})

	res := e.Check(context.Background(), call("t", nil), "")
	assert.Equal(t, Deny, res.Decision)
	assert.False(t, secondRan, "checkers after a Deny must not run")
}

func TestCheckersSkippedWhenRuleDenies(t *testing.T) {
	e := NewEngine(Options{})
	e.AddRule(Rule{ToolName: "t", Decision: Deny, Priority: 1})

	ran := false
	e.AddChecker(CheckerRule{
		Name: "never",
		Checker: CheckerFunc(func(ctx context.Context, c tools.CallRequest, argsJSON string) (Decision, error) {
			ran = true
			return Allow, nil
		}),
	})

	res := e.Check(context.Background(), call("t", nil), "")
	assert.Equal(t, Deny, res.Decision)
	assert.False(t, ran)
}

func TestCheckerErrorFailsClosed(t *testing.T) {
	e := NewEngine(Options{})
	e.AddRule(Rule{ToolName: "t", Decision: Allow, Priority: 1})
	e.AddChecker(CheckerRule{
		Name: "broken",
		Checker: CheckerFunc(func(ctx context.Context, c tools.CallRequest, argsJSON string) (Decision, error) {
			return Allow, errors.New("checker exploded")
		}),
	})

	res := e.Check(context.Background(), call("t", nil), "")
	assert.Equal(t, Deny, res.Decision)
}

func TestNonInteractiveCoercesAskUserEverywhere(t *testing.T) {
	// Rule-level AskUser.
	e := NewEngine(Options{NonInteractive: true})
	e.AddRule(Rule{ToolName: "t", Decision: AskUser, Priority: 1})
	res := e.Check(context.Background(), call("t", nil), "")
	assert.Equal(t, Deny, res.Decision)

	// Checker-escalated AskUser must be coerced identically.
	e = NewEngine(Options{NonInteractive: true})
	e.AddRule(Rule{ToolName: "t", Decision: Allow, Priority: 1})
	e.AddChecker(CheckerRule{
		Name: "escalator",
		Checker: CheckerFunc(func(ctx context.Context, c tools.CallRequest, argsJSON string) (Decision, error) {
			return AskUser, nil
		}),
	})
	res = e.Check(context.Background(), call("t", nil), "")
	assert.Equal(t, Deny, res.Decision)

	// Default-decision AskUser as well.
	e = NewEngine(Options{NonInteractive: true})
	res = e.Check(context.Background(), call("t", nil), "")
	assert.Equal(t, Deny, res.Decision)

	// Allow stays Allow.
	e = NewEngine(Options{NonInteractive: true})
	e.AddRule(Rule{ToolName: "t", Decision: Allow, Priority: 1})
	res = e.Check(context.Background(), call("t", nil), "")
	assert.Equal(t, Allow, res.Decision)
}

func TestDecisionMonotonicity(t *testing.T) {
	// For every starting rule decision and checker verdict, the result
	// never de-escalates: Allow<AskUser<Deny.
	rank := map[Decision]int{Allow: 0, AskUser: 1, Deny: 2}

	for _, ruleDecision := range []Decision{Allow, AskUser, Deny} {
		for _, checkerDecision := range []Decision{Allow, AskUser, Deny} {
			e := NewEngine(Options{})
			e.AddRule(Rule{ToolName: "t", Decision: ruleDecision, Priority: 1})
			e.AddChecker(CheckerRule{
				Name: "probe",
				Checker: CheckerFunc(func(ctx context.Context, c tools.CallRequest, argsJSON string) (Decision, error) {
					return checkerDecision, nil
				}),
			})

			res := e.Check(context.Background(), call("t", nil), "")
			assert.GreaterOrEqual(t, rank[res.Decision], rank[ruleDecision],
				"rule=%s checker=%s result=%s", ruleDecision, checkerDecision, res.Decision)
		}
	}
}

func TestCanonicalArgsJSONSortsKeys(t *testing.T) {
	a := CanonicalArgsJSON(map[string]any{"b": 1, "a": map[string]any{"z": 1, "y": 2}})
	assert.Equal(t, `{"a":{"y":2,"z":1},"b":1}`, a)
	assert.Equal(t, "{}", CanonicalArgsJSON(nil))
}
