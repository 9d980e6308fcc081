// Package config loads agent settings: policy rules, hook definitions, and
// scheduler behavior. Files may be JSON or YAML; malformed individual
// entries are skipped with a warning rather than failing startup.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"agentcore/internal/hooks"
	"agentcore/internal/logging"
	"agentcore/internal/policy"
)

// Settings is the root of the agent configuration file.
type Settings struct {
	Policy    PolicySettings    `json:"policy,omitempty" yaml:"policy,omitempty"`
	Hooks     HookSettings      `json:"hooks,omitempty" yaml:"hooks,omitempty"`
	Scheduler SchedulerSettings `json:"scheduler,omitempty" yaml:"scheduler,omitempty"`
	Model     ModelSettings     `json:"model,omitempty" yaml:"model,omitempty"`
}

// PolicySettings declares the rule list and evaluation defaults.
type PolicySettings struct {
	// Default is the decision when no rule matches: allow, deny or
	// ask_user. Empty means ask_user.
	Default string `json:"default,omitempty" yaml:"default,omitempty"`

	NonInteractive bool `json:"non_interactive,omitempty" yaml:"non_interactive,omitempty"`
	DisableHooks   bool `json:"disable_hooks,omitempty" yaml:"disable_hooks,omitempty"`
	TrustedFolder  bool `json:"trusted_folder,omitempty" yaml:"trusted_folder,omitempty"`

	Rules []PolicyRuleSpec `json:"rules,omitempty" yaml:"rules,omitempty"`
}

// PolicyRuleSpec is one declarative policy rule.
type PolicyRuleSpec struct {
	// Tool is an exact tool name or a "server__*" wildcard.
	Tool string `json:"tool" yaml:"tool"`
	// Args is a regular expression matched against the canonical JSON
	// encoding of the call arguments. Empty matches any arguments.
	Args     string `json:"args,omitempty" yaml:"args,omitempty"`
	Decision string `json:"decision" yaml:"decision"`
	Priority int    `json:"priority,omitempty" yaml:"priority,omitempty"`
}

// HookSettings carries hook definitions per configuration source.
type HookSettings struct {
	Project    map[string][]hooks.Definition `json:"project,omitempty" yaml:"project,omitempty"`
	User       map[string][]hooks.Definition `json:"user,omitempty" yaml:"user,omitempty"`
	System     map[string][]hooks.Definition `json:"system,omitempty" yaml:"system,omitempty"`
	Extensions []hooks.ExtensionHooks        `json:"extensions,omitempty" yaml:"extensions,omitempty"`
}

// RegistrySources converts to the hook registry's input shape.
func (h HookSettings) RegistrySources() hooks.RegistrySources {
	return hooks.RegistrySources{
		Project:    h.Project,
		User:       h.User,
		System:     h.System,
		Extensions: h.Extensions,
	}
}

// SchedulerSettings tunes scheduler behavior.
type SchedulerSettings struct {
	PreferredEditor    string `json:"preferred_editor,omitempty" yaml:"preferred_editor,omitempty"`
	SuppressNeedsInput bool   `json:"suppress_needs_input,omitempty" yaml:"suppress_needs_input,omitempty"`
}

// ModelSettings selects the model and auth mode.
type ModelSettings struct {
	Name         string `json:"name,omitempty" yaml:"name,omitempty"`
	AuthType     string `json:"auth_type,omitempty" yaml:"auth_type,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
}

// Load reads a settings file. The format follows the file extension:
// .yaml/.yml is YAML, anything else JSON.
func Load(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}

	var settings Settings
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &settings); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
		}
	default:
		if err := json.Unmarshal(data, &settings); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
		}
	}
	return &settings, nil
}

// PolicyOptions converts the declared defaults to engine options.
func (p PolicySettings) PolicyOptions() policy.Options {
	return policy.Options{
		DefaultDecision: parseDecision(p.Default, policy.AskUser),
		NonInteractive:  p.NonInteractive,
		HooksDisabled:   p.DisableHooks,
		TrustedFolder:   p.TrustedFolder,
	}
}

// CompileRules turns rule specs into engine rules. Specs with a bad
// decision or an invalid args pattern are skipped with a warning.
func (p PolicySettings) CompileRules() []policy.Rule {
	rules := make([]policy.Rule, 0, len(p.Rules))
	for i, spec := range p.Rules {
		if spec.Tool == "" {
			logging.Config("skipping policy rule %d: no tool name", i)
			continue
		}
		decision, ok := decisionFromString(spec.Decision)
		if !ok {
			logging.Config("skipping policy rule %d (%s): unknown decision %q", i, spec.Tool, spec.Decision)
			continue
		}
		rule := policy.Rule{
			ToolName: spec.Tool,
			Decision: decision,
			Priority: spec.Priority,
		}
		if spec.Args != "" {
			pattern, err := regexp.Compile(spec.Args)
			if err != nil {
				logging.Config("skipping policy rule %d (%s): bad args pattern: %v", i, spec.Tool, err)
				continue
			}
			rule.ArgsPattern = pattern
		}
		rules = append(rules, rule)
	}
	return rules
}

func parseDecision(s string, fallback policy.Decision) policy.Decision {
	if d, ok := decisionFromString(s); ok {
		return d
	}
	return fallback
}

func decisionFromString(s string) (policy.Decision, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "allow":
		return policy.Allow, true
	case "deny":
		return policy.Deny, true
	case "ask_user", "ask-user", "ask":
		return policy.AskUser, true
	}
	return policy.AskUser, false
}
