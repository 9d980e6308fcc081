// Package hooks manages configuration-declared side actions fired at defined
// points in the agent, tool, and model lifecycle. Hook definitions arrive
// from merged settings (project, user, system) and from active extensions;
// the registry validates them once at initialization and serves them sorted
// by source precedence.
package hooks

import (
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"agentcore/internal/logging"
)

// HookType is the execution mechanism of a hook.
type HookType string

const (
	// HookCommand runs a shell command with the event payload on stdin.
	HookCommand HookType = "command"

	// HookPlugin evaluates interpreted Go code in a sandboxed interpreter.
	HookPlugin HookType = "plugin"
)

// SettingsSource identifies where a hook definition came from. Precedence is
// Project > User > System > Extensions.
type SettingsSource string

const (
	SourceProject    SettingsSource = "project"
	SourceUser       SettingsSource = "user"
	SourceSystem     SettingsSource = "system"
	SourceExtensions SettingsSource = "extensions"
)

// sourceRank orders sources by precedence; lower runs first.
func sourceRank(s SettingsSource) int {
	switch s {
	case SourceProject:
		return 0
	case SourceUser:
		return 1
	case SourceSystem:
		return 2
	case SourceExtensions:
		return 3
	default:
		return 4
	}
}

// Known lifecycle event names.
const (
	EventPreToolUse       = "PreToolUse"
	EventPostToolUse      = "PostToolUse"
	EventUserPromptSubmit = "UserPromptSubmit"
	EventPreModelInvoke   = "PreModelInvoke"
	EventPostModelInvoke  = "PostModelInvoke"
	EventSessionStart     = "SessionStart"
	EventSessionEnd       = "SessionEnd"
)

var knownEvents = map[string]bool{
	EventPreToolUse:       true,
	EventPostToolUse:      true,
	EventUserPromptSubmit: true,
	EventPreModelInvoke:   true,
	EventPostModelInvoke:  true,
	EventSessionStart:     true,
	EventSessionEnd:       true,
}

// Config is a single hook's execution configuration.
type Config struct {
	// Type selects the execution mechanism.
	Type HookType `json:"type" yaml:"type"`

	// Command is the shell command for command hooks.
	Command string `json:"command,omitempty" yaml:"command,omitempty"`

	// Code is the interpreted Go source for plugin hooks. It must define
	// RunHook(input string) (string, error).
	Code string `json:"code,omitempty" yaml:"code,omitempty"`

	// Name labels plugin hooks for display and toggling.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
}

// Definition groups hook configs declared for one event in settings.
type Definition struct {
	// Matcher optionally restricts the hooks to matching tool names.
	Matcher string `json:"matcher,omitempty" yaml:"matcher,omitempty"`

	// Sequential forces the hooks in this definition to run in order.
	Sequential bool `json:"sequential,omitempty" yaml:"sequential,omitempty"`

	// Hooks lists the hook configs to fire.
	Hooks []Config `json:"hooks" yaml:"hooks"`
}

// ExtensionHooks is one extension's hook contribution.
type ExtensionHooks struct {
	Name     string
	IsActive bool
	Events   map[string][]Definition
}

// RegistrySources is the already-parsed hook configuration fed to the
// registry: one event map per settings layer plus the extension list.
type RegistrySources struct {
	Project    map[string][]Definition
	User       map[string][]Definition
	System     map[string][]Definition
	Extensions []ExtensionHooks
}

// Entry is one registered hook. Entries are built at Initialize and never
// individually replaced afterwards; only Enabled is toggled in place.
type Entry struct {
	ID         string
	Config     Config
	Source     SettingsSource
	EventName  string
	Matcher    string
	Sequential bool
	Enabled    bool
}

// DisplayName derives the name used by SetHookEnabled: the plugin name for
// plugin hooks, otherwise the base name of the command's first token.
func (e *Entry) DisplayName() string {
	if e.Config.Type == HookPlugin && e.Config.Name != "" {
		return e.Config.Name
	}
	fields := strings.Fields(e.Config.Command)
	if len(fields) == 0 {
		return ""
	}
	return filepath.Base(fields[0])
}

// Registry holds validated hook entries for one session.
type Registry struct {
	mu          sync.RWMutex
	sources     RegistrySources
	entries     []*Entry
	initialized bool
}

// NewRegistry creates a registry over the given sources. Call Initialize
// before use.
func NewRegistry(sources RegistrySources) *Registry {
	return &Registry{sources: sources}
}

// Initialize builds the entry list from the configured sources. It is
// idempotent: a second call is a no-op, so extension hooks are never
// double-registered.
func (r *Registry) Initialize() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.initialized {
		logging.HooksDebug("registry already initialized, skipping")
		return
	}
	r.initialized = true

	r.loadSource(r.sources.Project, SourceProject)
	r.loadSource(r.sources.User, SourceUser)
	r.loadSource(r.sources.System, SourceSystem)

	for _, ext := range r.sources.Extensions {
		if !ext.IsActive {
			logging.HooksDebug("skipping hooks from inactive extension %s", ext.Name)
			continue
		}
		r.loadSource(ext.Events, SourceExtensions)
	}

	logging.Hooks("hook registry initialized: %d entries", len(r.entries))
}

// loadSource validates and registers one settings layer. Invalid entries are
// discarded with a warning; partial hook configuration must not block
// startup.
func (r *Registry) loadSource(events map[string][]Definition, source SettingsSource) {
	for eventName, defs := range events {
		if !knownEvents[eventName] {
			logging.Hooks("skipping unknown hook event %q from %s", eventName, source)
			continue
		}
		for _, def := range defs {
			if def.Hooks == nil {
				logging.Hooks("skipping %s definition from %s: hooks field is not a list", eventName, source)
				continue
			}
			for _, cfg := range def.Hooks {
				if err := validateConfig(cfg); err != nil {
					logging.Hooks("discarding invalid %s hook from %s: %v", eventName, source, err)
					continue
				}
				r.entries = append(r.entries, &Entry{
					ID:         uuid.NewString(),
					Config:     cfg,
					Source:     source,
					EventName:  eventName,
					Matcher:    def.Matcher,
					Sequential: def.Sequential,
					Enabled:    true,
				})
			}
		}
	}
}

func validateConfig(cfg Config) error {
	switch cfg.Type {
	case HookCommand:
		if strings.TrimSpace(cfg.Command) == "" {
			return errEmptyCommand
		}
	case HookPlugin:
		if strings.TrimSpace(cfg.Code) == "" {
			return errEmptyPluginCode
		}
	default:
		return errUnknownHookType
	}
	return nil
}

// HooksForEvent returns enabled entries for an event, sorted by source
// precedence (Project > User > System > Extensions), stable within a source.
func (r *Registry) HooksForEvent(eventName string) []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Entry
	for _, e := range r.entries {
		if e.EventName == eventName && e.Enabled {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return sourceRank(out[i].Source) < sourceRank(out[j].Source)
	})
	return out
}

// AllHooks returns every entry, enabled or not, in registration order.
func (r *Registry) AllHooks() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// SetHookEnabled toggles every entry whose display name matches, across all
// sources, and reports how many were changed.
func (r *Registry) SetHookEnabled(displayName string, enabled bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for _, e := range r.entries {
		if e.DisplayName() == displayName {
			e.Enabled = enabled
			count++
		}
	}
	if count == 0 {
		logging.Hooks("SetHookEnabled(%q, %v): no matching hooks", displayName, enabled)
	} else {
		logging.Hooks("SetHookEnabled(%q, %v): toggled %d entries", displayName, enabled, count)
	}
	return count
}
