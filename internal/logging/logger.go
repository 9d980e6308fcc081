// Package logging provides categorized logging for agentcore, backed by zap.
// Each subsystem logs through its own named logger so log output can be
// filtered per category, and the whole tree can be silenced or switched to
// debug level from one place.
package logging

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category identifies a logging subsystem.
type Category string

const (
	CategoryBoot      Category = "boot"      // Startup and wiring
	CategoryScheduler Category = "scheduler" // Tool-call state machine
	CategoryPolicy    Category = "policy"    // Rule and checker evaluation
	CategoryBus       Category = "bus"       // Message bus traffic
	CategoryHooks     Category = "hooks"     // Hook registry and execution
	CategoryTools     Category = "tools"     // Invocation registry
	CategoryQuota     Category = "quota"     // Rate-limit classification and retry
	CategoryLLM       Category = "llm"       // Model client
	CategoryConfig    Category = "config"    // Settings loading and watching
)

var (
	mu      sync.RWMutex
	root    = zap.NewNop()
	loggers = make(map[Category]*zap.SugaredLogger)
)

// Initialize installs the process-wide root logger. Call once from the CLI
// entrypoint after flag parsing; before that, all helpers are no-ops.
func Initialize(logger *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	root = logger
	loggers = make(map[Category]*zap.SugaredLogger)
}

// Get returns the sugared logger for a category.
func Get(category Category) *zap.SugaredLogger {
	mu.RLock()
	if l, ok := loggers[category]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}
	l := root.Named(string(category)).Sugar()
	loggers[category] = l
	return l
}

// IsDebugEnabled reports whether debug-level logging is on for the root.
func IsDebugEnabled() bool {
	mu.RLock()
	defer mu.RUnlock()
	return root.Core().Enabled(zapcore.DebugLevel)
}

// Sync flushes any buffered log entries.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = root.Sync()
}

// Convenience helpers so call sites read as logging.Scheduler("msg %d", n).
// Info level by default; *Debug variants for chatty paths.

func Boot(format string, args ...interface{}) { logf(CategoryBoot, false, format, args...) }

func Scheduler(format string, args ...interface{}) { logf(CategoryScheduler, false, format, args...) }

func SchedulerDebug(format string, args ...interface{}) {
	logf(CategoryScheduler, true, format, args...)
}

func Policy(format string, args ...interface{}) { logf(CategoryPolicy, false, format, args...) }

func PolicyDebug(format string, args ...interface{}) { logf(CategoryPolicy, true, format, args...) }

func Bus(format string, args ...interface{}) { logf(CategoryBus, true, format, args...) }

func Hooks(format string, args ...interface{}) { logf(CategoryHooks, false, format, args...) }

func HooksDebug(format string, args ...interface{}) { logf(CategoryHooks, true, format, args...) }

func Tools(format string, args ...interface{}) { logf(CategoryTools, false, format, args...) }

func ToolsDebug(format string, args ...interface{}) { logf(CategoryTools, true, format, args...) }

func Quota(format string, args ...interface{}) { logf(CategoryQuota, false, format, args...) }

func LLM(format string, args ...interface{}) { logf(CategoryLLM, false, format, args...) }

func Config(format string, args ...interface{}) { logf(CategoryConfig, false, format, args...) }

// ConfigDebug logs a debug message to the config category.
func ConfigDebug(format string, args ...interface{}) { logf(CategoryConfig, true, format, args...) }

func logf(category Category, debug bool, format string, args ...interface{}) {
	l := Get(category)
	if debug {
		l.Debug(fmt.Sprintf(format, args...))
		return
	}
	l.Info(fmt.Sprintf(format, args...))
}
