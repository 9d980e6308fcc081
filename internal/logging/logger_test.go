package logging

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestGetReturnsSameLoggerPerCategory(t *testing.T) {
	Initialize(zap.NewNop())

	a := Get(CategoryScheduler)
	b := Get(CategoryScheduler)
	if a != b {
		t.Error("Get should return a cached logger per category")
	}

	c := Get(CategoryPolicy)
	if a == c {
		t.Error("different categories should get different loggers")
	}
}

func TestCategoryHelpersRouteToNamedLogger(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	Initialize(zap.New(core))
	defer Initialize(zap.NewNop())

	Scheduler("batch of %d calls", 3)
	PolicyDebug("rule matched")

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].LoggerName != "scheduler" {
		t.Errorf("expected logger name 'scheduler', got %q", entries[0].LoggerName)
	}
	if entries[0].Message != "batch of 3 calls" {
		t.Errorf("unexpected message: %q", entries[0].Message)
	}
	if entries[1].Level != zap.DebugLevel {
		t.Errorf("PolicyDebug should log at debug level, got %v", entries[1].Level)
	}
}

func TestIsDebugEnabled(t *testing.T) {
	core, _ := observer.New(zap.InfoLevel)
	Initialize(zap.New(core))
	defer Initialize(zap.NewNop())

	if IsDebugEnabled() {
		t.Error("debug should be disabled at info level")
	}

	core, _ = observer.New(zap.DebugLevel)
	Initialize(zap.New(core))
	if !IsDebugEnabled() {
		t.Error("debug should be enabled at debug level")
	}
}
