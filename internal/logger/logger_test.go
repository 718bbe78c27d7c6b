package logger

import (
	"strings"
	"testing"

	"github.com/go-logr/logr/funcr"
)

func captureSink(t *testing.T, verbosity int) *[]string {
	t.Helper()
	var lines []string
	prev := Logger()
	SetLogger(funcr.New(func(prefix, args string) {
		lines = append(lines, args)
	}, funcr.Options{Verbosity: verbosity}))
	t.Cleanup(func() { SetLogger(prev) })
	return &lines
}

func TestLevels(t *testing.T) {
	lines := captureSink(t, 0)

	Debug("hidden %d", 1)
	Info("ctx %d created", 7)
	Warn("destroy failed: %s", "timeout")
	Error("opcode 0x%x failed", 0x2)

	if len(*lines) != 3 {
		t.Fatalf("Expected 3 lines, got %d: %v", len(*lines), *lines)
	}
	if !strings.Contains((*lines)[0], "ctx 7 created") {
		t.Errorf("Unexpected info line: %s", (*lines)[0])
	}
	if !strings.Contains((*lines)[1], `"severity"="warning"`) {
		t.Errorf("Warn line should carry severity=warning: %s", (*lines)[1])
	}
	if !strings.Contains((*lines)[2], "opcode 0x2 failed") {
		t.Errorf("Unexpected error line: %s", (*lines)[2])
	}
}

func TestDebugVisibleAtVerbosity(t *testing.T) {
	lines := captureSink(t, DebugLevel)

	Debug("ring %d ready", 3)

	if len(*lines) != 1 || !strings.Contains((*lines)[0], "ring 3 ready") {
		t.Fatalf("Expected debug line, got %v", *lines)
	}
}
