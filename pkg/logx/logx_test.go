package logx

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// setupTestLogger redirects log output into a buffer for assertions.
func setupTestLogger() *bytes.Buffer {
	var buf bytes.Buffer
	logWriterLock.Lock()
	logWriter = &buf
	logWriterLock.Unlock()
	return &buf
}

func resetTestLogger() {
	logWriterLock.Lock()
	logWriter = nil
	logWriterLock.Unlock()
}

func TestLogFormat(t *testing.T) {
	buf := setupTestLogger()
	defer resetTestLogger()

	logger := NewLogger("tracker")
	logger.Info("run %s registered", "run-abc")

	out := buf.String()
	if !strings.Contains(out, "[tracker]") {
		t.Errorf("expected component tag in output, got: %s", out)
	}
	if !strings.Contains(out, "INFO") {
		t.Errorf("expected level in output, got: %s", out)
	}
	if !strings.Contains(out, "run run-abc registered") {
		t.Errorf("expected formatted message in output, got: %s", out)
	}
}

func TestDebugDomainScoping(t *testing.T) {
	buf := setupTestLogger()
	defer resetTestLogger()
	defer applyDebugEnv(os.Getenv("RELAY_DEBUG"))

	applyDebugEnv("queue,reconciler")

	NewLogger("queue:telegram").Debug("guard fired")
	NewLogger("tracker").Debug("should be suppressed")
	NewLogger("reconciler").Debug("pass complete")

	out := buf.String()
	if !strings.Contains(out, "guard fired") {
		t.Errorf("queue domain debug should be enabled, got: %s", out)
	}
	if strings.Contains(out, "should be suppressed") {
		t.Errorf("tracker debug should be suppressed, got: %s", out)
	}
	if !strings.Contains(out, "pass complete") {
		t.Errorf("reconciler debug should be enabled, got: %s", out)
	}
}

func TestDebugEnabledAll(t *testing.T) {
	defer applyDebugEnv(os.Getenv("RELAY_DEBUG"))

	applyDebugEnv("all")
	if !DebugEnabledFor("anything") {
		t.Error("RELAY_DEBUG=all should enable every domain")
	}

	applyDebugEnv("")
	if DebugEnabledFor("anything") {
		t.Error("empty RELAY_DEBUG should disable debug")
	}
}

func TestWrapNilError(t *testing.T) {
	if Wrap(nil, "context") != nil {
		t.Error("Wrap(nil) must return nil")
	}
}

func TestErrorfReturnsError(t *testing.T) {
	buf := setupTestLogger()
	defer resetTestLogger()

	err := Errorf("open ledger: %s", "locked")
	if err == nil || !strings.Contains(err.Error(), "open ledger: locked") {
		t.Errorf("unexpected error: %v", err)
	}
	if !strings.Contains(buf.String(), "open ledger: locked") {
		t.Errorf("error should also be logged, got: %s", buf.String())
	}
}

func TestInitLogFilePrunes(t *testing.T) {
	dir := t.TempDir()

	for _, stamp := range []string{"20240101-000000", "20240102-000000", "20240103-000000"} {
		name := filepath.Join(dir, "relay-"+stamp+".log")
		if err := os.WriteFile(name, []byte("old\n"), 0o644); err != nil {
			t.Fatalf("seed log file: %v", err)
		}
	}

	if err := InitLogFile(dir, 2, false); err != nil {
		t.Fatalf("InitLogFile: %v", err)
	}
	defer func() {
		if err := CloseLogFile(); err != nil {
			t.Errorf("CloseLogFile: %v", err)
		}
	}()

	matches, err := filepath.Glob(filepath.Join(dir, "relay-*.log"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(matches) != 2 {
		t.Errorf("expected 2 log files after pruning, got %d: %v", len(matches), matches)
	}
}
