// Package logx provides the relay's structured logging with env-scoped debug output.
package logx

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level identifies the severity of a log line.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Logger writes component-tagged log lines. Components are short names like
// "tracker", "reconciler", or "queue:telegram".
type Logger struct {
	component string
}

var (
	logWriterLock sync.RWMutex
	logWriter     io.Writer // overrides stderr when set (tests, file mirroring)

	logFileLock sync.Mutex
	logFile     *os.File
	teeConsole  bool

	debugLock    sync.RWMutex
	debugAll     bool
	debugDomains map[string]bool
)

func init() { //nolint:gochecknoinits // env-driven debug scoping must apply before first log line
	applyDebugEnv(os.Getenv("RELAY_DEBUG"))
}

// applyDebugEnv parses RELAY_DEBUG: empty disables debug, "1"/"true"/"all"
// enables every domain, a comma list enables only those domains.
func applyDebugEnv(val string) {
	debugLock.Lock()
	defer debugLock.Unlock()

	debugAll = false
	debugDomains = nil

	val = strings.TrimSpace(val)
	if val == "" {
		return
	}
	if val == "1" || strings.EqualFold(val, "true") || strings.EqualFold(val, "all") {
		debugAll = true
		return
	}
	debugDomains = make(map[string]bool)
	for _, d := range strings.Split(val, ",") {
		if d = strings.TrimSpace(d); d != "" {
			debugDomains[d] = true
		}
	}
}

// SetDebugDomains overrides the env-derived debug scoping. An empty list
// enables debug for all domains.
func SetDebugDomains(domains []string) {
	debugLock.Lock()
	defer debugLock.Unlock()

	if len(domains) == 0 {
		debugAll = true
		debugDomains = nil
		return
	}
	debugAll = false
	debugDomains = make(map[string]bool)
	for _, d := range domains {
		debugDomains[strings.TrimSpace(d)] = true
	}
}

// DebugEnabledFor reports whether debug lines for the component are emitted.
// The component's domain is the part before the first ':'.
func DebugEnabledFor(component string) bool {
	debugLock.RLock()
	defer debugLock.RUnlock()

	if debugAll {
		return true
	}
	if debugDomains == nil {
		return false
	}
	domain := component
	if i := strings.IndexByte(component, ':'); i >= 0 {
		domain = component[:i]
	}
	return debugDomains[domain] || debugDomains[component]
}

// NewLogger returns a logger tagged with the given component name.
func NewLogger(component string) *Logger {
	return &Logger{component: component}
}

// WithComponent returns a logger for a sub-component, e.g. "queue" -> "queue:email".
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{component: component}
}

// Component returns the component tag of this logger.
func (l *Logger) Component() string {
	return l.component
}

func (l *Logger) log(level Level, format string, args ...any) {
	ts := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	line := fmt.Sprintf("[%s] [%s] %s: %s\n", ts, l.component, level, fmt.Sprintf(format, args...))

	logWriterLock.RLock()
	w := logWriter
	logWriterLock.RUnlock()

	if w != nil {
		_, _ = io.WriteString(w, line)
		return
	}

	logFileLock.Lock()
	f := logFile
	tee := teeConsole
	logFileLock.Unlock()

	if f != nil {
		_, _ = io.WriteString(f, line)
		if !tee {
			return
		}
	}
	_, _ = io.WriteString(os.Stderr, line)
}

// Debug logs at DEBUG level when the logger's domain is enabled via RELAY_DEBUG.
func (l *Logger) Debug(format string, args ...any) {
	if !DebugEnabledFor(l.component) {
		return
	}
	l.log(LevelDebug, format, args...)
}

func (l *Logger) Info(format string, args ...any) {
	l.log(LevelInfo, format, args...)
}

func (l *Logger) Warn(format string, args ...any) {
	l.log(LevelWarn, format, args...)
}

func (l *Logger) Error(format string, args ...any) {
	l.log(LevelError, format, args...)
}

// InitLogFile starts mirroring log lines into dir/relay-<timestamp>.log, pruning
// older files down to keep. With tee set, lines also still go to stderr.
func InitLogFile(dir string, keep int, tee bool) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}

	name := filepath.Join(dir, fmt.Sprintf("relay-%s.log", time.Now().UTC().Format("20060102-150405")))
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}

	logFileLock.Lock()
	old := logFile
	logFile = f
	teeConsole = tee
	logFileLock.Unlock()

	if old != nil {
		_ = old.Close()
	}

	pruneLogFiles(dir, keep)
	return nil
}

// CloseLogFile stops file mirroring and closes the current log file.
func CloseLogFile() error {
	logFileLock.Lock()
	f := logFile
	logFile = nil
	logFileLock.Unlock()

	if f == nil {
		return nil
	}
	return f.Close()
}

func pruneLogFiles(dir string, keep int) {
	if keep <= 0 {
		return
	}
	matches, err := filepath.Glob(filepath.Join(dir, "relay-*.log"))
	if err != nil || len(matches) <= keep {
		return
	}
	sort.Strings(matches) // timestamped names sort chronologically
	for _, stale := range matches[:len(matches)-keep] {
		_ = os.Remove(stale)
	}
}

// Global convenience logger for code without a component of its own.
var defaultLogger = NewLogger("relay")

func Debugf(format string, args ...any) {
	defaultLogger.Debug(format, args...)
}

func Infof(format string, args ...any) {
	defaultLogger.Info(format, args...)
}

func Warnf(format string, args ...any) {
	defaultLogger.Warn(format, args...)
}

// Errorf logs and returns the formatted error, for call sites that need both:
//
//	return logx.Errorf("open ledger: %w", err)
func Errorf(format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	defaultLogger.Error("%s", err.Error())
	return err
}

// Wrap logs msg + ": " + err and returns the wrapped error. Returns nil when err is nil.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	wrapped := fmt.Errorf("%s: %w", msg, err)
	defaultLogger.Error("%s", wrapped.Error())
	return wrapped
}
