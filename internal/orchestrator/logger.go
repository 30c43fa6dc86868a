package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fatih/color"
)

// pkgLogger is the package-level debug logger used by orchestrator
// components that don't hold a direct reference to the run's Logger
// (resolver and claim callers in particular stay pure and log nothing;
// this exists for internal diagnostics during development).
var pkgLogger *Logger
var pkgLoggerMu sync.RWMutex

func setPackageLogger(l *Logger) {
	pkgLoggerMu.Lock()
	defer pkgLoggerMu.Unlock()
	pkgLogger = l
}

func debugLog(format string, args ...interface{}) {
	pkgLoggerMu.RLock()
	l := pkgLogger
	pkgLoggerMu.RUnlock()
	if l != nil {
		l.Debug(format, args...)
	}
}

// Logger writes a timestamped audit trail to a file and, optionally, a
// colored summary line to the console. The zero value is a safe no-op,
// matching the teacher's DebugLogger.
type Logger struct {
	mu     sync.Mutex
	file   *os.File
	console bool
}

// NewLogger opens logPath for appending and returns a Logger that writes to
// it. An empty logPath returns a logger that writes no file. console
// controls whether Info/Warn/Error also print a line to stderr (Warn and
// Error in color).
func NewLogger(logPath string, console bool) (*Logger, error) {
	if logPath == "" {
		return &Logger{console: console}, nil
	}

	dir := filepath.Dir(logPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	l := &Logger{file: f, console: console}
	l.Debug("=== orchestrator run started at %s ===", time.Now().Format(time.RFC3339))
	return l, nil
}

// NewProjectLogger opens the run's audit log under
// <projectRoot>/.orchestrator/logs/run.log.
func NewProjectLogger(projectRoot string, console bool) *Logger {
	logPath := filepath.Join(projectRoot, ".orchestrator", "logs", "run.log")
	l, err := NewLogger(logPath, console)
	if err != nil {
		return &Logger{console: console}
	}
	return l
}

// NopLogger returns a no-op logger, for tests or when logging is disabled.
func NopLogger() *Logger {
	return &Logger{}
}

func (l *Logger) write(level, format string, args ...interface{}) {
	if l == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if l.file != nil {
		l.mu.Lock()
		timestamp := time.Now().Format("15:04:05.000")
		fmt.Fprintf(l.file, "[%s] %s %s\n", timestamp, level, msg)
		l.file.Sync()
		l.mu.Unlock()
	}
}

// Debug writes a debug-level line to the file log only.
func (l *Logger) Debug(format string, args ...interface{}) {
	l.write("DEBUG", format, args...)
}

// Info writes an info-level line, plus a plain console line if enabled.
func (l *Logger) Info(format string, args ...interface{}) {
	l.write("INFO", format, args...)
	if l != nil && l.console {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	}
}

// Warn writes a warning-level line, plus a yellow console line if enabled.
func (l *Logger) Warn(format string, args ...interface{}) {
	l.write("WARN", format, args...)
	if l != nil && l.console {
		color.New(color.FgYellow).Fprintf(os.Stderr, format+"\n", args...)
	}
}

// Error writes an error-level line, plus a red console line if enabled.
func (l *Logger) Error(format string, args ...interface{}) {
	l.write("ERROR", format, args...)
	if l != nil && l.console {
		color.New(color.FgRed).Fprintf(os.Stderr, format+"\n", args...)
	}
}

// Close closes the underlying log file. Safe on a no-op logger.
func (l *Logger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
