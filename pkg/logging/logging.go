// pkg/logging/logging.go - leveled, rotating logging for the Orchard engine.
//
// The main log (ManagedSoftwareUpdate.log) rotates at 1 MB and keeps four
// generations. Warnings and errors are additionally mirrored to
// warnings.log and errors.log so admins can tail just the interesting
// parts. Messages use alternating key/value pairs after the message text.

package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel represents the severity of a log message.
type LogLevel int

const (
	LevelError LogLevel = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

// String returns the string representation of the LogLevel.
func (ll LogLevel) String() string {
	switch ll {
	case LevelError:
		return "ERROR"
	case LevelWarn:
		return "WARNING"
	case LevelInfo:
		return "INFO"
	case LevelDebug:
		return "DEBUG"
	default:
		return "UNKNOWN"
	}
}

// Options configures the singleton logger.
type Options struct {
	// Dir is the log directory, normally <ManagedInstallDir>/Logs.
	Dir string
	// Level is the maximum level written (0=ERROR .. 3=DEBUG).
	Level int
	// Console mirrors all output to stderr when set.
	Console bool
}

// Logger writes leveled output to the rotating main log plus the
// warnings/errors side channels.
type Logger struct {
	mu        sync.Mutex
	level     LogLevel
	main      io.WriteCloser
	warnings  *os.File
	errors    *os.File
	console   bool
	sessionID string
}

var (
	instance *Logger
	initMu   sync.Mutex
)

// Init initializes the package-level logger. Safe to call more than once;
// later calls replace the previous configuration.
func Init(opts Options) error {
	initMu.Lock()
	defer initMu.Unlock()

	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return fmt.Errorf("creating log directory %s: %w", opts.Dir, err)
	}

	main := &lumberjack.Logger{
		Filename:   filepath.Join(opts.Dir, "ManagedSoftwareUpdate.log"),
		MaxSize:    1, // megabytes
		MaxBackups: 4,
	}
	warnings, err := os.OpenFile(filepath.Join(opts.Dir, "warnings.log"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening warnings.log: %w", err)
	}
	errlog, err := os.OpenFile(filepath.Join(opts.Dir, "errors.log"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		warnings.Close()
		return fmt.Errorf("opening errors.log: %w", err)
	}

	level := LogLevel(opts.Level)
	if level < LevelError {
		level = LevelError
	}
	if level > LevelDebug {
		level = LevelDebug
	}

	if instance != nil {
		instance.close()
	}
	instance = &Logger{
		level:     level,
		main:      main,
		warnings:  warnings,
		errors:    errlog,
		console:   opts.Console,
		sessionID: uuid.NewString(),
	}
	return nil
}

// Close flushes and closes the logger's files.
func Close() {
	initMu.Lock()
	defer initMu.Unlock()
	if instance != nil {
		instance.close()
		instance = nil
	}
}

// SessionID returns the unique id for this logging session; the run report
// records it so log lines can be correlated with report entries.
func SessionID() string {
	if instance == nil {
		return ""
	}
	return instance.sessionID
}

func (l *Logger) close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.main.Close()
	l.warnings.Close()
	l.errors.Close()
}

func (l *Logger) log(level LogLevel, msg string, kv ...interface{}) {
	if level > l.level {
		return
	}
	line := format(level, msg, kv...)

	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintln(l.main, line)
	switch level {
	case LevelWarn:
		fmt.Fprintln(l.warnings, line)
	case LevelError:
		fmt.Fprintln(l.errors, line)
	}
	if l.console {
		fmt.Fprintln(os.Stderr, line)
	}
}

// format renders "<timestamp> <LEVEL>: message key=value ...".
func format(level LogLevel, msg string, kv ...interface{}) string {
	var b strings.Builder
	b.WriteString(time.Now().Format("2006-01-02 15:04:05 -0700"))
	b.WriteString(" ")
	b.WriteString(level.String())
	b.WriteString(": ")
	b.WriteString(msg)
	for i := 0; i+1 < len(kv); i += 2 {
		fmt.Fprintf(&b, " %v=%v", kv[i], kv[i+1])
	}
	if len(kv)%2 == 1 {
		fmt.Fprintf(&b, " %v=?", kv[len(kv)-1])
	}
	return b.String()
}

// Debug logs a message at DEBUG level.
func Debug(msg string, kv ...interface{}) {
	if instance != nil {
		instance.log(LevelDebug, msg, kv...)
	}
}

// Info logs a message at INFO level.
func Info(msg string, kv ...interface{}) {
	if instance != nil {
		instance.log(LevelInfo, msg, kv...)
	}
}

// Warn logs a message at WARNING level and mirrors it to warnings.log.
func Warn(msg string, kv ...interface{}) {
	if instance != nil {
		instance.log(LevelWarn, msg, kv...)
	}
}

// Error logs a message at ERROR level and mirrors it to errors.log.
func Error(msg string, kv ...interface{}) {
	if instance != nil {
		instance.log(LevelError, msg, kv...)
	}
}
