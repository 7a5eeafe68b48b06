// Package logging provides per-component loggers for dirmon, backed by
// charmbracelet/log and writing to a rotating log file with optional
// console output.
//
// Loggers are handed out by component name and may be taken before Init:
// the walker, index and re-sync engine grab theirs when constructed, and
// every record goes to whatever sinks are configured at the time it is
// written. Without Init, records are discarded.
//
//	if err := logging.Init(logging.DefaultConfig()); err != nil {
//	    return err
//	}
//	defer logging.Close()
//
//	logging.Get("walker").Info("walk started", "root", "/data")
package logging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/adrg/xdg"
	"github.com/charmbracelet/log"
)

// ErrInvalidLevel is returned for an unknown level name.
var ErrInvalidLevel = errors.New("invalid log level")

// ParseLevel parses debug, info, warn (or warning) and error.
func ParseLevel(s string) (log.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return log.DebugLevel, nil
	case "info":
		return log.InfoLevel, nil
	case "warn", "warning":
		return log.WarnLevel, nil
	case "error":
		return log.ErrorLevel, nil
	default:
		return log.InfoLevel, fmt.Errorf("%w: %s", ErrInvalidLevel, s)
	}
}

// Config configures the logging system.
type Config struct {
	// Level is the default level of every component.
	Level string

	// Path is the log file. Empty uses DefaultLogPath().
	Path string

	Rotation RotationConfig

	// Components overrides the level per component (walker, resync, ...).
	Components map[string]string

	// ConsoleLevel also writes to stderr at this level. Empty disables it.
	ConsoleLevel string
}

// Logger writes records tagged with one component name.
type Logger struct {
	component string
}

// Debug logs at debug level.
func (l *Logger) Debug(msg string, kv ...any) { l.log(log.DebugLevel, msg, kv) }

// Info logs at info level.
func (l *Logger) Info(msg string, kv ...any) { l.log(log.InfoLevel, msg, kv) }

// Warn logs at warn level.
func (l *Logger) Warn(msg string, kv ...any) { l.log(log.WarnLevel, msg, kv) }

// Error logs at error level.
func (l *Logger) Error(msg string, kv ...any) { l.log(log.ErrorLevel, msg, kv) }

func (l *Logger) log(level log.Level, msg string, kv []any) {
	global.mu.RLock()
	s := global.sinks[l.component]
	global.mu.RUnlock()

	if s == nil {
		return
	}
	s.file.Log(level, msg, kv...)
	if s.console != nil {
		s.console.Log(level, msg, kv...)
	}
}

// sink is the pair of charm loggers a component writes to.
type sink struct {
	file    *log.Logger
	console *log.Logger
}

type state struct {
	mu sync.RWMutex

	// writer is nil until Init.
	writer       io.WriteCloser
	level        log.Level
	components   map[string]log.Level
	console      bool
	consoleLevel log.Level

	loggers map[string]*Logger
	sinks   map[string]*sink
}

var global = &state{
	loggers: make(map[string]*Logger),
	sinks:   make(map[string]*sink),
}

// Init opens the log file and points every component logger, including
// those taken earlier, at it. Calling Init again replaces the sinks.
func Init(cfg Config) error {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("parsing log level: %w", err)
	}

	components := make(map[string]log.Level, len(cfg.Components))
	for comp, name := range cfg.Components {
		lvl, err := ParseLevel(name)
		if err != nil {
			return fmt.Errorf("parsing level for component %s: %w", comp, err)
		}
		components[comp] = lvl
	}

	var consoleLevel log.Level
	if cfg.ConsoleLevel != "" {
		if consoleLevel, err = ParseLevel(cfg.ConsoleLevel); err != nil {
			return fmt.Errorf("parsing console level: %w", err)
		}
	}

	path := cfg.Path
	if path == "" {
		path = DefaultLogPath()
	}
	writer, err := NewRotatingWriter(path, cfg.Rotation)
	if err != nil {
		return fmt.Errorf("creating log writer: %w", err)
	}

	global.mu.Lock()
	defer global.mu.Unlock()

	if global.writer != nil {
		if err := global.writer.Close(); err != nil {
			_ = writer.Close()
			return fmt.Errorf("closing existing writer: %w", err)
		}
	}

	global.writer = writer
	global.level = level
	global.components = components
	global.console = cfg.ConsoleLevel != ""
	global.consoleLevel = consoleLevel

	global.sinks = make(map[string]*sink, len(global.loggers))
	for comp := range global.loggers {
		global.sinks[comp] = newSinkLocked(comp)
	}
	return nil
}

// Get returns the logger of a component.
func Get(component string) *Logger {
	global.mu.RLock()
	l, ok := global.loggers[component]
	global.mu.RUnlock()
	if ok {
		return l
	}

	global.mu.Lock()
	defer global.mu.Unlock()

	if l, ok := global.loggers[component]; ok {
		return l
	}
	l = &Logger{component: component}
	global.loggers[component] = l
	if global.writer != nil {
		global.sinks[component] = newSinkLocked(component)
	}
	return l
}

// newSinkLocked must be called with global.mu held and a writer open.
func newSinkLocked(component string) *sink {
	level := global.level
	if lvl, ok := global.components[component]; ok {
		level = lvl
	}

	s := &sink{
		file: log.NewWithOptions(global.writer, log.Options{
			Level:           level,
			ReportTimestamp: true,
			TimeFormat:      time.RFC3339,
			Prefix:          component,
		}),
	}
	if global.console {
		s.console = log.NewWithOptions(os.Stderr, log.Options{
			Level:           global.consoleLevel,
			ReportTimestamp: true,
			TimeFormat:      "15:04:05",
			Prefix:          component,
		})
	}
	return s
}

// Close closes the log file. Loggers discard records until the next Init.
func Close() error {
	global.mu.Lock()
	defer global.mu.Unlock()

	global.sinks = make(map[string]*sink)
	if global.writer == nil {
		return nil
	}
	err := global.writer.Close()
	global.writer = nil
	if err != nil {
		return fmt.Errorf("closing log writer: %w", err)
	}
	return nil
}

// DefaultLogPath returns $XDG_STATE_HOME/dirmon/dirmon.log.
func DefaultLogPath() string {
	return filepath.Join(xdg.StateHome, "dirmon", "dirmon.log")
}

// DefaultConfig logs at info level to DefaultLogPath with default rotation.
func DefaultConfig() Config {
	return Config{
		Level:    "info",
		Path:     DefaultLogPath(),
		Rotation: DefaultRotationConfig(),
	}
}
