// Package logger holds the process-wide slog root used by runstream.
//
// Init is called once from cmd/server. Packages that are not handed a
// logger explicitly call WithComponent to get one tagged with their name.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var (
	mu       sync.Mutex
	root     *slog.Logger
	levelVar = new(slog.LevelVar)
	logFile  *os.File
)

// Options controls where and how logs are written.
type Options struct {
	// Path is the log file. Empty means stderr.
	Path string
	// Level is one of debug, info, warn, error.
	Level string
	// Format is "text" (default) or "json".
	Format string
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// Init configures the root logger. Calling it again replaces the previous
// configuration and closes any previously opened log file.
func Init(opts Options) error {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return err
	}

	var w io.Writer = os.Stderr
	var f *os.File
	if opts.Path != "" {
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0755); err != nil {
			return fmt.Errorf("create log directory: %w", err)
		}
		f, err = os.OpenFile(opts.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("open log file %s: %w", opts.Path, err)
		}
		w = f
	}

	mu.Lock()
	defer mu.Unlock()

	if logFile != nil {
		logFile.Close()
	}
	logFile = f
	levelVar.Set(level)
	root = slog.New(newHandler(w, opts.Format))
	return nil
}

func newHandler(w io.Writer, format string) slog.Handler {
	hopts := &slog.HandlerOptions{Level: levelVar}
	if strings.EqualFold(format, "json") {
		return slog.NewJSONHandler(w, hopts)
	}
	return slog.NewTextHandler(w, hopts)
}

// SetLevel changes the level of the root logger at runtime.
func SetLevel(level slog.Level) {
	levelVar.Set(level)
}

// Get returns the root logger, falling back to slog.Default before Init.
func Get() *slog.Logger {
	mu.Lock()
	defer mu.Unlock()
	if root == nil {
		return slog.Default()
	}
	return root
}

// WithComponent returns a logger tagged with the component name.
//
//	log := logger.WithComponent("hub")
//	log.Warn("send failed", "streamID", id)
//	// level=WARN msg="send failed" component=hub streamID=abc
func WithComponent(component string) *slog.Logger {
	return Get().With("component", component)
}

// WithSession returns a logger tagged with a process session ID.
func WithSession(sessionID string) *slog.Logger {
	return Get().With("sessionID", sessionID)
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Close closes the log file, if any, and resets the root logger.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
	root = nil
}
