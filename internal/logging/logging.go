// Package logging provides centralized logging configuration for edgeguard.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	globalLogger *slog.Logger
	globalMu     sync.RWMutex

	// logWriter holds the rotating file writer (if any) for cleanup.
	logWriter   io.WriteCloser
	logWriterMu sync.Mutex

	// allowedComponents stores the set of components to log (nil means all)
	allowedComponents map[string]bool
	componentsMu      sync.RWMutex
)

// FileLogConfig holds configuration for file-based logging with rotation.
type FileLogConfig struct {
	// Path is the file path for the log file.
	// Empty string disables file logging.
	Path string

	// MaxSizeMB is the maximum size of the log file in megabytes before rotation.
	// Default: 10MB
	MaxSizeMB int

	// MaxBackups is the maximum number of old log files to retain.
	// Default: 3
	MaxBackups int

	// Compress determines if rotated log files should be compressed.
	Compress bool
}

// Config holds logging configuration.
type Config struct {
	// Level is the minimum log level for console output (debug, info, warn, error)
	Level string
	// FileLevel is the minimum log level for file output. Defaults to Level.
	FileLevel string
	// FileLog enables rotated file output in addition to the console.
	FileLog *FileLogConfig
	// JSON enables JSON output format
	JSON bool
	// Components is a list of component names to include in logs (empty means all)
	Components []string
	// Output overrides the console writer (stderr). Used by tests.
	Output io.Writer
}

// Initialize sets up the global logger with the given configuration.
// If FileLevel differs from Level, separate handlers with different levels are used.
func Initialize(cfg Config) error {
	consoleLevel := ParseLevel(cfg.Level)
	fileLevel := consoleLevel
	if cfg.FileLevel != "" {
		fileLevel = ParseLevel(cfg.FileLevel)
	}

	componentsMu.Lock()
	if len(cfg.Components) > 0 {
		allowedComponents = make(map[string]bool)
		for _, c := range cfg.Components {
			allowedComponents[c] = true
		}
	} else {
		allowedComponents = nil
	}
	componentsMu.Unlock()

	logWriterMu.Lock()
	defer logWriterMu.Unlock()

	var console io.Writer = os.Stderr
	if cfg.Output != nil {
		console = cfg.Output
	}

	var fileWriter io.Writer
	if cfg.FileLog != nil && cfg.FileLog.Path != "" {
		maxSize := cfg.FileLog.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 10
		}
		maxBackups := cfg.FileLog.MaxBackups
		if maxBackups <= 0 {
			maxBackups = 3
		}

		lj := &lumberjack.Logger{
			Filename:   cfg.FileLog.Path,
			MaxSize:    maxSize,    // megabytes
			MaxBackups: maxBackups, // number of backups
			MaxAge:     0,          // don't delete old files based on age
			Compress:   cfg.FileLog.Compress,
		}
		logWriter = lj
		fileWriter = lj
	}

	createHandler := func(w io.Writer, level slog.Level) slog.Handler {
		opts := &slog.HandlerOptions{Level: level}
		if cfg.JSON {
			return slog.NewJSONHandler(w, opts)
		}
		return slog.NewTextHandler(w, opts)
	}

	var handler slog.Handler
	switch {
	case fileWriter != nil && fileLevel != consoleLevel:
		handler = &multiHandler{handlers: []slog.Handler{
			createHandler(console, consoleLevel),
			createHandler(fileWriter, fileLevel),
		}}
	case fileWriter != nil:
		handler = createHandler(io.MultiWriter(console, fileWriter), consoleLevel)
	default:
		handler = createHandler(console, consoleLevel)
	}

	logger := slog.New(handler)

	globalMu.Lock()
	globalLogger = logger
	globalMu.Unlock()

	slog.SetDefault(logger)
	return nil
}

// multiHandler fans out log records to multiple handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			if err := handler.Handle(ctx, r.Clone()); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}

// Get returns the global logger.
// If Initialize hasn't been called, returns slog.Default().
func Get() *slog.Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()

	if globalLogger == nil {
		return slog.Default()
	}
	return globalLogger
}

// Close closes the log file if one is open.
func Close() error {
	logWriterMu.Lock()
	defer logWriterMu.Unlock()

	if logWriter != nil {
		err := logWriter.Close()
		logWriter = nil
		return err
	}
	return nil
}

// ParseLevel converts a string level to slog.Level. Unknown values map to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func isComponentAllowed(component string) bool {
	componentsMu.RLock()
	defer componentsMu.RUnlock()

	if allowedComponents == nil {
		return true
	}
	return allowedComponents[component]
}

// componentFilterHandler wraps a slog.Handler and filters based on component.
type componentFilterHandler struct {
	inner     slog.Handler
	component string
}

func (h *componentFilterHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if !isComponentAllowed(h.component) {
		return false
	}
	return h.inner.Enabled(ctx, level)
}

func (h *componentFilterHandler) Handle(ctx context.Context, r slog.Record) error {
	if !isComponentAllowed(h.component) {
		return nil
	}
	return h.inner.Handle(ctx, r)
}

func (h *componentFilterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &componentFilterHandler{
		inner:     h.inner.WithAttrs(attrs),
		component: h.component,
	}
}

func (h *componentFilterHandler) WithGroup(name string) slog.Handler {
	return &componentFilterHandler{
		inner:     h.inner.WithGroup(name),
		component: h.component,
	}
}

// WithComponent returns a logger with a component attribute.
// If component filtering is enabled and this component is not in the allowed list,
// the returned logger discards everything.
func WithComponent(component string) *slog.Logger {
	base := Get()
	handler := &componentFilterHandler{
		inner:     base.Handler().WithAttrs([]slog.Attr{slog.String("component", component)}),
		component: component,
	}
	return slog.New(handler)
}

// Engine returns a logger for decision engine events.
func Engine() *slog.Logger {
	return WithComponent("engine")
}

// Store returns a logger for counter store events.
func Store() *slog.Logger {
	return WithComponent("store")
}

// Sink returns a logger for event sink and notification events.
func Sink() *slog.Logger {
	return WithComponent("sink")
}

// Web returns a logger for HTTP events.
func Web() *slog.Logger {
	return WithComponent("web")
}

// ConfigLoader returns a logger for configuration loading and reload events.
func ConfigLoader() *slog.Logger {
	return WithComponent("config")
}

// Shutdown returns a logger for shutdown events.
func Shutdown() *slog.Logger {
	return WithComponent("shutdown")
}

// WithRequest returns a logger carrying the request identity.
func WithRequest(base *slog.Logger, ip, method, path string) *slog.Logger {
	if base == nil {
		return nil
	}
	return base.With(
		"ip", ip,
		"method", method,
		"path", path,
	)
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
