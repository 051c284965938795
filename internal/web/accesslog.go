package web

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/inercia/edgeguard/internal/metrics"
)

// AccessLogConfig holds configuration for access logging.
type AccessLogConfig struct {
	// Path is the file path for the access log.
	// Empty string disables access logging.
	Path string

	// MaxSizeMB is the maximum size of the log file in megabytes before rotation.
	// Default: 10MB
	MaxSizeMB int

	// MaxBackups is the maximum number of old log files to retain.
	// Default: 1
	MaxBackups int

	// FlaggedOnly restricts the log to denied and would-block requests.
	FlaggedOnly bool
}

// AccessLogger writes one line per request with its decision outcome to a
// rotating file.
type AccessLogger struct {
	writer      io.WriteCloser
	flaggedOnly bool
	mu          sync.Mutex
}

// NewAccessLogger creates an access logger. If config.Path is empty it
// returns nil, which is a valid logger that writes nothing.
func NewAccessLogger(config AccessLogConfig) *AccessLogger {
	if config.Path == "" {
		return nil
	}

	maxSize := config.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 10
	}
	maxBackups := config.MaxBackups
	if maxBackups <= 0 {
		maxBackups = 1
	}

	return newAccessLogger(&lumberjack.Logger{
		Filename:   config.Path,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
	}, config.FlaggedOnly)
}

func newAccessLogger(w io.WriteCloser, flaggedOnly bool) *AccessLogger {
	return &AccessLogger{writer: w, flaggedOnly: flaggedOnly}
}

// Close closes the access logger.
func (a *AccessLogger) Close() error {
	if a == nil || a.writer == nil {
		return nil
	}
	return a.writer.Close()
}

// LogEntry represents a single access log entry.
type LogEntry struct {
	Timestamp    time.Time
	ClientIP     string
	Method       string
	Path         string
	StatusCode   int
	BytesWritten int64
	Duration     time.Duration
	UserAgent    string

	// Outcome is allowed, denied, would_block or skipped.
	Outcome string
	// Reason is the matched reason kind, NONE when nothing matched.
	Reason string
}

// Write appends an entry.
// Format: timestamp ip "method path" status bytes duration "user-agent" outcome reason
func (a *AccessLogger) Write(entry LogEntry) {
	if a == nil || a.writer == nil {
		return
	}
	if a.flaggedOnly && entry.Outcome != metrics.OutcomeDenied && entry.Outcome != metrics.OutcomeWouldBlock {
		return
	}

	line := fmt.Sprintf("%s %s \"%s %s\" %d %d %dms \"%s\" %s %s\n",
		entry.Timestamp.UTC().Format(time.RFC3339),
		entry.ClientIP,
		entry.Method,
		escapeQuotes(entry.Path),
		entry.StatusCode,
		entry.BytesWritten,
		entry.Duration.Milliseconds(),
		escapeQuotes(entry.UserAgent),
		entry.Outcome,
		entry.Reason,
	)

	a.mu.Lock()
	defer a.mu.Unlock()
	_, _ = a.writer.Write([]byte(line))
}

// escapeQuotes escapes quotes, backslashes and line breaks so a client
// cannot forge log lines.
func escapeQuotes(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`, "\r", `\r`).Replace(s)
}
