// Package log provides structured logging for the miner.
// It wraps the standard library's slog package with mining-specific helpers.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/hako/durafmt"
)

// Logger wraps slog.Logger with additional context and convenience methods
type Logger struct {
	*slog.Logger
	service string
	version string
}

type contextKey string

// Context keys read by WithContext.
const (
	PoolKey    contextKey = "pool"
	SessionKey contextKey = "session_id"
)

// New creates a new logger writing to stdout.
func New(service, version, level, format string) *Logger {
	return NewWithWriter(os.Stdout, service, version, level, format)
}

// NewWithWriter creates a new logger writing to w.
func NewWithWriter(w io.Writer, service, version, level, format string) *Logger {
	var handler slog.Handler

	logLevel := ParseLevel(level)

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	baseLogger := slog.New(handler).With(
		"service", service,
		"version", version,
	)

	return &Logger{
		Logger:  baseLogger,
		service: service,
		version: version,
	}
}

// ParseLevel maps a level name to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *Logger {
	return NewWithWriter(io.Discard, "test", "test", "error", "json")
}

// WithContext returns a logger carrying the pool and session values found in ctx.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	logger := l.Logger

	if pool := ctx.Value(PoolKey); pool != nil {
		logger = logger.With("pool", pool)
	}

	if session := ctx.Value(SessionKey); session != nil {
		logger = logger.With("session_id", session)
	}

	return &Logger{
		Logger:  logger,
		service: l.service,
		version: l.version,
	}
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger:  l.With(fields...),
		service: l.service,
		version: l.version,
	}
}

// WithComponent returns a logger with a component field
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithWorker returns a logger tagged with the authorized worker name.
func (l *Logger) WithWorker(worker string) *Logger {
	return l.WithFields("worker", worker)
}

// WithJob returns a logger with job-specific fields
func (l *Logger) WithJob(jobID string, clean bool) *Logger {
	return l.WithFields("job_id", jobID, "clean_jobs", clean)
}

// WithError returns a logger with error context
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields("error", err.Error())
}

// LogThroughput logs throughput metrics
func (l *Logger) LogThroughput(operation string, count int64, duration time.Duration) {
	rate := 0.0
	if duration > 0 {
		rate = float64(count) / duration.Seconds()
	}
	l.Info("throughput metrics",
		"operation", operation,
		"count", count,
		"window", durafmt.ParseShort(duration).String(),
		"throughput_ops_sec", rate,
	)
}

// LogConnection logs connection events
func (l *Logger) LogConnection(event, remoteAddr string) {
	l.Info("connection event",
		"event", event,
		"remote_addr", remoteAddr,
	)
}

// LogStratumMessage logs Stratum protocol lines (debug level)
func (l *Logger) LogStratumMessage(direction, message string) {
	l.Debug("stratum message",
		"direction", direction,
		"message", message,
	)
}

// LogShareSubmission logs the outcome of a share submission
func (l *Logger) LogShareSubmission(worker, jobID string, nonce uint32, difficulty float64, status string) {
	l.Info("share submission",
		"worker", worker,
		"job_id", jobID,
		"nonce", nonce,
		"difficulty", difficulty,
		"status", status,
	)
}

// LogBackoff logs a scheduled reconnect attempt.
func (l *Logger) LogBackoff(attempt int, delay time.Duration) {
	l.Warn("reconnect scheduled",
		"attempt", attempt,
		"delay", durafmt.Parse(delay).String(),
		"delay_ms", delay.Milliseconds(),
	)
}
