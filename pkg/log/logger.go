// Package log provides structured logging utilities for the minerelay services.
// It wraps the standard library's slog package with additional convenience methods.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

type ctxKey string

// SessionIDKey is the context key under which the relay stores the browser session id.
const SessionIDKey ctxKey = "session_id"

// Logger wraps slog.Logger with additional context and convenience methods
type Logger struct {
	*slog.Logger
	service string
	version string
}

// New creates a new logger writing to stdout with the specified configuration
func New(service, version, level, format string) *Logger {
	return NewWithWriter(os.Stdout, service, version, level, format)
}

// NewWithWriter is New with an explicit destination.
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

// Discard returns a logger that drops everything. Handy in tests.
func Discard() *Logger {
	return NewWithWriter(io.Discard, "test", "test", "error", "json")
}

// ParseLevel maps a textual level to slog.Level, defaulting to info.
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

// WithContext returns a logger with fields pulled from ctx
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if id := ctx.Value(SessionIDKey); id != nil {
		return l.WithFields("session_id", id)
	}
	return l
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

// WithSession returns a logger scoped to one browser session and its pool
func (l *Logger) WithSession(sessionID, poolAddr string) *Logger {
	return l.WithFields("session_id", sessionID, "pool_addr", poolAddr)
}

// WithError returns a logger with error context
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields("error", err.Error())
}

// LogConnection logs connection events
func (l *Logger) LogConnection(event, remoteAddr string) {
	l.Info("connection event",
		"event", event,
		"remote_addr", remoteAddr,
	)
}

// LogPoolMessage logs raw pool protocol lines (debug level)
func (l *Logger) LogPoolMessage(direction string, line []byte) {
	if !l.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	l.Debug("pool message",
		"direction", direction,
		"message", string(line),
	)
}

// LogShareSubmission logs share submissions and their outcome
func (l *Logger) LogShareSubmission(walletType, jobID string, requestID uint64, status string) {
	l.Info("share submission",
		"wallet_type", walletType,
		"job_id", jobID,
		"request_id", requestID,
		"status", status,
	)
}

// LogWalletSwitch logs a scheduler-driven change of credited wallet
func (l *Logger) LogWalletSwitch(walletType, reason string, relogin bool) {
	l.Info("wallet switch",
		"wallet_type", walletType,
		"reason", reason,
		"relogin", relogin,
	)
}

// LogStateChange logs session lifecycle transitions
func (l *Logger) LogStateChange(from, to string) {
	l.Info("session state changed",
		"from", from,
		"to", to,
	)
}
