package ops

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/sandwichfarm/nopush/internal/config"
)

// Logger is a structured logger wrapper
type Logger struct {
	*slog.Logger
	level  slog.Level
	format string
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a new structured logger based on config
func NewLogger(cfg *config.Logging) *Logger {
	return NewLoggerWithWriter(cfg, os.Stderr)
}

// NewLoggerWithWriter creates a logger with a custom writer. Plugin mode
// owns stdout for the strfry protocol, so logs always go elsewhere.
func NewLoggerWithWriter(cfg *config.Logging, w io.Writer) *Logger {
	level := parseLevel(cfg.Level)

	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.Format(time.RFC3339))
				}
			}
			return a
		},
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return &Logger{
		Logger: slog.New(handler),
		level:  level,
		format: cfg.Format,
	}
}

// WithComponent adds a component field to all log messages
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		Logger: l.Logger.With("component", component),
		level:  l.level,
		format: l.format,
	}
}

// WithFields adds custom fields to the logger
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger: l.Logger.With(fields...),
		level:  l.level,
		format: l.format,
	}
}

// IsDebugEnabled returns true if debug logging is enabled
func (l *Logger) IsDebugEnabled() bool {
	return l.level <= slog.LevelDebug
}

// Component-specific logger helpers

// LogStoreOperation logs a notification store operation
func (l *Logger) LogStoreOperation(op string, duration time.Duration, err error) {
	if err != nil {
		l.Error("store operation failed",
			"operation", op,
			"duration_ms", duration.Milliseconds(),
			"error", err)
	} else {
		l.Debug("store operation completed",
			"operation", op,
			"duration_ms", duration.Milliseconds())
	}
}

// LogDispatch logs the outcome of processing one event
func (l *Logger) LogDispatch(eventID string, notified, muted int, err error) {
	if err != nil {
		l.Error("dispatch failed",
			"event_id", eventID,
			"notified", notified,
			"error", err)
		return
	}
	l.Info("dispatch completed",
		"event_id", eventID,
		"notified", notified,
		"muted", muted)
}

// LogGatewayDelivery logs one push delivery attempt to one device
func (l *Logger) LogGatewayDelivery(eventID, pubkey, deviceToken string, err error) {
	if err != nil {
		l.Warn("push delivery failed",
			"event_id", eventID,
			"pubkey", pubkey,
			"device_token", deviceToken,
			"error", err)
	} else {
		l.Debug("push delivered",
			"event_id", eventID,
			"pubkey", pubkey,
			"device_token", deviceToken)
	}
}

// LogMuteCheck logs a failed mute policy evaluation
func (l *Logger) LogMuteCheck(eventID, pubkey string, err error) {
	l.Warn("mute check failed, skipping candidate",
		"event_id", eventID,
		"pubkey", pubkey,
		"error", err)
}

// LogRelayConnection logs a relay connection event
func (l *Logger) LogRelayConnection(relay string, connected bool, err error) {
	if err != nil {
		l.Warn("relay connection failed",
			"relay", relay,
			"error", err)
	} else if connected {
		l.Info("relay connected",
			"relay", relay)
	} else {
		l.Info("relay disconnected",
			"relay", relay)
	}
}

// LogStartup logs application startup information
func (l *Logger) LogStartup(version, commit, mode string) {
	l.Info("nopush starting",
		"version", version,
		"commit", commit,
		"mode", mode)
}

// LogShutdown logs application shutdown
func (l *Logger) LogShutdown(reason string) {
	l.Info("nopush shutting down",
		"reason", reason)
}

// LogPanic logs a panic with stack trace
func (l *Logger) LogPanic(recovered interface{}, stack string) {
	l.Error("panic recovered",
		"panic", fmt.Sprintf("%v", recovered),
		"stack", stack)
}

// Default logger configuration
var defaultLogger *Logger

func init() {
	defaultLogger = NewLogger(&config.Logging{
		Level:  "info",
		Format: "text",
	})
}

// Default returns the default logger
func Default() *Logger {
	return defaultLogger
}

// SetDefault sets the default logger
func SetDefault(l *Logger) {
	defaultLogger = l
}
