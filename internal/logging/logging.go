// Package logging provides structured logging for kerrucent.
//
// It wraps log/slog with a global logger and component loggers so every
// package logs with the same format and level.
//
// Usage:
//
//	logging.Init(slog.LevelInfo, false)
//
//	var log = logging.Component("ingest")
//	log.Info("listener started", "addr", addr)
//	log.Debug("datagram dropped", "hardware_id", hw, "error", err)
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger is the global logger instance.
var Logger *slog.Logger

// Init initializes the global logger with the specified level and format.
// If jsonFormat is true, logs are output as JSON; otherwise, human-readable text.
func Init(level slog.Level, jsonFormat bool) {
	InitWriter(os.Stdout, level, jsonFormat)
}

// InitWriter is Init with an explicit destination.
func InitWriter(w io.Writer, level slog.Level, jsonFormat bool) {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	if jsonFormat {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	InitWithHandler(handler)
}

// InitWithHandler initializes the global logger with a custom handler.
// This is useful for testing or custom output destinations.
func InitWithHandler(handler slog.Handler) {
	Logger = slog.New(handler)
	slog.SetDefault(Logger)
}

// ParseLevel converts a configuration string into a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// Component returns a logger for a specific component.
//
// The returned logger resolves the global logger on every call, so package
// level loggers declared before Init still honour the configured handler.
func Component(name string) *slog.Logger {
	return slog.New(componentHandler{name: name})
}

// componentHandler defers to the current global handler and tags records
// with the component name.
type componentHandler struct {
	name  string
	attrs []slog.Attr
	group string
}

func (h componentHandler) base() slog.Handler {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}
	var hh slog.Handler = Logger.Handler().WithAttrs([]slog.Attr{slog.String("component", h.name)})
	if len(h.attrs) > 0 {
		hh = hh.WithAttrs(h.attrs)
	}
	if h.group != "" {
		hh = hh.WithGroup(h.group)
	}
	return hh
}

func (h componentHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.base().Enabled(ctx, level)
}

func (h componentHandler) Handle(ctx context.Context, r slog.Record) error {
	if id, ok := ctx.Value(contextKeyRequestID).(string); ok {
		r.AddAttrs(slog.String("request_id", id))
	}
	return h.base().Handle(ctx, r)
}

func (h componentHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := h
	next.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return next
}

func (h componentHandler) WithGroup(name string) slog.Handler {
	next := h
	next.group = name
	return next
}

// Context key types for type-safe context value extraction.
type contextKey int

const (
	contextKeyRequestID contextKey = iota
)

// ContextWithRequestID adds a request ID to the context for logging.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, contextKeyRequestID, requestID)
}

// RequestID returns the request ID stored in ctx, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(contextKeyRequestID).(string)
	return id
}
