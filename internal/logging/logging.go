// Package logging provides structured logging for the service. Handlers
// built here mask attributes that carry credentials, so a stray
// logger.Debug("request", "authorization", h) never leaks a signature.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Redacted replaces masked attribute values.
const Redacted = "[REDACTED]"

// sensitiveKeys are matched case-insensitively against attribute keys.
var sensitiveKeys = map[string]bool{
	"authorization":       true,
	"signature":           true,
	"sign":                true,
	"private_key":         true,
	"apiv3_key":           true,
	"api_v3_key":          true,
	"secret":              true,
	"webhook_secret":      true,
	"forward_secret":      true,
	"admin_secret":        true,
	"x-admin-secret":      true,
	"wechatpay-signature": true,
	"stripe-signature":    true,
}

type contextKey string

const (
	requestIDKey      contextKey = "request_id"
	loggerKey         contextKey = "logger"
	gatewayKey        contextKey = "gateway"
	notificationIDKey contextKey = "notification_id"
)

// New creates a new structured logger writing to stdout
func New(level string, format string) *slog.Logger {
	return NewWriter(os.Stdout, level, format)
}

// NewWriter creates a structured logger writing to w
func NewWriter(w io.Writer, level string, format string) *slog.Logger {
	lvl := ParseLevel(level)
	opts := &slog.HandlerOptions{
		Level:       lvl,
		AddSource:   lvl == slog.LevelDebug,
		ReplaceAttr: redact,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

func redact(_ []string, a slog.Attr) slog.Attr {
	if sensitiveKeys[strings.ToLower(a.Key)] {
		return slog.String(a.Key, Redacted)
	}
	return a
}

// Mask keeps the first and last four characters of an identifier such as
// a merchant ID or certificate serial.
func Mask(s string) string {
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}

// ParseLevel maps a level name to a slog level, defaulting to info
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Discard returns a logger that drops everything
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestID extracts the request ID from context
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// WithGateway tags the context with the gateway being called or notifying
func WithGateway(ctx context.Context, gateway string) context.Context {
	return context.WithValue(ctx, gatewayKey, gateway)
}

// WithNotificationID tags the context with the gateway's notification ID
func WithNotificationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, notificationIDKey, id)
}

// WithLogger adds a logger to the context
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext extracts the logger from context, or returns the default
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// L is a convenience function to get a logger with request context
func L(ctx context.Context) *slog.Logger {
	logger := FromContext(ctx)
	var attrs []any
	if reqID := RequestID(ctx); reqID != "" {
		attrs = append(attrs, "request_id", reqID)
	}
	if gw, ok := ctx.Value(gatewayKey).(string); ok && gw != "" {
		attrs = append(attrs, "gateway", gw)
	}
	if id, ok := ctx.Value(notificationIDKey).(string); ok && id != "" {
		attrs = append(attrs, "notification_id", id)
	}
	if len(attrs) == 0 {
		return logger
	}
	return logger.With(attrs...)
}
