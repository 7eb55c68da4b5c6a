package logger

import (
	"context"
	"log/slog"
	"time"
)

// AuditEvent is one security-relevant outcome pushed to the audit sink.
// Failures carry the real reason even when the caller only sees a collapsed
// error such as "invalid credentials".
type AuditEvent struct {
	EventType     string
	UserID        string
	Method        string // second-factor method, when relevant
	IPAddress     string
	Success       bool
	FailureReason string
	Metadata      map[string]string
}

// AuditLogger is a fire-and-forget audit sink. Record never returns an error
// into the caller; a broken sink must not break the primary operation.
type AuditLogger struct {
	logger *slog.Logger
}

// NewAuditLogger creates an audit sink over a structured logger.
func NewAuditLogger(logger *slog.Logger) *AuditLogger {
	return &AuditLogger{logger: logger}
}

// Record writes an audit event. Successes log at info, failures at warn.
func (al *AuditLogger) Record(event AuditEvent) {
	attrs := []slog.Attr{
		slog.String("audit_type", "auth"),
		slog.String("event_type", event.EventType),
		slog.Bool("success", event.Success),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}

	if event.UserID != "" {
		attrs = append(attrs, slog.String("user_id", event.UserID))
	}
	if event.Method != "" {
		attrs = append(attrs, slog.String("method", event.Method))
	}
	if event.IPAddress != "" {
		attrs = append(attrs, slog.String("ip_address", event.IPAddress))
	}
	if event.FailureReason != "" {
		attrs = append(attrs, slog.String("failure_reason", event.FailureReason))
	}
	for key, val := range event.Metadata {
		attrs = append(attrs, slog.String(key, val))
	}

	level := slog.LevelInfo
	if !event.Success {
		level = slog.LevelWarn
	}
	al.logger.LogAttrs(context.Background(), level, "audit", attrs...)
}
