// Package audit writes structured security audit entries for key, record,
// permission and emergency operations.
package audit

import (
	"context"
	"log/slog"
	"time"
)

// Event identifies the type of security-relevant action being logged.
type Event string

const (
	KeyRegistered        Event = "key_registered"
	KeyRotated           Event = "key_rotated"
	KeyRevoked           Event = "key_revoked"
	KeyReprovisioned     Event = "key_reprovisioned"
	RecordCreated        Event = "record_created"
	RecordUpdated        Event = "record_updated"
	RecordOpened         Event = "record_opened"
	PermissionGranted    Event = "permission_granted"
	PermissionRevoked    Event = "permission_revoked"
	SignedGrantAccepted  Event = "signed_grant_accepted"
	SignedGrantRejected  Event = "signed_grant_rejected"
	AccessDenied         Event = "access_denied"
	EmergencyRequested   Event = "emergency_requested"
	EmergencyConfirmed   Event = "emergency_confirmed"
	EmergencyKeyReleased Event = "emergency_key_released"
	EmergencyRejected    Event = "emergency_rejected"
)

// Logger wraps slog.Logger for structured security audit logging. A nil
// *Logger discards everything.
type Logger struct {
	logger *slog.Logger
	now    func() time.Time
	alerts *alertCollector
}

// Option customizes a Logger.
type Option func(*Logger)

// WithClock sets the time source for entry timestamps and alert windows.
func WithClock(now func() time.Time) Option {
	return func(l *Logger) { l.now = now }
}

// WithAlerts enables spike detection on denied-access and emergency events.
func WithAlerts(fn AlertFunc) Option {
	return func(l *Logger) { l.alerts = newAlertCollector(fn) }
}

// New returns an audit logger writing to logger.
func New(logger *slog.Logger, opts ...Option) *Logger {
	l := &Logger{
		logger: logger.With("component", "audit"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Log writes an audit entry for an action taken by actor.
func (l *Logger) Log(ctx context.Context, event Event, actor string, attrs ...slog.Attr) {
	if l == nil {
		return
	}
	now := l.now()
	base := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("actor", actor),
		slog.String("timestamp", now.UTC().Format(time.RFC3339)),
	}
	l.logger.LogAttrs(ctx, slog.LevelInfo, "audit", append(base, attrs...)...)
	if l.alerts != nil {
		l.alerts.record(event, now)
	}
}

// Denied logs a rejected action with the reason it was rejected.
func (l *Logger) Denied(ctx context.Context, event Event, actor string, reason error, attrs ...slog.Attr) {
	if l == nil {
		return
	}
	l.Log(ctx, event, actor, append([]slog.Attr{slog.String("reason", reason.Error())}, attrs...)...)
}
