// Package alert raises out-of-band notifications for conditions an operator
// must act on: integrity violations, broken ledger chains and timed-out jobs.
// Alerts complement, never replace, the error returned to the caller.
package alert

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Kind classifies an alert.
type Kind string

const (
	KindIntegrity   Kind = "integrity-violation"
	KindChainBroken Kind = "chain-broken"
	KindJobTimeout  Kind = "job-timeout"
	KindJobFailed   Kind = "job-failed"
	KindOrphan      Kind = "orphan-object"
)

// Severity of an alert.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
)

// Alert is one notification.
type Alert struct {
	Kind     Kind              `json:"kind"`
	Severity Severity          `json:"severity"`
	Message  string            `json:"message"`
	Subject  string            `json:"subject,omitempty"` // record id, shard or job name
	Details  map[string]string `json:"details,omitempty"`
	At       time.Time         `json:"at"`
}

// Alerter delivers alerts.
type Alerter interface {
	Alert(ctx context.Context, a Alert) error
}

// LogAlerter writes alerts to a structured logger.
type LogAlerter struct {
	logger *slog.Logger
}

func NewLogAlerter(logger *slog.Logger) *LogAlerter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogAlerter{logger: logger.With("component", "alert")}
}

func (l *LogAlerter) Alert(ctx context.Context, a Alert) error {
	attrs := []any{"kind", a.Kind, "severity", a.Severity, "subject", a.Subject}
	for k, v := range a.Details {
		attrs = append(attrs, k, v)
	}
	level := slog.LevelWarn
	if a.Severity == SeverityCritical {
		level = slog.LevelError
	}
	l.logger.Log(ctx, level, a.Message, attrs...)
	return nil
}

// Multi fans an alert out to every alerter and joins their errors.
type Multi []Alerter

func (m Multi) Alert(ctx context.Context, a Alert) error {
	var errs []error
	for _, al := range m {
		if al == nil {
			continue
		}
		if err := al.Alert(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Raise stamps a with the current time and sends it, logging delivery
// failures instead of returning them. A nil alerter is allowed.
func Raise(ctx context.Context, al Alerter, logger *slog.Logger, a Alert) {
	if al == nil {
		return
	}
	if a.At.IsZero() {
		a.At = time.Now().UTC()
	}
	if a.Severity == "" {
		a.Severity = SeverityCritical
	}
	if err := al.Alert(ctx, a); err != nil && logger != nil {
		logger.ErrorContext(ctx, "alert delivery failed", "kind", a.Kind, "subject", a.Subject, "error", err)
	}
}
