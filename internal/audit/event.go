package audit

import (
	"context"
	"time"

	"session-auth/internal/observability"
)

type EventType string

const (
	EventLoginSuccess          EventType = "login_success"
	EventLoginFailure          EventType = "login_failure"
	EventRefreshReplayDetected EventType = "refresh_replay_detected"
	EventLogout                EventType = "logout"
)

// Event never carries raw secrets, passwords, or tokens. TokenID is the
// token's jti, which is safe to record.
type Event struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"event"`
	Subject    string         `json:"subject,omitempty"`
	Tenant     string         `json:"tenant,omitempty"`
	Source     string         `json:"source,omitempty"`
	TokenID    string         `json:"token_id,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

type Emitter interface {
	Emit(ctx context.Context, event Event)
}

// Sink is one destination of audit events.
type Sink interface {
	Write(ctx context.Context, event Event) error
}

type SinkFunc func(ctx context.Context, event Event) error

func (f SinkFunc) Write(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Fanout delivers each event to every sink. A failing sink is logged and
// does not stop the others or the caller.
type Fanout struct {
	logger *observability.Logger
	sinks  []Sink
}

func NewFanout(logger *observability.Logger, sinks ...Sink) *Fanout {
	return &Fanout{logger: logger, sinks: sinks}
}

func (f *Fanout) Emit(ctx context.Context, event Event) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if event.ID == "" {
		event.ID = NewID(event.OccurredAt)
	}

	for _, sink := range f.sinks {
		err := sink.Write(ctx, event)
		if err == nil {
			continue
		}
		observability.CaptureError(err, map[string]string{"component": "audit", "event": string(event.Type)})
		if f.logger != nil {
			f.logger.Error("audit_sink_failed", map[string]any{
				"event": string(event.Type),
				"error": err.Error(),
			})
		}
	}
}

// LogSink writes events as structured log lines.
func LogSink(logger *observability.Logger) Sink {
	return SinkFunc(func(_ context.Context, event Event) error {
		fields := map[string]any{
			"type":        "audit",
			"event":       string(event.Type),
			"event_id":    event.ID,
			"occurred_at": event.OccurredAt.UTC().Format(time.RFC3339Nano),
		}
		if event.Subject != "" {
			fields["subject"] = event.Subject
		}
		if event.Tenant != "" {
			fields["tenant"] = event.Tenant
		}
		if event.Source != "" {
			fields["source"] = event.Source
		}
		if event.TokenID != "" {
			fields["token_id"] = event.TokenID
		}
		if event.Reason != "" {
			fields["reason"] = event.Reason
		}
		if len(event.Metadata) > 0 {
			fields["metadata"] = Redact(event.Metadata)
		}
		logger.Info("audit_event", fields)
		return nil
	})
}

// MetricsSink counts events by type.
func MetricsSink(metrics *observability.Metrics) Sink {
	return SinkFunc(func(_ context.Context, event Event) error {
		metrics.ObserveAuthEvent(string(event.Type))
		return nil
	})
}

// Discard drops every event.
type Discard struct{}

func (Discard) Emit(context.Context, Event) {}
