// Package notify broadcasts run lifecycle events toward the user's channels.
//
// The engine never talks to Telegram, SMTP, or a voice stack directly; it
// hands events to a Notifier and moves on. Delivery is fire-and-forget by
// contract: implementations log failures and never propagate them, so a dead
// channel cannot fail a run.
package notify

import (
	"context"
	"time"

	"relay/pkg/logx"
)

// Event kinds broadcast by the queue and orchestrator.
const (
	EventQueued   = "queued"
	EventStarted  = "started"
	EventFinished = "finished"
	EventFailed   = "failed"
	EventTimeout  = "timeout"
)

// Event is one user-facing notification. Messages carries per-channel text
// variants keyed by channel name ("telegram", "email"); adapters pick their
// key and fall back to "default".
type Event struct {
	Time       time.Time         `json:"ts"`
	Event      string            `json:"event"`
	Queue      string            `json:"queue,omitempty"`
	RunID      string            `json:"run_id,omitempty"`
	WorkItemID string            `json:"work_item_id,omitempty"`
	Messages   map[string]string `json:"messages,omitempty"`
}

// Message returns the text variant for channel, falling back to "default"
// and then to any variant at all.
func (e Event) Message(channel string) string {
	if m := e.Messages[channel]; m != "" {
		return m
	}
	if m := e.Messages["default"]; m != "" {
		return m
	}
	for _, m := range e.Messages {
		return m
	}
	return ""
}

// Notifier delivers events to the user's channels.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// LogNotifier writes events to the relay log. It is the default sink and the
// fallback when no outbox is configured.
type LogNotifier struct {
	logger *logx.Logger
}

// NewLogNotifier returns a Notifier that logs every event.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{logger: logx.NewLogger("notify")}
}

// Notify implements Notifier.
func (n *LogNotifier) Notify(_ context.Context, ev Event) {
	n.logger.Info("event=%s queue=%s run=%s item=%s msg=%q",
		ev.Event, ev.Queue, ev.RunID, ev.WorkItemID, ev.Message("default"))
}

// Multi fans one event out to several notifiers.
func Multi(notifiers ...Notifier) Notifier {
	return multi(notifiers)
}

type multi []Notifier

func (m multi) Notify(ctx context.Context, ev Event) {
	for _, n := range m {
		n.Notify(ctx, ev)
	}
}
