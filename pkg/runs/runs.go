// Package runs defines the run lifecycle types shared across the orchestration engine:
// tracker run states, ledger events, and the reason strings recorded on repairs.
package runs

import (
	"time"

	"github.com/google/uuid"
)

// Status is the tracker's view of an in-flight run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusStale     Status = "stale"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// EventType enumerates the ledger event kinds.
type EventType string

const (
	EventDispatched EventType = "dispatched"
	EventProgress   EventType = "progress"
	EventHeartbeat  EventType = "heartbeat"
	EventTimeout    EventType = "timeout"
	EventCompleted  EventType = "completed"
	EventFailed     EventType = "failed"
	EventCancelled  EventType = "cancelled"
)

// AllEventTypes lists every valid event type, in lifecycle order.
var AllEventTypes = []EventType{
	EventDispatched,
	EventProgress,
	EventHeartbeat,
	EventTimeout,
	EventCompleted,
	EventFailed,
	EventCancelled,
}

// Terminal reports whether the event type ends a run's lifecycle. A run is
// terminated iff the ledger holds a completed, failed, or cancelled event for it.
func (t EventType) Terminal() bool {
	return t == EventCompleted || t == EventFailed || t == EventCancelled
}

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	for _, known := range AllEventTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Reason explains why a timeout or terminal event was recorded. Reasons are
// stored in event payloads under the "reason" key.
type Reason string

const (
	ReasonWatchdogStale         Reason = "watchdog_stale"
	ReasonNoPID                 Reason = "no_pid"
	ReasonUserCancel            Reason = "user_cancel"
	ReasonAlreadyDead           Reason = "already_dead"
	ReasonRelayRestart          Reason = "relay_restart"
	ReasonReconcilerOrphan      Reason = "reconciler_orphan"
	ReasonReconcilerDeadProcess Reason = "reconciler_dead_process"
)

// RunState is the in-memory record of one in-flight run. It is owned exclusively
// by the tracker and mutated only through the tracker's API; the ledger is the
// durable projection, so RunState itself is never persisted.
type RunState struct {
	RunID         string    `json:"run_id"`
	AgentType     string    `json:"agent_type"`
	WorkItemID    string    `json:"work_item_id,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Status        Status    `json:"status"`
	PID           int       `json:"pid,omitempty"`
	Channel       string    `json:"channel,omitempty"`
	MessageID     string    `json:"message_id,omitempty"`
}

// Event is one append-only ledger record. Events are immutable once written;
// repairs append new events instead of correcting history.
type Event struct {
	RunID      string         `json:"run_id"`
	Type       EventType      `json:"type"`
	AgentType  string         `json:"agent_type"`
	WorkItemID string         `json:"work_item_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// UntermRun identifies a run with a dispatched event but no terminal event.
type UntermRun struct {
	RunID        string    `json:"run_id"`
	AgentType    string    `json:"agent_type"`
	WorkItemID   string    `json:"work_item_id,omitempty"`
	DispatchedAt time.Time `json:"dispatched_at"`
}

// NewRunID returns a fresh opaque run identifier. Callers generate run IDs at
// dispatch time; the engine never assigns them implicitly.
func NewRunID() string {
	return "run-" + uuid.NewString()
}
