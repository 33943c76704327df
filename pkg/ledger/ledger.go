// Package ledger persists run lifecycle events to SQLite. The ledger is the
// only durable component in the relay: everything else rebuilds its view of
// the world from these events after a restart.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // CGO-free SQLite driver

	"relay/pkg/logx"
	"relay/pkg/runs"
)

// Ledger is an append-only event store backed by a SQLite database.
type Ledger struct {
	db     *sql.DB
	logger *logx.Logger
	now    func() time.Time
}

// Open opens (or creates) the ledger database at path and applies schema
// migrations. Callers own the returned Ledger and must Close it.
func Open(path string) (*Ledger, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=ON&_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping ledger database: %w", err)
	}

	// SQLite handles one writer at a time; a single connection avoids
	// SQLITE_BUSY churn under concurrent appends.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := initializeSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize ledger schema: %w", err)
	}

	return &Ledger{
		db:     db,
		logger: logx.NewLogger("ledger"),
		now:    time.Now,
	}, nil
}

// Close closes the underlying database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Append writes one event. The event timestamp defaults to the current time
// when unset. Append is synchronous: once it returns, the event is visible
// to Unterminated and History.
func (l *Ledger) Append(ctx context.Context, ev runs.Event) error {
	if ev.RunID == "" {
		return fmt.Errorf("event has no run ID")
	}
	if !ev.Type.Valid() {
		return fmt.Errorf("invalid event type: %q", ev.Type)
	}

	payload := "{}"
	if len(ev.Payload) > 0 {
		raw, err := json.Marshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}
		payload = string(raw)
	}

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = l.now()
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO run_events (run_id, event_type, agent_type, work_item_id, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ev.RunID, string(ev.Type), ev.AgentType, nullIfEmpty(ev.WorkItemID), payload, ts.UTC())
	if err != nil {
		return fmt.Errorf("append %s event for %s: %w", ev.Type, ev.RunID, err)
	}

	l.logger.Debug("appended %s for %s", ev.Type, ev.RunID)
	return nil
}

// Unterminated returns every run with a dispatched event but no terminal
// event (completed, failed, or cancelled), ordered by dispatch time.
func (l *Ledger) Unterminated(ctx context.Context) ([]runs.UntermRun, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT d.run_id, d.agent_type, COALESCE(d.work_item_id, ''), d.created_at
		 FROM run_events d
		 WHERE d.event_type = 'dispatched'
		   AND NOT EXISTS (
		       SELECT 1 FROM run_events t
		       WHERE t.run_id = d.run_id
		         AND t.event_type IN ('completed','failed','cancelled')
		   )
		 ORDER BY d.created_at ASC, d.id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query unterminated runs: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			_ = closeErr
		}
	}()

	var out []runs.UntermRun
	for rows.Next() {
		var r runs.UntermRun
		if err := rows.Scan(&r.RunID, &r.AgentType, &r.WorkItemID, &r.DispatchedAt); err != nil {
			return nil, fmt.Errorf("scan unterminated run: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate unterminated runs: %w", err)
	}
	return out, nil
}

// History returns all events for a run in append order.
func (l *Ledger) History(ctx context.Context, runID string) ([]runs.Event, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT run_id, event_type, agent_type, COALESCE(work_item_id, ''), payload, created_at
		 FROM run_events
		 WHERE run_id = ?
		 ORDER BY id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("query history for %s: %w", runID, err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			_ = closeErr
		}
	}()

	var out []runs.Event
	for rows.Next() {
		var (
			ev      runs.Event
			evType  string
			payload string
		)
		if err := rows.Scan(&ev.RunID, &evType, &ev.AgentType, &ev.WorkItemID, &payload, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("scan event for %s: %w", runID, err)
		}
		ev.Type = runs.EventType(evType)
		if payload != "" && payload != "{}" {
			if err := json.Unmarshal([]byte(payload), &ev.Payload); err != nil {
				return nil, fmt.Errorf("decode payload for %s: %w", runID, err)
			}
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history for %s: %w", runID, err)
	}
	return out, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
