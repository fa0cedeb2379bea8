// Package audit records timestamped action entries keyed to a session.
package audit

import (
	"context"
	"database/sql"
	"time"
)

// Phases an entry can belong to.
const (
	PhasePlan    = "plan"
	PhaseExecute = "execute"
	PhaseCleanup = "cleanup"
)

// Outcomes.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// Entry is one audit record.
type Entry struct {
	ID        int64     `json:"id"`
	TS        time.Time `json:"ts" format:"date-time"`
	SessionID string    `json:"session_id"`
	Operation string    `json:"operation"`
	Phase     string    `json:"phase"`
	Outcome   string    `json:"outcome"`
	Detail    string    `json:"detail,omitempty"`
}

// Logger is the collaborator interface consumed by the orchestrator.
type Logger interface {
	Append(ctx context.Context, e Entry) error
}

// Writer persists entries to SQLite.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

func (w Writer) Append(ctx context.Context, e Entry) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := e.TS
	if ts.IsZero() {
		ts = now().UTC()
	}
	_, err := w.DB.ExecContext(ctx,
		`INSERT INTO audit_entries(ts,session_id,operation,phase,outcome,detail) VALUES (?,?,?,?,?,?)`,
		ts.Format(time.RFC3339), e.SessionID, e.Operation, e.Phase, e.Outcome, nullable(e.Detail))
	return err
}

// ListBySession returns entries for a session in insertion order.
func (w Writer) ListBySession(ctx context.Context, sessionID string) ([]Entry, error) {
	rows, err := w.DB.QueryContext(ctx,
		`SELECT id,ts,session_id,operation,phase,outcome,COALESCE(detail,'') FROM audit_entries WHERE session_id=? ORDER BY id`,
		sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		var e Entry
		var ts string
		if err := rows.Scan(&e.ID, &ts, &e.SessionID, &e.Operation, &e.Phase, &e.Outcome, &e.Detail); err != nil {
			return nil, err
		}
		e.TS, _ = time.Parse(time.RFC3339, ts)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// NopLogger discards entries. Used when auditing is not wired.
type NopLogger struct{}

func (NopLogger) Append(context.Context, Entry) error { return nil }

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
