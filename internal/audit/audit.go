// Package audit records call-lifecycle transitions to Postgres (C9).
// It is deliberately separate from the in-memory, process-lifetime-only
// Call Registry and Transcript Store: this is a durable log of *events*
// (call created, AI reconnected, call completed), never transcript text
// or audio, and never load-bearing for the session in progress — a
// write failure here is logged and dropped, not retried or surfaced.
package audit

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Event names a call-lifecycle transition.
type Event string

const (
	EventCreated      Event = "created"
	EventRinging      Event = "ringing"
	EventAnswered     Event = "answered"
	EventAIConnected  Event = "ai_connected"
	EventAIReconnect  Event = "ai_reconnect"
	EventCompleted    Event = "completed"
	EventFailed       Event = "failed"
	EventNoAnswer     Event = "no_answer"
	EventBusy         Event = "busy"
	EventCanceled     Event = "canceled"
	EventIdleTimeout  Event = "idle_timeout"
)

// Entry is one durable row.
type Entry struct {
	CallID     string
	RequestID  string
	Event      Event
	OccurredAt time.Time
	Detail     string
}

// Log records call-lifecycle entries. Both implementations below
// satisfy it: a real pgx-backed log and a no-op for when
// AUDIT_DATABASE_URL is unset.
type Log interface {
	Record(ctx context.Context, e Entry)
	ForCall(ctx context.Context, callID string) ([]Entry, error)
	Close()
}

// noop is used whenever no audit database is configured, so the relay
// runs without Postgres in the loop — only the two WebSocket peers are
// hard dependencies.
type noop struct{}

func (noop) Record(context.Context, Entry)                       {}
func (noop) ForCall(context.Context, string) ([]Entry, error)    { return nil, nil }
func (noop) Close()                                               {}

// NewNoop returns an audit log that discards every write.
func NewNoop() Log { return noop{} }

// pgLog persists entries to a call_audit_log table via pgxpool.
type pgLog struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// Connect opens a pgxpool against databaseURL. Returns a no-op log
// with the error if the pool cannot be established, so boot never
// fails on a missing or unreachable audit database.
func Connect(ctx context.Context, databaseURL string, logger *zap.Logger) (Log, error) {
	if databaseURL == "" {
		return NewNoop(), nil
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return NewNoop(), err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return NewNoop(), err
	}
	return &pgLog{pool: pool, logger: logger}, nil
}

// Record inserts e. Failures are logged, never returned — an audit
// write must never block or fail the call it describes.
func (l *pgLog) Record(ctx context.Context, e Entry) {
	const writeTimeout = 2 * time.Second
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	const query = `
		INSERT INTO call_audit_log (call_id, request_id, event, occurred_at, detail)
		VALUES ($1, $2, $3, $4, $5)
	`
	if _, err := l.pool.Exec(ctx, query, e.CallID, e.RequestID, string(e.Event), e.OccurredAt, e.Detail); err != nil {
		l.logger.Warn("audit write failed",
			zap.String("call_id", e.CallID),
			zap.String("event", string(e.Event)),
			zap.Error(err),
		)
	}
}

// ForCall reads every entry recorded for callID, oldest first.
func (l *pgLog) ForCall(ctx context.Context, callID string) ([]Entry, error) {
	const query = `
		SELECT call_id, request_id, event, occurred_at, detail
		FROM call_audit_log
		WHERE call_id = $1
		ORDER BY occurred_at ASC
	`
	rows, err := l.pool.Query(ctx, query, callID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var event string
		if err := rows.Scan(&e.CallID, &e.RequestID, &event, &e.OccurredAt, &e.Detail); err != nil {
			return nil, err
		}
		e.Event = Event(event)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close releases the pool. Registered in PhaseCloseResources.
func (l *pgLog) Close() {
	l.pool.Close()
}
