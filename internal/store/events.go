// ABOUTME: Session event entity and store methods for the lifecycle ledger
// ABOUTME: Records when each session opened and closed, on which binding, and why

package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// EventKind is the lifecycle transition an event records.
type EventKind string

const (
	EventOpened EventKind = "opened"
	EventClosed EventKind = "closed"
)

// tsLayout is fixed-width so timestamps sort lexically.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

// SessionEvent is one row of the ledger.
type SessionEvent struct {
	ID        string
	SessionID string
	Binding   string
	Kind      EventKind
	Reason    string
	Timestamp time.Time
}

// EventFilter narrows ListEvents. Zero values match everything.
type EventFilter struct {
	SessionID string
	Binding   string
	Since     time.Time
	Limit     int // default 100, max 1000
}

// AppendEvent records e, generating its ID and Timestamp if unset.
func (s *SQLiteStore) AppendEvent(ctx context.Context, e *SessionEvent) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	query := `
		INSERT INTO session_events (event_id, session_id, binding, kind, reason, ts)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		e.ID,
		e.SessionID,
		e.Binding,
		string(e.Kind),
		nullString(e.Reason),
		e.Timestamp.UTC().Format(tsLayout),
	)
	if err != nil {
		return errors.Wrap(err, "inserting session event")
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// normalizeLimit applies default (100) and cap (1000).
func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}

const listEventsQuery = `
	SELECT event_id, session_id, binding, kind, reason, ts
	FROM session_events
	WHERE (? = '' OR session_id = ?)
	  AND (? = '' OR binding = ?)
	  AND (? = '' OR ts >= ?)
	ORDER BY ts DESC, rowid DESC
	LIMIT ?
`

// ListEvents returns matching events, newest first.
func (s *SQLiteStore) ListEvents(ctx context.Context, f EventFilter) ([]SessionEvent, error) {
	var since string
	if !f.Since.IsZero() {
		since = f.Since.UTC().Format(tsLayout)
	}

	rows, err := s.db.QueryContext(ctx, listEventsQuery,
		f.SessionID, f.SessionID,
		f.Binding, f.Binding,
		since, since,
		normalizeLimit(f.Limit),
	)
	if err != nil {
		return nil, errors.Wrap(err, "querying session events")
	}
	defer rows.Close()

	var events []SessionEvent
	for rows.Next() {
		var (
			e      SessionEvent
			kind   string
			reason sql.NullString
			ts     string
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Binding, &kind, &reason, &ts); err != nil {
			return nil, errors.Wrap(err, "scanning session event")
		}
		e.Kind = EventKind(kind)
		e.Reason = reason.String
		e.Timestamp, err = time.Parse(tsLayout, ts)
		if err != nil {
			return nil, errors.Wrap(err, "parsing timestamp")
		}
		events = append(events, e)
	}
	return events, errors.Wrap(rows.Err(), "iterating session events")
}
