// ABOUTME: Session registry observer that appends lifecycle events to the ledger
// ABOUTME: Writes happen on a background goroutine so observers never block the registry

package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/mcpd/internal/session"
)

// recorderBuffer is the number of events held while the writer catches up.
const recorderBuffer = 256

// EventAppender is the ledger write path used by Recorder.
type EventAppender interface {
	AppendEvent(ctx context.Context, e *SessionEvent) error
}

// Recorder implements session.Observer by queueing events for a single writer.
// Events that arrive while the queue is full are dropped and logged.
type Recorder struct {
	store  EventAppender
	events chan SessionEvent
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewRecorder starts a recorder writing to store.
func NewRecorder(store EventAppender, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		store:  store,
		events: make(chan SessionEvent, recorderBuffer),
		logger: logger.With("component", "recorder"),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

// SessionOpened implements session.Observer.
func (r *Recorder) SessionOpened(info session.Info) {
	r.enqueue(SessionEvent{
		SessionID: info.ID,
		Binding:   string(info.Binding),
		Kind:      EventOpened,
		Timestamp: info.CreatedAt,
	})
}

// SessionClosed implements session.Observer.
func (r *Recorder) SessionClosed(info session.Info) {
	ts := info.ClosedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	r.enqueue(SessionEvent{
		SessionID: info.ID,
		Binding:   string(info.Binding),
		Kind:      EventClosed,
		Reason:    info.Reason,
		Timestamp: ts,
	})
}

func (r *Recorder) enqueue(e SessionEvent) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.logger.Debug("dropped event after close", "session_id", e.SessionID, "kind", e.Kind)
		return
	}

	select {
	case r.events <- e:
	default:
		r.logger.Warn("event queue full, dropping event", "session_id", e.SessionID, "kind", e.Kind)
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for e := range r.events {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.store.AppendEvent(ctx, &e); err != nil {
			r.logger.Error("failed to record session event", "session_id", e.SessionID, "kind", e.Kind, "error", err)
		}
		cancel()
	}
}

// Close stops accepting events and waits for queued ones to be written.
func (r *Recorder) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.events)
	}
	r.mu.Unlock()
	<-r.done
}
