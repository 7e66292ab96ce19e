// ABOUTME: Registry of live sessions keyed by identifier, one per transport binding.
// ABOUTME: Mints ids, creates sessions with fresh handlers, and evicts them exactly once.

package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/2389/mcpd/internal/dedupe"
	"github.com/2389/mcpd/internal/protocol"
)

var (
	// ErrRegistrySealed means the registry no longer accepts new sessions.
	ErrRegistrySealed = errors.New("registry sealed")
	// ErrTooManySessions means the live session limit has been reached.
	ErrTooManySessions = errors.New("too many sessions")
	// ErrIDCollision means the id generator kept producing ids already in use.
	ErrIDCollision = errors.New("session id collision")
)

// Defaults applied when Options leave a field zero.
const (
	DefaultMaxSessions  = 1000
	maxRetiredIDs       = 10000
	idGenerationRetries = 3
)

// HandlerFactory builds the protocol handler for a new session. The notifier
// delivers server-initiated frames to that session's client.
type HandlerFactory func(sessionID string, notifier protocol.Notifier) protocol.Handler

// Observer is told about session lifecycle transitions. Calls happen outside
// the registry lock and must not block for long.
type Observer interface {
	SessionOpened(info Info)
	SessionClosed(info Info)
}

// Options configures a Registry.
type Options struct {
	Binding    Binding
	NewHandler HandlerFactory
	// IDGenerator mints session ids. Defaults to random UUIDs.
	IDGenerator func() string
	// MaxSessions caps live sessions. Zero means DefaultMaxSessions; negative means unlimited.
	MaxSessions int
	// RequestTimeout bounds each handler call. Zero disables it.
	RequestTimeout time.Duration
	// RetiredIDTTL is how long a removed id stays unusable. Zero disables tombstones.
	RetiredIDTTL time.Duration
	Observers    []Observer
	Logger       *slog.Logger
	Clock        clockwork.Clock
}

// Registry maps session ids to live sessions for one binding. All operations
// are safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	sealed   bool
	changed  chan struct{}
	// removing counts sessions taken out of the map whose observers have not run yet.
	removing int

	opts    Options
	retired *dedupe.Tombstones
	logger  *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	if opts.NewHandler == nil {
		panic("session: NewRegistry requires a handler factory")
	}
	if opts.IDGenerator == nil {
		opts.IDGenerator = uuid.NewString
	}
	if opts.MaxSessions == 0 {
		opts.MaxSessions = DefaultMaxSessions
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Registry{
		sessions: make(map[string]*Session),
		changed:  make(chan struct{}),
		opts:     opts,
		retired:  dedupe.New(opts.RetiredIDTTL, maxRetiredIDs, dedupe.WithClock(opts.Clock)),
		logger:   opts.Logger.With("component", "registry", "binding", string(opts.Binding)),
	}
}

// Binding returns the transport this registry serves.
func (r *Registry) Binding() Binding {
	return r.opts.Binding
}

// Create mints a fresh id, builds a session with an empty push channel and a
// new handler instance, and makes it reachable.
func (r *Registry) Create() (*Session, error) {
	r.mu.Lock()
	if r.sealed {
		r.mu.Unlock()
		return nil, ErrRegistrySealed
	}
	if r.opts.MaxSessions > 0 && len(r.sessions) >= r.opts.MaxSessions {
		r.mu.Unlock()
		return nil, errors.Wrapf(ErrTooManySessions, "limit %d", r.opts.MaxSessions)
	}

	id, err := r.mintLocked()
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}

	sess := &Session{
		id:             id,
		binding:        r.opts.Binding,
		createdAt:      r.opts.Clock.Now(),
		requestTimeout: r.opts.RequestTimeout,
		clock:          r.opts.Clock,
		logger:         r.logger.With("session_id", id),
		done:           make(chan struct{}),
		idle:           make(chan struct{}),
	}
	sess.push = newPushChannel(sess.done, sess.idle)
	sess.handler = r.opts.NewHandler(id, sess)

	r.sessions[id] = sess
	live := len(r.sessions)
	r.mu.Unlock()

	r.logger.Info("session created", "session_id", id, "live", live)
	for _, o := range r.opts.Observers {
		o.SessionOpened(sess.Info())
	}
	return sess, nil
}

// mintLocked must be called with mu held.
func (r *Registry) mintLocked() (string, error) {
	for i := 0; i < idGenerationRetries; i++ {
		id := r.opts.IDGenerator()
		if id == "" {
			continue
		}
		if _, live := r.sessions[id]; live {
			continue
		}
		if r.retired.Retired(id) {
			continue
		}
		return id, nil
	}
	return "", ErrIDCollision
}

// Get returns the open session with the given id.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	sess, ok := r.sessions[id]
	r.mu.RUnlock()

	if !ok || sess.Closed() {
		return nil, errors.Wrapf(ErrSessionNotFound, "id %q", id)
	}
	return sess, nil
}

// Remove makes the session unreachable, closes it, and notifies observers.
// It reports whether this call did the removal; repeated calls are no-ops.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, id)
	r.retired.Retire(id)
	r.removing++
	live := len(r.sessions)
	r.mu.Unlock()

	sess.Close(ErrSessionRemoved)
	r.logger.Info("session removed", "session_id", id, "live", live)

	info := sess.Info()
	for _, o := range r.opts.Observers {
		o.SessionClosed(info)
	}

	r.mu.Lock()
	r.removing--
	close(r.changed)
	r.changed = make(chan struct{})
	r.mu.Unlock()
	return true
}

// ForEach calls fn for a snapshot of the live sessions.
func (r *Registry) ForEach(fn func(*Session)) {
	for _, sess := range r.snapshot() {
		fn(sess)
	}
}

func (r *Registry) snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, sess)
	}
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Seal stops the registry from creating sessions. Existing sessions are untouched.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.sealed {
		r.sealed = true
		r.logger.Info("registry sealed", "live", len(r.sessions))
	}
}

// Sealed reports whether Seal has been called.
func (r *Registry) Sealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sealed
}

// CloseAll closes every live session with reason and returns how many were
// signalled. Sessions leave the registry as their bindings evict them.
func (r *Registry) CloseAll(reason error) int {
	sessions := r.snapshot()
	for _, sess := range sessions {
		sess.Close(reason)
	}
	return len(sessions)
}

// WaitEmpty blocks until no sessions remain and every removal has finished
// notifying observers, or ctx ends.
func (r *Registry) WaitEmpty(ctx context.Context) error {
	for {
		r.mu.RLock()
		n := len(r.sessions) + r.removing
		changed := r.changed
		r.mu.RUnlock()

		if n == 0 {
			return nil
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "%d sessions still open", n)
		}
	}
}

// EvictOnClose removes sess from the registry as soon as it is closed, for
// bindings with no long-lived connection to own the eviction.
func (r *Registry) EvictOnClose(sess *Session) {
	go func() {
		<-sess.Done()
		r.Remove(sess.ID())
	}()
}

// Close releases background resources. Live sessions are not touched.
func (r *Registry) Close() {
	r.retired.Close()
}
