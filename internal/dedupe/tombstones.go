// ABOUTME: Thread-safe TTL set recording retired session identifiers.
// ABOUTME: Bounded in size with oldest-first eviction and a clock-driven sweep.

package dedupe

import (
	"container/list"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const sweepInterval = time.Minute

type tombstone struct {
	retiredAt time.Time
	element   *list.Element
}

// Tombstones is a size-limited set of keys that expire after a TTL.
// Insertion order is kept in a linked list so eviction is O(1).
type Tombstones struct {
	mu      sync.RWMutex
	keys    map[string]*tombstone
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	clock   clockwork.Clock
	done    chan struct{}
	closed  bool
}

// Option configures a Tombstones set.
type Option func(*Tombstones)

// WithClock overrides the wall clock, mainly for tests.
func WithClock(clock clockwork.Clock) Option {
	return func(t *Tombstones) {
		t.clock = clock
	}
}

// New creates a tombstone set. A ttl of zero disables it: Retire is a no-op
// and Retired always reports false.
func New(ttl time.Duration, maxSize int, opts ...Option) *Tombstones {
	t := &Tombstones{
		keys:    make(map[string]*tombstone),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		clock:   clockwork.NewRealClock(),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.maxSize <= 0 {
		t.maxSize = 1
	}
	if ttl > 0 {
		go t.sweep()
	} else {
		t.closed = true
		close(t.done)
	}
	return t
}

// Retire records key as no longer usable until the TTL passes.
func (t *Tombstones) Retire(key string) {
	if t.ttl <= 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	if existing, ok := t.keys[key]; ok {
		existing.retiredAt = now
		t.order.MoveToBack(existing.element)
		return
	}

	if len(t.keys) >= t.maxSize {
		t.evictOldest()
	}

	t.keys[key] = &tombstone{
		retiredAt: now,
		element:   t.order.PushBack(key),
	}
}

// Retired reports whether key was retired within the TTL.
func (t *Tombstones) Retired(key string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	entry, ok := t.keys[key]
	if !ok {
		return false
	}
	return t.clock.Since(entry.retiredAt) < t.ttl
}

// Len returns the number of tracked keys, expired or not.
func (t *Tombstones) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.keys)
}

// evictOldest must be called with mu held.
func (t *Tombstones) evictOldest() {
	front := t.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	t.order.Remove(front)
	delete(t.keys, key)
}

func (t *Tombstones) sweep() {
	ticker := t.clock.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			t.purgeExpired()
		case <-t.done:
			return
		}
	}
}

func (t *Tombstones) purgeExpired() {
	t.mu.Lock()
	defer t.mu.Unlock()

	// Entries are in retirement order, so stop at the first live one.
	for front := t.order.Front(); front != nil; front = t.order.Front() {
		key, _ := front.Value.(string)
		if t.clock.Since(t.keys[key].retiredAt) < t.ttl {
			return
		}
		t.order.Remove(front)
		delete(t.keys, key)
	}
}

// Close stops the sweep goroutine. Safe to call more than once.
func (t *Tombstones) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.closed {
		close(t.done)
		t.closed = true
	}
}
