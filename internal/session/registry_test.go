// ABOUTME: Tests for the session registry: identity, lookup, eviction, sealing, draining.
// ABOUTME: Uses a recording handler and observer to check lifecycle transitions.

package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/mcpd/internal/protocol"
)

type echoHandler struct {
	sessionID string
	notifier  protocol.Notifier
}

func (h *echoHandler) Handle(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	switch req.Method {
	case "fail":
		return nil, errors.New("boom")
	case "panic":
		panic("kaboom")
	case "slow":
		<-ctx.Done()
		return nil, ctx.Err()
	case "notify":
		_ = h.notifier.Notify("notifications/message", map[string]string{"session": h.sessionID})
	}
	if req.IsNotification() {
		return nil, nil
	}
	return protocol.NewResult(req.ID, map[string]string{"session": h.sessionID, "method": req.Method}), nil
}

func echoFactory(id string, n protocol.Notifier) protocol.Handler {
	return &echoHandler{sessionID: id, notifier: n}
}

type recordingObserver struct {
	mu     sync.Mutex
	opened []string
	closed []string
}

func (o *recordingObserver) SessionOpened(info Info) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opened = append(o.opened, info.ID)
}

func (o *recordingObserver) SessionClosed(info Info) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = append(o.closed, info.ID)
}

func (o *recordingObserver) counts() (int, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.opened), len(o.closed)
}

func newTestRegistry(t *testing.T, mutate func(*Options)) *Registry {
	t.Helper()
	opts := Options{
		Binding:      BindingStreamable,
		NewHandler:   echoFactory,
		RetiredIDTTL: time.Minute,
	}
	if mutate != nil {
		mutate(&opts)
	}
	r := NewRegistry(opts)
	t.Cleanup(r.Close)
	return r
}

func TestRegistry_CreateDistinctIDs(t *testing.T) {
	r := newTestRegistry(t, nil)

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		sess, err := r.Create()
		require.NoError(t, err)
		assert.False(t, seen[sess.ID()], "duplicate id %s", sess.ID())
		seen[sess.ID()] = true
	}
	assert.Equal(t, 100, r.Len())
}

func TestRegistry_GetAfterCreate(t *testing.T) {
	r := newTestRegistry(t, nil)

	sess, err := r.Create()
	require.NoError(t, err)

	got, err := r.Get(sess.ID())
	require.NoError(t, err)
	assert.Same(t, sess, got)
	assert.Equal(t, BindingStreamable, got.Binding())
	assert.NotNil(t, got.Push())
	assert.NotNil(t, got.Handler())
}

func TestRegistry_FreshHandlerPerSession(t *testing.T) {
	r := newTestRegistry(t, nil)

	a, err := r.Create()
	require.NoError(t, err)
	b, err := r.Create()
	require.NoError(t, err)

	assert.NotSame(t, a.Handler(), b.Handler())
}

func TestRegistry_RemoveIdempotent(t *testing.T) {
	obs := &recordingObserver{}
	r := newTestRegistry(t, func(o *Options) { o.Observers = []Observer{obs} })

	sess, err := r.Create()
	require.NoError(t, err)

	assert.True(t, r.Remove(sess.ID()))
	assert.False(t, r.Remove(sess.ID()))

	_, err = r.Get(sess.ID())
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.True(t, sess.Closed())
	assert.ErrorIs(t, sess.Err(), ErrSessionRemoved)

	opened, closed := obs.counts()
	assert.Equal(t, 1, opened)
	assert.Equal(t, 1, closed)
}

func TestRegistry_ConcurrentRemoveDestroysOnce(t *testing.T) {
	obs := &recordingObserver{}
	r := newTestRegistry(t, func(o *Options) { o.Observers = []Observer{obs} })

	sess, err := r.Create()
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	removed := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.Remove(sess.ID()) {
				mu.Lock()
				removed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, removed)
	_, closed := obs.counts()
	assert.Equal(t, 1, closed)
}

func TestRegistry_UnknownIDLeavesSizeUnchanged(t *testing.T) {
	r := newTestRegistry(t, nil)
	_, err := r.Create()
	require.NoError(t, err)

	_, err = r.Get("does-not-exist")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.False(t, r.Remove("does-not-exist"))
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_GetClosedSessionFails(t *testing.T) {
	r := newTestRegistry(t, nil)
	sess, err := r.Create()
	require.NoError(t, err)

	sess.Close(nil)

	_, err = r.Get(sess.ID())
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Equal(t, 1, r.Len(), "close signals only; eviction is the binding's job")
}

func TestRegistry_RetiredIDNotReused(t *testing.T) {
	ids := []string{"a", "a", "a", "b"}
	var mu sync.Mutex
	next := func() string {
		mu.Lock()
		defer mu.Unlock()
		id := ids[0]
		ids = ids[1:]
		return id
	}
	r := newTestRegistry(t, func(o *Options) { o.IDGenerator = next })

	first, err := r.Create()
	require.NoError(t, err)
	assert.Equal(t, "a", first.ID())
	r.Remove("a")

	second, err := r.Create()
	require.NoError(t, err)
	assert.Equal(t, "b", second.ID())
}

func TestRegistry_IDCollision(t *testing.T) {
	r := newTestRegistry(t, func(o *Options) {
		o.IDGenerator = func() string { return "fixed" }
	})

	_, err := r.Create()
	require.NoError(t, err)

	_, err = r.Create()
	assert.ErrorIs(t, err, ErrIDCollision)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_MaxSessions(t *testing.T) {
	r := newTestRegistry(t, func(o *Options) { o.MaxSessions = 2 })

	_, err := r.Create()
	require.NoError(t, err)
	_, err = r.Create()
	require.NoError(t, err)

	_, err = r.Create()
	assert.ErrorIs(t, err, ErrTooManySessions)
}

func TestRegistry_Sealed(t *testing.T) {
	r := newTestRegistry(t, nil)
	existing, err := r.Create()
	require.NoError(t, err)

	r.Seal()
	assert.True(t, r.Sealed())

	_, err = r.Create()
	assert.ErrorIs(t, err, ErrRegistrySealed)

	_, err = r.Get(existing.ID())
	assert.NoError(t, err, "sealing does not close existing sessions")
}

func TestRegistry_CloseAllAndWaitEmpty(t *testing.T) {
	r := newTestRegistry(t, nil)
	for i := 0; i < 5; i++ {
		sess, err := r.Create()
		require.NoError(t, err)
		r.EvictOnClose(sess)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	assert.Equal(t, 5, r.CloseAll(errors.New("shutting down")))
	require.NoError(t, r.WaitEmpty(ctx))
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_WaitEmptyTimesOut(t *testing.T) {
	r := newTestRegistry(t, nil)
	_, err := r.Create()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err = r.WaitEmpty(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRegistry_ForEachSnapshot(t *testing.T) {
	r := newTestRegistry(t, nil)
	for i := 0; i < 3; i++ {
		_, err := r.Create()
		require.NoError(t, err)
	}

	count := 0
	r.ForEach(func(s *Session) {
		count++
		r.Remove(s.ID())
	})
	assert.Equal(t, 3, count)
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_ConcurrentCreate(t *testing.T) {
	r := newTestRegistry(t, nil)

	var wg sync.WaitGroup
	ids := make(chan string, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess, err := r.Create()
			if assert.NoError(t, err) {
				ids <- sess.ID()
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool)
	for id := range ids {
		assert.False(t, seen[id])
		seen[id] = true
	}
	assert.Equal(t, 50, r.Len())
}

func TestSession_Dispatch(t *testing.T) {
	r := newTestRegistry(t, nil)
	sess, err := r.Create()
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("request", func(t *testing.T) {
		resp, err := sess.Dispatch(ctx, []byte(`{"jsonrpc":"2.0","id":3,"method":"ping"}`))
		require.NoError(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, "3", string(resp.ID))
		result, ok := resp.Result.(map[string]string)
		require.True(t, ok)
		assert.Equal(t, sess.ID(), result["session"])
	})

	t.Run("notification has no response", func(t *testing.T) {
		resp, err := sess.Dispatch(ctx, []byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
		require.NoError(t, err)
		assert.Nil(t, resp)
	})

	t.Run("malformed frame", func(t *testing.T) {
		resp, err := sess.Dispatch(ctx, []byte(`{oops`))
		require.NoError(t, err)
		require.NotNil(t, resp.Error)
		assert.Equal(t, protocol.CodeParseError, resp.Error.Code)
	})

	t.Run("handler error", func(t *testing.T) {
		resp, err := sess.Dispatch(ctx, []byte(`{"jsonrpc":"2.0","id":"x","method":"fail"}`))
		assert.ErrorIs(t, err, ErrHandlerFailure)
		require.NotNil(t, resp)
		assert.Equal(t, protocol.CodeInternalError, resp.Error.Code)
		assert.Equal(t, `"x"`, string(resp.ID))
		assert.False(t, sess.Closed(), "handler failure does not close the session")
	})

	t.Run("handler panic", func(t *testing.T) {
		resp, err := sess.Dispatch(ctx, []byte(`{"jsonrpc":"2.0","id":4,"method":"panic"}`))
		assert.ErrorIs(t, err, ErrHandlerFailure)
		require.NotNil(t, resp)
		assert.Equal(t, protocol.CodeInternalError, resp.Error.Code)
	})
}

func TestSession_DispatchTimeout(t *testing.T) {
	r := newTestRegistry(t, func(o *Options) { o.RequestTimeout = 10 * time.Millisecond })
	sess, err := r.Create()
	require.NoError(t, err)

	_, err = sess.Dispatch(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"slow"}`))
	assert.ErrorIs(t, err, ErrHandlerFailure)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSession_DispatchAfterClose(t *testing.T) {
	r := newTestRegistry(t, nil)
	sess, err := r.Create()
	require.NoError(t, err)
	r.Remove(sess.ID())

	_, err = sess.Dispatch(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestSession_NotifyQueuesFrame(t *testing.T) {
	r := newTestRegistry(t, nil)
	sess, err := r.Create()
	require.NoError(t, err)

	_, err = sess.Dispatch(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"notify"}`))
	require.NoError(t, err)
	require.Equal(t, 1, sess.Push().Pending())

	f := <-sess.Push().frames
	assert.Equal(t, EventMessage, f.Event)

	var n protocol.Notification
	require.NoError(t, json.Unmarshal([]byte(f.Data), &n))
	assert.Equal(t, "notifications/message", n.Method)
}

func TestSession_NotifyDropsWhenFull(t *testing.T) {
	r := newTestRegistry(t, nil)
	sess, err := r.Create()
	require.NoError(t, err)

	for i := 0; i < pushBufferSize; i++ {
		require.NoError(t, sess.Notify("tick", map[string]int{"n": i}))
	}
	assert.ErrorIs(t, sess.Notify("tick", nil), ErrBacklogFull)
	assert.Equal(t, pushBufferSize, sess.Push().Pending())
}

func TestSession_NotifyAfterClose(t *testing.T) {
	r := newTestRegistry(t, nil)
	sess, err := r.Create()
	require.NoError(t, err)
	sess.Close(fmt.Errorf("gone"))

	assert.ErrorIs(t, sess.Notify("tick", nil), ErrSessionClosed)
	assert.EqualError(t, sess.Err(), "gone")
}

// blockingObserver holds SessionClosed until release is closed.
type blockingObserver struct {
	release chan struct{}
	closed  chan string
}

func (o *blockingObserver) SessionOpened(Info) {}

func (o *blockingObserver) SessionClosed(info Info) {
	<-o.release
	o.closed <- info.ID
}

func TestRegistry_WaitEmptyWaitsForCloseObservers(t *testing.T) {
	obs := &blockingObserver{release: make(chan struct{}), closed: make(chan string, 1)}
	r := newTestRegistry(t, func(o *Options) { o.Observers = []Observer{obs} })

	sess, err := r.Create()
	require.NoError(t, err)

	removed := make(chan bool, 1)
	go func() { removed <- r.Remove(sess.ID()) }()
	require.Eventually(t, func() bool { return r.Len() == 0 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.Error(t, r.WaitEmpty(ctx), "WaitEmpty must not return before observers ran")

	close(obs.release)
	require.NoError(t, r.WaitEmpty(context.Background()))
	select {
	case id := <-obs.closed:
		assert.Equal(t, sess.ID(), id)
	default:
		t.Fatal("SessionClosed had not run when WaitEmpty returned")
	}
	assert.True(t, <-removed)
}

func TestSession_ExchangeOutlivesClose(t *testing.T) {
	r := newTestRegistry(t, nil)
	sess, err := r.Create()
	require.NoError(t, err)

	ex, err := sess.Begin()
	require.NoError(t, err)

	sess.Close(errors.New("draining"))
	_, err = sess.Begin()
	assert.ErrorIs(t, err, ErrSessionClosed)
	_, err = sess.Dispatch(context.Background(), []byte(`{"jsonrpc":"2.0","id":2,"method":"ping"}`))
	assert.ErrorIs(t, err, ErrSessionClosed)

	resp, err := ex.Dispatch(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	require.NoError(t, err)
	require.NoError(t, ex.Send(context.Background(), resp))

	select {
	case <-sess.Idle():
		t.Fatal("Idle closed while an exchange was open")
	default:
	}

	ex.End()
	ex.End()
	<-sess.Idle()

	sink := &memorySink{}
	require.NoError(t, sess.Push().Serve(context.Background(), sink, 0))
	frames := sink.snapshot()
	require.Len(t, frames, 1)
	assert.Contains(t, frames[0].Data, `"id":1`)
}

func TestSession_IdleOnCloseWithoutExchanges(t *testing.T) {
	r := newTestRegistry(t, nil)
	sess, err := r.Create()
	require.NoError(t, err)

	sess.Close(nil)
	select {
	case <-sess.Idle():
	case <-time.After(time.Second):
		t.Fatal("Idle not closed")
	}
}
