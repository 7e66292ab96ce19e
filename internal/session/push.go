// ABOUTME: Per-session push channel with a single writer goroutine.
// ABOUTME: Queues server-to-client frames and serves them to one attached transport at a time.

package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
)

// pushBufferSize is the backlog of undelivered frames per session.
// Matches the subscriber buffer used by the event broadcaster (64 events).
const pushBufferSize = 64

// KeepaliveComment is written as an SSE comment line on idle streams.
const KeepaliveComment = "keepalive"

// Frame is one server-to-client message. Event and Data form an SSE event;
// Comment alone forms an SSE comment. Line-oriented sinks use Data only.
type Frame struct {
	Event   string
	Data    string
	Comment string
}

// Sink is a transport stream that frames are written to. Only the goroutine
// running PushChannel.Serve calls WriteFrame.
type Sink interface {
	WriteFrame(f Frame) error
}

// PushChannel is the server-to-client stream for a session. It is owned by
// exactly one Session and is never shared.
type PushChannel struct {
	frames   chan Frame
	attached atomic.Bool
	closed   <-chan struct{}
	// idle closes after closed, once no exchange can still deliver a frame.
	idle <-chan struct{}
}

func newPushChannel(closed, idle <-chan struct{}) *PushChannel {
	return &PushChannel{
		frames: make(chan Frame, pushBufferSize),
		closed: closed,
		idle:   idle,
	}
}

// Attached reports whether a transport stream is currently being served.
func (p *PushChannel) Attached() bool {
	return p.attached.Load()
}

// Pending returns the number of queued, undelivered frames.
func (p *PushChannel) Pending() int {
	return len(p.frames)
}

// Offer queues f without blocking. It reports false if the backlog is full
// or the session is closed.
func (p *PushChannel) Offer(f Frame) bool {
	select {
	case <-p.closed:
		return false
	default:
	}

	select {
	case p.frames <- f:
		return true
	default:
		return false
	}
}

// Enqueue queues f, waiting for backlog space until ctx ends or the session closes.
func (p *PushChannel) Enqueue(ctx context.Context, f Frame) error {
	select {
	case <-p.closed:
		return ErrSessionClosed
	default:
	}

	select {
	case p.frames <- f:
		return nil
	case <-p.closed:
		return ErrSessionClosed
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "enqueueing frame")
	}
}

// deliver queues the response of an admitted exchange. Until the session
// closes it waits for backlog space like Enqueue; after that it only takes
// free space, because the stream may already be gone.
func (p *PushChannel) deliver(ctx context.Context, f Frame) error {
	select {
	case p.frames <- f:
		return nil
	case <-p.closed:
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "enqueueing frame")
	}

	select {
	case p.frames <- f:
		return nil
	default:
		return ErrBacklogFull
	}
}

// Attach claims the push channel for one transport stream. It fails with
// ErrStreamAttached while another stream holds it. The caller must either
// Serve or Release the returned Stream.
func (p *PushChannel) Attach() (*Stream, error) {
	if !p.attached.CompareAndSwap(false, true) {
		return nil, ErrStreamAttached
	}
	return &Stream{push: p}, nil
}

// Serve attaches and serves in one step. See Stream.Serve.
func (p *PushChannel) Serve(ctx context.Context, sink Sink, keepalive time.Duration) error {
	stream, err := p.Attach()
	if err != nil {
		return err
	}
	return stream.Serve(ctx, sink, keepalive)
}

// Stream is an exclusive claim on a PushChannel.
type Stream struct {
	push     *PushChannel
	released sync.Once
}

// Release gives up the claim without serving.
func (s *Stream) Release() {
	s.released.Do(func() { s.push.attached.Store(false) })
}

// Serve writes queued frames to sink until ctx ends or the session closes,
// then releases the claim. On session close it keeps writing until every
// open exchange has ended, then flushes what is queued and returns nil. A keepalive of zero disables keepalive comments.
func (s *Stream) Serve(ctx context.Context, sink Sink, keepalive time.Duration) error {
	defer s.Release()
	p := s.push

	var tick <-chan time.Time
	if keepalive > 0 {
		ticker := time.NewTicker(keepalive)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.closed:
			return p.drain(ctx, sink)
		case f := <-p.frames:
			if err := sink.WriteFrame(f); err != nil {
				return errors.Wrap(err, "writing frame")
			}
		case <-tick:
			if err := sink.WriteFrame(Frame{Comment: KeepaliveComment}); err != nil {
				return errors.Wrap(err, "writing keepalive")
			}
		}
	}
}

func (p *PushChannel) drain(ctx context.Context, sink Sink) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.idle:
			return p.flush(sink)
		case f := <-p.frames:
			if err := sink.WriteFrame(f); err != nil {
				return errors.Wrap(err, "writing frame")
			}
		}
	}
}

func (p *PushChannel) flush(sink Sink) error {
	for {
		select {
		case f := <-p.frames:
			if err := sink.WriteFrame(f); err != nil {
				return errors.Wrap(err, "flushing frame")
			}
		default:
			return nil
		}
	}
}
