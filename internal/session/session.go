// ABOUTME: A live logical conversation between one client and the server.
// ABOUTME: Owns its protocol handler instance and its push channel.

package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jonboulle/clockwork"

	"github.com/2389/mcpd/internal/protocol"
)

var (
	// ErrSessionNotFound means no open session has the requested id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionClosed means the session was closed.
	ErrSessionClosed = errors.New("session closed")
	// ErrSessionRemoved is the close reason recorded by Registry.Remove.
	ErrSessionRemoved = errors.New("session removed")
	// ErrStreamAttached means another transport stream already serves the push channel.
	ErrStreamAttached = errors.New("push stream already attached")
	// ErrHandlerFailure marks errors raised by the protocol handler.
	ErrHandlerFailure = errors.New("handler failure")
	// ErrBacklogFull means a notification was dropped because the push backlog is full.
	ErrBacklogFull = errors.New("push backlog full")
)

// EventMessage is the SSE event name for JSON-RPC frames.
const EventMessage = "message"

// Binding names the transport a session is bound to.
type Binding string

// Supported bindings
const (
	BindingStdio      Binding = "stdio"
	BindingSSE        Binding = "sse"
	BindingStreamable Binding = "streamable"
)

// HandlerError wraps a failure raised while handling one request. It matches
// ErrHandlerFailure under errors.Is.
type HandlerError struct {
	Method string
	Cause  error
}

func (e *HandlerError) Error() string {
	return "handling " + e.Method + ": " + e.Cause.Error()
}

func (e *HandlerError) Unwrap() error { return e.Cause }

// Is reports whether target is ErrHandlerFailure.
func (e *HandlerError) Is(target error) bool { return target == ErrHandlerFailure }

// Info is a point-in-time description of a session, handed to observers.
type Info struct {
	ID        string
	Binding   Binding
	CreatedAt time.Time
	ClosedAt  time.Time
	Reason    string
}

// Session pairs an identifier with its protocol handler and push channel.
type Session struct {
	id        string
	binding   Binding
	createdAt time.Time

	handler protocol.Handler
	push    *PushChannel

	requestTimeout time.Duration
	clock          clockwork.Clock
	logger         *slog.Logger

	done      chan struct{}
	idle      chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
	err       error
	closedAt  time.Time
	inflight  int
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Binding returns the transport this session belongs to.
func (s *Session) Binding() Binding { return s.binding }

// CreatedAt returns when the session was minted.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Push returns the session's push channel.
func (s *Session) Push() *PushChannel { return s.push }

// Handler returns the session's protocol handler instance.
func (s *Session) Handler() protocol.Handler { return s.handler }

// Done is closed once the session has been closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the reason the session was closed, or nil while it is open.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Idle is closed once the session is closed and every exchange admitted
// before the close has ended.
func (s *Session) Idle() <-chan struct{} { return s.idle }

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Close marks the session closed and wakes everything waiting on Done.
// Only the first call has an effect. Eviction from the registry is left to
// whoever owns the session's transport.
func (s *Session) Close(reason error) {
	s.closeOnce.Do(func() {
		if reason == nil {
			reason = ErrSessionClosed
		}
		s.mu.Lock()
		s.err = reason
		s.closedAt = s.clock.Now()
		if s.inflight == 0 {
			close(s.idle)
		}
		s.mu.Unlock()
		close(s.done)
		s.logger.Debug("session closed", "reason", reason.Error())
	})
}

// Info returns a snapshot for observers.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := Info{
		ID:        s.id,
		Binding:   s.binding,
		CreatedAt: s.createdAt,
		ClosedAt:  s.closedAt,
	}
	if s.err != nil {
		info.Reason = s.err.Error()
	}
	return info
}

// Dispatch parses one inbound frame and routes it to the session's handler.
// Malformed frames yield a JSON-RPC error response and no error.
func (s *Session) Dispatch(ctx context.Context, body []byte) (*protocol.Response, error) {
	ex, err := s.Begin()
	if err != nil {
		return nil, err
	}
	defer ex.End()
	return ex.Dispatch(ctx, body)
}

// DispatchRequest routes an already parsed request to the handler. The
// response is nil for notifications. A handler failure returns an
// internal-error response together with an error marked ErrHandlerFailure;
// the session stays open.
func (s *Session) DispatchRequest(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	ex, err := s.Begin()
	if err != nil {
		return nil, err
	}
	defer ex.End()
	return s.dispatchRequest(ctx, req)
}

// Exchange is one request admitted on a session, together with the delivery
// of its response over the push channel. A session closed while an exchange
// is open keeps its push writer running until the exchange ends, so the
// response still reaches the client.
type Exchange struct {
	sess  *Session
	ended sync.Once
}

// Begin admits an exchange. It fails with ErrSessionClosed once the session
// is closed. The caller must call End.
func (s *Session) Begin() (*Exchange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, ErrSessionClosed
	}
	s.inflight++
	return &Exchange{sess: s}, nil
}

// End finishes the exchange. Only the first call has an effect.
func (e *Exchange) End() {
	e.ended.Do(func() {
		s := e.sess
		s.mu.Lock()
		defer s.mu.Unlock()
		s.inflight--
		if s.inflight == 0 && s.err != nil {
			close(s.idle)
		}
	})
}

// Dispatch parses body and routes it to the handler, as Session.Dispatch
// does, but succeeds even if the session was closed after Begin.
func (e *Exchange) Dispatch(ctx context.Context, body []byte) (*protocol.Response, error) {
	req, err := protocol.ParseRequest(body)
	if err != nil {
		e.sess.logger.Debug("rejected malformed frame", "error", err)
		return protocol.ErrorResponseFor(req, err), nil
	}
	return e.sess.dispatchRequest(ctx, req)
}

// Send queues v as the exchange's response on the push channel.
func (e *Exchange) Send(ctx context.Context, v any) error {
	data, err := protocol.Marshal(v)
	if err != nil {
		return err
	}
	return e.sess.push.deliver(ctx, Frame{Event: EventMessage, Data: string(data)})
}

func (s *Session) dispatchRequest(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	if s.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.requestTimeout)
		defer cancel()
	}

	resp, err := s.invoke(ctx, req)
	if err == nil && resp == nil && !req.IsNotification() {
		err = errors.Newf("no response for request %s", req.Method)
	}
	if err != nil {
		s.logger.Error("handler failed", "method", req.Method, "error", err)
		err = &HandlerError{Method: req.Method, Cause: err}
		if req.IsNotification() {
			return nil, err
		}
		return protocol.NewError(req.ID, protocol.CodeInternalError, "Internal error"), err
	}

	if req.IsNotification() {
		return nil, nil
	}
	return resp, nil
}

func (s *Session) invoke(ctx context.Context, req *protocol.Request) (resp *protocol.Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			resp = nil
			err = errors.Newf("handler panic: %s", fmt.Sprint(r))
		}
	}()

	resp, err = s.handler.Handle(ctx, req)
	if err == nil && ctx.Err() != nil {
		err = errors.Wrap(ctx.Err(), "request deadline")
	}
	return resp, err
}

// Notify offers a server-initiated notification to the push channel. It never
// blocks; when the backlog is full the frame is dropped.
func (s *Session) Notify(method string, params any) error {
	data, err := protocol.Marshal(&protocol.Notification{
		JSONRPC: protocol.Version,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return err
	}

	if s.Closed() {
		return ErrSessionClosed
	}
	if !s.push.Offer(Frame{Event: EventMessage, Data: string(data)}) {
		s.logger.Debug("dropped notification for slow client", "method", method)
		return ErrBacklogFull
	}
	return nil
}

// Send marshals v and queues it on the push channel, waiting for space.
func (s *Session) Send(ctx context.Context, v any) error {
	data, err := protocol.Marshal(v)
	if err != nil {
		return err
	}
	return s.push.Enqueue(ctx, Frame{Event: EventMessage, Data: string(data)})
}
