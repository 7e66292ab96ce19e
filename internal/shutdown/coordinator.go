// ABOUTME: Drains the process on termination: seals the registry, stops listeners, closes sessions.
// ABOUTME: Bounded by a deadline; missing it is fatal and the process exits non-zero.

package shutdown

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jonboulle/clockwork"
)

// DefaultDeadline bounds a drain when Config.Deadline is zero.
const DefaultDeadline = 10 * time.Second

var (
	// ErrDeadlineExceeded is returned when sessions or listeners outlive the deadline.
	ErrDeadlineExceeded = errors.New("shutdown deadline exceeded")
	// ErrAlreadyDraining is returned by a second call to Drain.
	ErrAlreadyDraining = errors.New("shutdown already in progress")
	// ErrDraining is the close reason given to sessions during a drain.
	ErrDraining = errors.New("server shutting down")
)

// State is the coordinator's lifecycle position.
type State int32

const (
	Running State = iota
	Draining
	Terminated
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Sessions is the part of the session registry a drain needs.
type Sessions interface {
	Seal()
	CloseAll(reason error) int
	WaitEmpty(ctx context.Context) error
}

// Listener is a listening boundary that can stop accepting work.
// *http.Server satisfies it.
type Listener interface {
	Shutdown(ctx context.Context) error
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context) error

// Shutdown calls f.
func (f ListenerFunc) Shutdown(ctx context.Context) error { return f(ctx) }

// Config configures a Coordinator.
type Config struct {
	Sessions  Sessions
	Listeners []Listener
	Deadline  time.Duration
	Clock     clockwork.Clock
	Logger    *slog.Logger
}

// Coordinator runs the Running -> Draining -> Terminated transition once.
type Coordinator struct {
	sessions  Sessions
	listeners []Listener
	deadline  time.Duration
	clock     clockwork.Clock
	logger    *slog.Logger

	state atomic.Int32
}

// New creates a coordinator in the Running state.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Sessions == nil {
		return nil, errors.New("sessions are required")
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = DefaultDeadline
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Coordinator{
		sessions:  cfg.Sessions,
		listeners: cfg.Listeners,
		deadline:  cfg.Deadline,
		clock:     cfg.Clock,
		logger:    logger.With("component", "shutdown"),
	}, nil
}

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// Drain seals the registry, stops every listener while closing every
// session, and waits for both to finish. It returns ErrDeadlineExceeded if
// that takes longer than the deadline. Either way the coordinator ends in
// Terminated.
func (c *Coordinator) Drain(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(Running), int32(Draining)) {
		return ErrAlreadyDraining
	}
	defer c.state.Store(int32(Terminated))

	timer := c.clock.NewTimer(c.deadline)
	defer timer.Stop()

	drainCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.sessions.Seal()
	c.logger.Info("draining", "deadline", c.deadline, "listeners", len(c.listeners))

	done := make(chan error, 1)
	go func() { done <- c.drain(drainCtx) }()

	select {
	case err := <-done:
		if err != nil {
			return err
		}
		c.logger.Info("drain complete")
		return nil
	case <-timer.Chan():
		cancel()
		c.logger.Error("drain did not finish before deadline", "deadline", c.deadline)
		return errors.Wrapf(ErrDeadlineExceeded, "after %s", c.deadline)
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "drain interrupted")
	}
}

func (c *Coordinator) drain(ctx context.Context) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)

	for _, ln := range c.listeners {
		wg.Add(1)
		go func(ln Listener) {
			defer wg.Done()
			if err := ln.Shutdown(ctx); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(ln)
	}

	closed := c.sessions.CloseAll(ErrDraining)
	c.logger.Info("closing sessions", "count", closed)

	waitErr := c.sessions.WaitEmpty(ctx)
	wg.Wait()

	if waitErr != nil {
		return errors.Wrap(waitErr, "waiting for sessions")
	}
	if len(errs) > 0 {
		for _, err := range errs[1:] {
			c.logger.Warn("listener shutdown failed", "error", err)
		}
		return errors.Wrap(errs[0], "stopping listeners")
	}
	return nil
}
