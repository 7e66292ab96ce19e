// ABOUTME: Standard-stream binding: newline-delimited JSON-RPC over stdin/stdout.
// ABOUTME: Serves exactly one session whose push channel owns stdout.

package stdio

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"log/slog"

	"github.com/cockroachdb/errors"

	"github.com/2389/mcpd/internal/session"
)

// SessionID is the fixed identifier of the single stdio session.
const SessionID = "stdio"

// IDGenerator always yields SessionID, for use as session.Options.IDGenerator.
func IDGenerator() string { return SessionID }

// Config holds configuration for the stdio binding.
type Config struct {
	Registry *session.Registry
	In       io.Reader
	Out      io.Writer
	Logger   *slog.Logger
}

// Server reads frames from In and writes every outbound frame to Out.
type Server struct {
	registry *session.Registry
	in       io.Reader
	out      io.Writer
	logger   *slog.Logger
}

// New creates a stdio binding.
func New(cfg Config) (*Server, error) {
	if cfg.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if cfg.In == nil || cfg.Out == nil {
		return nil, errors.New("input and output streams are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		registry: cfg.Registry,
		in:       cfg.In,
		out:      cfg.Out,
		logger:   logger.With("component", "stdio"),
	}, nil
}

// lineSink writes one JSON frame per line and flushes after each.
type lineSink struct {
	w *bufio.Writer
}

func (l lineSink) WriteFrame(f session.Frame) error {
	if f.Data == "" {
		return nil
	}
	if _, err := l.w.WriteString(f.Data); err != nil {
		return err
	}
	if err := l.w.WriteByte('\n'); err != nil {
		return err
	}
	return l.w.Flush()
}

// Run serves the session until the input reaches EOF, the session is closed,
// or ctx ends. Queued outbound frames are flushed before Run returns. EOF is
// a clean termination and yields nil.
func (s *Server) Run(ctx context.Context) error {
	sess, err := s.registry.Create()
	if err != nil {
		return errors.Wrap(err, "creating stdio session")
	}

	writerDone := make(chan error, 1)
	go func() {
		err := sess.Push().Serve(context.Background(), lineSink{w: bufio.NewWriter(s.out)}, 0)
		if err != nil {
			sess.Close(err)
		}
		writerDone <- err
	}()

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go s.readLoop(sess.Done(), lines, readErr)

	s.logger.Info("stdio session started", "session_id", sess.ID())
	runErr := s.serve(ctx, sess, lines, readErr)

	s.registry.Remove(sess.ID())
	if err := <-writerDone; err != nil && runErr == nil {
		runErr = errors.Wrap(err, "writing output")
	}

	s.logger.Info("stdio session ended", "session_id", sess.ID())
	return runErr
}

func (s *Server) serve(ctx context.Context, sess *session.Session, lines <-chan []byte, readErr <-chan error) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sess.Done():
			return nil
		case err := <-readErr:
			if errors.Is(err, io.EOF) {
				s.logger.Debug("input closed")
				return nil
			}
			return errors.Wrap(err, "reading input")
		case line := <-lines:
			s.handleLine(ctx, sess, line)
		}
	}
}

func (s *Server) handleLine(ctx context.Context, sess *session.Session, line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}

	ex, err := sess.Begin()
	if err != nil {
		return
	}
	defer ex.End()

	resp, err := ex.Dispatch(ctx, line)
	if err != nil {
		s.logger.Warn("request failed", "error", err)
	}
	if resp == nil {
		return
	}
	if err := ex.Send(ctx, resp); err != nil {
		s.logger.Warn("failed to queue response", "error", err)
	}
}

// readLoop delivers complete lines until the input fails or stop closes.
// A final line without a trailing newline is still delivered before EOF.
func (s *Server) readLoop(stop <-chan struct{}, lines chan<- []byte, readErr chan<- error) {
	reader := bufio.NewReader(s.in)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			select {
			case lines <- line:
			case <-stop:
				return
			}
		}
		if err != nil {
			readErr <- err
			return
		}
	}
}
