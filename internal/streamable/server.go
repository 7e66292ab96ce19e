// ABOUTME: Unified streaming binding: one endpoint handling POST, GET, and DELETE.
// ABOUTME: Sessions are minted by a classified initialize POST and named by the Mcp-Session-Id header.

package streamable

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/2389/mcpd/internal/protocol"
	"github.com/2389/mcpd/internal/session"
	"github.com/2389/mcpd/internal/sse"
)

// HeaderSessionID carries the session identifier in both directions.
const HeaderSessionID = "Mcp-Session-Id"

// Defaults for Config fields left zero.
const (
	DefaultPath            = "/mcp"
	DefaultMaxRequestBytes = 4 << 20
)

// Config holds configuration for the unified binding.
type Config struct {
	Registry *session.Registry
	Path     string
	// Keepalive is the interval between keepalive comments on GET streams.
	Keepalive       time.Duration
	MaxRequestBytes int64
	Logger          *slog.Logger
}

// Server implements the unified binding.
type Server struct {
	registry        *session.Registry
	path            string
	keepalive       time.Duration
	maxRequestBytes int64
	logger          *slog.Logger
}

// New creates a unified binding.
func New(cfg Config) (*Server, error) {
	if cfg.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.MaxRequestBytes <= 0 {
		cfg.MaxRequestBytes = DefaultMaxRequestBytes
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		registry:        cfg.Registry,
		path:            cfg.Path,
		keepalive:       cfg.Keepalive,
		maxRequestBytes: cfg.MaxRequestBytes,
		logger:          logger.With("component", "streamable"),
	}, nil
}

// RegisterRoutes registers the endpoint on mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc(s.path, s.handle)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handlePost(w, r)
	case http.MethodGet:
		s.handleGet(w, r)
	case http.MethodDelete:
		s.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxRequestBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeEnvelope(w, http.StatusRequestEntityTooLarge, protocol.CodeInvalidRequest, "request body too large")
			return
		}
		writeEnvelope(w, http.StatusBadRequest, protocol.CodeParseError, "failed to read request body")
		return
	}

	sessionID := r.Header.Get(HeaderSessionID)
	ctx := context.WithoutCancel(r.Context())

	c := protocol.Classify(sessionID != "", body)
	switch c.Kind {
	case protocol.Continuation:
		s.continueSession(ctx, w, sessionID, body)
	case protocol.Handshake:
		s.startSession(ctx, w, c.Request)
	default:
		s.logger.Debug("rejected request without session", "reason", c.Reason)
		writeEnvelope(w, http.StatusBadRequest, protocol.CodeBadHandshake, protocol.MessageBadHandshake)
	}
}

func (s *Server) continueSession(ctx context.Context, w http.ResponseWriter, sessionID string, body []byte) {
	sess, err := s.registry.Get(sessionID)
	if err != nil {
		s.logger.Debug("request for unknown session", "session_id", sessionID)
		writeEnvelope(w, http.StatusBadRequest, protocol.CodeUnknownSession, protocol.MessageUnknownSession)
		return
	}

	resp, err := sess.Dispatch(ctx, body)
	s.relay(w, sess, resp, err)
}

func (s *Server) startSession(ctx context.Context, w http.ResponseWriter, req *protocol.Request) {
	sess, err := s.registry.Create()
	if err != nil {
		s.logger.Warn("rejected handshake", "error", err)
		writeEnvelope(w, http.StatusServiceUnavailable, protocol.CodeInternalError, "Service Unavailable")
		return
	}
	s.registry.EvictOnClose(sess)

	resp, err := sess.DispatchRequest(ctx, req)
	if err != nil || resp == nil || resp.Error != nil {
		s.registry.Remove(sess.ID())
		s.relay(w, sess, resp, err)
		return
	}

	s.logger.Info("MCP session created", "session_id", sess.ID())
	w.Header().Set(HeaderSessionID, sess.ID())
	writeJSON(w, http.StatusOK, resp)
}

// relay writes the outcome of a dispatch to the POST response.
func (s *Server) relay(w http.ResponseWriter, sess *session.Session, resp *protocol.Response, err error) {
	switch {
	case errors.Is(err, session.ErrSessionClosed):
		writeEnvelope(w, http.StatusBadRequest, protocol.CodeUnknownSession, protocol.MessageUnknownSession)
	case errors.Is(err, session.ErrHandlerFailure):
		if resp == nil {
			resp = protocol.Envelope(protocol.CodeInternalError, "Internal error")
		}
		writeJSON(w, http.StatusInternalServerError, resp)
	case err != nil:
		s.logger.Error("dispatch failed", "session_id", sess.ID(), "error", err)
		writeEnvelope(w, http.StatusInternalServerError, protocol.CodeInternalError, "Internal error")
	case resp == nil:
		w.WriteHeader(http.StatusAccepted)
	default:
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(HeaderSessionID)
	sess, err := s.registry.Get(sessionID)
	if err != nil {
		writeEnvelope(w, http.StatusBadRequest, protocol.CodeUnknownSession, protocol.MessageUnknownSession)
		return
	}

	claim, err := sess.Push().Attach()
	if err != nil {
		http.Error(w, "Conflict: stream already open for session", http.StatusConflict)
		return
	}

	stream, err := sse.NewStreamWriter(w)
	if err != nil {
		claim.Release()
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	s.logger.Info("push stream opened", "session_id", sessionID)
	if err := claim.Serve(r.Context(), stream, s.keepalive); err != nil {
		s.logger.Debug("push stream ended with error", "session_id", sessionID, "error", err)
	}
	s.logger.Info("push stream closed", "session_id", sessionID)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(HeaderSessionID)
	if _, err := s.registry.Get(sessionID); err != nil {
		writeEnvelope(w, http.StatusBadRequest, protocol.CodeUnknownSession, protocol.MessageUnknownSession)
		return
	}

	s.registry.Remove(sessionID)
	s.logger.Info("MCP session terminated", "session_id", sessionID)
	w.WriteHeader(http.StatusNoContent)
}

func writeEnvelope(w http.ResponseWriter, status, code int, message string) {
	writeJSON(w, status, protocol.Envelope(code, message))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
