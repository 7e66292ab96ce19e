// ABOUTME: Dual-endpoint binding: a GET event stream plus a POST message endpoint.
// ABOUTME: The stream mints the session; posts address it by the sessionId query parameter.

package sse

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/2389/mcpd/internal/session"
)

// Defaults for Config fields left zero.
const (
	DefaultStreamPath      = "/sse"
	DefaultMessagePath     = "/messages"
	DefaultMaxRequestBytes = 4 << 20
)

// EventEndpoint is the first event on every stream; its data is the URL
// the client must POST messages to.
const EventEndpoint = "endpoint"

// MessageNoTransport is the plain-text body returned for unknown sessions.
const MessageNoTransport = "No transport found for sessionId"

// Config holds configuration for the dual-endpoint binding.
type Config struct {
	Registry    *session.Registry
	StreamPath  string
	MessagePath string
	// Keepalive is the interval between keepalive comments. Zero disables them.
	Keepalive time.Duration
	// RespondViaStream sends responses on the event stream and acknowledges
	// each POST with 202 instead of replying in the POST body.
	RespondViaStream bool
	MaxRequestBytes  int64
	Logger           *slog.Logger
}

// Server implements the dual-endpoint binding.
type Server struct {
	registry         *session.Registry
	streamPath       string
	messagePath      string
	keepalive        time.Duration
	respondViaStream bool
	maxRequestBytes  int64
	logger           *slog.Logger
}

// New creates a dual-endpoint binding.
func New(cfg Config) (*Server, error) {
	if cfg.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if cfg.StreamPath == "" {
		cfg.StreamPath = DefaultStreamPath
	}
	if cfg.MessagePath == "" {
		cfg.MessagePath = DefaultMessagePath
	}
	if cfg.MaxRequestBytes <= 0 {
		cfg.MaxRequestBytes = DefaultMaxRequestBytes
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		registry:         cfg.Registry,
		streamPath:       cfg.StreamPath,
		messagePath:      cfg.MessagePath,
		keepalive:        cfg.Keepalive,
		respondViaStream: cfg.RespondViaStream,
		maxRequestBytes:  cfg.MaxRequestBytes,
		logger:           logger.With("component", "sse"),
	}, nil
}

// RegisterRoutes registers the stream and message endpoints on mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc(s.streamPath, s.handleStream)
	mux.HandleFunc(s.messagePath, s.handleMessage)
}

// endpointURL is the message URL advertised to the client of session id.
func (s *Server) endpointURL(id string) string {
	return s.messagePath + "?sessionId=" + url.QueryEscape(id)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, ok := w.(http.Flusher); !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	sess, err := s.registry.Create()
	if err != nil {
		s.logger.Warn("rejected stream", "error", err)
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}
	defer s.registry.Remove(sess.ID())

	stream, err := NewStreamWriter(w)
	if err != nil {
		s.logger.Error("failed to open stream", "session_id", sess.ID(), "error", err)
		return
	}

	if err := stream.WriteFrame(session.Frame{Event: EventEndpoint, Data: s.endpointURL(sess.ID())}); err != nil {
		s.logger.Debug("client gone before endpoint event", "session_id", sess.ID(), "error", err)
		return
	}

	s.logger.Info("SSE stream opened", "session_id", sess.ID(), "remote_addr", r.RemoteAddr)

	if err := sess.Push().Serve(r.Context(), stream, s.keepalive); err != nil {
		s.logger.Debug("SSE stream ended with error", "session_id", sess.ID(), "error", err)
	}

	s.logger.Info("SSE stream closed", "session_id", sess.ID())
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	sessionID := r.URL.Query().Get("sessionId")
	sess, err := s.registry.Get(sessionID)
	if err != nil {
		s.logger.Debug("message for unknown session", "session_id", sessionID)
		http.Error(w, MessageNoTransport, http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxRequestBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "Request Entity Too Large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	// The handler runs to completion even if the client hangs up mid-request.
	ctx := context.WithoutCancel(r.Context())

	ex, err := sess.Begin()
	if err != nil {
		http.Error(w, MessageNoTransport, http.StatusBadRequest)
		return
	}
	defer ex.End()

	resp, err := ex.Dispatch(ctx, body)
	switch {
	case errors.Is(err, session.ErrHandlerFailure):
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
		return
	case err != nil:
		s.logger.Error("dispatch failed", "session_id", sessionID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
		return
	}

	if resp == nil {
		writeAccepted(w)
		return
	}

	if s.respondViaStream {
		if err := ex.Send(ctx, resp); err != nil {
			s.logger.Warn("failed to queue response", "session_id", sessionID, "error", err)
			http.Error(w, MessageNoTransport, http.StatusBadRequest)
			return
		}
		writeAccepted(w)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeAccepted(w http.ResponseWriter) {
	w.WriteHeader(http.StatusAccepted)
	_, _ = io.WriteString(w, "Accepted")
}
