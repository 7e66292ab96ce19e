// ABOUTME: Server-Sent Events writer used as a push channel sink over HTTP.
// ABOUTME: Formats frames as SSE events or comments and flushes after each one.

package sse

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/2389/mcpd/internal/session"
)

// ErrStreamingUnsupported means the ResponseWriter cannot flush.
var ErrStreamingUnsupported = errors.New("streaming not supported")

// StreamWriter writes SSE frames to one HTTP response.
type StreamWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewStreamWriter sends the SSE response headers and returns a writer for the body.
func NewStreamWriter(w http.ResponseWriter) (*StreamWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &StreamWriter{w: w, flusher: flusher}, nil
}

// WriteFrame implements session.Sink.
func (s *StreamWriter) WriteFrame(f session.Frame) error {
	var b strings.Builder
	if f.Comment != "" {
		fmt.Fprintf(&b, ": %s\n", f.Comment)
	}
	if f.Event != "" {
		fmt.Fprintf(&b, "event: %s\n", f.Event)
	}
	if f.Data != "" || f.Event != "" {
		for _, line := range strings.Split(f.Data, "\n") {
			fmt.Fprintf(&b, "data: %s\n", line)
		}
	}
	b.WriteString("\n")

	if _, err := fmt.Fprint(s.w, b.String()); err != nil {
		return errors.Wrap(err, "writing event")
	}
	s.flusher.Flush()
	return nil
}
