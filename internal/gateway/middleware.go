// ABOUTME: HTTP middleware for the gateway: access logging with request metrics, and CORS
// ABOUTME: CORS exposes Mcp-Session-Id so browser clients can read the minted session

package gateway

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/felixge/httpsnoop"
	"github.com/go-chi/cors"

	"github.com/2389/mcpd/internal/config"
	"github.com/2389/mcpd/internal/metrics"
	"github.com/2389/mcpd/internal/streamable"
)

// accessLog logs every request once it completes and feeds the request
// metrics. httpsnoop keeps the Flusher the event streams depend on.
func accessLog(logger *slog.Logger, collector *metrics.Collector) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m := httpsnoop.CaptureMetrics(next, w, r)

			streaming := strings.HasPrefix(w.Header().Get("Content-Type"), "text/event-stream")
			if collector != nil {
				collector.ObserveRequest(r.Method, m.Code, m.Duration, streaming)
			}

			level := slog.LevelDebug
			if m.Code >= http.StatusInternalServerError {
				level = slog.LevelWarn
			}
			logger.Log(r.Context(), level, "http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", m.Code,
				"bytes", m.Written,
				"duration", m.Duration,
				"streaming", streaming,
			)
		})
	}
}

// corsHandler allows the configured origins and the methods every binding uses.
func corsHandler(cfg config.CORSConfig) func(http.Handler) http.Handler {
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{streamable.HeaderSessionID},
		AllowCredentials: false,
		MaxAge:           300,
	}).Handler
}
