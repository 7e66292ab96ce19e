// Package gateway wires mcpd together and runs it until shutdown.
//
// # Overview
//
// A Gateway owns one session registry and the single transport binding
// selected by server.binding:
//
//   - stdio: one session over stdin/stdout, no HTTP surface
//   - sse: GET /sse and POST /messages?sessionId=
//   - streamable: POST/GET/DELETE /mcp with the Mcp-Session-Id header
//
// # HTTP Surface
//
// The HTTP bindings share one handler:
//
//   - GET /health - liveness, session count, uptime (always open)
//   - GET /ready - 503 once a drain starts (always open)
//   - GET /metrics - Prometheus text format (when metrics.enabled)
//   - everything else - the binding, behind the bearer gate when auth is configured
//
// Every request passes through the access log (felixge/httpsnoop) and CORS
// (go-chi/cors) middleware.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	err = gw.Run(ctx) // blocks until ctx ends, then drains
//
// Run returns shutdown.ErrDeadlineExceeded if sessions outlive
// shutdown.drain_timeout; cmd/mcpd turns that into exit status 1.
package gateway
