// Package mcp implements the Model Context Protocol method layer.
//
// # Overview
//
// Every session gets its own Handler, built by the factory returned from
// NewHandlerFactory. Handlers share one Catalog of tools and resources but
// keep per-session state (negotiated protocol version, client info) to
// themselves. The handler knows nothing about transports: it receives parsed
// JSON-RPC requests and returns responses, and it pushes server-initiated
// notifications through the protocol.Notifier it was built with.
//
// # Methods
//
//   - initialize, notifications/initialized, ping
//   - tools/list, tools/call
//   - resources/list, resources/templates/list, resources/read
//
// # Tool Execution
//
// Clients call tools/call to execute a tool:
//
//	{
//	  "jsonrpc": "2.0",
//	  "method": "tools/call",
//	  "params": {
//	    "name": "add",
//	    "arguments": {"a": 2, "b": 3},
//	    "_meta": {"progressToken": "p1"}
//	  },
//	  "id": 2
//	}
//
// When a progress token is present, notifications/progress frames are sent
// to the session's push channel while the tool runs.
package mcp
