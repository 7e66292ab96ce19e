// ABOUTME: JSON-RPC 2.0 wire types shared by every transport binding.
// ABOUTME: Parsing, constructors, and the structured rejection envelope.

package protocol

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
)

// Version is the only JSON-RPC version accepted on the wire.
const Version = "2.0"

// Standard JSON-RPC error codes
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Transport-level rejection codes. They sit in the implementation-defined
// server error range and are only emitted by the HTTP bindings.
const (
	CodeBadHandshake   = -32000
	CodeUnknownSession = -32001
)

// Messages paired with the transport-level rejection codes.
const (
	MessageBadHandshake   = "Bad Request: No valid session ID provided"
	MessageUnknownSession = "Bad Request: Session not found"
)

var (
	// ErrBatchUnsupported is returned for JSON array bodies.
	ErrBatchUnsupported = errors.New("batch requests are not supported")
	// ErrInvalidVersion is returned when jsonrpc is not "2.0".
	ErrInvalidVersion = errors.New("invalid JSON-RPC version")
	// ErrMissingMethod is returned when a request has no method.
	ErrMissingMethod = errors.New("missing method")
)

// Request represents a JSON-RPC 2.0 request or notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request carries no id.
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error represents a JSON-RPC 2.0 error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}

// Notification is a server-initiated message without an id.
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Handler is the per-session protocol handler contract. Implementations must
// tolerate concurrent calls for the same session. A nil response means the
// request was a notification. A non-nil error is a handler failure; the
// caller converts it into a server-class error response.
type Handler interface {
	Handle(ctx context.Context, req *Request) (*Response, error)
}

// Notifier delivers server-initiated notifications to a session's client.
type Notifier interface {
	Notify(method string, params any) error
}

// ParseRequest decodes a single JSON-RPC request from body.
func ParseRequest(body []byte) (*Request, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		return nil, ErrBatchUnsupported
	}

	var req Request
	if err := json.Unmarshal(trimmed, &req); err != nil {
		return nil, errors.Wrap(err, "decoding request")
	}
	if req.JSONRPC != Version {
		return &req, ErrInvalidVersion
	}
	if req.Method == "" {
		return &req, ErrMissingMethod
	}
	return &req, nil
}

// NullID is the id used when a request's own id is unknown.
var NullID = json.RawMessage("null")

// NewResult builds a successful response.
func NewResult(id json.RawMessage, result any) *Response {
	return &Response{JSONRPC: Version, ID: normalizeID(id), Result: result}
}

// NewError builds an error response.
func NewError(id json.RawMessage, code int, message string) *Response {
	return &Response{
		JSONRPC: Version,
		ID:      normalizeID(id),
		Error:   &Error{Code: code, Message: message},
	}
}

// Envelope builds the structured rejection used for transport-level errors.
// The correlation id is always null.
func Envelope(code int, message string) *Response {
	return NewError(nil, code, message)
}

// ErrorResponseFor maps a ParseRequest failure onto the matching error response.
func ErrorResponseFor(req *Request, err error) *Response {
	var id json.RawMessage
	if req != nil {
		id = req.ID
	}
	switch {
	case errors.Is(err, ErrInvalidVersion), errors.Is(err, ErrMissingMethod), errors.Is(err, ErrBatchUnsupported):
		return NewError(id, CodeInvalidRequest, "Invalid Request: "+err.Error())
	default:
		return NewError(nil, CodeParseError, "Parse error")
	}
}

func normalizeID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return NullID
	}
	return id
}

// Marshal encodes a response or notification for the wire.
func Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "encoding message")
	}
	return data, nil
}
