// ABOUTME: Initialization classifier for the unified HTTP binding.
// ABOUTME: Decides whether an inbound POST continues a session, starts one, or is rejected.

package protocol

import (
	"encoding/json"
)

// Kind tags the outcome of Classify.
type Kind int

const (
	// Invalid means the message can neither continue nor start a session.
	Invalid Kind = iota
	// Continuation means the message names an existing session.
	Continuation
	// Handshake means the message is a well-formed initialize request.
	Handshake
)

func (k Kind) String() string {
	switch k {
	case Continuation:
		return "continuation"
	case Handshake:
		return "handshake"
	default:
		return "invalid"
	}
}

// MethodInitialize opens an MCP session.
const MethodInitialize = "initialize"

// Classification is the result of Classify. Request is set for Handshake;
// Reason is set for Invalid.
type Classification struct {
	Kind    Kind
	Request *Request
	Reason  string
}

type initializeParams struct {
	ProtocolVersion *string          `json:"protocolVersion"`
	Capabilities    *json.RawMessage `json:"capabilities"`
	ClientInfo      *struct {
		Name    *string `json:"name"`
		Version *string `json:"version"`
	} `json:"clientInfo"`
}

// Classify is pure: it has no side effects and the same inputs always give
// the same result. The body of a continuation is not inspected.
func Classify(hasSessionID bool, body []byte) Classification {
	if hasSessionID {
		return Classification{Kind: Continuation}
	}

	req, err := ParseRequest(body)
	if err != nil {
		return invalid(err.Error())
	}
	if req.IsNotification() {
		return invalid("initialize request must carry an id")
	}
	if req.Method != MethodInitialize {
		return invalid("first request must be initialize, got " + req.Method)
	}
	if len(req.Params) == 0 {
		return invalid("initialize params missing")
	}

	var params initializeParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return invalid("initialize params malformed")
	}
	if params.ProtocolVersion == nil || *params.ProtocolVersion == "" {
		return invalid("protocolVersion missing")
	}
	if params.Capabilities == nil || !isObject(*params.Capabilities) {
		return invalid("capabilities must be an object")
	}
	if params.ClientInfo == nil || params.ClientInfo.Name == nil || params.ClientInfo.Version == nil {
		return invalid("clientInfo.name and clientInfo.version are required")
	}

	return Classification{Kind: Handshake, Request: req}
}

func invalid(reason string) Classification {
	return Classification{Kind: Invalid, Reason: reason}
}

func isObject(raw json.RawMessage) bool {
	for _, b := range raw {
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		case '{':
			return true
		default:
			return false
		}
	}
	return false
}
