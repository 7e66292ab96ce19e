// ABOUTME: Demo pack with the add tool and the greeting resource template.
// ABOUTME: Trivial business handlers served to every session.

package builtins

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"

	"github.com/cockroachdb/errors"

	"github.com/2389/mcpd/internal/mcp"
)

// DemoPackID identifies the demo pack in the catalog.
const DemoPackID = "builtin:demo"

const addDescription = `Tool: Add Two Numbers

Description:
This tool performs simple addition of two numerical values. It takes two numbers as input and returns their sum.

Examples:
1. Adding integers: 5 + 3 = 8
2. Adding decimals: 2.5 + 1.7 = 4.2
3. Adding negative numbers: -4 + 7 = 3

Parameters:
- a (number): The first number to add
- b (number): The second number to add

Returns:
- The sum of 'a' and 'b' as a number`

// DemoPack creates the demo pack.
func DemoPack(logger *slog.Logger) *mcp.Pack {
	if logger == nil {
		logger = slog.Default()
	}
	d := &demoHandlers{logger: logger.With("component", "builtins")}
	return &mcp.Pack{
		ID: DemoPackID,
		Tools: []*mcp.Tool{
			{
				Name:        "add",
				Description: addDescription,
				InputSchema: json.RawMessage(`{"type":"object","properties":{"a":{"type":"number"},"b":{"type":"number"}},"required":["a","b"]}`),
				Handler:     d.Add,
			},
		},
		Templates: []*mcp.ResourceTemplate{
			{
				URITemplate: "greeting://{name}",
				Name:        "greeting",
				Description: "A personalised greeting",
				MIMEType:    "text/plain",
				Read:        d.Greeting,
			},
		},
	}
}

type demoHandlers struct {
	logger *slog.Logger
}

type addInput struct {
	A *float64 `json:"a"`
	B *float64 `json:"b"`
}

// Add sums a and b.
func (d *demoHandlers) Add(_ context.Context, call mcp.ToolCall) (*mcp.CallToolResult, error) {
	var in addInput
	if err := decodeArguments(call.Arguments, &in); err != nil {
		return nil, err
	}
	if in.A == nil || in.B == nil {
		return nil, errors.Wrap(mcp.ErrInvalidArguments, "a and b are required")
	}

	sum := *in.A + *in.B
	d.logger.Debug("add tool used", "session_id", call.SessionID, "a", *in.A, "b", *in.B)
	return mcp.TextResult(strconv.FormatFloat(sum, 'f', -1, 64)), nil
}

// Greeting renders greeting://{name}.
func (d *demoHandlers) Greeting(_ context.Context, uri string, vars map[string]string) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{{
		URI:      uri,
		MIMEType: "text/plain",
		Text:     "Hello, " + vars["name"] + "!",
	}}, nil
}
