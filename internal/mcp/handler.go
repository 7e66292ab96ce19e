// ABOUTME: Per-session MCP protocol handler dispatching JSON-RPC methods.
// ABOUTME: Serves the shared catalog and pushes progress notifications to its session.

package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/2389/mcpd/internal/protocol"
)

// MCP method names
const (
	MethodInitialize            = protocol.MethodInitialize
	MethodInitialized           = "notifications/initialized"
	MethodPing                  = "ping"
	MethodToolsList             = "tools/list"
	MethodToolsCall             = "tools/call"
	MethodResourcesList         = "resources/list"
	MethodResourceTemplatesList = "resources/templates/list"
	MethodResourcesRead         = "resources/read"
	MethodProgress              = "notifications/progress"
)

// Config holds what every session's handler shares.
type Config struct {
	Catalog      *Catalog
	ServerInfo   Implementation
	Instructions string
	Logger       *slog.Logger
}

// NewHandlerFactory returns a constructor producing one Handler per session.
func NewHandlerFactory(cfg Config) func(sessionID string, notifier protocol.Notifier) protocol.Handler {
	if cfg.Catalog == nil {
		cfg.Catalog = NewCatalog(cfg.Logger)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return func(sessionID string, notifier protocol.Notifier) protocol.Handler {
		return NewHandler(cfg, sessionID, notifier)
	}
}

// Handler serves MCP methods for exactly one session.
type Handler struct {
	catalog      *Catalog
	serverInfo   Implementation
	instructions string
	sessionID    string
	notifier     protocol.Notifier
	logger       *slog.Logger

	mu              sync.RWMutex
	protocolVersion string
	clientInfo      Implementation
	initialized     bool
}

// NewHandler creates a handler bound to one session.
func NewHandler(cfg Config, sessionID string, notifier protocol.Notifier) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		catalog:      cfg.Catalog,
		serverInfo:   cfg.ServerInfo,
		instructions: cfg.Instructions,
		sessionID:    sessionID,
		notifier:     notifier,
		logger:       logger.With("component", "mcp", "session_id", sessionID),
	}
}

// ProtocolVersion returns the version negotiated during initialize.
func (h *Handler) ProtocolVersion() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.protocolVersion
}

// ClientInfo returns the client implementation recorded during initialize.
func (h *Handler) ClientInfo() Implementation {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clientInfo
}

// Initialized reports whether the client sent notifications/initialized.
func (h *Handler) Initialized() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.initialized
}

// Handle implements protocol.Handler.
func (h *Handler) Handle(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	h.logger.Debug("MCP request",
		"method", req.Method,
		"is_notification", req.IsNotification(),
	)

	if req.IsNotification() {
		h.handleNotification(req)
		return nil, nil
	}

	switch req.Method {
	case MethodInitialize:
		return h.handleInitialize(req)
	case MethodPing:
		return protocol.NewResult(req.ID, struct{}{}), nil
	case MethodToolsList:
		return h.handleToolsList(req), nil
	case MethodToolsCall:
		return h.handleToolsCall(ctx, req)
	case MethodResourcesList:
		return h.handleResourcesList(req), nil
	case MethodResourceTemplatesList:
		return h.handleResourceTemplatesList(req), nil
	case MethodResourcesRead:
		return h.handleResourcesRead(ctx, req)
	default:
		return protocol.NewError(req.ID, protocol.CodeMethodNotFound, "Method not found: "+req.Method), nil
	}
}

func (h *Handler) handleNotification(req *protocol.Request) {
	switch {
	case req.Method == MethodInitialized:
		h.mu.Lock()
		h.initialized = true
		h.mu.Unlock()
		h.logger.Debug("client initialized")
	case strings.HasPrefix(req.Method, "notifications/"):
		h.logger.Debug("accepted MCP notification", "method", req.Method)
	default:
		h.logger.Warn("received notification for non-notification method", "method", req.Method)
	}
}

func (h *Handler) handleInitialize(req *protocol.Request) (*protocol.Response, error) {
	var params InitializeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return protocol.NewError(req.ID, protocol.CodeInvalidParams, "invalid initialize params"), nil
		}
	}

	version := negotiateVersion(params.ProtocolVersion)

	h.mu.Lock()
	h.protocolVersion = version
	h.clientInfo = params.ClientInfo
	h.mu.Unlock()

	h.logger.Info("MCP session initialized",
		"protocol_version", version,
		"requested_version", params.ProtocolVersion,
		"client", params.ClientInfo.Name,
		"client_version", params.ClientInfo.Version,
	)

	return protocol.NewResult(req.ID, InitializeResult{
		ProtocolVersion: version,
		Capabilities: ServerCapabilities{
			Tools:     &ListChangedCapability{},
			Resources: &ResourcesCapability{},
		},
		ServerInfo:   h.serverInfo,
		Instructions: h.instructions,
	}), nil
}

func negotiateVersion(requested string) string {
	for _, v := range supportedProtocolVersions {
		if v == requested {
			return v
		}
	}
	return LatestProtocolVersion
}

func (h *Handler) handleToolsList(req *protocol.Request) *protocol.Response {
	tools := h.catalog.Tools()
	result := ListToolsResult{Tools: make([]ToolInfo, len(tools))}
	for i, tool := range tools {
		schema := tool.InputSchema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		result.Tools[i] = ToolInfo{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schema,
		}
	}

	h.logger.Debug("tools/list", "count", len(tools))
	return protocol.NewResult(req.ID, result)
}

func (h *Handler) handleToolsCall(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	var params CallToolParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return protocol.NewError(req.ID, protocol.CodeInvalidParams, "invalid params"), nil
		}
	}
	if params.Name == "" {
		return protocol.NewError(req.ID, protocol.CodeInvalidParams, "tool name is required"), nil
	}

	tool, err := h.catalog.Tool(params.Name)
	if err != nil {
		return protocol.NewError(req.ID, protocol.CodeInvalidParams, "Tool "+params.Name+" not found"), nil
	}

	args := map[string]any{}
	if len(params.Arguments) > 0 && string(params.Arguments) != "null" {
		if err := json.Unmarshal(params.Arguments, &args); err != nil {
			return protocol.NewError(req.ID, protocol.CodeInvalidParams, "arguments must be an object"), nil
		}
	}

	progress := h.progressFunc(params.Meta)
	progress(0, 1, "")

	h.logger.Debug("tools/call", "tool_name", params.Name)

	result, err := tool.Handler(ctx, ToolCall{
		SessionID: h.sessionID,
		Name:      params.Name,
		Arguments: args,
		Progress:  progress,
	})
	if errors.Is(err, ErrInvalidArguments) {
		h.logger.Debug("tool rejected arguments", "tool_name", params.Name, "error", err)
		return protocol.NewError(req.ID, protocol.CodeInvalidParams, err.Error()), nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "tool %s", params.Name)
	}
	if result == nil {
		result = &CallToolResult{Content: []Content{}}
	}

	progress(1, 1, "")

	h.logger.Debug("tools/call complete",
		"tool_name", params.Name,
		"is_error", result.IsError,
	)
	return protocol.NewResult(req.ID, result), nil
}

// progressFunc returns a reporter that sends notifications/progress when the
// request carried a progress token, and does nothing otherwise.
func (h *Handler) progressFunc(meta *RequestMeta) ProgressFunc {
	if meta == nil || len(meta.ProgressToken) == 0 || string(meta.ProgressToken) == "null" {
		return func(float64, float64, string) {}
	}
	token := meta.ProgressToken
	return func(progress, total float64, message string) {
		err := h.notifier.Notify(MethodProgress, ProgressParams{
			ProgressToken: token,
			Progress:      progress,
			Total:         total,
			Message:       message,
		})
		if err != nil {
			h.logger.Debug("progress notification not delivered", "error", err)
		}
	}
}

func (h *Handler) handleResourcesList(req *protocol.Request) *protocol.Response {
	resources := h.catalog.Resources()
	result := ListResourcesResult{Resources: make([]ResourceInfo, len(resources))}
	for i, r := range resources {
		result.Resources[i] = ResourceInfo{
			URI:         r.URI,
			Name:        r.Name,
			Description: r.Description,
			MIMEType:    r.MIMEType,
		}
	}
	return protocol.NewResult(req.ID, result)
}

func (h *Handler) handleResourceTemplatesList(req *protocol.Request) *protocol.Response {
	templates := h.catalog.Templates()
	result := ListResourceTemplatesResult{ResourceTemplates: make([]ResourceTemplateInfo, len(templates))}
	for i, t := range templates {
		result.ResourceTemplates[i] = ResourceTemplateInfo{
			URITemplate: t.URITemplate,
			Name:        t.Name,
			Description: t.Description,
			MIMEType:    t.MIMEType,
		}
	}
	return protocol.NewResult(req.ID, result)
}

func (h *Handler) handleResourcesRead(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	var params ReadResourceParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return protocol.NewError(req.ID, protocol.CodeInvalidParams, "invalid params"), nil
		}
	}
	if params.URI == "" {
		return protocol.NewError(req.ID, protocol.CodeInvalidParams, "uri is required"), nil
	}

	read, vars, err := h.catalog.ResolveResource(params.URI)
	if err != nil {
		return protocol.NewError(req.ID, protocol.CodeInvalidParams, "Resource "+params.URI+" not found"), nil
	}

	contents, err := read(ctx, params.URI, vars)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", params.URI)
	}
	return protocol.NewResult(req.ID, ReadResourceResult{Contents: contents}), nil
}
