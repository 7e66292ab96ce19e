// ABOUTME: Thread-safe catalog of tools, resources, and resource templates.
// ABOUTME: Packs register their entries here; name and URI collisions are rejected.

package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/yosida95/uritemplate/v3"
)

var (
	// ErrPackAlreadyRegistered indicates a pack with the same ID is already in the catalog.
	ErrPackAlreadyRegistered = errors.New("pack already registered")
	// ErrToolCollision indicates a tool name already exists from another pack.
	ErrToolCollision = errors.New("tool name collision")
	// ErrResourceCollision indicates a resource URI or template already exists.
	ErrResourceCollision = errors.New("resource collision")
	// ErrToolNotFound indicates no tool has the requested name.
	ErrToolNotFound = errors.New("tool not found")
	// ErrResourceNotFound indicates no resource or template matches the URI.
	ErrResourceNotFound = errors.New("resource not found")
	// ErrInvalidArguments is returned by tool handlers for arguments that fail validation.
	ErrInvalidArguments = errors.New("invalid arguments")
)

// ProgressFunc reports progress for a long-running tool call. It is a no-op
// when the client did not ask for progress.
type ProgressFunc func(progress, total float64, message string)

// ToolCall carries everything a tool handler needs for one invocation.
type ToolCall struct {
	SessionID string
	Name      string
	Arguments map[string]any
	Progress  ProgressFunc
}

// ToolHandler executes a tool. Returning an error wrapping ErrInvalidArguments
// produces an invalid-params response; any other error is a handler failure.
type ToolHandler func(ctx context.Context, call ToolCall) (*CallToolResult, error)

// Tool is a callable entry in the catalog.
type Tool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	Handler     ToolHandler
}

// ResourceReader returns the contents for a concrete resource URI. Vars holds
// the template variables when the URI matched a template.
type ResourceReader func(ctx context.Context, uri string, vars map[string]string) ([]ResourceContents, error)

// Resource is a static resource addressed by exact URI.
type Resource struct {
	URI         string
	Name        string
	Description string
	MIMEType    string
	Read        ResourceReader
}

// ResourceTemplate is a family of resources addressed by an RFC 6570 template.
type ResourceTemplate struct {
	URITemplate string
	Name        string
	Description string
	MIMEType    string
	Read        ResourceReader
}

// Pack is a named bundle of catalog entries registered together.
type Pack struct {
	ID        string
	Tools     []*Tool
	Resources []*Resource
	Templates []*ResourceTemplate
}

type templateEntry struct {
	def      *ResourceTemplate
	compiled *uritemplate.Template
	packID   string
}

// Catalog is shared by every session's handler; it is read-mostly.
type Catalog struct {
	mu        sync.RWMutex
	packs     map[string]*Pack
	tools     map[string]*Tool
	toolPack  map[string]string
	resources map[string]*Resource
	templates []*templateEntry
	logger    *slog.Logger
}

// NewCatalog creates an empty catalog.
func NewCatalog(logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		packs:     make(map[string]*Pack),
		tools:     make(map[string]*Tool),
		toolPack:  make(map[string]string),
		resources: make(map[string]*Resource),
		logger:    logger.With("component", "catalog"),
	}
}

// RegisterPack validates and stores every entry of pack. Nothing is stored
// if any entry collides with one already registered.
func (c *Catalog) RegisterPack(pack *Pack) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.packs[pack.ID]; exists {
		return errors.Wrapf(ErrPackAlreadyRegistered, "pack %q", pack.ID)
	}

	seen := make(map[string]bool)
	for _, tool := range pack.Tools {
		if owner, exists := c.toolPack[tool.Name]; exists {
			return fmt.Errorf("%w: tool '%s' already registered by pack '%s'", ErrToolCollision, tool.Name, owner)
		}
		if seen[tool.Name] {
			return fmt.Errorf("%w: tool '%s' listed twice in pack '%s'", ErrToolCollision, tool.Name, pack.ID)
		}
		seen[tool.Name] = true
	}
	for _, res := range pack.Resources {
		if _, exists := c.resources[res.URI]; exists {
			return fmt.Errorf("%w: resource '%s'", ErrResourceCollision, res.URI)
		}
	}

	compiled := make([]*templateEntry, 0, len(pack.Templates))
	for _, tmpl := range pack.Templates {
		for _, existing := range c.templates {
			if existing.def.URITemplate == tmpl.URITemplate {
				return fmt.Errorf("%w: template '%s'", ErrResourceCollision, tmpl.URITemplate)
			}
		}
		t, err := uritemplate.New(tmpl.URITemplate)
		if err != nil {
			return errors.Wrapf(err, "parsing template %q", tmpl.URITemplate)
		}
		compiled = append(compiled, &templateEntry{def: tmpl, compiled: t, packID: pack.ID})
	}

	for _, tool := range pack.Tools {
		c.tools[tool.Name] = tool
		c.toolPack[tool.Name] = pack.ID
	}
	for _, res := range pack.Resources {
		c.resources[res.URI] = res
	}
	c.templates = append(c.templates, compiled...)
	c.packs[pack.ID] = pack

	c.logger.Info("pack registered",
		"pack_id", pack.ID,
		"tools", len(pack.Tools),
		"resources", len(pack.Resources),
		"templates", len(pack.Templates),
	)
	return nil
}

// Tools returns all tools sorted by name.
func (c *Catalog) Tools() []*Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*Tool, 0, len(c.tools))
	for _, t := range c.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Tool looks up a tool by name.
func (c *Catalog) Tool(name string) (*Tool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	tool, ok := c.tools[name]
	if !ok {
		return nil, errors.Wrapf(ErrToolNotFound, "tool %q", name)
	}
	return tool, nil
}

// Resources returns all static resources sorted by URI.
func (c *Catalog) Resources() []*Resource {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*Resource, 0, len(c.resources))
	for _, r := range c.resources {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URI < out[j].URI })
	return out
}

// Templates returns all resource templates in registration order.
func (c *Catalog) Templates() []*ResourceTemplate {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*ResourceTemplate, len(c.templates))
	for i, e := range c.templates {
		out[i] = e.def
	}
	return out
}

// ResolveResource finds the reader for uri. Exact static URIs win over
// templates; templates are tried in registration order.
func (c *Catalog) ResolveResource(uri string) (ResourceReader, map[string]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if res, ok := c.resources[uri]; ok {
		return res.Read, nil, nil
	}

	for _, e := range c.templates {
		values := e.compiled.Match(uri)
		if values == nil {
			continue
		}
		vars := make(map[string]string, len(e.compiled.Varnames()))
		for _, name := range e.compiled.Varnames() {
			if v := values.Get(name); v.Valid() && v.T == uritemplate.ValueTypeString {
				vars[name] = v.String()
			}
		}
		return e.def.Read, vars, nil
	}

	return nil, nil, errors.Wrapf(ErrResourceNotFound, "uri %q", uri)
}
