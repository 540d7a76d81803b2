// Package tools holds the tool catalog: typed tool constructors whose input
// schemas are reflected from Go structs, and a concurrency-safe Container the
// protocol router dispatches tools/call against.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/ggoodman/aippt-mcp-go/mcp"
)

// ErrToolNotFound is returned by Container.Call for an unregistered name.
var ErrToolNotFound = errors.New("tools: tool not found")

// Handler is the function signature used to handle a tool invocation.
// Returning an error signals a failure of the operation itself; the router
// reports it as a failed tool result rather than a protocol error.
type Handler func(ctx context.Context, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error)

// Tool pairs a tool descriptor with its handler.
type Tool struct {
	Descriptor mcp.Tool
	Handler    Handler
}

// Request is the decoded input for a typed tool.
type Request[A any] struct {
	name string
	raw  json.RawMessage
	args A
}

func (r *Request[A]) Name() string                  { return r.name }
func (r *Request[A]) RawArguments() json.RawMessage { return r.raw }
func (r *Request[A]) Args() A                       { return r.args }

// Option configures New.
type Option func(*toolConfig)

type toolConfig struct {
	description               string
	allowAdditionalProperties bool
}

// WithDescription sets the tool description used in listings.
func WithDescription(desc string) Option {
	return func(c *toolConfig) { c.description = desc }
}

// WithAllowAdditionalProperties controls whether unknown argument fields are
// accepted. When false (default), the schema sets additionalProperties=false
// and decoding rejects unknown fields.
func WithAllowAdditionalProperties(allow bool) Option {
	return func(c *toolConfig) { c.allowAdditionalProperties = allow }
}

// New constructs a Tool from a typed argument struct A. Arguments that fail
// to decode into A produce an error result without calling fn.
func New[A any](name string, fn func(ctx context.Context, r *Request[A]) (*mcp.CallToolResult, error), opts ...Option) Tool {
	cfg := toolConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	desc := mcp.Tool{
		Name:        name,
		Description: cfg.description,
		InputSchema: reflectInputSchema[A](cfg.allowAdditionalProperties),
	}

	handler := func(ctx context.Context, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
		var a A
		if len(req.Arguments) > 0 && !bytes.Equal(req.Arguments, []byte("null")) {
			dec := json.NewDecoder(bytes.NewReader(req.Arguments))
			if !cfg.allowAdditionalProperties {
				dec.DisallowUnknownFields()
			}
			if err := dec.Decode(&a); err != nil {
				return Errorf("invalid arguments: %v", err), nil
			}
		}
		if missing := missingRequired(desc.InputSchema.Required, req.Arguments); len(missing) > 0 {
			return Errorf("missing required arguments: %v", missing), nil
		}
		return fn(ctx, &Request[A]{name: req.Name, raw: req.Arguments, args: a})
	}

	return Tool{Descriptor: desc, Handler: handler}
}

func missingRequired(required []string, raw json.RawMessage) []string {
	if len(required) == 0 {
		return nil
	}
	var present map[string]json.RawMessage
	_ = json.Unmarshal(raw, &present)
	var missing []string
	for _, k := range required {
		if v, ok := present[k]; !ok || bytes.Equal(v, []byte("null")) {
			missing = append(missing, k)
		}
	}
	return missing
}

// Container owns a threadsafe, ordered set of tool descriptors and handlers.
type Container struct {
	mu       sync.RWMutex
	tools    []mcp.Tool
	handlers map[string]Handler
}

// NewContainer constructs a Container with the given tools. On duplicate
// names the last definition wins.
func NewContainer(defs ...Tool) *Container {
	c := &Container{handlers: make(map[string]Handler, len(defs))}
	for _, d := range defs {
		c.put(d)
	}
	return c
}

func (c *Container) put(d Tool) {
	name := d.Descriptor.Name
	for i, t := range c.tools {
		if t.Name == name {
			c.tools[i] = d.Descriptor
			c.handlers[name] = d.Handler
			return
		}
	}
	c.tools = append(c.tools, d.Descriptor)
	c.handlers[name] = d.Handler
}

// Add registers a tool if its name is not taken. Returns true if added.
func (c *Container) Add(def Tool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.handlers[def.Descriptor.Name]; exists {
		return false
	}
	c.put(def)
	return true
}

// Remove removes a tool by name. Returns true if removed.
func (c *Container) Remove(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.handlers[name]; !ok {
		return false
	}
	delete(c.handlers, name)
	n := 0
	for _, t := range c.tools {
		if t.Name != name {
			c.tools[n] = t
			n++
		}
	}
	c.tools = c.tools[:n]
	return true
}

// List returns a copy of the tool descriptors in registration order.
func (c *Container) List() []mcp.Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]mcp.Tool, len(c.tools))
	copy(out, c.tools)
	return out
}

// Names returns the registered tool names in registration order.
func (c *Container) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.tools))
	for i, t := range c.tools {
		out[i] = t.Name
	}
	return out
}

// Has reports whether name is registered.
func (c *Container) Has(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.handlers[name]
	return ok
}

// Call dispatches a request to the named tool.
func (c *Container) Call(ctx context.Context, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
	if req == nil || req.Name == "" {
		return nil, fmt.Errorf("%w: missing name", ErrToolNotFound)
	}
	c.mu.RLock()
	h := c.handlers[req.Name]
	c.mu.RUnlock()
	if h == nil {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, req.Name)
	}
	return h(ctx, req)
}

// TextResult builds a single-block text result.
func TextResult(s string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.ContentBlock{{Type: mcp.ContentTypeText, Text: s}}}
}

// JSONResult renders v as indented JSON text without HTML escaping so that
// non-ASCII backend payloads stay readable.
func JSONResult(v any) (*mcp.CallToolResult, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encode tool result: %w", err)
	}
	return TextResult(string(bytes.TrimRight(buf.Bytes(), "\n"))), nil
}

// Errorf returns an error result with a single text block and IsError=true.
func Errorf(format string, a ...any) *mcp.CallToolResult {
	msg := fmt.Sprintf(format, a...)
	return &mcp.CallToolResult{Content: []mcp.ContentBlock{{Type: mcp.ContentTypeText, Text: msg}}, IsError: true}
}
