package mcp

// ProtocolVersion is the protocol revision this server advertises during
// initialize. Older clients of the queued HTTP transport pin to it.
const ProtocolVersion = "2024-11-05"

// Capabilities

// ClientCapabilities advertises client features. The server records but does
// not act on them.
type ClientCapabilities struct {
	Roots *struct {
		ListChanged bool `json:"listChanged"`
	} `json:"roots,omitempty"`
	Sampling *struct{} `json:"sampling,omitempty"`
}

// ListChangedCapability is the shared shape of list-bearing capabilities.
type ListChangedCapability struct {
	ListChanged bool `json:"listChanged,omitzero"`
}

// ServerCapabilities advertises server features. A present-but-empty
// capability serializes as {}.
type ServerCapabilities struct {
	Tools     *ListChangedCapability `json:"tools,omitempty"`
	Resources *ListChangedCapability `json:"resources,omitempty"`
	Prompts   *ListChangedCapability `json:"prompts,omitempty"`
	Logging   *struct{}              `json:"logging,omitempty"`
}

// DefaultServerCapabilities is the fixed capability set returned by initialize.
func DefaultServerCapabilities() ServerCapabilities {
	return ServerCapabilities{
		Tools:     &ListChangedCapability{},
		Resources: &ListChangedCapability{},
		Prompts:   &ListChangedCapability{},
		Logging:   &struct{}{},
	}
}

// ImplementationInfo describes the implementation name and version.
type ImplementationInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Title   string `json:"title,omitzero"`
}

// ContentType discriminates ContentBlock variants.
type ContentType string

const (
	ContentTypeText  ContentType = "text"
	ContentTypeImage ContentType = "image"
)

// ContentBlock is a typed content part of a tool result.
type ContentBlock struct {
	Type ContentType `json:"type"`
	// For text content
	Text string `json:"text,omitzero"`
	// For image content
	Data     string `json:"data,omitzero"`
	MimeType string `json:"mimeType,omitzero"`
}

// Tools

// Tool describes a callable tool and its input schema.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema ToolInputSchema `json:"inputSchema"`
}

// ToolInputSchema is a JSON-schema-like description of tool input.
type ToolInputSchema struct {
	Type                 string                    `json:"type"`
	Properties           map[string]SchemaProperty `json:"properties,omitempty"`
	Required             []string                  `json:"required,omitempty"`
	AdditionalProperties bool                      `json:"additionalProperties,omitzero"`
}

// SchemaProperty is a simplified schema node used in tool schemas.
type SchemaProperty struct {
	Type        string                    `json:"type,omitempty"`
	Description string                    `json:"description,omitzero"`
	Default     any                       `json:"default,omitempty"`
	Items       *SchemaProperty           `json:"items,omitempty"`
	Properties  map[string]SchemaProperty `json:"properties,omitempty"`
	Enum        []any                     `json:"enum,omitempty"`
}
