package engine

import (
	"strings"

	"github.com/ggoodman/aippt-mcp-go/mcp"
)

// Kind is the closed set of message categories the router understands.
type Kind int

const (
	KindUnknown Kind = iota
	KindInitialize
	KindPing
	KindToolsList
	KindToolsCall
	KindNotification
)

func (k Kind) String() string {
	switch k {
	case KindInitialize:
		return "initialize"
	case KindPing:
		return "ping"
	case KindToolsList:
		return "tools_list"
	case KindToolsCall:
		return "tools_call"
	case KindNotification:
		return "notification"
	default:
		return "unknown"
	}
}

// Classify maps a JSON-RPC method name to its Kind.
func Classify(method string) Kind {
	switch mcp.Method(method) {
	case mcp.InitializeMethod:
		return KindInitialize
	case mcp.PingMethod:
		return KindPing
	case mcp.ToolsListMethod:
		return KindToolsList
	case mcp.ToolsCallMethod:
		return KindToolsCall
	}
	if strings.HasPrefix(method, "notifications/") {
		return KindNotification
	}
	return KindUnknown
}
