// Package normalize repairs client envelopes before they reach the router.
package normalize

import (
	"bytes"
	"encoding/json"

	"github.com/ggoodman/aippt-mcp-go/internal/jsonrpc"
	"github.com/ggoodman/aippt-mcp-go/mcp"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Envelope repairs tools/call requests whose arguments arrive as a
// JSON-encoded string instead of an object. The string is replaced in place by
// the value it encodes; every other params key keeps its position. Anything it
// cannot repair is left untouched for the router to reject. It reports whether
// msg was changed and is idempotent.
func Envelope(msg *jsonrpc.AnyMessage) bool {
	if msg == nil || msg.Method != string(mcp.ToolsCallMethod) || len(msg.Params) == 0 {
		return false
	}

	params := orderedmap.New[string, json.RawMessage]()
	if err := json.Unmarshal(msg.Params, params); err != nil {
		return false
	}
	args, ok := params.Get("arguments")
	if !ok {
		return false
	}
	args = bytes.TrimSpace(args)
	if len(args) == 0 || args[0] != '"' {
		return false
	}

	var encoded string
	if err := json.Unmarshal(args, &encoded); err != nil {
		return false
	}
	inner := bytes.TrimSpace([]byte(encoded))
	if len(inner) == 0 || inner[0] == '"' || !json.Valid(inner) {
		return false
	}

	params.Set("arguments", json.RawMessage(inner))
	repaired, err := json.Marshal(params)
	if err != nil {
		return false
	}
	msg.Params = repaired
	return true
}
