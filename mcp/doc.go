// Package mcp contains the protocol data types and constants shared by the
// HTTP stream and stdio transports. Only the subset of the Model Context
// Protocol this server speaks is modelled: initialize, ping, tools/list and
// tools/call.
//
// The package is free of transport logic. Transports decode envelopes with
// internal/jsonrpc and hand method params to the engine, which builds these
// result types.
//
// Example (tool result construction):
//
//	res := &mcp.CallToolResult{
//	    Content: []mcp.ContentBlock{{Type: mcp.ContentTypeText, Text: "hello"}},
//	}
package mcp
