package jsonrpc

import "errors"

// ErrorCode is a JSON-RPC 2.0 error code.
type ErrorCode int

const (
	// ErrorCodeParseError indicates invalid JSON was received by the server.
	ErrorCodeParseError ErrorCode = -32700
	// ErrorCodeInvalidRequest indicates the JSON sent is not a valid Request object.
	ErrorCodeInvalidRequest ErrorCode = -32600
	// ErrorCodeMethodNotFound indicates the method does not exist / is not available.
	ErrorCodeMethodNotFound ErrorCode = -32601
	// ErrorCodeInvalidParams indicates invalid method parameters.
	ErrorCodeInvalidParams ErrorCode = -32602
	// ErrorCodeInternalError indicates an internal JSON-RPC error.
	ErrorCodeInternalError ErrorCode = -32603

	// ErrorCodeSessionNotFound is a server-defined code returned when a
	// message names a session that has already been torn down.
	ErrorCodeSessionNotFound ErrorCode = -32001
)

// Message returns the canonical short message for well-known codes.
func (c ErrorCode) Message() string {
	switch c {
	case ErrorCodeParseError:
		return "Parse error"
	case ErrorCodeInvalidRequest:
		return "Invalid Request"
	case ErrorCodeMethodNotFound:
		return "Method not found"
	case ErrorCodeInvalidParams:
		return "Invalid params"
	case ErrorCodeInternalError:
		return "Internal error"
	case ErrorCodeSessionNotFound:
		return "Session not found"
	default:
		return "Server error"
	}
}

var (
	// ErrParse is wrapped by Decode when the payload is not JSON at all.
	ErrParse = errors.New("jsonrpc: parse error")
	// ErrInvalidRequest is wrapped by Decode when the payload is JSON but not
	// a single well-formed JSON-RPC 2.0 envelope.
	ErrInvalidRequest = errors.New("jsonrpc: invalid request")
)

// CodeFor maps a Decode error onto the JSON-RPC code that reports it.
func CodeFor(err error) ErrorCode {
	switch {
	case errors.Is(err, ErrParse):
		return ErrorCodeParseError
	case errors.Is(err, ErrInvalidRequest):
		return ErrorCodeInvalidRequest
	default:
		return ErrorCodeInternalError
	}
}
