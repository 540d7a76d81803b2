// Package streaminghttp implements the queued JSON-RPC transport over HTTP.
// It mounts as a standard net/http handler.
//
// Clients send every JSON-RPC envelope as its own POST to the endpoint and
// receive everything the server produces on one long-lived GET event stream
// per session. The POST response is only an acknowledgement:
//
//	{"jsonrpc":"2.0","id":<id>,"result":{"status":"queued"}}
//
// The one exception is initialize, which is answered inline and registers
// the session. The session id travels in the X-Session-Id header (the
// Mcp-Session-Id header is accepted too, and GET also takes a sessionId query
// parameter for EventSource clients).
//
// # Ordering
//
// Each accepted envelope is pushed to the session queue in arrival order,
// followed by the router's response when the envelope is a request. The
// stream forwards the queue strictly in order and only emits heartbeats
// while it is empty.
//
// # Stream lifetime
//
// A session has at most one attached stream. When the stream ends for any
// reason the session is closed; later POSTs naming it are rejected with the
// session-not-found error until its tombstone expires.
//
// # Authentication
//
// With WithAuthenticator, every session endpoint requires a bearer token and
// failures carry RFC 6750 WWW-Authenticate challenges. Authenticators that
// describe their issuer also get a protected resource metadata document.
//
// Example (mount in net/http):
//
//	h, err := streaminghttp.New(registry, eng, streaminghttp.WithLogger(log))
//	if err != nil { ... }
//	http.ListenAndServe(":8080", h)
package streaminghttp
