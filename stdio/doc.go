// Package stdio serves the tool catalog over stdin/stdout for clients that
// spawn the server as a subprocess.
//
// Characteristics
//
//	Connection model : 1 process <-> 1 client
//	Auth             : none; the OS user is logged for context
//	Sessions         : one implicit session for the life of the process
//	Transport        : newline-delimited JSON-RPC, responses written directly
//
// Unlike the streaming HTTP transport there is no acknowledgement, queue or
// heartbeat: each request line is answered by exactly one response line, and
// notifications produce nothing. String-encoded tools/call arguments are
// repaired the same way on both transports.
//
// Example:
//
//	eng := engine.NewEngine(catalog)
//	h := stdio.NewHandler(eng, stdio.WithLogger(stderrLogger))
//	if err := h.Serve(ctx); err != nil { log.Fatal(err) }
package stdio
