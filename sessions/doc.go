// Package sessions owns the process-local session state shared by the ingress
// (POST) and egress (GET event stream) halves of the HTTP stream transport.
//
// A Session correlates one client's POSTs with its single long-lived event
// stream. Each session carries an unbounded FIFO Queue with many producers
// (concurrent POSTs) and exactly one consumer (the stream). Delivery order is
// enqueue order.
//
// Layers & Roles
//
//	Registry -> id -> *Session map, tombstones for recently closed ids, idle reaper
//	Session  -> timestamps, connected flag, stream attachment, queue
//	Queue    -> ordered hand-off with a bounded wait that never half-consumes
//
// # Lifecycle
//
// Sessions are created by initialize or lazily by the first POST naming an
// unknown id. Registry.Close removes the entry, marks the session
// disconnected and wakes a waiting stream. Closed ids are remembered for a
// configurable period so that a POST racing a torn-down stream is rejected
// with ErrSessionClosed instead of silently recreating a session nobody
// drains.
//
// # Ownership
//
// With authentication on, a session belongs to the user that created it. The
// *For variants (CreateFor, AcquireFor, GetFor, CloseFor) refuse to hand one
// user's session to another.
//
// Nothing here is persisted. A process restart drops every session.
package sessions
