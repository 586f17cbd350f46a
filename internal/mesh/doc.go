// Package mesh is the tool-facing facade over the coordination components.
//
// # Overview
//
// Mesh bundles the registry, session manager, negotiator, router, and
// meeting coordinator behind JSON-shaped request/response operations.
// Failures come back as *Error values carrying a machine-readable code
// (validation, not_found, conflict, queue_full, timeout, permission,
// incompatible, internal); nothing panics across the boundary.
//
// # Transport binding
//
// Bind attaches a transport channel to a session: queued messages start
// draining to the agent, and inbound heartbeat, opinion_reply, and
// vote_reply events are dispatched to the components. Detaching leaves the
// session alive for reconnection.
package mesh
