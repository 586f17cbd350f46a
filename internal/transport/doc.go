// Package transport abstracts the bidirectional link between the server
// and one agent. The reference adapter speaks JSON event frames over
// gorilla/websocket with ping/pong keepalive; Pipe provides an in-process
// pair for tests and local bridges.
package transport
