// Package starling implements a client for the Helios-Starling application
// protocol: a JSON-framed, bidirectional RPC + pub/sub + streaming
// notification protocol carried over a single WebSocket connection, with
// automatic reconnection and server-assisted session recovery.
//
// A Client opens a socket with Connect, invokes remote methods with
// Request, registers methods the server may invoke back with
// RegisterMethod, and subscribes to server-originated topic notifications
// with Subscribe. Disconnects, message buffering, request timeouts and
// session recovery are handled transparently; see the package-level
// Client type for the full surface.
package starling
