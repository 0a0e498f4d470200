// Package rpc is the transport client for an agent daemon that speaks
// JSON-RPC 2.0 over a WebSocket.
//
// # Overview
//
// A Client owns at most one socket at a time. Connect tears down whatever
// socket exists and dials a new one in the background; status changes and
// inbound traffic are published to an Observer:
//
//	ws frame
//	    ↓
//	readLoop (one goroutine per socket)
//	    ↓ classifyFrame
//	response ──→ pending[id] ──→ SendRequest caller
//	notification / server request / decode error
//	    ↓
//	dispatcher (one goroutine per Client) ──→ Observer
//
// Observer calls for one Client are delivered in arrival order by a single
// goroutine, so an Observer never runs concurrently with itself for the
// same connection.
//
// # Inbound frames
//
// Frames are classified in this order:
//
//  1. Stream envelope: {"event":{"type":"notification"|"server_request"|"decode_error","payload":...}}
//  2. Response: an "id" (number or numeric string) plus "result" or "error".
//     Responses with no pending request are dropped.
//  3. Bare notification: anything with a string "method". An "id" on such a
//     frame is kept on the Notification.
//
// Everything else is dropped and logged at debug level.
//
// # Handshake
//
// Every request except initialize first waits for the initialize handshake.
// The handshake is single-flight per socket: concurrent callers share one
// in-flight attempt, success is remembered until the socket goes away, and
// a failure returns the slot to idle so the next request retries. After a
// successful initialize the client sends an "initialized" notification.
//
// # Failure semantics
//
// SendRequest, SendResponse and Notify fail fast with ErrNotConnected when
// there is no socket. SendRequest waits up to the open timeout (10s by
// default) for a connecting socket before returning ErrOpenTimeout. When a
// socket goes away every pending request fails with ErrDisconnected. The
// client never retries; reconnect policy belongs to the caller.
package rpc
