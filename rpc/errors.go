package rpc

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned when there is no open socket.
	ErrNotConnected = errors.New("connection is not open")
	// ErrOpenTimeout is returned when a connecting socket did not open in time.
	ErrOpenTimeout = errors.New("timed out waiting for connection to open")
	// ErrClosedBeforeOpen is returned to callers waiting on a socket that failed before opening.
	ErrClosedBeforeOpen = errors.New("connection closed before open")
	// ErrDisconnected is returned to pending requests when their socket goes away.
	ErrDisconnected = errors.New("disconnected")
)

// RPCError is the error member of a JSON-RPC response.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if e.Code == 0 {
		return e.Message
	}
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}
