package rpc

import (
	"encoding/json"
	"sync"
)

type handshakeState int

const (
	handshakeIdle handshakeState = iota
	handshakeInFlight
	handshakeDone
)

// flight is one initialize attempt shared by every caller that joined it.
type flight struct {
	done   chan struct{}
	result json.RawMessage
	err    error
}

// handshake is the single-flight slot for one socket.
//
//	idle --join--> inFlight --finish(nil)--> done
//	                  └──────finish(err)---> idle
type handshake struct {
	mu     sync.Mutex
	state  handshakeState
	flight *flight
	result json.RawMessage
}

// join returns the flight to wait on and whether the caller must run it.
// A nil flight means the handshake already completed.
func (h *handshake) join() (f *flight, leader bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch h.state {
	case handshakeDone:
		return nil, false
	case handshakeInFlight:
		return h.flight, false
	}
	h.state = handshakeInFlight
	h.flight = &flight{done: make(chan struct{})}
	return h.flight, true
}

// finish records the outcome of f and releases its waiters.
func (h *handshake) finish(f *flight, result json.RawMessage, err error) {
	h.mu.Lock()
	if h.flight == f {
		h.flight = nil
		if err != nil {
			h.state = handshakeIdle
		} else {
			h.state = handshakeDone
			h.result = result
		}
	}
	h.mu.Unlock()

	f.result = result
	f.err = err
	close(f.done)
}

// initializeResult returns the remembered initialize result once done.
func (h *handshake) initializeResult() json.RawMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result
}
