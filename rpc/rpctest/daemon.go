// Package rpctest provides an in-process agent daemon for tests. It speaks
// JSON-RPC over a real WebSocket served by httptest, answers requests from
// registered handlers and records every frame the client writes.
package rpctest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Error is a JSON-RPC error returned by a Handler.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Handler answers one request. A nil *Error means success.
type Handler func(params json.RawMessage) (any, *Error)

// Frame is one frame received from the client.
type Frame struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// IsRequest reports whether the frame is a request (has both id and method).
func (f Frame) IsRequest() bool {
	return f.Method != "" && len(f.ID) > 0
}

type peer struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (p *peer) writeJSON(v any) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.conn.WriteJSON(v)
}

// Daemon is a scripted daemon. Requests for methods without a handler get
// an empty object result; held methods get no response at all.
type Daemon struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	handlers map[string]Handler
	held     map[string]bool
	received []Frame
	peers    []*peer
	accepted int
	refuse   bool
}

// NewDaemon starts a daemon on a loopback port.
func NewDaemon() *Daemon {
	d := &Daemon{
		handlers: map[string]Handler{
			"initialize": func(json.RawMessage) (any, *Error) {
				return map[string]any{"userAgent": "rpctest/0.0.0"}, nil
			},
		},
		held: make(map[string]bool),
	}
	d.server = httptest.NewServer(http.HandlerFunc(d.serve))
	return d
}

// URL returns the ws:// address of the daemon.
func (d *Daemon) URL() string {
	return "ws" + strings.TrimPrefix(d.server.URL, "http")
}

// Close drops every peer and stops the server.
func (d *Daemon) Close() {
	d.mu.Lock()
	peers := d.peers
	d.peers = nil
	d.mu.Unlock()
	for _, p := range peers {
		_ = p.conn.Close()
	}
	d.server.Close()
}

// Handle registers h for method, replacing any previous handler.
func (d *Daemon) Handle(method string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[method] = h
	delete(d.held, method)
}

// Hold makes the daemon record requests for method without answering them.
func (d *Daemon) Hold(method string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.held[method] = true
}

// Refuse makes the HTTP upgrade fail for new connections.
func (d *Daemon) Refuse(refuse bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.refuse = refuse
}

func (d *Daemon) serve(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	refuse := d.refuse
	d.mu.Unlock()
	if refuse {
		http.Error(w, "refused", http.StatusServiceUnavailable)
		return
	}

	conn, err := d.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	p := &peer{conn: conn}

	d.mu.Lock()
	d.peers = append(d.peers, p)
	d.accepted++
	d.mu.Unlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			d.removePeer(p)
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}

		d.mu.Lock()
		d.received = append(d.received, f)
		h, hasHandler := d.handlers[f.Method]
		held := d.held[f.Method]
		d.mu.Unlock()

		if !f.IsRequest() || held {
			continue
		}

		reply := map[string]any{"jsonrpc": "2.0", "id": f.ID}
		if !hasHandler {
			reply["result"] = map[string]any{}
		} else if result, rpcErr := h(f.Params); rpcErr != nil {
			reply["error"] = rpcErr
		} else {
			reply["result"] = result
		}
		_ = p.writeJSON(reply)
	}
}

func (d *Daemon) removePeer(p *peer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, q := range d.peers {
		if q == p {
			d.peers = append(d.peers[:i], d.peers[i+1:]...)
			return
		}
	}
}

func (d *Daemon) current() *peer {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.peers) == 0 {
		return nil
	}
	return d.peers[len(d.peers)-1]
}

// Send writes v as a JSON text frame to the most recent peer.
func (d *Daemon) Send(v any) error {
	p := d.current()
	if p == nil {
		return websocket.ErrCloseSent
	}
	return p.writeJSON(v)
}

// SendRaw writes data as a text frame to the most recent peer.
func (d *Daemon) SendRaw(data string) error {
	p := d.current()
	if p == nil {
		return websocket.ErrCloseSent
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.conn.WriteMessage(websocket.TextMessage, []byte(data))
}

// Notify sends a bare notification.
func (d *Daemon) Notify(method string, params any) error {
	return d.Send(map[string]any{"jsonrpc": "2.0", "method": method, "params": params})
}

// Envelope wraps payload in a stream envelope of the given type and sends it.
func (d *Daemon) Envelope(eventType string, payload any) error {
	return d.Send(map[string]any{
		"schema_version": 1,
		"event":          map[string]any{"type": eventType, "payload": payload},
	})
}

// CloseWith sends a close frame with code and reason, then drops the peer.
func (d *Daemon) CloseWith(code int, reason string) {
	p := d.current()
	if p == nil {
		return
	}
	msg := websocket.FormatCloseMessage(code, reason)
	_ = p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	time.Sleep(20 * time.Millisecond)
	_ = p.conn.Close()
}

// Drop closes the TCP connection of the most recent peer without a close frame.
func (d *Daemon) Drop() {
	if p := d.current(); p != nil {
		_ = p.conn.Close()
	}
}

// Received returns a copy of every frame the client wrote, in order.
func (d *Daemon) Received() []Frame {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Frame, len(d.received))
	copy(out, d.received)
	return out
}

// Methods returns the method of every received request or notification, in order.
func (d *Daemon) Methods() []string {
	var methods []string
	for _, f := range d.Received() {
		if f.Method != "" {
			methods = append(methods, f.Method)
		}
	}
	return methods
}

// Count returns how many frames for method have been received.
func (d *Daemon) Count(method string) int {
	n := 0
	for _, m := range d.Methods() {
		if m == method {
			n++
		}
	}
	return n
}

// Accepted returns how many WebSocket connections have been upgraded.
func (d *Daemon) Accepted() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.accepted
}

// WaitFor polls until cond holds or timeout elapses.
func WaitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
