package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zhubert/crabbot-core/logger"
)

// DefaultOpenTimeout bounds how long a request waits for a connecting socket.
const DefaultOpenTimeout = 10 * time.Second

const previewLimit = 300

// Options configures a Client.
type Options struct {
	// Label names the client in logs, usually the connection id.
	Label string
	// Observer receives status changes and inbound traffic. May be nil.
	Observer Observer
	// Handshake is sent as the initialize params. Zero value means DefaultInitializeParams.
	Handshake InitializeParams
	// OpenTimeout defaults to DefaultOpenTimeout.
	OpenTimeout time.Duration
	// Dialer defaults to a dialer with a 10s handshake timeout.
	Dialer *websocket.Dialer
}

type callResult struct {
	result json.RawMessage
	err    error
}

// socket is one generation of the connection. A Client replaces it on
// every Connect; callbacks from a replaced socket are ignored.
type socket struct {
	conn    *websocket.Conn // set before opened is closed
	opened  chan struct{}
	closed  chan struct{}
	cancel  context.CancelFunc
	writeMu sync.Mutex
	hs      handshake
}

// Client is a JSON-RPC client for one daemon endpoint.
// Thread-safe.
type Client struct {
	label       string
	observer    Observer
	handshake   InitializeParams
	openTimeout time.Duration
	dialer      *websocket.Dialer
	log         *slog.Logger
	events      *dispatcher

	mu      sync.Mutex
	sock    *socket
	status  Status
	url     string
	nextID  int64
	pending map[int64]chan callResult
}

// NewClient creates a Client. Call Connect to open a socket.
func NewClient(opts Options) *Client {
	if opts.Observer == nil {
		opts.Observer = ObserverFuncs{}
	}
	if opts.Handshake.ClientInfo.Name == "" {
		opts.Handshake = DefaultInitializeParams()
	}
	if opts.Handshake.Capabilities.OptOutNotificationMethods == nil {
		opts.Handshake.Capabilities.OptOutNotificationMethods = []string{}
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = DefaultOpenTimeout
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: 10 * time.Second,
		}
	}
	if opts.Label == "" {
		opts.Label = "daemon-rpc"
	}

	return &Client{
		label:       opts.Label,
		observer:    opts.Observer,
		handshake:   opts.Handshake,
		openTimeout: opts.OpenTimeout,
		dialer:      opts.Dialer,
		log:         logger.WithConnection(opts.Label).With("component", "rpc"),
		events:      newDispatcher(),
		status:      StatusDisconnected,
		pending:     make(map[int64]chan callResult),
	}
}

// Status returns the current socket status.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// URL returns the endpoint of the last Connect.
func (c *Client) URL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.url
}

// PendingCount returns the number of requests awaiting a response.
func (c *Client) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Connect tears down any existing socket and dials url in the background.
// Progress is reported through Observer.OnStatus.
func (c *Client) Connect(url string) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &socket{
		opened: make(chan struct{}),
		closed: make(chan struct{}),
		cancel: cancel,
	}

	c.mu.Lock()
	old, oldConn := c.detachLocked()
	c.sock = s
	c.url = url
	c.setStatusLocked(StatusConnecting, "")
	c.mu.Unlock()

	if old != nil {
		old.shutdown(oldConn)
	}

	c.log.Debug("connect", "url", url)
	go c.run(ctx, s, url)
}

// Disconnect closes the socket with a normal closure, fails every pending
// request with ErrDisconnected and reports StatusDisconnected.
func (c *Client) Disconnect() {
	c.mu.Lock()
	old, oldConn := c.detachLocked()
	c.setStatusLocked(StatusDisconnected, "")
	c.mu.Unlock()

	if old != nil {
		old.shutdown(oldConn)
	}
	c.log.Debug("disconnect")
}

// Close disconnects and stops observer delivery once queued callbacks drain.
func (c *Client) Close() {
	c.Disconnect()
	c.events.close()
}

// detachLocked drops the current socket and fails everything waiting on it.
// Caller must hold mu and call shutdown on the returned socket afterwards.
func (c *Client) detachLocked() (*socket, *websocket.Conn) {
	s := c.sock
	c.sock = nil
	c.rejectPendingLocked()
	if s == nil {
		return nil, nil
	}
	close(s.closed)
	return s, s.conn
}

func (c *Client) rejectPendingLocked() {
	for id, ch := range c.pending {
		ch <- callResult{err: ErrDisconnected}
		delete(c.pending, id)
	}
}

// shutdown aborts a dial in progress or closes an open connection with 1000.
func (s *socket) shutdown(conn *websocket.Conn) {
	s.cancel()
	if conn == nil {
		return
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = conn.Close()
}

// setStatusLocked records and publishes a status change. Caller must hold mu.
func (c *Client) setStatusLocked(status Status, message string) {
	c.status = status
	change := StatusChange{Status: status, Message: message}
	c.events.push(func() { c.observer.OnStatus(change) })
}

// run dials and then reads until the socket goes away.
func (c *Client) run(ctx context.Context, s *socket, url string) {
	conn, _, err := c.dialer.DialContext(ctx, url, nil)

	c.mu.Lock()
	if c.sock != s {
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		c.sock = nil
		close(s.closed)
		c.rejectPendingLocked()
		c.setStatusLocked(StatusError, fmt.Sprintf("WebSocket error: %v", err))
		c.mu.Unlock()
		c.log.Warn("dial failed", "url", url, "error", err)
		return
	}
	s.conn = conn
	close(s.opened)
	c.setStatusLocked(StatusConnected, "")
	c.mu.Unlock()

	c.log.Info("connected", "url", url)
	c.readLoop(s)
}

func (c *Client) readLoop(s *socket) {
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			c.handleClose(s, err)
			return
		}
		if msgType != websocket.TextMessage {
			c.log.Debug("recv-non-text", "type", msgType, "size", len(data))
			continue
		}
		c.log.Debug("recv", "size", len(data), "preview", preview(data))
		c.handleFrame(s, data)
	}
}

// handleClose maps the read error to a status. A close frame with 1000 is
// a clean disconnect; everything else is an abnormal close.
func (c *Client) handleClose(s *socket, err error) {
	status, message := StatusDisconnected, ""
	var closeErr *websocket.CloseError
	switch {
	case errors.As(err, &closeErr) && closeErr.Code == websocket.CloseNormalClosure:
	case errors.As(err, &closeErr) && closeErr.Code != websocket.CloseAbnormalClosure:
		status, message = StatusError, abnormalCloseMessage(closeErr.Code, closeErr.Text)
	default:
		status, message = StatusError, abnormalCloseMessage(websocket.CloseAbnormalClosure, "")
	}

	c.mu.Lock()
	if c.sock != s {
		c.mu.Unlock()
		return
	}
	c.sock = nil
	close(s.closed)
	c.rejectPendingLocked()
	c.setStatusLocked(status, message)
	c.mu.Unlock()

	_ = s.conn.Close()
	c.log.Info("closed", "status", status, "error", err)
}

func abnormalCloseMessage(code int, reason string) string {
	if reason == "" {
		return fmt.Sprintf("WebSocket closed abnormally (code=%d)", code)
	}
	return fmt.Sprintf("WebSocket closed abnormally (code=%d, reason=%s)", code, reason)
}

func (c *Client) handleFrame(s *socket, data []byte) {
	f, err := classifyFrame(data)
	if err != nil {
		c.log.Debug("dropping unparseable frame", "error", err, "preview", preview(data))
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sock != s {
		return
	}

	switch f.kind {
	case frameResponse:
		ch, ok := c.pending[f.responseID]
		if !ok {
			c.log.Debug("dropping response with no pending request", "id", f.responseID)
			return
		}
		delete(c.pending, f.responseID)
		if f.rpcErr != nil {
			ch <- callResult{err: f.rpcErr}
		} else {
			ch <- callResult{result: f.result}
		}
	case frameNotification:
		n := f.notification
		c.events.push(func() { c.observer.OnNotification(n) })
	case frameServerRequest:
		r := f.request
		c.events.push(func() { c.observer.OnServerRequest(r) })
	case frameDecodeError:
		de := f.decodeErr
		c.events.push(func() { c.observer.OnDecodeError(de) })
	default:
		c.log.Debug("dropping unrecognized frame", "preview", preview(data))
	}
}

// SendRequest sends method and waits for its response. Every method except
// initialize waits for the handshake first. Cancelling ctx abandons the
// wait and forgets the pending entry.
func (c *Client) SendRequest(ctx context.Context, method string, params any) (json.RawMessage, error) {
	s, err := c.waitUntilOpen(ctx)
	if err != nil {
		return nil, err
	}

	if method == MethodInitialize {
		return c.initialize(ctx, s, params)
	}
	if _, err := c.initialize(ctx, s, nil); err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}
	return c.call(ctx, s, method, params)
}

// waitUntilOpen returns the current socket once it is open.
func (c *Client) waitUntilOpen(ctx context.Context) (*socket, error) {
	c.mu.Lock()
	s := c.sock
	c.mu.Unlock()
	if s == nil {
		return nil, ErrNotConnected
	}

	select {
	case <-s.opened:
	default:
		timer := time.NewTimer(c.openTimeout)
		defer timer.Stop()
		select {
		case <-s.opened:
		case <-s.closed:
			return nil, ErrClosedBeforeOpen
		case <-timer.C:
			return nil, ErrOpenTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	select {
	case <-s.closed:
		return nil, ErrNotConnected
	default:
		return s, nil
	}
}

// initialize joins the socket's handshake. The leader runs it on its own
// goroutine so that one caller giving up does not fail the others.
// params overrides the configured handshake when non-nil.
func (c *Client) initialize(ctx context.Context, s *socket, params any) (json.RawMessage, error) {
	f, leader := s.hs.join()
	if f == nil {
		return s.hs.initializeResult(), nil
	}
	if leader {
		if params == nil {
			params = c.handshake
		}
		go c.runHandshake(s, f, params)
	}

	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) runHandshake(s *socket, f *flight, params any) {
	result, err := c.call(context.Background(), s, MethodInitialize, params)
	if err == nil {
		err = c.write(s, notification{JSONRPC: jsonrpcVersion, Method: MethodInitialized, Params: struct{}{}})
	}
	if err != nil {
		c.log.Warn("initialize failed", "error", err)
	} else {
		c.log.Debug("initialized", "result", preview(result))
	}
	s.hs.finish(f, result, err)
}

// call registers a pending entry, writes the request and waits.
func (c *Client) call(ctx context.Context, s *socket, method string, params any) (json.RawMessage, error) {
	if params == nil {
		params = struct{}{}
	}
	ch := make(chan callResult, 1)

	c.mu.Lock()
	if c.sock != s {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.nextID++
	id := c.nextID
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.write(s, request{JSONRPC: jsonrpcVersion, ID: id, Method: method, Params: params}); err != nil {
		c.forget(id)
		return nil, err
	}

	select {
	case r := <-ch:
		return r.result, r.err
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	}
}

func (c *Client) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// SendResponse answers a server request. requestID is echoed verbatim.
func (c *Client) SendResponse(requestID json.RawMessage, result any) error {
	s, err := c.openSocket()
	if err != nil {
		return err
	}
	if len(requestID) == 0 {
		requestID = json.RawMessage("null")
	}
	return c.write(s, response{JSONRPC: jsonrpcVersion, ID: requestID, Result: result})
}

// Notify sends a notification without waiting for anything.
func (c *Client) Notify(method string, params any) error {
	s, err := c.openSocket()
	if err != nil {
		return err
	}
	if params == nil {
		params = struct{}{}
	}
	return c.write(s, notification{JSONRPC: jsonrpcVersion, Method: method, Params: params})
}

// openSocket returns the current socket if it is open right now.
func (c *Client) openSocket() (*socket, error) {
	c.mu.Lock()
	s := c.sock
	c.mu.Unlock()
	if s == nil {
		return nil, ErrNotConnected
	}
	select {
	case <-s.opened:
		return s, nil
	default:
		return nil, ErrNotConnected
	}
}

func (c *Client) write(s *socket, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	c.log.Debug("send", "size", len(data), "preview", preview(data))

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func preview(data []byte) string {
	if len(data) > previewLimit {
		return string(data[:previewLimit])
	}
	return string(data)
}
