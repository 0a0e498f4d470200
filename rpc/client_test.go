package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zhubert/crabbot-core/logger"
	"github.com/zhubert/crabbot-core/rpc/rpctest"
)

func TestMain(m *testing.M) {
	logger.Reset()
	logger.Init(os.DevNull)
	os.Exit(m.Run())
}

const waitTimeout = 3 * time.Second

// recorder is an Observer that forwards everything to buffered channels.
type recorder struct {
	statuses      chan StatusChange
	notifications chan Notification
	requests      chan ServerRequest
	decodeErrors  chan DecodeError
}

func newRecorder() *recorder {
	return &recorder{
		statuses:      make(chan StatusChange, 64),
		notifications: make(chan Notification, 64),
		requests:      make(chan ServerRequest, 64),
		decodeErrors:  make(chan DecodeError, 64),
	}
}

func (r *recorder) OnStatus(c StatusChange)         { r.statuses <- c }
func (r *recorder) OnNotification(n Notification)   { r.notifications <- n }
func (r *recorder) OnServerRequest(s ServerRequest) { r.requests <- s }
func (r *recorder) OnDecodeError(e DecodeError)     { r.decodeErrors <- e }

// waitStatus consumes status changes until want arrives.
func (r *recorder) waitStatus(t *testing.T, want Status) StatusChange {
	t.Helper()
	timeout := time.After(waitTimeout)
	for {
		select {
		case c := <-r.statuses:
			if c.Status == want {
				return c
			}
		case <-timeout:
			t.Fatalf("timed out waiting for status %q", want)
		}
	}
}

func connectedClient(t *testing.T, d *rpctest.Daemon) (*Client, *recorder) {
	t.Helper()
	rec := newRecorder()
	c := NewClient(Options{Label: "test", Observer: rec})
	t.Cleanup(c.Close)
	c.Connect(d.URL())
	rec.waitStatus(t, StatusConnected)
	return c, rec
}

func newDaemon(t *testing.T) *rpctest.Daemon {
	t.Helper()
	d := rpctest.NewDaemon()
	t.Cleanup(d.Close)
	return d
}

func TestClient_ConnectReportsConnectingThenConnected(t *testing.T) {
	d := newDaemon(t)
	rec := newRecorder()
	c := NewClient(Options{Observer: rec})
	defer c.Close()

	if c.Status() != StatusDisconnected {
		t.Errorf("initial status = %q, want disconnected", c.Status())
	}

	c.Connect(d.URL())
	first := <-rec.statuses
	if first.Status != StatusConnecting {
		t.Errorf("first status = %q, want connecting", first.Status)
	}
	rec.waitStatus(t, StatusConnected)

	if c.Status() != StatusConnected {
		t.Errorf("Status() = %q, want connected", c.Status())
	}
	if c.URL() != d.URL() {
		t.Errorf("URL() = %q, want %q", c.URL(), d.URL())
	}
}

func TestClient_SingleHandshakeForConcurrentRequests(t *testing.T) {
	d := newDaemon(t)
	c, _ := connectedClient(t, d)
	ctx := context.Background()

	if _, err := c.SendRequest(ctx, MethodInitialize, nil); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.SendRequest(ctx, MethodThreadList, map[string]any{})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("thread/list: %v", err)
		}
	}

	methods := d.Methods()
	if n := d.Count(MethodInitialize); n != 1 {
		t.Fatalf("initialize sent %d times, want 1 (methods %v)", n, methods)
	}
	if methods[0] != MethodInitialize {
		t.Errorf("first frame = %q, want initialize (methods %v)", methods[0], methods)
	}
	if d.Count(MethodThreadList) != 2 {
		t.Errorf("thread/list sent %d times, want 2", d.Count(MethodThreadList))
	}
}

func TestClient_ConcurrentRequestsOnFreshConnectionShareHandshake(t *testing.T) {
	d := newDaemon(t)
	c, _ := connectedClient(t, d)

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.SendRequest(context.Background(), MethodThreadList, nil); err != nil {
				t.Errorf("thread/list: %v", err)
			}
		}()
	}
	wg.Wait()

	methods := d.Methods()
	if d.Count(MethodInitialize) != 1 {
		t.Fatalf("initialize sent %d times, want 1 (methods %v)", d.Count(MethodInitialize), methods)
	}
	if methods[0] != MethodInitialize || methods[1] != MethodInitialized {
		t.Errorf("handshake should lead the stream, got %v", methods)
	}
}

func TestClient_HandshakeParams(t *testing.T) {
	d := newDaemon(t)
	c, _ := connectedClient(t, d)

	if _, err := c.SendRequest(context.Background(), MethodThreadList, nil); err != nil {
		t.Fatal(err)
	}

	var params InitializeParams
	if err := json.Unmarshal(d.Received()[0].Params, &params); err != nil {
		t.Fatalf("decode initialize params: %v", err)
	}
	if params.ClientInfo.Name != "crabbot_cli" || params.ClientInfo.Title == "" || params.ClientInfo.Version == "" {
		t.Errorf("unexpected clientInfo %+v", params.ClientInfo)
	}
	if !params.Capabilities.ExperimentalAPI {
		t.Error("experimentalApi should be true")
	}
	if len(params.Capabilities.OptOutNotificationMethods) != len(LegacyNotificationOptOuts) {
		t.Errorf("opt-out list has %d entries, want %d",
			len(params.Capabilities.OptOutNotificationMethods), len(LegacyNotificationOptOuts))
	}
}

func TestClient_HandshakeFailureRetriesOnNextRequest(t *testing.T) {
	d := newDaemon(t)
	var calls int
	var mu sync.Mutex
	d.Handle(MethodInitialize, func(json.RawMessage) (any, *rpctest.Error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return nil, &rpctest.Error{Code: -32000, Message: "not ready"}
		}
		return map[string]any{}, nil
	})
	c, _ := connectedClient(t, d)

	_, err := c.SendRequest(context.Background(), MethodThreadList, nil)
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Message != "not ready" {
		t.Fatalf("first request error = %v, want RPCError 'not ready'", err)
	}
	if d.Count(MethodThreadList) != 0 {
		t.Error("request should not be written when the handshake fails")
	}

	if _, err := c.SendRequest(context.Background(), MethodThreadList, nil); err != nil {
		t.Fatalf("second request: %v", err)
	}
	if d.Count(MethodInitialize) != 2 {
		t.Errorf("initialize sent %d times, want 2", d.Count(MethodInitialize))
	}
}

func TestClient_RequestIDsIncrease(t *testing.T) {
	d := newDaemon(t)
	c, _ := connectedClient(t, d)

	for range 3 {
		if _, err := c.SendRequest(context.Background(), MethodThreadList, nil); err != nil {
			t.Fatal(err)
		}
	}

	var last int64
	for _, f := range d.Received() {
		if !f.IsRequest() {
			continue
		}
		var id int64
		if err := json.Unmarshal(f.ID, &id); err != nil {
			t.Fatalf("request id %s is not an integer", f.ID)
		}
		if id <= last {
			t.Errorf("id %d does not increase after %d", id, last)
		}
		last = id
	}
}

func TestClient_RPCError(t *testing.T) {
	d := newDaemon(t)
	d.Handle(MethodThreadStart, func(json.RawMessage) (any, *rpctest.Error) {
		return nil, &rpctest.Error{Code: -32602, Message: "invalid approvalPolicy"}
	})
	c, _ := connectedClient(t, d)

	_, err := c.SendRequest(context.Background(), MethodThreadStart, map[string]any{"approvalPolicy": "on-request"})
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected *RPCError, got %v", err)
	}
	if rpcErr.Code != -32602 || rpcErr.Message != "invalid approvalPolicy" {
		t.Errorf("unexpected error %+v", rpcErr)
	}
}

func TestClient_ResultReturned(t *testing.T) {
	d := newDaemon(t)
	d.Handle(MethodThreadStart, func(json.RawMessage) (any, *rpctest.Error) {
		return map[string]any{"thread": map[string]any{"id": "th_1"}}, nil
	})
	c, _ := connectedClient(t, d)

	result, err := c.SendRequest(context.Background(), MethodThreadStart, nil)
	if err != nil {
		t.Fatal(err)
	}
	var got struct {
		Thread struct {
			ID string `json:"id"`
		} `json:"thread"`
	}
	if err := json.Unmarshal(result, &got); err != nil || got.Thread.ID != "th_1" {
		t.Errorf("result = %s, want thread.id th_1", result)
	}
}

func TestClient_DisconnectRejectsAllPending(t *testing.T) {
	d := newDaemon(t)
	d.Hold(MethodTurnStart)
	c, _ := connectedClient(t, d)

	const k = 3
	errs := make(chan error, k)
	for range k {
		go func() {
			_, err := c.SendRequest(context.Background(), MethodTurnStart, nil)
			errs <- err
		}()
	}

	if !rpctest.WaitFor(waitTimeout, func() bool { return d.Count(MethodTurnStart) == k }) {
		t.Fatalf("daemon saw %d turn/start, want %d", d.Count(MethodTurnStart), k)
	}
	if c.PendingCount() != k {
		t.Fatalf("PendingCount() = %d, want %d", c.PendingCount(), k)
	}

	c.Disconnect()

	for range k {
		select {
		case err := <-errs:
			if !errors.Is(err, ErrDisconnected) {
				t.Errorf("pending request error = %v, want ErrDisconnected", err)
			}
		case <-time.After(waitTimeout):
			t.Fatal("pending request was not rejected")
		}
	}
	if c.PendingCount() != 0 {
		t.Errorf("PendingCount() = %d after disconnect, want 0", c.PendingCount())
	}
	if c.Status() != StatusDisconnected {
		t.Errorf("Status() = %q, want disconnected", c.Status())
	}
}

func TestClient_ContextCancelForgetsPending(t *testing.T) {
	d := newDaemon(t)
	d.Hold(MethodTurnStart)
	c, _ := connectedClient(t, d)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.SendRequest(ctx, MethodTurnStart, nil)
		done <- err
	}()
	rpctest.WaitFor(waitTimeout, func() bool { return d.Count(MethodTurnStart) == 1 })
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
	if c.PendingCount() != 0 {
		t.Errorf("PendingCount() = %d, want 0", c.PendingCount())
	}
}

func TestClient_CloseStatus(t *testing.T) {
	tests := []struct {
		name        string
		close       func(d *rpctest.Daemon)
		wantStatus  Status
		wantMessage string
	}{
		{
			name:       "normal closure",
			close:      func(d *rpctest.Daemon) { d.CloseWith(1000, "") },
			wantStatus: StatusDisconnected,
		},
		{
			name:        "going away",
			close:       func(d *rpctest.Daemon) { d.CloseWith(1001, "restart") },
			wantStatus:  StatusError,
			wantMessage: "WebSocket closed abnormally (code=1001, reason=restart)",
		},
		{
			name:        "dropped without close frame",
			close:       func(d *rpctest.Daemon) { d.Drop() },
			wantStatus:  StatusError,
			wantMessage: "WebSocket closed abnormally (code=1006)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newDaemon(t)
			c, rec := connectedClient(t, d)

			tt.close(d)

			change := rec.waitStatus(t, tt.wantStatus)
			if change.Message != tt.wantMessage {
				t.Errorf("message = %q, want %q", change.Message, tt.wantMessage)
			}
			if tt.wantStatus == StatusError && change.Message == "" {
				t.Error("error status should carry a message")
			}
			if c.Status() != tt.wantStatus {
				t.Errorf("Status() = %q, want %q", c.Status(), tt.wantStatus)
			}
			if _, err := c.SendRequest(context.Background(), MethodThreadList, nil); !errors.Is(err, ErrNotConnected) {
				t.Errorf("SendRequest after close = %v, want ErrNotConnected", err)
			}
		})
	}
}

func TestClient_InboundFrames(t *testing.T) {
	d := newDaemon(t)
	c, rec := connectedClient(t, d)
	_ = c

	d.Envelope("notification", map[string]any{"method": "turn/started", "params": map[string]any{"turnId": "t1"}})
	d.Envelope("server_request", map[string]any{
		"request_id": map[string]any{"seq": 7},
		"method":     "item/commandExecution/requestApproval",
		"params":     map[string]any{"reason": "ls"},
	})
	d.Envelope("decode_error", map[string]any{"raw": "{bad", "message": "unexpected EOF"})
	d.SendRaw(`{"jsonrpc":"2.0","id":999,"result":{}}`)
	d.SendRaw(`not json`)
	d.SendRaw(`{"hello":"world"}`)
	d.Notify("item/agentMessage/delta", map[string]any{"delta": "hi"})

	select {
	case n := <-rec.notifications:
		if n.Method != "turn/started" {
			t.Errorf("first notification = %q, want turn/started", n.Method)
		}
	case <-time.After(waitTimeout):
		t.Fatal("no envelope notification")
	}

	select {
	case r := <-rec.requests:
		if r.Method != "item/commandExecution/requestApproval" {
			t.Errorf("server request method = %q", r.Method)
		}
		if string(r.RequestID) != `{"seq":7}` {
			t.Errorf("request id = %s, want the raw object", r.RequestID)
		}
	case <-time.After(waitTimeout):
		t.Fatal("no server request")
	}

	select {
	case e := <-rec.decodeErrors:
		if e.Message != "unexpected EOF" || e.Raw != "{bad" {
			t.Errorf("unexpected decode error %+v", e)
		}
	case <-time.After(waitTimeout):
		t.Fatal("no decode error")
	}

	select {
	case n := <-rec.notifications:
		if n.Method != "item/agentMessage/delta" {
			t.Errorf("bare notification = %q", n.Method)
		}
		if len(n.ID) != 0 {
			t.Errorf("bare notification without id should have empty ID, got %s", n.ID)
		}
	case <-time.After(waitTimeout):
		t.Fatal("no bare notification")
	}
}

func TestClient_SendResponseEchoesRawID(t *testing.T) {
	d := newDaemon(t)
	c, rec := connectedClient(t, d)

	d.Envelope("server_request", map[string]any{
		"request_id": "req-42",
		"method":     "execCommandApproval",
		"params":     map[string]any{},
	})
	var req ServerRequest
	select {
	case req = <-rec.requests:
	case <-time.After(waitTimeout):
		t.Fatal("no server request")
	}

	if err := c.SendResponse(req.RequestID, map[string]any{"decision": "approved"}); err != nil {
		t.Fatalf("SendResponse: %v", err)
	}

	if !rpctest.WaitFor(waitTimeout, func() bool {
		for _, f := range d.Received() {
			if len(f.Result) > 0 {
				return true
			}
		}
		return false
	}) {
		t.Fatal("daemon never received the response")
	}
	for _, f := range d.Received() {
		if len(f.Result) == 0 {
			continue
		}
		if string(f.ID) != `"req-42"` {
			t.Errorf("response id = %s, want \"req-42\"", f.ID)
		}
		if !strings.Contains(string(f.Result), `"approved"`) {
			t.Errorf("response result = %s", f.Result)
		}
	}
	if c.PendingCount() != 0 {
		t.Error("SendResponse must not touch the pending registry")
	}
}

func TestClient_NotConnected(t *testing.T) {
	c := NewClient(Options{})
	defer c.Close()

	if _, err := c.SendRequest(context.Background(), MethodThreadList, nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendRequest = %v, want ErrNotConnected", err)
	}
	if err := c.SendResponse(json.RawMessage("1"), map[string]any{}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendResponse = %v, want ErrNotConnected", err)
	}
	if err := c.Notify("initialized", nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Notify = %v, want ErrNotConnected", err)
	}
}

func TestClient_DialFailureReportsError(t *testing.T) {
	d := newDaemon(t)
	d.Refuse(true)

	rec := newRecorder()
	c := NewClient(Options{Observer: rec})
	defer c.Close()
	c.Connect(d.URL())

	change := rec.waitStatus(t, StatusError)
	if !strings.HasPrefix(change.Message, "WebSocket error") {
		t.Errorf("message = %q, want WebSocket error prefix", change.Message)
	}
	if _, err := c.SendRequest(context.Background(), MethodThreadList, nil); err == nil {
		t.Error("SendRequest should fail after a dial failure")
	}
}

func TestClient_OpenTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	c := NewClient(Options{OpenTimeout: 50 * time.Millisecond})
	defer c.Close()
	c.Connect("ws" + strings.TrimPrefix(srv.URL, "http"))

	_, err := c.SendRequest(context.Background(), MethodThreadList, nil)
	if !errors.Is(err, ErrOpenTimeout) {
		t.Errorf("SendRequest = %v, want ErrOpenTimeout", err)
	}
}

func TestClient_ReconnectReplacesSocket(t *testing.T) {
	d := newDaemon(t)
	c, rec := connectedClient(t, d)

	if _, err := c.SendRequest(context.Background(), MethodThreadList, nil); err != nil {
		t.Fatal(err)
	}

	c.Connect(d.URL())
	rec.waitStatus(t, StatusConnected)

	if _, err := c.SendRequest(context.Background(), MethodThreadList, nil); err != nil {
		t.Fatal(err)
	}
	if d.Accepted() != 2 {
		t.Errorf("daemon accepted %d connections, want 2", d.Accepted())
	}
	if d.Count(MethodInitialize) != 2 {
		t.Errorf("each socket should run its own handshake, got %d", d.Count(MethodInitialize))
	}
}
