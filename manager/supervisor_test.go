package manager

import (
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/zhubert/crabbot-core/config"
	"github.com/zhubert/crabbot-core/logger"
	"github.com/zhubert/crabbot-core/rpc"
	"github.com/zhubert/crabbot-core/rpc/rpctest"
	"github.com/zhubert/crabbot-core/state"
	"github.com/zhubert/crabbot-core/store"
	"github.com/zhubert/crabbot-core/transcript"
)

func TestMain(m *testing.M) {
	logger.Reset()
	logger.Init(os.DevNull)
	os.Exit(m.Run())
}

const waitTimeout = 3 * time.Second

// testConfig is a SupervisorConfig with short delays.
type testConfig struct {
	base, limit time.Duration
	auto        bool
	notify      bool
	listLimit   int
}

func defaultTestConfig() *testConfig {
	return &testConfig{base: 20 * time.Millisecond, limit: 100 * time.Millisecond, auto: true, notify: true, listLimit: 50}
}

func (c *testConfig) GetClient() config.ClientConfig {
	return config.ClientConfig{Name: "crabbot_test", Title: "Crabbot Test", Version: "0.0.1"}
}
func (c *testConfig) GetOpenTimeout() time.Duration { return 2 * time.Second }
func (c *testConfig) GetExperimentalAPI() bool      { return true }
func (c *testConfig) GetReconnectDelays() (time.Duration, time.Duration) {
	return c.base, c.limit
}
func (c *testConfig) GetAutoReconnect() bool      { return c.auto }
func (c *testConfig) GetApprovalPolicy() string   { return "on-request" }
func (c *testConfig) GetListLimit() int           { return c.listLimit }
func (c *testConfig) GetNotifyOnCompletion() bool { return c.notify }

// recordingSink keeps every notification it receives.
type recordingSink struct {
	mu      sync.Mutex
	notices []recordedNotice
}

type recordedNotice struct {
	title, body string
	metadata    map[string]string
}

func (r *recordingSink) Notify(title, body string, metadata map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, recordedNotice{title: title, body: body, metadata: metadata})
}

func (r *recordingSink) all() []recordedNotice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedNotice(nil), r.notices...)
}

func newDaemon(t *testing.T) *rpctest.Daemon {
	t.Helper()
	d := rpctest.NewDaemon()
	t.Cleanup(d.Close)
	return d
}

func newSupervisor(t *testing.T, cfg *testConfig, opts Options) *Supervisor {
	t.Helper()
	if opts.Jitter == nil {
		opts.Jitter = func() float64 { return 0.5 }
	}
	s := New(cfg, opts)
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func waitConnStatus(t *testing.T, s *Supervisor, id string, want rpc.Status) {
	t.Helper()
	ok := rpctest.WaitFor(waitTimeout, func() bool {
		conn, found := s.Connection(id)
		return found && conn.Status == want
	})
	if !ok {
		conn, _ := s.Connection(id)
		t.Fatalf("connection status = %q, want %q", conn.Status, want)
	}
}

// connected adds a connection to d and waits until it is open.
func connected(t *testing.T, s *Supervisor, d *rpctest.Daemon) string {
	t.Helper()
	conn, err := s.AddConnection("test", d.URL())
	if err != nil {
		t.Fatalf("AddConnection failed: %v", err)
	}
	if err := s.Connect(conn.ID); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	waitConnStatus(t, s, conn.ID, rpc.StatusConnected)
	return conn.ID
}

func TestSupervisor_AddConnectionValidatesURL(t *testing.T) {
	s := newSupervisor(t, defaultTestConfig(), Options{})

	for _, raw := range []string{"http://localhost:1", "ws://", "::bad"} {
		if _, err := s.AddConnection("bad", raw); err == nil {
			t.Errorf("AddConnection(%q) should fail", raw)
		}
	}

	conn, err := s.AddConnection("", "ws://127.0.0.1:4500")
	if err != nil {
		t.Fatalf("AddConnection failed: %v", err)
	}
	if conn.Name != "ws://127.0.0.1:4500" {
		t.Errorf("Name = %q, want the URL", conn.Name)
	}
	if conn.Status != rpc.StatusDisconnected {
		t.Errorf("Status = %q, want disconnected", conn.Status)
	}
}

func TestSupervisor_ConnectRecordsStatus(t *testing.T) {
	d := newDaemon(t)
	s := newSupervisor(t, defaultTestConfig(), Options{})

	id := connected(t, s, d)

	conn, _ := s.Connection(id)
	if conn.LastConnectedAt.IsZero() {
		t.Error("LastConnectedAt should be set after connecting")
	}
	if conn.Error != "" {
		t.Errorf("Error = %q, want empty", conn.Error)
	}
}

func TestSupervisor_UnknownConnection(t *testing.T) {
	s := newSupervisor(t, defaultTestConfig(), Options{})

	if err := s.Connect("missing"); !errors.Is(err, ErrUnknownConnection) {
		t.Errorf("Connect error = %v, want ErrUnknownConnection", err)
	}
	if err := s.RemoveConnection("missing"); !errors.Is(err, ErrUnknownConnection) {
		t.Errorf("RemoveConnection error = %v, want ErrUnknownConnection", err)
	}
}

func TestSupervisor_ReconnectsAfterDrop(t *testing.T) {
	d := newDaemon(t)
	s := newSupervisor(t, defaultTestConfig(), Options{})
	id := connected(t, s, d)

	d.Drop()

	if !rpctest.WaitFor(waitTimeout, func() bool { return d.Accepted() >= 2 }) {
		t.Fatal("supervisor did not reconnect after the socket dropped")
	}
	waitConnStatus(t, s, id, rpc.StatusConnected)
}

func TestSupervisor_NoReconnectWhenDisabled(t *testing.T) {
	d := newDaemon(t)
	cfg := defaultTestConfig()
	cfg.auto = false
	s := newSupervisor(t, cfg, Options{})
	id := connected(t, s, d)

	d.Drop()
	waitConnStatus(t, s, id, rpc.StatusError)
	time.Sleep(150 * time.Millisecond)

	if s.pendingReconnect(id) {
		t.Error("no reconnect should be scheduled with auto-reconnect off")
	}
	if got := d.Accepted(); got != 1 {
		t.Errorf("Accepted = %d, want 1", got)
	}
}

func TestSupervisor_DisconnectCancelsReconnect(t *testing.T) {
	d := newDaemon(t)
	cfg := defaultTestConfig()
	cfg.base, cfg.limit = 300*time.Millisecond, 300*time.Millisecond
	s := newSupervisor(t, cfg, Options{})
	id := connected(t, s, d)

	d.Drop()
	if !rpctest.WaitFor(waitTimeout, func() bool { return s.pendingReconnect(id) }) {
		t.Fatal("reconnect was not scheduled")
	}
	if err := s.Disconnect(id); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	if s.pendingReconnect(id) {
		t.Error("Disconnect should cancel the pending reconnect")
	}

	time.Sleep(500 * time.Millisecond)
	if got := d.Accepted(); got != 1 {
		t.Errorf("Accepted = %d, want 1 (no reconnect after Disconnect)", got)
	}
	waitConnStatus(t, s, id, rpc.StatusDisconnected)
}

func TestSupervisor_OnDemandDialKeepsReconnectOff(t *testing.T) {
	d := newDaemon(t)
	s := newSupervisor(t, defaultTestConfig(), Options{})
	id := connected(t, s, d)

	if err := s.Disconnect(id); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	waitConnStatus(t, s, id, rpc.StatusDisconnected)

	if _, err := s.DiscoverSessions(t.Context(), id); err != nil {
		t.Fatalf("DiscoverSessions failed: %v", err)
	}
	waitConnStatus(t, s, id, rpc.StatusConnected)
	if got := d.Accepted(); got != 2 {
		t.Fatalf("Accepted = %d, want 2", got)
	}

	d.Drop()
	waitConnStatus(t, s, id, rpc.StatusError)
	time.Sleep(200 * time.Millisecond)

	if s.pendingReconnect(id) {
		t.Error("no reconnect should be scheduled after an explicit Disconnect")
	}
	if got := d.Accepted(); got != 2 {
		t.Errorf("Accepted = %d, want 2 (no reconnect)", got)
	}
}

func TestSupervisor_RemoveConnectionCancelsReconnect(t *testing.T) {
	d := newDaemon(t)
	cfg := defaultTestConfig()
	cfg.base, cfg.limit = 300*time.Millisecond, 300*time.Millisecond
	s := newSupervisor(t, cfg, Options{})
	id := connected(t, s, d)
	d.Handle(rpc.MethodThreadStart, func(json.RawMessage) (any, *rpctest.Error) {
		return map[string]any{"thread": map[string]any{"id": "thr-1"}}, nil
	})
	sess, err := s.CreateSession(t.Context(), id)
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	d.Drop()
	if !rpctest.WaitFor(waitTimeout, func() bool { return s.pendingReconnect(id) }) {
		t.Fatal("reconnect was not scheduled")
	}
	if err := s.RemoveConnection(id); err != nil {
		t.Fatalf("RemoveConnection failed: %v", err)
	}

	time.Sleep(500 * time.Millisecond)
	if got := d.Accepted(); got != 1 {
		t.Errorf("Accepted = %d, want 1 (no reconnect after removal)", got)
	}
	if _, ok := s.Connection(id); ok {
		t.Error("connection should be gone")
	}
	if _, ok := s.Session(sess.ID); ok {
		t.Error("sessions of a removed connection should be gone")
	}
}

func TestSupervisor_RetriesRefusedDial(t *testing.T) {
	d := newDaemon(t)
	d.Refuse(true)
	s := newSupervisor(t, defaultTestConfig(), Options{})

	conn, err := s.AddConnection("test", d.URL())
	if err != nil {
		t.Fatalf("AddConnection failed: %v", err)
	}
	if err := s.Connect(conn.ID); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	waitConnStatus(t, s, conn.ID, rpc.StatusError)

	d.Refuse(false)
	waitConnStatus(t, s, conn.ID, rpc.StatusConnected)
}

func TestSupervisor_SetAutoReconnectSchedulesForFailedConnection(t *testing.T) {
	d := newDaemon(t)
	cfg := defaultTestConfig()
	cfg.auto = false
	s := newSupervisor(t, cfg, Options{})
	id := connected(t, s, d)

	d.Drop()
	waitConnStatus(t, s, id, rpc.StatusError)

	if err := s.SetAutoReconnect(id, true); err != nil {
		t.Fatalf("SetAutoReconnect failed: %v", err)
	}
	waitConnStatus(t, s, id, rpc.StatusConnected)
	if got := d.Accepted(); got != 2 {
		t.Errorf("Accepted = %d, want 2", got)
	}
}

func TestSupervisor_FlushWritesImmediately(t *testing.T) {
	st := store.NewMemoryStore()
	s := newSupervisor(t, defaultTestConfig(), Options{Store: st})

	conn, err := s.AddConnection("laptop", "ws://127.0.0.1:4500")
	if err != nil {
		t.Fatalf("AddConnection failed: %v", err)
	}
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	snap, err := st.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if snap == nil || snap.ConnectionIndex(conn.ID) < 0 {
		t.Errorf("flushed snapshot is missing connection %s", conn.ID)
	}
}

func TestSupervisor_PersistsAcrossRestart(t *testing.T) {
	d := newDaemon(t)
	d.Handle(rpc.MethodThreadStart, func(json.RawMessage) (any, *rpctest.Error) {
		return map[string]any{"thread": map[string]any{"id": "thr-1"}}, nil
	})
	st := store.NewMemoryStore()

	first := New(defaultTestConfig(), Options{Store: st})
	if err := first.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	id := connected(t, first, d)
	sess, err := first.CreateSession(t.Context(), id)
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	second := newSupervisor(t, defaultTestConfig(), Options{Store: st})

	conn, ok := second.Connection(id)
	if !ok {
		t.Fatal("connection not restored")
	}
	if conn.Status != rpc.StatusDisconnected {
		t.Errorf("restored Status = %q, want disconnected", conn.Status)
	}
	got, ok := second.Session(sess.ID)
	if !ok {
		t.Fatal("session not restored")
	}
	if got.ThreadID != "thr-1" {
		t.Errorf("ThreadID = %q, want thr-1", got.ThreadID)
	}
	if active, _ := second.Directory().ActiveSession(id); active != sess.ID {
		t.Errorf("active session = %q, want %q", active, sess.ID)
	}

	// The restored connection dials on demand.
	if err := second.Connect(id); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	waitConnStatus(t, second, id, rpc.StatusConnected)
}

func TestSupervisor_StartResetsRunningSessions(t *testing.T) {
	st := store.NewMemoryStore()
	snap := state.NewSnapshot()
	snap.Connections = []state.Connection{{ID: "c1", Name: "c1", URL: "ws://127.0.0.1:1", Status: rpc.StatusConnected}}
	snap.Sessions = []state.Session{{ID: "s1", ConnectionID: "c1", ThreadID: "thr", State: transcript.StateRunning}}
	if err := st.Save(snap); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	s := newSupervisor(t, defaultTestConfig(), Options{Store: st})

	sess, _ := s.Session("s1")
	if sess.State != transcript.StateIdle {
		t.Errorf("State = %q, want idle", sess.State)
	}
	conn, _ := s.Connection("c1")
	if conn.Status != rpc.StatusDisconnected {
		t.Errorf("Status = %q, want disconnected", conn.Status)
	}
}

func TestSupervisor_CloseRejectsFurtherCalls(t *testing.T) {
	s := New(defaultTestConfig(), Options{})
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
	if _, err := s.AddConnection("x", "ws://127.0.0.1:1"); !errors.Is(err, ErrClosed) {
		t.Errorf("AddConnection after Close = %v, want ErrClosed", err)
	}
}

func TestSupervisor_Subscribe(t *testing.T) {
	s := newSupervisor(t, defaultTestConfig(), Options{})
	changes, cancel := s.Subscribe()
	defer cancel()

	conn, err := s.AddConnection("test", "ws://127.0.0.1:1")
	if err != nil {
		t.Fatalf("AddConnection failed: %v", err)
	}

	select {
	case ch := <-changes:
		if ch.Kind != ChangeConnection || ch.ConnectionID != conn.ID {
			t.Errorf("change = %+v, want connection change for %s", ch, conn.ID)
		}
	case <-time.After(waitTimeout):
		t.Fatal("no change published")
	}

	cancel()
	if _, ok := <-changes; ok {
		t.Error("channel should be closed after cancel")
	}
}
