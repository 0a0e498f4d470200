package manager

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/zhubert/crabbot-core/config"
	"github.com/zhubert/crabbot-core/logger"
	"github.com/zhubert/crabbot-core/notify"
	"github.com/zhubert/crabbot-core/rpc"
	"github.com/zhubert/crabbot-core/state"
	"github.com/zhubert/crabbot-core/store"
	"github.com/zhubert/crabbot-core/transcript"
)

// Compile-time interface satisfaction check.
var _ SupervisorConfig = (*config.Config)(nil)

// SupervisorConfig defines the settings the Supervisor reads.
//
// *config.Config satisfies this interface implicitly.
type SupervisorConfig interface {
	GetClient() config.ClientConfig
	GetOpenTimeout() time.Duration
	GetExperimentalAPI() bool
	GetReconnectDelays() (base, max time.Duration)
	GetAutoReconnect() bool
	GetApprovalPolicy() string
	GetListLimit() int
	GetNotifyOnCompletion() bool
}

// Options holds the collaborators of a Supervisor. Every field is optional.
type Options struct {
	// Store persists the directory. Nil disables persistence.
	Store store.Store
	// Sink receives turn-completion and approval notices.
	Sink notify.Sink
	// Reducer folds events into transcripts. Zero value means NewReducer.
	Reducer transcript.Reducer
	// Dialer is passed to every rpc.Client.
	Dialer *websocket.Dialer
	// Jitter returns a value in [0, 1) used to spread reconnect delays.
	Jitter func() float64
	// SaveDelay coalesces saves; defaults to DefaultSaveDelay.
	SaveDelay time.Duration
	// Now is the clock for directory timestamps.
	Now func() time.Time
}

// connEntry is the runtime side of one connection: its client, its
// approval registry and its reconnect state.
type connEntry struct {
	id        string
	client    *rpc.Client
	approvals *transcript.ApprovalRegistry

	// Guarded by Supervisor.mu.
	autoReconnect bool
	attempts      int
	timer         *time.Timer
	timerGen      uint64
	removed       bool
}

// Supervisor owns one rpc.Client per connection, routes their events into
// session transcripts and runs the reconnect policy.
// Thread-safe.
type Supervisor struct {
	cfg     SupervisorConfig
	dir     *state.Directory
	store   store.Store
	sink    notify.Sink
	reducer transcript.Reducer
	dialer  *websocket.Dialer
	jitter  func() float64
	now     func() time.Time
	saver   *saver
	log     *slog.Logger

	mu     sync.Mutex
	conns  map[string]*connEntry
	closed bool

	subMu sync.Mutex
	subs  map[int]chan Change
	subID int
}

// New creates a Supervisor. Call Start to load the persisted directory.
func New(cfg SupervisorConfig, opts Options) *Supervisor {
	if opts.Sink == nil {
		opts.Sink = notify.Nop{}
	}
	if opts.Reducer.Now == nil && opts.Reducer.NewID == nil {
		opts.Reducer = transcript.NewReducer()
	}
	if opts.Jitter == nil {
		opts.Jitter = rand.Float64
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Supervisor{
		cfg:     cfg,
		store:   opts.Store,
		sink:    opts.Sink,
		reducer: opts.Reducer,
		dialer:  opts.Dialer,
		jitter:  opts.Jitter,
		now:     opts.Now,
		log:     logger.WithComponent("supervisor"),
		conns:   make(map[string]*connEntry),
		subs:    make(map[int]chan Change),
	}
	s.saver = newSaver(opts.Store, opts.SaveDelay, s.snapshotForSave)
	s.dir = state.NewDirectory(s.saver.schedule)
	return s
}

// Start loads the persisted directory. Loaded connections start
// disconnected; nothing is dialed until Connect.
func (s *Supervisor) Start() error {
	if s.store == nil {
		return nil
	}
	snap, err := s.store.Load()
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	if snap == nil {
		return nil
	}
	for i := range snap.Connections {
		snap.Connections[i].Status = rpc.StatusDisconnected
		snap.Connections[i].Error = ""
	}
	for i := range snap.Sessions {
		if snap.Sessions[i].State == transcript.StateRunning {
			snap.Sessions[i].State = transcript.StateIdle
		}
	}
	s.dir.Load(snap)

	s.mu.Lock()
	for _, c := range snap.Connections {
		s.conns[c.ID] = s.newEntryLocked(c.ID)
	}
	s.mu.Unlock()
	s.log.Info("loaded state", "connections", len(snap.Connections), "sessions", len(snap.Sessions))
	return nil
}

// Close stops reconnect timers, disconnects every client and flushes the
// directory to the store.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	entries := make([]*connEntry, 0, len(s.conns))
	for _, c := range s.conns {
		c.autoReconnect = false
		s.stopTimerLocked(c)
		entries = append(entries, c)
	}
	s.mu.Unlock()

	for _, c := range entries {
		c.client.Close()
	}

	s.subMu.Lock()
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
	s.subMu.Unlock()

	err := s.saver.close()
	if s.store != nil {
		if cerr := s.store.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Directory exposes the guarded directory for read access.
func (s *Supervisor) Directory() *state.Directory {
	return s.dir
}

// Snapshot returns a copy of the whole directory.
func (s *Supervisor) Snapshot() *state.Snapshot {
	return s.dir.Snapshot()
}

func (s *Supervisor) snapshotForSave() *state.Snapshot {
	return s.dir.Snapshot()
}

// Subscribe returns a channel of directory changes and a function that
// ends the subscription. Slow subscribers miss changes rather than block.
func (s *Supervisor) Subscribe() (<-chan Change, func()) {
	ch := make(chan Change, 64)
	s.subMu.Lock()
	id := s.subID
	s.subID++
	s.subs[id] = ch
	s.subMu.Unlock()

	return ch, func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if c, ok := s.subs[id]; ok {
			close(c)
			delete(s.subs, id)
		}
	}
}

func (s *Supervisor) publish(ch Change) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, sub := range s.subs {
		select {
		case sub <- ch:
		default:
		}
	}
}

// newEntryLocked creates the client of a connection. Caller must hold mu.
func (s *Supervisor) newEntryLocked(id string) *connEntry {
	c := &connEntry{id: id, approvals: transcript.NewApprovalRegistry()}
	client := s.cfg.GetClient()
	c.client = rpc.NewClient(rpc.Options{
		Label:    id,
		Observer: &connObserver{s: s, c: c},
		Handshake: rpc.InitializeParams{
			ClientInfo: rpc.ClientInfo{Name: client.Name, Title: client.Title, Version: client.Version},
			Capabilities: rpc.Capabilities{
				ExperimentalAPI:           s.cfg.GetExperimentalAPI(),
				OptOutNotificationMethods: rpc.LegacyNotificationOptOuts,
			},
		},
		OpenTimeout: s.cfg.GetOpenTimeout(),
		Dialer:      s.dialer,
	})
	return c
}

func (s *Supervisor) entry(id string) (*connEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	c, ok := s.conns[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConnection, id)
	}
	return c, nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", raw, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid url %q: scheme must be ws or wss", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid url %q: missing host", raw)
	}
	return nil
}

// AddConnection registers a daemon endpoint. It does not dial.
func (s *Supervisor) AddConnection(name, rawURL string) (state.Connection, error) {
	if err := validateURL(rawURL); err != nil {
		return state.Connection{}, err
	}
	conn := state.Connection{
		ID:        uuid.NewString(),
		Name:      name,
		URL:       rawURL,
		Status:    rpc.StatusDisconnected,
		CreatedAt: s.now(),
	}
	if conn.Name == "" {
		conn.Name = rawURL
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return state.Connection{}, ErrClosed
	}
	s.conns[conn.ID] = s.newEntryLocked(conn.ID)
	s.mu.Unlock()

	s.dir.AddConnection(conn)
	s.log.Info("connection added", "connectionID", conn.ID, "url", rawURL)
	s.publish(Change{Kind: ChangeConnection, ConnectionID: conn.ID})
	return conn, nil
}

// UpdateConnection renames a connection or points it at a new URL. A live
// connection is redialed when its URL changes.
func (s *Supervisor) UpdateConnection(id, name, rawURL string) error {
	if err := validateURL(rawURL); err != nil {
		return err
	}
	c, err := s.entry(id)
	if err != nil {
		return err
	}
	var oldURL string
	s.dir.UpdateConnection(id, func(conn *state.Connection) {
		oldURL = conn.URL
		if name != "" {
			conn.Name = name
		}
		conn.URL = rawURL
	})
	if oldURL != rawURL {
		switch c.client.Status() {
		case rpc.StatusConnected, rpc.StatusConnecting:
			c.client.Connect(rawURL)
		}
	}
	s.publish(Change{Kind: ChangeConnection, ConnectionID: id})
	return nil
}

// RemoveConnection disconnects a connection and deletes it with all of its
// sessions. No reconnect fires afterwards.
func (s *Supervisor) RemoveConnection(id string) error {
	s.mu.Lock()
	c, ok := s.conns[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownConnection, id)
	}
	c.autoReconnect = false
	c.removed = true
	s.stopTimerLocked(c)
	delete(s.conns, id)
	s.mu.Unlock()

	c.client.Close()
	removed, _ := s.dir.RemoveConnection(id)
	s.log.Info("connection removed", "connectionID", id, "sessions", len(removed))
	s.publish(Change{Kind: ChangeConnection, ConnectionID: id})
	return nil
}

// Connection returns the connection with id.
func (s *Supervisor) Connection(id string) (state.Connection, bool) {
	return s.dir.Connection(id)
}

// Connections returns every connection.
func (s *Supervisor) Connections() []state.Connection {
	return s.dir.Connections()
}

// Connect dials a connection and turns on auto-reconnect as configured.
func (s *Supervisor) Connect(id string) error {
	c, err := s.entry(id)
	if err != nil {
		return err
	}
	conn, ok := s.dir.Connection(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, id)
	}

	s.mu.Lock()
	c.autoReconnect = s.cfg.GetAutoReconnect()
	s.stopTimerLocked(c)
	s.mu.Unlock()

	c.client.Connect(conn.URL)
	return nil
}

// Disconnect closes a connection and turns off auto-reconnect.
func (s *Supervisor) Disconnect(id string) error {
	c, err := s.entry(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	c.autoReconnect = false
	s.stopTimerLocked(c)
	s.mu.Unlock()

	c.client.Disconnect()
	return nil
}

// SetAutoReconnect turns the reconnect policy of a connection on or off.
// Turning it on for a failed connection schedules a reconnect.
func (s *Supervisor) SetAutoReconnect(id string, on bool) error {
	c, err := s.entry(id)
	if err != nil {
		return err
	}
	status := c.client.Status()

	s.mu.Lock()
	defer s.mu.Unlock()
	c.autoReconnect = on
	if !on {
		s.stopTimerLocked(c)
		return nil
	}
	if status == rpc.StatusError && c.timer == nil {
		s.scheduleLocked(c)
	}
	return nil
}

// ensureConnected dials a connection whose client is down so the next
// request can wait for it to open. The auto-reconnect flag is left alone.
func (s *Supervisor) ensureConnected(c *connEntry) error {
	switch c.client.Status() {
	case rpc.StatusDisconnected, rpc.StatusError:
	default:
		return nil
	}
	conn, ok := s.dir.Connection(c.id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, c.id)
	}

	s.mu.Lock()
	s.stopTimerLocked(c)
	s.mu.Unlock()

	c.client.Connect(conn.URL)
	return nil
}
