package manager

import (
	"time"

	"github.com/zhubert/crabbot-core/rpc"
	"github.com/zhubert/crabbot-core/state"
)

// Default reconnect policy.
const (
	DefaultBaseDelay = time.Second
	DefaultMaxDelay  = 30 * time.Second
)

// Backoff returns the delay before reconnect attempt n (0-indexed):
// min(base·2^n, limit) scaled by 0.85 + 0.3·jitter, with jitter in [0, 1).
func Backoff(attempt int, base, limit time.Duration, jitter float64) time.Duration {
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if limit <= 0 {
		limit = DefaultMaxDelay
	}
	delay := limit
	if attempt < 0 {
		attempt = 0
	}
	if attempt < 32 {
		if d := base << attempt; d > 0 && d < limit {
			delay = d
		}
	}
	factor := 0.85 + 0.3*jitter
	return time.Duration(float64(delay) * factor)
}

// handleStatus records a client's status and drives the reconnect policy.
func (s *Supervisor) handleStatus(c *connEntry, change rpc.StatusChange) {
	now := s.now()
	s.dir.UpdateConnection(c.id, func(conn *state.Connection) {
		conn.Status = change.Status
		conn.Error = change.Message
		if change.Status == rpc.StatusConnected {
			conn.LastConnectedAt = now
		}
	})

	s.mu.Lock()
	switch change.Status {
	case rpc.StatusConnected:
		c.attempts = 0
		s.stopTimerLocked(c)
	case rpc.StatusError, rpc.StatusDisconnected:
		if c.autoReconnect && c.timer == nil && !c.removed && !s.closed {
			s.scheduleLocked(c)
		}
	}
	s.mu.Unlock()

	s.log.Debug("connection status", "connectionID", c.id, "status", change.Status, "message", change.Message)
	s.publish(Change{Kind: ChangeConnection, ConnectionID: c.id})
}

// scheduleLocked arms the reconnect timer. Caller must hold mu.
func (s *Supervisor) scheduleLocked(c *connEntry) {
	base, limit := s.cfg.GetReconnectDelays()
	delay := Backoff(c.attempts, base, limit, s.jitter())
	c.attempts++
	c.timerGen++
	gen := c.timerGen
	c.timer = time.AfterFunc(delay, func() { s.fireReconnect(c, gen) })
	s.log.Info("reconnect scheduled", "connectionID", c.id, "attempt", c.attempts, "delay", delay)
}

// stopTimerLocked cancels a pending reconnect. A callback that already
// started sees the bumped generation and does nothing. Caller must hold mu.
func (s *Supervisor) stopTimerLocked(c *connEntry) {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.timerGen++
}

func (s *Supervisor) fireReconnect(c *connEntry, gen uint64) {
	s.mu.Lock()
	if gen != c.timerGen || !c.autoReconnect || c.removed || s.closed {
		s.mu.Unlock()
		return
	}
	c.timer = nil
	s.mu.Unlock()

	conn, ok := s.dir.Connection(c.id)
	if !ok {
		return
	}
	s.log.Info("reconnecting", "connectionID", c.id, "attempt", c.attempts)
	c.client.Connect(conn.URL)
}

// pendingReconnect reports whether a reconnect timer is armed for id.
func (s *Supervisor) pendingReconnect(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[id]
	return ok && c.timer != nil
}
