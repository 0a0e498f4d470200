package state

import (
	"slices"
	"sync"

	"github.com/zhubert/crabbot-core/transcript"
)

// Directory is the guarded, process-wide view of connections, sessions and
// their runtimes. Getters return copies; use WithLock for multi-field
// read-modify-write.
type Directory struct {
	mu       sync.RWMutex
	snap     *Snapshot
	onChange func()
}

// NewDirectory returns an empty directory. onChange, if non-nil, runs after
// every mutation, outside the lock.
func NewDirectory(onChange func()) *Directory {
	return &Directory{snap: NewSnapshot(), onChange: onChange}
}

func (d *Directory) changed() {
	if d.onChange != nil {
		d.onChange()
	}
}

// Load replaces the directory contents with snap.
func (d *Directory) Load(snap *Snapshot) {
	if snap == nil {
		return
	}
	next := snap.Clone()
	next.ensure()
	d.mu.Lock()
	d.snap = next
	d.mu.Unlock()
}

// Snapshot returns a deep copy of the directory.
func (d *Directory) Snapshot() *Snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.snap.Clone()
}

// WithLock runs fn with the directory locked for writing. fn must not call
// back into the Directory.
func (d *Directory) WithLock(fn func(*Snapshot)) {
	d.mu.Lock()
	fn(d.snap)
	d.mu.Unlock()
	d.changed()
}

// AddConnection inserts c, replacing a connection with the same id.
func (d *Directory) AddConnection(c Connection) {
	d.WithLock(func(s *Snapshot) {
		if i := s.ConnectionIndex(c.ID); i >= 0 {
			s.Connections[i] = c
			return
		}
		s.Connections = append(s.Connections, c)
	})
}

// UpdateConnection applies fn to the connection with id. It reports
// whether the connection exists.
func (d *Directory) UpdateConnection(id string, fn func(*Connection)) bool {
	found := false
	d.WithLock(func(s *Snapshot) {
		if i := s.ConnectionIndex(id); i >= 0 {
			fn(&s.Connections[i])
			found = true
		}
	})
	return found
}

// RemoveConnection deletes a connection together with its sessions, their
// runtimes and its active-session entry. It returns the removed session ids.
func (d *Directory) RemoveConnection(id string) ([]string, bool) {
	var removed []string
	found := false
	d.WithLock(func(s *Snapshot) {
		i := s.ConnectionIndex(id)
		if i < 0 {
			return
		}
		found = true
		s.Connections = slices.Delete(s.Connections, i, i+1)
		s.Sessions = slices.DeleteFunc(s.Sessions, func(sess Session) bool {
			if sess.ConnectionID != id {
				return false
			}
			removed = append(removed, sess.ID)
			delete(s.Runtimes, sess.ID)
			return true
		})
		delete(s.ActiveSessionByConnection, id)
	})
	return removed, found
}

// Connection returns the connection with id.
func (d *Directory) Connection(id string) (Connection, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if i := d.snap.ConnectionIndex(id); i >= 0 {
		return d.snap.Connections[i], true
	}
	return Connection{}, false
}

// Connections returns all connections in insertion order.
func (d *Directory) Connections() []Connection {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.snap.Connections)
}

// Session returns the session with id.
func (d *Directory) Session(id string) (Session, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if i := d.snap.SessionIndex(id); i >= 0 {
		return d.snap.Sessions[i], true
	}
	return Session{}, false
}

// Sessions returns the sessions of connID, or every session when connID is
// empty.
func (d *Directory) Sessions(connID string) []Session {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []Session
	for _, s := range d.snap.Sessions {
		if connID == "" || s.ConnectionID == connID {
			out = append(out, s)
		}
	}
	return out
}

// SessionByThread finds the session bound to threadID on connID. An empty
// connID searches every connection.
func (d *Directory) SessionByThread(connID, threadID string) (Session, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if i := d.snap.SessionByThread(connID, threadID); i >= 0 {
		return d.snap.Sessions[i], true
	}
	return Session{}, false
}

// Runtime returns a copy of the runtime of sessionID. A session without a
// runtime has an empty one.
func (d *Directory) Runtime(sessionID string) transcript.Runtime {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.snap.Runtimes[sessionID].Clone()
}

// SetActiveSession makes sessionID the target of its connection's events.
func (d *Directory) SetActiveSession(connID, sessionID string) {
	d.WithLock(func(s *Snapshot) {
		s.ActiveSessionByConnection[connID] = sessionID
	})
}

// ActiveSession returns the active session id of connID.
func (d *Directory) ActiveSession(connID string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.snap.ActiveSessionByConnection[connID]
	return id, ok && id != ""
}
