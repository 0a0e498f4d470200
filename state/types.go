// Package state holds the connection and session directory shared by every
// connection's callbacks, and the snapshot form it is persisted in.
package state

import (
	"time"

	"github.com/zhubert/crabbot-core/rpc"
	"github.com/zhubert/crabbot-core/transcript"
)

// SnapshotVersion is the schema version written with every snapshot.
const SnapshotVersion = 1

// Connection is a configured daemon endpoint.
type Connection struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	URL             string     `json:"url"`
	Status          rpc.Status `json:"status"`
	LastConnectedAt time.Time  `json:"lastConnectedAt,omitzero"`
	Error           string     `json:"error,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
}

// Session is a local handle onto one daemon thread. ThreadID never changes
// once set; forking creates a new Session.
type Session struct {
	ID             string                  `json:"id"`
	ConnectionID   string                  `json:"connectionId"`
	ThreadID       string                  `json:"threadId,omitempty"`
	Title          string                  `json:"title"`
	CreatedAt      time.Time               `json:"createdAt"`
	UpdatedAt      time.Time               `json:"updatedAt"`
	LastActivityAt time.Time               `json:"lastActivityAt,omitzero"`
	State          transcript.SessionState `json:"state"`
}

// LatestActivity is the later of UpdatedAt and LastActivityAt.
func (s Session) LatestActivity() time.Time {
	if s.LastActivityAt.After(s.UpdatedAt) {
		return s.LastActivityAt
	}
	return s.UpdatedAt
}

// Snapshot is the full directory in persistable form.
type Snapshot struct {
	Version                   int                           `json:"version"`
	Connections               []Connection                  `json:"connections"`
	Sessions                  []Session                     `json:"sessions"`
	Runtimes                  map[string]transcript.Runtime `json:"runtimes"`
	ActiveSessionByConnection map[string]string             `json:"activeSessionByConnection"`
}

// NewSnapshot returns an empty snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Version:                   SnapshotVersion,
		Runtimes:                  make(map[string]transcript.Runtime),
		ActiveSessionByConnection: make(map[string]string),
	}
}

// Clone returns a deep copy.
func (s *Snapshot) Clone() *Snapshot {
	out := NewSnapshot()
	out.Version = s.Version
	out.Connections = append([]Connection(nil), s.Connections...)
	out.Sessions = append([]Session(nil), s.Sessions...)
	for id, rt := range s.Runtimes {
		out.Runtimes[id] = rt.Clone()
	}
	for conn, sess := range s.ActiveSessionByConnection {
		out.ActiveSessionByConnection[conn] = sess
	}
	return out
}

// ensure fills nil maps so a decoded snapshot is usable.
func (s *Snapshot) ensure() {
	if s.Runtimes == nil {
		s.Runtimes = make(map[string]transcript.Runtime)
	}
	if s.ActiveSessionByConnection == nil {
		s.ActiveSessionByConnection = make(map[string]string)
	}
	if s.Version == 0 {
		s.Version = SnapshotVersion
	}
}

// ConnectionIndex returns the index of the connection with id, or -1.
func (s *Snapshot) ConnectionIndex(id string) int {
	for i := range s.Connections {
		if s.Connections[i].ID == id {
			return i
		}
	}
	return -1
}

// SessionIndex returns the index of the session with id, or -1.
func (s *Snapshot) SessionIndex(id string) int {
	for i := range s.Sessions {
		if s.Sessions[i].ID == id {
			return i
		}
	}
	return -1
}

// SessionByThread returns the index of the session bound to threadID on
// connID, or -1. An empty connID matches any connection.
func (s *Snapshot) SessionByThread(connID, threadID string) int {
	if threadID == "" {
		return -1
	}
	for i := range s.Sessions {
		if s.Sessions[i].ThreadID == threadID && (connID == "" || s.Sessions[i].ConnectionID == connID) {
			return i
		}
	}
	return -1
}
