package transcript

import (
	"encoding/json"
	"sync"
)

// PendingApproval is what the registry keeps to answer an approval later.
type PendingApproval struct {
	SessionID string
	RequestID json.RawMessage
	Method    string
}

// ApprovalRegistry maps request keys to the daemon's original request ids.
// An entry is consumed at most once.
type ApprovalRegistry struct {
	mu      sync.Mutex
	entries map[string]PendingApproval
}

// NewApprovalRegistry returns an empty registry.
func NewApprovalRegistry() *ApprovalRegistry {
	return &ApprovalRegistry{entries: make(map[string]PendingApproval)}
}

// Register records an approval. A later registration for the same key
// replaces the earlier one.
func (r *ApprovalRegistry) Register(key string, p PendingApproval) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p.RequestID = append(json.RawMessage(nil), p.RequestID...)
	r.entries[key] = p
}

// Take removes and returns the entry for key.
func (r *ApprovalRegistry) Take(key string) (PendingApproval, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.entries[key]
	if ok {
		delete(r.entries, key)
	}
	return p, ok
}

// Restore puts back an entry whose response could not be sent. An entry
// registered again in the meantime wins.
func (r *ApprovalRegistry) Restore(key string, p PendingApproval) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[key]; !exists {
		r.entries[key] = p
	}
}

// DropSession removes every entry of a session and returns how many were
// removed.
func (r *ApprovalRegistry) DropSession(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for key, p := range r.entries {
		if p.SessionID == sessionID {
			delete(r.entries, key)
			n++
		}
	}
	return n
}

// Len returns the number of unanswered approvals.
func (r *ApprovalRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
