package manager

// ChangeKind says what part of the directory a Change touched.
type ChangeKind int

const (
	// ChangeConnection indicates a connection was added, removed or changed status.
	ChangeConnection ChangeKind = iota

	// ChangeSession indicates session metadata changed (title, thread, state).
	ChangeSession

	// ChangeTranscript indicates a session's transcript gained or edited cells.
	ChangeTranscript

	// ChangeApproval indicates a new approval request is waiting.
	ChangeApproval
)

// String returns a human-readable name for the change kind.
func (k ChangeKind) String() string {
	switch k {
	case ChangeConnection:
		return "connection"
	case ChangeSession:
		return "session"
	case ChangeTranscript:
		return "transcript"
	case ChangeApproval:
		return "approval"
	default:
		return "unknown"
	}
}

// Change is published to subscribers after the directory changes.
type Change struct {
	Kind         ChangeKind
	ConnectionID string
	SessionID    string
}
