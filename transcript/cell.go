// Package transcript folds normalized daemon events into a session's
// conversation timeline.
//
// The Reducer is pure: it takes a Runtime and an event and returns a new
// Runtime without touching the input. Everything that needs a clock or an
// id generator goes through the Reducer's injected functions so replays and
// tests are deterministic.
package transcript

import (
	"encoding/json"
	"time"
)

// Kind tags a transcript cell. Assistant cells may be edited in place but a
// cell never changes kind.
type Kind string

const (
	KindUser      Kind = "user"
	KindAssistant Kind = "assistant"
	KindTool      Kind = "tool"
	KindApproval  Kind = "approval"
	KindStatus    Kind = "status"
	KindError     Kind = "error"
)

// ToolStatus is the lifecycle state of a tool call.
type ToolStatus string

const (
	ToolRunning   ToolStatus = "running"
	ToolCompleted ToolStatus = "completed"
	ToolError     ToolStatus = "error"
)

// ApprovalStatus is the lifecycle state of an approval request.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalDenied   ApprovalStatus = "denied"
)

// SessionState is the coarse state of a session as seen by the user.
type SessionState string

const (
	StateIdle            SessionState = "idle"
	StateRunning         SessionState = "running"
	StateWaitingApproval SessionState = "waiting_approval"
	StateError           SessionState = "error"
)

// Tool holds the fields of a tool cell.
type Tool struct {
	CallID   string     `json:"callId"`
	ToolName string     `json:"toolName"`
	Title    string     `json:"title,omitempty"`
	Status   ToolStatus `json:"status"`
	Output   string     `json:"output,omitempty"`
}

// Approval holds the fields of an approval cell. RequestID is the daemon's
// opaque id, echoed verbatim when the decision is sent.
type Approval struct {
	RequestKey string          `json:"requestKey"`
	RequestID  json.RawMessage `json:"requestId"`
	Method     string          `json:"method"`
	Reason     string          `json:"reason,omitempty"`
	Status     ApprovalStatus  `json:"status"`
}

// Cell is one entry of the timeline. Tool and Approval are set only for
// cells of that kind.
type Cell struct {
	Kind      Kind      `json:"kind"`
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	Text      string    `json:"text,omitempty"`
	TurnID    string    `json:"turnId,omitempty"`
	Tool      *Tool     `json:"tool,omitempty"`
	Approval  *Approval `json:"approval,omitempty"`
}

// Runtime is the live state of one session's conversation.
type Runtime struct {
	// TurnID is the active turn, empty when idle.
	TurnID string `json:"turnId,omitempty"`
	Cells  []Cell `json:"cells"`

	// TurnBuffer accumulates the assistant text streamed for BufferTurnID.
	// It is compared against consolidated messages to drop duplicates.
	TurnBuffer   string `json:"turnBuffer,omitempty"`
	BufferTurnID string `json:"bufferTurnId,omitempty"`
}

// Clone returns a copy of rt that shares nothing mutable with it.
func (rt Runtime) Clone() Runtime {
	out := rt
	out.Cells = make([]Cell, len(rt.Cells))
	for i, c := range rt.Cells {
		out.Cells[i] = c.clone()
	}
	return out
}

func (c Cell) clone() Cell {
	if c.Tool != nil {
		t := *c.Tool
		c.Tool = &t
	}
	if c.Approval != nil {
		a := *c.Approval
		a.RequestID = append(json.RawMessage(nil), c.Approval.RequestID...)
		c.Approval = &a
	}
	return c
}

// find returns the index of the last cell of kind k with the given id, or -1.
func (rt Runtime) find(k Kind, id string) int {
	for i := len(rt.Cells) - 1; i >= 0; i-- {
		if rt.Cells[i].Kind == k && rt.Cells[i].ID == id {
			return i
		}
	}
	return -1
}

// PendingApprovals returns the approval cells still awaiting a decision.
func (rt Runtime) PendingApprovals() []Approval {
	var out []Approval
	for _, c := range rt.Cells {
		if c.Kind == KindApproval && c.Approval != nil && c.Approval.Status == ApprovalPending {
			out = append(out, *c.Approval)
		}
	}
	return out
}
