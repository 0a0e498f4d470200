package transcript

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zhubert/crabbot-core/events"
)

// Outcome describes what an Apply did beyond the returned Runtime.
type Outcome struct {
	// Changed is false when the event left the runtime untouched.
	Changed bool
	// State is the session state the event implies, empty for no change.
	State SessionState
	// ThreadID is set by a thread-started event.
	ThreadID string
	// FinalText is the assistant text of a turn that just completed.
	FinalText string
	// TurnStatus is the terminal status of a turn that just ended.
	TurnStatus string
	// Approval is a new approval request to register with the owner.
	Approval *Approval
}

// Reducer applies events to runtimes.
type Reducer struct {
	Now   func() time.Time
	NewID func() string
}

// NewReducer returns a Reducer using the wall clock and random UUIDs.
func NewReducer() Reducer {
	return Reducer{Now: time.Now, NewID: uuid.NewString}
}

func (r Reducer) now() time.Time {
	if r.Now == nil {
		return time.Now()
	}
	return r.Now()
}

func (r Reducer) newID() string {
	if r.NewID == nil {
		return uuid.NewString()
	}
	return r.NewID()
}

func (r Reducer) cell(k Kind, text string) Cell {
	return Cell{Kind: k, ID: r.newID(), CreatedAt: r.now(), Text: text}
}

// Apply folds ev into rt. rt is never modified.
func (r Reducer) Apply(rt Runtime, ev events.Event) (Runtime, Outcome) {
	switch e := ev.(type) {
	case events.ThreadStarted:
		return rt, Outcome{ThreadID: e.ThreadID}
	case events.TurnStarted:
		return r.turnStarted(rt, e)
	case events.UserMessage:
		return r.userMessage(rt, e)
	case events.AssistantDelta:
		return r.assistantDelta(rt, e)
	case events.AssistantMessage:
		return r.assistantMessage(rt, e)
	case events.TurnCompleted:
		return r.turnCompleted(rt, e)
	case events.TurnAborted:
		return r.turnAborted(rt, e)
	case events.ToolBegin:
		return r.toolBegin(rt, e)
	case events.ToolOutput:
		return r.toolOutput(rt, e)
	case events.ToolEnd:
		return r.toolEnd(rt, e)
	case events.Status:
		return r.AppendStatus(rt, e.Text), Outcome{Changed: true}
	case events.Approval:
		return r.approval(rt, e)
	}
	return rt, Outcome{}
}

// Replay applies evs in order, discarding outcomes.
func (r Reducer) Replay(rt Runtime, evs []events.Event) Runtime {
	for _, ev := range evs {
		rt, _ = r.Apply(rt, ev)
	}
	return rt
}

func (r Reducer) turnStarted(rt Runtime, e events.TurnStarted) (Runtime, Outcome) {
	next := rt.Clone()
	next.TurnID = e.TurnID
	// Deltas can arrive before their turn-started; keep what they buffered.
	if next.BufferTurnID != e.TurnID {
		next.TurnBuffer = ""
		next.BufferTurnID = e.TurnID
	}
	return next, Outcome{Changed: true, State: StateRunning}
}

func (r Reducer) userMessage(rt Runtime, e events.UserMessage) (Runtime, Outcome) {
	if e.Text == "" {
		return rt, Outcome{}
	}
	// The daemon echoes messages this client already appended locally.
	for i := len(rt.Cells) - 1; i >= 0; i-- {
		if rt.Cells[i].Kind == KindUser {
			if rt.Cells[i].Text == e.Text {
				return rt, Outcome{}
			}
			break
		}
	}
	next := rt.Clone()
	c := r.cell(KindUser, e.Text)
	c.TurnID = e.TurnID
	next.Cells = append(next.Cells, c)
	return next, Outcome{Changed: true}
}

func (r Reducer) assistantDelta(rt Runtime, e events.AssistantDelta) (Runtime, Outcome) {
	if e.Delta == "" {
		return rt, Outcome{}
	}
	turn := e.TurnID
	if turn == "" {
		turn = rt.TurnID
	}

	next := rt.Clone()
	n := len(next.Cells)
	if n > 0 && next.Cells[n-1].Kind == KindAssistant && sameTurn(next.Cells[n-1].TurnID, turn) {
		last := &next.Cells[n-1]
		last.Text += e.Delta
		if last.TurnID == "" {
			last.TurnID = turn
		}
	} else {
		c := r.cell(KindAssistant, e.Delta)
		c.TurnID = turn
		next.Cells = append(next.Cells, c)
	}

	if turn != "" && next.BufferTurnID != "" && next.BufferTurnID != turn {
		next.TurnBuffer = ""
	}
	next.TurnBuffer += e.Delta
	if turn != "" {
		next.BufferTurnID = turn
	}
	return next, Outcome{Changed: true, State: StateRunning}
}

// sameTurn reports whether a delta for turn b may extend a cell of turn a.
// Only a cell with no turn yet or the same turn matches.
func sameTurn(a, b string) bool {
	return a == "" || a == b
}

func (r Reducer) assistantMessage(rt Runtime, e events.AssistantMessage) (Runtime, Outcome) {
	text := normalize(e.Text)
	if text == "" {
		return rt, Outcome{}
	}
	if text == normalize(rt.TurnBuffer) || text == normalize(lastAssistantText(rt)) {
		return rt, Outcome{}
	}

	turn := e.TurnID
	if turn == "" {
		turn = rt.TurnID
	}
	next := rt.Clone()
	if i := assistantCellForTurn(next, turn); i >= 0 {
		next.Cells[i].Text = e.Text
	} else {
		c := r.cell(KindAssistant, e.Text)
		c.TurnID = turn
		next.Cells = append(next.Cells, c)
	}
	next.TurnBuffer = e.Text
	if turn != "" {
		next.BufferTurnID = turn
	}
	return next, Outcome{Changed: true}
}

// normalize collapses runs of whitespace and trims the ends.
func normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func lastAssistantText(rt Runtime) string {
	for i := len(rt.Cells) - 1; i >= 0; i-- {
		c := rt.Cells[i]
		if c.Kind == KindAssistant && strings.TrimSpace(c.Text) != "" {
			return c.Text
		}
	}
	return ""
}

func assistantCellForTurn(rt Runtime, turn string) int {
	if turn == "" {
		return -1
	}
	for i := len(rt.Cells) - 1; i >= 0; i-- {
		if rt.Cells[i].Kind == KindAssistant && rt.Cells[i].TurnID == turn {
			return i
		}
	}
	return -1
}

// finalText is the assistant text a completed turn produced.
func finalText(rt Runtime, turn string) string {
	if rt.TurnBuffer != "" && (turn == "" || rt.BufferTurnID == "" || rt.BufferTurnID == turn) {
		return rt.TurnBuffer
	}
	if i := assistantCellForTurn(rt, turn); i >= 0 {
		return rt.Cells[i].Text
	}
	return ""
}

func (r Reducer) turnCompleted(rt Runtime, e events.TurnCompleted) (Runtime, Outcome) {
	status := e.Status
	if status == "" {
		status = "completed"
	}
	turn := e.TurnID
	if turn == "" {
		turn = rt.TurnID
	}
	out := Outcome{
		Changed:    true,
		State:      StateIdle,
		FinalText:  strings.TrimSpace(finalText(rt, turn)),
		TurnStatus: status,
	}
	if status == "failed" {
		out.State = StateError
	}
	next := r.AppendStatus(rt, "Turn "+status)
	next.TurnID = ""
	return next, out
}

func (r Reducer) turnAborted(rt Runtime, e events.TurnAborted) (Runtime, Outcome) {
	text := "Turn aborted"
	if e.Reason != "" {
		text += ": " + e.Reason
	}
	next := r.AppendStatus(rt, text)
	next.TurnID = ""
	return next, Outcome{Changed: true, State: StateIdle, TurnStatus: "aborted"}
}

func (r Reducer) toolBegin(rt Runtime, e events.ToolBegin) (Runtime, Outcome) {
	if e.CallID == "" || rt.find(KindTool, e.CallID) >= 0 {
		return rt, Outcome{}
	}
	next := rt.Clone()
	next.Cells = append(next.Cells, Cell{
		Kind:      KindTool,
		ID:        e.CallID,
		CreatedAt: r.now(),
		TurnID:    rt.TurnID,
		Tool: &Tool{
			CallID:   e.CallID,
			ToolName: e.ToolName,
			Title:    e.Title,
			Status:   ToolRunning,
		},
	})
	return next, Outcome{Changed: true, State: StateRunning}
}

func (r Reducer) toolOutput(rt Runtime, e events.ToolOutput) (Runtime, Outcome) {
	i := rt.find(KindTool, e.CallID)
	if i < 0 || e.Delta == "" {
		return rt, Outcome{}
	}
	next := rt.Clone()
	next.Cells[i].Tool.Output += e.Delta
	return next, Outcome{Changed: true}
}

func (r Reducer) toolEnd(rt Runtime, e events.ToolEnd) (Runtime, Outcome) {
	i := rt.find(KindTool, e.CallID)
	if i < 0 {
		return rt, Outcome{}
	}
	next := rt.Clone()
	tool := next.Cells[i].Tool
	tool.Status = ToolCompleted
	if !e.Success {
		tool.Status = ToolError
	}
	if e.Output != "" {
		tool.Output = e.Output
	}
	return next, Outcome{Changed: true}
}

func (r Reducer) approval(rt Runtime, e events.Approval) (Runtime, Outcome) {
	for _, c := range rt.Cells {
		if c.Kind == KindApproval && c.Approval != nil && c.Approval.RequestKey == e.RequestKey && c.Approval.Status == ApprovalPending {
			return rt, Outcome{}
		}
	}
	a := Approval{
		RequestKey: e.RequestKey,
		RequestID:  append(json.RawMessage(nil), e.RequestID...),
		Method:     e.Method,
		Reason:     e.Reason,
		Status:     ApprovalPending,
	}
	c := r.cell(KindApproval, "")
	c.TurnID = rt.TurnID
	c.Approval = &a

	next := rt.Clone()
	next.Cells = append(next.Cells, c)
	registered := a
	return next, Outcome{Changed: true, State: StateWaitingApproval, Approval: &registered}
}
