// Package events normalizes daemon notifications and server requests into
// a small closed set of domain events.
//
// The daemon's vocabulary has grown over several protocol versions: the
// thread/turn/item methods, older flat method names and the legacy
// codex/event envelope that nests a typed "msg". ParseNotification and
// ParseServerRequest absorb all of them. They never fail: anything they do
// not recognize yields no events.
package events

import "encoding/json"

// Event is one normalized daemon event. The concrete types below are the
// only implementations.
type Event interface {
	// Type returns the kebab-case event name, e.g. "assistant-delta".
	Type() string
	event()
}

// TurnStarted marks the start of a turn.
type TurnStarted struct {
	TurnID string
}

// ThreadStarted reports the thread id the daemon assigned.
type ThreadStarted struct {
	ThreadID string
}

// UserMessage is a consolidated user message.
type UserMessage struct {
	Text   string
	TurnID string
}

// AssistantMessage is a consolidated assistant message, usually sent after
// the same text already streamed as deltas.
type AssistantMessage struct {
	Text   string
	TurnID string
}

// AssistantDelta is a streamed fragment of assistant text.
type AssistantDelta struct {
	Delta  string
	TurnID string
}

// TurnCompleted marks the end of a turn with a terminal status such as
// "completed" or "failed".
type TurnCompleted struct {
	Status string
	TurnID string
}

// TurnAborted marks a turn that was interrupted.
type TurnAborted struct {
	Reason string
	TurnID string
}

// ToolBegin opens a tool call.
type ToolBegin struct {
	CallID   string
	ToolName string
	Title    string
}

// ToolOutput is streamed tool output.
type ToolOutput struct {
	CallID string
	Delta  string
}

// ToolEnd closes a tool call. Output, when set, is the final output.
type ToolEnd struct {
	CallID  string
	Success bool
	Output  string
}

// Status is an informational line for the transcript.
type Status struct {
	Text string
}

// Approval is a request for a human decision. RequestID is the daemon's
// identifier, kept verbatim for the response; RequestKey is its string form.
type Approval struct {
	RequestKey string
	RequestID  json.RawMessage
	Method     string
	Reason     string
}

func (TurnStarted) Type() string      { return "turn-started" }
func (ThreadStarted) Type() string    { return "thread-started" }
func (UserMessage) Type() string      { return "user-message" }
func (AssistantMessage) Type() string { return "assistant-message" }
func (AssistantDelta) Type() string   { return "assistant-delta" }
func (TurnCompleted) Type() string    { return "turn-completed" }
func (TurnAborted) Type() string      { return "turn-aborted" }
func (ToolBegin) Type() string        { return "tool-begin" }
func (ToolOutput) Type() string       { return "tool-output" }
func (ToolEnd) Type() string          { return "tool-end" }
func (Status) Type() string           { return "status" }
func (Approval) Type() string         { return "approval" }

func (TurnStarted) event()      {}
func (ThreadStarted) event()    {}
func (UserMessage) event()      {}
func (AssistantMessage) event() {}
func (AssistantDelta) event()   {}
func (TurnCompleted) event()    {}
func (TurnAborted) event()      {}
func (ToolBegin) event()        {}
func (ToolOutput) event()       {}
func (ToolEnd) event()          {}
func (Status) event()           {}
func (Approval) event()         {}
