package rpc

import "encoding/json"

const jsonrpcVersion = "2.0"

// Methods exchanged with the daemon.
const (
	MethodInitialize    = "initialize"
	MethodInitialized   = "initialized"
	MethodThreadStart   = "thread/start"
	MethodThreadList    = "thread/list"
	MethodThreadFork    = "thread/fork"
	MethodThreadResume  = "thread/resume"
	MethodThreadRead    = "thread/read"
	MethodTurnStart     = "turn/start"
	MethodTurnInterrupt = "turn/interrupt"
)

// LegacyNotificationOptOuts lists the fine-grained codex/event notifications
// superseded by the thread/turn/item vocabulary. The client asks the daemon
// not to send them.
var LegacyNotificationOptOuts = []string{
	"codex/event",
	"codex/event/session_configured",
	"codex/event/task_started",
	"codex/event/task_complete",
	"codex/event/turn_started",
	"codex/event/turn_complete",
	"codex/event/raw_response_item",
	"codex/event/agent_message_content_delta",
	"codex/event/agent_message_delta",
	"codex/event/agent_reasoning_delta",
	"codex/event/reasoning_content_delta",
	"codex/event/reasoning_raw_content_delta",
	"codex/event/exec_command_output_delta",
	"codex/event/exec_approval_request",
	"codex/event/exec_command_begin",
	"codex/event/exec_command_end",
	"codex/event/exec_output",
	"codex/event/item_started",
	"codex/event/item_completed",
}

// request is an outbound JSON-RPC request.
type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

// notification is an outbound JSON-RPC notification.
type notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

// response answers an inbound server request.
type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result"`
}

// Notification is an inbound notification. ID is set only when the frame
// carried one.
type Notification struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ServerRequest is a daemon-initiated request awaiting a SendResponse.
// RequestID is kept byte-for-byte so the response echoes it exactly.
type ServerRequest struct {
	RequestID json.RawMessage `json:"request_id"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// DecodeError is reported by the daemon when it could not decode a frame
// on its side of the stream.
type DecodeError struct {
	Raw     string `json:"raw"`
	Message string `json:"message"`
}

// streamEnvelope separates transport-level events from RPC payloads.
type streamEnvelope struct {
	SchemaVersion int          `json:"schema_version,omitempty"`
	Sequence      int64        `json:"sequence,omitempty"`
	Event         *streamEvent `json:"event"`
}

type streamEvent struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ClientInfo identifies this client in the initialize request.
type ClientInfo struct {
	Name    string `json:"name"`
	Title   string `json:"title"`
	Version string `json:"version"`
}

// Capabilities is the capabilities block of the initialize request.
type Capabilities struct {
	ExperimentalAPI           bool     `json:"experimentalApi"`
	OptOutNotificationMethods []string `json:"optOutNotificationMethods"`
}

// InitializeParams for the initialize method
type InitializeParams struct {
	ClientInfo   ClientInfo   `json:"clientInfo"`
	Capabilities Capabilities `json:"capabilities"`
}

// DefaultInitializeParams returns the handshake sent when none is configured.
func DefaultInitializeParams() InitializeParams {
	return InitializeParams{
		ClientInfo: ClientInfo{
			Name:    "crabbot_cli",
			Title:   "Crabbot CLI",
			Version: "0.1.0",
		},
		Capabilities: Capabilities{
			ExperimentalAPI:           true,
			OptOutNotificationMethods: LegacyNotificationOptOuts,
		},
	}
}
