package events

import (
	"encoding/base64"
	"strings"
	"unicode/utf8"
)

// legacyDecoders maps the "type" of a codex/event msg to its decoder. The
// msg fields are used directly; the decoders above already know the
// snake_case aliases.
var legacyDecoders = map[string]decoder{
	"task_started": decodeTurnStarted,
	"turn_started": decodeTurnStarted,

	"agent_message_delta":         decodeAssistantDelta,
	"agent_message_content_delta": decodeAssistantDelta,
	"agent_message":               decodeLegacyMessage(false),
	"user_message":                decodeLegacyMessage(true),

	"task_complete": decodeTurnCompleted("completed"),
	"turn_complete": decodeTurnCompleted("completed"),
	"turn_aborted":  decodeTurnAborted,

	"exec_command_begin":        decodeToolBegin("exec"),
	"exec_command_output_delta": decodeToolOutput,
	"exec_command_end":          decodeToolEnd,
	"patch_apply_begin":         decodeToolBegin("patch"),
	"patch_apply_end":           decodeToolEnd,
	"mcp_tool_call_begin":       decodeToolBegin("mcp"),
	"mcp_tool_call_end":         decodeToolEnd,

	"session_configured": staticStatus("Session configured"),
	"error":              decodeError,
	"stream_error":       decodeError,
	"background_event":   decodeBackground,
}

// decodeLegacy unwraps a codex/event envelope. The typed payload lives in
// params.msg; the envelope id is the turn the event belongs to. When msg is
// missing the method suffix names the type and params is the payload.
func decodeLegacy(method string, p fields) []Event {
	msg := p.obj("msg")
	kind := msg.str("type")
	if kind == "" {
		kind = strings.TrimPrefix(strings.TrimPrefix(method, legacyPrefix), "/")
		msg = p
	}
	dec, ok := legacyDecoders[kind]
	if !ok {
		return nil
	}
	merged := make(fields, len(msg)+1)
	for k, v := range msg {
		merged[k] = v
	}
	if merged.first(turnIDPaths) == "" {
		if id := p.str("id"); id != "" {
			merged["turn_id"] = id
		}
	}
	return dec(merged)
}

func decodeLegacyMessage(user bool) decoder {
	return func(p fields) []Event {
		text := extractText(p)
		if text == "" {
			return nil
		}
		if user {
			return one(UserMessage{Text: text, TurnID: p.first(turnIDPaths)})
		}
		return one(AssistantMessage{Text: text, TurnID: p.first(turnIDPaths)})
	}
}

func decodeBackground(p fields) []Event {
	if msg := p.first(messagePaths); msg != "" {
		return one(Status{Text: msg})
	}
	return nil
}

// decodeChunk reads exec output that older daemons send base64-encoded.
// Text that does not decode to valid UTF-8 is taken as is.
func decodeChunk(chunk string) string {
	if chunk == "" {
		return ""
	}
	if raw, err := base64.StdEncoding.DecodeString(chunk); err == nil && utf8.Valid(raw) {
		return string(raw)
	}
	return chunk
}
