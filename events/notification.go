package events

import (
	"strings"

	"github.com/zhubert/crabbot-core/rpc"
)

// decoder turns one params object into zero or more events.
type decoder func(p fields) []Event

const legacyPrefix = "codex/event"

// notificationDecoders maps every known notification method, including
// older aliases, to its decoder.
var notificationDecoders = map[string]decoder{
	"turn/started":   decodeTurnStarted,
	"thread/started": decodeThreadStarted,

	"item/agentMessage/delta":  decodeAssistantDelta,
	"item/plan/delta":          decodeAssistantDelta,
	"item/messageDelta":        decodeAssistantDelta,
	"item/agent_message_delta": decodeAssistantDelta,

	"turn/completed": decodeTurnCompleted("completed"),
	"turn/failed":    decodeTurnCompleted("failed"),
	"turn/aborted":   decodeTurnAborted,

	"item/commandExecution/begin": decodeToolBegin("exec"),
	"item/fileChange/begin":       decodeToolBegin("patch"),
	"item/mcpToolCall/begin":      decodeToolBegin("mcp"),

	"item/commandExecution/outputDelta": decodeToolOutput,
	"item/fileChange/outputDelta":       decodeToolOutput,
	"item/mcpToolCall/outputDelta":      decodeToolOutput,

	"item/commandExecution/end": decodeToolEnd,
	"item/fileChange/end":       decodeToolEnd,
	"item/mcpToolCall/end":      decodeToolEnd,

	"item/started":                decodeItemStarted,
	"item/completed":              decodeItemCompleted,
	"item/agentMessage/completed": decodeAgentMessage,

	"session/configured": staticStatus("Session configured"),
	"sessionConfigured":  staticStatus("Session configured"),
	"configWarning":      decodeWarning,
	"error":              decodeError,
}

// ParseNotification normalizes a daemon notification. Unknown methods and
// malformed params yield no events. A bare frame that carries an id and an
// approval method is treated as a server request.
func ParseNotification(n rpc.Notification) []Event {
	if len(n.ID) > 0 && IsApprovalMethod(n.Method) {
		return ParseServerRequest(rpc.ServerRequest{RequestID: n.ID, Method: n.Method, Params: n.Params})
	}
	p := decodeFields(n.Params)
	if dec, ok := notificationDecoders[n.Method]; ok {
		return dec(p)
	}
	if n.Method == legacyPrefix || strings.HasPrefix(n.Method, legacyPrefix+"/") {
		return decodeLegacy(n.Method, p)
	}
	return nil
}

func one(e Event) []Event { return []Event{e} }

func decodeTurnStarted(p fields) []Event {
	id := p.first(startedIDPaths)
	if id == "" {
		return nil
	}
	return one(TurnStarted{TurnID: id})
}

func decodeThreadStarted(p fields) []Event {
	id := p.first(threadIDPaths)
	if id == "" {
		return nil
	}
	return one(ThreadStarted{ThreadID: id})
}

func decodeAssistantDelta(p fields) []Event {
	delta := p.first(deltaPaths)
	if delta == "" {
		return nil
	}
	return one(AssistantDelta{Delta: delta, TurnID: p.first(turnIDPaths)})
}

func decodeTurnCompleted(fallback string) decoder {
	return func(p fields) []Event {
		status := p.first(turnStatus)
		turnID := p.first(turnIDPaths)
		switch status {
		case "", "inProgress":
			status = fallback
		case "interrupted":
			return one(TurnAborted{Reason: status, TurnID: turnID})
		}
		return one(TurnCompleted{Status: status, TurnID: turnID})
	}
}

func decodeTurnAborted(p fields) []Event {
	return one(TurnAborted{Reason: p.first(reasonPaths), TurnID: p.first(turnIDPaths)})
}

func decodeToolBegin(fallback string) decoder {
	return func(p fields) []Event {
		callID := p.first(callIDPaths)
		if callID == "" {
			return nil
		}
		name := p.first(toolNamePaths)
		if name == "" {
			name = p.commandHead()
		}
		if name == "" {
			name = fallback
		}
		title := p.str("title")
		if title == "" {
			title = p.commandLine()
		}
		return one(ToolBegin{CallID: callID, ToolName: name, Title: title})
	}
}

func decodeToolOutput(p fields) []Event {
	callID := p.first(callIDPaths)
	delta := p.first(deltaPaths)
	if delta == "" {
		delta = decodeChunk(p.str("chunk"))
	}
	if callID == "" || delta == "" {
		return nil
	}
	return one(ToolOutput{CallID: callID, Delta: delta})
}

func decodeToolEnd(p fields) []Event {
	callID := p.first(callIDPaths)
	if callID == "" {
		return nil
	}
	return one(ToolEnd{CallID: callID, Success: toolSucceeded(p), Output: p.first(outputPaths)})
}

// toolSucceeded treats a call as failed when it reports an error, a
// non-zero exit code, success=false or a failed status.
func toolSucceeded(p fields) bool {
	if p.truthy("error") {
		return false
	}
	for _, key := range []string{"exitCode", "exit_code"} {
		if code := p.str(key); code != "" && code != "0" {
			return false
		}
	}
	if ok, present := p["success"].(bool); present && !ok {
		return false
	}
	switch p.str("status") {
	case "failed", "declined", "error":
		return false
	}
	return true
}

func staticStatus(text string) decoder {
	return func(fields) []Event { return one(Status{Text: text}) }
}

func decodeError(p fields) []Event {
	msg := p.first(messagePaths)
	if msg == "" {
		msg = "Error from daemon"
	}
	return one(Status{Text: msg})
}

func decodeWarning(p fields) []Event {
	msg := p.first(append([][]string{{"summary"}}, messagePaths...))
	if msg == "" {
		return nil
	}
	return one(Status{Text: "Warning: " + msg})
}

// item/started and item/completed carry a typed item object.

func decodeItemStarted(p fields) []Event {
	item := p.obj("item")
	kind := item.str("type")
	switch kind {
	case "commandExecution", "fileChange", "mcpToolCall":
		return decodeToolBegin(toolFallback(kind))(item)
	}
	return nil
}

func decodeItemCompleted(p fields) []Event {
	item := p.obj("item")
	turnID := p.first(turnIDPaths)
	switch kind := item.str("type"); kind {
	case "agentMessage":
		if text := extractText(item); text != "" {
			return one(AssistantMessage{Text: text, TurnID: turnID})
		}
	case "userMessage":
		if text := extractText(item); text != "" {
			return one(UserMessage{Text: text, TurnID: turnID})
		}
	case "commandExecution", "fileChange", "mcpToolCall":
		return decodeToolEnd(item)
	}
	return nil
}

func decodeAgentMessage(p fields) []Event {
	text := extractText(p)
	if text == "" {
		text = extractText(p.obj("item"))
	}
	if text == "" {
		return nil
	}
	return one(AssistantMessage{Text: text, TurnID: p.first(turnIDPaths)})
}

func toolFallback(itemType string) string {
	switch itemType {
	case "fileChange":
		return "patch"
	case "mcpToolCall":
		return "mcp"
	}
	return "exec"
}
