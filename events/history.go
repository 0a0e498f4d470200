package events

import "encoding/json"

// ParseThreadHistory replays the turns stored in a thread/read or
// thread/resume result as live events, so the same reducer rebuilds the
// transcript. The thread object may be nested under "thread" or be the
// result itself.
func ParseThreadHistory(result json.RawMessage) []Event {
	root := decodeFields(result)
	thread := root.obj("thread")
	if len(thread) == 0 {
		thread = root
	}

	var out []Event
	if id := thread.str("id"); id != "" {
		out = append(out, ThreadStarted{ThreadID: id})
	}
	for _, t := range thread.list("turns") {
		turn, ok := t.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, replayTurn(fields(turn))...)
	}
	return out
}

func replayTurn(turn fields) []Event {
	turnID := turn.str("id")
	var out []Event
	if turnID != "" {
		out = append(out, TurnStarted{TurnID: turnID})
	}
	for _, it := range turn.list("items") {
		m, ok := it.(map[string]any)
		if !ok {
			continue
		}
		item := fields(m)
		switch item.str("type") {
		case "userMessage":
			if text := extractText(item); text != "" {
				out = append(out, UserMessage{Text: text, TurnID: turnID})
			}
		case "agentMessage":
			if text := extractText(item); text != "" {
				out = append(out, AssistantMessage{Text: text, TurnID: turnID})
			}
		case "commandExecution", "fileChange", "mcpToolCall":
			out = append(out, decodeToolBegin(toolFallback(item.str("type")))(item)...)
			out = append(out, decodeToolEnd(item)...)
		}
	}
	switch status := turn.str("status"); status {
	case "completed", "failed":
		out = append(out, TurnCompleted{Status: status, TurnID: turnID})
	case "interrupted":
		out = append(out, TurnAborted{Reason: status, TurnID: turnID})
	}
	return out
}
