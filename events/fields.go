package events

import (
	"bytes"
	"encoding/json"
	"strings"
)

// fields is a decoded params object. Lookups never fail; a missing or
// mistyped value reads as empty.
type fields map[string]any

// Field aliases seen across protocol versions, in lookup order.
var (
	turnIDPaths   = [][]string{{"turn", "id"}, {"turnId"}, {"turn_id"}}
	threadIDPaths = [][]string{{"thread", "id"}, {"threadId"}, {"thread_id"}}
	callIDPaths   = [][]string{{"id"}, {"callId"}, {"call_id"}, {"itemId"}, {"item_id"}}
	deltaPaths    = [][]string{{"delta"}, {"outputDelta"}}
	toolNamePaths = [][]string{{"tool"}, {"toolName"}, {"tool_name"}, {"invocation", "tool"}}
	commandPaths  = [][]string{{"rawCommand"}, {"command"}}
	outputPaths   = [][]string{{"stderr"}, {"stdout"}, {"aggregatedOutput"}, {"aggregated_output"}, {"formatted_output"}, {"output"}}
	reasonPaths   = [][]string{{"reason"}}
	messagePaths  = [][]string{{"message"}, {"error", "message"}}
	turnStatus    = [][]string{{"turn", "status"}, {"status"}}
)

// turn/started also accepts a bare id.
var startedIDPaths = [][]string{{"turn", "id"}, {"turnId"}, {"turn_id"}, {"id"}}

func decodeFields(raw json.RawMessage) fields {
	if len(raw) == 0 {
		return fields{}
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var f fields
	if err := dec.Decode(&f); err != nil || f == nil {
		return fields{}
	}
	return f
}

// at follows path through nested objects.
func (f fields) at(path []string) any {
	var cur any = map[string]any(f)
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[key]
	}
	return cur
}

// first returns the first non-empty string found along paths. Numbers are
// accepted and formatted as written.
func (f fields) first(paths [][]string) string {
	for _, p := range paths {
		switch v := f.at(p).(type) {
		case string:
			if v != "" {
				return v
			}
		case json.Number:
			return v.String()
		}
	}
	return ""
}

func (f fields) str(key string) string {
	return f.first([][]string{{key}})
}

func (f fields) obj(key string) fields {
	if m, ok := f[key].(map[string]any); ok {
		return fields(m)
	}
	return fields{}
}

func (f fields) list(key string) []any {
	l, _ := f[key].([]any)
	return l
}

// truthy mirrors a loose "is this set" check: nil, false, "" and 0 are unset.
func (f fields) truthy(key string) bool {
	switch v := f[key].(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		return v != ""
	case json.Number:
		return v.String() != "0"
	}
	return true
}

// commandHead returns the program of a command given as a list or a string.
func (f fields) commandHead() string {
	for _, p := range commandPaths {
		switch v := f.at(p).(type) {
		case []any:
			if len(v) > 0 {
				if s, ok := v[0].(string); ok && s != "" {
					return s
				}
			}
		case string:
			if head, _, _ := strings.Cut(strings.TrimSpace(v), " "); head != "" {
				return head
			}
		}
	}
	return ""
}

// commandLine returns the full command as one string.
func (f fields) commandLine() string {
	for _, p := range commandPaths {
		switch v := f.at(p).(type) {
		case []any:
			parts := make([]string, 0, len(v))
			for _, item := range v {
				if s, ok := item.(string); ok {
					parts = append(parts, s)
				}
			}
			if len(parts) > 0 {
				return strings.Join(parts, " ")
			}
		case string:
			if v != "" {
				return v
			}
		}
	}
	return ""
}

// extractText returns message text from a flat "text" or "message" string, or by
// concatenating the "text" parts of a "content" array. Other part types
// are ignored.
func extractText(f fields) string {
	if s := f.first([][]string{{"text"}, {"message"}}); s != "" {
		return s
	}
	var b strings.Builder
	for _, part := range f.list("content") {
		p, ok := part.(map[string]any)
		if !ok || p["type"] != "text" {
			continue
		}
		if s, ok := p["text"].(string); ok {
			b.WriteString(s)
		}
	}
	return b.String()
}
