package events

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"

	"github.com/zhubert/crabbot-core/rpc"
)

// UnknownRequestKey is the key of a request whose id could not be read.
const UnknownRequestKey = "unknown-request"

// approvalMethods are the server requests that ask for a human decision.
var approvalMethods = map[string]bool{
	"item/commandExecution/requestApproval": true,
	"item/fileChange/requestApproval":       true,
	"item/tool/requestUserInput":            true,
	"item/tool/elicit":                      true,
	"item/mcpToolCall/requestApproval":      true,
	"execCommandApproval":                   true,
	"applyPatchApproval":                    true,
}

// legacyDecisionMethods answer with approved/denied instead of accept/decline.
var legacyDecisionMethods = map[string]bool{
	"execCommandApproval": true,
	"applyPatchApproval":  true,
}

// IsApprovalMethod reports whether method is an approval request.
func IsApprovalMethod(method string) bool {
	return approvalMethods[method]
}

// ParseServerRequest normalizes a server request into an Approval event.
// Methods that are not approvals yield no events.
func ParseServerRequest(r rpc.ServerRequest) []Event {
	if !IsApprovalMethod(r.Method) {
		return nil
	}
	p := decodeFields(r.Params)
	reason := p.first(reasonPaths)
	if reason == "" {
		reason = p.commandLine()
	}
	if reason == "" {
		reason = p.first(messagePaths)
	}
	return one(Approval{
		RequestKey: RequestKey(r.RequestID),
		RequestID:  append(json.RawMessage(nil), r.RequestID...),
		Method:     r.Method,
		Reason:     reason,
	})
}

// RequestKey returns the string form of a request id: a JSON string is
// used unquoted, a number in canonical decimal form (7.0 and 7 both give
// "7") and anything else as compact JSON.
func RequestKey(id json.RawMessage) string {
	if len(id) == 0 {
		return UnknownRequestKey
	}
	dec := json.NewDecoder(bytes.NewReader(id))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return UnknownRequestKey
	}
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return canonicalNumber(t)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return UnknownRequestKey
	}
	return string(b)
}

func canonicalNumber(n json.Number) string {
	if i, err := n.Int64(); err == nil {
		return strconv.FormatInt(i, 10)
	}
	f, err := n.Float64()
	if err != nil || math.IsInf(f, 0) || math.Abs(f) >= 1e21 {
		return n.String()
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// Decision returns the decision value to send for an approval request.
func Decision(method string, approve bool) string {
	switch {
	case legacyDecisionMethods[method] && approve:
		return "approved"
	case legacyDecisionMethods[method]:
		return "denied"
	case approve:
		return "accept"
	default:
		return "decline"
	}
}

// DecisionResult is the response body for an approval request.
func DecisionResult(method string, approve bool) map[string]string {
	return map[string]string{"decision": Decision(method, approve)}
}
