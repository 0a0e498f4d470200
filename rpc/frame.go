package rpc

import (
	"bytes"
	"encoding/json"
	"strconv"
)

type frameKind int

const (
	frameDropped frameKind = iota
	frameResponse
	frameNotification
	frameServerRequest
	frameDecodeError
)

// inboundFrame is the classified form of one text frame.
type inboundFrame struct {
	kind         frameKind
	responseID   int64
	result       json.RawMessage
	rpcErr       *RPCError
	notification Notification
	request      ServerRequest
	decodeErr    DecodeError
}

// classifyFrame decodes a text frame. It only returns an error for frames
// that are not a JSON object; shapes it does not recognize are frameDropped.
func classifyFrame(data []byte) (inboundFrame, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return inboundFrame{}, err
	}

	if raw, ok := fields["event"]; ok && !isNull(raw) {
		var env streamEnvelope
		if err := json.Unmarshal(data, &env); err == nil && env.Event != nil {
			return classifyStreamEvent(env.Event), nil
		}
	}

	if rawID, ok := fields["id"]; ok {
		_, hasResult := fields["result"]
		_, hasError := fields["error"]
		if hasResult || hasError {
			id, ok := parseResponseID(rawID)
			if !ok {
				return inboundFrame{kind: frameDropped}, nil
			}
			f := inboundFrame{kind: frameResponse, responseID: id, result: fields["result"]}
			if hasError && !isNull(fields["error"]) {
				var rpcErr RPCError
				if err := json.Unmarshal(fields["error"], &rpcErr); err != nil {
					rpcErr = RPCError{Message: string(fields["error"])}
				}
				f.rpcErr = &rpcErr
			}
			return f, nil
		}
	}

	var method string
	if raw, ok := fields["method"]; ok && json.Unmarshal(raw, &method) == nil && method != "" {
		n := Notification{Method: method, Params: fields["params"]}
		if rawID, ok := fields["id"]; ok && !isNull(rawID) {
			n.ID = rawID
		}
		return inboundFrame{kind: frameNotification, notification: n}, nil
	}

	return inboundFrame{kind: frameDropped}, nil
}

func classifyStreamEvent(ev *streamEvent) inboundFrame {
	switch ev.Type {
	case "notification":
		var n Notification
		if err := json.Unmarshal(ev.Payload, &n); err != nil || n.Method == "" {
			return payloadDecodeError(ev, err)
		}
		return inboundFrame{kind: frameNotification, notification: n}
	case "server_request":
		req, err := decodeServerRequest(ev.Payload)
		if err != nil || req.Method == "" {
			return payloadDecodeError(ev, err)
		}
		return inboundFrame{kind: frameServerRequest, request: req}
	case "decode_error":
		var de DecodeError
		if err := json.Unmarshal(ev.Payload, &de); err != nil {
			return payloadDecodeError(ev, err)
		}
		return inboundFrame{kind: frameDecodeError, decodeErr: de}
	}
	return inboundFrame{kind: frameDropped}
}

// decodeServerRequest accepts "request_id" or, failing that, "id".
func decodeServerRequest(payload json.RawMessage) (ServerRequest, error) {
	var req struct {
		ServerRequest
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return ServerRequest{}, err
	}
	if len(req.RequestID) == 0 {
		req.RequestID = req.ID
	}
	return req.ServerRequest, nil
}

func payloadDecodeError(ev *streamEvent, err error) inboundFrame {
	msg := "missing method in " + ev.Type + " payload"
	if err != nil {
		msg = err.Error()
	}
	return inboundFrame{kind: frameDecodeError, decodeErr: DecodeError{Raw: string(ev.Payload), Message: msg}}
}

// parseResponseID accepts integer ids and strings holding an integer.
func parseResponseID(raw json.RawMessage) (int64, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return 0, false
	}
	text := string(raw)
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &text); err != nil {
			return 0, false
		}
	}
	if id, err := strconv.ParseInt(text, 10, 64); err == nil {
		return id, true
	}
	if f, err := strconv.ParseFloat(text, 64); err == nil && f == float64(int64(f)) {
		return int64(f), true
	}
	return 0, false
}

func isNull(raw json.RawMessage) bool {
	return len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
