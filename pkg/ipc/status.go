package ipc

import (
	"encoding/json"
	"fmt"
)

// Status is the wire-visible state of a request or response
type Status int

const (
	// StatusDone ends a request or a server session
	StatusDone Status = 0
	// StatusContinue keeps a request or server session open for more messages
	StatusContinue Status = 1
	// StatusTimeout is synthesized locally when a request expires. It is never
	// published.
	StatusTimeout Status = 2
	// StatusError reports a local failure such as an unencodable payload. It
	// is never published.
	StatusError Status = 4
)

// String returns a string representation of the status
func (s Status) String() string {
	switch s {
	case StatusDone:
		return "DONE"
	case StatusContinue:
		return "CONTINUE"
	case StatusTimeout:
		return "TIMEOUT"
	case StatusError:
		return "ERROR"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// IsTerminal reports whether no further message follows this status
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusTimeout
}

// onWire reports whether the status may be published
func (s Status) onWire() bool {
	return s == StatusDone || s == StatusContinue
}

// RequestEnvelope is published by a client to a request topic
type RequestEnvelope struct {
	Status         Status          `json:"status"`
	RequestPayload json.RawMessage `json:"request_payload"`
	ReplyTopic     string          `json:"reply_topic"`
}

// ResponseEnvelope is published by a server to a reply topic
type ResponseEnvelope struct {
	Status          Status          `json:"status"`
	ResponsePayload json.RawMessage `json:"response_payload"`
}

// inbound is the union of both envelopes. Pointer fields tell a missing key
// from a zero value.
type inbound struct {
	Status          *Status         `json:"status"`
	RequestPayload  json.RawMessage `json:"request_payload"`
	ResponsePayload json.RawMessage `json:"response_payload"`
	ReplyTopic      *string         `json:"reply_topic"`
}

// encodePayload turns an application payload into raw JSON. A
// json.RawMessage is passed through unchanged if it is valid JSON.
func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case json.RawMessage:
		if len(p) == 0 {
			return json.RawMessage("null"), nil
		}
		if !json.Valid(p) {
			return nil, fmt.Errorf("payload is not valid JSON")
		}
		return p, nil
	case nil:
		return json.RawMessage("null"), nil
	default:
		return json.Marshal(p)
	}
}

func decodeInbound(payload []byte) (*inbound, error) {
	var in inbound
	if err := json.Unmarshal(payload, &in); err != nil {
		return nil, err
	}
	return &in, nil
}

// payloadOrNull normalizes a missing payload key to JSON null
func payloadOrNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}
