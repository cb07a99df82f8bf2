// Package protocol defines the wire format of the bot backend's push channel.
// This package is importable by backends and test doubles that speak it.
package protocol

import "encoding/json"

// Protocol version sent during the connect handshake.
const ProtocolVersion = 1

// Frame types
const (
	FrameTypeRequest  = "req"
	FrameTypeResponse = "res"
	FrameTypeEvent    = "event"
)

// MethodConnect is the first request on every push channel.
const MethodConnect = "connect"

// RequestFrame is sent by the client to invoke a method.
type RequestFrame struct {
	Type   string          `json:"type"`   // always "req"
	ID     string          `json:"id"`     // client-generated request ID
	Method string          `json:"method"` // method name
	Params json.RawMessage `json:"params,omitempty"`
}

// ConnectParams is the payload of the connect handshake.
type ConnectParams struct {
	Token    string `json:"token"`
	TargetID string `json:"targetId"`
	UserID   string `json:"userId"`
	Protocol int    `json:"protocol"`
}

// ResponseFrame answers a request.
type ResponseFrame struct {
	Type    string          `json:"type"` // always "res"
	ID      string          `json:"id"`
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ErrorShape     `json:"error,omitempty"`
}

// ErrorShape describes a protocol error.
type ErrorShape struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	Retryable    bool   `json:"retryable,omitempty"`
	RetryAfterMs int    `json:"retryAfterMs,omitempty"`
}

// EventFrame is pushed by the backend without a preceding request.
type EventFrame struct {
	Type    string          `json:"type"` // always "event"
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Seq     int64           `json:"seq,omitempty"` // per-channel ordering number, 0 if unsequenced
}

// NewConnectRequest builds the handshake request frame.
func NewConnectRequest(id string, params ConnectParams) (*RequestFrame, error) {
	if params.Protocol == 0 {
		params.Protocol = ProtocolVersion
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return &RequestFrame{
		Type:   FrameTypeRequest,
		ID:     id,
		Method: MethodConnect,
		Params: raw,
	}, nil
}

// NewOKResponse creates a success response frame.
func NewOKResponse(id string) *ResponseFrame {
	return &ResponseFrame{Type: FrameTypeResponse, ID: id, OK: true}
}

// NewErrorResponse creates an error response frame.
func NewErrorResponse(id, code, message string) *ResponseFrame {
	return &ResponseFrame{
		Type: FrameTypeResponse,
		ID:   id,
		OK:   false,
		Error: &ErrorShape{
			Code:    code,
			Message: message,
		},
	}
}

// NewEvent creates an event frame with a JSON-encoded payload.
func NewEvent(event string, seq int64, payload interface{}) (*EventFrame, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return &EventFrame{
		Type:    FrameTypeEvent,
		Event:   event,
		Payload: raw,
		Seq:     seq,
	}, nil
}

// ParseFrameType extracts the frame type from raw JSON bytes.
func ParseFrameType(data []byte) (string, error) {
	var raw struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return "", err
	}
	return raw.Type, nil
}
