package eventstream

import (
	"encoding/json"

	"testscribe/internal/domain"
)

// FrameType identifies the kind of frame sent over the websocket.
type FrameType string

const (
	FrameTypeRequest  FrameType = "request"
	FrameTypeResponse FrameType = "response"
	FrameTypeEvent    FrameType = "event"
)

// Websocket methods. MethodCancel aborts the chat request whose id is the
// cancel frame's payload.
const (
	MethodChat   = "chat"
	MethodCancel = "cancel"
)

// Frame is the envelope exchanged over the chat websocket. A chat request
// is answered by event frames carrying the request's ID and one terminal
// response frame.
type Frame struct {
	Type    FrameType       `json:"type"`
	ID      uint64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// EventFrame wraps ev for request id.
func EventFrame(id uint64, ev domain.StreamEvent) (Frame, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: FrameTypeEvent, ID: id, Payload: data}, nil
}

// Event decodes the payload of an event frame.
func (f Frame) Event() (domain.StreamEvent, error) {
	var ev domain.StreamEvent
	err := json.Unmarshal(f.Payload, &ev)
	return ev, err
}
