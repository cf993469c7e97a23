package ws

import "encoding/json"

// Client frame types.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
)

// Server frame events.
const (
	EventMessage = "message"
	EventError   = "error"
)

// ClientFrame is a control message sent by a subscriber.
type ClientFrame struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

// ServerFrame is delivered to subscribers. Data carries log payloads
// verbatim.
type ServerFrame struct {
	Event   string `json:"event"`
	Channel string `json:"channel,omitempty"`
	Data    string `json:"data"`
}

// ParseClientFrame decodes a control frame.
func ParseClientFrame(raw []byte) (ClientFrame, error) {
	var frame ClientFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return ClientFrame{}, err
	}
	return frame, nil
}

// MessageFrame encodes a message event for channel.
func MessageFrame(channel string, data []byte) []byte {
	return encode(ServerFrame{Event: EventMessage, Channel: channel, Data: string(data)})
}

// ErrorFrame encodes an error event.
func ErrorFrame(channel, reason string) []byte {
	return encode(ServerFrame{Event: EventError, Channel: channel, Data: reason})
}

func encode(frame ServerFrame) []byte {
	payload, err := json.Marshal(frame)
	if err != nil {
		return []byte(`{"event":"error","data":"encoding failure"}`)
	}
	return payload
}
