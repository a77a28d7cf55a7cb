// Package protocol defines the payloads exchanged between the courier
// components over the in-process bus and with UI clients over websocket.
// Payloads are plain records; transports marshal them as JSON.
package protocol

import "encoding/json"

const Version = "1.0"

// UI message types.
const (
	TypeHello          = "HELLO"
	TypeWelcome        = "WELCOME"
	TypeFrame          = "FRAME"
	TypeAddOrder       = "ADD_ORDER"
	TypeToggleObstacle = "TOGGLE_OBSTACLE"
	TypeReset          = "RESET"
	TypeError          = "ERROR"
)

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}
