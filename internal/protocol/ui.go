package protocol

import "gridcourier/internal/sim/grid"

// UI websocket messages. A client opens with HELLO, receives WELCOME and
// then a FRAME on every state change. Commands are fire-and-forget; the
// next FRAME shows their effect.

type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ClientName      string `json:"client_name,omitempty"`
}

type WelcomeMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	SessionID       string     `json:"session_id"`
	Grid            grid.State `json:"grid"`
	Capacity        int        `json:"capacity"`
	TimeoutSec      float64    `json:"timeout_sec"`
	TickIntervalMs  int        `json:"tick_interval_ms"`
}

type FrameMsg struct {
	Type            string               `json:"type"`
	ProtocolVersion string               `json:"protocol_version"`
	Knowledge       *KnowledgeSnapshot   `json:"knowledge,omitempty"`
	Environment     *EnvironmentSnapshot `json:"environment,omitempty"`
}

type UIAddOrderMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	House           grid.Coord `json:"house"`
}

type UIToggleObstacleMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	Cell            grid.Coord `json:"cell"`
}

type UIResetMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
}

type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message,omitempty"`
}
