package hub

import "github.com/raidlink/raidlink/api/pkg/stream"

// CountdownDuration is the fixed duration carried in every countdown
// frame, in milliseconds.
const CountdownDuration = 3000

// Inbound frame types.
const (
	msgReady         = "ready"
	msgSetName       = "set_name"
	msgStartRequest  = "start_request"
	msgTravelRequest = "travel_request"
	msgExecuteTravel = "execute_travel"
	msgResetRaid     = "reset_raid"
	msgStreamStart   = "stream_start"
	msgStreamStop    = "stream_stop"
	msgPing          = "ping"
)

// inboundFrame is the union of all client text frames, selected by Type.
// Unknown types are logged and dropped by the dispatcher.
type inboundFrame struct {
	Type      string `json:"type"`
	Value     bool   `json:"value"`
	Name      string `json:"name"`
	Timestamp int64  `json:"timestamp"`
}

type agentAssignedFrame struct {
	Type    string            `json:"type"`
	AgentID int               `json:"agentId"`
	Agents  map[string]bool   `json:"agents"`
	Names   map[string]string `json:"names"`
}

type readyStateFrame struct {
	Type   string            `json:"type"`
	Agents map[string]bool   `json:"agents"`
	Names  map[string]string `json:"names"`
}

type countdownFrame struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
	Duration  int    `json:"duration"`
}

type startFrame struct {
	Type           string `json:"type"`
	Timestamp      int64  `json:"timestamp"`
	StarterAgentID int    `json:"starterAgentId"`
}

type travelModeFrame struct {
	Type   string `json:"type"`
	Active bool   `json:"active"`
}

type typeOnlyFrame struct {
	Type string `json:"type"`
}

type streamStatusFrame struct {
	Type    string        `json:"type"`
	Streams []stream.Info `json:"streams"`
}

type pongFrame struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
