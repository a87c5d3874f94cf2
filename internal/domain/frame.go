package domain

import "encoding/json"

// FrameType tags a gateway WebSocket frame
type FrameType string

const (
	// Server to client
	FrameSync  FrameType = "sync"
	FrameJoin  FrameType = "join"
	FrameLeave FrameType = "leave"
	FrameNudge FrameType = "nudge"
	FrameError FrameType = "error"

	// Both directions
	FrameBroadcast FrameType = "broadcast"

	// Client to server
	FrameTrack FrameType = "track"
)

// Frame is one message on the presence or incoming-call gateway
type Frame struct {
	Type    FrameType                  `json:"type"`
	Key     string                     `json:"key,omitempty"`
	Payload json.RawMessage            `json:"payload,omitempty"`
	Members map[string]json.RawMessage `json:"members,omitempty"`
	Error   string                     `json:"error,omitempty"`
}
