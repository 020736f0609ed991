package domain

import "time"

type SessionState string

const (
	SessionNew         SessionState = "new"
	SessionNegotiating SessionState = "negotiating"
	SessionConnected   SessionState = "connected"
	SessionClosing     SessionState = "closing"
	SessionClosed      SessionState = "closed"
)

func (s SessionState) Terminal() bool { return s == SessionClosed }

// NegotiationRole is the side a session plays in the offer/answer exchange.
type NegotiationRole string

const (
	Offerer  NegotiationRole = "offerer"
	Answerer NegotiationRole = "answerer"
)

type IceGatheringState string

const (
	IceGatheringIdle      IceGatheringState = "idle"
	IceGatheringGathering IceGatheringState = "gathering"
	IceGatheringComplete  IceGatheringState = "complete"
)

// SessionStats is the diagnostics snapshot of one session.
type SessionStats struct {
	SessionID             string            `json:"session_id"`
	PeerID                PeerID            `json:"peer_id"`
	RemoteID              PeerID            `json:"remote_id"`
	Role                  NegotiationRole   `json:"role"`
	State                 SessionState      `json:"state"`
	ConnectionState       string            `json:"connection_state"`
	ICEConnectionState    string            `json:"ice_connection_state"`
	ICEGatheringState     IceGatheringState `json:"ice_gathering_state"`
	SignalingState        string            `json:"signaling_state"`
	ICECandidatesSent     int               `json:"ice_candidates_sent"`
	ICECandidatesReceived int               `json:"ice_candidates_received"`
	SideChannelOpen       bool              `json:"side_channel_open"`
	Connected             bool              `json:"connected"`
	Failed                bool              `json:"failed"`
	CloseReason           string            `json:"close_reason,omitempty"`
	LastError             string            `json:"last_error,omitempty"`
	Uptime                float64           `json:"uptime"`
	FramesCaptured        uint64            `json:"frames_captured"`
	FramesReceived        uint64            `json:"frames_received"`
	CreatedAt             time.Time         `json:"created_at"`
	ConnectedAt           *time.Time        `json:"connected_at,omitempty"`
}

// SessionEvent is published by the controller on every session state change.
type SessionEvent struct {
	SessionID string
	RemoteID  PeerID
	Role      NegotiationRole
	State     SessionState
	Failed    bool
	Err       error
	At        time.Time
}
