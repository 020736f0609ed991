package ports

import (
	"context"

	"peercam/internal/core/domain"
)

// Connection state values reported with EventConnectionState.
const (
	ConnectionStateNew          = "new"
	ConnectionStateConnecting   = "connecting"
	ConnectionStateConnected    = "connected"
	ConnectionStateDisconnected = "disconnected"
	ConnectionStateFailed       = "failed"
	ConnectionStateClosed       = "closed"
)

type ConnectionEventKind string

const (
	EventConnectionState    ConnectionEventKind = "connection_state"
	EventICEConnectionState ConnectionEventKind = "ice_connection_state"
	EventICEGatheringState  ConnectionEventKind = "ice_gathering_state"
	EventSignalingState     ConnectionEventKind = "signaling_state"
	EventLocalCandidate     ConnectionEventKind = "local_candidate"
	// EventSideChannel carries a side channel opened by the remote peer.
	EventSideChannel ConnectionEventKind = "side_channel"
)

// ConnectionEvent is emitted by a PeerConnection from its own goroutines.
type ConnectionEvent struct {
	Kind      ConnectionEventKind
	State     string
	Candidate *domain.ICECandidate
	Channel   SideChannel
}

type MediaEngine interface {
	NewConnection(ctx context.Context, remote domain.PeerID) (PeerConnection, error)
}

// PeerConnection is one media-engine connection. Negotiation methods must not
// be called concurrently for the same connection.
type PeerConnection interface {
	OnEvent(handler func(ConnectionEvent))
	AttachLocalMedia(ctx context.Context) error
	OpenSideChannel(label string) (SideChannel, error)
	CreateOffer(ctx context.Context) (domain.SessionDescription, error)
	CreateAnswer(ctx context.Context) (domain.SessionDescription, error)
	SetLocalDescription(ctx context.Context, desc domain.SessionDescription) error
	SetRemoteDescription(ctx context.Context, desc domain.SessionDescription) error
	AddICECandidate(ctx context.Context, candidate domain.ICECandidate) error
	Stats() MediaStats
	Close() error
}

type MediaStats struct {
	FramesSent     uint64
	FramesReceived uint64
	PacketsLost    uint64
	PLIReceived    uint64
	NACKReceived   uint64
}

// SideChannel is a reliable ordered message channel riding on a connection.
type SideChannel interface {
	Label() string
	IsOpen() bool
	Send(data []byte) error
	OnOpen(func())
	OnMessage(func([]byte))
	OnClose(func())
	Close() error
}

// MediaSource describes the local video feed.
type MediaSource interface {
	FramesCaptured() uint64
	Resolution() string
	FPS() int
	IsFake() bool
}
