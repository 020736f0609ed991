package domain

import "time"

type PeerID string

func (id PeerID) String() string { return string(id) }

// NodeRole is what a process contributes to a session: the video or the eyes.
type NodeRole string

const (
	RoleSource NodeRole = "source"
	RoleViewer NodeRole = "viewer"
)

type PeerStatus string

const (
	PeerOnline PeerStatus = "online"
	PeerStale  PeerStatus = "stale"
)

// PeerRecord is the last time a peer was heard from on the discovery topics.
type PeerRecord struct {
	ID       PeerID
	LastSeen time.Time
}

// PeerEntry is a classified view of a PeerRecord at a given instant.
type PeerEntry struct {
	ID       PeerID     `json:"peer_id"`
	Status   PeerStatus `json:"status"`
	LastSeen time.Time  `json:"last_seen"`
}

// DiscoveryMode selects how peers find each other. A deployment uses exactly one.
type DiscoveryMode string

const (
	// DiscoveryPresence: every peer beacons presence, viewers send the offer.
	DiscoveryPresence DiscoveryMode = "presence"
	// DiscoveryAnnounce: sources announce camera_available, viewers ask with
	// view_request and the source sends the offer.
	DiscoveryAnnounce DiscoveryMode = "announce"
)
