package domain

import "time"

type MessageType string

const (
	MessagePresence        MessageType = "presence"
	MessageCameraAvailable MessageType = "camera_available"
	MessageViewRequest     MessageType = "view_request"
	MessageOffer           MessageType = "offer"
	MessageAnswer          MessageType = "answer"
	MessageICE             MessageType = "ice"
)

// Known reports whether t belongs to the signaling vocabulary.
func (t MessageType) Known() bool {
	switch t {
	case MessagePresence, MessageCameraAvailable, MessageViewRequest,
		MessageOffer, MessageAnswer, MessageICE:
		return true
	}
	return false
}

// Signaling reports whether messages of this type are routed to the session controller.
func (t MessageType) Signaling() bool {
	switch t {
	case MessageViewRequest, MessageOffer, MessageAnswer, MessageICE:
		return true
	}
	return false
}

// Envelope is an addressed message on the shared signaling topic. An empty To
// means broadcast.
type Envelope struct {
	Type    MessageType
	From    PeerID
	To      PeerID
	Payload Payload
	// Raw holds the undecoded data of envelopes whose type is not Known.
	Raw []byte
}

func (e Envelope) Broadcast() bool { return e.To == "" }

// AddressedTo reports whether a receiver with the given id should process e.
func (e Envelope) AddressedTo(id PeerID) bool {
	return e.Broadcast() || e.To == id
}

// Payload is the closed set of envelope data variants.
type Payload interface {
	messageType() MessageType
}

// Presence may carry the sender's role so viewers can tell sources apart.
type Presence struct {
	Role NodeRole `json:"role,omitempty"`
}

type CameraAvailable struct {
	CameraID   PeerID  `json:"camera_id"`
	Resolution string  `json:"resolution,omitempty"`
	Timestamp  float64 `json:"timestamp"`
	IsFake     bool    `json:"is_fake"`
}

type ViewRequest struct{}

// SessionDescription is passed through to the media engine verbatim.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type ICECandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex"`
	// Seq is a diagnostic counter assigned by the sender.
	Seq uint64 `json:"seq,omitempty"`
}

func (Presence) messageType() MessageType        { return MessagePresence }
func (CameraAvailable) messageType() MessageType { return MessageCameraAvailable }
func (ViewRequest) messageType() MessageType     { return MessageViewRequest }
func (ICECandidate) messageType() MessageType    { return MessageICE }

func (d SessionDescription) messageType() MessageType {
	if d.Type == "answer" {
		return MessageAnswer
	}
	return MessageOffer
}

// PayloadType returns the envelope type a payload belongs to.
func PayloadType(p Payload) MessageType { return p.messageType() }

// UnixSeconds renders t the way peers put timestamps on the wire.
func UnixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
