package ports

import (
	"context"
	"time"

	"peercam/internal/core/domain"
)

// Signaler publishes envelopes on behalf of the session controller.
type Signaler interface {
	Send(ctx context.Context, env domain.Envelope) error
}

// EnvelopeHandler receives envelopes addressed to the local peer.
type EnvelopeHandler interface {
	HandleEnvelope(env domain.Envelope)
}

// BeaconHandler receives presence and camera_available envelopes.
type BeaconHandler interface {
	HandleBeacon(env domain.Envelope)
}

// Metrics collects signaling and session counters.
type Metrics interface {
	EnvelopeReceived(t domain.MessageType)
	EnvelopeSent(t domain.MessageType)
	EnvelopeDropped(reason string)
	PublishFailed()
	SessionTransition(to domain.SessionState)
	SessionConnected(negotiation time.Duration)
	SessionFailed(reason string)
	SetActiveSessions(n int)
	SetOnlinePeers(n int)
	CommandHandled(action string)
	SetTransportStatus(status string)
}

type NopMetrics struct{}

func (NopMetrics) EnvelopeReceived(domain.MessageType)   {}
func (NopMetrics) EnvelopeSent(domain.MessageType)       {}
func (NopMetrics) EnvelopeDropped(string)                {}
func (NopMetrics) PublishFailed()                        {}
func (NopMetrics) SessionTransition(domain.SessionState) {}
func (NopMetrics) SessionConnected(time.Duration)        {}
func (NopMetrics) SessionFailed(string)                  {}
func (NopMetrics) SetActiveSessions(int)                 {}
func (NopMetrics) SetOnlinePeers(int)                    {}
func (NopMetrics) CommandHandled(string)                 {}
func (NopMetrics) SetTransportStatus(string)             {}
