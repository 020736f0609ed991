package webrtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"peercam/internal/core/domain"
	"peercam/internal/core/ports"
	"peercam/pkg/validation"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const rtpBufferSize = 1500 // MTU size

var errRemoteNotSet = errors.New("remote description not set")

// connection adapts a pion PeerConnection to ports.PeerConnection.
type connection struct {
	pc      *webrtc.PeerConnection
	engine  *Engine
	remote  domain.PeerID
	metrics MediaMetrics
	logger  *zap.SugaredLogger

	mu      sync.Mutex
	handler func(ports.ConnectionEvent)

	// frames the shared source had written when this connection attached it
	sourceBase     uint64
	attached       bool
	framesReceived atomic.Uint64
	packetsLost    atomic.Uint64
	pli            atomic.Uint64
	nack           atomic.Uint64
}

func (c *connection) registerCallbacks() {
	c.pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		// nil marks the end of gathering
		if candidate == nil {
			return
		}
		init := candidate.ToJSON()
		c.emit(ports.ConnectionEvent{
			Kind: ports.EventLocalCandidate,
			Candidate: &domain.ICECandidate{
				Candidate:     init.Candidate,
				SDPMid:        init.SDPMid,
				SDPMLineIndex: init.SDPMLineIndex,
			},
		})
	})

	c.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.logger.Infow("Peer connection state changed", "connection_state", state)
		c.emit(ports.ConnectionEvent{Kind: ports.EventConnectionState, State: state.String()})
	})

	c.pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		c.logger.Debugw("ICE connection state changed", "ice_state", state)
		c.emit(ports.ConnectionEvent{Kind: ports.EventICEConnectionState, State: state.String()})
	})

	c.pc.OnICEGatheringStateChange(func(state webrtc.ICEGathererState) {
		c.emit(ports.ConnectionEvent{Kind: ports.EventICEGatheringState, State: state.String()})
	})

	c.pc.OnSignalingStateChange(func(state webrtc.SignalingState) {
		c.emit(ports.ConnectionEvent{Kind: ports.EventSignalingState, State: state.String()})
	})

	c.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		c.logger.Debugw("Remote data channel", "label", dc.Label())
		c.emit(ports.ConnectionEvent{Kind: ports.EventSideChannel, Channel: &sideChannel{dc: dc}})
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		c.logger.Infow("Receiving track",
			"track_id", track.ID(),
			"codec", track.Codec().MimeType,
		)
		go c.receiveTrack(track)
	})
}

func (c *connection) emit(ev ports.ConnectionEvent) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

func (c *connection) OnEvent(handler func(ports.ConnectionEvent)) {
	c.mu.Lock()
	c.handler = handler
	c.mu.Unlock()
}

// AttachLocalMedia adds the shared video track on a source and a recvonly
// video transceiver on a viewer.
func (c *connection) AttachLocalMedia(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if c.engine.config.Role != domain.RoleSource {
		_, err := c.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		})
		return err
	}

	sender, err := c.pc.AddTrack(c.engine.source.Track())
	if err != nil {
		return fmt.Errorf("failed to add video track: %w", err)
	}
	c.mu.Lock()
	c.sourceBase = c.engine.source.FramesCaptured()
	c.attached = true
	c.mu.Unlock()

	go c.readRTCP(sender)
	return nil
}

func (c *connection) OpenSideChannel(label string) (ports.SideChannel, error) {
	ordered := true
	dc, err := c.pc.CreateDataChannel(label, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return nil, err
	}
	return &sideChannel{dc: dc}, nil
}

func (c *connection) CreateOffer(ctx context.Context) (domain.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return domain.SessionDescription{}, err
	}
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return domain.SessionDescription{}, err
	}
	return fromPion(offer), nil
}

func (c *connection) CreateAnswer(ctx context.Context) (domain.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return domain.SessionDescription{}, err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SessionDescription{}, err
	}
	return fromPion(answer), nil
}

func (c *connection) SetLocalDescription(ctx context.Context, desc domain.SessionDescription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d, err := toPion(desc)
	if err != nil {
		return err
	}
	return c.pc.SetLocalDescription(d)
}

func (c *connection) SetRemoteDescription(ctx context.Context, desc domain.SessionDescription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validation.ValidateSDP(desc.SDP); err != nil {
		return fmt.Errorf("remote %s: %w", desc.Type, err)
	}
	d, err := toPion(desc)
	if err != nil {
		return err
	}
	return c.pc.SetRemoteDescription(d)
}

func (c *connection) AddICECandidate(ctx context.Context, candidate domain.ICECandidate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.pc.RemoteDescription() == nil {
		return errRemoteNotSet
	}
	return c.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     candidate.Candidate,
		SDPMid:        candidate.SDPMid,
		SDPMLineIndex: candidate.SDPMLineIndex,
	})
}

func (c *connection) Stats() ports.MediaStats {
	stats := ports.MediaStats{
		FramesReceived: c.framesReceived.Load(),
		PacketsLost:    c.packetsLost.Load(),
		PLIReceived:    c.pli.Load(),
		NACKReceived:   c.nack.Load(),
	}
	c.mu.Lock()
	if c.attached {
		stats.FramesSent = c.engine.source.FramesCaptured() - c.sourceBase
	}
	c.mu.Unlock()
	return stats
}

func (c *connection) Close() error {
	return c.pc.Close()
}

// readRTCP drains viewer feedback for a sender until the connection closes.
func (c *connection) readRTCP(sender *webrtc.RTPSender) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		c.countRTCP(packets)
	}
}

func (c *connection) countRTCP(packets []rtcp.Packet) {
	for _, packet := range packets {
		switch p := packet.(type) {
		case *rtcp.PictureLossIndication:
			c.pli.Add(1)
			c.metrics.RTCPReceived("pli")
		case *rtcp.TransportLayerNack:
			c.nack.Add(1)
			c.metrics.RTCPReceived("nack")
		case *rtcp.ReceiverReport:
			for _, report := range p.Reports {
				// cumulative, so keep the latest
				c.packetsLost.Store(uint64(report.TotalLost))
			}
			c.metrics.RTCPReceived("receiver_report")
		}
	}
}

// receiveTrack counts frames by RTP marker bit until the track ends.
func (c *connection) receiveTrack(track *webrtc.TrackRemote) {
	buf := make([]byte, rtpBufferSize)
	packet := &rtp.Packet{}
	for {
		n, _, err := track.Read(buf)
		if err != nil {
			c.logger.Debugw("Track ended", "track_id", track.ID(), "error", err)
			return
		}
		if err := packet.Unmarshal(buf[:n]); err != nil {
			c.logger.Debugw("Dropping malformed RTP packet", "error", err)
			continue
		}
		c.countPacket(packet)
	}
}

func (c *connection) countPacket(packet *rtp.Packet) {
	if packet.Marker {
		c.framesReceived.Add(1)
		c.metrics.FramesReceived(1)
	}
}

func toPion(desc domain.SessionDescription) (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch desc.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	case "pranswer":
		t = webrtc.SDPTypePranswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", desc.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: desc.SDP}, nil
}

func fromPion(desc webrtc.SessionDescription) domain.SessionDescription {
	return domain.SessionDescription{Type: desc.Type.String(), SDP: desc.SDP}
}
