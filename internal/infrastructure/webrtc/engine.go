package webrtc

import (
	"context"
	"fmt"

	"peercam/internal/core/domain"
	"peercam/internal/core/ports"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// MediaMetrics receives media counters. monitoring.PrometheusCollector
// implements it.
type MediaMetrics interface {
	FramesSent(n int)
	FramesReceived(n int)
	RTCPReceived(kind string)
}

type nopMediaMetrics struct{}

func (nopMediaMetrics) FramesSent(int)      {}
func (nopMediaMetrics) FramesReceived(int)  {}
func (nopMediaMetrics) RTCPReceived(string) {}

// EngineConfig configures every connection an Engine creates.
type EngineConfig struct {
	Role       domain.NodeRole
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
}

// Engine creates pion peer connections. A source engine sends the shared
// VideoSource track on every connection; a viewer engine receives video.
type Engine struct {
	config  EngineConfig
	api     *webrtc.API
	source  *VideoSource
	metrics MediaMetrics
	logger  *zap.SugaredLogger
}

// NewEngine builds the pion API. source may be nil for viewers.
func NewEngine(config EngineConfig, source *VideoSource, metrics MediaMetrics, logger *zap.SugaredLogger) (*Engine, error) {
	if config.Role == domain.RoleSource && source == nil {
		return nil, fmt.Errorf("source engine requires a video source")
	}
	if metrics == nil {
		metrics = nopMediaMetrics{}
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	if config.PortRange.Min > 0 && config.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(config.PortRange.Min, config.PortRange.Max); err != nil {
			return nil, fmt.Errorf("invalid port range: %w", err)
		}
	}

	return &Engine{
		config: config,
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithSettingEngine(settingEngine),
		),
		source:  source,
		metrics: metrics,
		logger:  logger,
	}, nil
}

func (e *Engine) NewConnection(ctx context.Context, remote domain.PeerID) (ports.PeerConnection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pc, err := e.api.NewPeerConnection(webrtc.Configuration{
		ICEServers: e.config.ICEServers,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	c := &connection{
		pc:      pc,
		engine:  e,
		remote:  remote,
		metrics: e.metrics,
		logger:  e.logger.With("remote_id", remote),
	}
	c.registerCallbacks()
	return c, nil
}
