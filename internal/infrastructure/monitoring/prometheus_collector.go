package monitoring

import (
	"time"

	"peercam/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector implements ports.Metrics and the media counters of the
// WebRTC engine.
type PrometheusCollector struct {
	// Signaling
	envelopesReceived *prometheus.CounterVec
	envelopesSent     *prometheus.CounterVec
	envelopesDropped  *prometheus.CounterVec
	publishFailures   prometheus.Counter
	transportStatus   *prometheus.GaugeVec

	// Sessions
	sessionTransitions *prometheus.CounterVec
	sessionFailures    *prometheus.CounterVec
	activeSessions     prometheus.Gauge
	onlinePeers        prometheus.Gauge
	commandsHandled    *prometheus.CounterVec

	// Histograms
	negotiationDuration prometheus.Histogram

	// Media
	framesTotal  *prometheus.CounterVec
	rtcpReceived *prometheus.CounterVec
}

var transportStatuses = []string{"connected", "degraded", "disconnected"}

// NewPrometheusCollector registers the collector's metrics with reg, or with
// the default registry when reg is nil.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		envelopesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peercam_envelopes_received_total",
			Help: "Signaling envelopes accepted from the bus",
		}, []string{"type"}),

		envelopesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peercam_envelopes_sent_total",
			Help: "Signaling envelopes published to the bus",
		}, []string{"type"}),

		envelopesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peercam_envelopes_dropped_total",
			Help: "Inbound envelopes discarded before reaching a handler",
		}, []string{"reason"}),

		publishFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "peercam_publish_failures_total",
			Help: "Publishes that failed after retries",
		}),

		transportStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "peercam_transport_status",
			Help: "1 for the current bus transport status, 0 otherwise",
		}, []string{"status"}),

		sessionTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peercam_session_transitions_total",
			Help: "Session state transitions by target state",
		}, []string{"state"}),

		sessionFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peercam_session_failures_total",
			Help: "Sessions torn down before or after connecting, by reason",
		}, []string{"reason"}),

		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "peercam_sessions_active",
			Help: "Sessions not yet closed",
		}),

		onlinePeers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "peercam_peers_online",
			Help: "Remote peers seen within the online window",
		}),

		commandsHandled: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peercam_commands_handled_total",
			Help: "Side channel commands answered",
		}, []string{"action"}),

		negotiationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "peercam_negotiation_duration_seconds",
			Help:    "Time from session creation to connected",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),

		framesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peercam_video_frames_total",
			Help: "Video frames written or received",
		}, []string{"direction"}),

		rtcpReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peercam_rtcp_packets_total",
			Help: "RTCP feedback packets received from viewers",
		}, []string{"kind"}),
	}
}

func (p *PrometheusCollector) EnvelopeReceived(t domain.MessageType) {
	p.envelopesReceived.WithLabelValues(string(t)).Inc()
}

func (p *PrometheusCollector) EnvelopeSent(t domain.MessageType) {
	p.envelopesSent.WithLabelValues(string(t)).Inc()
}

func (p *PrometheusCollector) EnvelopeDropped(reason string) {
	p.envelopesDropped.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) PublishFailed() {
	p.publishFailures.Inc()
}

func (p *PrometheusCollector) SetTransportStatus(status string) {
	for _, s := range transportStatuses {
		v := 0.0
		if s == status {
			v = 1
		}
		p.transportStatus.WithLabelValues(s).Set(v)
	}
}

func (p *PrometheusCollector) SessionTransition(to domain.SessionState) {
	p.sessionTransitions.WithLabelValues(string(to)).Inc()
}

func (p *PrometheusCollector) SessionConnected(negotiation time.Duration) {
	p.negotiationDuration.Observe(negotiation.Seconds())
}

func (p *PrometheusCollector) SessionFailed(reason string) {
	p.sessionFailures.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) SetActiveSessions(n int) {
	p.activeSessions.Set(float64(n))
}

func (p *PrometheusCollector) SetOnlinePeers(n int) {
	p.onlinePeers.Set(float64(n))
}

func (p *PrometheusCollector) CommandHandled(action string) {
	p.commandsHandled.WithLabelValues(action).Inc()
}

// FramesSent and FramesReceived feed the video frame counter.
func (p *PrometheusCollector) FramesSent(n int) {
	p.framesTotal.WithLabelValues("sent").Add(float64(n))
}

func (p *PrometheusCollector) FramesReceived(n int) {
	p.framesTotal.WithLabelValues("received").Add(float64(n))
}

func (p *PrometheusCollector) RTCPReceived(kind string) {
	p.rtcpReceived.WithLabelValues(kind).Inc()
}
