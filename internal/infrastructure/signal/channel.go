package signal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"peercam/internal/core/domain"
	"peercam/internal/core/envelope"
	"peercam/internal/core/ports"
	"peercam/pkg/circuitbreaker"
	"peercam/pkg/retry"
	"peercam/pkg/utils"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	DefaultSignalingTopic = "webrtc/signaling"
	DefaultAnnounceTopic  = "camera/announce"

	limiterIdleTimeout = time.Minute
	maxLimiters        = 1024
	maxLoggedPayload   = 120
)

type Status string

const (
	StatusConnected    Status = "connected"
	StatusDegraded     Status = "degraded"
	StatusDisconnected Status = "disconnected"
)

// Drop reasons reported to metrics.
const (
	DropMalformed    = "malformed"
	DropEcho         = "echo"
	DropUnknownType  = "unknown_type"
	DropNotAddressed = "not_addressed"
	DropRateLimited  = "rate_limited"
	DropNoHandler    = "no_handler"
)

type ChannelConfig struct {
	LocalID        domain.PeerID
	Mode           domain.DiscoveryMode
	SignalingTopic string
	AnnounceTopic  string
	// RatePerSecond limits inbound envelopes per sender; 0 disables it.
	RatePerSecond float64
	RateBurst     int
	Retry         retry.Config
	Reconnect     retry.Config
	Breaker       circuitbreaker.Config
}

// Channel connects the local peer to the shared signaling topic. Inbound
// envelopes are decoded and filtered before they reach discovery or the
// session controller; outbound envelopes are published with retry behind a
// circuit breaker.
type Channel struct {
	cfg     ChannelConfig
	bus     ports.Bus
	breaker *circuitbreaker.CircuitBreaker
	metrics ports.Metrics
	logger  *zap.SugaredLogger

	handlerMu sync.RWMutex
	envelopes ports.EnvelopeHandler
	beacons   ports.BeaconHandler

	limiterMu sync.Mutex
	limiters  map[domain.PeerID]*senderLimiter

	statusMu sync.RWMutex
	status   Status
}

type senderLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewChannel(cfg ChannelConfig, bus ports.Bus, metrics ports.Metrics, logger *zap.SugaredLogger) *Channel {
	if cfg.SignalingTopic == "" {
		cfg.SignalingTopic = DefaultSignalingTopic
	}
	if cfg.AnnounceTopic == "" {
		cfg.AnnounceTopic = DefaultAnnounceTopic
	}
	if cfg.Mode == "" {
		cfg.Mode = domain.DiscoveryPresence
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}

	c := &Channel{
		cfg:      cfg,
		bus:      bus,
		breaker:  circuitbreaker.New(cfg.Breaker),
		metrics:  metrics,
		logger:   logger.With("peer_id", cfg.LocalID),
		limiters: make(map[domain.PeerID]*senderLimiter),
		status:   StatusDisconnected,
	}
	c.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		c.logger.Warnw("Publish circuit changed state", "from", from.String(), "to", to.String())
		c.metrics.SetTransportStatus(string(c.Status()))
	})
	return c
}

// Attach sets the consumers of inbound envelopes. It must be called before Run.
func (c *Channel) Attach(envelopes ports.EnvelopeHandler, beacons ports.BeaconHandler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.envelopes = envelopes
	c.beacons = beacons
}

func (c *Channel) topics() []string {
	if c.cfg.Mode == domain.DiscoveryAnnounce {
		return []string{c.cfg.SignalingTopic, c.cfg.AnnounceTopic}
	}
	return []string{c.cfg.SignalingTopic}
}

// Run subscribes and consumes until ctx is done, resubscribing with
// exponential backoff whenever the subscription fails or is lost.
func (c *Channel) Run(ctx context.Context) error {
	defer c.setStatus(StatusDisconnected)

	backoff := retry.NewBackoff(c.cfg.Reconnect)
	for {
		sub, err := c.bus.Subscribe(ctx, c.topics()...)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			delay := backoff.Next()
			c.logger.Warnw("Failed to subscribe to signaling topic",
				"error", err,
				"attempt", backoff.Attempt(),
				"retry_in", delay,
			)
			if retry.Sleep(ctx, delay) != nil {
				return nil
			}
			continue
		}

		backoff.Reset()
		c.setStatus(StatusConnected)
		c.logger.Infow("Subscribed to signaling", "topics", c.topics())

		lost := c.consume(ctx, sub)
		sub.Close()
		if !lost {
			return nil
		}

		c.setStatus(StatusDegraded)
		delay := backoff.Next()
		c.logger.Warnw("Signaling subscription lost", "retry_in", delay)
		if retry.Sleep(ctx, delay) != nil {
			return nil
		}
	}
}

// consume returns true when the subscription ended on its own.
func (c *Channel) consume(ctx context.Context, sub ports.Subscription) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case msg, ok := <-sub.Messages():
			if !ok {
				return ctx.Err() == nil
			}
			c.handleMessage(msg.Payload)
		}
	}
}

func (c *Channel) handleMessage(raw []byte) {
	env, err := envelope.Decode(raw)
	if err != nil {
		c.drop(DropMalformed)
		c.logger.Debugw("Dropping malformed envelope", "error", err, "payload", utils.TruncateString(string(raw), maxLoggedPayload))
		return
	}

	switch {
	case env.From == c.cfg.LocalID:
		c.drop(DropEcho)
		return
	case !env.Type.Known():
		c.drop(DropUnknownType)
		c.logger.Debugw("Ignoring unknown message type", "type", env.Type, "remote_id", env.From)
		return
	case !env.AddressedTo(c.cfg.LocalID):
		c.drop(DropNotAddressed)
		return
	case !c.allow(env.From, time.Now()):
		c.drop(DropRateLimited)
		c.logger.Warnw("Rate limit exceeded", "remote_id", env.From, "type", env.Type)
		return
	}

	c.metrics.EnvelopeReceived(env.Type)

	c.handlerMu.RLock()
	envelopes, beacons := c.envelopes, c.beacons
	c.handlerMu.RUnlock()

	if env.Type.Signaling() {
		if envelopes == nil {
			c.drop(DropNoHandler)
			return
		}
		envelopes.HandleEnvelope(env)
		return
	}
	if beacons == nil {
		c.drop(DropNoHandler)
		return
	}
	beacons.HandleBeacon(env)
}

func (c *Channel) drop(reason string) {
	c.metrics.EnvelopeDropped(reason)
}

func (c *Channel) allow(sender domain.PeerID, now time.Time) bool {
	if c.cfg.RatePerSecond <= 0 {
		return true
	}

	c.limiterMu.Lock()
	defer c.limiterMu.Unlock()

	l, ok := c.limiters[sender]
	if !ok {
		if len(c.limiters) >= maxLimiters {
			c.pruneLimiters(now)
		}
		burst := c.cfg.RateBurst
		if burst <= 0 {
			burst = int(c.cfg.RatePerSecond)
			if burst < 1 {
				burst = 1
			}
		}
		l = &senderLimiter{limiter: rate.NewLimiter(rate.Limit(c.cfg.RatePerSecond), burst)}
		c.limiters[sender] = l
	}
	l.lastSeen = now
	return l.limiter.AllowN(now, 1)
}

// pruneLimiters must be called with limiterMu held.
func (c *Channel) pruneLimiters(now time.Time) {
	for id, l := range c.limiters {
		if now.Sub(l.lastSeen) > limiterIdleTimeout {
			delete(c.limiters, id)
		}
	}
}

// Send encodes env and publishes it on the topic its type belongs to.
func (c *Channel) Send(ctx context.Context, env domain.Envelope) error {
	raw, err := envelope.Encode(env)
	if err != nil {
		return err
	}

	topic := c.cfg.SignalingTopic
	if env.Type == domain.MessageCameraAvailable && c.cfg.Mode == domain.DiscoveryAnnounce {
		topic = c.cfg.AnnounceTopic
	}

	err = c.breaker.Execute(func() error {
		return retry.Do(ctx, c.cfg.Retry, func(ctx context.Context) error {
			return c.bus.Publish(ctx, topic, raw)
		})
	})
	if err != nil {
		c.metrics.PublishFailed()
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return fmt.Errorf("%w: %s not sent: %w", domain.ErrTransport, env.Type, err)
		}
		c.logger.Warnw("Failed to publish envelope", "type", env.Type, "topic", topic, "error", err)
		return fmt.Errorf("%w: publish %s: %w", domain.ErrTransport, env.Type, err)
	}

	c.metrics.EnvelopeSent(env.Type)
	return nil
}

// Status reports connectivity. A live subscription with an open publish
// circuit is degraded.
func (c *Channel) Status() Status {
	c.statusMu.RLock()
	status := c.status
	c.statusMu.RUnlock()

	if status == StatusConnected && c.breaker.State() != circuitbreaker.StateClosed {
		return StatusDegraded
	}
	return status
}

func (c *Channel) setStatus(s Status) {
	c.statusMu.Lock()
	changed := c.status != s
	c.status = s
	c.statusMu.Unlock()

	if changed {
		c.metrics.SetTransportStatus(string(c.Status()))
	}
}

// Ping checks the underlying bus.
func (c *Channel) Ping(ctx context.Context) error {
	return c.bus.Ping(ctx)
}
