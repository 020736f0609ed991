package bus

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"peercam/internal/core/ports"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

type MQTTConfig struct {
	Host     string
	Port     int
	ClientID string
	Username string
	Password string
	// TLS selects ssl:// over tcp://. CAFile adds a trust root for brokers
	// with private certificates.
	TLS                bool
	CAFile             string
	InsecureSkipVerify bool
	QoS                byte
	KeepAlive          time.Duration
	ConnectTimeout     time.Duration
}

func (c MQTTConfig) brokerURL() string {
	scheme := "tcp"
	if c.TLS {
		scheme = "ssl"
	}
	return scheme + "://" + net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c MQTTConfig) tlsConfig() (*tls.Config, error) {
	tc := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         c.Host,
		InsecureSkipVerify: c.InsecureSkipVerify,
	}
	if c.CAFile == "" {
		return tc, nil
	}
	pem, err := os.ReadFile(c.CAFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read mqtt ca file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates in %s", c.CAFile)
	}
	tc.RootCAs = pool
	return tc, nil
}

// MQTTBus maps bus topics one to one onto MQTT topics, so peers using it
// share a broker with any other client of webrtc/signaling and
// camera/announce. The broker connection is opened on demand and is not
// reconnected automatically: when it drops every open subscription ends and
// the next Publish or Subscribe connects again.
type MQTTBus struct {
	cfg    MQTTConfig
	client mqtt.Client
	logger *zap.SugaredLogger

	connMu sync.Mutex

	mu     sync.Mutex
	subs   map[*mqttSubscription]struct{}
	closed bool
}

func NewMQTTBus(cfg MQTTConfig, logger *zap.SugaredLogger) (*MQTTBus, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("mqtt host is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 8883
	}
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("invalid mqtt qos %d", cfg.QoS)
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 60 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}

	b := &MQTTBus{
		cfg:    cfg,
		logger: logger,
		subs:   make(map[*mqttSubscription]struct{}),
	}
	opts, err := b.clientOptions()
	if err != nil {
		return nil, err
	}
	b.client = mqtt.NewClient(opts)
	return b, nil
}

func (b *MQTTBus) clientOptions() (*mqtt.ClientOptions, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(b.cfg.brokerURL()).
		SetClientID(b.cfg.ClientID).
		SetUsername(b.cfg.Username).
		SetPassword(b.cfg.Password).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetKeepAlive(b.cfg.KeepAlive).
		SetConnectTimeout(b.cfg.ConnectTimeout).
		SetOrderMatters(true).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) { b.lost(err) })

	if b.cfg.TLS {
		tc, err := b.cfg.tlsConfig()
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tc)
	}
	return opts, nil
}

// await waits for tok without outliving ctx.
func await(ctx context.Context, tok mqtt.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *MQTTBus) connect(ctx context.Context) error {
	b.connMu.Lock()
	defer b.connMu.Unlock()

	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrBusClosed
	}
	if b.client.IsConnectionOpen() {
		return nil
	}

	if err := await(ctx, b.client.Connect()); err != nil {
		return fmt.Errorf("failed to connect to mqtt broker %s: %w", b.cfg.brokerURL(), err)
	}
	b.logger.Infow("Connected to mqtt broker", "broker", b.cfg.brokerURL(), "client_id", b.cfg.ClientID)
	return nil
}

// lost ends every subscription that depended on the broker connection.
func (b *MQTTBus) lost(cause error) {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[*mqttSubscription]struct{})
	closed := b.closed
	b.mu.Unlock()

	for sub := range subs {
		sub.end()
	}
	if !closed {
		b.logger.Warnw("Lost mqtt broker connection", "error", cause)
	}
}

func (b *MQTTBus) onMessage(_ mqtt.Client, msg mqtt.Message) {
	payload := make([]byte, len(msg.Payload()))
	copy(payload, msg.Payload())
	b.dispatch(ports.BusMessage{Topic: msg.Topic(), Payload: payload})
}

func (b *MQTTBus) dispatch(msg ports.BusMessage) {
	b.mu.Lock()
	targets := make([]*mqttSubscription, 0, len(b.subs))
	for sub := range b.subs {
		if sub.wants(msg.Topic) {
			targets = append(targets, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range targets {
		sub.deliver(msg)
	}
}

func (b *MQTTBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := b.connect(ctx); err != nil {
		return err
	}
	if err := await(ctx, b.client.Publish(topic, b.cfg.QoS, false, payload)); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

func (b *MQTTBus) track(topics []string) *mqttSubscription {
	sub := &mqttSubscription{
		bus:    b,
		topics: make(map[string]struct{}, len(topics)),
		out:    make(chan ports.BusMessage, defaultChannelSize),
	}
	for _, t := range topics {
		sub.topics[t] = struct{}{}
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Subscribe returns once the broker has acknowledged every topic.
func (b *MQTTBus) Subscribe(ctx context.Context, topics ...string) (ports.Subscription, error) {
	if len(topics) == 0 {
		return nil, fmt.Errorf("no topics to subscribe to")
	}
	if err := b.connect(ctx); err != nil {
		return nil, err
	}

	sub := b.track(topics)
	filters := make(map[string]byte, len(topics))
	for _, t := range topics {
		filters[t] = b.cfg.QoS
	}
	if err := await(ctx, b.client.SubscribeMultiple(filters, b.onMessage)); err != nil {
		sub.Close()
		return nil, fmt.Errorf("failed to subscribe to %v: %w", topics, err)
	}

	b.logger.Debugw("Subscribed", "topics", topics, "qos", b.cfg.QoS)
	return sub, nil
}

func (b *MQTTBus) Ping(ctx context.Context) error {
	if err := b.connect(ctx); err != nil {
		return err
	}
	if !b.client.IsConnectionOpen() {
		return fmt.Errorf("mqtt broker connection is down")
	}
	return nil
}

func (b *MQTTBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	if b.client.IsConnected() {
		b.client.Disconnect(250)
	}
	b.lost(nil)
	return nil
}

func (b *MQTTBus) unsubscribe(sub *mqttSubscription) {
	b.mu.Lock()
	_, ok := b.subs[sub]
	delete(b.subs, sub)
	var unused []string
	for t := range sub.topics {
		inUse := false
		for other := range b.subs {
			if other.wants(t) {
				inUse = true
				break
			}
		}
		if !inUse {
			unused = append(unused, t)
		}
	}
	b.mu.Unlock()

	if !ok || len(unused) == 0 || !b.client.IsConnectionOpen() {
		return
	}
	if tok := b.client.Unsubscribe(unused...); !tok.WaitTimeout(b.cfg.ConnectTimeout) || tok.Error() != nil {
		b.logger.Debugw("Unsubscribe not confirmed", "topics", unused, "error", tok.Error())
	}
}

type mqttSubscription struct {
	bus    *MQTTBus
	topics map[string]struct{}

	mu    sync.Mutex
	out   chan ports.BusMessage
	ended bool
}

func (s *mqttSubscription) wants(topic string) bool {
	_, ok := s.topics[topic]
	return ok
}

func (s *mqttSubscription) deliver(msg ports.BusMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	select {
	case s.out <- msg:
	default:
		s.bus.logger.Warnw("Subscriber too slow, dropping message", "topic", msg.Topic)
	}
}

func (s *mqttSubscription) end() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ended {
		s.ended = true
		close(s.out)
	}
}

func (s *mqttSubscription) Messages() <-chan ports.BusMessage {
	return s.out
}

func (s *mqttSubscription) Close() error {
	s.bus.unsubscribe(s)
	s.end()
	return nil
}
