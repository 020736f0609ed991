package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"peercam/internal/core/ports"
	"peercam/internal/infrastructure/relay"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type WebSocketConfig struct {
	URL              string
	PeerID           string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// ReadTimeout bounds the silence tolerated from the relay, which pings
	// idle connections.
	ReadTimeout time.Duration
}

// WebSocketBus is a client of the relay hub. It holds at most one
// connection, dialed on demand; when the connection drops every open
// subscription ends and the next Publish or Subscribe redials.
type WebSocketBus struct {
	cfg    WebSocketConfig
	dialer *websocket.Dialer
	logger *zap.SugaredLogger

	mu     sync.Mutex
	conn   *websocket.Conn
	subs   map[*wsSubscription]struct{}
	closed bool

	writeMu sync.Mutex
}

func NewWebSocketBus(cfg WebSocketConfig, logger *zap.SugaredLogger) *WebSocketBus {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 90 * time.Second
	}
	return &WebSocketBus{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		logger: logger,
		subs:   make(map[*wsSubscription]struct{}),
	}
}

func (b *WebSocketBus) endpoint() (string, error) {
	u, err := url.Parse(b.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("invalid relay URL: %w", err)
	}
	q := u.Query()
	q.Set("peer_id", b.cfg.PeerID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (b *WebSocketBus) connection(ctx context.Context) (*websocket.Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}
	if b.conn != nil {
		return b.conn, nil
	}

	endpoint, err := b.endpoint()
	if err != nil {
		return nil, err
	}
	conn, resp, err := b.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial relay (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to dial relay: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(b.cfg.ReadTimeout))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(b.cfg.ReadTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(b.cfg.WriteTimeout))
	})

	b.conn = conn
	go b.readLoop(conn)

	b.logger.Infow("Connected to relay", "url", b.cfg.URL)
	return conn, nil
}

func (b *WebSocketBus) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			b.drop(conn, err)
			return
		}
		conn.SetReadDeadline(time.Now().Add(b.cfg.ReadTimeout))

		var f relay.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			b.logger.Warnw("Invalid frame from relay", "error", err)
			continue
		}

		switch f.Op {
		case relay.OpMessage:
			b.dispatch(ports.BusMessage{Topic: f.Topic, Payload: []byte(f.Payload)})
		case relay.OpError:
			b.logger.Warnw("Relay reported error", "error", f.Error)
		}
	}
}

func (b *WebSocketBus) dispatch(msg ports.BusMessage) {
	b.mu.Lock()
	targets := make([]*wsSubscription, 0, len(b.subs))
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

// drop discards conn and ends the subscriptions that depended on it.
func (b *WebSocketBus) drop(conn *websocket.Conn, cause error) {
	b.mu.Lock()
	if b.conn != conn {
		b.mu.Unlock()
		conn.Close()
		return
	}
	b.conn = nil
	subs := b.subs
	b.subs = make(map[*wsSubscription]struct{})
	closed := b.closed
	b.mu.Unlock()

	conn.Close()
	for sub := range subs {
		sub.end()
	}
	if !closed {
		b.logger.Warnw("Lost relay connection", "error", cause)
	}
}

func (b *WebSocketBus) write(conn *websocket.Conn, f relay.Frame) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(b.cfg.WriteTimeout))
	if err := conn.WriteJSON(f); err != nil {
		b.drop(conn, err)
		return err
	}
	return nil
}

func (b *WebSocketBus) Publish(ctx context.Context, topic string, payload []byte) error {
	conn, err := b.connection(ctx)
	if err != nil {
		return err
	}
	if err := b.write(conn, relay.Frame{Op: relay.OpPublish, Topic: topic, Payload: string(payload)}); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

func (b *WebSocketBus) Subscribe(ctx context.Context, topics ...string) (ports.Subscription, error) {
	if len(topics) == 0 {
		return nil, fmt.Errorf("no topics to subscribe to")
	}
	conn, err := b.connection(ctx)
	if err != nil {
		return nil, err
	}

	sub := &wsSubscription{
		bus:    b,
		topics: make(map[string]struct{}, len(topics)),
		out:    make(chan ports.BusMessage, defaultChannelSize),
	}
	for _, t := range topics {
		sub.topics[t] = struct{}{}
	}

	b.mu.Lock()
	if b.conn != conn {
		b.mu.Unlock()
		return nil, fmt.Errorf("relay connection lost while subscribing")
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	if err := b.write(conn, relay.Frame{Op: relay.OpSubscribe, Topics: topics}); err != nil {
		return nil, fmt.Errorf("failed to subscribe to %v: %w", topics, err)
	}
	return sub, nil
}

// Ping checks the relay connection, dialing it if needed.
func (b *WebSocketBus) Ping(ctx context.Context) error {
	conn, err := b.connection(ctx)
	if err != nil {
		return err
	}
	deadline := time.Now().Add(b.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		b.drop(conn, err)
		return fmt.Errorf("relay ping failed: %w", err)
	}
	return nil
}

func (b *WebSocketBus) Close() error {
	b.mu.Lock()
	b.closed = true
	conn := b.conn
	b.mu.Unlock()

	if conn == nil {
		return nil
	}
	b.writeMu.Lock()
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	b.writeMu.Unlock()
	b.drop(conn, nil)
	return nil
}

func (b *WebSocketBus) unsubscribe(sub *wsSubscription) {
	b.mu.Lock()
	_, ok := b.subs[sub]
	delete(b.subs, sub)
	conn := b.conn
	b.mu.Unlock()

	if !ok || conn == nil {
		return
	}
	topics := make([]string, 0, len(sub.topics))
	for t := range sub.topics {
		if !b.topicInUse(t) {
			topics = append(topics, t)
		}
	}
	if len(topics) > 0 {
		b.write(conn, relay.Frame{Op: relay.OpUnsubscribe, Topics: topics})
	}
}

func (b *WebSocketBus) topicInUse(topic string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		if sub.wants(topic) {
			return true
		}
	}
	return false
}

type wsSubscription struct {
	bus    *WebSocketBus
	topics map[string]struct{}

	mu    sync.Mutex
	out   chan ports.BusMessage
	ended bool
}

func (s *wsSubscription) wants(topic string) bool {
	_, ok := s.topics[topic]
	return ok
}

func (s *wsSubscription) deliver(msg ports.BusMessage) {
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

func (s *wsSubscription) end() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ended {
		s.ended = true
		close(s.out)
	}
}

func (s *wsSubscription) Messages() <-chan ports.BusMessage {
	return s.out
}

func (s *wsSubscription) Close() error {
	s.bus.unsubscribe(s)
	s.end()
	return nil
}
