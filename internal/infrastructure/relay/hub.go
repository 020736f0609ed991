package relay

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"peercam/pkg/validation"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type Config struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64
	// MessagesPerSecond limits inbound frames per connection; 0 disables it.
	MessagesPerSecond float64
	Burst             int
	SendBuffer        int
}

func DefaultConfig() Config {
	return Config{
		PingInterval:      30 * time.Second,
		PongTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		MaxMessageSize:    64 * 1024,
		MessagesPerSecond: 50,
		Burst:             100,
		SendBuffer:        256,
	}
}

// Hub is a topic fan-out server. Every frame published to a topic is
// delivered to every connection subscribed to it, the publisher included.
type Hub struct {
	cfg      Config
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client
	topics  map[string]map[*client]struct{}
	dropped atomic.Uint64

	logger *zap.SugaredLogger
}

type client struct {
	id      string
	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter
	topics  map[string]struct{}
	done    chan struct{}
	once    sync.Once
}

func (c *client) stop() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// enqueue never blocks. A connection whose send buffer is full is closed, so
// the peer's subscription ends and it resubscribes instead of missing frames
// unnoticed.
func (h *Hub) enqueue(c *client, data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
	}

	h.dropped.Add(1)
	h.logger.Warnw("Disconnecting slow peer, send buffer full", "peer_id", c.id, "buffer", cap(c.send))
	c.stop()
	return false
}

func NewHub(cfg Config, logger *zap.SugaredLogger) *Hub {
	def := DefaultConfig()
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = def.PongTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}

	return &Hub{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			// peers are not browsers
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		clients: make(map[string]*client),
		topics:  make(map[string]map[*client]struct{}),
		logger:  logger,
	}
}

func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	peerID := r.URL.Query().Get("peer_id")
	if err := validation.ValidatePeerID(peerID); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Errorw("WebSocket upgrade failed", "peer_id", peerID, "error", err)
		return
	}

	c := &client{
		id:     peerID,
		conn:   conn,
		send:   make(chan []byte, h.cfg.SendBuffer),
		topics: make(map[string]struct{}),
		done:   make(chan struct{}),
	}
	if h.cfg.MessagesPerSecond > 0 {
		burst := h.cfg.Burst
		if burst <= 0 {
			burst = int(h.cfg.MessagesPerSecond)
		}
		c.limiter = rate.NewLimiter(rate.Limit(h.cfg.MessagesPerSecond), burst)
	}

	reconnect := h.register(c)
	h.logger.Infow("Peer connected to relay", "peer_id", peerID, "reconnect", reconnect)

	go h.writeLoop(c)
	h.readLoop(c)

	h.unregister(c)
	h.logger.Infow("Peer disconnected from relay", "peer_id", peerID)
}

// register replaces an older connection using the same peer id.
func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	old, exists := h.clients[c.id]
	h.clients[c.id] = c
	h.mu.Unlock()

	if exists {
		h.logger.Infow("Closing old connection for reconnecting peer", "peer_id", c.id)
		h.unregister(old)
	}
	return exists
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if h.clients[c.id] == c {
		delete(h.clients, c.id)
	}
	for topic := range c.topics {
		h.removeFromTopic(c, topic)
	}
	h.mu.Unlock()
	c.stop()
}

// removeFromTopic must be called with h.mu held.
func (h *Hub) removeFromTopic(c *client, topic string) {
	delete(c.topics, topic)
	if subs, ok := h.topics[topic]; ok {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
}

func (h *Hub) readLoop(c *client) {
	c.conn.SetReadLimit(h.cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Infow("Error reading from peer", "peer_id", c.id, "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))

		if c.limiter != nil && !c.limiter.Allow() {
			h.sendError(c, "rate limit exceeded")
			continue
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			h.sendError(c, "invalid frame")
			continue
		}
		if err := h.handleFrame(c, f); err != nil {
			h.logger.Debugw("Rejected frame", "peer_id", c.id, "op", f.Op, "error", err)
			h.sendError(c, err.Error())
		}
	}
}

func (h *Hub) handleFrame(c *client, f Frame) error {
	switch f.Op {
	case OpSubscribe:
		if len(f.Topics) == 0 {
			return fmt.Errorf("topics are required")
		}
		for _, t := range f.Topics {
			if err := validation.ValidateTopic(t); err != nil {
				return err
			}
		}
		h.subscribe(c, f.Topics)
		return nil
	case OpUnsubscribe:
		h.unsubscribe(c, f.Topics)
		return nil
	case OpPublish:
		if err := validation.ValidateTopic(f.Topic); err != nil {
			return err
		}
		h.Publish(f.Topic, f.Payload)
		return nil
	default:
		return fmt.Errorf("unknown op: %q", f.Op)
	}
}

func (h *Hub) subscribe(c *client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, t := range topics {
		subs, ok := h.topics[t]
		if !ok {
			subs = make(map[*client]struct{})
			h.topics[t] = subs
		}
		subs[c] = struct{}{}
		c.topics[t] = struct{}{}
	}
	h.logger.Debugw("Peer subscribed", "peer_id", c.id, "topics", topics)
}

func (h *Hub) unsubscribe(c *client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, t := range topics {
		h.removeFromTopic(c, t)
	}
}

// Publish fans a payload out to every subscriber of topic and returns the
// number of connections it was queued for.
func (h *Hub) Publish(topic, payload string) int {
	data, err := json.Marshal(Frame{Op: OpMessage, Topic: topic, Payload: payload})
	if err != nil {
		return 0
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for c := range h.topics[topic] {
		if h.enqueue(c, data) {
			delivered++
		}
	}
	return delivered
}

func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()
	defer c.stop()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Infow("Error writing to peer", "peer_id", c.id, "error", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.logger.Infow("Error sending ping", "peer_id", c.id, "error", err)
				return
			}
		}
	}
}

func (h *Hub) sendError(c *client, message string) {
	data, err := json.Marshal(Frame{Op: OpError, Error: message})
	if err != nil {
		return
	}
	h.enqueue(c, data)
}

// Stats reports connected peers, active topics and how many frames were lost
// to peers that could not keep up.
type Stats struct {
	Connections   int            `json:"connections"`
	Topics        map[string]int `json:"topics"`
	DroppedFrames uint64         `json:"dropped_frames"`
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	topics := make(map[string]int, len(h.topics))
	for t, subs := range h.topics {
		topics[t] = len(subs)
	}
	return Stats{Connections: len(h.clients), Topics: topics, DroppedFrames: h.dropped.Load()}
}

func (h *Hub) IsPeerConnected(peerID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[peerID]
	return ok
}

// Close disconnects every peer.
func (h *Hub) Close() {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		h.unregister(c)
	}
}
