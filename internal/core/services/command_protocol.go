package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"peercam/internal/core/domain"
	"peercam/internal/core/ports"

	"go.uber.org/zap"
)

const (
	ActionGetInfo  = "get_info"
	ActionPing     = "ping"
	ActionGetStats = "get_stats"

	ReplyWelcome = "welcome"
	ReplyInfo    = "info"
	ReplyPong    = "pong"
	ReplyStats   = "stats"

	welcomeMessage = "Camera ready"
)

var ErrSideChannelClosed = errors.New("side channel is not open")

type Command struct {
	Action string `json:"action"`
}

type Welcome struct {
	Type     string        `json:"type"`
	CameraID domain.PeerID `json:"camera_id"`
	Message  string        `json:"message"`
}

type Info struct {
	CameraID        domain.PeerID `json:"camera_id"`
	HasCamera       bool          `json:"has_camera"`
	Uptime          float64       `json:"uptime"`
	FramesSent      uint64        `json:"frames_sent"`
	Resolution      string        `json:"resolution"`
	FPS             int           `json:"fps"`
	ConnectionState string        `json:"connection_state"`
	ICEState        string        `json:"ice_state"`
}

type Pong struct {
	Type string  `json:"type"`
	Time float64 `json:"time"`
}

type dataReply struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// sideMessage is enough of an inbound side-channel message to route it:
// commands carry an action, replies carry a type.
type sideMessage struct {
	Action *string         `json:"action"`
	Type   *string         `json:"type"`
	Data   json.RawMessage `json:"data"`
	Time   float64         `json:"time"`
}

func parseSideMessage(raw []byte) (sideMessage, bool) {
	var msg sideMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return sideMessage{}, false
	}
	if msg.Action == nil && msg.Type == nil {
		return sideMessage{}, false
	}
	return msg, true
}

// CommandDispatcher answers side-channel commands for the local peer.
type CommandDispatcher struct {
	localID   domain.PeerID
	role      domain.NodeRole
	source    ports.MediaSource
	startedAt time.Time
	now       func() time.Time
	metrics   ports.Metrics
	logger    *zap.SugaredLogger
}

func NewCommandDispatcher(localID domain.PeerID, role domain.NodeRole, source ports.MediaSource, metrics ports.Metrics, logger *zap.SugaredLogger) *CommandDispatcher {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &CommandDispatcher{
		localID:   localID,
		role:      role,
		source:    source,
		startedAt: time.Now(),
		now:       time.Now,
		metrics:   metrics,
		logger:    logger,
	}
}

// Welcome returns the greeting a source sends when the side channel opens.
func (d *CommandDispatcher) Welcome() ([]byte, bool) {
	if d.role != domain.RoleSource {
		return nil, false
	}
	raw, err := json.Marshal(Welcome{Type: ReplyWelcome, CameraID: d.localID, Message: welcomeMessage})
	if err != nil {
		return nil, false
	}
	return raw, true
}

// Handle answers one raw command. Malformed and unknown commands produce no
// reply.
func (d *CommandDispatcher) Handle(raw []byte, stats domain.SessionStats) ([]byte, bool) {
	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil || cmd.Action == "" {
		d.logger.Debugw("Dropping malformed command", "remote_id", stats.RemoteID)
		return nil, false
	}

	var reply interface{}
	switch cmd.Action {
	case ActionGetInfo:
		reply = dataReply{Type: ReplyInfo, Data: d.info(stats)}
	case ActionPing:
		reply = Pong{Type: ReplyPong, Time: domain.UnixSeconds(d.now())}
	case ActionGetStats:
		reply = dataReply{Type: ReplyStats, Data: stats}
	default:
		d.logger.Infow("Unknown command", "action", cmd.Action, "remote_id", stats.RemoteID)
		return nil, false
	}

	out, err := json.Marshal(reply)
	if err != nil {
		d.logger.Errorw("Failed to encode command reply", "action", cmd.Action, "error", err)
		return nil, false
	}
	d.metrics.CommandHandled(cmd.Action)
	return out, true
}

func (d *CommandDispatcher) info(stats domain.SessionStats) Info {
	info := Info{
		CameraID:        d.localID,
		Uptime:          d.now().Sub(d.startedAt).Seconds(),
		FramesSent:      stats.FramesCaptured,
		ConnectionState: stats.ConnectionState,
		ICEState:        stats.ICEConnectionState,
	}
	if d.source != nil {
		info.HasCamera = !d.source.IsFake()
		info.FramesSent = d.source.FramesCaptured()
		info.Resolution = d.source.Resolution()
		info.FPS = d.source.FPS()
	}
	return info
}

// CommandClient issues commands over a side channel. The protocol has no
// correlation id, so requests are serialized: at most one is outstanding and
// the first reply of the expected type completes it.
type CommandClient struct {
	send func([]byte) error

	reqMu sync.Mutex

	mu          sync.Mutex
	waiting     string
	replies     chan sideMessage
	lastWelcome *Welcome
	lastInfo    *Info
}

func NewCommandClient(send func([]byte) error) *CommandClient {
	return &CommandClient{
		send:    send,
		replies: make(chan sideMessage, 1),
	}
}

// Ping returns the responder's clock as reported in the pong.
func (c *CommandClient) Ping(ctx context.Context) (time.Time, error) {
	msg, err := c.request(ctx, ActionPing, ReplyPong)
	if err != nil {
		return time.Time{}, err
	}
	sec := int64(msg.Time)
	nsec := int64((msg.Time - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec), nil
}

func (c *CommandClient) GetInfo(ctx context.Context) (Info, error) {
	var info Info
	msg, err := c.request(ctx, ActionGetInfo, ReplyInfo)
	if err != nil {
		return info, err
	}
	if err := json.Unmarshal(msg.Data, &info); err != nil {
		return info, fmt.Errorf("decode info: %w", err)
	}
	return info, nil
}

func (c *CommandClient) GetStats(ctx context.Context) (domain.SessionStats, error) {
	var stats domain.SessionStats
	msg, err := c.request(ctx, ActionGetStats, ReplyStats)
	if err != nil {
		return stats, err
	}
	if err := json.Unmarshal(msg.Data, &stats); err != nil {
		return stats, fmt.Errorf("decode stats: %w", err)
	}
	return stats, nil
}

func (c *CommandClient) LastWelcome() (Welcome, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastWelcome == nil {
		return Welcome{}, false
	}
	return *c.lastWelcome, true
}

func (c *CommandClient) LastInfo() (Info, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastInfo == nil {
		return Info{}, false
	}
	return *c.lastInfo, true
}

// deliver hands an inbound reply to the client. It reports whether the reply
// completed an outstanding request.
func (c *CommandClient) deliver(msg sideMessage, raw []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch *msg.Type {
	case ReplyWelcome:
		var w Welcome
		if err := json.Unmarshal(raw, &w); err == nil {
			c.lastWelcome = &w
		}
	case ReplyInfo:
		var info Info
		if err := json.Unmarshal(msg.Data, &info); err == nil {
			c.lastInfo = &info
		}
	}

	if c.waiting == "" || c.waiting != *msg.Type {
		return false
	}
	c.waiting = ""
	select {
	case c.replies <- msg:
	default:
	}
	return true
}

func (c *CommandClient) request(ctx context.Context, action, expect string) (sideMessage, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	raw, err := json.Marshal(Command{Action: action})
	if err != nil {
		return sideMessage{}, err
	}

	c.mu.Lock()
	c.waiting = expect
	select {
	case <-c.replies:
	default:
	}
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.waiting = ""
		c.mu.Unlock()
	}()

	if err := c.send(raw); err != nil {
		return sideMessage{}, fmt.Errorf("send %s: %w", action, err)
	}

	select {
	case msg := <-c.replies:
		return msg, nil
	case <-ctx.Done():
		return sideMessage{}, ctx.Err()
	}
}
