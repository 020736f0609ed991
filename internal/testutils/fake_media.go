package testutils

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"peercam/internal/core/domain"
	"peercam/internal/core/ports"
)

const fakeSDPPrefix = "fake-sdp"

// FakeNetwork lets fake connections created by different engines find each
// other through the ids embedded in their SDP.
type FakeNetwork struct {
	mu    sync.Mutex
	conns map[string]*FakeConnection
	seq   int64
}

func NewFakeNetwork() *FakeNetwork {
	return &FakeNetwork{conns: make(map[string]*FakeConnection)}
}

func (n *FakeNetwork) register(c *FakeConnection) {
	n.mu.Lock()
	n.conns[c.id] = c
	n.mu.Unlock()
}

func (n *FakeNetwork) lookup(id string) *FakeConnection {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.conns[id]
}

func (n *FakeNetwork) nextID() string {
	return fmt.Sprintf("conn-%d", atomic.AddInt64(&n.seq, 1))
}

// FakeEngine is an in-memory media engine. A connection reports connected
// once both descriptions are set and at least one remote candidate arrived.
type FakeEngine struct {
	network *FakeNetwork
	local   domain.PeerID

	mu    sync.Mutex
	conns []*FakeConnection
	fail  map[string]error
}

func NewFakeEngine(network *FakeNetwork, local domain.PeerID) *FakeEngine {
	if network == nil {
		network = NewFakeNetwork()
	}
	return &FakeEngine{network: network, local: local, fail: make(map[string]error)}
}

// FailOn makes every later call of the named step return err. Steps:
// new_connection, attach_media, open_side_channel, create_offer,
// create_answer, set_local, set_remote, add_candidate.
func (e *FakeEngine) FailOn(step string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fail[step] = err
}

func (e *FakeEngine) failure(step string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fail[step]
}

func (e *FakeEngine) NewConnection(ctx context.Context, remote domain.PeerID) (ports.PeerConnection, error) {
	if err := e.failure("new_connection"); err != nil {
		return nil, err
	}
	c := &FakeConnection{
		id:     e.network.nextID(),
		engine: e,
		remote: remote,
		events: make(chan ports.ConnectionEvent, 256),
		quit:   make(chan struct{}),
	}
	e.network.register(c)
	go c.deliver()

	e.mu.Lock()
	e.conns = append(e.conns, c)
	e.mu.Unlock()
	return c, nil
}

func (e *FakeEngine) Connections() []*FakeConnection {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*FakeConnection(nil), e.conns...)
}

// Last returns the most recently created connection or nil.
func (e *FakeEngine) Last() *FakeConnection {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.conns) == 0 {
		return nil
	}
	return e.conns[len(e.conns)-1]
}

type FakeConnection struct {
	id     string
	engine *FakeEngine
	remote domain.PeerID

	events chan ports.ConnectionEvent
	quit   chan struct{}

	mu         sync.Mutex
	handler    func(ports.ConnectionEvent)
	local      *domain.SessionDescription
	remoteDesc *domain.SessionDescription
	added      []domain.ICECandidate
	channels   []*FakeSideChannel
	connected  bool
	closed     bool
	mediaReady bool
}

func (c *FakeConnection) ID() string { return c.id }

func (c *FakeConnection) deliver() {
	for {
		select {
		case ev := <-c.events:
			c.mu.Lock()
			h := c.handler
			c.mu.Unlock()
			if h != nil {
				h(ev)
			}
		case <-c.quit:
			return
		}
	}
}

func (c *FakeConnection) emit(ev ports.ConnectionEvent) {
	select {
	case c.events <- ev:
	case <-c.quit:
	}
}

func (c *FakeConnection) OnEvent(handler func(ports.ConnectionEvent)) {
	c.mu.Lock()
	c.handler = handler
	c.mu.Unlock()
}

func (c *FakeConnection) AttachLocalMedia(ctx context.Context) error {
	if err := c.engine.failure("attach_media"); err != nil {
		return err
	}
	c.mu.Lock()
	c.mediaReady = true
	c.mu.Unlock()
	return nil
}

func (c *FakeConnection) OpenSideChannel(label string) (ports.SideChannel, error) {
	if err := c.engine.failure("open_side_channel"); err != nil {
		return nil, err
	}
	ch := newFakeSideChannel(label)
	c.mu.Lock()
	c.channels = append(c.channels, ch)
	c.mu.Unlock()
	return ch, nil
}

func (c *FakeConnection) CreateOffer(ctx context.Context) (domain.SessionDescription, error) {
	if err := c.engine.failure("create_offer"); err != nil {
		return domain.SessionDescription{}, err
	}
	return domain.SessionDescription{Type: "offer", SDP: c.sdp("offer")}, nil
}

func (c *FakeConnection) CreateAnswer(ctx context.Context) (domain.SessionDescription, error) {
	if err := c.engine.failure("create_answer"); err != nil {
		return domain.SessionDescription{}, err
	}
	c.mu.Lock()
	hasRemote := c.remoteDesc != nil
	c.mu.Unlock()
	if !hasRemote {
		return domain.SessionDescription{}, fmt.Errorf("create answer without remote description")
	}
	return domain.SessionDescription{Type: "answer", SDP: c.sdp("answer")}, nil
}

func (c *FakeConnection) sdp(kind string) string {
	return fmt.Sprintf("%s:%s:%s", fakeSDPPrefix, kind, c.id)
}

func (c *FakeConnection) SetLocalDescription(ctx context.Context, desc domain.SessionDescription) error {
	if err := c.engine.failure("set_local"); err != nil {
		return err
	}
	c.mu.Lock()
	c.local = &desc
	c.mu.Unlock()

	c.emit(ports.ConnectionEvent{Kind: ports.EventSignalingState, State: "have-local-" + desc.Type})
	c.emit(ports.ConnectionEvent{Kind: ports.EventICEGatheringState, State: "gathering"})
	mid := "0"
	idx := uint16(0)
	c.emit(ports.ConnectionEvent{Kind: ports.EventLocalCandidate, Candidate: &domain.ICECandidate{
		Candidate:     fmt.Sprintf("candidate:%s 1 udp 2130706431 127.0.0.1 50000 typ host", c.id),
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	}})
	c.emit(ports.ConnectionEvent{Kind: ports.EventICEGatheringState, State: "complete"})
	c.maybeConnect()
	return nil
}

func (c *FakeConnection) SetRemoteDescription(ctx context.Context, desc domain.SessionDescription) error {
	if err := c.engine.failure("set_remote"); err != nil {
		return err
	}
	if !strings.HasPrefix(desc.SDP, fakeSDPPrefix) {
		return fmt.Errorf("unparseable sdp")
	}
	c.mu.Lock()
	c.remoteDesc = &desc
	c.mu.Unlock()
	c.maybeConnect()
	return nil
}

func (c *FakeConnection) AddICECandidate(ctx context.Context, candidate domain.ICECandidate) error {
	if err := c.engine.failure("add_candidate"); err != nil {
		return err
	}
	c.mu.Lock()
	if c.remoteDesc == nil {
		c.mu.Unlock()
		return fmt.Errorf("remote description not set")
	}
	c.added = append(c.added, candidate)
	c.mu.Unlock()
	c.maybeConnect()
	return nil
}

func (c *FakeConnection) maybeConnect() {
	c.mu.Lock()
	if c.connected || c.closed || c.local == nil || c.remoteDesc == nil || len(c.added) == 0 {
		c.mu.Unlock()
		return
	}
	c.connected = true
	channels := append([]*FakeSideChannel(nil), c.channels...)
	remoteSDP := c.remoteDesc.SDP
	c.mu.Unlock()

	c.emit(ports.ConnectionEvent{Kind: ports.EventICEConnectionState, State: "connected"})
	c.emit(ports.ConnectionEvent{Kind: ports.EventConnectionState, State: ports.ConnectionStateConnected})

	if peer := c.engine.network.lookup(sdpConnID(remoteSDP)); peer != nil {
		for _, ch := range channels {
			remote := newFakeSideChannel(ch.label)
			link(ch, remote)
			peer.emit(ports.ConnectionEvent{Kind: ports.EventSideChannel, Channel: remote})
			ch.open()
			remote.open()
		}
	}
}

func sdpConnID(sdp string) string {
	parts := strings.Split(sdp, ":")
	if len(parts) != 3 {
		return ""
	}
	return parts[2]
}

// Fail simulates an ICE failure.
func (c *FakeConnection) Fail() {
	c.emit(ports.ConnectionEvent{Kind: ports.EventConnectionState, State: ports.ConnectionStateFailed})
}

func (c *FakeConnection) Stats() ports.MediaStats {
	return ports.MediaStats{}
}

func (c *FakeConnection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	channels := c.channels
	c.mu.Unlock()

	for _, ch := range channels {
		_ = ch.Close()
	}
	close(c.quit)
	return nil
}

func (c *FakeConnection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *FakeConnection) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *FakeConnection) RemoteCandidates() []domain.ICECandidate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.ICECandidate(nil), c.added...)
}

func (c *FakeConnection) LocalDescription() *domain.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local
}

func (c *FakeConnection) RemoteDescription() *domain.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteDesc
}

// Channel returns the first side channel opened locally, if any.
func (c *FakeConnection) Channel() *FakeSideChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.channels) == 0 {
		return nil
	}
	return c.channels[0]
}

// FakeSideChannel is one end of an in-memory message pipe. Messages sent
// before the receiver registers a handler are buffered.
type FakeSideChannel struct {
	label string

	mu        sync.Mutex
	peer      *FakeSideChannel
	isOpen    bool
	onOpen    func()
	onMessage func([]byte)
	onClose   func()
	backlog   [][]byte
	sent      [][]byte
}

func newFakeSideChannel(label string) *FakeSideChannel {
	return &FakeSideChannel{label: label}
}

// NewFakeSideChannelPair returns two linked, open channels.
func NewFakeSideChannelPair(label string) (*FakeSideChannel, *FakeSideChannel) {
	a, b := newFakeSideChannel(label), newFakeSideChannel(label)
	link(a, b)
	a.open()
	b.open()
	return a, b
}

func link(a, b *FakeSideChannel) {
	a.mu.Lock()
	a.peer = b
	a.mu.Unlock()
	b.mu.Lock()
	b.peer = a
	b.mu.Unlock()
}

func (ch *FakeSideChannel) Label() string { return ch.label }

func (ch *FakeSideChannel) IsOpen() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.isOpen
}

func (ch *FakeSideChannel) open() {
	ch.mu.Lock()
	if ch.isOpen {
		ch.mu.Unlock()
		return
	}
	ch.isOpen = true
	fn := ch.onOpen
	ch.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (ch *FakeSideChannel) Send(data []byte) error {
	ch.mu.Lock()
	if !ch.isOpen {
		ch.mu.Unlock()
		return fmt.Errorf("channel %s not open", ch.label)
	}
	peer := ch.peer
	ch.sent = append(ch.sent, append([]byte(nil), data...))
	ch.mu.Unlock()

	if peer != nil {
		peer.receive(data)
	}
	return nil
}

func (ch *FakeSideChannel) receive(data []byte) {
	msg := append([]byte(nil), data...)
	ch.mu.Lock()
	fn := ch.onMessage
	if fn == nil {
		ch.backlog = append(ch.backlog, msg)
	}
	ch.mu.Unlock()
	if fn != nil {
		fn(msg)
	}
}

// Inject delivers data to this channel as if the peer had sent it.
func (ch *FakeSideChannel) Inject(data []byte) { ch.receive(data) }

// Sent returns everything written to this end.
func (ch *FakeSideChannel) Sent() [][]byte {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return append([][]byte(nil), ch.sent...)
}

func (ch *FakeSideChannel) OnOpen(fn func()) {
	ch.mu.Lock()
	ch.onOpen = fn
	ch.mu.Unlock()
}

func (ch *FakeSideChannel) OnMessage(fn func([]byte)) {
	ch.mu.Lock()
	ch.onMessage = fn
	backlog := ch.backlog
	ch.backlog = nil
	ch.mu.Unlock()
	for _, msg := range backlog {
		fn(msg)
	}
}

func (ch *FakeSideChannel) OnClose(fn func()) {
	ch.mu.Lock()
	ch.onClose = fn
	ch.mu.Unlock()
}

func (ch *FakeSideChannel) Close() error {
	ch.mu.Lock()
	if !ch.isOpen {
		ch.mu.Unlock()
		return nil
	}
	ch.isOpen = false
	fn := ch.onClose
	ch.mu.Unlock()
	if fn != nil {
		fn()
	}
	return nil
}

// FakeMediaSource is a fixed MediaSource.
type FakeMediaSource struct {
	Frames uint64
	Res    string
	Rate   int
	Fake   bool
}

func (s *FakeMediaSource) FramesCaptured() uint64 { return atomic.LoadUint64(&s.Frames) }
func (s *FakeMediaSource) Resolution() string     { return s.Res }
func (s *FakeMediaSource) FPS() int               { return s.Rate }
func (s *FakeMediaSource) IsFake() bool           { return s.Fake }
