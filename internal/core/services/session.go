package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"peercam/internal/core/domain"
	"peercam/internal/core/ports"
	"peercam/pkg/tracing"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// mailbox is an unbounded FIFO of closures. Posting never blocks, so
// media-engine callbacks may post from any goroutine, including the actor's own.
type mailbox struct {
	mu     sync.Mutex
	queue  []func()
	notify chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan struct{}, 1)}
}

func (m *mailbox) push(fn func()) {
	m.mu.Lock()
	m.queue = append(m.queue, fn)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *mailbox) drain() []func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queue
	m.queue = nil
	return q
}

// run executes posted closures one at a time until stop is closed.
func (m *mailbox) run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-m.notify:
			for _, fn := range m.drain() {
				fn()
				select {
				case <-stop:
					return
				default:
				}
			}
		}
	}
}

type sessionDeps struct {
	cfg        ControllerConfig
	engine     ports.MediaEngine
	signaler   ports.Signaler
	dispatcher *CommandDispatcher
	metrics    ports.Metrics
	logger     *zap.SugaredLogger
	onEvent    func(domain.SessionEvent)
	onClosed   func(*session)
	// onRemoteRestart receives the SDP of an answer that arrived after a
	// different one was applied.
	onRemoteRestart func(*session, string)
}

// session is a single negotiation attempt with one remote peer. Every
// negotiation step runs on the session's own goroutine.
type session struct {
	sessionDeps

	id     string
	remote domain.PeerID
	role   domain.NegotiationRole
	// remoteOffer is the SDP an answerer session was created from.
	remoteOffer string
	// ignoreAnswer is an answer to the offer of a replaced session.
	ignoreAnswer string
	client       *CommandClient

	ctx    context.Context
	cancel context.CancelFunc
	box    *mailbox
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once

	// owned by the actor goroutine
	state         domain.SessionState
	remoteSet     bool
	appliedAnswer string
	pending       []domain.ICECandidate
	seq           uint64
	timer         *time.Timer
	sideOpened    bool
	negotiatedAt  time.Time

	sideMu sync.Mutex
	side   ports.SideChannel

	statsMu sync.RWMutex
	conn    ports.PeerConnection
	stats   domain.SessionStats
}

func newSession(deps sessionDeps, remote domain.PeerID, role domain.NegotiationRole) *session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		sessionDeps: deps,
		id:          uuid.New().String(),
		remote:      remote,
		role:        role,
		ctx:         ctx,
		cancel:      cancel,
		box:         newMailbox(),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
		state:       domain.SessionNew,
	}
	s.client = NewCommandClient(s.sendSide)
	s.stats = domain.SessionStats{
		PeerID:            deps.cfg.LocalID,
		RemoteID:          remote,
		Role:              role,
		State:             domain.SessionNew,
		ConnectionState:   ports.ConnectionStateNew,
		ICEGatheringState: domain.IceGatheringIdle,
		CreatedAt:         time.Now(),
	}
	s.stats.SessionID = s.id
	s.logger = deps.logger.With("session_id", s.id, "remote_id", remote, "role", role)
	return s
}

func (s *session) start() {
	go func() {
		defer close(s.done)
		s.box.run(s.stop)
	}()
}

// post queues fn on the actor. It reports false once the session has stopped.
func (s *session) post(fn func()) bool {
	select {
	case <-s.stop:
		return false
	default:
	}
	s.box.push(fn)
	return true
}

// Done is closed when the session actor has exited.
func (s *session) Done() <-chan struct{} { return s.done }

func (s *session) State() domain.SessionState {
	s.statsMu.RLock()
	defer s.statsMu.RUnlock()
	return s.stats.State
}

func (s *session) Stats() domain.SessionStats {
	s.statsMu.RLock()
	stats := s.stats
	conn := s.conn
	s.statsMu.RUnlock()

	if stats.ConnectedAt != nil {
		stats.Uptime = time.Since(*stats.ConnectedAt).Seconds()
	}
	if conn != nil {
		ms := conn.Stats()
		stats.FramesCaptured = ms.FramesSent
		stats.FramesReceived = ms.FramesReceived
	}
	return stats
}

func (s *session) beginOffer() {
	s.post(s.runOffer)
}

func (s *session) beginAnswer(offer domain.SessionDescription) {
	s.post(func() { s.runAnswer(offer) })
}

func (s *session) deliverAnswer(answer domain.SessionDescription) {
	s.post(func() { s.handleAnswer(answer) })
}

func (s *session) deliverCandidate(c domain.ICECandidate) {
	if !s.post(func() { s.handleRemoteCandidate(c) }) {
		s.logger.Warnw("Dropping ice candidate for stopped session")
	}
}

func (s *session) requestClose(reason string, failed bool) {
	s.post(func() { s.teardown(reason, failed, nil) })
}

// Offerer entry: connection, local media, side channel, offer, local
// description, publish.
func (s *session) runOffer() {
	ctx, span := tracing.TraceNegotiation(s.ctx, "offer", s.id, string(s.cfg.LocalID), string(s.remote))
	defer span.End()
	defer tracing.MeasureDuration(ctx, time.Now(), "offer")

	if err := s.connect(ctx); err != nil {
		s.fail(ctx, err)
		return
	}

	ch, err := s.conn.OpenSideChannel(s.cfg.SideChannelLabel)
	if err != nil {
		s.fail(ctx, &domain.NegotiationError{Step: "open side channel", Err: err})
		return
	}
	s.attachSideChannel(ch)

	offer, err := s.conn.CreateOffer(ctx)
	if err != nil {
		s.fail(ctx, &domain.NegotiationError{Step: "create offer", Err: err})
		return
	}
	if err := s.conn.SetLocalDescription(ctx, offer); err != nil {
		s.fail(ctx, &domain.NegotiationError{Step: "set local description", Err: err})
		return
	}
	if err := s.send(ctx, domain.MessageOffer, offer); err != nil {
		s.fail(ctx, err)
		return
	}
	s.enterNegotiating()
}

// Answerer entry: connection, local media, remote description, queued
// candidates, answer, local description, publish.
func (s *session) runAnswer(offer domain.SessionDescription) {
	ctx, span := tracing.TraceNegotiation(s.ctx, "answer", s.id, string(s.cfg.LocalID), string(s.remote))
	defer span.End()
	defer tracing.MeasureDuration(ctx, time.Now(), "answer")

	if err := s.connect(ctx); err != nil {
		s.fail(ctx, err)
		return
	}
	if err := s.applyRemoteDescription(ctx, offer); err != nil {
		s.fail(ctx, err)
		return
	}

	answer, err := s.conn.CreateAnswer(ctx)
	if err != nil {
		s.fail(ctx, &domain.NegotiationError{Step: "create answer", Err: err})
		return
	}
	if err := s.conn.SetLocalDescription(ctx, answer); err != nil {
		s.fail(ctx, &domain.NegotiationError{Step: "set local description", Err: err})
		return
	}
	if err := s.send(ctx, domain.MessageAnswer, answer); err != nil {
		s.fail(ctx, err)
		return
	}
	s.enterNegotiating()
}

func (s *session) connect(ctx context.Context) error {
	conn, err := s.engine.NewConnection(ctx, s.remote)
	if err != nil {
		return &domain.NegotiationError{Step: "create connection", Err: err}
	}

	s.statsMu.Lock()
	s.conn = conn
	s.statsMu.Unlock()

	conn.OnEvent(func(ev ports.ConnectionEvent) {
		s.post(func() { s.handleConnectionEvent(ev) })
	})

	if err := conn.AttachLocalMedia(ctx); err != nil {
		return &domain.NegotiationError{Step: "attach local media", Err: err}
	}
	return nil
}

func (s *session) handleAnswer(answer domain.SessionDescription) {
	active := s.state == domain.SessionNegotiating || s.state == domain.SessionConnected
	if s.role != domain.Offerer || !active {
		s.logger.Warnw("Dropping answer", "state", s.state, "error", domain.ErrUnknownSession)
		return
	}
	if s.ignoreAnswer != "" && answer.SDP == s.ignoreAnswer {
		s.logger.Debugw("Ignoring answer to a replaced offer")
		return
	}
	if s.remoteSet {
		if answer.SDP == s.appliedAnswer {
			s.logger.Debugw("Ignoring duplicate answer")
			return
		}
		// The remote answered from a new connection, so the one this session
		// negotiated against is gone.
		s.logger.Infow("Remote restarted negotiation", "state", s.state)
		if s.onRemoteRestart != nil {
			s.onRemoteRestart(s, answer.SDP)
		}
		return
	}

	ctx, span := tracing.TraceNegotiation(s.ctx, "apply_answer", s.id, string(s.cfg.LocalID), string(s.remote))
	defer span.End()
	defer tracing.MeasureDuration(ctx, time.Now(), "apply_answer")

	if err := s.applyRemoteDescription(ctx, answer); err != nil {
		s.fail(ctx, err)
		return
	}
	s.appliedAnswer = answer.SDP
}

func (s *session) applyRemoteDescription(ctx context.Context, desc domain.SessionDescription) error {
	if err := s.conn.SetRemoteDescription(ctx, desc); err != nil {
		return &domain.NegotiationError{Step: "set remote description", Err: err}
	}
	s.remoteSet = true

	pending := s.pending
	s.pending = nil
	for _, c := range pending {
		if err := s.conn.AddICECandidate(ctx, c); err != nil {
			return &domain.NegotiationError{Step: "add queued ice candidate", Err: err}
		}
	}
	if len(pending) > 0 {
		s.logger.Debugw("Replayed queued ice candidates", "count", len(pending))
	}
	return nil
}

func (s *session) handleRemoteCandidate(c domain.ICECandidate) {
	if s.state == domain.SessionClosing || s.state == domain.SessionClosed {
		s.logger.Warnw("Dropping ice candidate for closing session")
		return
	}
	s.updateStats(func(st *domain.SessionStats) { st.ICECandidatesReceived++ })

	if !s.remoteSet {
		if limit := s.cfg.MaxPendingCandidates; limit > 0 && len(s.pending) >= limit {
			s.logger.Warnw("Pending ice candidate queue full, dropping oldest", "limit", limit)
			s.pending = s.pending[1:]
		}
		s.pending = append(s.pending, c)
		return
	}

	if err := s.conn.AddICECandidate(s.ctx, c); err != nil {
		s.fail(s.ctx, &domain.NegotiationError{Step: "add ice candidate", Err: err})
	}
}

func (s *session) handleConnectionEvent(ev ports.ConnectionEvent) {
	switch ev.Kind {
	case ports.EventLocalCandidate:
		s.sendLocalCandidate(ev.Candidate)
	case ports.EventConnectionState:
		s.updateStats(func(st *domain.SessionStats) { st.ConnectionState = ev.State })
		switch ev.State {
		case ports.ConnectionStateConnected:
			s.markConnected()
		case ports.ConnectionStateFailed, ports.ConnectionStateDisconnected:
			s.teardown("connection "+ev.State, true, nil)
		case ports.ConnectionStateClosed:
			s.teardown("connection closed", false, nil)
		}
	case ports.EventICEConnectionState:
		s.updateStats(func(st *domain.SessionStats) { st.ICEConnectionState = ev.State })
	case ports.EventSignalingState:
		s.updateStats(func(st *domain.SessionStats) { st.SignalingState = ev.State })
	case ports.EventICEGatheringState:
		gathering := domain.IceGatheringIdle
		switch ev.State {
		case string(domain.IceGatheringGathering):
			gathering = domain.IceGatheringGathering
		case string(domain.IceGatheringComplete):
			gathering = domain.IceGatheringComplete
		}
		s.updateStats(func(st *domain.SessionStats) { st.ICEGatheringState = gathering })
	case ports.EventSideChannel:
		if ev.Channel == nil {
			return
		}
		if s.side != nil || ev.Channel.Label() != s.cfg.SideChannelLabel {
			s.logger.Debugw("Ignoring remote data channel", "label", ev.Channel.Label())
			return
		}
		s.attachSideChannel(ev.Channel)
	}
}

func (s *session) sendLocalCandidate(c *domain.ICECandidate) {
	if c == nil || s.state == domain.SessionClosing || s.state == domain.SessionClosed {
		return
	}
	s.seq++
	out := *c
	out.Seq = s.seq
	if err := s.send(s.ctx, domain.MessageICE, out); err != nil {
		s.logger.Warnw("Failed to send ice candidate", "seq", out.Seq, "error", err)
		return
	}
	s.updateStats(func(st *domain.SessionStats) { st.ICECandidatesSent++ })
}

func (s *session) enterNegotiating() {
	if s.state != domain.SessionNew {
		return
	}
	s.negotiatedAt = time.Now()
	s.setState(domain.SessionNegotiating, nil)

	if timeout := s.cfg.NegotiationTimeout; timeout > 0 {
		s.timer = time.AfterFunc(timeout, func() {
			s.post(s.negotiationTimedOut)
		})
	}
}

func (s *session) negotiationTimedOut() {
	if s.state != domain.SessionNegotiating {
		return
	}
	s.logger.Warnw("Negotiation timed out", "timeout", s.cfg.NegotiationTimeout)
	s.teardown("negotiation timeout", true, nil)
}

func (s *session) markConnected() {
	switch s.state {
	case domain.SessionConnected, domain.SessionClosing, domain.SessionClosed:
		return
	}
	s.stopTimer()

	now := time.Now()
	s.updateStats(func(st *domain.SessionStats) {
		st.Connected = true
		st.ConnectedAt = &now
	})
	if !s.negotiatedAt.IsZero() {
		s.metrics.SessionConnected(now.Sub(s.negotiatedAt))
	}
	s.setState(domain.SessionConnected, nil)
	s.logger.Infow("Session connected")
}

func (s *session) fail(ctx context.Context, err error) {
	tracing.RecordError(ctx, err)
	s.logger.Errorw("Session negotiation failed", "error", err)
	s.teardown("negotiation failed", true, err)
}

// teardown releases the connection and moves the session through Closing to
// Closed. It runs once; later calls are no-ops.
func (s *session) teardown(reason string, failed bool, err error) {
	if s.state == domain.SessionClosing || s.state == domain.SessionClosed {
		return
	}
	s.setState(domain.SessionClosing, err)
	s.stopTimer()

	s.sideMu.Lock()
	side := s.side
	s.sideMu.Unlock()
	if side != nil {
		if cerr := side.Close(); cerr != nil {
			s.logger.Debugw("Failed to close side channel", "error", cerr)
		}
	}
	if s.conn != nil {
		if cerr := s.conn.Close(); cerr != nil {
			s.logger.Debugw("Failed to close connection", "error", cerr)
		}
	}
	s.pending = nil

	s.updateStats(func(st *domain.SessionStats) {
		st.Connected = false
		st.SideChannelOpen = false
		st.Failed = failed
		st.CloseReason = reason
		if err != nil {
			st.LastError = err.Error()
		}
	})
	if failed {
		s.metrics.SessionFailed(reason)
	}
	s.setState(domain.SessionClosed, err)
	s.logger.Infow("Session closed", "reason", reason, "failed", failed)

	s.cancel()
	s.once.Do(func() { close(s.stop) })
	if s.onClosed != nil {
		s.onClosed(s)
	}
}

func (s *session) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *session) setState(state domain.SessionState, err error) {
	s.state = state
	var failed bool
	s.updateStats(func(st *domain.SessionStats) {
		st.State = state
		failed = st.Failed
	})
	s.metrics.SessionTransition(state)
	if s.onEvent != nil {
		s.onEvent(domain.SessionEvent{
			SessionID: s.id,
			RemoteID:  s.remote,
			Role:      s.role,
			State:     state,
			Failed:    failed,
			Err:       err,
			At:        time.Now(),
		})
	}
}

func (s *session) updateStats(fn func(*domain.SessionStats)) {
	s.statsMu.Lock()
	fn(&s.stats)
	s.statsMu.Unlock()
}

func (s *session) send(ctx context.Context, typ domain.MessageType, payload domain.Payload) error {
	return s.signaler.Send(ctx, domain.Envelope{
		Type:    typ,
		From:    s.cfg.LocalID,
		To:      s.remote,
		Payload: payload,
	})
}

func (s *session) attachSideChannel(ch ports.SideChannel) {
	s.sideMu.Lock()
	s.side = ch
	s.sideMu.Unlock()

	ch.OnOpen(func() { s.post(s.handleSideOpen) })
	ch.OnMessage(func(raw []byte) {
		msg := append([]byte(nil), raw...)
		s.post(func() { s.handleSideMessage(msg) })
	})
	ch.OnClose(func() { s.post(s.handleSideClose) })

	if ch.IsOpen() {
		s.handleSideOpen()
	}
}

func (s *session) handleSideOpen() {
	if s.sideOpened || s.state == domain.SessionClosed {
		return
	}
	s.sideOpened = true
	s.updateStats(func(st *domain.SessionStats) { st.SideChannelOpen = true })
	s.logger.Infow("Side channel open")

	if welcome, ok := s.dispatcher.Welcome(); ok {
		if err := s.sendSide(welcome); err != nil {
			s.logger.Warnw("Failed to send welcome", "error", err)
		}
	}
	if s.cfg.Role == domain.RoleViewer {
		raw, _ := json.Marshal(Command{Action: ActionGetInfo})
		if err := s.sendSide(raw); err != nil {
			s.logger.Warnw("Failed to request info", "error", err)
		}
	}
}

func (s *session) handleSideMessage(raw []byte) {
	msg, ok := parseSideMessage(raw)
	if !ok {
		s.logger.Debugw("Dropping malformed side channel message", "size", len(raw))
		return
	}
	if msg.Action != nil {
		reply, ok := s.dispatcher.Handle(raw, s.Stats())
		if !ok {
			return
		}
		if err := s.sendSide(reply); err != nil {
			s.logger.Warnw("Failed to send command reply", "action", *msg.Action, "error", err)
		}
		return
	}
	s.client.deliver(msg, raw)
}

func (s *session) handleSideClose() {
	s.sideOpened = false
	s.updateStats(func(st *domain.SessionStats) { st.SideChannelOpen = false })
}

func (s *session) sendSide(raw []byte) error {
	s.sideMu.Lock()
	ch := s.side
	s.sideMu.Unlock()

	if ch == nil || !ch.IsOpen() {
		return ErrSideChannelClosed
	}
	if err := ch.Send(raw); err != nil {
		return errors.Join(ErrSideChannelClosed, err)
	}
	return nil
}
