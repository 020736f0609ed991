package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"peercam/internal/core/domain"
	"peercam/internal/core/ports"

	"go.uber.org/zap"
)

const (
	DefaultNegotiationTimeout   = 30 * time.Second
	DefaultSideChannelLabel     = "camera_control"
	DefaultMaxPendingCandidates = 64
	defaultReplaceWait          = 2 * time.Second
	defaultEventBuffer          = 64
)

type ControllerConfig struct {
	LocalID              domain.PeerID
	Role                 domain.NodeRole
	Mode                 domain.DiscoveryMode
	NegotiationTimeout   time.Duration
	SideChannelLabel     string
	MaxPendingCandidates int
	// ReplaceWait bounds how long a replaced session gets to tear down
	// before its successor starts.
	ReplaceWait time.Duration
	EventBuffer int
}

func (c *ControllerConfig) applyDefaults() {
	if c.Mode == "" {
		c.Mode = domain.DiscoveryPresence
	}
	if c.SideChannelLabel == "" {
		c.SideChannelLabel = DefaultSideChannelLabel
	}
	if c.MaxPendingCandidates == 0 {
		c.MaxPendingCandidates = DefaultMaxPendingCandidates
	}
	if c.ReplaceWait <= 0 {
		c.ReplaceWait = defaultReplaceWait
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = defaultEventBuffer
	}
}

// SessionController owns every session of the local peer. The session map is
// only mutated on the controller goroutine started by Run; inbound envelopes
// and local requests are queued onto it.
type SessionController struct {
	cfg        ControllerConfig
	engine     ports.MediaEngine
	signaler   ports.Signaler
	dispatcher *CommandDispatcher
	metrics    ports.Metrics
	logger     *zap.SugaredLogger

	box     *mailbox
	stop    chan struct{}
	stopped sync.Once

	mu       sync.RWMutex
	sessions map[domain.PeerID]*session
	closed   map[domain.PeerID]domain.SessionStats

	events chan domain.SessionEvent
}

func NewSessionController(
	cfg ControllerConfig,
	engine ports.MediaEngine,
	signaler ports.Signaler,
	dispatcher *CommandDispatcher,
	metrics ports.Metrics,
	logger *zap.SugaredLogger,
) (*SessionController, error) {
	if cfg.LocalID == "" {
		return nil, domain.ErrInvalidPeerID
	}
	if engine == nil || signaler == nil {
		return nil, fmt.Errorf("session controller requires a media engine and a signaler")
	}
	cfg.applyDefaults()
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	if dispatcher == nil {
		dispatcher = NewCommandDispatcher(cfg.LocalID, cfg.Role, nil, metrics, logger)
	}

	return &SessionController{
		cfg:        cfg,
		engine:     engine,
		signaler:   signaler,
		dispatcher: dispatcher,
		metrics:    metrics,
		logger:     logger.With("peer_id", cfg.LocalID),
		box:        newMailbox(),
		stop:       make(chan struct{}),
		sessions:   make(map[domain.PeerID]*session),
		closed:     make(map[domain.PeerID]domain.SessionStats),
		events:     make(chan domain.SessionEvent, cfg.EventBuffer),
	}, nil
}

func (c *SessionController) LocalID() domain.PeerID { return c.cfg.LocalID }

func (c *SessionController) Config() ControllerConfig { return c.cfg }

// Run processes queued work until ctx is cancelled, then tears down every
// session.
func (c *SessionController) Run(ctx context.Context) error {
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		c.box.run(c.stop)
	}()

	c.logger.Infow("Session controller started", "role", c.cfg.Role, "mode", c.cfg.Mode)
	<-ctx.Done()

	shutdown := make(chan struct{})
	c.post(func() {
		c.shutdownSessions()
		close(shutdown)
	})
	select {
	case <-shutdown:
	case <-time.After(c.cfg.ReplaceWait * 2):
		c.logger.Warnw("Timed out tearing down sessions")
	}

	c.stopped.Do(func() { close(c.stop) })
	<-loopDone
	c.logger.Infow("Session controller stopped")
	return nil
}

// Events reports session state transitions. Events are dropped when the
// consumer falls behind.
func (c *SessionController) Events() <-chan domain.SessionEvent { return c.events }

// HandleEnvelope queues an inbound signaling envelope. Safe for concurrent use.
func (c *SessionController) HandleEnvelope(env domain.Envelope) {
	if !c.post(func() { c.dispatch(env) }) {
		c.logger.Debugw("Dropping envelope, controller stopped", "type", env.Type, "from", env.From)
	}
}

// Initiate starts an offerer session toward remote, replacing any existing one.
func (c *SessionController) Initiate(ctx context.Context, remote domain.PeerID) error {
	if err := c.validateRemote(remote); err != nil {
		return err
	}
	if c.cfg.Mode == domain.DiscoveryAnnounce && c.cfg.Role == domain.RoleViewer {
		return fmt.Errorf("initiate toward %s: %w", remote, domain.ErrNotAllowed)
	}
	return c.call(ctx, func() error {
		c.startOfferer(remote, "replaced by local initiate", "")
		return nil
	})
}

// RequestView asks a source to offer a session. Only viewers in announce mode
// use it.
func (c *SessionController) RequestView(ctx context.Context, remote domain.PeerID) error {
	if err := c.validateRemote(remote); err != nil {
		return err
	}
	if c.cfg.Mode != domain.DiscoveryAnnounce || c.cfg.Role != domain.RoleViewer {
		return fmt.Errorf("view request toward %s: %w", remote, domain.ErrNotAllowed)
	}
	return c.signaler.Send(ctx, domain.Envelope{
		Type:    domain.MessageViewRequest,
		From:    c.cfg.LocalID,
		To:      remote,
		Payload: domain.ViewRequest{},
	})
}

// Close tears down the session with remote and waits for it to finish.
func (c *SessionController) Close(ctx context.Context, remote domain.PeerID) error {
	var target *session
	err := c.call(ctx, func() error {
		s, ok := c.sessions[remote]
		if !ok || s.State().Terminal() {
			return fmt.Errorf("close %s: %w", remote, domain.ErrUnknownSession)
		}
		target = s
		s.requestClose("closed locally", false)
		return nil
	})
	if err != nil {
		return err
	}

	select {
	case <-target.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown tears down every session and waits for them to finish. The
// controller keeps running and accepts new sessions afterwards.
func (c *SessionController) Shutdown(ctx context.Context) error {
	var list []*session
	err := c.call(ctx, func() error {
		for _, s := range c.sessions {
			if s.State().Terminal() {
				continue
			}
			list = append(list, s)
			s.requestClose("shutdown", false)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, s := range list {
		select {
		case <-s.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Sessions returns a snapshot of every active session ordered by remote id.
func (c *SessionController) Sessions() []domain.SessionStats {
	c.mu.RLock()
	list := make([]*session, 0, len(c.sessions))
	for _, s := range c.sessions {
		list = append(list, s)
	}
	c.mu.RUnlock()

	out := make([]domain.SessionStats, 0, len(list))
	for _, s := range list {
		out = append(out, s.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RemoteID < out[j].RemoteID })
	return out
}

// Session returns the active session with remote or, failing that, the final
// diagnostics of the last one that closed.
func (c *SessionController) Session(remote domain.PeerID) (domain.SessionStats, bool) {
	c.mu.RLock()
	s, ok := c.sessions[remote]
	last, hasLast := c.closed[remote]
	c.mu.RUnlock()

	if ok {
		return s.Stats(), true
	}
	return last, hasLast
}

func (c *SessionController) HasActiveSession() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions) > 0
}

// Commands returns the command client of the active session with remote.
func (c *SessionController) Commands(remote domain.PeerID) (*CommandClient, error) {
	c.mu.RLock()
	s, ok := c.sessions[remote]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("commands for %s: %w", remote, domain.ErrUnknownSession)
	}
	return s.client, nil
}

func (c *SessionController) validateRemote(remote domain.PeerID) error {
	if remote == "" || remote == c.cfg.LocalID {
		return domain.ErrInvalidPeerID
	}
	return nil
}

func (c *SessionController) post(fn func()) bool {
	select {
	case <-c.stop:
		return false
	default:
	}
	c.box.push(fn)
	return true
}

// call runs fn on the controller goroutine and waits for its result.
func (c *SessionController) call(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	if !c.post(func() { result <- fn() }) {
		return domain.ErrControllerStopped
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stop:
		return domain.ErrControllerStopped
	}
}

func (c *SessionController) dispatch(env domain.Envelope) {
	if env.From == c.cfg.LocalID || !env.AddressedTo(c.cfg.LocalID) {
		c.metrics.EnvelopeDropped("not_addressed")
		return
	}

	switch p := env.Payload.(type) {
	case domain.SessionDescription:
		if env.Type == domain.MessageOffer {
			c.onOffer(env.From, p)
		} else {
			c.onAnswer(env.From, p)
		}
	case domain.ICECandidate:
		c.onCandidate(env.From, p)
	case domain.ViewRequest:
		c.onViewRequest(env.From)
	default:
		c.logger.Debugw("Ignoring non-signaling envelope", "type", env.Type, "from", env.From)
	}
}

func (c *SessionController) onOffer(from domain.PeerID, offer domain.SessionDescription) {
	if existing, ok := c.sessions[from]; ok {
		state := existing.State()
		// the bus may redeliver an offer while it is still being answered
		pending := state == domain.SessionNew || state == domain.SessionNegotiating
		if existing.role == domain.Answerer && pending && existing.remoteOffer == offer.SDP {
			c.logger.Debugw("Ignoring duplicate offer", "remote_id", from)
			return
		}
		if state == domain.SessionConnected {
			c.logger.Infow("Renegotiation requested", "remote_id", from)
		}
		c.replace(existing, "replaced by new offer")
	}

	s := c.newSession(from, domain.Answerer)
	s.remoteOffer = offer.SDP
	c.store(s)
	s.start()
	s.beginAnswer(offer)
}

func (c *SessionController) onAnswer(from domain.PeerID, answer domain.SessionDescription) {
	s, ok := c.sessions[from]
	if !ok || s.role != domain.Offerer || s.State().Terminal() {
		c.logger.Warnw("Dropping answer", "from", from, "error", domain.ErrUnknownSession)
		c.metrics.EnvelopeDropped("unknown_session")
		return
	}
	s.deliverAnswer(answer)
}

func (c *SessionController) onCandidate(from domain.PeerID, candidate domain.ICECandidate) {
	s, ok := c.sessions[from]
	if !ok || s.State().Terminal() {
		c.logger.Warnw("Dropping ice candidate", "from", from, "seq", candidate.Seq, "error", domain.ErrUnknownSession)
		c.metrics.EnvelopeDropped("unknown_session")
		return
	}
	s.deliverCandidate(candidate)
}

func (c *SessionController) onViewRequest(from domain.PeerID) {
	if c.cfg.Mode != domain.DiscoveryAnnounce || c.cfg.Role != domain.RoleSource {
		c.logger.Debugw("Ignoring view request", "from", from, "role", c.cfg.Role, "mode", c.cfg.Mode)
		return
	}
	c.logger.Infow("View request received", "from", from)
	c.startOfferer(from, "replaced by view request", "")
}

// startOfferer replaces any session with remote by a fresh offerer. An answer
// whose SDP equals stale is ignored by the new session.
func (c *SessionController) startOfferer(remote domain.PeerID, reason, stale string) {
	if existing, ok := c.sessions[remote]; ok {
		c.replace(existing, reason)
	}
	s := c.newSession(remote, domain.Offerer)
	s.ignoreAnswer = stale
	c.store(s)
	s.start()
	s.beginOffer()
}

// reoffer runs when the remote answered old again from a new connection, which
// happens after it restarted negotiation on a repeated offer. The offer old
// made is no longer usable on the remote side, so a fresh one is sent.
func (c *SessionController) reoffer(old *session, stale string) {
	if current, ok := c.sessions[old.remote]; !ok || current != old {
		return
	}
	c.logger.Infow("Remote restarted negotiation, offering again", "remote_id", old.remote, "session_id", old.id)
	c.startOfferer(old.remote, "remote restarted negotiation", stale)
}

// replace tears down old and waits a bounded time for it to finish.
func (c *SessionController) replace(old *session, reason string) {
	old.requestClose(reason, false)
	select {
	case <-old.Done():
	case <-time.After(c.cfg.ReplaceWait):
		c.logger.Warnw("Replaced session still tearing down", "remote_id", old.remote, "session_id", old.id)
	}
	c.remove(old)
}

func (c *SessionController) newSession(remote domain.PeerID, role domain.NegotiationRole) *session {
	s := newSession(sessionDeps{
		cfg:        c.cfg,
		engine:     c.engine,
		signaler:   c.signaler,
		dispatcher: c.dispatcher,
		metrics:    c.metrics,
		logger:     c.logger,
		onEvent:    c.emit,
	}, remote, role)
	s.onClosed = func(closed *session) {
		c.post(func() { c.remove(closed) })
	}
	s.onRemoteRestart = func(old *session, stale string) {
		c.post(func() { c.reoffer(old, stale) })
	}
	return s
}

func (c *SessionController) store(s *session) {
	c.mu.Lock()
	c.sessions[s.remote] = s
	n := len(c.sessions)
	c.mu.Unlock()
	c.metrics.SetActiveSessions(n)
}

// remove drops s from the map if it is still the current session for its
// remote and keeps its final diagnostics.
func (c *SessionController) remove(s *session) {
	c.mu.Lock()
	if current, ok := c.sessions[s.remote]; ok && current == s {
		delete(c.sessions, s.remote)
	}
	if s.State().Terminal() {
		if _, active := c.sessions[s.remote]; !active {
			c.closed[s.remote] = s.Stats()
		}
	}
	n := len(c.sessions)
	c.mu.Unlock()
	c.metrics.SetActiveSessions(n)
}

func (c *SessionController) shutdownSessions() {
	c.mu.RLock()
	list := make([]*session, 0, len(c.sessions))
	for _, s := range c.sessions {
		list = append(list, s)
	}
	c.mu.RUnlock()

	for _, s := range list {
		s.requestClose("shutdown", false)
	}
	deadline := time.After(c.cfg.ReplaceWait)
	for _, s := range list {
		select {
		case <-s.Done():
			c.remove(s)
		case <-deadline:
			return
		}
	}
}

func (c *SessionController) emit(ev domain.SessionEvent) {
	select {
	case c.events <- ev:
	default:
		c.logger.Debugw("Session event dropped", "remote_id", ev.RemoteID, "state", ev.State)
	}
}
