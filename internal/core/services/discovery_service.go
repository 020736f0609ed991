package services

import (
	"context"
	"sync"
	"time"

	"peercam/internal/core/domain"
	"peercam/internal/core/ports"

	"go.uber.org/zap"
)

const DefaultDiscoveryInterval = time.Second

// SessionStarter is the part of the session controller discovery drives.
type SessionStarter interface {
	Initiate(ctx context.Context, remote domain.PeerID) error
	RequestView(ctx context.Context, remote domain.PeerID) error
	HasActiveSession() bool
}

type DiscoveryConfig struct {
	LocalID  domain.PeerID
	Role     domain.NodeRole
	Mode     domain.DiscoveryMode
	Interval time.Duration
	// AutoConnect makes a viewer start a session with Target, or with the
	// first online source when Target is empty, whenever it has none.
	AutoConnect   bool
	Target        domain.PeerID
	RetryInterval time.Duration
	Resolution    string
	IsFake        bool
}

// DiscoveryService beacons the local peer, sweeps the registry and optionally
// connects a viewer to a source.
type DiscoveryService struct {
	cfg      DiscoveryConfig
	registry *PeerRegistry
	signaler ports.Signaler
	sessions SessionStarter
	metrics  ports.Metrics
	logger   *zap.SugaredLogger
	now      func() time.Time

	lastAttempt time.Time

	mu    sync.RWMutex
	roles map[domain.PeerID]domain.NodeRole
}

func NewDiscoveryService(
	cfg DiscoveryConfig,
	registry *PeerRegistry,
	signaler ports.Signaler,
	sessions SessionStarter,
	metrics ports.Metrics,
	logger *zap.SugaredLogger,
) *DiscoveryService {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultDiscoveryInterval
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 5 * cfg.Interval
	}
	if cfg.Mode == "" {
		cfg.Mode = domain.DiscoveryPresence
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &DiscoveryService{
		cfg:      cfg,
		registry: registry,
		signaler: signaler,
		sessions: sessions,
		metrics:  metrics,
		logger:   logger.With("peer_id", cfg.LocalID),
		now:      time.Now,
		roles:    make(map[domain.PeerID]domain.NodeRole),
	}
}

// HandleBeacon records a presence or camera_available observation.
func (d *DiscoveryService) HandleBeacon(env domain.Envelope) {
	if env.From == d.cfg.LocalID {
		return
	}
	var role domain.NodeRole
	switch p := env.Payload.(type) {
	case domain.CameraAvailable:
		role = domain.RoleSource
	case domain.Presence:
		role = p.Role
	default:
		return
	}

	if err := d.registry.Observe(env.From, d.now()); err != nil {
		d.logger.Debugw("Ignoring beacon", "type", env.Type, "error", err)
		return
	}
	if role != "" {
		d.mu.Lock()
		d.roles[env.From] = role
		d.mu.Unlock()
	}
}

// RoleOf returns the last role a peer advertised.
func (d *DiscoveryService) RoleOf(id domain.PeerID) (domain.NodeRole, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	role, ok := d.roles[id]
	return role, ok
}

func (d *DiscoveryService) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	d.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.Tick(ctx)
		}
	}
}

// Tick runs one discovery round: announce, sweep, auto-connect.
func (d *DiscoveryService) Tick(ctx context.Context) {
	now := d.now()

	if env, ok := d.beacon(now); ok {
		if err := d.signaler.Send(ctx, env); err != nil {
			d.logger.Warnw("Failed to announce", "type", env.Type, "error", err)
		}
	}

	removed := d.registry.Sweep(now)
	if len(removed) > 0 {
		d.mu.Lock()
		for _, id := range removed {
			delete(d.roles, id)
		}
		d.mu.Unlock()
	}
	for _, id := range removed {
		d.logger.Infow("Peer expired", "remote_id", id)
	}
	d.metrics.SetOnlinePeers(len(d.registry.Online(now, d.cfg.LocalID)))

	if d.cfg.AutoConnect && d.cfg.Role == domain.RoleViewer {
		d.autoConnect(ctx, now)
	}
}

func (d *DiscoveryService) beacon(now time.Time) (domain.Envelope, bool) {
	switch d.cfg.Mode {
	case domain.DiscoveryAnnounce:
		if d.cfg.Role != domain.RoleSource {
			return domain.Envelope{}, false
		}
		return domain.Envelope{
			Type: domain.MessageCameraAvailable,
			From: d.cfg.LocalID,
			Payload: domain.CameraAvailable{
				CameraID:   d.cfg.LocalID,
				Resolution: d.cfg.Resolution,
				Timestamp:  domain.UnixSeconds(now),
				IsFake:     d.cfg.IsFake,
			},
		}, true
	default:
		return domain.Envelope{
			Type:    domain.MessagePresence,
			From:    d.cfg.LocalID,
			Payload: domain.Presence{Role: d.cfg.Role},
		}, true
	}
}

func (d *DiscoveryService) autoConnect(ctx context.Context, now time.Time) {
	if d.sessions.HasActiveSession() {
		return
	}
	if !d.lastAttempt.IsZero() && now.Sub(d.lastAttempt) < d.cfg.RetryInterval {
		return
	}

	target := d.cfg.Target
	if target != "" {
		if status, ok := d.registry.Status(target, now); !ok || status != domain.PeerOnline {
			return
		}
	} else {
		target = d.pickSource(now)
		if target == "" {
			return
		}
	}

	d.lastAttempt = now
	var err error
	if d.cfg.Mode == domain.DiscoveryAnnounce {
		err = d.sessions.RequestView(ctx, target)
	} else {
		err = d.sessions.Initiate(ctx, target)
	}
	if err != nil {
		d.logger.Warnw("Auto-connect failed", "remote_id", target, "error", err)
		return
	}
	d.logger.Infow("Auto-connecting", "remote_id", target, "mode", d.cfg.Mode)
}

// pickSource returns the first online peer that is not known to be a viewer.
func (d *DiscoveryService) pickSource(now time.Time) domain.PeerID {
	for _, id := range d.registry.Online(now, d.cfg.LocalID) {
		if role, ok := d.RoleOf(id); ok && role != domain.RoleSource {
			continue
		}
		return id
	}
	return ""
}
