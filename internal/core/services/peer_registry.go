package services

import (
	"sort"
	"sync"
	"time"

	"peercam/internal/core/domain"
)

const (
	DefaultOnlineWindow = 1 * time.Second
	DefaultExpiryWindow = 5 * time.Second
)

// PeerRegistry tracks when each peer was last heard from. It never expires
// records by itself; callers run Sweep periodically.
type PeerRegistry struct {
	mu           sync.RWMutex
	peers        map[domain.PeerID]time.Time
	onlineWindow time.Duration
	expiryWindow time.Duration
}

func NewPeerRegistry(onlineWindow, expiryWindow time.Duration) *PeerRegistry {
	if onlineWindow <= 0 {
		onlineWindow = DefaultOnlineWindow
	}
	if expiryWindow <= 0 {
		expiryWindow = DefaultExpiryWindow
	}
	if expiryWindow < onlineWindow {
		expiryWindow = onlineWindow
	}
	return &PeerRegistry{
		peers:        make(map[domain.PeerID]time.Time),
		onlineWindow: onlineWindow,
		expiryWindow: expiryWindow,
	}
}

// Observe inserts id or refreshes its last-seen time. Older observations never
// move last_seen backwards.
func (r *PeerRegistry) Observe(id domain.PeerID, now time.Time) error {
	if id == "" {
		return domain.ErrInvalidPeerID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if last, ok := r.peers[id]; !ok || now.After(last) {
		r.peers[id] = now
	}
	return nil
}

// Sweep removes every record with now - last_seen > expiry window and returns
// the removed ids in order.
func (r *PeerRegistry) Sweep(now time.Time) []domain.PeerID {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []domain.PeerID
	for id, last := range r.peers {
		if now.Sub(last) > r.expiryWindow {
			delete(r.peers, id)
			removed = append(removed, id)
		}
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i] < removed[j] })
	return removed
}

// Snapshot classifies every live record except exclude, ordered by id.
// Records past the expiry window are omitted even if not swept yet.
func (r *PeerRegistry) Snapshot(now time.Time, exclude domain.PeerID) []domain.PeerEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]domain.PeerEntry, 0, len(r.peers))
	for id, last := range r.peers {
		if id == exclude {
			continue
		}
		status, ok := r.classify(now, last)
		if !ok {
			continue
		}
		entries = append(entries, domain.PeerEntry{ID: id, Status: status, LastSeen: last})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries
}

// Online returns the ids currently online, ordered by id.
func (r *PeerRegistry) Online(now time.Time, exclude domain.PeerID) []domain.PeerID {
	var ids []domain.PeerID
	for _, e := range r.Snapshot(now, exclude) {
		if e.Status == domain.PeerOnline {
			ids = append(ids, e.ID)
		}
	}
	return ids
}

func (r *PeerRegistry) Status(id domain.PeerID, now time.Time) (domain.PeerStatus, bool) {
	r.mu.RLock()
	last, ok := r.peers[id]
	r.mu.RUnlock()
	if !ok {
		return "", false
	}
	return r.classify(now, last)
}

func (r *PeerRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

func (r *PeerRegistry) classify(now, last time.Time) (domain.PeerStatus, bool) {
	age := now.Sub(last)
	switch {
	case age <= r.onlineWindow:
		return domain.PeerOnline, true
	case age <= r.expiryWindow:
		return domain.PeerStale, true
	default:
		return "", false
	}
}
