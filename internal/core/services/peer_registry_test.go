package services

import (
	"testing"
	"time"

	"peercam/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func at(seconds float64) time.Time {
	return t0.Add(time.Duration(seconds * float64(time.Second)))
}

func TestPeerRegistry_ObserveRejectsEmptyID(t *testing.T) {
	r := NewPeerRegistry(0, 0)
	assert.ErrorIs(t, r.Observe("", t0), domain.ErrInvalidPeerID)
	assert.Equal(t, 0, r.Len())
}

func TestPeerRegistry_Classification(t *testing.T) {
	r := NewPeerRegistry(time.Second, 5*time.Second)
	require.NoError(t, r.Observe("peer_a", at(0)))

	cases := []struct {
		now    float64
		status domain.PeerStatus
		found  bool
	}{
		{0, domain.PeerOnline, true},
		{1, domain.PeerOnline, true},
		{1.5, domain.PeerStale, true},
		{5, domain.PeerStale, true},
		{5.01, "", false},
	}
	for _, tc := range cases {
		status, ok := r.Status("peer_a", at(tc.now))
		assert.Equal(t, tc.found, ok, "now=%v", tc.now)
		assert.Equal(t, tc.status, status, "now=%v", tc.now)
	}
}

func TestPeerRegistry_ObserveNeverMovesBackwards(t *testing.T) {
	r := NewPeerRegistry(time.Second, 5*time.Second)
	require.NoError(t, r.Observe("peer_a", at(3)))
	require.NoError(t, r.Observe("peer_a", at(1)))

	entries := r.Snapshot(at(3), "")
	require.Len(t, entries, 1)
	assert.Equal(t, at(3), entries[0].LastSeen)
}

func TestPeerRegistry_SweepRemovesExactlyExpired(t *testing.T) {
	r := NewPeerRegistry(time.Second, 5*time.Second)
	require.NoError(t, r.Observe("peer_a", at(0)))
	require.NoError(t, r.Observe("peer_b", at(1)))
	require.NoError(t, r.Observe("peer_c", at(4)))

	removed := r.Sweep(at(6))
	assert.Equal(t, []domain.PeerID{"peer_a"}, removed)
	assert.Equal(t, 2, r.Len())

	// peer_b is exactly at the boundary and survives
	_, ok := r.Status("peer_b", at(6))
	assert.True(t, ok)

	assert.Empty(t, r.Sweep(at(6)))
	assert.Equal(t, 2, r.Len())
}

func TestPeerRegistry_SweepIsNotTriggeredByObserve(t *testing.T) {
	r := NewPeerRegistry(time.Second, 5*time.Second)
	require.NoError(t, r.Observe("peer_a", at(0)))
	require.NoError(t, r.Observe("peer_b", at(100)))
	assert.Equal(t, 2, r.Len())
}

func TestPeerRegistry_SnapshotOrderedAndExcludesSelf(t *testing.T) {
	r := NewPeerRegistry(time.Second, 5*time.Second)
	for _, id := range []domain.PeerID{"viewer_c", "camera_a", "self", "viewer_b"} {
		require.NoError(t, r.Observe(id, at(0)))
	}
	require.NoError(t, r.Observe("viewer_b", at(3)))
	require.NoError(t, r.Observe("gone", at(-10)))

	entries := r.Snapshot(at(3), "self")
	require.Len(t, entries, 3)
	assert.Equal(t, domain.PeerID("camera_a"), entries[0].ID)
	assert.Equal(t, domain.PeerStale, entries[0].Status)
	assert.Equal(t, domain.PeerID("viewer_b"), entries[1].ID)
	assert.Equal(t, domain.PeerOnline, entries[1].Status)
	assert.Equal(t, domain.PeerID("viewer_c"), entries[2].ID)

	assert.Equal(t, []domain.PeerID{"viewer_b"}, r.Online(at(3), "self"))
}

func TestPeerRegistry_PresenceScenario(t *testing.T) {
	r := NewPeerRegistry(time.Second, 5*time.Second)
	require.NoError(t, r.Observe("peer_abc123", at(0)))

	entries := r.Snapshot(at(0.5), "peer_def456")
	require.Len(t, entries, 1)
	assert.Equal(t, domain.PeerEntry{ID: "peer_abc123", Status: domain.PeerOnline, LastSeen: at(0)}, entries[0])

	assert.Equal(t, []domain.PeerID{"peer_abc123"}, r.Sweep(at(6)))
	assert.Empty(t, r.Snapshot(at(6), "peer_def456"))
}
