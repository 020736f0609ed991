package testutils

import (
	"sync"

	"peercam/internal/core/domain"
	"peercam/internal/core/ports"
)

// RecordingMetrics counts the calls the signaling path makes.
type RecordingMetrics struct {
	ports.NopMetrics

	mu        sync.Mutex
	received  map[domain.MessageType]int
	sent      map[domain.MessageType]int
	dropped   map[string]int
	failed    int
	transport []string
}

func NewRecordingMetrics() *RecordingMetrics {
	return &RecordingMetrics{
		received: make(map[domain.MessageType]int),
		sent:     make(map[domain.MessageType]int),
		dropped:  make(map[string]int),
	}
}

func (m *RecordingMetrics) EnvelopeReceived(t domain.MessageType) {
	m.mu.Lock()
	m.received[t]++
	m.mu.Unlock()
}

func (m *RecordingMetrics) EnvelopeSent(t domain.MessageType) {
	m.mu.Lock()
	m.sent[t]++
	m.mu.Unlock()
}

func (m *RecordingMetrics) EnvelopeDropped(reason string) {
	m.mu.Lock()
	m.dropped[reason]++
	m.mu.Unlock()
}

func (m *RecordingMetrics) PublishFailed() {
	m.mu.Lock()
	m.failed++
	m.mu.Unlock()
}

func (m *RecordingMetrics) SetTransportStatus(status string) {
	m.mu.Lock()
	m.transport = append(m.transport, status)
	m.mu.Unlock()
}

func (m *RecordingMetrics) Received(t domain.MessageType) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.received[t]
}

func (m *RecordingMetrics) Sent(t domain.MessageType) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sent[t]
}

func (m *RecordingMetrics) Dropped(reason string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped[reason]
}

func (m *RecordingMetrics) PublishFailures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failed
}

func (m *RecordingMetrics) TransportStatus() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.transport) == 0 {
		return ""
	}
	return m.transport[len(m.transport)-1]
}
