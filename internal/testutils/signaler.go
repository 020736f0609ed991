package testutils

import (
	"context"
	"sync"

	"peercam/internal/core/domain"
)

// RecordingSignaler captures outbound envelopes instead of publishing them.
type RecordingSignaler struct {
	mu   sync.Mutex
	sent []domain.Envelope
	err  error
	hook func(domain.Envelope)
}

func NewRecordingSignaler() *RecordingSignaler {
	return &RecordingSignaler{}
}

func (r *RecordingSignaler) Send(ctx context.Context, env domain.Envelope) error {
	r.mu.Lock()
	if r.err != nil {
		err := r.err
		r.mu.Unlock()
		return err
	}
	r.sent = append(r.sent, env)
	hook := r.hook
	r.mu.Unlock()

	if hook != nil {
		hook(env)
	}
	return nil
}

// FailWith makes every later Send return err. A nil err restores sending.
func (r *RecordingSignaler) FailWith(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

// OnSend registers a callback invoked after each recorded envelope.
func (r *RecordingSignaler) OnSend(fn func(domain.Envelope)) {
	r.mu.Lock()
	r.hook = fn
	r.mu.Unlock()
}

func (r *RecordingSignaler) Sent() []domain.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Envelope(nil), r.sent...)
}

// OfType returns the recorded envelopes of type t in send order.
func (r *RecordingSignaler) OfType(t domain.MessageType) []domain.Envelope {
	var out []domain.Envelope
	for _, env := range r.Sent() {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

func (r *RecordingSignaler) Reset() {
	r.mu.Lock()
	r.sent = nil
	r.mu.Unlock()
}
