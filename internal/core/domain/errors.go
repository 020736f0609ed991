package domain

import (
	"errors"
	"fmt"
)

var (
	ErrMalformedEnvelope = errors.New("malformed envelope")
	ErrInvalidPeerID     = errors.New("invalid peer id")
	ErrUnknownSession    = errors.New("unknown session")
	ErrNegotiation       = errors.New("negotiation failed")
	ErrTransport         = errors.New("transport unavailable")
	ErrSessionClosed     = errors.New("session closed")
	ErrControllerStopped = errors.New("session controller stopped")
	ErrNotAllowed        = errors.New("operation not allowed in current discovery mode")
)

// NegotiationError wraps a media-engine failure during one negotiation step.
type NegotiationError struct {
	Step string
	Err  error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation failed at %s: %v", e.Step, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }

func (e *NegotiationError) Is(target error) bool { return target == ErrNegotiation }
