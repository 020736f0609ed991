// Package envelope encodes and decodes the addressed JSON messages exchanged
// on the signaling topics.
package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"

	"peercam/internal/core/domain"
)

// DecodeError reports a structurally malformed envelope.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode envelope: %s: %v", e.Reason, e.Err)
	}
	return "decode envelope: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

func (e *DecodeError) Is(target error) bool { return target == domain.ErrMalformedEnvelope }

type wireEnvelope struct {
	Type domain.MessageType `json:"type"`
	From domain.PeerID      `json:"from"`
	To   domain.PeerID      `json:"to,omitempty"`
	Data json.RawMessage    `json:"data,omitempty"`
}

// Encode serializes env. Unknown types are encoded with their raw data.
func Encode(env domain.Envelope) ([]byte, error) {
	if env.Type == "" {
		return nil, fmt.Errorf("encode envelope: missing type")
	}
	if env.From == "" {
		return nil, fmt.Errorf("encode envelope: %w", domain.ErrInvalidPeerID)
	}

	w := wireEnvelope{Type: env.Type, From: env.From, To: env.To}
	switch {
	case env.Payload != nil:
		if pt := domain.PayloadType(env.Payload); pt != env.Type {
			return nil, fmt.Errorf("encode envelope: payload %s does not match type %s", pt, env.Type)
		}
		data, err := json.Marshal(env.Payload)
		if err != nil {
			return nil, fmt.Errorf("encode envelope data: %w", err)
		}
		w.Data = data
	case len(env.Raw) > 0:
		w.Data = env.Raw
	}

	return json.Marshal(w)
}

// Decode parses raw bytes into an Envelope. It fails with *DecodeError when
// the input is not an object, type or from is missing, or a known type
// carries data of the wrong shape. Unknown types decode successfully and keep
// their data in Envelope.Raw.
func Decode(raw []byte) (domain.Envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return domain.Envelope{}, &DecodeError{Reason: "not a json object", Err: err}
	}
	if fields == nil {
		return domain.Envelope{}, &DecodeError{Reason: "not a json object"}
	}

	typ, err := stringField(fields, "type", true)
	if err != nil {
		return domain.Envelope{}, err
	}
	from, err := stringField(fields, "from", true)
	if err != nil {
		return domain.Envelope{}, err
	}
	to, err := stringField(fields, "to", false)
	if err != nil {
		return domain.Envelope{}, err
	}

	env := domain.Envelope{
		Type: domain.MessageType(typ),
		From: domain.PeerID(from),
		To:   domain.PeerID(to),
	}
	data := fields["data"]
	if !env.Type.Known() {
		env.Raw = data
		return env, nil
	}

	payload, err := decodePayload(env.Type, env.From, data)
	if err != nil {
		return domain.Envelope{}, err
	}
	env.Payload = payload
	return env, nil
}

func stringField(fields map[string]json.RawMessage, name string, required bool) (string, error) {
	raw, ok := fields[name]
	if !ok || isNull(raw) {
		if required {
			return "", &DecodeError{Reason: "missing " + name}
		}
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", &DecodeError{Reason: name + " is not a string", Err: err}
	}
	if required && s == "" {
		return "", &DecodeError{Reason: "empty " + name}
	}
	return s, nil
}

func decodePayload(typ domain.MessageType, from domain.PeerID, data json.RawMessage) (domain.Payload, error) {
	switch typ {
	case domain.MessagePresence:
		var p domain.Presence
		if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '{' {
			_ = json.Unmarshal(trimmed, &p)
		}
		return p, nil
	case domain.MessageViewRequest:
		return domain.ViewRequest{}, nil
	case domain.MessageCameraAvailable:
		var ca domain.CameraAvailable
		if !isNull(data) {
			if err := decodeObject(typ, data, &ca); err != nil {
				return nil, err
			}
		}
		if ca.CameraID == "" {
			ca.CameraID = from
		}
		return ca, nil
	case domain.MessageOffer, domain.MessageAnswer:
		var desc domain.SessionDescription
		if err := decodeObject(typ, data, &desc); err != nil {
			return nil, err
		}
		if desc.SDP == "" {
			return nil, &DecodeError{Reason: string(typ) + " without sdp"}
		}
		if desc.Type == "" {
			desc.Type = string(typ)
		}
		if desc.Type != string(typ) {
			return nil, &DecodeError{Reason: fmt.Sprintf("%s carries a %q description", typ, desc.Type)}
		}
		return desc, nil
	case domain.MessageICE:
		var cand domain.ICECandidate
		if err := decodeObject(typ, data, &cand); err != nil {
			return nil, err
		}
		return cand, nil
	}
	return nil, &DecodeError{Reason: "unsupported type " + string(typ)}
}

func decodeObject(typ domain.MessageType, data json.RawMessage, v interface{}) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return &DecodeError{Reason: string(typ) + " data is not an object"}
	}
	if err := json.Unmarshal(trimmed, v); err != nil {
		return &DecodeError{Reason: string(typ) + " data has wrong shape", Err: err}
	}
	return nil
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
