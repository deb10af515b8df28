package envelope

import (
	"time"

	"hydrarouter/internal/hydraerr"
)

// Message is the peer library's typed in-process representation of an
// Envelope (spec.md §3 "In-process message (peer side)"). The application
// creates one to send and receives one from a handler or from request's
// response; the peer library owns the conversion to and from the wire.
type Message struct {
	// Kind is the closed-set tag, or KindUnknown if the inbound elem did
	// not match any known kind.
	Kind Kind
	// RawKind is always populated on decode: it equals string(Kind) for
	// known kinds, and the original, unrecognized elem label when Kind is
	// KindUnknown. It is ignored on encode.
	RawKind   string
	ClientID  string
	RequestID string
	Data      map[string]any
	Timestamp float64
}

// Decode converts a wire Envelope into a typed Message. It never fails:
// an elem outside the closed MessageKind set becomes KindUnknown with
// RawKind preserving the original label, per spec.md §4.1/§9. The caller
// is responsible for logging a warning when Unknown() is true — the codec
// itself performs no I/O.
func Decode(e Envelope) Message {
	kind, known := KindFor(e.Elem)
	raw := e.Elem
	if known {
		raw = string(kind)
	}
	return Message{
		Kind:      kind,
		RawKind:   raw,
		ClientID:  e.ClientID,
		RequestID: e.RequestID,
		Data:      e.Data,
		Timestamp: e.Timestamp,
	}
}

// Unknown reports whether m was decoded from an elem outside the closed
// MessageKind set.
func (m Message) Unknown() bool { return m.Kind == KindUnknown }

// Encode converts a typed Message into a wire Envelope. sender is the
// peer's own declared type, stamped onto the outbound envelope. An
// unrecognized Kind (including the KindUnknown sentinel) fails with a
// FormatError: outbound conversion of an unknown kind is a caller bug,
// unlike the permissive inbound path.
func Encode(sender PeerType, m Message) (Envelope, error) {
	elem, ok := ElemFor(m.Kind)
	if !ok {
		return Envelope{}, hydraerr.New(
			hydraerr.FormatError, "envelope.codec",
			"cannot encode unknown message kind",
			"kind", string(m.Kind),
		)
	}
	ts := m.Timestamp
	if ts == 0 {
		ts = float64(time.Now().UnixNano()) / 1e9
	}
	return Envelope{
		Sender:    sender,
		Elem:      elem,
		Timestamp: ts,
		ClientID:  m.ClientID,
		RequestID: m.RequestID,
		Data:      m.Data,
	}, nil
}
