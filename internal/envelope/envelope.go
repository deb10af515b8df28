package envelope

import "encoding/json"

// Envelope is the single on-wire unit exchanged with the broker
// (spec.md §3). Absent optional fields are omitted from the JSON, never
// set to null, per spec.md §6 "Wire format".
type Envelope struct {
	Sender    PeerType       `json:"sender"`
	Elem      string         `json:"elem"`
	Timestamp float64        `json:"timestamp,omitempty"`
	ClientID  string         `json:"client_id,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Marshal serializes the Envelope to its wire form.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal decodes a raw wire payload into a generic map, deliberately
// not into an *Envelope directly: the validator (internal/validate) must
// see the message exactly as received — including malformed shapes such as
// a JSON array or a message missing required fields — before any typed
// field access happens. Decoding straight into a struct would silently
// coerce a non-object payload into a zero-value Envelope and hide the
// "value is a mapping" failure spec.md §4.2 rule 1 requires.
func Unmarshal(raw []byte) (any, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// FromMap converts a validated generic map into a concrete Envelope. It
// assumes the map has already passed internal/validate's rules; it does
// not re-validate.
func FromMap(m map[string]any) Envelope {
	e := Envelope{}
	if s, ok := m["sender"].(string); ok {
		e.Sender = PeerType(s)
	}
	if s, ok := m["elem"].(string); ok {
		e.Elem = s
	}
	if n, ok := m["timestamp"].(float64); ok {
		e.Timestamp = n
	}
	if s, ok := m["client_id"].(string); ok {
		e.ClientID = s
	}
	if s, ok := m["request_id"].(string); ok {
		e.RequestID = s
	}
	if d, ok := m["data"].(map[string]any); ok {
		e.Data = d
	}
	return e
}
