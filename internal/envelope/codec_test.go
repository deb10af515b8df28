package envelope

import "testing"

func TestRoundTripKnownKinds(t *testing.T) {
	cases := []Message{
		{Kind: KindHeartbeat, Data: map[string]any{"status": "alive"}, Timestamp: 100},
		{Kind: KindSquareRequest, Data: map[string]any{"number": float64(7)}, RequestID: "r1", Timestamp: 5},
		{Kind: KindStatusUpdate, Data: map[string]any{"state": "running"}, ClientID: "c1"},
	}
	for _, m := range cases {
		env, err := Encode(HydraClient, m)
		if err != nil {
			t.Fatalf("Encode(%v): unexpected error: %v", m.Kind, err)
		}
		got := Decode(env)
		if got.Kind != m.Kind {
			t.Errorf("round trip kind: got %q want %q", got.Kind, m.Kind)
		}
		if got.RequestID != m.RequestID {
			t.Errorf("round trip request_id: got %q want %q", got.RequestID, m.RequestID)
		}
		if got.ClientID != m.ClientID {
			t.Errorf("round trip client_id: got %q want %q", got.ClientID, m.ClientID)
		}
		if got.Unknown() {
			t.Errorf("round trip of known kind %q decoded as unknown", m.Kind)
		}
	}
}

func TestEncodeUnknownKindFails(t *testing.T) {
	_, err := Encode(HydraClient, Message{Kind: Kind("not_a_real_kind")})
	if err == nil {
		t.Fatalf("Encode of unrecognized kind: want error, got nil")
	}
}

func TestDecodeUnknownElemSurfacesLabel(t *testing.T) {
	env := Envelope{Sender: HydraServer, Elem: "some_future_message_type", RequestID: "abc"}
	msg := Decode(env)
	if !msg.Unknown() {
		t.Fatalf("Decode of unrecognized elem: want Unknown() true")
	}
	if msg.RawKind != "some_future_message_type" {
		t.Errorf("RawKind = %q, want original label preserved", msg.RawKind)
	}
	if msg.RequestID != "abc" {
		t.Errorf("RequestID = %q, want preserved across unknown-kind decode", msg.RequestID)
	}
}

func TestEncodeFillsTimestampWhenAbsent(t *testing.T) {
	env, err := Encode(HydraClient, Message{Kind: KindHeartbeat})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.Timestamp <= 0 {
		t.Errorf("Timestamp = %v, want a filled-in wall-clock value", env.Timestamp)
	}
}
