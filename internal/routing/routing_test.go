package routing

import (
	"testing"
	"time"

	"hydrarouter/internal/envelope"
	"hydrarouter/internal/registry"
)

// fakeSnapshot is a minimal Snapshotter for exercising the decision table
// in isolation from a real registry.
type fakeSnapshot struct {
	serverID string
	hasServer bool
	clients   []string
	snapshot  []registry.Snapshot
}

func (f fakeSnapshot) ServerIdentity() (string, bool)         { return f.serverID, f.hasServer }
func (f fakeSnapshot) ByType(envelope.Category) []string      { return f.clients }
func (f fakeSnapshot) Snapshot() []registry.Snapshot          { return f.snapshot }

func TestHeartbeatProducesNoOutbound(t *testing.T) {
	env := envelope.Envelope{Sender: envelope.HydraClient, Elem: "heartbeat"}
	out := Decide(env, "c1", fakeSnapshot{}, time.Now())
	if out != nil {
		t.Fatalf("heartbeat: got %d outbound actions, want 0", len(out))
	}
}

func TestClientRegistryRequestRespondsToSender(t *testing.T) {
	env := envelope.Envelope{Sender: envelope.HydraClient, Elem: "client_registry_request", RequestID: "r1"}
	snap := fakeSnapshot{snapshot: []registry.Snapshot{{ClientID: "c1", PeerType: "HydraClient"}}}
	out := Decide(env, "c1", snap, time.Now())
	if len(out) != 1 || out[0].To != "c1" {
		t.Fatalf("registry request: got %v, want single response to c1", out)
	}
	if out[0].Env.Elem != "client_registry_response" {
		t.Errorf("Elem = %q, want client_registry_response", out[0].Env.Elem)
	}
	if out[0].Env.RequestID != "r1" {
		t.Errorf("RequestID = %q, want echoed r1", out[0].Env.RequestID)
	}
	if out[0].Env.Sender != envelope.HydraRouter {
		t.Errorf("Sender = %q, want HydraRouter", out[0].Env.Sender)
	}
}

func TestServerCanAlsoQueryRegistry(t *testing.T) {
	env := envelope.Envelope{Sender: envelope.HydraServer, Elem: "client_registry_request"}
	out := Decide(env, "s1", fakeSnapshot{}, time.Now())
	if len(out) != 1 || out[0].To != "s1" {
		t.Fatalf("server registry request: got %v", out)
	}
}

func TestClientForwardsToServerWhenPresent(t *testing.T) {
	env := envelope.Envelope{Sender: envelope.HydraClient, Elem: "square_request", Data: map[string]any{"number": float64(7)}, RequestID: "r1"}
	snap := fakeSnapshot{serverID: "srv1", hasServer: true}
	out := Decide(env, "c1", snap, time.Now())
	if len(out) != 1 || out[0].To != "srv1" {
		t.Fatalf("forward: got %v, want single send to srv1", out)
	}
	if out[0].Env.Sender != envelope.HydraClient || out[0].Env.Elem != "square_request" {
		t.Errorf("forward mutated fields: got %+v", out[0].Env)
	}
	if out[0].Env.RequestID != "r1" {
		t.Errorf("forward must preserve request_id: got %q", out[0].Env.RequestID)
	}
}

func TestNoServerSynthesizesError(t *testing.T) {
	env := envelope.Envelope{Sender: envelope.HydraClient, Elem: "square_request", RequestID: "r1"}
	out := Decide(env, "c1", fakeSnapshot{}, time.Now())
	if len(out) != 1 || out[0].To != "c1" {
		t.Fatalf("no-server: got %v, want single error back to sender", out)
	}
	if out[0].Env.Elem != "error" {
		t.Errorf("Elem = %q, want error", out[0].Env.Elem)
	}
	if out[0].Env.Sender != envelope.HydraRouter {
		t.Errorf("Sender = %q, want HydraRouter", out[0].Env.Sender)
	}
	if out[0].Env.RequestID != "r1" {
		t.Errorf("RequestID = %q, want echoed r1", out[0].Env.RequestID)
	}
	reason, _ := out[0].Env.Data["reason"].(string)
	if reason != "no server connected" {
		t.Errorf("data.reason = %q, want %q", reason, "no server connected")
	}
}

func TestServerBroadcastsExcludingSender(t *testing.T) {
	env := envelope.Envelope{Sender: envelope.HydraServer, Elem: "status_update", Data: map[string]any{"state": "running"}}
	snap := fakeSnapshot{clients: []string{"a", "b", "srv1"}}
	out := Decide(env, "srv1", snap, time.Now())
	targets := map[string]bool{}
	for _, o := range out {
		targets[o.To] = true
	}
	if len(out) != 2 || targets["srv1"] {
		t.Fatalf("broadcast: got %v, want exactly [a b] excluding the sender", out)
	}
	if !targets["a"] || !targets["b"] {
		t.Fatalf("broadcast: got %v, want both a and b", out)
	}
}
