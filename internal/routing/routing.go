// Package routing implements the broker's routing decision table
// (spec.md §4.4): a pure function from an inbound envelope, its sender's
// transport identity, and a registry view, to a list of outbound sends.
// It performs no I/O and holds no state; the broker loop executes what it
// returns.
package routing

import (
	"time"

	"hydrarouter/internal/envelope"
	"hydrarouter/internal/registry"
)

// Snapshotter is the narrow read view of the registry the routing engine
// needs. registry.Registry satisfies it directly; tests can substitute a
// fake to exercise the decision table without a real registry.
type Snapshotter interface {
	ServerIdentity() (string, bool)
	ByType(envelope.Category) []string
	Snapshot() []registry.Snapshot
}

// Outbound is one send the broker loop must perform: env addressed to the
// peer identified by To.
type Outbound struct {
	To  string
	Env envelope.Envelope
}

const noServerReason = "no server connected"

// Decide implements the decision table of spec.md §4.4. env must already
// have passed validate.Validator and reg.Observe must already have been
// called for senderIdentity — Decide itself performs no registry mutation.
func Decide(env envelope.Envelope, senderIdentity string, reg Snapshotter, now time.Time) []Outbound {
	category := env.Sender.Category()

	if env.Elem == "heartbeat" {
		return nil
	}

	if env.Elem == "client_registry_request" {
		return []Outbound{registryResponse(env, senderIdentity, reg, now)}
	}

	if category == envelope.ClientCategory {
		if serverID, ok := reg.ServerIdentity(); ok {
			return []Outbound{{To: serverID, Env: env}}
		}
		return []Outbound{noServerError(env, senderIdentity, now)}
	}

	// category == envelope.ServerCategory: broadcast to every client
	// except the sender. Best-effort per-recipient send failures are the
	// broker loop's concern, not this decision table's.
	var out []Outbound
	for _, id := range reg.ByType(envelope.ClientCategory) {
		if id == senderIdentity {
			continue
		}
		out = append(out, Outbound{To: id, Env: env})
	}
	return out
}

func registryResponse(env envelope.Envelope, senderIdentity string, reg Snapshotter, now time.Time) Outbound {
	snap := reg.Snapshot()
	data := make(map[string]any, len(snap))
	for _, s := range snap {
		data[s.ClientID] = map[string]any{
			"peer_type":      s.PeerType,
			"last_heartbeat": s.LastHeartbeat,
		}
	}
	return Outbound{
		To: senderIdentity,
		Env: envelope.Envelope{
			Sender:    envelope.HydraRouter,
			Elem:      "client_registry_response",
			Timestamp: float64(now.UnixNano()) / 1e9,
			ClientID:  string(envelope.HydraRouter),
			RequestID: env.RequestID,
			Data:      data,
		},
	}
}

func noServerError(env envelope.Envelope, senderIdentity string, now time.Time) Outbound {
	return Outbound{
		To: senderIdentity,
		Env: envelope.Envelope{
			Sender:    envelope.HydraRouter,
			Elem:      "error",
			Timestamp: float64(now.UnixNano()) / 1e9,
			ClientID:  string(envelope.HydraRouter),
			RequestID: env.RequestID,
			Data: map[string]any{
				"reason":           noServerReason,
				"original_request": env.Elem,
			},
		},
	}
}
