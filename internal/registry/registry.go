// Package registry implements the broker's peer registry: a concurrent
// mapping from transport identity to PeerRecord with heartbeat-driven
// lifecycle (spec.md §4.3).
package registry

import (
	"encoding/hex"
	"sync"
	"time"

	"hydrarouter/internal/envelope"
	"hydrarouter/internal/hlog"
)

// Record is the broker's view of one connected peer.
type Record struct {
	Identity      string // raw transport identity, used as the map key
	ClientID      string // declared client_id, if the peer supplied one
	Type          envelope.PeerType
	LastHeartbeat time.Time
}

// IdentityHex returns the identity rendered as hex, the fallback label
// used wherever no client_id was declared (spec.md §4.3 "snapshot()").
func (r Record) IdentityHex() string {
	return hex.EncodeToString([]byte(r.Identity))
}

// Label returns the declared client_id if present, otherwise IdentityHex.
func (r Record) Label() string {
	if r.ClientID != "" {
		return r.ClientID
	}
	return r.IdentityHex()
}

// Snapshot is one entry of the stable copy returned by Snapshot(), shaped
// for direct inclusion in a client_registry_response's data field.
type Snapshot struct {
	ClientID      string  `json:"client_id"`
	PeerType      string  `json:"peer_type"`
	LastHeartbeat float64 `json:"last_heartbeat"`
}

// Registry is a concurrent identity -> Record map with a server-identity
// fast path and a client_id secondary index. All exported methods are
// safe for concurrent use; a single mutex is sufficient at the design
// target of spec.md §4.3 (<=100 peers, >=1000 msg/s aggregate).
type Registry struct {
	mu       sync.RWMutex
	peers    map[string]*Record
	byClient map[string]string // client_id -> identity
	serverID string            // identity of the current server-category peer, "" if none
	log      *hlog.Logger
}

// New builds an empty Registry. A nil logger is valid and silences the
// registration/eviction log lines spec.md §4.3 requires.
func New(log *hlog.Logger) *Registry {
	if log == nil {
		log = hlog.Discard()
	}
	return &Registry{
		peers:    make(map[string]*Record),
		byClient: make(map[string]string),
		log:      log,
	}
}

// Observe upserts a peer's record and refreshes its last-heartbeat clock.
// It logs a registration line the first time an identity is seen. If the
// peer declares server-category and a different server-category peer is
// already registered, the previous one is displaced: "last writer wins
// with logging" (spec.md §4.3, §9) — the displaced identity keeps its
// Record (so it still receives broadcasts as an ordinary client) but is no
// longer returned by ServerIdentity.
func (r *Registry) Observe(identity string, senderType envelope.PeerType, clientID string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, exists := r.peers[identity]
	if !exists {
		rec = &Record{Identity: identity}
		r.peers[identity] = rec
		r.log.Info("peer registered: identity=%s type=%s client_id=%q", rec.IdentityHex(), senderType, clientID)
	}
	rec.Type = senderType
	rec.LastHeartbeat = now
	if clientID != "" && rec.ClientID != clientID {
		if rec.ClientID != "" {
			delete(r.byClient, rec.ClientID)
		}
		rec.ClientID = clientID
		r.byClient[clientID] = identity
	}

	if senderType.Category() == envelope.ServerCategory {
		if r.serverID != "" && r.serverID != identity {
			r.log.Warn("server peer displaced: previous=%s new=%s", r.serverID, identity)
		}
		r.serverID = identity
	}
}

// Remove deletes a peer's record, logging the removal. If the removed
// peer was the registered server, the server slot becomes empty.
func (r *Registry) Remove(identity string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(identity, "disconnected")
}

func (r *Registry) removeLocked(identity, reason string) {
	rec, ok := r.peers[identity]
	if !ok {
		return
	}
	delete(r.peers, identity)
	if rec.ClientID != "" {
		delete(r.byClient, rec.ClientID)
	}
	if r.serverID == identity {
		r.serverID = ""
	}
	r.log.Info("peer removed (%s): identity=%s client_id=%q", reason, rec.IdentityHex(), rec.ClientID)
}

// effectiveCategoryLocked returns the category a peer is treated as for
// routing purposes. A server-category peer that lost the server slot to a
// later registration (spec.md §4.3, §9 "last writer wins with logging") is
// no longer distinguishable from an ordinary client: it is not r.serverID,
// so it falls back to ClientCategory here even though its declared Type is
// still HydraServer/SimpleServer.
func (r *Registry) effectiveCategoryLocked(rec *Record) envelope.Category {
	cat := rec.Type.Category()
	if cat == envelope.ServerCategory && rec.Identity != r.serverID {
		return envelope.ClientCategory
	}
	return cat
}

// ByType returns the identities of every currently registered peer whose
// effective category (see effectiveCategoryLocked) falls in category. A
// displaced server-category peer is returned by ByType(ClientCategory),
// not ByType(ServerCategory).
func (r *Registry) ByType(category envelope.Category) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for id, rec := range r.peers {
		if r.effectiveCategoryLocked(rec) == category {
			out = append(out, id)
		}
	}
	return out
}

// ServerIdentity returns the identity of the unique registered
// server-category peer, or ("", false) if none is registered.
func (r *Registry) ServerIdentity() (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.serverID == "" {
		return "", false
	}
	return r.serverID, true
}

// Prune removes and returns every peer whose last heartbeat is older than
// timeout as of now, logging each eviction.
func (r *Registry) Prune(now time.Time, timeout time.Duration) []Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []Record
	for id, rec := range r.peers {
		if now.Sub(rec.LastHeartbeat) > timeout {
			evicted = append(evicted, *rec)
			r.removeLocked(id, "heartbeat timeout")
		}
	}
	return evicted
}

// Snapshot returns a stable copy of the registry for a
// client_registry_response, one entry per currently registered peer.
func (r *Registry) Snapshot() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Snapshot, 0, len(r.peers))
	for _, rec := range r.peers {
		out = append(out, Snapshot{
			ClientID:      rec.Label(),
			PeerType:      string(rec.Type),
			LastHeartbeat: float64(rec.LastHeartbeat.UnixNano()) / 1e9,
		})
	}
	return out
}

// Count returns the number of currently registered peers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// Has reports whether identity is already a registered peer.
func (r *Registry) Has(identity string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.peers[identity]
	return ok
}
