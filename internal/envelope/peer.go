// Package envelope defines the on-wire Envelope schema (spec.md §3), the
// closed PeerType and MessageKind sets, and the bidirectional codec between
// the wire schema and the peer library's typed in-process message.
package envelope

// PeerType is a peer-type label as declared in an Envelope's sender field.
// It is a closed set: HydraClient, HydraServer, SimpleClient, SimpleServer
// are valid inbound senders; HydraRouter identifies the broker itself in
// outbound replies and is never a valid inbound sender.
type PeerType string

const (
	HydraClient  PeerType = "HydraClient"
	HydraServer  PeerType = "HydraServer"
	SimpleClient PeerType = "SimpleClient"
	SimpleServer PeerType = "SimpleServer"
	HydraRouter  PeerType = "HydraRouter"
)

// Category is the coarse behavioral class a PeerType belongs to.
type Category int

const (
	// ClientCategory peers initiate requests.
	ClientCategory Category = iota
	// ServerCategory peers handle requests and emit broadcasts.
	ServerCategory
	// unknownCategory is never returned for a valid inbound sender; it
	// exists so Category(HydraRouter) has a defined, distinguishable value
	// rather than silently aliasing ClientCategory (the zero value).
	unknownCategory
)

// validSenders is the set of PeerType values a broker will accept as an
// inbound sender label. HydraRouter is intentionally absent: it is the
// broker's own self-identification, never a peer's.
var validSenders = map[PeerType]Category{
	HydraClient:  ClientCategory,
	SimpleClient: ClientCategory,
	HydraServer:  ServerCategory,
	SimpleServer: ServerCategory,
}

// ValidSender reports whether t is a peer type a broker will accept on an
// inbound message, and if so, which category it belongs to.
func ValidSender(t PeerType) (Category, bool) {
	cat, ok := validSenders[t]
	return cat, ok
}

// Category returns the behavioral category of t, or unknownCategory if t
// is not a valid inbound sender type (including HydraRouter itself).
func (t PeerType) Category() Category {
	if cat, ok := validSenders[t]; ok {
		return cat
	}
	return unknownCategory
}

func (c Category) String() string {
	switch c {
	case ClientCategory:
		return "client"
	case ServerCategory:
		return "server"
	default:
		return "unknown"
	}
}
