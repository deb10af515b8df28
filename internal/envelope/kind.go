package envelope

// Kind is the peer library's in-process enumerated tag corresponding
// one-to-one with a wire elem label, plus the sentinel Unknown.
type Kind string

const (
	KindHeartbeat              Kind = "heartbeat"
	KindError                  Kind = "error"
	KindClientRegistryRequest  Kind = "client_registry_request"
	KindClientRegistryResponse Kind = "client_registry_response"
	KindSquareRequest          Kind = "square_request"
	KindSquareResponse         Kind = "square_response"
	KindStartSimulation        Kind = "start_simulation"
	KindStopSimulation         Kind = "stop_simulation"
	KindPauseSimulation        Kind = "pause_simulation"
	KindResumeSimulation       Kind = "resume_simulation"
	KindResetSimulation        Kind = "reset_simulation"
	KindGetSimulationStatus    Kind = "get_simulation_status"
	KindStatusUpdate           Kind = "status_update"
	KindSimulationStarted      Kind = "simulation_started"
	KindSimulationStopped      Kind = "simulation_stopped"
	KindSimulationPaused       Kind = "simulation_paused"
	KindSimulationResumed      Kind = "simulation_resumed"
	KindSimulationReset        Kind = "simulation_reset"

	// KindUnknown is the sentinel used by wire->typed conversion when the
	// inbound elem does not match any entry in kindToElem. The original
	// label is preserved on Message.RawKind, never discarded.
	KindUnknown Kind = "unknown"
)

// kindToElem is the static bidirectional table the codec uses to translate
// between the closed Kind set and the wire elem label. Every known Kind
// maps to an elem string equal to its own value; the table is still
// spelled out explicitly (rather than relying on that equality) so a
// future kind whose wire label diverges from its Go identifier only
// requires an edit here.
var kindToElem = map[Kind]string{
	KindHeartbeat:              "heartbeat",
	KindError:                  "error",
	KindClientRegistryRequest:  "client_registry_request",
	KindClientRegistryResponse: "client_registry_response",
	KindSquareRequest:          "square_request",
	KindSquareResponse:         "square_response",
	KindStartSimulation:        "start_simulation",
	KindStopSimulation:         "stop_simulation",
	KindPauseSimulation:        "pause_simulation",
	KindResumeSimulation:       "resume_simulation",
	KindResetSimulation:        "reset_simulation",
	KindGetSimulationStatus:    "get_simulation_status",
	KindStatusUpdate:           "status_update",
	KindSimulationStarted:      "simulation_started",
	KindSimulationStopped:      "simulation_stopped",
	KindSimulationPaused:       "simulation_paused",
	KindSimulationResumed:      "simulation_resumed",
	KindSimulationReset:        "simulation_reset",
}

var elemToKind = func() map[string]Kind {
	m := make(map[string]Kind, len(kindToElem))
	for k, v := range kindToElem {
		m[v] = k
	}
	return m
}()

// ElemFor returns the wire elem label for a known Kind, and false for an
// unrecognized one (including KindUnknown itself, which has no fixed elem
// of its own — it only ever carries a foreign label via RawKind).
func ElemFor(k Kind) (string, bool) {
	e, ok := kindToElem[k]
	return e, ok
}

// KindFor returns the Kind for a wire elem label, or (KindUnknown, false)
// if elem is not in the closed set. Callers on the receive path must not
// treat the false return as an error: spec.md §4.1/§9 requires unknown
// elem values to decode successfully into KindUnknown, not fail.
func KindFor(elem string) (Kind, bool) {
	k, ok := elemToKind[elem]
	if !ok {
		return KindUnknown, false
	}
	return k, true
}
