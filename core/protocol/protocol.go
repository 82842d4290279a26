// Package protocol defines the identifier type for application and
// control protocols negotiated over streams.
package protocol

// ID is a protocol identifier in libp2p path form, e.g. "/ipfs/ping/1.0.0".
type ID string

// Well-known protocol ids spoken by the core stack.
const (
	// Identify exchanges peer metadata on new connections.
	Identify ID = "/ipfs/id/1.0.0"

	// Ping echoes 32 random bytes and measures round-trip time.
	Ping ID = "/ipfs/ping/1.0.0"

	// CircuitHop is spoken by a client to a relay (reserve / connect).
	CircuitHop ID = "/libp2p/circuit/relay/0.2.0/hop"

	// CircuitStop is spoken by a relay to the destination of a circuit.
	CircuitStop ID = "/libp2p/circuit/relay/0.2.0/stop"

	// HolePunch coordinates a simultaneous connect through a relay.
	HolePunch ID = "/libp2p/dcutr"

	// AutoNATDialRequest asks a remote service to dial our candidate
	// addresses back and report per-address outcomes.
	AutoNATDialRequest ID = "/libp2p/autonat/2/dial-request"
)

// ConvertToStrings converts protocol ids to plain strings.
func ConvertToStrings(ids []ID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

// ConvertFromStrings converts plain strings to protocol ids.
func ConvertFromStrings(ss []string) []ID {
	out := make([]ID, len(ss))
	for i, s := range ss {
		out[i] = ID(s)
	}
	return out
}
