package event

import (
	ma "github.com/multiformats/go-multiaddr"

	"github.com/shurlinet/peernet/core/network"
	"github.com/shurlinet/peernet/core/peer"
	"github.com/shurlinet/peernet/core/protocol"
	"github.com/shurlinet/peernet/core/record"
)

// EvtLocalReachabilityChanged fires when the node's inferred reachability
// changes. Reachability is process-wide state owned by the host.
type EvtLocalReachabilityChanged struct {
	Reachability network.Reachability
}

// EvtPeerConnectednessChanged fires when the relationship with a peer
// moves between connected and not connected.
type EvtPeerConnectednessChanged struct {
	Peer          peer.ID
	Connectedness network.Connectedness
}

// EvtPeerIdentificationCompleted fires when identify finishes on a new
// connection.
type EvtPeerIdentificationCompleted struct {
	Peer peer.ID

	// Conn is the connection identify ran over.
	Conn network.Conn

	// ListenAddrs the peer advertised.
	ListenAddrs []ma.Multiaddr

	// Protocols the peer advertised.
	Protocols []protocol.ID

	// ObservedAddr is the address the peer observed us at.
	ObservedAddr ma.Multiaddr

	// SignedPeerRecord is the peer's certified address record, if sent.
	SignedPeerRecord *record.Envelope

	// AgentVersion and ProtocolVersion from the identify payload.
	AgentVersion    string
	ProtocolVersion string
}

// EvtPeerIdentificationFailed fires when identify errors on a connection.
type EvtPeerIdentificationFailed struct {
	Peer   peer.ID
	Reason error
}

// EvtPeerProtocolsUpdated fires when identify observes a change in the
// protocols a connected peer supports.
type EvtPeerProtocolsUpdated struct {
	Peer    peer.ID
	Added   []protocol.ID
	Removed []protocol.ID
}

// EvtLocalAddressesUpdated fires when the set of advertised listen
// addresses changes (including circuit addresses from relays).
type EvtLocalAddressesUpdated struct {
	Current []ma.Multiaddr
	Removed []ma.Multiaddr
}

// EvtHolePunchCompleted fires after a DCUtR attempt concludes.
type EvtHolePunchCompleted struct {
	Peer    peer.ID
	Success bool
	Attempt int
	Err     error
}
