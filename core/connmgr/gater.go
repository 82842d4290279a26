// Package connmgr defines the connection gating contract: a pluggable
// interceptor consulted at fixed points of the connection lifecycle.
package connmgr

import (
	ma "github.com/multiformats/go-multiaddr"

	"github.com/shurlinet/peernet/core/network"
	"github.com/shurlinet/peernet/core/peer"
)

// DisconnectReason is an optional machine-readable code a gater can
// attach when vetoing an upgraded connection.
type DisconnectReason int32

// ConnectionGater is consulted by the network at each checkpoint of a
// connection's life. Returning false vetoes the operation; the network
// surfaces a gated error (outbound) or closes the connection (inbound).
type ConnectionGater interface {
	// InterceptPeerDial is consulted before resolving addresses for an
	// outbound dial.
	InterceptPeerDial(p peer.ID) (allow bool)

	// InterceptAddrDial is consulted for each resolved address about to
	// be dialed.
	InterceptAddrDial(p peer.ID, addr ma.Multiaddr) (allow bool)

	// InterceptAccept is consulted for inbound connections before any
	// handshake runs.
	InterceptAccept(addrs network.ConnMultiaddrs) (allow bool)

	// InterceptSecured is consulted after the security handshake has
	// authenticated the remote peer.
	InterceptSecured(dir network.Direction, p peer.ID, addrs network.ConnMultiaddrs) (allow bool)

	// InterceptUpgraded is consulted once the connection is fully
	// upgraded, immediately before installation.
	InterceptUpgraded(c network.Conn) (allow bool, reason DisconnectReason)
}
