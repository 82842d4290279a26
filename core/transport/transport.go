// Package transport defines the interface the connection layer consumes
// from transports: producers of ordered, reliable byte pipes.
package transport

import (
	"context"
	"errors"
	"net"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"

	"github.com/shurlinet/peernet/core/mux"
	"github.com/shurlinet/peernet/core/network"
	"github.com/shurlinet/peernet/core/peer"
)

// DialTimeout is the fallback deadline for a single transport dial.
var DialTimeout = 15 * time.Second

// ErrListenerClosed is returned from Accept after the listener closes.
var ErrListenerClosed = errors.New("listener closed")

// ConnPipe is the raw byte pipe a transport produces: an ordered,
// reliable, bidirectional byte stream with deadlines, addressed by
// multiaddr on both ends.
type ConnPipe interface {
	net.Conn

	// LocalMultiaddr returns the local endpoint address.
	LocalMultiaddr() ma.Multiaddr

	// RemoteMultiaddr returns the remote endpoint address.
	RemoteMultiaddr() ma.Multiaddr
}

// CapableConn is a fully upgraded connection, produced by running the
// upgrader over a ConnPipe. It is what transports hand to the network.
type CapableConn interface {
	network.ConnSecurity
	network.ConnMultiaddrs

	// OpenStream opens a new muxed stream.
	OpenStream(ctx context.Context) (mux.MuxedStream, error)

	// AcceptStream blocks for the next inbound muxed stream.
	AcceptStream() (mux.MuxedStream, error)

	// Close tears down the muxer, security session and pipe.
	Close() error

	// IsClosed reports whether the connection is closed.
	IsClosed() bool

	// State reports how the connection was upgraded.
	State() network.ConnectionState

	// Scope returns the resource scope charged for this connection.
	Scope() network.ConnManagementScope

	// Transport returns the transport that produced this connection.
	Transport() Transport
}

// Transport dials and listens for connections. Transports MUST be
// stateless: every Dial produces a fresh pipe; connection reuse is the
// network's exclusive concern.
type Transport interface {
	// Dial dials the peer at raddr and upgrades the resulting pipe.
	Dial(ctx context.Context, raddr ma.Multiaddr, p peer.ID) (CapableConn, error)

	// CanDial reports whether this transport understands addr.
	CanDial(addr ma.Multiaddr) bool

	// Listen binds to laddr and upgrades inbound pipes.
	Listen(laddr ma.Multiaddr) (Listener, error)

	// Protocols lists the terminal multiaddr protocol codes this
	// transport handles.
	Protocols() []int

	// Proxy reports whether this transport tunnels through another peer
	// (e.g. the circuit transport).
	Proxy() bool
}

// Listener accepts upgraded connections.
type Listener interface {
	Accept() (CapableConn, error)
	Close() error
	Addr() net.Addr
	Multiaddr() ma.Multiaddr
}

// Upgrader turns raw byte pipes into CapableConns via security and muxer
// negotiation.
type Upgrader interface {
	// Upgrade negotiates security and muxing over pipe in the given
	// role. For outbound upgrades p is the expected remote peer; for
	// inbound it is empty.
	Upgrade(ctx context.Context, t Transport, pipe ConnPipe, dir network.Direction, p peer.ID, scope network.ConnManagementScope) (CapableConn, error)

	// UpgradeListener wraps a raw listener so accepted pipes surface
	// fully upgraded.
	UpgradeListener(t Transport, l manet.Listener) Listener

	// ResourceManager returns the manager connections are charged to.
	ResourceManager() network.ResourceManager
}
