// Package network defines the interfaces of the connection layer: the
// Network (implemented by the swarm), connections, streams, lifecycle
// notifications and the resource accounting scopes they run under.
package network

import (
	"context"
	"io"
	"time"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/shurlinet/peernet/core/peer"
	"github.com/shurlinet/peernet/core/peerstore"
)

// Direction of a connection or stream relative to the local node.
type Direction int

const (
	DirUnknown Direction = iota
	DirInbound
	DirOutbound
)

func (d Direction) String() string {
	switch d {
	case DirInbound:
		return "inbound"
	case DirOutbound:
		return "outbound"
	default:
		return "unknown"
	}
}

// Connectedness describes the relationship with a remote peer.
type Connectedness int

const (
	// NotConnected means no live connection exists.
	NotConnected Connectedness = iota
	// Connected means at least one live, unrestricted connection exists.
	Connected
	// Limited means only limited (e.g. relayed) connections exist.
	Limited
)

func (c Connectedness) String() string {
	switch c {
	case Connected:
		return "connected"
	case Limited:
		return "limited"
	default:
		return "not connected"
	}
}

// Reachability is the node's inferred reachability from the public
// internet.
type Reachability int

const (
	ReachabilityUnknown Reachability = iota
	ReachabilityPublic
	ReachabilityPrivate
)

func (r Reachability) String() string {
	switch r {
	case ReachabilityPublic:
		return "public"
	case ReachabilityPrivate:
		return "private"
	default:
		return "unknown"
	}
}

// Stats bundles metadata common to connections and streams.
type Stats struct {
	Direction Direction
	Opened    time.Time
	// Limited marks a connection subject to relay data/duration caps.
	Limited bool
}

// StreamHandler is invoked for each inbound stream the network accepts.
type StreamHandler func(Stream)

// Network manages connections to peers. It is the single authority for
// connection reuse: transports below it are stateless.
type Network interface {
	io.Closer

	// LocalPeer returns the identity this network dials and listens as.
	LocalPeer() peer.ID

	// Peerstore returns the address/key/protocol books backing dials.
	Peerstore() peerstore.Peerstore

	// DialPeer establishes a connection to p, reusing a live one when
	// present. Honors the dial hints attached to ctx.
	DialPeer(ctx context.Context, p peer.ID) (Conn, error)

	// ClosePeer closes all connections to p.
	ClosePeer(p peer.ID) error

	// Connectedness returns the current relationship with p.
	Connectedness(p peer.ID) Connectedness

	// Peers lists peers with at least one live connection.
	Peers() []peer.ID

	// Conns lists all live connections.
	Conns() []Conn

	// ConnsToPeer lists live connections to p.
	ConnsToPeer(p peer.ID) []Conn

	// NewStream opens a stream on a connection to p, dialing if needed.
	// The stream carries no protocol until negotiation assigns one.
	NewStream(ctx context.Context, p peer.ID) (Stream, error)

	// SetStreamHandler installs the handler run for each inbound stream.
	SetStreamHandler(StreamHandler)

	// Listen starts listening on the given addresses.
	Listen(addrs ...ma.Multiaddr) error

	// ListenAddresses returns the bound listen addresses.
	ListenAddresses() []ma.Multiaddr

	// InterfaceListenAddresses returns the bound addresses with
	// unspecified addresses resolved to interface addresses.
	InterfaceListenAddresses() ([]ma.Multiaddr, error)

	// Notify registers a lifecycle listener.
	Notify(Notifiee)

	// StopNotify removes a lifecycle listener.
	StopNotify(Notifiee)
}
