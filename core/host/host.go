// Package host defines the facade interface binding the network, the
// peerstore, the event bus and the protocol services.
package host

import (
	"context"
	"io"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/shurlinet/peernet/core/event"
	"github.com/shurlinet/peernet/core/network"
	"github.com/shurlinet/peernet/core/peer"
	"github.com/shurlinet/peernet/core/peerstore"
	"github.com/shurlinet/peernet/core/protocol"
)

// Host is a single peernet node: an identity, a network, a mux of stream
// handlers and the background services keeping the node reachable.
type Host interface {
	io.Closer

	// ID returns the host's peer identity.
	ID() peer.ID

	// Peerstore returns the host's address/key/protocol books.
	Peerstore() peerstore.Peerstore

	// Addrs returns the addresses this host advertises, after the
	// configured address factory filtered them.
	Addrs() []ma.Multiaddr

	// Network returns the connection layer.
	Network() network.Network

	// EventBus returns the process-wide event bus.
	EventBus() event.Bus

	// Connect ensures a connection to the given peer, adding its
	// addresses to the peerstore with a temporary TTL first.
	Connect(ctx context.Context, ai peer.AddrInfo) error

	// NewStream opens a stream to p and negotiates one of the given
	// protocol ids, first match winning.
	NewStream(ctx context.Context, p peer.ID, ids ...protocol.ID) (network.Stream, error)

	// SetStreamHandler registers a handler for a protocol id.
	SetStreamHandler(id protocol.ID, h network.StreamHandler)

	// RemoveStreamHandler removes a protocol handler.
	RemoveStreamHandler(id protocol.ID)

	// Mux lists the protocol ids with registered handlers.
	Mux() []protocol.ID

	// Start brings up listeners and background services. Idempotent.
	Start() error
}
