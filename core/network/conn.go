package network

import (
	"context"
	"io"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/shurlinet/peernet/core/crypto"
	"github.com/shurlinet/peernet/core/peer"
)

// Conn is an authenticated, multiplexed connection to a remote peer. It
// owns exactly one underlying byte pipe, one security session and one
// muxer session. Connections are owned by the Network; streams hold only
// a weak reference back to theirs.
type Conn interface {
	io.Closer
	ConnSecurity
	ConnMultiaddrs

	// ID is a stable identifier for logs and metrics.
	ID() string

	// NewStream opens a stream over this connection.
	NewStream(ctx context.Context) (Stream, error)

	// GetStreams lists the open streams on this connection.
	GetStreams() []Stream

	// IsClosed reports whether the connection has been closed.
	IsClosed() bool

	// Stat returns connection metadata.
	Stat() ConnStats

	// Scope returns the resource scope this connection charges against.
	Scope() ConnScope
}

// ConnSecurity exposes the identity facts the security handshake bound to
// the connection.
type ConnSecurity interface {
	LocalPeer() peer.ID
	RemotePeer() peer.ID
	RemotePublicKey() crypto.PubKey
}

// ConnMultiaddrs exposes the endpoint addresses of a connection.
type ConnMultiaddrs interface {
	LocalMultiaddr() ma.Multiaddr
	RemoteMultiaddr() ma.Multiaddr
}

// ConnStats bundles connection metadata with stream counts.
type ConnStats struct {
	Stats
	NumStreams int
}

// ConnectionState records how a connection was upgraded.
type ConnectionState struct {
	Security                  string
	StreamMultiplexer         string
	Transport                 string
	UsedEarlyMuxerNegotiation bool
}
