// Package sec defines the interface between the upgrader and security
// handshakes such as Noise.
package sec

import (
	"context"
	"errors"
	"net"

	"github.com/shurlinet/peernet/core/crypto"
	"github.com/shurlinet/peernet/core/peer"
	"github.com/shurlinet/peernet/core/protocol"
)

// ErrPeerIDMismatch is returned when the peer authenticated by the
// handshake is not the one the dial expected.
var ErrPeerIDMismatch = errors.New("peer id mismatch")

// SecureConn is an authenticated, encrypted byte pipe.
type SecureConn interface {
	net.Conn

	// LocalPeer returns our identity on this session.
	LocalPeer() peer.ID

	// RemotePeer returns the authenticated remote identity.
	RemotePeer() peer.ID

	// RemotePublicKey returns the remote's libp2p public key.
	RemotePublicKey() crypto.PubKey
}

// SecureTransport runs a security handshake over an insecure pipe.
type SecureTransport interface {
	// SecureInbound runs the responder side. If p is non-empty the
	// handshake fails with ErrPeerIDMismatch unless the remote proves
	// that identity.
	SecureInbound(ctx context.Context, insecure net.Conn, p peer.ID) (SecureConn, error)

	// SecureOutbound runs the initiator side, expecting to reach p.
	SecureOutbound(ctx context.Context, insecure net.Conn, p peer.ID) (SecureConn, error)

	// ID returns the protocol id negotiated for this handshake.
	ID() protocol.ID
}
