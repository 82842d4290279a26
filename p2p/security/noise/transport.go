// Package noise implements the Noise XX security handshake and the
// authenticated frame layer that runs over upgraded connections.
package noise

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/shurlinet/peernet/core/crypto"
	"github.com/shurlinet/peernet/core/peer"
	"github.com/shurlinet/peernet/core/protocol"
	"github.com/shurlinet/peernet/core/sec"
)

// ID is the protocol id negotiated for this handshake.
const ID protocol.ID = "/noise"

// HandshakeTimeout bounds the three handshake messages.
var HandshakeTimeout = 60 * time.Second

var (
	// ErrDecrypt is fatal to the connection: an authentication tag
	// failed after the handshake.
	ErrDecrypt = errors.New("noise: message authentication failed")

	// ErrInvalidStaticKeySignature is returned when the handshake
	// payload's static-key assertion does not verify.
	ErrInvalidStaticKeySignature = errors.New("noise: invalid static key signature")
)

// Transport runs Noise XX handshakes with a fixed libp2p identity. A
// fresh noise static key is generated per connection; key re-use across
// connections is forbidden.
type Transport struct {
	localID peer.ID
	privKey crypto.PrivKey
}

var _ sec.SecureTransport = (*Transport)(nil)

// New creates a noise transport authenticating as privKey's peer.
func New(privKey crypto.PrivKey) (*Transport, error) {
	localID, err := peer.IDFromPrivateKey(privKey)
	if err != nil {
		return nil, err
	}
	return &Transport{localID: localID, privKey: privKey}, nil
}

func (t *Transport) ID() protocol.ID { return ID }

// SecureInbound runs the responder side of the handshake.
func (t *Transport) SecureInbound(ctx context.Context, insecure net.Conn, p peer.ID) (sec.SecureConn, error) {
	return newSecureSession(ctx, t, insecure, p, false)
}

// SecureOutbound runs the initiator side, expecting to reach p.
func (t *Transport) SecureOutbound(ctx context.Context, insecure net.Conn, p peer.ID) (sec.SecureConn, error) {
	return newSecureSession(ctx, t, insecure, p, true)
}
