package upgrade

import (
	"fmt"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/shurlinet/peernet/core/crypto"
	"github.com/shurlinet/peernet/core/mux"
	"github.com/shurlinet/peernet/core/network"
	"github.com/shurlinet/peernet/core/peer"
	"github.com/shurlinet/peernet/core/transport"
)

// transportConn is a fully upgraded connection: the muxer session plus
// the identity and address facts bound during the upgrade.
type transportConn struct {
	mux.MuxedConn

	transport  transport.Transport
	localAddr  ma.Multiaddr
	remoteAddr ma.Multiaddr
	localPeer  peer.ID
	remotePeer peer.ID
	remoteKey  crypto.PubKey
	state      network.ConnectionState
	scope      network.ConnManagementScope
}

var _ transport.CapableConn = (*transportConn)(nil)

func (c *transportConn) LocalPeer() peer.ID             { return c.localPeer }
func (c *transportConn) RemotePeer() peer.ID            { return c.remotePeer }
func (c *transportConn) RemotePublicKey() crypto.PubKey { return c.remoteKey }
func (c *transportConn) LocalMultiaddr() ma.Multiaddr   { return c.localAddr }
func (c *transportConn) RemoteMultiaddr() ma.Multiaddr  { return c.remoteAddr }

func (c *transportConn) Transport() transport.Transport     { return c.transport }
func (c *transportConn) State() network.ConnectionState     { return c.state }
func (c *transportConn) Scope() network.ConnManagementScope { return c.scope }

func (c *transportConn) Close() error {
	defer c.scope.Done()
	return c.MuxedConn.Close()
}

func (c *transportConn) String() string {
	return fmt.Sprintf("<connection %s %s -> %s>", c.state.Transport, c.localAddr, c.remoteAddr)
}
