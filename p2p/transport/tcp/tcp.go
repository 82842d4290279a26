// Package tcp provides the stateless TCP transport: fresh pipes per
// dial, upgraded in place. Connection reuse is the swarm's concern.
package tcp

import (
	"context"
	"fmt"

	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"

	"github.com/shurlinet/peernet/core/network"
	"github.com/shurlinet/peernet/core/peer"
	"github.com/shurlinet/peernet/core/transport"
)

// Transport dials and listens over TCP.
type Transport struct {
	upgrader transport.Upgrader
}

var _ transport.Transport = (*Transport)(nil)

// NewTCPTransport creates a TCP transport using the given upgrader.
func NewTCPTransport(u transport.Upgrader) *Transport {
	return &Transport{upgrader: u}
}

// CanDial reports whether addr is a TCP address this transport handles.
func (t *Transport) CanDial(addr ma.Multiaddr) bool {
	if addr == nil {
		return false
	}
	if _, err := addr.ValueForProtocol(ma.P_CIRCUIT); err == nil {
		return false
	}
	if _, err := addr.ValueForProtocol(ma.P_TCP); err != nil {
		return false
	}
	for _, code := range []int{ma.P_IP4, ma.P_IP6, ma.P_DNS4, ma.P_DNS6, ma.P_DNSADDR} {
		if _, err := addr.ValueForProtocol(code); err == nil {
			return true
		}
	}
	return false
}

// Dial opens a fresh TCP connection to raddr and upgrades it.
func (t *Transport) Dial(ctx context.Context, raddr ma.Multiaddr, p peer.ID) (transport.CapableConn, error) {
	scope, err := t.upgrader.ResourceManager().OpenConnection(network.DirOutbound, true, raddr)
	if err != nil {
		return nil, err
	}

	var d manet.Dialer
	pipe, err := d.DialContext(ctx, raddr)
	if err != nil {
		scope.Done()
		return nil, fmt.Errorf("tcp dial %s: %w", raddr, err)
	}

	conn, err := t.upgrader.Upgrade(ctx, t, pipe, network.DirOutbound, p, scope)
	if err != nil {
		scope.Done()
		return nil, err
	}
	return conn, nil
}

// Listen binds to laddr and surfaces upgraded inbound connections.
func (t *Transport) Listen(laddr ma.Multiaddr) (transport.Listener, error) {
	ln, err := manet.Listen(laddr)
	if err != nil {
		return nil, err
	}
	return t.upgrader.UpgradeListener(t, ln), nil
}

// Protocols returns the terminal protocol codes this transport handles.
func (t *Transport) Protocols() []int {
	return []int{ma.P_TCP}
}

// Proxy reports that TCP reaches peers directly.
func (t *Transport) Proxy() bool { return false }

func (t *Transport) String() string { return "tcp" }
