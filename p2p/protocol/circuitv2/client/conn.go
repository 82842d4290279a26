package client

import (
	"net"
	"time"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/shurlinet/peernet/core/network"
	"github.com/shurlinet/peernet/core/transport"
)

// streamConn adapts a relayed stream into the raw byte pipe the
// upgrader consumes.
type streamConn struct {
	s      network.Stream
	local  ma.Multiaddr
	remote ma.Multiaddr
}

var _ transport.ConnPipe = (*streamConn)(nil)

func newStreamConn(s network.Stream, local, remote ma.Multiaddr) *streamConn {
	return &streamConn{s: s, local: local, remote: remote}
}

func (c *streamConn) Read(p []byte) (int, error)  { return c.s.Read(p) }
func (c *streamConn) Write(p []byte) (int, error) { return c.s.Write(p) }

func (c *streamConn) Close() error {
	// Reset rather than close: a circuit pipe has no graceful
	// half-close semantics once abandoned mid-upgrade.
	return c.s.Reset()
}

func (c *streamConn) LocalMultiaddr() ma.Multiaddr  { return c.local }
func (c *streamConn) RemoteMultiaddr() ma.Multiaddr { return c.remote }

func (c *streamConn) SetDeadline(t time.Time) error      { return c.s.SetDeadline(t) }
func (c *streamConn) SetReadDeadline(t time.Time) error  { return c.s.SetReadDeadline(t) }
func (c *streamConn) SetWriteDeadline(t time.Time) error { return c.s.SetWriteDeadline(t) }

type netAddr struct {
	addr string
}

func (a netAddr) Network() string { return "libp2p-circuit" }
func (a netAddr) String() string  { return a.addr }

func (c *streamConn) LocalAddr() net.Addr  { return netAddr{c.local.String()} }
func (c *streamConn) RemoteAddr() net.Addr { return netAddr{c.remote.String()} }
