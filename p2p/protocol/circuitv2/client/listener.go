package client

import (
	"errors"
	"net"
	"sync"

	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"

	"github.com/shurlinet/peernet/core/transport"
)

var circuitAddr = func() ma.Multiaddr {
	a, err := ma.NewMultiaddr("/p2p-circuit")
	if err != nil {
		panic(err)
	}
	return a
}()

// Listen activates inbound relayed connections. The only accepted
// listen address is the generic /p2p-circuit.
func (c *Client) Listen(laddr ma.Multiaddr) (transport.Listener, error) {
	if _, err := laddr.ValueForProtocol(ma.P_CIRCUIT); err != nil {
		return nil, ErrNotCircuitAddr
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.New("circuit client closed")
	}
	if c.listener != nil {
		return nil, errors.New("circuit listener already active")
	}
	ln := &listener{
		client:   c,
		incoming: make(chan *streamConn, 16),
		done:     make(chan struct{}),
	}
	c.listener = ln
	return c.upgrader.UpgradeListener(c, ln), nil
}

// listener surfaces relayed pipes delivered by the STOP handler.
type listener struct {
	client    *Client
	incoming  chan *streamConn
	done      chan struct{}
	closeOnce sync.Once
}

func (l *listener) deliver(conn *streamConn) {
	select {
	case l.incoming <- conn:
	case <-l.done:
		_ = conn.Close()
	}
}

// Accept returns the next inbound relayed pipe.
func (l *listener) Accept() (manet.Conn, error) {
	select {
	case conn := <-l.incoming:
		return conn, nil
	case <-l.done:
		return nil, transport.ErrListenerClosed
	}
}

func (l *listener) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
		l.client.mu.Lock()
		if l.client.listener == l {
			l.client.listener = nil
		}
		l.client.mu.Unlock()
	})
	return nil
}

func (l *listener) Addr() net.Addr          { return netAddr{circuitAddr.String()} }
func (l *listener) Multiaddr() ma.Multiaddr { return circuitAddr }
