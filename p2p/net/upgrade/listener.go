package upgrade

import (
	"context"
	"log/slog"
	"net"
	"sync"

	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"

	"github.com/shurlinet/peernet/core/connmgr"
	"github.com/shurlinet/peernet/core/network"
	"github.com/shurlinet/peernet/core/transport"
)

// acceptQueueLen bounds fully upgraded connections awaiting Accept.
const acceptQueueLen = 16

// UpgradeListener wraps a raw listener so every accepted pipe is gated,
// charged against the resource manager and upgraded before surfacing.
// Upgrades run concurrently so one slow handshake cannot stall the
// accept loop.
func (u *Upgrader) UpgradeListener(t transport.Transport, l manet.Listener) transport.Listener {
	ctx, cancel := context.WithCancel(context.Background())
	ln := &listener{
		Listener:  l,
		upgrader:  u,
		transport: t,
		gater:     u.gater,
		incoming:  make(chan transport.CapableConn, acceptQueueLen),
		ctx:       ctx,
		cancel:    cancel,
	}
	ln.wg.Add(1)
	go ln.handleIncoming()
	return ln
}

type listener struct {
	manet.Listener

	upgrader  *Upgrader
	transport transport.Transport
	gater     connmgr.ConnectionGater

	incoming chan transport.CapableConn
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func (l *listener) handleIncoming() {
	defer l.wg.Done()
	defer close(l.incoming)

	var pending sync.WaitGroup
	defer pending.Wait()

	for {
		pipe, err := l.Listener.Accept()
		if err != nil {
			if l.ctx.Err() == nil {
				slog.Debug("listener accept error", "addr", l.Multiaddr().String(), "err", err)
			}
			return
		}

		if l.gater != nil && !l.gater.InterceptAccept(pipeMultiaddrs{pipe}) {
			slog.Debug("inbound connection gated", "remote", pipe.RemoteMultiaddr().String())
			_ = pipe.Close()
			continue
		}

		scope, err := l.upgrader.rcmgr.OpenConnection(network.DirInbound, true, pipe.RemoteMultiaddr())
		if err != nil {
			slog.Debug("inbound connection refused by resource manager",
				"remote", pipe.RemoteMultiaddr().String(), "err", err)
			_ = pipe.Close()
			continue
		}

		pending.Add(1)
		go func() {
			defer pending.Done()
			ctx, cancel := context.WithTimeout(l.ctx, AcceptTimeout)
			defer cancel()
			conn, err := l.upgrader.Upgrade(ctx, l.transport, pipe, network.DirInbound, "", scope)
			if err != nil {
				scope.Done()
				slog.Debug("inbound upgrade failed",
					"remote", pipe.RemoteMultiaddr().String(), "err", err)
				return
			}
			select {
			case l.incoming <- conn:
			case <-l.ctx.Done():
				_ = conn.Close()
			}
		}()
	}
}

// Accept returns the next fully upgraded inbound connection.
func (l *listener) Accept() (transport.CapableConn, error) {
	for c := range l.incoming {
		if c.IsClosed() {
			continue
		}
		return c, nil
	}
	return nil, transport.ErrListenerClosed
}

func (l *listener) Close() error {
	l.cancel()
	err := l.Listener.Close()
	// Drain upgraded connections nobody will accept.
	go func() {
		l.wg.Wait()
		for c := range l.incoming {
			_ = c.Close()
		}
	}()
	return err
}

func (l *listener) Addr() net.Addr          { return l.Listener.Addr() }
func (l *listener) Multiaddr() ma.Multiaddr { return l.Listener.Multiaddr() }
