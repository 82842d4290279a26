package swarm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/shurlinet/peernet/core/crypto"
	"github.com/shurlinet/peernet/core/network"
	"github.com/shurlinet/peernet/core/peer"
	"github.com/shurlinet/peernet/core/transport"
)

// Conn is the swarm's view of one upgraded connection. The swarm owns
// it exclusively; streams hold a weak reference back.
type Conn struct {
	swarm *Swarm
	conn  transport.CapableConn
	id    uint64
	stat  network.ConnStats

	closeOnce sync.Once

	streams struct {
		sync.Mutex
		m map[*Stream]struct{}
	}
}

var _ network.Conn = (*Conn)(nil)

func (c *Conn) ID() string {
	// Short local peer prefix + counter, unique within this node's run.
	return fmt.Sprintf("%s-%d", c.swarm.local.String()[:4], c.id)
}

// start runs the inbound stream accept loop for this connection.
func (c *Conn) start() {
	c.swarm.refs.Add(1)
	go func() {
		defer c.swarm.refs.Done()
		for {
			ms, err := c.conn.AcceptStream()
			if err != nil {
				// Muxer EOF or reset: the connection is gone.
				c.close(false)
				return
			}
			str, err := c.wrapStream(ms, network.DirInbound)
			if err != nil {
				_ = ms.Reset()
				continue
			}
			h := c.swarm.StreamHandler()
			if h == nil {
				_ = str.Reset()
				continue
			}
			c.swarm.refs.Add(1)
			go func() {
				defer c.swarm.refs.Done()
				h(str)
			}()
		}
	}()
}

// Close closes the connection and everything on it.
func (c *Conn) Close() error {
	c.close(true)
	return nil
}

func (c *Conn) close(local bool) {
	c.closeOnce.Do(func() {
		_ = c.conn.Close()
		c.streams.Lock()
		streams := make([]*Stream, 0, len(c.streams.m))
		for s := range c.streams.m {
			streams = append(streams, s)
		}
		c.streams.m = make(map[*Stream]struct{})
		c.streams.Unlock()
		for _, s := range streams {
			s.scope.Done()
		}

		c.swarm.removeConn(c)
		slog.Debug("connection closed",
			"peer", c.RemotePeer().ShortString(),
			"local", local,
		)
		c.swarm.notifyAll(func(n network.Notifiee) { n.Disconnected(c.swarm, c) })
	})
}

func (c *Conn) IsClosed() bool { return c.conn.IsClosed() }

// NewStream opens a stream on this connection.
func (c *Conn) NewStream(ctx context.Context) (network.Stream, error) {
	ms, err := c.conn.OpenStream(ctx)
	if err != nil {
		return nil, err
	}
	s, err := c.wrapStream(ms, network.DirOutbound)
	if err != nil {
		_ = ms.Reset()
		return nil, err
	}
	return s, nil
}

func (c *Conn) wrapStream(ms muxStream, dir network.Direction) (*Stream, error) {
	scope, err := c.swarm.rcmgr.OpenStream(c.RemotePeer(), dir)
	if err != nil {
		return nil, err
	}
	s := &Stream{
		id:     c.swarm.nextStreamID.Add(1),
		stream: ms,
		conn:   c,
		scope:  scope,
		stat: network.Stats{
			Direction: dir,
			Opened:    timeNow(),
			Limited:   c.stat.Limited,
		},
	}
	c.streams.Lock()
	if c.streams.m == nil {
		c.streams.Unlock()
		scope.Done()
		return nil, network.ErrResourceScopeClosed
	}
	c.streams.m[s] = struct{}{}
	c.streams.Unlock()
	c.swarm.metrics.StreamOpened(dir.String())
	return s, nil
}

func (c *Conn) removeStream(s *Stream) {
	c.streams.Lock()
	delete(c.streams.m, s)
	c.streams.Unlock()
	s.scope.Done()
}

// GetStreams lists the open streams on this connection.
func (c *Conn) GetStreams() []network.Stream {
	c.streams.Lock()
	defer c.streams.Unlock()
	out := make([]network.Stream, 0, len(c.streams.m))
	for s := range c.streams.m {
		out = append(out, s)
	}
	return out
}

func (c *Conn) Stat() network.ConnStats {
	c.streams.Lock()
	n := len(c.streams.m)
	c.streams.Unlock()
	stat := c.stat
	stat.NumStreams = n
	return stat
}

func (c *Conn) Scope() network.ConnScope { return c.conn.Scope() }

// ConnState reports how the connection was upgraded.
func (c *Conn) ConnState() network.ConnectionState { return c.conn.State() }

func (c *Conn) LocalPeer() peer.ID             { return c.conn.LocalPeer() }
func (c *Conn) RemotePeer() peer.ID            { return c.conn.RemotePeer() }
func (c *Conn) RemotePublicKey() crypto.PubKey { return c.conn.RemotePublicKey() }
func (c *Conn) LocalMultiaddr() ma.Multiaddr   { return c.conn.LocalMultiaddr() }
func (c *Conn) RemoteMultiaddr() ma.Multiaddr  { return c.conn.RemoteMultiaddr() }

func (c *Conn) String() string {
	return fmt.Sprintf("<swarm conn %s %s (%s)>", c.ID(), c.RemotePeer(), c.stat.Direction)
}
