// Package swarm implements the connection layer: dial coordination with
// deduplication and ranked racing, the per-peer connection index, stream
// dispatch and lifecycle notification fan-out.
package swarm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/shurlinet/peernet/core/connmgr"
	"github.com/shurlinet/peernet/core/network"
	"github.com/shurlinet/peernet/core/peer"
	"github.com/shurlinet/peernet/core/peerstore"
	"github.com/shurlinet/peernet/core/transport"
	"github.com/shurlinet/peernet/p2p/metrics"
)

// Option configures a swarm.
type Option func(*Swarm) error

// WithConnectionGater installs a connection gater.
func WithConnectionGater(g connmgr.ConnectionGater) Option {
	return func(s *Swarm) error {
		s.gater = g
		return nil
	}
}

// WithResourceManager installs a resource manager.
func WithResourceManager(m network.ResourceManager) Option {
	return func(s *Swarm) error {
		s.rcmgr = m
		return nil
	}
}

// WithMetrics installs prometheus metrics (nil-safe throughout).
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Swarm) error {
		s.metrics = m
		return nil
	}
}

// Swarm is the network implementation. It exclusively owns connections;
// transports below it are stateless.
type Swarm struct {
	local peer.ID
	peers peerstore.Peerstore

	gater   connmgr.ConnectionGater
	rcmgr   network.ResourceManager
	metrics *metrics.Metrics // nil-safe

	transports struct {
		sync.RWMutex
		m map[int]transport.Transport
	}

	conns struct {
		sync.RWMutex
		m map[peer.ID][]*Conn
	}

	listeners struct {
		sync.Mutex
		m map[transport.Listener]struct{}
		// addrs caches the bound listen addresses.
		addrs []ma.Multiaddr
	}

	notifs struct {
		sync.RWMutex
		m map[network.Notifiee]struct{}
	}

	// dials collapses concurrent dial pipelines: one flight per dial
	// key, every caller sharing its result.
	dials singleflight.Group

	streamHandler atomic.Pointer[network.StreamHandler]

	nextConnID   atomic.Uint64
	nextStreamID atomic.Uint64

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	refs      sync.WaitGroup
}

var _ network.Network = (*Swarm)(nil)

// NewSwarm creates a swarm for the given identity.
func NewSwarm(local peer.ID, peers peerstore.Peerstore, opts ...Option) (*Swarm, error) {
	if err := local.Validate(); err != nil {
		return nil, fmt.Errorf("invalid local peer id: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Swarm{
		local:  local,
		peers:  peers,
		rcmgr:  &network.NullResourceManager{},
		ctx:    ctx,
		cancel: cancel,
	}
	s.transports.m = make(map[int]transport.Transport)
	s.conns.m = make(map[peer.ID][]*Conn)
	s.listeners.m = make(map[transport.Listener]struct{})
	s.notifs.m = make(map[network.Notifiee]struct{})
	for _, opt := range opts {
		if err := opt(s); err != nil {
			cancel()
			return nil, err
		}
	}
	return s, nil
}

func (s *Swarm) LocalPeer() peer.ID                       { return s.local }
func (s *Swarm) Peerstore() peerstore.Peerstore           { return s.peers }
func (s *Swarm) ResourceManager() network.ResourceManager { return s.rcmgr }

// AddTransport registers a transport for the protocol codes it handles.
func (s *Swarm) AddTransport(t transport.Transport) error {
	protos := t.Protocols()
	if len(protos) == 0 {
		return fmt.Errorf("transport %T handles no protocols", t)
	}
	s.transports.Lock()
	defer s.transports.Unlock()
	for _, code := range protos {
		if _, ok := s.transports.m[code]; ok {
			return fmt.Errorf("duplicate transport for protocol code %d", code)
		}
	}
	for _, code := range protos {
		s.transports.m[code] = t
	}
	return nil
}

// TransportForDialing returns the transport handling addr, or nil.
func (s *Swarm) TransportForDialing(addr ma.Multiaddr) transport.Transport {
	if addr == nil {
		return nil
	}
	s.transports.RLock()
	defer s.transports.RUnlock()
	if isRelayAddr(addr) {
		return s.transports.m[ma.P_CIRCUIT]
	}
	for _, t := range s.transports.m {
		if t.CanDial(addr) {
			return t
		}
	}
	return nil
}

// TransportForListening returns the transport that can bind addr.
func (s *Swarm) TransportForListening(addr ma.Multiaddr) transport.Transport {
	s.transports.RLock()
	defer s.transports.RUnlock()
	protos := addr.Protocols()
	if len(protos) == 0 {
		return nil
	}
	for i := len(protos) - 1; i >= 0; i-- {
		if t, ok := s.transports.m[protos[i].Code]; ok {
			return t
		}
	}
	return nil
}

// SetStreamHandler installs the handler run for each inbound stream.
func (s *Swarm) SetStreamHandler(h network.StreamHandler) {
	s.streamHandler.Store(&h)
}

// StreamHandler returns the installed inbound stream handler.
func (s *Swarm) StreamHandler() network.StreamHandler {
	hp := s.streamHandler.Load()
	if hp == nil {
		return nil
	}
	return *hp
}

// Conns lists all live connections.
func (s *Swarm) Conns() []network.Conn {
	s.conns.RLock()
	defer s.conns.RUnlock()
	out := make([]network.Conn, 0, len(s.conns.m))
	for _, cs := range s.conns.m {
		for _, c := range cs {
			out = append(out, c)
		}
	}
	return out
}

// ConnsToPeer lists live connections to p, newest first.
func (s *Swarm) ConnsToPeer(p peer.ID) []network.Conn {
	s.conns.RLock()
	defer s.conns.RUnlock()
	cs := s.conns.m[p]
	out := make([]network.Conn, 0, len(cs))
	for i := len(cs) - 1; i >= 0; i-- {
		out = append(out, cs[i])
	}
	return out
}

// bestConnToPeer picks the connection new streams should use: the
// newest non-limited connection, falling back to the newest limited one.
func (s *Swarm) bestConnToPeer(p peer.ID) *Conn {
	s.conns.RLock()
	defer s.conns.RUnlock()
	var best *Conn
	for _, c := range s.conns.m[p] {
		if c.IsClosed() {
			continue
		}
		if best == nil {
			best = c
			continue
		}
		bestLimited := best.Stat().Limited
		cLimited := c.Stat().Limited
		if bestLimited && !cLimited {
			best = c
			continue
		}
		if bestLimited == cLimited && c.Stat().Opened.After(best.Stat().Opened) {
			best = c
		}
	}
	return best
}

// Connectedness reports the relationship with p.
func (s *Swarm) Connectedness(p peer.ID) network.Connectedness {
	c := s.bestConnToPeer(p)
	if c == nil {
		return network.NotConnected
	}
	if c.Stat().Limited {
		return network.Limited
	}
	return network.Connected
}

// Peers lists peers with at least one live connection.
func (s *Swarm) Peers() []peer.ID {
	s.conns.RLock()
	defer s.conns.RUnlock()
	out := make([]peer.ID, 0, len(s.conns.m))
	for p, cs := range s.conns.m {
		if len(cs) > 0 {
			out = append(out, p)
		}
	}
	return out
}

// ClosePeer closes all connections to p.
func (s *Swarm) ClosePeer(p peer.ID) error {
	var errs []error
	for _, c := range s.ConnsToPeer(p) {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("closing connections to %s: %v", p, errs)
	}
	return nil
}

// addConn installs an upgraded connection: resource scoping is already
// done, the gater gets its final say, duplicates from simultaneous
// connects collapse deterministically, and notifiees fire.
func (s *Swarm) addConn(tc transport.CapableConn, dir network.Direction) (*Conn, error) {
	p := tc.RemotePeer()
	c := &Conn{
		swarm: s,
		conn:  tc,
		id:    s.nextConnID.Add(1),
		stat: network.ConnStats{
			Stats: network.Stats{
				Direction: dir,
				Opened:    time.Now(),
				Limited:   isRelayAddr(tc.RemoteMultiaddr()),
			},
		},
	}
	c.streams.m = make(map[*Stream]struct{})

	if s.gater != nil {
		if allow, _ := s.gater.InterceptUpgraded(c); !allow {
			_ = tc.Close()
			return nil, ErrGaterDisallowedConnection
		}
	}

	var toClose []*Conn
	s.conns.Lock()
	if s.ctx.Err() != nil {
		s.conns.Unlock()
		_ = tc.Close()
		return nil, ErrSwarmClosed
	}
	s.conns.m[p] = append(s.conns.m[p], c)
	toClose = s.dedupConnsLocked(p)
	s.conns.Unlock()

	s.metrics.ConnOpened(dir.String())
	slog.Debug("connection installed",
		"peer", p.ShortString(),
		"dir", dir.String(),
		"addr", tc.RemoteMultiaddr().String(),
	)

	c.start()
	s.notifyAll(func(n network.Notifiee) { n.Connected(s, c) })

	lostTieBreak := false
	for _, dup := range toClose {
		slog.Debug("closing duplicate connection", "peer", p.ShortString(), "id", dup.ID())
		_ = dup.Close()
		if dup == c {
			lostTieBreak = true
		}
	}
	if lostTieBreak {
		// Our own install lost the tie-break; hand back the survivor.
		if best := s.bestConnToPeer(p); best != nil {
			return best, nil
		}
	}
	return c, nil
}

// dedupConnsLocked resolves simultaneous connects: when several live
// direct connections to a peer exist, the ones initiated by the
// lower-id peer are closed on both sides (each side sees the same
// initiator), leaving exactly one survivor. Limited (relayed)
// connections never participate.
func (s *Swarm) dedupConnsLocked(p peer.ID) []*Conn {
	var direct []*Conn
	for _, c := range s.conns.m[p] {
		if !c.IsClosed() && !c.Stat().Limited {
			direct = append(direct, c)
		}
	}
	if len(direct) < 2 {
		return nil
	}
	lowerInitiated := func(c *Conn) bool {
		if s.local < p {
			return c.stat.Direction == network.DirOutbound
		}
		return c.stat.Direction == network.DirInbound
	}
	var losers, survivors []*Conn
	for _, c := range direct {
		if lowerInitiated(c) {
			losers = append(losers, c)
		} else {
			survivors = append(survivors, c)
		}
	}
	if len(survivors) == 0 {
		return nil
	}
	return losers
}

// removeConn drops a closed connection from the index.
func (s *Swarm) removeConn(c *Conn) {
	p := c.RemotePeer()
	s.conns.Lock()
	cs := s.conns.m[p]
	for i, cc := range cs {
		if cc == c {
			cs = append(cs[:i], cs[i+1:]...)
			break
		}
	}
	if len(cs) == 0 {
		delete(s.conns.m, p)
	} else {
		s.conns.m[p] = cs
	}
	s.conns.Unlock()
	s.metrics.ConnClosed(c.stat.Direction.String())
}

// NewStream opens a stream to p, dialing when allowed and necessary.
func (s *Swarm) NewStream(ctx context.Context, p peer.ID) (network.Stream, error) {
	c, err := s.connForStream(ctx, p)
	if err != nil {
		return nil, err
	}
	return c.NewStream(ctx)
}

func (s *Swarm) connForStream(ctx context.Context, p peer.ID) (*Conn, error) {
	allowLimited, _ := network.GetAllowLimitedConn(ctx)
	noDial, _ := network.GetNoDial(ctx)

	if c := s.bestConnToPeer(p); c != nil {
		if !c.Stat().Limited || allowLimited {
			return c, nil
		}
		if noDial {
			return nil, network.ErrLimitedConn
		}
	} else if noDial {
		return nil, network.ErrNoConn
	}

	c, err := s.dialPeer(ctx, p)
	if err != nil {
		return nil, err
	}
	if c.Stat().Limited && !allowLimited {
		return nil, network.ErrLimitedConn
	}
	return c, nil
}

// Notify registers a lifecycle listener.
func (s *Swarm) Notify(n network.Notifiee) {
	s.notifs.Lock()
	s.notifs.m[n] = struct{}{}
	s.notifs.Unlock()
}

// StopNotify removes a lifecycle listener.
func (s *Swarm) StopNotify(n network.Notifiee) {
	s.notifs.Lock()
	delete(s.notifs.m, n)
	s.notifs.Unlock()
}

func (s *Swarm) notifyAll(fn func(network.Notifiee)) {
	s.notifs.RLock()
	ns := make([]network.Notifiee, 0, len(s.notifs.m))
	for n := range s.notifs.m {
		ns = append(ns, n)
	}
	s.notifs.RUnlock()
	for _, n := range ns {
		fn(n)
	}
}

// Close shuts the swarm down: listeners stop, dials abort, connections
// close.
func (s *Swarm) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()

		s.listeners.Lock()
		listeners := make([]transport.Listener, 0, len(s.listeners.m))
		for l := range s.listeners.m {
			listeners = append(listeners, l)
		}
		s.listeners.m = make(map[transport.Listener]struct{})
		s.listeners.Unlock()

		// Shut listeners down in parallel: one hanging listener must
		// not serialize the others.
		var g errgroup.Group
		for _, l := range listeners {
			g.Go(l.Close)
		}
		_ = g.Wait()

		for _, c := range s.Conns() {
			_ = c.Close()
		}

		s.refs.Wait()
	})
	return nil
}
