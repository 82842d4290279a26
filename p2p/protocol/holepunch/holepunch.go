// Package holepunch implements DCUtR: upgrading a relayed connection to
// a direct one by coordinating an RTT-synchronized simultaneous
// connect through the relay.
package holepunch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/libp2p/go-msgio"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/shurlinet/peernet/core/event"
	"github.com/shurlinet/peernet/core/host"
	"github.com/shurlinet/peernet/core/network"
	"github.com/shurlinet/peernet/core/peer"
	"github.com/shurlinet/peernet/core/protocol"
	"github.com/shurlinet/peernet/p2p/metrics"
)

// ID is the DCUtR protocol id.
const ID = protocol.HolePunch

const (
	// maxRetries bounds attempts per relayed connection.
	maxRetries = 3

	// retryWait separates consecutive attempts.
	retryWait = 10 * time.Second

	// streamTimeout bounds one CONNECT/SYNC exchange.
	streamTimeout = time.Minute

	// dialTimeout bounds the simultaneous direct dial.
	dialTimeout = 15 * time.Second

	// maxMsgSize bounds a DCUtR message.
	maxMsgSize = 4 << 10
)

// ErrHolePunchActive is returned when a punch for the peer is already
// in flight.
var ErrHolePunchActive = errors.New("hole punch already active for peer")

// ErrClosed is returned after the service shuts down.
var ErrClosed = errors.New("hole punch service closed")

// AddrFilter trims candidate address lists before the exchange. The
// default removes relay addresses from both sides.
type AddrFilter interface {
	FilterLocal(remote peer.ID, addrs []ma.Multiaddr) []ma.Multiaddr
	FilterRemote(remote peer.ID, addrs []ma.Multiaddr) []ma.Multiaddr
}

// Option configures the service.
type Option func(*Service)

// WithAddrFilter overrides the default relay-stripping filter.
func WithAddrFilter(f AddrFilter) Option {
	return func(s *Service) { s.filter = f }
}

// WithMetrics installs prometheus metrics (nil-safe).
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithAddrFunc overrides where the service finds our own candidate
// addresses.
func WithAddrFunc(f func() []ma.Multiaddr) Option {
	return func(s *Service) { s.addrFunc = f }
}

// Service performs and answers hole punches. The side that accepted
// the relayed connection initiates; the dialer of the relay responds.
type Service struct {
	host     host.Host
	filter   AddrFilter
	addrFunc func() []ma.Multiaddr
	metrics  *metrics.Metrics // nil-safe

	emitter event.Emitter

	mu     sync.Mutex
	active map[peer.ID]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService starts the hole punch service on h.
func NewService(h host.Host, opts ...Option) (*Service, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		host:   h,
		filter: defaultFilter{},
		active: make(map[peer.ID]struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.addrFunc == nil {
		s.addrFunc = func() []ma.Multiaddr {
			addrs, err := h.Network().InterfaceListenAddresses()
			if err != nil {
				return h.Network().ListenAddresses()
			}
			return addrs
		}
	}

	em, err := h.EventBus().Emitter(&event.EvtHolePunchCompleted{})
	if err != nil {
		cancel()
		return nil, err
	}
	s.emitter = em

	h.SetStreamHandler(ID, s.handleNewStream)
	h.Network().Notify((*netNotifiee)(s))
	return s, nil
}

// Close stops the service.
func (s *Service) Close() error {
	s.cancel()
	s.host.Network().StopNotify((*netNotifiee)(s))
	s.host.RemoveStreamHandler(ID)
	s.wg.Wait()
	return s.emitter.Close()
}

// DirectConnect attempts to produce a direct connection to p, which
// must currently be reachable over a relayed connection.
func (s *Service) DirectConnect(p peer.ID) error {
	s.mu.Lock()
	if _, busy := s.active[p]; busy {
		s.mu.Unlock()
		return ErrHolePunchActive
	}
	s.active[p] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.active, p)
		s.mu.Unlock()
	}()

	return s.directConnect(p)
}

func (s *Service) directConnect(p peer.ID) error {
	// A direct connection may already exist.
	if hasDirectConn(s.host.Network(), p) {
		return nil
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if s.ctx.Err() != nil {
			return ErrClosed
		}
		start := time.Now()
		err := s.initiate(p, attempt)
		if err == nil {
			s.metrics.HolePunchFinished("success", time.Since(start).Seconds())
			_ = s.emitter.Emit(event.EvtHolePunchCompleted{Peer: p, Success: true, Attempt: attempt})
			return nil
		}
		lastErr = err
		s.metrics.HolePunchFinished("failure", time.Since(start).Seconds())
		_ = s.emitter.Emit(event.EvtHolePunchCompleted{Peer: p, Success: false, Attempt: attempt, Err: err})
		slog.Debug("hole punch attempt failed",
			"peer", p.ShortString(), "attempt", attempt, "err", err)

		timer := time.NewTimer(retryWait)
		select {
		case <-timer.C:
		case <-s.ctx.Done():
			timer.Stop()
			return ErrClosed
		}
		if hasDirectConn(s.host.Network(), p) {
			return nil
		}
	}
	return fmt.Errorf("all %d hole punch attempts failed: %w", maxRetries, lastErr)
}

// initiate runs one CONNECT/CONNECT/SYNC round as the initiator and
// then dials directly after RTT/2.
func (s *Service) initiate(p peer.ID, attempt int) error {
	ctx, cancel := context.WithTimeout(s.ctx, streamTimeout)
	defer cancel()
	ctx = network.WithAllowLimitedConn(ctx, "hole punch")

	str, err := s.host.NewStream(ctx, p, ID)
	if err != nil {
		return fmt.Errorf("opening dcutr stream: %w", err)
	}
	defer str.Close()
	_ = str.SetDeadline(time.Now().Add(streamTimeout))

	if !isRelayConn(str.Conn()) {
		_ = str.Reset()
		return errors.New("dcutr stream not over a relayed connection")
	}

	w := msgio.NewVarintWriter(str)
	r := msgio.NewVarintReaderSize(str, maxMsgSize)

	localAddrs := s.filter.FilterLocal(p, s.addrFunc())
	req := &holePunchMsg{Type: msgConnect}
	for _, a := range localAddrs {
		req.ObsAddrs = append(req.ObsAddrs, a.Bytes())
	}
	data, err := req.Marshal()
	if err != nil {
		return err
	}

	start := time.Now()
	if err := w.WriteMsg(data); err != nil {
		_ = str.Reset()
		return err
	}

	respData, err := r.ReadMsg()
	if err != nil {
		_ = str.Reset()
		return err
	}
	rtt := time.Since(start)
	var resp holePunchMsg
	if err := resp.Unmarshal(respData); err != nil {
		r.ReleaseMsg(respData)
		_ = str.Reset()
		return err
	}
	r.ReleaseMsg(respData)
	if resp.Type != msgConnect {
		_ = str.Reset()
		return fmt.Errorf("expected CONNECT, got message type %d", resp.Type)
	}

	remoteAddrs := s.filter.FilterRemote(p, decodeAddrs(resp.ObsAddrs))
	if len(remoteAddrs) == 0 {
		_ = str.Reset()
		return errors.New("remote offered no hole punch candidates")
	}
	s.host.Peerstore().AddAddrs(p, remoteAddrs, 2*time.Minute)

	syncMsg := &holePunchMsg{Type: msgSync}
	syncData, err := syncMsg.Marshal()
	if err != nil {
		return err
	}
	if err := w.WriteMsg(syncData); err != nil {
		_ = str.Reset()
		return err
	}

	// The responder dials the instant SYNC arrives; we wait half the
	// measured round trip so both dials meet in the middle.
	timer := time.NewTimer(rtt / 2)
	select {
	case <-timer.C:
	case <-s.ctx.Done():
		timer.Stop()
		return ErrClosed
	}

	slog.Debug("hole punch dialing", "peer", p.ShortString(), "attempt", attempt, "rtt", rtt)
	return s.holePunchConnect(p, true)
}

// handleNewStream is the responder side.
func (s *Service) handleNewStream(str network.Stream) {
	if !isRelayConn(str.Conn()) {
		_ = str.Reset()
		return
	}
	p := str.Conn().RemotePeer()
	_ = str.SetDeadline(time.Now().Add(streamTimeout))

	w := msgio.NewVarintWriter(str)
	r := msgio.NewVarintReaderSize(str, maxMsgSize)

	data, err := r.ReadMsg()
	if err != nil {
		_ = str.Reset()
		return
	}
	var req holePunchMsg
	if err := req.Unmarshal(data); err != nil || req.Type != msgConnect {
		r.ReleaseMsg(data)
		_ = str.Reset()
		return
	}
	r.ReleaseMsg(data)

	remoteAddrs := s.filter.FilterRemote(p, decodeAddrs(req.ObsAddrs))
	if len(remoteAddrs) == 0 {
		_ = str.Reset()
		return
	}
	s.host.Peerstore().AddAddrs(p, remoteAddrs, 2*time.Minute)

	localAddrs := s.filter.FilterLocal(p, s.addrFunc())
	resp := &holePunchMsg{Type: msgConnect}
	for _, a := range localAddrs {
		resp.ObsAddrs = append(resp.ObsAddrs, a.Bytes())
	}
	respData, err := resp.Marshal()
	if err != nil {
		_ = str.Reset()
		return
	}
	if err := w.WriteMsg(respData); err != nil {
		_ = str.Reset()
		return
	}

	syncData, err := r.ReadMsg()
	if err != nil {
		_ = str.Reset()
		return
	}
	var syncMsg holePunchMsg
	if err := syncMsg.Unmarshal(syncData); err != nil || syncMsg.Type != msgSync {
		r.ReleaseMsg(syncData)
		_ = str.Reset()
		return
	}
	r.ReleaseMsg(syncData)
	_ = str.Close()

	// SYNC means dial now.
	if err := s.holePunchConnect(p, false); err != nil {
		slog.Debug("responder hole punch dial failed", "peer", p.ShortString(), "err", err)
	}
}

// holePunchConnect performs the simultaneous direct dial.
func (s *Service) holePunchConnect(p peer.ID, isClient bool) error {
	ctx, cancel := context.WithTimeout(s.ctx, dialTimeout)
	defer cancel()
	ctx = network.WithSimultaneousConnect(ctx, isClient, "hole punching")
	ctx = network.WithForceDirectDial(ctx, "hole punching")

	if _, err := s.host.Network().DialPeer(ctx, p); err != nil {
		return fmt.Errorf("simultaneous connect failed: %w", err)
	}
	slog.Debug("hole punch produced direct connection", "peer", p.ShortString())
	return nil
}

func decodeAddrs(bs [][]byte) []ma.Multiaddr {
	out := make([]ma.Multiaddr, 0, len(bs))
	for _, b := range bs {
		if a, err := ma.NewMultiaddrBytes(b); err == nil {
			out = append(out, a)
		}
	}
	return out
}

func isRelayConn(c network.Conn) bool {
	if c == nil {
		return false
	}
	_, err := c.RemoteMultiaddr().ValueForProtocol(ma.P_CIRCUIT)
	return err == nil
}

func hasDirectConn(n network.Network, p peer.ID) bool {
	for _, c := range n.ConnsToPeer(p) {
		if !isRelayConn(c) && !c.IsClosed() {
			return true
		}
	}
	return false
}

// defaultFilter strips relay addresses from both candidate lists.
type defaultFilter struct{}

func (defaultFilter) FilterLocal(_ peer.ID, addrs []ma.Multiaddr) []ma.Multiaddr {
	return stripRelayAddrs(addrs)
}

func (defaultFilter) FilterRemote(_ peer.ID, addrs []ma.Multiaddr) []ma.Multiaddr {
	return stripRelayAddrs(addrs)
}

func stripRelayAddrs(addrs []ma.Multiaddr) []ma.Multiaddr {
	out := make([]ma.Multiaddr, 0, len(addrs))
	for _, a := range addrs {
		if _, err := a.ValueForProtocol(ma.P_CIRCUIT); err != nil {
			out = append(out, a)
		}
	}
	return out
}

// netNotifiee triggers the initiator on inbound relayed connections.
type netNotifiee Service

var _ network.Notifiee = (*netNotifiee)(nil)

func (nn *netNotifiee) svc() *Service { return (*Service)(nn) }

func (nn *netNotifiee) Connected(_ network.Network, c network.Conn) {
	// An inbound connection over a relay means a NAT'd peer reached us
	// through a third party: try to upgrade to a direct path.
	if c.Stat().Direction != network.DirInbound || !isRelayConn(c) {
		return
	}
	s := nn.svc()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.DirectConnect(c.RemotePeer()); err != nil &&
			!errors.Is(err, ErrHolePunchActive) && !errors.Is(err, ErrClosed) {
			slog.Debug("hole punch failed", "peer", c.RemotePeer().ShortString(), "err", err)
		}
	}()
}

func (nn *netNotifiee) Disconnected(network.Network, network.Conn) {}
func (nn *netNotifiee) Listen(network.Network, ma.Multiaddr)       {}
func (nn *netNotifiee) ListenClose(network.Network, ma.Multiaddr)  {}
