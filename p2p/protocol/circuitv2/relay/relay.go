// Package relay implements the circuit v2 relay service: reservations
// with signed vouchers, HOP connect handling and limited bidirectional
// data forwarding between HOP and STOP streams.
package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	pool "github.com/libp2p/go-buffer-pool"
	ma "github.com/multiformats/go-multiaddr"
	"golang.org/x/time/rate"

	"github.com/shurlinet/peernet/core/host"
	"github.com/shurlinet/peernet/core/network"
	"github.com/shurlinet/peernet/core/peer"
	"github.com/shurlinet/peernet/core/record"
	"github.com/shurlinet/peernet/p2p/metrics"
	"github.com/shurlinet/peernet/p2p/protocol/circuitv2/pb"
	"github.com/shurlinet/peernet/p2p/protocol/circuitv2/proto"
	"github.com/shurlinet/peernet/p2p/protocol/circuitv2/util"
)

const (
	// connectTimeout bounds opening the STOP stream to the destination.
	connectTimeout = 30 * time.Second

	// handshakeTimeout bounds each control-message exchange.
	handshakeTimeout = 15 * time.Second

	// gcInterval is how often expired reservations are swept.
	gcInterval = 30 * time.Second
)

// ErrRelayClosed is returned for operations on a stopped relay.
var ErrRelayClosed = errors.New("relay closed")

// Option configures the relay service.
type Option func(*Relay) error

// WithResources overrides the default resource bounds.
func WithResources(rc Resources) Option {
	return func(r *Relay) error {
		r.rc = rc
		return nil
	}
}

// WithLimit overrides just the per-session limit.
func WithLimit(limit *RelayLimit) Option {
	return func(r *Relay) error {
		r.rc.Limit = limit
		return nil
	}
}

// WithClock injects a clock for tests.
func WithClock(c clock.Clock) Option {
	return func(r *Relay) error {
		r.clock = c
		return nil
	}
}

// WithMetrics installs prometheus metrics (nil-safe).
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Relay) error {
		r.metrics = m
		return nil
	}
}

// WithACL restricts which peers may reserve or connect.
func WithACL(acl ACLFilter) Option {
	return func(r *Relay) error {
		r.acl = acl
		return nil
	}
}

// ACLFilter vetoes reservations and circuits.
type ACLFilter interface {
	// AllowReserve is consulted for RESERVE requests.
	AllowReserve(p peer.ID, addr ma.Multiaddr) bool

	// AllowConnect is consulted for CONNECT requests from src to dest.
	AllowConnect(src peer.ID, srcAddr ma.Multiaddr, dest peer.ID) bool
}

// Relay is the relay service.
type Relay struct {
	host    host.Host
	rc      Resources
	acl     ACLFilter
	clock   clock.Clock
	metrics *metrics.Metrics // nil-safe

	mu sync.Mutex
	// rsvp maps reserved peers to their expiry.
	rsvp map[peer.ID]time.Time
	// circuits counts active sessions per source peer.
	circuits map[peer.ID]int
	total    int
	limiters map[peer.ID]*rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// New starts a relay service on h.
func New(h host.Host, opts ...Option) (*Relay, error) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Relay{
		host:     h,
		rc:       DefaultResources(),
		clock:    clock.New(),
		rsvp:     make(map[peer.ID]time.Time),
		circuits: make(map[peer.ID]int),
		limiters: make(map[peer.ID]*rate.Limiter),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			cancel()
			return nil, err
		}
	}
	h.SetStreamHandler(proto.ProtoIDv2Hop, r.handleStream)
	r.wg.Add(1)
	go r.gcLoop()
	slog.Info("relay service enabled",
		"max_reservations", r.rc.MaxReservations,
		"max_circuits", r.rc.MaxCircuitsTotal,
	)
	return r, nil
}

// Close stops the relay service.
func (r *Relay) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	r.host.RemoveStreamHandler(proto.ProtoIDv2Hop)
	r.cancel()
	r.wg.Wait()
	return nil
}

// ActiveSessions reports the number of live relayed session pairs.
func (r *Relay) ActiveSessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

// HasReservation reports whether p holds a live reservation.
func (r *Relay) HasReservation(p peer.ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	exp, ok := r.rsvp[p]
	return ok && exp.After(r.clock.Now())
}

func (r *Relay) handleStream(s network.Stream) {
	_ = s.SetReadDeadline(time.Now().Add(handshakeTimeout))
	rd := util.NewDelimitedReader(s)

	var msg pb.HopMessage
	if err := rd.ReadMsg(&msg); err != nil {
		r.handleError(s, pb.StatusMalformedMessage)
		return
	}

	switch msg.Type {
	case pb.HopReserve:
		r.handleReserve(s)
	case pb.HopConnect:
		r.handleConnect(s, &msg)
	default:
		r.handleError(s, pb.StatusUnexpectedMessage)
	}
}

func (r *Relay) handleError(s network.Stream, status pb.Status) {
	_ = util.WriteDelimited(s, &pb.HopMessage{Type: pb.HopStatus, Status: status})
	_ = s.Reset()
}

func (r *Relay) handleReserve(s network.Stream) {
	p := s.Conn().RemotePeer()
	addr := s.Conn().RemoteMultiaddr()

	// A reservation over a relayed connection would relay the relay.
	if _, err := addr.ValueForProtocol(ma.P_CIRCUIT); err == nil {
		slog.Debug("refusing reservation over relayed connection", "peer", p.ShortString())
		r.metrics.RelayReservation("refused")
		r.writeHopResponse(s, pb.StatusPermissionDenied, nil)
		return
	}
	if r.acl != nil && !r.acl.AllowReserve(p, addr) {
		r.metrics.RelayReservation("denied")
		r.writeHopResponse(s, pb.StatusPermissionDenied, nil)
		return
	}

	now := r.clock.Now()
	expire := now.Add(r.rc.ReservationTTL)

	r.mu.Lock()
	if _, renewing := r.rsvp[p]; !renewing && len(r.rsvp) >= r.rc.MaxReservations {
		r.mu.Unlock()
		r.metrics.RelayReservation("limit_exceeded")
		r.writeHopResponse(s, pb.StatusResourceLimitExceeded, nil)
		return
	}
	r.rsvp[p] = expire
	r.mu.Unlock()

	rsvp, err := r.makeReservationMsg(p, expire)
	if err != nil {
		slog.Warn("building reservation voucher failed", "err", err)
		r.writeHopResponse(s, pb.StatusReservationRefused, nil)
		return
	}

	r.metrics.RelayReservation("ok")
	slog.Debug("reservation accepted", "peer", p.ShortString(), "expire", expire)
	if err := util.WriteDelimited(s, &pb.HopMessage{
		Type:        pb.HopStatus,
		Status:      pb.StatusOK,
		Reservation: rsvp,
		Limit:       r.limitMsg(),
	}); err != nil {
		_ = s.Reset()
		return
	}
	_ = s.Close()
}

func (r *Relay) makeReservationMsg(p peer.ID, expire time.Time) (*pb.Reservation, error) {
	voucher := &proto.ReservationVoucher{
		Relay:      r.host.ID(),
		Peer:       p,
		Expiration: uint64(expire.Unix()),
	}
	key := r.host.Peerstore().PrivKey(r.host.ID())
	if key == nil {
		return nil, errors.New("no private key for relay identity")
	}
	env, err := record.Seal(voucher, key)
	if err != nil {
		return nil, err
	}
	blob, err := env.Marshal()
	if err != nil {
		return nil, err
	}

	// Advertise our own public addresses, never circuit ones.
	selfID, err := ma.NewMultiaddr("/p2p/" + r.host.ID().String())
	if err != nil {
		return nil, err
	}
	var addrBytes [][]byte
	for _, a := range r.host.Addrs() {
		if _, err := a.ValueForProtocol(ma.P_CIRCUIT); err == nil {
			continue
		}
		addrBytes = append(addrBytes, a.Encapsulate(selfID).Bytes())
	}

	return &pb.Reservation{
		Expire:  uint64(expire.Unix()),
		Addrs:   addrBytes,
		Voucher: blob,
	}, nil
}

func (r *Relay) limitMsg() *pb.Limit {
	if r.rc.Limit == nil {
		return nil
	}
	return &pb.Limit{
		Duration: uint32(r.rc.Limit.Duration / time.Second),
		Data:     uint64(r.rc.Limit.Data),
	}
}

func (r *Relay) writeHopResponse(s network.Stream, status pb.Status, limit *pb.Limit) {
	_ = util.WriteDelimited(s, &pb.HopMessage{Type: pb.HopStatus, Status: status, Limit: limit})
	if status != pb.StatusOK {
		_ = s.Close()
	}
}

func (r *Relay) handleConnect(s network.Stream, msg *pb.HopMessage) {
	src := s.Conn().RemotePeer()

	if msg.Peer == nil {
		r.handleError(s, pb.StatusMalformedMessage)
		return
	}
	dest, err := peer.IDFromBytes(msg.Peer.ID)
	if err != nil {
		r.handleError(s, pb.StatusMalformedMessage)
		return
	}
	if r.acl != nil && !r.acl.AllowConnect(src, s.Conn().RemoteMultiaddr(), dest) {
		r.writeHopResponse(s, pb.StatusPermissionDenied, nil)
		_ = s.Reset()
		return
	}

	now := r.clock.Now()
	r.mu.Lock()
	exp, reserved := r.rsvp[dest]
	if !reserved || exp.Before(now) {
		r.mu.Unlock()
		slog.Debug("connect to unreserved peer refused",
			"src", src.ShortString(), "dest", dest.ShortString())
		r.writeHopResponse(s, pb.StatusNoReservation, nil)
		_ = s.Reset()
		return
	}
	lim, ok := r.limiters[src]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(r.rc.ConnectRate), r.rc.ConnectBurst)
		r.limiters[src] = lim
	}
	if !lim.Allow() ||
		r.circuits[src] >= r.rc.MaxCircuits ||
		r.total >= r.rc.MaxCircuitsTotal {
		r.mu.Unlock()
		r.writeHopResponse(s, pb.StatusResourceLimitExceeded, nil)
		_ = s.Reset()
		return
	}
	r.circuits[src]++
	r.total++
	r.mu.Unlock()

	r.metrics.RelaySessionStarted()
	released := false
	release := func(bytes int64) {
		if released {
			return
		}
		released = true
		r.mu.Lock()
		r.circuits[src]--
		if r.circuits[src] <= 0 {
			delete(r.circuits, src)
		}
		r.total--
		r.mu.Unlock()
		r.metrics.RelaySessionEnded(bytes)
	}

	// Open the STOP stream to the destination over its existing
	// connection; the relay never dials out for a circuit.
	ctx, cancel := context.WithTimeout(r.ctx, connectTimeout)
	ctx = network.WithNoDial(ctx, "relay connect")
	stop, err := r.host.NewStream(ctx, dest, proto.ProtoIDv2Stop)
	cancel()
	if err != nil {
		slog.Debug("opening stop stream failed",
			"dest", dest.ShortString(), "err", err)
		release(0)
		r.writeHopResponse(s, pb.StatusConnectionFailed, nil)
		_ = s.Reset()
		return
	}

	_ = stop.SetDeadline(time.Now().Add(handshakeTimeout))
	if err := util.WriteDelimited(stop, &pb.StopMessage{
		Type:  pb.StopConnect,
		Peer:  &pb.Peer{ID: []byte(src)},
		Limit: r.limitMsg(),
	}); err != nil {
		release(0)
		_ = stop.Reset()
		r.writeHopResponse(s, pb.StatusConnectionFailed, nil)
		_ = s.Reset()
		return
	}

	var stopResp pb.StopMessage
	if err := util.NewDelimitedReader(stop).ReadMsg(&stopResp); err != nil ||
		stopResp.Type != pb.StopStatus || stopResp.Status != pb.StatusOK {
		release(0)
		_ = stop.Reset()
		r.writeHopResponse(s, pb.StatusConnectionFailed, nil)
		_ = s.Reset()
		return
	}

	if err := util.WriteDelimited(s, &pb.HopMessage{
		Type:   pb.HopStatus,
		Status: pb.StatusOK,
		Limit:  r.limitMsg(),
	}); err != nil {
		release(0)
		_ = stop.Reset()
		_ = s.Reset()
		return
	}

	// Data-forwarding phase: the control handshake's deadlines must not
	// leak into the relayed byte stream.
	_ = s.SetDeadline(time.Time{})
	_ = stop.SetDeadline(time.Time{})

	slog.Debug("relaying connection",
		"src", src.ShortString(), "dest", dest.ShortString())

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		bytes := r.relayData(s, stop)
		release(bytes)
	}()
}

// relayData bridges the HOP and STOP streams until both directions hit
// EOF, a limit or an error. EOF propagates as half-close; an error in
// one direction lets the other drain.
func (r *Relay) relayData(a, b network.Stream) int64 {
	var (
		remaining  atomic.Int64
		total      atomic.Int64
		terminated atomic.Bool
		wg         sync.WaitGroup
	)

	unlimited := r.rc.Limit == nil || r.rc.Limit.Data <= 0
	if !unlimited {
		remaining.Store(r.rc.Limit.Data)
	}

	if r.rc.Limit != nil && r.rc.Limit.Duration > 0 {
		deadline := time.Now().Add(r.rc.Limit.Duration)
		_ = a.SetDeadline(deadline)
		_ = b.SetDeadline(deadline)
	}

	copyDir := func(dst, src network.Stream) {
		defer wg.Done()
		buf := pool.Get(r.rc.BufferSize)
		defer pool.Put(buf)
		for {
			n, err := src.Read(buf)
			if n > 0 {
				if !unlimited {
					if left := remaining.Add(-int64(n)); left < 0 {
						// Limit reached: forward the allowed remainder
						// and half-close gracefully.
						if allowed := n + int(left); allowed > 0 {
							_, _ = dst.Write(buf[:allowed])
							total.Add(int64(allowed))
						}
						terminated.Store(true)
						_ = dst.CloseWrite()
						return
					}
				}
				total.Add(int64(n))
				if _, werr := dst.Write(buf[:n]); werr != nil {
					terminated.Store(true)
					return
				}
			}
			if err != nil {
				if errors.Is(err, io.EOF) {
					// Propagate EOF; the opposite direction drains on.
					_ = dst.CloseWrite()
				} else {
					terminated.Store(true)
				}
				return
			}
		}
	}

	wg.Add(2)
	go copyDir(a, b)
	copyDir(b, a)
	wg.Wait()

	_ = a.Close()
	_ = b.Close()
	return total.Load()
}

// gcLoop sweeps expired reservations and stale rate limiters.
func (r *Relay) gcLoop() {
	defer r.wg.Done()
	ticker := r.clock.Ticker(gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.gc()
		case <-r.ctx.Done():
			return
		}
	}
}

func (r *Relay) gc() {
	now := r.clock.Now()
	expired := 0
	r.mu.Lock()
	for p, exp := range r.rsvp {
		if exp.Before(now) {
			delete(r.rsvp, p)
			expired++
		}
	}
	for p := range r.limiters {
		if _, live := r.rsvp[p]; !live && r.circuits[p] == 0 {
			delete(r.limiters, p)
		}
	}
	r.mu.Unlock()
	if expired > 0 {
		r.metrics.RelayReservationExpired(expired)
		slog.Debug("expired reservations swept", "count", expired)
	}
}
