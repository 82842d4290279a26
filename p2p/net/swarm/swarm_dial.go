package swarm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/shurlinet/peernet/core/network"
	"github.com/shurlinet/peernet/core/peer"
	"github.com/shurlinet/peernet/core/transport"
)

// dialKey identifies a deduplicatable dial pipeline. Dials carrying
// different hints must not collapse into each other: a forced-direct
// hole-punch dial is not satisfied by an in-flight relay dial.
type dialKey struct {
	p           peer.ID
	forceDirect bool
	simConnect  bool
}

// String is the singleflight key.
func (k dialKey) String() string {
	s := string(k.p)
	if k.forceDirect {
		s += "|direct"
	}
	if k.simConnect {
		s += "|simconnect"
	}
	return s
}

// DialPeer establishes a connection to p, reusing a live one when
// possible.
func (s *Swarm) DialPeer(ctx context.Context, p peer.ID) (network.Conn, error) {
	return s.dialPeer(ctx, p)
}

func (s *Swarm) dialPeer(ctx context.Context, p peer.ID) (*Conn, error) {
	if s.ctx.Err() != nil {
		return nil, ErrSwarmClosed
	}
	if p == s.local {
		return nil, ErrDialToSelf
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if noDial, _ := network.GetNoDial(ctx); noDial {
		if c := s.bestConnToPeer(p); c != nil {
			return c, nil
		}
		return nil, network.ErrNoConn
	}
	if s.gater != nil && !s.gater.InterceptPeerDial(p) {
		return nil, fmt.Errorf("%w: %s", ErrGaterDisallowedConnection, p)
	}

	forceDirect, _ := network.GetForceDirectDial(ctx)
	simConnect, _, _ := network.GetSimultaneousConnect(ctx)

	if c := s.bestConnToPeer(p); c != nil {
		if !forceDirect || !c.Stat().Limited {
			return c, nil
		}
	}

	// Concurrent dials for the same key collapse into one flight; every
	// caller shares its result. A caller whose context ends stops
	// waiting without aborting the shared pipeline, which runs under
	// the swarm's lifetime with the first caller's hints and timeout.
	key := dialKey{p: p, forceDirect: forceDirect, simConnect: simConnect}
	ch := s.dials.DoChan(key.String(), func() (interface{}, error) {
		dialCtx, cancel := s.dialContext(ctx, key)
		defer cancel()
		return s.doDial(dialCtx, key)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Conn), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// dialContext detaches the shared pipeline's context from the caller,
// re-applying the hints the dial key encodes.
func (s *Swarm) dialContext(ctx context.Context, key dialKey) (context.Context, context.CancelFunc) {
	dialCtx := s.ctx
	if key.forceDirect {
		_, reason := network.GetForceDirectDial(ctx)
		dialCtx = network.WithForceDirectDial(dialCtx, reason)
	}
	if key.simConnect {
		_, isClient, reason := network.GetSimultaneousConnect(ctx)
		dialCtx = network.WithSimultaneousConnect(dialCtx, isClient, reason)
	}
	return context.WithTimeout(dialCtx, network.GetDialPeerTimeout(ctx))
}

type dialResult struct {
	addr ma.Multiaddr
	conn transport.CapableConn
	err  error
}

// doDial runs the dial pipeline: resolve, filter, dedup, rank, race,
// install.
func (s *Swarm) doDial(ctx context.Context, key dialKey) (*Conn, error) {
	p := key.p
	start := time.Now()

	addrs, dialErr := s.resolveDialAddrs(ctx, p, key.forceDirect)
	if len(addrs) == 0 {
		s.metrics.DialCompleted("no_addresses")
		if len(dialErr.DialErrors) > 0 {
			dialErr.Cause = ErrAllDialsFailed
			return nil, dialErr
		}
		return nil, network.ErrNoRemoteAddrs
	}

	addrs = dedupAddrs(addrs, p)
	sched := rankAddrs(addrs)

	raceCtx, raceCancel := context.WithCancel(ctx)
	defer raceCancel()

	resCh := make(chan dialResult, len(sched))
	for _, sa := range sched {
		go s.dialAttempt(raceCtx, sa, p, resCh)
	}

	remaining := len(sched)
	for remaining > 0 {
		select {
		case res := <-resCh:
			remaining--
			if res.err != nil {
				dialErr.recordErr(res.addr, res.err)
				continue
			}
			conn, err := s.addConn(res.conn, network.DirOutbound)
			if err != nil {
				dialErr.recordErr(res.addr, err)
				continue
			}
			// Winner: abort the rest and close any pipe that still
			// completes.
			raceCancel()
			go drainDials(resCh, remaining)
			s.metrics.DialSucceeded(conn.ConnState().Transport, time.Since(start).Seconds())
			return conn, nil
		case <-ctx.Done():
			raceCancel()
			go drainDials(resCh, remaining)
			s.metrics.DialCompleted("canceled")
			return nil, ctx.Err()
		}
	}

	s.metrics.DialCompleted("failed")
	dialErr.Cause = ErrAllDialsFailed
	return nil, dialErr
}

// dialAttempt dispatches one scheduled address at its offset.
func (s *Swarm) dialAttempt(ctx context.Context, sa scheduledAddr, p peer.ID, resCh chan<- dialResult) {
	if sa.delay > 0 {
		timer := time.NewTimer(sa.delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			resCh <- dialResult{addr: sa.addr, err: ctx.Err()}
			return
		}
	}

	t := s.TransportForDialing(sa.addr)
	if t == nil {
		resCh <- dialResult{addr: sa.addr, err: ErrNoTransport}
		return
	}

	slog.Debug("dialing", "peer", p.ShortString(), "addr", sa.addr.String())
	conn, err := t.Dial(ctx, sa.addr, p)
	if err != nil {
		resCh <- dialResult{addr: sa.addr, err: err}
		return
	}
	if ctx.Err() != nil {
		// Lost the race after completing; the pipe must not leak.
		_ = conn.Close()
		resCh <- dialResult{addr: sa.addr, err: ctx.Err()}
		return
	}
	resCh <- dialResult{addr: sa.addr, conn: conn}
}

// drainDials closes connections that complete after the race is over.
func drainDials(resCh <-chan dialResult, remaining int) {
	for i := 0; i < remaining; i++ {
		res := <-resCh
		if res.conn != nil {
			_ = res.conn.Close()
		}
	}
}

// resolveDialAddrs builds the candidate list: known transports only,
// gater-approved, never our own addresses, and no relay addresses on a
// forced-direct dial.
func (s *Swarm) resolveDialAddrs(_ context.Context, p peer.ID, forceDirect bool) ([]ma.Multiaddr, *DialError) {
	dialErr := &DialError{Peer: p}

	own := make(map[string]struct{})
	for _, a := range s.ListenAddresses() {
		own[string(a.Bytes())] = struct{}{}
	}
	if ifaceAddrs, err := s.InterfaceListenAddresses(); err == nil {
		for _, a := range ifaceAddrs {
			own[string(a.Bytes())] = struct{}{}
		}
	}

	var out []ma.Multiaddr
	for _, a := range s.peers.Addrs(p) {
		if _, self := own[string(a.Bytes())]; self {
			continue
		}
		if forceDirect && isRelayAddr(a) {
			continue
		}
		if s.TransportForDialing(a) == nil {
			dialErr.recordErr(a, ErrNoTransport)
			continue
		}
		if s.gater != nil && !s.gater.InterceptAddrDial(p, a) {
			dialErr.recordErr(a, ErrGaterDisallowedConnection)
			continue
		}
		out = append(out, a)
	}
	return out, dialErr
}
