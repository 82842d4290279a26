// Package upgrade turns raw byte pipes into secured, multiplexed
// connections through in-band protocol negotiation.
package upgrade

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/multiformats/go-multistream"

	"github.com/shurlinet/peernet/core/connmgr"
	"github.com/shurlinet/peernet/core/mux"
	"github.com/shurlinet/peernet/core/network"
	"github.com/shurlinet/peernet/core/peer"
	"github.com/shurlinet/peernet/core/protocol"
	"github.com/shurlinet/peernet/core/sec"
	"github.com/shurlinet/peernet/core/transport"
)

// AcceptTimeout bounds a single inbound upgrade.
var AcceptTimeout = 15 * time.Second

var (
	// ErrNoSecurityProtocol is returned when security negotiation finds
	// no overlap with the remote.
	ErrNoSecurityProtocol = errors.New("upgrade: no common security protocol")

	// ErrNoMuxerProtocol is returned when muxer negotiation finds no
	// overlap with the remote.
	ErrNoMuxerProtocol = errors.New("upgrade: no common stream muxer")

	// ErrGatedSecured is returned when the gater vetoes a connection
	// after the security handshake authenticated the peer.
	ErrGatedSecured = errors.New("upgrade: connection gated after security handshake")
)

// Upgrader negotiates a security protocol and a stream muxer over raw
// pipes. Failure at any step closes the underlying pipe.
type Upgrader struct {
	security []sec.SecureTransport
	muxers   []mux.Multiplexer
	gater    connmgr.ConnectionGater
	rcmgr    network.ResourceManager

	muxerMuxer *multistream.MultistreamMuxer[protocol.ID]
	secMuxer   *multistream.MultistreamMuxer[protocol.ID]
}

var _ transport.Upgrader = (*Upgrader)(nil)

// New creates an upgrader from ordered security and muxer preferences.
// The gater and resource manager may be nil.
func New(security []sec.SecureTransport, muxers []mux.Multiplexer, gater connmgr.ConnectionGater, rcmgr network.ResourceManager) (*Upgrader, error) {
	if len(security) == 0 {
		return nil, errors.New("upgrade: at least one security transport required")
	}
	if len(muxers) == 0 {
		return nil, errors.New("upgrade: at least one muxer required")
	}
	if rcmgr == nil {
		rcmgr = &network.NullResourceManager{}
	}
	u := &Upgrader{
		security:   security,
		muxers:     muxers,
		gater:      gater,
		rcmgr:      rcmgr,
		secMuxer:   multistream.NewMultistreamMuxer[protocol.ID](),
		muxerMuxer: multistream.NewMultistreamMuxer[protocol.ID](),
	}
	for _, st := range security {
		u.secMuxer.AddHandler(st.ID(), nil)
	}
	for _, m := range muxers {
		u.muxerMuxer.AddHandler(m.ID(), nil)
	}
	return u, nil
}

// ResourceManager exposes the manager for listeners to charge inbound
// connections against.
func (u *Upgrader) ResourceManager() network.ResourceManager { return u.rcmgr }

// Upgrade runs the full negotiation in the given role. The returned
// connection records the transport, security protocol and muxer used.
func (u *Upgrader) Upgrade(ctx context.Context, t transport.Transport, pipe transport.ConnPipe, dir network.Direction, p peer.ID, scope network.ConnManagementScope) (transport.CapableConn, error) {
	c, err := u.upgrade(ctx, t, pipe, dir, p, scope)
	if err != nil {
		_ = pipe.Close()
		return nil, err
	}
	return c, nil
}

func (u *Upgrader) upgrade(ctx context.Context, t transport.Transport, pipe transport.ConnPipe, dir network.Direction, p peer.ID, scope network.ConnManagementScope) (transport.CapableConn, error) {
	if dir == network.DirOutbound && p == "" {
		return nil, errors.New("upgrade: outbound upgrades require an expected peer id")
	}

	secProto, sconn, err := u.setupSecurity(ctx, pipe, p, dir)
	if err != nil {
		return nil, fmt.Errorf("negotiating security: %w", err)
	}

	remote := sconn.RemotePeer()
	if u.gater != nil && !u.gater.InterceptSecured(dir, remote, pipeMultiaddrs{pipe}) {
		return nil, fmt.Errorf("%w: peer %s", ErrGatedSecured, remote)
	}
	if err := scope.SetPeer(remote); err != nil {
		return nil, fmt.Errorf("attaching connection to peer scope: %w", err)
	}

	muxProto, mconn, err := u.setupMuxer(ctx, sconn, dir)
	if err != nil {
		return nil, fmt.Errorf("negotiating muxer: %w", err)
	}

	slog.Debug("connection upgraded",
		"peer", remote.ShortString(),
		"dir", dir.String(),
		"security", string(secProto),
		"muxer", string(muxProto),
	)

	return &transportConn{
		MuxedConn:  mconn,
		transport:  t,
		localAddr:  pipe.LocalMultiaddr(),
		remoteAddr: pipe.RemoteMultiaddr(),
		localPeer:  sconn.LocalPeer(),
		remotePeer: remote,
		remoteKey:  sconn.RemotePublicKey(),
		scope:      scope,
		state: network.ConnectionState{
			Security:          string(secProto),
			StreamMultiplexer: string(muxProto),
			Transport:         transportName(pipe),
		},
	}, nil
}

func (u *Upgrader) setupSecurity(ctx context.Context, pipe transport.ConnPipe, p peer.ID, dir network.Direction) (protocol.ID, sec.SecureConn, error) {
	st, proto, err := u.negotiateSecurity(pipe, dir)
	if err != nil {
		return "", nil, err
	}
	if dir == network.DirInbound {
		sconn, err := st.SecureInbound(ctx, pipe, p)
		return proto, sconn, err
	}
	sconn, err := st.SecureOutbound(ctx, pipe, p)
	return proto, sconn, err
}

func (u *Upgrader) negotiateSecurity(pipe io.ReadWriteCloser, dir network.Direction) (sec.SecureTransport, protocol.ID, error) {
	var proto protocol.ID
	var err error
	if dir == network.DirInbound {
		proto, _, err = u.secMuxer.Negotiate(pipe)
	} else {
		ids := make([]protocol.ID, len(u.security))
		for i, st := range u.security {
			ids[i] = st.ID()
		}
		proto, err = multistream.SelectOneOf(ids, pipe)
	}
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrNoSecurityProtocol, err)
	}
	for _, st := range u.security {
		if st.ID() == proto {
			return st, proto, nil
		}
	}
	return nil, "", ErrNoSecurityProtocol
}

func (u *Upgrader) setupMuxer(ctx context.Context, sconn sec.SecureConn, dir network.Direction) (protocol.ID, mux.MuxedConn, error) {
	done := make(chan struct{})
	var proto protocol.ID
	var mconn mux.MuxedConn
	var err error
	go func() {
		defer close(done)
		proto, mconn, err = u.negotiateMuxer(sconn, dir)
	}()
	select {
	case <-done:
		return proto, mconn, err
	case <-ctx.Done():
		// Unblock the negotiation; the upgrade failed.
		_ = sconn.Close()
		<-done
		return "", nil, ctx.Err()
	}
}

func (u *Upgrader) negotiateMuxer(sconn sec.SecureConn, dir network.Direction) (protocol.ID, mux.MuxedConn, error) {
	var proto protocol.ID
	var err error
	if dir == network.DirInbound {
		proto, _, err = u.muxerMuxer.Negotiate(sconn)
	} else {
		ids := make([]protocol.ID, len(u.muxers))
		for i, m := range u.muxers {
			ids[i] = m.ID()
		}
		proto, err = multistream.SelectOneOf(ids, sconn)
	}
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrNoMuxerProtocol, err)
	}
	for _, m := range u.muxers {
		if m.ID() == proto {
			mconn, err := m.NewConn(sconn, dir == network.DirInbound)
			return proto, mconn, err
		}
	}
	return "", nil, ErrNoMuxerProtocol
}

type pipeMultiaddrs struct {
	pipe transport.ConnPipe
}

var _ network.ConnMultiaddrs = pipeMultiaddrs{}

func (p pipeMultiaddrs) LocalMultiaddr() ma.Multiaddr  { return p.pipe.LocalMultiaddr() }
func (p pipeMultiaddrs) RemoteMultiaddr() ma.Multiaddr { return p.pipe.RemoteMultiaddr() }

// transportName labels the connection with the outermost transport
// protocol of its remote address, for the connection state record.
func transportName(pipe transport.ConnPipe) string {
	addr := pipe.RemoteMultiaddr()
	if addr == nil {
		return "unknown"
	}
	if _, err := addr.ValueForProtocol(ma.P_CIRCUIT); err == nil {
		return "p2p-circuit"
	}
	name := "unknown"
	for _, p := range addr.Protocols() {
		switch p.Code {
		case ma.P_TCP, ma.P_UDP, ma.P_QUIC_V1, ma.P_WEBTRANSPORT, ma.P_UNIX:
			name = p.Name
		}
	}
	return name
}
