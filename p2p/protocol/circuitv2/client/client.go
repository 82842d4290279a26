// Package client implements the circuit v2 client: dialing destinations
// through relays, accepting relayed connections via the STOP protocol,
// and holding reservations on relays.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/shurlinet/peernet/core/host"
	"github.com/shurlinet/peernet/core/network"
	"github.com/shurlinet/peernet/core/peer"
	"github.com/shurlinet/peernet/core/transport"
	"github.com/shurlinet/peernet/p2p/protocol/circuitv2/pb"
	"github.com/shurlinet/peernet/p2p/protocol/circuitv2/proto"
	"github.com/shurlinet/peernet/p2p/protocol/circuitv2/util"
)

const (
	// dialTimeout bounds the HOP control exchange of one relayed dial.
	dialTimeout = 30 * time.Second
)

var (
	// ErrNotCircuitAddr is returned when dialing an address without a
	// /p2p-circuit component.
	ErrNotCircuitAddr = errors.New("not a circuit address")

	// ErrNoRelayAddr is returned for a generic circuit address with no
	// relay peer to connect through.
	ErrNoRelayAddr = errors.New("circuit address carries no relay peer")

	// ErrRelayRefused wraps a non-OK HOP status.
	ErrRelayRefused = errors.New("relay refused connection")

	// ErrResourceLimitExceeded surfaces the relay's limit status.
	// Retryable at the caller's discretion; the client never retries on
	// its own.
	ErrResourceLimitExceeded = errors.New("relay resource limit exceeded")
)

// Client is the circuit client transport. It produces one fresh HOP
// stream per Dial and never caches unupgraded relayed pipes: the
// swarm's dial deduplication is the single point where concurrent dials
// collapse.
type Client struct {
	host     host.Host
	upgrader transport.Upgrader

	mu       sync.Mutex
	listener *listener // nil until Listen
	closed   bool
}

var _ transport.Transport = (*Client)(nil)

// New creates a circuit client for h. Start must be called once the
// host accepts streams.
func New(h host.Host, u transport.Upgrader) (*Client, error) {
	return &Client{host: h, upgrader: u}, nil
}

// Start registers the STOP handler, enabling inbound relayed
// connections.
func (c *Client) Start() {
	c.host.SetStreamHandler(proto.ProtoIDv2Stop, c.handleStop)
}

// Close unregisters the STOP handler and closes the listener.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	ln := c.listener
	c.listener = nil
	c.mu.Unlock()
	c.host.RemoveStreamHandler(proto.ProtoIDv2Stop)
	if ln != nil {
		_ = ln.Close()
	}
	return nil
}

// CanDial reports whether addr crosses a relay.
func (c *Client) CanDial(addr ma.Multiaddr) bool {
	if addr == nil {
		return false
	}
	_, err := addr.ValueForProtocol(ma.P_CIRCUIT)
	return err == nil
}

// Protocols returns the circuit protocol code.
func (c *Client) Protocols() []int { return []int{ma.P_CIRCUIT} }

// Proxy reports that circuits tunnel through another peer.
func (c *Client) Proxy() bool { return true }

// Dial connects to p through the relay named in raddr and upgrades the
// relayed pipe end-to-end.
func (c *Client) Dial(ctx context.Context, raddr ma.Multiaddr, p peer.ID) (transport.CapableConn, error) {
	scope, err := c.upgrader.ResourceManager().OpenConnection(network.DirOutbound, false, raddr)
	if err != nil {
		return nil, err
	}
	pipe, err := c.dial(ctx, raddr, p)
	if err != nil {
		scope.Done()
		return nil, err
	}
	conn, err := c.upgrader.Upgrade(ctx, c, pipe, network.DirOutbound, p, scope)
	if err != nil {
		scope.Done()
		return nil, err
	}
	return conn, nil
}

// dial opens a fresh HOP stream to the relay and sends CONNECT. The
// resulting stream is the raw byte pipe to the destination.
func (c *Client) dial(ctx context.Context, raddr ma.Multiaddr, p peer.ID) (transport.ConnPipe, error) {
	relayInfo, destAddr, err := splitCircuitAddr(raddr)
	if err != nil {
		return nil, err
	}
	if relayInfo.ID == c.host.ID() {
		return nil, errors.New("cannot dial through ourselves")
	}

	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	if len(relayInfo.Addrs) > 0 {
		c.host.Peerstore().AddAddrs(relayInfo.ID, relayInfo.Addrs, time.Hour)
	}
	if err := c.host.Connect(ctx, peer.AddrInfo{ID: relayInfo.ID}); err != nil {
		return nil, fmt.Errorf("connecting to relay %s: %w", relayInfo.ID.ShortString(), err)
	}

	s, err := c.host.NewStream(ctx, relayInfo.ID, proto.ProtoIDv2Hop)
	if err != nil {
		return nil, fmt.Errorf("opening hop stream: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = s.SetDeadline(deadline)
	}
	if err := util.WriteDelimited(s, &pb.HopMessage{
		Type: pb.HopConnect,
		Peer: &pb.Peer{ID: []byte(p)},
	}); err != nil {
		_ = s.Reset()
		return nil, err
	}

	var resp pb.HopMessage
	if err := util.NewDelimitedReader(s).ReadMsg(&resp); err != nil {
		_ = s.Reset()
		return nil, err
	}
	if resp.Type != pb.HopStatus {
		_ = s.Reset()
		return nil, fmt.Errorf("%w: unexpected message type", ErrRelayRefused)
	}
	switch resp.Status {
	case pb.StatusOK:
	case pb.StatusResourceLimitExceeded:
		_ = s.Reset()
		return nil, ErrResourceLimitExceeded
	default:
		_ = s.Reset()
		return nil, fmt.Errorf("%w: %s", ErrRelayRefused, resp.Status)
	}
	_ = s.SetDeadline(time.Time{})

	slog.Debug("relayed pipe established",
		"relay", relayInfo.ID.ShortString(), "dest", p.ShortString())
	return newStreamConn(s, s.Conn().LocalMultiaddr(), destAddr), nil
}

// splitCircuitAddr separates /<relay>/p2p/<R>/p2p-circuit[/p2p/<dst>]
// into the relay's info and the full circuit address of the target.
func splitCircuitAddr(addr ma.Multiaddr) (peer.AddrInfo, ma.Multiaddr, error) {
	s := addr.String()
	idx := strings.Index(s, "/p2p-circuit")
	if idx < 0 {
		return peer.AddrInfo{}, nil, ErrNotCircuitAddr
	}
	if idx == 0 {
		return peer.AddrInfo{}, nil, ErrNoRelayAddr
	}
	relayPart, err := ma.NewMultiaddr(s[:idx])
	if err != nil {
		return peer.AddrInfo{}, nil, err
	}
	info, err := peer.AddrInfoFromP2pAddr(relayPart)
	if err != nil {
		return peer.AddrInfo{}, nil, fmt.Errorf("%w: %v", ErrNoRelayAddr, err)
	}
	return *info, addr, nil
}

// handleStop accepts a relayed connection: a relay is delivering a
// source peer to us.
func (c *Client) handleStop(s network.Stream) {
	_ = s.SetReadDeadline(time.Now().Add(dialTimeout))

	var msg pb.StopMessage
	if err := util.NewDelimitedReader(s).ReadMsg(&msg); err != nil {
		_ = s.Reset()
		return
	}
	if msg.Type != pb.StopConnect || msg.Peer == nil {
		_ = util.WriteDelimited(s, &pb.StopMessage{Type: pb.StopStatus, Status: pb.StatusUnexpectedMessage})
		_ = s.Reset()
		return
	}
	src, err := peer.IDFromBytes(msg.Peer.ID)
	if err != nil {
		_ = util.WriteDelimited(s, &pb.StopMessage{Type: pb.StopStatus, Status: pb.StatusMalformedMessage})
		_ = s.Reset()
		return
	}

	c.mu.Lock()
	ln := c.listener
	c.mu.Unlock()
	if ln == nil {
		// Not listening for relayed connections.
		_ = util.WriteDelimited(s, &pb.StopMessage{Type: pb.StopStatus, Status: pb.StatusPermissionDenied})
		_ = s.Reset()
		return
	}

	if err := util.WriteDelimited(s, &pb.StopMessage{Type: pb.StopStatus, Status: pb.StatusOK}); err != nil {
		_ = s.Reset()
		return
	}
	_ = s.SetReadDeadline(time.Time{})

	// The remote address of the pipe is the circuit through the relay
	// that delivered it.
	remoteAddr := circuitRemoteAddr(s.Conn().RemoteMultiaddr(), s.Conn().RemotePeer(), src)
	slog.Debug("inbound relayed pipe", "src", src.ShortString())
	ln.deliver(newStreamConn(s, s.Conn().LocalMultiaddr(), remoteAddr))
}

func circuitRemoteAddr(relayAddr ma.Multiaddr, relay peer.ID, src peer.ID) ma.Multiaddr {
	base := relayAddr.String() + "/p2p/" + relay.String() + "/p2p-circuit/p2p/" + src.String()
	if a, err := ma.NewMultiaddr(base); err == nil {
		return a
	}
	a, err := ma.NewMultiaddr("/p2p-circuit/p2p/" + src.String())
	if err != nil {
		return relayAddr
	}
	return a
}
