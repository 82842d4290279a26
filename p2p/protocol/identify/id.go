// Package identify implements the identify protocol: peers exchange
// their public key, listen addresses, supported protocols and the
// address they observe each other at, on every new connection.
package identify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/libp2p/go-msgio"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/shurlinet/peernet/core/crypto"
	"github.com/shurlinet/peernet/core/event"
	"github.com/shurlinet/peernet/core/host"
	"github.com/shurlinet/peernet/core/network"
	"github.com/shurlinet/peernet/core/peerstore"
	"github.com/shurlinet/peernet/core/protocol"
	"github.com/shurlinet/peernet/core/record"
	"github.com/shurlinet/peernet/p2p/metrics"
)

// ID is the identify protocol id.
const ID = protocol.Identify

const (
	// DefaultProtocolVersion names the stack family.
	DefaultProtocolVersion = "peernet/1.0.0"

	// defaultUserAgent is sent when none is configured.
	defaultUserAgent = "peernet"

	// identifyTimeout bounds one identify exchange.
	identifyTimeout = 30 * time.Second

	// maxMessageSize bounds an identify message.
	maxMessageSize = 8 << 10
)

// Option configures the identify service.
type Option func(*IDService)

// WithUserAgent sets the advertised agent version.
func WithUserAgent(agent string) Option {
	return func(s *IDService) { s.userAgent = agent }
}

// WithMetrics installs prometheus metrics (nil-safe).
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *IDService) { s.metrics = m }
}

// IDService runs identify on every new connection and records what it
// learns in the peerstore.
type IDService struct {
	host      host.Host
	userAgent string
	metrics   *metrics.Metrics // nil-safe

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	emitCompleted event.Emitter
	emitFailed    event.Emitter

	obs *observedAddrSet

	// conns tracks per-connection identify completion for IdentifyWait.
	mu    sync.Mutex
	conns map[network.Conn]chan struct{}
}

// NewIDService creates and starts the identify service on h.
func NewIDService(h host.Host, opts ...Option) (*IDService, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &IDService{
		host:      h,
		userAgent: defaultUserAgent,
		ctx:       ctx,
		cancel:    cancel,
		conns:     make(map[network.Conn]chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	obs, err := newObservedAddrSet()
	if err != nil {
		cancel()
		return nil, err
	}
	s.obs = obs

	s.emitCompleted, err = h.EventBus().Emitter(&event.EvtPeerIdentificationCompleted{})
	if err != nil {
		cancel()
		return nil, err
	}
	s.emitFailed, err = h.EventBus().Emitter(&event.EvtPeerIdentificationFailed{})
	if err != nil {
		cancel()
		return nil, err
	}

	h.SetStreamHandler(ID, s.handleIdentifyRequest)
	h.Network().Notify((*netNotifiee)(s))
	return s, nil
}

// Close stops the service.
func (s *IDService) Close() error {
	s.cancel()
	s.host.Network().StopNotify((*netNotifiee)(s))
	s.host.RemoveStreamHandler(ID)
	s.wg.Wait()
	_ = s.emitCompleted.Close()
	_ = s.emitFailed.Close()
	return nil
}

// OwnObservedAddrs returns the addresses peers have observed us at.
func (s *IDService) OwnObservedAddrs() []ma.Multiaddr {
	return s.obs.Addrs()
}

// IdentifyWait returns a channel that closes once identify has finished
// (or failed) on the given connection.
func (s *IDService) IdentifyWait(c network.Conn) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.conns[c]
	if !ok {
		ch = make(chan struct{})
		s.conns[c] = ch
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.identifyConn(c, ch)
		}()
	}
	return ch
}

// identifyConn opens the identify stream on c and consumes the remote's
// message.
func (s *IDService) identifyConn(c network.Conn, done chan struct{}) {
	defer close(done)

	ctx, cancel := context.WithTimeout(s.ctx, identifyTimeout)
	defer cancel()
	ctx = network.WithAllowLimitedConn(ctx, "identify")

	err := func() error {
		str, err := c.NewStream(ctx)
		if err != nil {
			return fmt.Errorf("opening identify stream: %w", err)
		}
		defer str.Close()
		_ = str.SetDeadline(time.Now().Add(identifyTimeout))

		if err := negotiateOutbound(str, ID); err != nil {
			return err
		}
		return s.consumeMessage(str, c)
	}()

	if err != nil {
		s.metrics.IdentifyCompleted("outbound", "error")
		slog.Debug("identify failed", "peer", c.RemotePeer().ShortString(), "err", err)
		_ = s.emitFailed.Emit(event.EvtPeerIdentificationFailed{Peer: c.RemotePeer(), Reason: err})
		return
	}
	s.metrics.IdentifyCompleted("outbound", "ok")
}

// handleIdentifyRequest answers an inbound identify stream with our
// own info.
func (s *IDService) handleIdentifyRequest(str network.Stream) {
	defer str.Close()
	_ = str.SetDeadline(time.Now().Add(identifyTimeout))

	msg := s.buildMessage(str.Conn())
	data, err := msg.Marshal()
	if err != nil {
		_ = str.Reset()
		return
	}
	w := msgio.NewVarintWriter(str)
	if err := w.WriteMsg(data); err != nil {
		_ = str.Reset()
		return
	}
	s.metrics.IdentifyCompleted("inbound", "ok")
}

func (s *IDService) buildMessage(c network.Conn) *identifyMsg {
	msg := &identifyMsg{
		ProtocolVersion: DefaultProtocolVersion,
		AgentVersion:    s.userAgent,
	}

	if key := s.host.Peerstore().PubKey(s.host.ID()); key != nil {
		if kb, err := crypto.MarshalPublicKey(key); err == nil {
			msg.PublicKey = kb
		}
	}

	addrs := s.host.Addrs()
	for _, a := range addrs {
		msg.ListenAddrs = append(msg.ListenAddrs, a.Bytes())
	}

	for _, p := range s.host.Mux() {
		msg.Protocols = append(msg.Protocols, string(p))
	}

	if c != nil {
		msg.ObservedAddr = c.RemoteMultiaddr().Bytes()
	}

	if env := s.signedRecord(addrs); env != nil {
		if blob, err := env.Marshal(); err == nil {
			msg.SignedPeerRecord = blob
		}
	}
	return msg
}

// signedRecord seals our current addresses into a peer record.
func (s *IDService) signedRecord(addrs []ma.Multiaddr) *record.Envelope {
	key := s.host.Peerstore().PrivKey(s.host.ID())
	if key == nil {
		return nil
	}
	rec := record.NewPeerRecord()
	rec.PeerID = s.host.ID()
	rec.Addrs = addrs
	env, err := record.Seal(rec, key)
	if err != nil {
		return nil
	}
	return env
}

// consumeMessage ingests the remote's identify message.
func (s *IDService) consumeMessage(str network.Stream, c network.Conn) error {
	r := msgio.NewVarintReaderSize(str, maxMessageSize)
	data, err := r.ReadMsg()
	if err != nil {
		return fmt.Errorf("reading identify message: %w", err)
	}
	defer r.ReleaseMsg(data)

	var msg identifyMsg
	if err := msg.Unmarshal(data); err != nil {
		return err
	}

	p := c.RemotePeer()

	// The advertised key must match the authenticated peer.
	if len(msg.PublicKey) > 0 {
		pk, err := crypto.UnmarshalPublicKey(msg.PublicKey)
		if err != nil {
			return fmt.Errorf("identify public key: %w", err)
		}
		if !p.MatchesPublicKey(pk) {
			return errors.New("identify public key does not match peer id")
		}
		_ = s.host.Peerstore().AddPubKey(p, pk)
	}

	var listenAddrs []ma.Multiaddr
	for _, ab := range msg.ListenAddrs {
		if a, err := ma.NewMultiaddrBytes(ab); err == nil {
			listenAddrs = append(listenAddrs, a)
		}
	}

	// A valid signed record overrides unsigned addresses.
	var signedEnv *record.Envelope
	if len(msg.SignedPeerRecord) > 0 {
		env, rec, err := record.ConsumeEnvelope(msg.SignedPeerRecord, record.PeerRecordEnvelopeDomain)
		if err == nil {
			if pr, ok := rec.(*record.PeerRecord); ok && pr.PeerID == p {
				signedEnv = env
			}
		}
	}
	if signedEnv != nil {
		_, _ = s.host.Peerstore().ConsumePeerRecord(signedEnv, peerstore.RecentlyConnectedAddrTTL)
	} else {
		s.host.Peerstore().AddAddrs(p, listenAddrs, peerstore.RecentlyConnectedAddrTTL)
	}

	protos := protocol.ConvertFromStrings(msg.Protocols)
	_ = s.host.Peerstore().SetProtocols(p, protos...)

	var observed ma.Multiaddr
	if len(msg.ObservedAddr) > 0 {
		if a, err := ma.NewMultiaddrBytes(msg.ObservedAddr); err == nil {
			observed = a
			s.obs.Record(c, a)
		}
	}

	slog.Debug("identify completed",
		"peer", p.ShortString(),
		"protocols", len(protos),
		"addrs", len(listenAddrs),
	)

	_ = s.emitCompleted.Emit(event.EvtPeerIdentificationCompleted{
		Peer:             p,
		Conn:             c,
		ListenAddrs:      listenAddrs,
		Protocols:        protos,
		ObservedAddr:     observed,
		SignedPeerRecord: signedEnv,
		AgentVersion:     msg.AgentVersion,
		ProtocolVersion:  msg.ProtocolVersion,
	})
	return nil
}

// netNotifiee hooks connection lifecycle into identify.
type netNotifiee IDService

func (nn *netNotifiee) ids() *IDService { return (*IDService)(nn) }

func (nn *netNotifiee) Connected(_ network.Network, c network.Conn) {
	// Pin the dialed address while the connection lives; identify will
	// add the advertised ones.
	s := nn.ids()
	s.host.Peerstore().AddAddrs(c.RemotePeer(), []ma.Multiaddr{c.RemoteMultiaddr()}, peerstore.ConnectedAddrTTL)

	// Identify every new connection; callers needing ordering use
	// IdentifyWait explicitly.
	s.IdentifyWait(c)
}

func (nn *netNotifiee) Disconnected(_ network.Network, c network.Conn) {
	s := nn.ids()
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()

	if s.host.Network().Connectedness(c.RemotePeer()) == network.NotConnected {
		// Downgrade the peer's addresses now that no connection backs
		// them.
		s.host.Peerstore().UpdateAddrs(c.RemotePeer(), peerstore.ConnectedAddrTTL, peerstore.RecentlyConnectedAddrTTL)
	}
}

func (nn *netNotifiee) Listen(network.Network, ma.Multiaddr)      {}
func (nn *netNotifiee) ListenClose(network.Network, ma.Multiaddr) {}

// negotiateOutbound runs multistream selection for the identify stream
// opened directly on a connection (bypassing the host's NewStream).
func negotiateOutbound(str network.Stream, id protocol.ID) error {
	if err := multistreamSelect(str, id); err != nil {
		return err
	}
	return str.SetProtocol(id)
}

// Ensure the notifiee type satisfies the interface.
var _ network.Notifiee = (*netNotifiee)(nil)
