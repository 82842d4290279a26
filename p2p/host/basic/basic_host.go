// Package basic provides the host facade: identity, stream handler
// mux, address management and lifecycle over a network, with identify
// and ping always on.
package basic

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/multiformats/go-multistream"

	"github.com/shurlinet/peernet/core/event"
	"github.com/shurlinet/peernet/core/host"
	"github.com/shurlinet/peernet/core/network"
	"github.com/shurlinet/peernet/core/peer"
	"github.com/shurlinet/peernet/core/peerstore"
	"github.com/shurlinet/peernet/core/protocol"
	"github.com/shurlinet/peernet/p2p/host/eventbus"
	"github.com/shurlinet/peernet/p2p/metrics"
	"github.com/shurlinet/peernet/p2p/protocol/identify"
	"github.com/shurlinet/peernet/p2p/protocol/ping"
)

// negotiationTimeout bounds protocol selection on a new stream.
const negotiationTimeout = 30 * time.Second

// AddrsFactory filters or rewrites the addresses the host advertises.
type AddrsFactory func([]ma.Multiaddr) []ma.Multiaddr

// HostOpts configures a BasicHost.
type HostOpts struct {
	// ListenAddrs are bound on Start.
	ListenAddrs []ma.Multiaddr

	// AddrsFactory filters advertised addresses. Defaults to identity.
	AddrsFactory AddrsFactory

	// UserAgent is the identify agent version.
	UserAgent string

	// EventBus defaults to a fresh bus.
	EventBus event.Bus

	// Metrics is optional (nil-safe).
	Metrics *metrics.Metrics
}

// BasicHost is the standard host implementation.
type BasicHost struct {
	net     network.Network
	bus     event.Bus
	metrics *metrics.Metrics // nil-safe

	addrsFactory AddrsFactory
	listenAddrs  []ma.Multiaddr

	// relayAddrsFn supplies circuit addresses when autorelay holds
	// reservations; set post-construction to break the cycle.
	relayAddrsMu sync.RWMutex
	relayAddrsFn func() []ma.Multiaddr

	msmux    *multistream.MultistreamMuxer[protocol.ID]
	handlers struct {
		sync.RWMutex
		m     map[protocol.ID]network.StreamHandler
		order []protocol.ID
	}

	ids      *identify.IDService
	pings    *ping.PingService
	services struct {
		sync.Mutex
		closers []io.Closer
	}

	reachability atomic.Int32

	started atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

var _ host.Host = (*BasicHost)(nil)

// NewHost creates a host over n. The network's inbound stream handler
// is installed here, resolving the swarm↔host cycle by injection.
func NewHost(n network.Network, opts *HostOpts) (*BasicHost, error) {
	if opts == nil {
		opts = &HostOpts{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &BasicHost{
		net:          n,
		bus:          opts.EventBus,
		metrics:      opts.Metrics,
		addrsFactory: opts.AddrsFactory,
		listenAddrs:  opts.ListenAddrs,
		msmux:        multistream.NewMultistreamMuxer[protocol.ID](),
		ctx:          ctx,
		cancel:       cancel,
	}
	if h.bus == nil {
		h.bus = eventbus.NewBus()
	}
	if h.addrsFactory == nil {
		h.addrsFactory = func(addrs []ma.Multiaddr) []ma.Multiaddr { return addrs }
	}
	h.handlers.m = make(map[protocol.ID]network.StreamHandler)

	n.SetStreamHandler(h.newStreamHandler)

	var err error
	idOpts := []identify.Option{identify.WithMetrics(opts.Metrics)}
	if opts.UserAgent != "" {
		idOpts = append(idOpts, identify.WithUserAgent(opts.UserAgent))
	}
	h.ids, err = identify.NewIDService(h, idOpts...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("setting up identify: %w", err)
	}
	h.pings = ping.NewPingService(h)

	return h, nil
}

// ID returns the host's peer identity.
func (h *BasicHost) ID() peer.ID { return h.net.LocalPeer() }

// Peerstore returns the peer books.
func (h *BasicHost) Peerstore() peerstore.Peerstore { return h.net.Peerstore() }

// Network returns the connection layer.
func (h *BasicHost) Network() network.Network { return h.net }

// EventBus returns the process-wide bus.
func (h *BasicHost) EventBus() event.Bus { return h.bus }

// IDService exposes identify, e.g. for observed addresses.
func (h *BasicHost) IDService() *identify.IDService { return h.ids }

// SetRelayAddrsSource installs the circuit-address supplier (autorelay).
func (h *BasicHost) SetRelayAddrsSource(fn func() []ma.Multiaddr) {
	h.relayAddrsMu.Lock()
	h.relayAddrsFn = fn
	h.relayAddrsMu.Unlock()
}

// AddService registers a background service closed with the host.
func (h *BasicHost) AddService(c io.Closer) {
	h.services.Lock()
	h.services.closers = append(h.services.closers, c)
	h.services.Unlock()
}

// Reachability returns the process-wide reachability cell.
func (h *BasicHost) Reachability() network.Reachability {
	return network.Reachability(h.reachability.Load())
}

// Addrs returns the advertised addresses: bound listen addresses plus
// circuit addresses, run through the address factory.
func (h *BasicHost) Addrs() []ma.Multiaddr {
	addrs, err := h.net.InterfaceListenAddresses()
	if err != nil || len(addrs) == 0 {
		addrs = h.net.ListenAddresses()
	}
	var filtered []ma.Multiaddr
	for _, a := range addrs {
		if _, err := a.ValueForProtocol(ma.P_CIRCUIT); err == nil {
			// The bare /p2p-circuit listen marker is not dialable.
			continue
		}
		filtered = append(filtered, a)
	}

	h.relayAddrsMu.RLock()
	relayFn := h.relayAddrsFn
	h.relayAddrsMu.RUnlock()
	if relayFn != nil {
		filtered = append(filtered, relayFn()...)
	}
	return h.addrsFactory(filtered)
}

// Connect ensures a connection to ai, making its addresses dialable
// first.
func (h *BasicHost) Connect(ctx context.Context, ai peer.AddrInfo) error {
	if len(ai.Addrs) > 0 {
		h.Peerstore().AddAddrs(ai.ID, ai.Addrs, peerstore.TempAddrTTL)
	}
	forceDirect, _ := network.GetForceDirectDial(ctx)
	if !forceDirect && h.net.Connectedness(ai.ID) == network.Connected {
		return nil
	}
	_, err := h.net.DialPeer(ctx, ai.ID)
	return err
}

// NewStream opens a stream to p and negotiates one of the protocol
// ids, first match winning.
func (h *BasicHost) NewStream(ctx context.Context, p peer.ID, ids ...protocol.ID) (network.Stream, error) {
	if len(ids) == 0 {
		return nil, errors.New("no protocols specified")
	}

	s, err := h.net.NewStream(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("opening stream: %w", err)
	}

	deadline := time.Now().Add(negotiationTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = s.SetDeadline(deadline)

	selected, err := multistream.SelectOneOf(ids, s)
	if err != nil {
		_ = s.Reset()
		return nil, fmt.Errorf("protocol negotiation: %w", err)
	}
	_ = s.SetDeadline(time.Time{})
	_ = s.SetProtocol(selected)
	_ = h.Peerstore().AddProtocols(p, selected)
	return s, nil
}

// newStreamHandler negotiates the protocol of each inbound stream and
// dispatches it to the registered handler.
func (h *BasicHost) newStreamHandler(s network.Stream) {
	_ = s.SetDeadline(time.Now().Add(negotiationTimeout))

	proto, _, err := h.msmux.Negotiate(s)
	if err != nil {
		slog.Debug("inbound stream negotiation failed",
			"peer", s.Conn().RemotePeer().ShortString(), "err", err)
		_ = s.Reset()
		return
	}
	_ = s.SetDeadline(time.Time{})
	_ = s.SetProtocol(proto)

	h.handlers.RLock()
	handler := h.handlers.m[proto]
	h.handlers.RUnlock()
	if handler == nil {
		_ = s.Reset()
		return
	}
	handler(s)
}

// SetStreamHandler registers a handler for a protocol id.
func (h *BasicHost) SetStreamHandler(id protocol.ID, handler network.StreamHandler) {
	h.handlers.Lock()
	if _, exists := h.handlers.m[id]; !exists {
		h.handlers.order = append(h.handlers.order, id)
	}
	h.handlers.m[id] = handler
	h.handlers.Unlock()

	h.msmux.AddHandler(id, nil)
}

// RemoveStreamHandler removes a protocol handler.
func (h *BasicHost) RemoveStreamHandler(id protocol.ID) {
	h.handlers.Lock()
	delete(h.handlers.m, id)
	for i, o := range h.handlers.order {
		if o == id {
			h.handlers.order = append(h.handlers.order[:i], h.handlers.order[i+1:]...)
			break
		}
	}
	h.handlers.Unlock()
	h.msmux.RemoveHandler(id)
}

// Mux lists the registered protocol ids in registration order.
func (h *BasicHost) Mux() []protocol.ID {
	h.handlers.RLock()
	defer h.handlers.RUnlock()
	out := make([]protocol.ID, len(h.handlers.order))
	copy(out, h.handlers.order)
	return out
}

// Start brings up listeners and the reachability subscription.
// Idempotent.
func (h *BasicHost) Start() error {
	if !h.started.CompareAndSwap(false, true) {
		return nil
	}

	if len(h.listenAddrs) > 0 {
		if err := h.net.Listen(h.listenAddrs...); err != nil {
			// Close releases whatever Start managed to acquire.
			_ = h.Close()
			return fmt.Errorf("starting listeners: %w", err)
		}
	}

	sub, err := h.bus.Subscribe(new(event.EvtLocalReachabilityChanged), eventbus.Name("host-reachability"))
	if err != nil {
		_ = h.Close()
		return err
	}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer sub.Close()
		for {
			select {
			case evt, ok := <-sub.Out():
				if !ok {
					return
				}
				change := evt.(event.EvtLocalReachabilityChanged)
				h.reachability.Store(int32(change.Reachability))
			case <-h.ctx.Done():
				return
			}
		}
	}()

	slog.Info("host started",
		"peer", h.ID().String(),
		"addrs", len(h.Addrs()),
	)
	return nil
}

// Close releases everything Start acquired, then the network.
func (h *BasicHost) Close() error {
	h.closeOnce.Do(func() {
		h.cancel()

		h.services.Lock()
		closers := h.services.closers
		h.services.closers = nil
		h.services.Unlock()
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil && h.closeErr == nil {
				h.closeErr = err
			}
		}

		if h.ids != nil {
			_ = h.ids.Close()
		}
		if err := h.net.Close(); err != nil && h.closeErr == nil {
			h.closeErr = err
		}
		h.wg.Wait()
	})
	return h.closeErr
}
