// Package autorelay keeps an unreachable node dialable: when the node's
// reachability turns private it reserves slots on relays, renews them
// before expiry and advertises the resulting circuit addresses.
package autorelay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/shurlinet/peernet/core/event"
	"github.com/shurlinet/peernet/core/host"
	"github.com/shurlinet/peernet/core/network"
	"github.com/shurlinet/peernet/core/peer"
	circuitclient "github.com/shurlinet/peernet/p2p/protocol/circuitv2/client"
)

const (
	// maxRelays bounds concurrent reservations.
	maxRelays = 2

	// refreshCheckInterval is how often reservations are examined for
	// renewal.
	refreshCheckInterval = 30 * time.Second
)

// Option configures autorelay.
type Option func(*AutoRelay)

// WithStaticRelays supplies a fixed candidate relay list.
func WithStaticRelays(relays []peer.AddrInfo) Option {
	return func(ar *AutoRelay) { ar.static = relays }
}

// WithClock injects a clock for tests.
func WithClock(c clock.Clock) Option {
	return func(ar *AutoRelay) { ar.clock = c }
}

// AutoRelay manages the node's relay reservations.
type AutoRelay struct {
	host   host.Host
	static []peer.AddrInfo
	clock  clock.Clock

	mu sync.Mutex
	// reservations maps relay → the live reservation.
	reservations map[peer.ID]*relaySlot
	private      bool

	emitAddrs event.Emitter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates (but does not start) autorelay.
func New(h host.Host, opts ...Option) (*AutoRelay, error) {
	ctx, cancel := context.WithCancel(context.Background())
	ar := &AutoRelay{
		host:         h,
		clock:        clock.New(),
		reservations: make(map[peer.ID]*relaySlot),
		ctx:          ctx,
		cancel:       cancel,
	}
	for _, opt := range opts {
		opt(ar)
	}

	em, err := h.EventBus().Emitter(&event.EvtLocalAddressesUpdated{})
	if err != nil {
		cancel()
		return nil, err
	}
	ar.emitAddrs = em
	return ar, nil
}

// Start subscribes to reachability changes and begins managing
// reservations.
func (ar *AutoRelay) Start() error {
	sub, err := ar.host.EventBus().Subscribe(new(event.EvtLocalReachabilityChanged))
	if err != nil {
		return err
	}
	ar.wg.Add(1)
	go ar.background(sub)
	return nil
}

// Close drops all reservations and stops.
func (ar *AutoRelay) Close() error {
	ar.cancel()
	ar.wg.Wait()
	ar.mu.Lock()
	ar.reservations = make(map[peer.ID]*relaySlot)
	ar.mu.Unlock()
	return ar.emitAddrs.Close()
}

// RelayAddrs returns the circuit addresses currently advertisable:
// /<relay_addr>/p2p-circuit per live reservation.
func (ar *AutoRelay) RelayAddrs() []ma.Multiaddr {
	ar.mu.Lock()
	defer ar.mu.Unlock()
	if !ar.private {
		return nil
	}
	var out []ma.Multiaddr
	for _, slot := range ar.reservations {
		for _, addr := range slot.rsvp.Addrs {
			circuit, err := ma.NewMultiaddr(addr.String() + "/p2p-circuit")
			if err != nil {
				continue
			}
			out = append(out, circuit)
		}
	}
	return out
}

func (ar *AutoRelay) background(sub event.Subscription) {
	defer ar.wg.Done()
	defer sub.Close()

	ticker := ar.clock.Ticker(refreshCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case evt, ok := <-sub.Out():
			if !ok {
				return
			}
			change := evt.(event.EvtLocalReachabilityChanged)
			ar.onReachability(change.Reachability)
		case <-ticker.C:
			ar.refresh()
		case <-ar.ctx.Done():
			return
		}
	}
}

func (ar *AutoRelay) onReachability(r network.Reachability) {
	ar.mu.Lock()
	wasPrivate := ar.private
	ar.private = r == network.ReachabilityPrivate
	nowPrivate := ar.private
	ar.mu.Unlock()

	switch {
	case nowPrivate && !wasPrivate:
		slog.Info("node is private, acquiring relay reservations")
		ar.refresh()
	case !nowPrivate && wasPrivate:
		slog.Info("node is no longer private, dropping relay reservations")
		ar.mu.Lock()
		ar.reservations = make(map[peer.ID]*relaySlot)
		ar.mu.Unlock()
		ar.emitAddrChange()
	}
}

// relaySlot pairs a reservation with the time it was acquired, so the
// renewal point (a third of the TTL before expiry) is computable.
type relaySlot struct {
	rsvp     *circuitclient.Reservation
	acquired time.Time
}

func (s *relaySlot) renewAt() time.Time {
	ttl := s.rsvp.Expiration.Sub(s.acquired)
	if ttl <= 0 {
		return s.acquired
	}
	return s.rsvp.Expiration.Add(-ttl / 3)
}

// refresh acquires missing reservations and renews those approaching
// expiry. A reservation is renewed once less than a third of its TTL
// remains, so an active reservation never lapses while we are private.
func (ar *AutoRelay) refresh() {
	ar.mu.Lock()
	if !ar.private {
		ar.mu.Unlock()
		return
	}
	now := ar.clock.Now()
	type task struct {
		relay peer.AddrInfo
		renew bool
	}
	var tasks []task
	for _, candidate := range ar.candidates() {
		slot, have := ar.reservations[candidate.ID]
		switch {
		case !have:
			if len(ar.reservations)+len(tasks) < maxRelays {
				tasks = append(tasks, task{relay: candidate})
			}
		case !now.Before(slot.renewAt()):
			tasks = append(tasks, task{relay: candidate, renew: true})
		}
	}
	ar.mu.Unlock()

	changed := false
	for _, t := range tasks {
		ctx, cancel := context.WithTimeout(ar.ctx, 30*time.Second)
		rsvp, err := circuitclient.Reserve(ctx, ar.host, t.relay)
		cancel()
		if err != nil {
			slog.Debug("relay reservation failed",
				"relay", t.relay.ID.ShortString(), "renew", t.renew, "err", err)
			if t.renew {
				ar.mu.Lock()
				delete(ar.reservations, t.relay.ID)
				ar.mu.Unlock()
				changed = true
			}
			continue
		}
		slog.Debug("relay reservation acquired",
			"relay", t.relay.ID.ShortString(), "expires", rsvp.Expiration)
		ar.mu.Lock()
		ar.reservations[t.relay.ID] = &relaySlot{rsvp: rsvp, acquired: ar.clock.Now()}
		ar.mu.Unlock()
		changed = true
	}
	if changed {
		ar.emitAddrChange()
	}
}

func (ar *AutoRelay) emitAddrChange() {
	_ = ar.emitAddrs.Emit(event.EvtLocalAddressesUpdated{Current: ar.host.Addrs()})
}

// candidates lists relays to reserve on: the static set first, then
// connected peers advertising the hop protocol.
func (ar *AutoRelay) candidates() []peer.AddrInfo {
	out := make([]peer.AddrInfo, 0, maxRelays)
	seen := make(map[peer.ID]struct{})
	for _, r := range ar.static {
		if _, dup := seen[r.ID]; dup {
			continue
		}
		seen[r.ID] = struct{}{}
		out = append(out, r)
	}
	for _, p := range ar.host.Network().Peers() {
		if _, dup := seen[p]; dup {
			continue
		}
		if proto, err := ar.host.Peerstore().FirstSupportedProtocol(p, "/libp2p/circuit/relay/0.2.0/hop"); err == nil && proto != "" {
			seen[p] = struct{}{}
			out = append(out, ar.host.Peerstore().PeerInfo(p))
		}
	}
	return out
}
