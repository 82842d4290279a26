// Package autonat implements confidence-weighted reachability
// detection: an ambient orchestrator scheduling probes against remote
// autonat services, and the client/service pair speaking the
// dial-request protocol.
package autonat

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
	"github.com/shurlinet/peernet/core/protocol"
	"github.com/shurlinet/peernet/p2p/metrics"
)

// maxConfidence bounds the observation counter.
const maxConfidence = 3

// Scheduling defaults per the ambient orchestrator design.
const (
	defaultBootDelay       = 15 * time.Second
	defaultRetryInterval   = 60 * time.Second
	defaultRefreshInterval = 15 * time.Minute
	forcedProbeDelay       = 2 * time.Second
)

// Option configures the ambient orchestrator.
type Option func(*AmbientAutoNAT)

// WithClock injects a clock for tests.
func WithClock(c clock.Clock) Option {
	return func(a *AmbientAutoNAT) { a.clock = c }
}

// WithSchedule overrides the probe scheduling intervals.
func WithSchedule(bootDelay, retry, refresh time.Duration) Option {
	return func(a *AmbientAutoNAT) {
		a.bootDelay = bootDelay
		a.retryInterval = retry
		a.refreshInterval = refresh
	}
}

// WithPeerSource supplies candidate autonat servers.
func WithPeerSource(src func() []peer.ID) Option {
	return func(a *AmbientAutoNAT) { a.peerSource = src }
}

// WithMetrics installs prometheus metrics (nil-safe).
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *AmbientAutoNAT) { a.metrics = m }
}

// AmbientAutoNAT owns the node's reachability state. Observations move
// a confidence counter in [0, maxConfidence] by at most one per probe,
// except that a switch to Public resets it to zero; state changes
// publish EvtLocalReachabilityChanged.
type AmbientAutoNAT struct {
	host   host.Host
	client *Client
	clock  clock.Clock

	bootDelay       time.Duration
	retryInterval   time.Duration
	refreshInterval time.Duration

	peerSource func() []peer.ID
	metrics    *metrics.Metrics // nil-safe

	mu           sync.Mutex
	reachability network.Reachability
	confidence   int

	emitter event.Emitter

	forceProbe chan struct{}
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// New creates (but does not start) the ambient orchestrator.
func New(h host.Host, opts ...Option) (*AmbientAutoNAT, error) {
	ctx, cancel := context.WithCancel(context.Background())
	a := &AmbientAutoNAT{
		host:            h,
		client:          NewClient(h),
		clock:           clock.New(),
		bootDelay:       defaultBootDelay,
		retryInterval:   defaultRetryInterval,
		refreshInterval: defaultRefreshInterval,
		reachability:    network.ReachabilityUnknown,
		forceProbe:      make(chan struct{}, 1),
		ctx:             ctx,
		cancel:          cancel,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.peerSource == nil {
		a.peerSource = a.defaultPeerSource
	}

	em, err := h.EventBus().Emitter(&event.EvtLocalReachabilityChanged{})
	if err != nil {
		cancel()
		return nil, err
	}
	a.emitter = em
	return a, nil
}

// Start begins the probe schedule.
func (a *AmbientAutoNAT) Start() {
	a.wg.Add(1)
	go a.background()
}

// Close stops probing.
func (a *AmbientAutoNAT) Close() error {
	a.cancel()
	a.wg.Wait()
	return a.emitter.Close()
}

// Reachability returns the current state.
func (a *AmbientAutoNAT) Reachability() network.Reachability {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reachability
}

// Confidence returns the current confidence in [0, 3].
func (a *AmbientAutoNAT) Confidence() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.confidence
}

// ForceProbe schedules a near-immediate probe, e.g. on discovering a
// peer that serves autonat.
func (a *AmbientAutoNAT) ForceProbe() {
	select {
	case a.forceProbe <- struct{}{}:
	default:
	}
}

// OnAddressChange reacts to a local address change: full confidence is
// no longer warranted.
func (a *AmbientAutoNAT) OnAddressChange() {
	a.mu.Lock()
	if a.confidence == maxConfidence {
		a.confidence--
	}
	a.mu.Unlock()
	a.ForceProbe()
}

func (a *AmbientAutoNAT) background() {
	defer a.wg.Done()

	bootTimer := a.clock.Timer(a.bootDelay)
	defer bootTimer.Stop()
	select {
	case <-bootTimer.C:
	case <-a.forceProbe:
	case <-a.ctx.Done():
		return
	}

	for {
		a.probe()

		timer := a.clock.Timer(a.nextProbeDelay())
		select {
		case <-timer.C:
		case <-a.forceProbe:
			timer.Stop()
			// Let a just-connected autonat server settle.
			forced := a.clock.Timer(forcedProbeDelay)
			select {
			case <-forced.C:
			case <-a.ctx.Done():
				forced.Stop()
				return
			}
		case <-a.ctx.Done():
			timer.Stop()
			return
		}
	}
}

func (a *AmbientAutoNAT) nextProbeDelay() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.reachability == network.ReachabilityPublic && a.confidence == maxConfidence {
		return a.refreshInterval
	}
	return a.retryInterval
}

// probe runs one reachability observation against a candidate server.
func (a *AmbientAutoNAT) probe() {
	servers := a.peerSource()
	if len(servers) == 0 {
		a.Record(network.ReachabilityUnknown)
		return
	}

	addrs := a.candidateAddrs()
	if len(addrs) == 0 {
		a.Record(network.ReachabilityUnknown)
		return
	}

	for _, server := range servers {
		outcomes, err := a.client.Probe(a.ctx, server, addrs)
		if err != nil {
			slog.Debug("autonat probe failed", "server", server.ShortString(), "err", err)
			continue
		}
		obs := network.ReachabilityPrivate
		refusedOnly := true
		for _, o := range outcomes {
			switch o {
			case OutcomeOK:
				obs = network.ReachabilityPublic
				refusedOnly = false
			case OutcomeDialError:
				refusedOnly = false
			}
		}
		if obs != network.ReachabilityPublic && refusedOnly {
			obs = network.ReachabilityUnknown
		}
		a.metrics.AutoNATProbe(obs.String())
		a.Record(obs)
		return
	}
	a.Record(network.ReachabilityUnknown)
}

// Record feeds one observation into the confidence state machine.
//
// Public: an immediate switch when the state differs (confidence resets
// to zero), an increment otherwise. Private: increments in state,
// decrements confidence in a conflicting state, switching only once
// confidence is spent. Unknown: decrements, switching to Unknown only
// at zero confidence.
func (a *AmbientAutoNAT) Record(obs network.Reachability) {
	a.mu.Lock()
	prev := a.reachability
	changed := false

	switch obs {
	case network.ReachabilityPublic:
		if prev != network.ReachabilityPublic {
			a.reachability = network.ReachabilityPublic
			a.confidence = 0
			changed = true
		} else if a.confidence < maxConfidence {
			a.confidence++
		}
	case network.ReachabilityPrivate:
		if prev == network.ReachabilityPrivate {
			if a.confidence < maxConfidence {
				a.confidence++
			}
		} else if a.confidence > 0 {
			a.confidence--
		} else {
			a.reachability = network.ReachabilityPrivate
			changed = true
		}
	default:
		if a.confidence > 0 {
			a.confidence--
		} else if prev != network.ReachabilityUnknown {
			a.reachability = network.ReachabilityUnknown
			changed = true
		}
	}
	state := a.reachability
	confidence := a.confidence
	a.mu.Unlock()

	if changed {
		a.metrics.SetReachability(state.String())
		slog.Info("reachability changed", "state", state.String(), "confidence", confidence)
		_ = a.emitter.Emit(event.EvtLocalReachabilityChanged{Reachability: state})
	}
}

// candidateAddrs is what we ask servers to dial: interface listen
// addresses, skipping circuit ones.
func (a *AmbientAutoNAT) candidateAddrs() []ma.Multiaddr {
	var out []ma.Multiaddr
	ifaceAddrs, err := a.host.Network().InterfaceListenAddresses()
	if err != nil {
		ifaceAddrs = a.host.Network().ListenAddresses()
	}
	for _, addr := range ifaceAddrs {
		if _, err := addr.ValueForProtocol(ma.P_CIRCUIT); err == nil {
			continue
		}
		out = append(out, addr)
	}
	return out
}

// defaultPeerSource picks connected peers advertising the autonat
// protocol.
func (a *AmbientAutoNAT) defaultPeerSource() []peer.ID {
	var out []peer.ID
	for _, p := range a.host.Network().Peers() {
		if proto, err := a.host.Peerstore().FirstSupportedProtocol(p, protocol.AutoNATDialRequest); err == nil && proto != "" {
			out = append(out, p)
		}
	}
	return out
}
