// Package peernet assembles a complete peer-to-peer node: TCP and
// circuit transports upgraded through Noise and yamux, a swarm with
// deduplicated ranked dialing, identify and ping, and the NAT traversal
// services (autonat, autorelay, hole punching).
package peernet

import (
	"context"
	"crypto/rand"
	"fmt"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/shurlinet/peernet/core/crypto"
	"github.com/shurlinet/peernet/core/event"
	"github.com/shurlinet/peernet/core/host"
	"github.com/shurlinet/peernet/core/mux"
	"github.com/shurlinet/peernet/core/network"
	"github.com/shurlinet/peernet/core/peer"
	"github.com/shurlinet/peernet/core/sec"
	"github.com/shurlinet/peernet/p2p/host/autonat"
	"github.com/shurlinet/peernet/p2p/host/autorelay"
	"github.com/shurlinet/peernet/p2p/host/basic"
	pstoremem "github.com/shurlinet/peernet/p2p/host/peerstore"
	"github.com/shurlinet/peernet/p2p/host/resource"
	"github.com/shurlinet/peernet/p2p/muxer/yamux"
	"github.com/shurlinet/peernet/p2p/net/swarm"
	"github.com/shurlinet/peernet/p2p/net/upgrade"
	"github.com/shurlinet/peernet/p2p/protocol/circuitv2/client"
	"github.com/shurlinet/peernet/p2p/protocol/circuitv2/relay"
	"github.com/shurlinet/peernet/p2p/protocol/holepunch"
	"github.com/shurlinet/peernet/p2p/security/noise"
	"github.com/shurlinet/peernet/p2p/transport/tcp"
)

// New assembles and starts a node.
func New(opts ...Option) (host.Host, error) {
	var cfg nodeConfig
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	if cfg.privKey == nil {
		sk, _, err := crypto.GenerateEd25519Key(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generating identity: %w", err)
		}
		cfg.privKey = sk
	}
	pid, err := peer.IDFromPrivateKey(cfg.privKey)
	if err != nil {
		return nil, err
	}

	ps := cfg.peerstore
	if ps == nil {
		ps = pstoremem.NewPeerstore()
	}
	if err := ps.AddPrivKey(pid, cfg.privKey); err != nil {
		return nil, err
	}
	if err := ps.AddPubKey(pid, cfg.privKey.GetPublic()); err != nil {
		return nil, err
	}

	rcmgr := cfg.rcmgr
	if rcmgr == nil {
		rcmgr = resource.NewManager(resource.DefaultLimits())
	}

	noiseTpt, err := noise.New(cfg.privKey)
	if err != nil {
		return nil, err
	}
	upgrader, err := upgrade.New(
		[]sec.SecureTransport{noiseTpt},
		[]mux.Multiplexer{yamux.DefaultTransport},
		cfg.gater,
		rcmgr,
	)
	if err != nil {
		return nil, err
	}

	sw, err := swarm.NewSwarm(pid, ps,
		swarm.WithConnectionGater(cfg.gater),
		swarm.WithResourceManager(rcmgr),
		swarm.WithMetrics(cfg.metrics),
	)
	if err != nil {
		return nil, err
	}
	if err := sw.AddTransport(tcp.NewTCPTransport(upgrader)); err != nil {
		return nil, err
	}

	listenAddrs := cfg.listenAddrs
	if cfg.enableRelay {
		circuitListen, err := ma.NewMultiaddr("/p2p-circuit")
		if err != nil {
			return nil, err
		}
		listenAddrs = append(listenAddrs, circuitListen)
	}

	h, err := basic.NewHost(sw, &basic.HostOpts{
		ListenAddrs: listenAddrs,
		UserAgent:   cfg.userAgent,
		Metrics:     cfg.metrics,
	})
	if err != nil {
		_ = sw.Close()
		return nil, err
	}
	if cfg.peerstore == nil {
		// We own the default peerstore; tie its GC task to the host.
		h.AddService(ps)
	}

	if cfg.enableRelay {
		circuit, err := client.New(h, upgrader)
		if err != nil {
			_ = h.Close()
			return nil, err
		}
		if err := sw.AddTransport(circuit); err != nil {
			_ = h.Close()
			return nil, err
		}
		circuit.Start()
		h.AddService(circuit)

		ar, err := autorelay.New(h, autorelay.WithStaticRelays(cfg.staticRelays))
		if err != nil {
			_ = h.Close()
			return nil, err
		}
		h.SetRelayAddrsSource(ar.RelayAddrs)
		if err := ar.Start(); err != nil {
			_ = h.Close()
			return nil, err
		}
		h.AddService(ar)
	}

	if cfg.relayService {
		relayOpts := []relay.Option{relay.WithMetrics(cfg.metrics)}
		if cfg.relayResources != nil {
			relayOpts = append(relayOpts, relay.WithResources(*cfg.relayResources))
		}
		rs, err := relay.New(h, relayOpts...)
		if err != nil {
			_ = h.Close()
			return nil, err
		}
		h.AddService(rs)
	}

	if cfg.autoNATService {
		svc := autonat.NewService(h, dialBackFunc(sw))
		h.AddService(svc)
	}

	var ambient *autonat.AmbientAutoNAT
	if cfg.enableAutoNAT && cfg.forceReachability == nil {
		ambient, err = autonat.New(h, autonat.WithMetrics(cfg.metrics))
		if err != nil {
			_ = h.Close()
			return nil, err
		}
		h.AddService(ambient)
	}

	if cfg.enableHolePunching {
		hp, err := holepunch.NewService(h, holepunch.WithMetrics(cfg.metrics))
		if err != nil {
			_ = h.Close()
			return nil, err
		}
		h.AddService(hp)
	}

	if err := h.Start(); err != nil {
		return nil, err
	}
	if ambient != nil {
		ambient.Start()
	}
	if cfg.forceReachability != nil {
		if err := emitReachability(h, *cfg.forceReachability); err != nil {
			_ = h.Close()
			return nil, err
		}
	}
	return h, nil
}

// dialBackFunc builds the autonat service's dial-back: a fresh
// transport-level connection attempt, never reusing existing
// connections.
func dialBackFunc(sw *swarm.Swarm) autonat.DialBackFunc {
	return func(ctx context.Context, p peer.ID, addr ma.Multiaddr) error {
		t := sw.TransportForDialing(addr)
		if t == nil {
			return fmt.Errorf("no transport for %s", addr)
		}
		c, err := t.Dial(ctx, addr, p)
		if err != nil {
			return err
		}
		return c.Close()
	}
}

// emitReachability publishes a pinned reachability state.
func emitReachability(h host.Host, r network.Reachability) error {
	em, err := h.EventBus().Emitter(&event.EvtLocalReachabilityChanged{})
	if err != nil {
		return err
	}
	defer em.Close()
	return em.Emit(event.EvtLocalReachabilityChanged{Reachability: r})
}
