package peernet

import (
	"context"
	"testing"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/goleak"

	"github.com/shurlinet/peernet/core/host"
	"github.com/shurlinet/peernet/core/network"
	"github.com/shurlinet/peernet/core/peer"
	"github.com/shurlinet/peernet/core/peerstore"
	"github.com/shurlinet/peernet/p2p/protocol/circuitv2/relay"
	"github.com/shurlinet/peernet/p2p/protocol/ping"
)

func newNode(t *testing.T, opts ...Option) host.Host {
	t.Helper()
	opts = append([]Option{ListenAddrStrings("/ip4/127.0.0.1/tcp/0")}, opts...)
	h, err := New(opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func addrInfo(h host.Host) peer.AddrInfo {
	return peer.AddrInfo{ID: h.ID(), Addrs: h.Network().ListenAddresses()}
}

func waitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func pingOnce(t *testing.T, from host.Host, to peer.ID) time.Duration {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res := <-ping.Ping(ctx, from, to)
	if res.Error != nil {
		t.Fatalf("ping failed: %v", res.Error)
	}
	return res.RTT
}

func TestDirectConnectAndPing(t *testing.T) {
	a := newNode(t)
	b := newNode(t)

	if err := b.Connect(context.Background(), addrInfo(a)); err != nil {
		t.Fatal(err)
	}

	rtt := pingOnce(t, b, a.ID())
	if rtt <= 0 || rtt > 100*time.Millisecond {
		t.Errorf("loopback rtt = %v", rtt)
	}

	waitFor(t, 2*time.Second, "both sides list each other once", func() bool {
		return len(a.Network().ConnsToPeer(b.ID())) == 1 &&
			len(b.Network().ConnsToPeer(a.ID())) == 1
	})
	if peers := a.Network().Peers(); len(peers) != 1 || peers[0] != b.ID() {
		t.Errorf("a peers = %v", peers)
	}
	if peers := b.Network().Peers(); len(peers) != 1 || peers[0] != a.ID() {
		t.Errorf("b peers = %v", peers)
	}
}

func TestIdentifyPopulatesPeerstore(t *testing.T) {
	a := newNode(t)
	b := newNode(t)

	if err := b.Connect(context.Background(), addrInfo(a)); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 5*time.Second, "identify to record protocols", func() bool {
		protos, _ := b.Peerstore().GetProtocols(a.ID())
		return len(protos) > 0
	})
	first, err := b.Peerstore().FirstSupportedProtocol(a.ID(), ping.ID)
	if err != nil || first != ping.ID {
		t.Errorf("ping protocol not recorded: %v %v", first, err)
	}
	if b.Peerstore().PubKey(a.ID()) == nil {
		t.Error("peer key not recorded")
	}
}

func relayNode(t *testing.T) (host.Host, *relay.Relay) {
	t.Helper()
	r := newNode(t)
	svc, err := relay.New(r)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = svc.Close() })
	return r, svc
}

// circuitAddr builds /<relay addr>/p2p/<relay>/p2p-circuit/p2p/<dst>.
func circuitAddr(t *testing.T, r host.Host, dst peer.ID) ma.Multiaddr {
	t.Helper()
	base := r.Network().ListenAddresses()[0]
	a, err := ma.NewMultiaddr(base.String() + "/p2p/" + r.ID().String() + "/p2p-circuit/p2p/" + dst.String())
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestRelayReservationAndCrossDial(t *testing.T) {
	r, svc := relayNode(t)

	a := newNode(t,
		EnableRelay(addrInfo(r)),
		ForceReachability(network.ReachabilityPrivate),
	)

	waitFor(t, 10*time.Second, "a to hold a reservation", func() bool {
		return svc.HasReservation(a.ID())
	})
	waitFor(t, 5*time.Second, "a to advertise circuit addrs", func() bool {
		for _, addr := range a.Addrs() {
			if _, err := addr.ValueForProtocol(ma.P_CIRCUIT); err == nil {
				return true
			}
		}
		return false
	})

	b := newNode(t, EnableRelay())
	target := peer.AddrInfo{ID: a.ID(), Addrs: []ma.Multiaddr{circuitAddr(t, r, a.ID())}}
	if err := b.Connect(context.Background(), target); err != nil {
		t.Fatal(err)
	}

	// Both directions work over the same relayed connection.
	pingOnce(t, b, a.ID())
	pingOnce(t, a, b.ID())

	if got := svc.ActiveSessions(); got != 1 {
		t.Errorf("relay sessions = %d, want 1", got)
	}
}

func TestCircuitAddrDedup(t *testing.T) {
	// The relay listens on several loopback variants so every circuit
	// address is genuinely dialable.
	r := newNode(t, ListenAddrStrings("/ip4/127.0.0.2/tcp/0", "/ip4/127.0.0.3/tcp/0"))
	svc, err := relay.New(r)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = svc.Close() })

	a := newNode(t,
		EnableRelay(addrInfo(r)),
		ForceReachability(network.ReachabilityPrivate),
	)
	waitFor(t, 10*time.Second, "a to hold a reservation", func() bool {
		return svc.HasReservation(a.ID())
	})

	b := newNode(t, EnableRelay())

	// One circuit address per relay listen address, all with the same
	// relay → destination routing key: the dial must collapse them to
	// a single HOP request.
	var circuits []ma.Multiaddr
	for _, base := range r.Network().ListenAddresses() {
		c, err := ma.NewMultiaddr(base.String() + "/p2p/" + r.ID().String() + "/p2p-circuit/p2p/" + a.ID().String())
		if err != nil {
			t.Fatal(err)
		}
		circuits = append(circuits, c)
	}
	if len(circuits) < 3 {
		t.Fatalf("expected 3 circuit variants, got %d", len(circuits))
	}
	b.Peerstore().AddAddrs(a.ID(), circuits, peerstore.TempAddrTTL)

	if _, err := b.Network().DialPeer(context.Background(), a.ID()); err != nil {
		t.Fatal(err)
	}
	if got := svc.ActiveSessions(); got != 1 {
		t.Errorf("relay sessions = %d, want 1", got)
	}
}

func TestRelayedUpgradeToDirect(t *testing.T) {
	r, svc := relayNode(t)

	a := newNode(t,
		EnableRelay(addrInfo(r)),
		ForceReachability(network.ReachabilityPrivate),
		EnableHolePunching(),
	)
	waitFor(t, 10*time.Second, "a to hold a reservation", func() bool {
		return svc.HasReservation(a.ID())
	})

	b := newNode(t, EnableRelay(), EnableHolePunching())
	target := peer.AddrInfo{ID: a.ID(), Addrs: []ma.Multiaddr{circuitAddr(t, r, a.ID())}}
	if err := b.Connect(context.Background(), target); err != nil {
		t.Fatal(err)
	}

	// The inbound relayed connection triggers DCUtR on a; on loopback
	// the coordinated dial always lands, so a direct connection must
	// appear on both sides.
	hasDirect := func(h host.Host, p peer.ID) bool {
		for _, c := range h.Network().ConnsToPeer(p) {
			if !c.Stat().Limited {
				return true
			}
		}
		return false
	}
	waitFor(t, 20*time.Second, "direct connection via hole punch", func() bool {
		return hasDirect(a, b.ID()) && hasDirect(b, a.ID())
	})
}

func TestStartCloseLifecycle(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	h, err := New(ListenAddrStrings("/ip4/127.0.0.1/tcp/0"))
	if err != nil {
		t.Fatal(err)
	}
	// Start is idempotent.
	if err := h.Start(); err != nil {
		t.Fatal(err)
	}
	if err := h.Start(); err != nil {
		t.Fatal(err)
	}
	// Close is too.
	if err := h.Close(); err != nil {
		t.Fatal(err)
	}
	if err := h.Close(); err != nil {
		t.Fatal(err)
	}
}
