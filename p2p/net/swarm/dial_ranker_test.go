package swarm

import (
	"crypto/rand"
	"fmt"
	"testing"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"pgregory.net/rapid"

	"github.com/shurlinet/peernet/core/crypto"
	"github.com/shurlinet/peernet/core/peer"
)

func mustAddr(t *testing.T, s string) ma.Multiaddr {
	t.Helper()
	a, err := ma.NewMultiaddr(s)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func freshPeerID(t *testing.T) peer.ID {
	t.Helper()
	_, pub, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	id, err := peer.IDFromPublicKey(pub)
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestClassifyAddr(t *testing.T) {
	relayID := freshPeerID(t).String()
	destID := freshPeerID(t).String()

	cases := []struct {
		addr string
		want addrClass
	}{
		{"/ip4/1.2.3.4/tcp/443", classIP4Public},
		{"/ip4/192.168.1.5/tcp/80", classIP4Private},
		{"/ip4/127.0.0.1/tcp/80", classIP4Private},
		{"/ip6/2001:db8::1/tcp/443", classIP6Public},
		{"/ip6/fe80::1/tcp/443", classIP6LinkLocal},
		{"/dns4/example.com/tcp/443", classIP4Public},
		{"/ip4/1.2.3.4/tcp/443/p2p/" + relayID + "/p2p-circuit", classRelaySpecific},
		{"/p2p-circuit/p2p/" + destID, classRelayGeneric},
	}
	for _, tc := range cases {
		t.Run(tc.addr, func(t *testing.T) {
			if got := classifyAddr(mustAddr(t, tc.addr)); got != tc.want {
				t.Errorf("classifyAddr(%s) = %d, want %d", tc.addr, got, tc.want)
			}
		})
	}
}

func TestRouteKeyDedup(t *testing.T) {
	relayID := freshPeerID(t).String()
	dst := freshPeerID(t)

	// Three IP variants of the same relay must collapse to one attempt.
	addrs := []ma.Multiaddr{
		mustAddr(t, "/ip4/1.2.3.4/tcp/4001/p2p/"+relayID+"/p2p-circuit"),
		mustAddr(t, "/ip4/5.6.7.8/tcp/4001/p2p/"+relayID+"/p2p-circuit"),
		mustAddr(t, "/ip6/2001:db8::9/tcp/4001/p2p/"+relayID+"/p2p-circuit"),
	}
	out := dedupAddrs(addrs, dst)
	if len(out) != 1 {
		t.Fatalf("dedup kept %d circuit addrs, want 1", len(out))
	}
	if !out[0].Equal(mustAddr(t, "/ip4/1.2.3.4/tcp/4001/p2p/"+relayID+"/p2p-circuit")) {
		t.Errorf("dedup kept %s, want first occurrence", out[0])
	}

	t.Run("different relays kept", func(t *testing.T) {
		otherRelay := freshPeerID(t).String()
		addrs := []ma.Multiaddr{
			mustAddr(t, "/ip4/1.2.3.4/tcp/4001/p2p/"+relayID+"/p2p-circuit"),
			mustAddr(t, "/ip4/1.2.3.4/tcp/4001/p2p/"+otherRelay+"/p2p-circuit"),
		}
		if out := dedupAddrs(addrs, dst); len(out) != 2 {
			t.Errorf("distinct relays collapsed: %v", out)
		}
	})
}

func TestIPv6PrefixDedup(t *testing.T) {
	dst := freshPeerID(t)
	addrs := []ma.Multiaddr{
		mustAddr(t, "/ip6/2001:db8:0:1::1/tcp/1"),
		mustAddr(t, "/ip6/2001:db8:0:1::2/tcp/1"), // same /64
		mustAddr(t, "/ip6/2001:db8:0:2::1/tcp/1"), // different /64
	}
	out := dedupAddrs(addrs, dst)
	if len(out) != 2 {
		t.Fatalf("dedup kept %d ip6 addrs, want 2: %v", len(out), out)
	}
}

func TestRankAddrsOrderAndDelays(t *testing.T) {
	relayID := freshPeerID(t).String()
	relayAddr := "/ip4/1.2.3.4/tcp/4001/p2p/" + relayID + "/p2p-circuit"

	addrs := []ma.Multiaddr{
		mustAddr(t, relayAddr),
		mustAddr(t, "/ip4/192.168.1.5/tcp/4001"),
		mustAddr(t, "/ip4/8.8.8.8/tcp/4001"),
		mustAddr(t, "/ip6/2001:db8::1/tcp/4001"),
	}
	sched := rankAddrs(addrs)
	if len(sched) != 4 {
		t.Fatalf("schedule has %d entries", len(sched))
	}

	// Order: ip6 public, ip4 public, ip4 private, relay.
	wantOrder := []string{
		"/ip6/2001:db8::1/tcp/4001",
		"/ip4/8.8.8.8/tcp/4001",
		"/ip4/192.168.1.5/tcp/4001",
		relayAddr,
	}
	for i, want := range wantOrder {
		if sched[i].addr.String() != want {
			t.Errorf("sched[%d] = %s, want %s", i, sched[i].addr, want)
		}
	}

	// Direct attempts staggered by 250ms; the relay waits 1s after the
	// last direct start.
	if sched[0].delay != 0 {
		t.Errorf("first direct delay = %v, want 0", sched[0].delay)
	}
	if sched[1].delay != directStagger {
		t.Errorf("second direct delay = %v, want %v", sched[1].delay, directStagger)
	}
	if sched[2].delay != 2*directStagger {
		t.Errorf("third direct delay = %v, want %v", sched[2].delay, 2*directStagger)
	}
	wantRelay := 2*directStagger + time.Second
	if sched[3].delay != wantRelay {
		t.Errorf("relay delay = %v, want %v", sched[3].delay, wantRelay)
	}

	t.Run("relay only", func(t *testing.T) {
		sched := rankAddrs([]ma.Multiaddr{mustAddr(t, relayAddr)})
		if len(sched) != 1 {
			t.Fatalf("schedule has %d entries", len(sched))
		}
		if sched[0].delay != 0 {
			t.Errorf("lone relay delay = %v, want 0", sched[0].delay)
		}
	})
}

func TestRelayPeerID(t *testing.T) {
	relayID := freshPeerID(t)
	destID := freshPeerID(t)

	a := mustAddr(t, "/ip4/1.2.3.4/tcp/4001/p2p/"+relayID.String()+"/p2p-circuit/p2p/"+destID.String())
	id, ok := relayPeerID(a)
	if !ok {
		t.Fatal("no relay id extracted")
	}
	if id != relayID {
		t.Errorf("relay id = %s, want %s", id, relayID)
	}

	if _, ok := relayPeerID(mustAddr(t, "/p2p-circuit/p2p/"+destID.String())); ok {
		t.Error("generic circuit addr yielded a relay id")
	}
}

func TestMultiaddrRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		octets := rapid.SliceOfN(rapid.IntRange(0, 255), 4, 4).Draw(t, "octets")
		port := rapid.IntRange(1, 65535).Draw(t, "port")
		s := fmt.Sprintf("/ip4/%d.%d.%d.%d/tcp/%d", octets[0], octets[1], octets[2], octets[3], port)

		a, err := ma.NewMultiaddr(s)
		if err != nil {
			t.Fatal(err)
		}
		// String round trip.
		b, err := ma.NewMultiaddr(a.String())
		if err != nil {
			t.Fatal(err)
		}
		if !a.Equal(b) {
			t.Fatalf("string round trip: %s != %s", a, b)
		}
		// Bytes round trip.
		c, err := ma.NewMultiaddrBytes(a.Bytes())
		if err != nil {
			t.Fatal(err)
		}
		if !a.Equal(c) {
			t.Fatalf("bytes round trip: %s != %s", a, c)
		}
	})
}
