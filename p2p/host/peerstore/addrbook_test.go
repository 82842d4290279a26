package peerstore

import (
	"crypto/rand"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/shurlinet/peernet/core/crypto"
	"github.com/shurlinet/peernet/core/peer"
	pstore "github.com/shurlinet/peernet/core/peerstore"
	"github.com/shurlinet/peernet/core/record"
)

func newPeerID(t *testing.T) peer.ID {
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

func addr(t *testing.T, s string) ma.Multiaddr {
	t.Helper()
	a, err := ma.NewMultiaddr(s)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestAddAddrsExtendsTTL(t *testing.T) {
	mock := clock.NewMock()
	ps := NewPeerstore(WithClock(mock))
	defer ps.Close()

	p := newPeerID(t)
	a := addr(t, "/ip4/127.0.0.1/tcp/1234")

	ps.AddAddrs(p, []ma.Multiaddr{a}, time.Minute)
	// A shorter TTL must not shorten the entry.
	ps.AddAddrs(p, []ma.Multiaddr{a}, time.Second)

	mock.Add(30 * time.Second)
	if got := ps.Addrs(p); len(got) != 1 {
		t.Fatalf("addr dropped early: %v", got)
	}

	// A longer TTL extends.
	ps.AddAddrs(p, []ma.Multiaddr{a}, time.Hour)
	mock.Add(30 * time.Minute)
	if got := ps.Addrs(p); len(got) != 1 {
		t.Fatalf("extended addr dropped: %v", got)
	}
}

func TestSetAddrsReplacesTTL(t *testing.T) {
	mock := clock.NewMock()
	ps := NewPeerstore(WithClock(mock))
	defer ps.Close()

	p := newPeerID(t)
	a := addr(t, "/ip4/127.0.0.1/tcp/1234")

	ps.AddAddrs(p, []ma.Multiaddr{a}, time.Hour)
	ps.SetAddrs(p, []ma.Multiaddr{a}, time.Second)

	mock.Add(2 * time.Second)
	if got := ps.Addrs(p); len(got) != 0 {
		t.Fatalf("SetAddrs did not shorten TTL: %v", got)
	}
}

func TestClearAddrs(t *testing.T) {
	ps := NewPeerstore()
	defer ps.Close()

	p := newPeerID(t)
	ps.AddAddrs(p, []ma.Multiaddr{addr(t, "/ip4/10.0.0.1/tcp/1")}, time.Hour)
	ps.ClearAddrs(p)
	if got := ps.Addrs(p); len(got) != 0 {
		t.Fatalf("addrs after clear: %v", got)
	}
}

func TestGCRemovesExpired(t *testing.T) {
	mock := clock.NewMock()
	ps := NewPeerstore(WithClock(mock))
	defer ps.Close()

	p := newPeerID(t)
	ps.AddAddrs(p, []ma.Multiaddr{addr(t, "/ip4/10.0.0.1/tcp/1")}, time.Second)

	mock.Add(2 * time.Minute) // past TTL and past a gc tick
	if got := ps.Addrs(p); len(got) != 0 {
		t.Fatalf("expired addr still visible: %v", got)
	}
	for _, q := range ps.PeersWithAddrs() {
		if q == p {
			t.Error("peer still listed after expiry")
		}
	}
}

func TestMaxPeersEvictsOldestExpiring(t *testing.T) {
	mock := clock.NewMock()
	ps := NewPeerstore(WithClock(mock), WithMaxPeers(2))
	defer ps.Close()

	p1 := newPeerID(t)
	p2 := newPeerID(t)
	p3 := newPeerID(t)

	ps.AddAddrs(p1, []ma.Multiaddr{addr(t, "/ip4/10.0.0.1/tcp/1")}, time.Minute)
	ps.AddAddrs(p2, []ma.Multiaddr{addr(t, "/ip4/10.0.0.2/tcp/1")}, time.Hour)
	ps.AddAddrs(p3, []ma.Multiaddr{addr(t, "/ip4/10.0.0.3/tcp/1")}, time.Hour)

	// p1 expires soonest and must have been evicted.
	if got := ps.Addrs(p1); len(got) != 0 {
		t.Errorf("p1 not evicted: %v", got)
	}
	if got := ps.Addrs(p3); len(got) != 1 {
		t.Errorf("p3 dropped: %v", got)
	}
}

func TestConsumePeerRecord(t *testing.T) {
	ps := NewPeerstore()
	defer ps.Close()

	priv, pub, _ := crypto.GenerateEd25519Key(rand.Reader)
	id, _ := peer.IDFromPublicKey(pub)

	rec := record.NewPeerRecord()
	rec.PeerID = id
	rec.Addrs = []ma.Multiaddr{addr(t, "/ip4/192.0.2.7/tcp/4001")}
	env, err := record.Seal(rec, priv)
	if err != nil {
		t.Fatal(err)
	}

	accepted, err := ps.ConsumePeerRecord(env, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if !accepted {
		t.Fatal("fresh record not accepted")
	}
	if got := ps.Addrs(id); len(got) != 1 {
		t.Fatalf("record addrs not stored: %v", got)
	}
	if ps.GetPeerRecord(id) == nil {
		t.Fatal("signed record not retained")
	}

	t.Run("stale sequence rejected", func(t *testing.T) {
		stale := &record.PeerRecord{PeerID: id, Seq: rec.Seq - 1, Addrs: rec.Addrs}
		env2, err := record.Seal(stale, priv)
		if err != nil {
			t.Fatal(err)
		}
		accepted, err := ps.ConsumePeerRecord(env2, time.Hour)
		if err != nil {
			t.Fatal(err)
		}
		if accepted {
			t.Error("stale record accepted")
		}
	})

	t.Run("record dropped with addresses", func(t *testing.T) {
		ps.ClearAddrs(id)
		if ps.GetPeerRecord(id) != nil {
			t.Error("signed record survived address clear")
		}
	})
}

func TestProtoBook(t *testing.T) {
	ps := NewPeerstore()
	defer ps.Close()
	p := newPeerID(t)

	if err := ps.AddProtocols(p, "/a/1", "/b/1"); err != nil {
		t.Fatal(err)
	}
	got, _ := ps.GetProtocols(p)
	if len(got) != 2 {
		t.Fatalf("protocols = %v", got)
	}

	first, _ := ps.FirstSupportedProtocol(p, "/c/1", "/b/1", "/a/1")
	if first != "/b/1" {
		t.Errorf("first supported = %s, want /b/1", first)
	}

	if err := ps.SetProtocols(p, "/c/1"); err != nil {
		t.Fatal(err)
	}
	supported, _ := ps.SupportsProtocols(p, "/a/1", "/c/1")
	if len(supported) != 1 || supported[0] != "/c/1" {
		t.Errorf("supported = %v, want [/c/1]", supported)
	}
}

var _ pstore.Peerstore = (*peerstoreImpl)(nil)
