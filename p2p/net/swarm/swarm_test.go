package swarm

import (
	"context"
	"crypto/rand"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/shurlinet/peernet/core/crypto"
	"github.com/shurlinet/peernet/core/mux"
	"github.com/shurlinet/peernet/core/network"
	"github.com/shurlinet/peernet/core/peer"
	"github.com/shurlinet/peernet/core/peerstore"
	"github.com/shurlinet/peernet/core/sec"
	pstoremem "github.com/shurlinet/peernet/p2p/host/peerstore"
	"github.com/shurlinet/peernet/p2p/muxer/yamux"
	"github.com/shurlinet/peernet/p2p/net/upgrade"
	"github.com/shurlinet/peernet/p2p/security/noise"
	"github.com/shurlinet/peernet/p2p/transport/tcp"
)

func newTestSwarm(t *testing.T) *Swarm {
	t.Helper()
	priv, pub, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	pid, err := peer.IDFromPublicKey(pub)
	if err != nil {
		t.Fatal(err)
	}

	ps := pstoremem.NewPeerstore()
	if err := ps.AddPrivKey(pid, priv); err != nil {
		t.Fatal(err)
	}

	noiseTpt, err := noise.New(priv)
	if err != nil {
		t.Fatal(err)
	}
	upgrader, err := upgrade.New([]sec.SecureTransport{noiseTpt}, []mux.Multiplexer{yamux.DefaultTransport}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	sw, err := NewSwarm(pid, ps)
	if err != nil {
		t.Fatal(err)
	}
	if err := sw.AddTransport(tcp.NewTCPTransport(upgrader)); err != nil {
		t.Fatal(err)
	}
	if err := sw.Listen(mustAddr(t, "/ip4/127.0.0.1/tcp/0")); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = sw.Close()
		_ = ps.Close()
	})
	return sw
}

// learn makes a aware of b's listen addresses.
func learn(a, b *Swarm) {
	a.Peerstore().AddAddrs(b.LocalPeer(), b.ListenAddresses(), peerstore.PermanentAddrTTL)
}

func TestDialAndAccept(t *testing.T) {
	a := newTestSwarm(t)
	b := newTestSwarm(t)
	learn(a, b)

	c, err := a.DialPeer(context.Background(), b.LocalPeer())
	if err != nil {
		t.Fatal(err)
	}
	if c.RemotePeer() != b.LocalPeer() {
		t.Errorf("remote = %s, want %s", c.RemotePeer(), b.LocalPeer())
	}
	if a.Connectedness(b.LocalPeer()) != network.Connected {
		t.Error("a not connected to b")
	}

	// b registers the inbound connection too.
	deadline := time.Now().Add(2 * time.Second)
	for b.Connectedness(a.LocalPeer()) != network.Connected {
		if time.Now().After(deadline) {
			t.Fatal("b never saw the connection")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if peers := a.Peers(); len(peers) != 1 || peers[0] != b.LocalPeer() {
		t.Errorf("a.Peers() = %v", peers)
	}
}

func TestDialDedup(t *testing.T) {
	a := newTestSwarm(t)
	b := newTestSwarm(t)
	learn(a, b)

	const n = 10
	var wg sync.WaitGroup
	conns := make([]network.Conn, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conns[i], errs[i] = a.DialPeer(context.Background(), b.LocalPeer())
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("dial %d failed: %v", i, errs[i])
		}
		if conns[i] != conns[0] {
			t.Errorf("dial %d returned a different connection", i)
		}
	}
	if got := len(a.ConnsToPeer(b.LocalPeer())); got != 1 {
		t.Errorf("a has %d conns to b, want 1", got)
	}
}

func TestDialReusesExistingConn(t *testing.T) {
	a := newTestSwarm(t)
	b := newTestSwarm(t)
	learn(a, b)

	c1, err := a.DialPeer(context.Background(), b.LocalPeer())
	if err != nil {
		t.Fatal(err)
	}
	c2, err := a.DialPeer(context.Background(), b.LocalPeer())
	if err != nil {
		t.Fatal(err)
	}
	if c1 != c2 {
		t.Error("second dial created a new connection")
	}
}

func TestBidirectionalReuse(t *testing.T) {
	a := newTestSwarm(t)
	b := newTestSwarm(t)
	learn(a, b)
	learn(b, a)

	if _, err := a.DialPeer(context.Background(), b.LocalPeer()); err != nil {
		t.Fatal(err)
	}
	// Wait until b indexed the inbound connection.
	deadline := time.Now().Add(2 * time.Second)
	for b.Connectedness(a.LocalPeer()) != network.Connected {
		if time.Now().After(deadline) {
			t.Fatal("b never saw the connection")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// A dial in the other direction reuses the existing connection.
	if _, err := b.DialPeer(context.Background(), a.LocalPeer()); err != nil {
		t.Fatal(err)
	}
	if got := len(a.ConnsToPeer(b.LocalPeer())); got != 1 {
		t.Errorf("a has %d conns, want 1", got)
	}
	if got := len(b.ConnsToPeer(a.LocalPeer())); got != 1 {
		t.Errorf("b has %d conns, want 1", got)
	}
}

func TestSimultaneousDialCollapses(t *testing.T) {
	a := newTestSwarm(t)
	b := newTestSwarm(t)
	learn(a, b)
	learn(b, a)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = a.DialPeer(context.Background(), b.LocalPeer())
	}()
	go func() {
		defer wg.Done()
		_, _ = b.DialPeer(context.Background(), a.LocalPeer())
	}()
	wg.Wait()

	// Duplicate connections collapse deterministically once both sides
	// observe them.
	deadline := time.Now().Add(3 * time.Second)
	for {
		na := len(a.ConnsToPeer(b.LocalPeer()))
		nb := len(b.ConnsToPeer(a.LocalPeer()))
		if na == 1 && nb == 1 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("connections did not collapse: a=%d b=%d", na, nb)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestStreamDispatch(t *testing.T) {
	a := newTestSwarm(t)
	b := newTestSwarm(t)
	learn(a, b)

	b.SetStreamHandler(func(s network.Stream) {
		defer s.Close()
		buf := make([]byte, 4)
		if _, err := io.ReadFull(s, buf); err != nil {
			_ = s.Reset()
			return
		}
		_, _ = s.Write(buf)
	})

	s, err := a.NewStream(context.Background(), b.LocalPeer())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if _, err := s.Write([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(s, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "ping" {
		t.Errorf("echo = %q", buf)
	}
}

func TestDialFailures(t *testing.T) {
	a := newTestSwarm(t)

	t.Run("dial to self", func(t *testing.T) {
		if _, err := a.DialPeer(context.Background(), a.LocalPeer()); !errors.Is(err, ErrDialToSelf) {
			t.Errorf("err = %v, want ErrDialToSelf", err)
		}
	})

	t.Run("no addresses", func(t *testing.T) {
		p := freshPeerID(t)
		if _, err := a.DialPeer(context.Background(), p); !errors.Is(err, network.ErrNoRemoteAddrs) {
			t.Errorf("err = %v, want ErrNoRemoteAddrs", err)
		}
	})

	t.Run("no dial hint without connection", func(t *testing.T) {
		p := freshPeerID(t)
		ctx := network.WithNoDial(context.Background(), "test")
		if _, err := a.DialPeer(ctx, p); !errors.Is(err, network.ErrNoConn) {
			t.Errorf("err = %v, want ErrNoConn", err)
		}
	})

	t.Run("unreachable address aggregates", func(t *testing.T) {
		p := freshPeerID(t)
		// TEST-NET-1 is never routable in CI.
		a.Peerstore().AddAddrs(p, []ma.Multiaddr{mustAddr(t, "/ip4/192.0.2.1/tcp/1")}, time.Minute)
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_, err := a.DialPeer(ctx, p)
		if err == nil {
			t.Fatal("dial to unroutable address succeeded")
		}
	})
}

func TestCancellationAbortsDial(t *testing.T) {
	a := newTestSwarm(t)
	p := freshPeerID(t)
	a.Peerstore().AddAddrs(p, []ma.Multiaddr{mustAddr(t, "/ip4/192.0.2.1/tcp/1")}, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	_, err := a.DialPeer(ctx, p)
	if err == nil {
		t.Fatal("canceled dial succeeded")
	}
	if time.Since(start) > 5*time.Second {
		t.Error("cancellation did not abort the dial promptly")
	}
}
