package upgrade

import (
	"context"
	"crypto/rand"
	"io"
	"net"
	"testing"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/shurlinet/peernet/core/crypto"
	"github.com/shurlinet/peernet/core/mux"
	"github.com/shurlinet/peernet/core/network"
	"github.com/shurlinet/peernet/core/peer"
	"github.com/shurlinet/peernet/core/sec"
	"github.com/shurlinet/peernet/core/transport"
	"github.com/shurlinet/peernet/p2p/muxer/yamux"
	"github.com/shurlinet/peernet/p2p/security/noise"
)

type fakePipe struct {
	net.Conn
	local, remote ma.Multiaddr
}

func (p *fakePipe) LocalMultiaddr() ma.Multiaddr  { return p.local }
func (p *fakePipe) RemoteMultiaddr() ma.Multiaddr { return p.remote }

func pipePair(t *testing.T) (transport.ConnPipe, transport.ConnPipe) {
	t.Helper()
	a, err := ma.NewMultiaddr("/ip4/127.0.0.1/tcp/1111")
	if err != nil {
		t.Fatal(err)
	}
	b, err := ma.NewMultiaddr("/ip4/127.0.0.1/tcp/2222")
	if err != nil {
		t.Fatal(err)
	}
	c1, c2 := net.Pipe()
	return &fakePipe{Conn: c1, local: a, remote: b}, &fakePipe{Conn: c2, local: b, remote: a}
}

func newUpgrader(t *testing.T) (*Upgrader, peer.ID) {
	t.Helper()
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	id, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	noiseTpt, err := noise.New(priv)
	if err != nil {
		t.Fatal(err)
	}
	u, err := New([]sec.SecureTransport{noiseTpt}, []mux.Multiplexer{yamux.DefaultTransport}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	return u, id
}

func TestUpgradeBothRoles(t *testing.T) {
	uOut, outID := newUpgrader(t)
	uIn, inID := newUpgrader(t)

	pOut, pIn := pipePair(t)

	type result struct {
		conn transport.CapableConn
		err  error
	}
	outCh := make(chan result, 1)
	inCh := make(chan result, 1)

	go func() {
		conn, err := uOut.Upgrade(context.Background(), nil, pOut, network.DirOutbound, inID, nullScope{})
		outCh <- result{conn, err}
	}()
	go func() {
		conn, err := uIn.Upgrade(context.Background(), nil, pIn, network.DirInbound, "", nullScope{})
		inCh <- result{conn, err}
	}()

	out := <-outCh
	in := <-inCh
	if out.err != nil || in.err != nil {
		t.Fatalf("upgrade failed: out=%v in=%v", out.err, in.err)
	}
	defer out.conn.Close()
	defer in.conn.Close()

	if out.conn.RemotePeer() != inID {
		t.Errorf("outbound remote = %s, want %s", out.conn.RemotePeer(), inID)
	}
	if in.conn.RemotePeer() != outID {
		t.Errorf("inbound remote = %s, want %s", in.conn.RemotePeer(), outID)
	}

	state := out.conn.State()
	if state.Security != string(noise.ID) {
		t.Errorf("security = %q", state.Security)
	}
	if state.StreamMultiplexer != string(yamux.ID) {
		t.Errorf("muxer = %q", state.StreamMultiplexer)
	}

	// A stream through the upgraded connection carries data.
	done := make(chan error, 1)
	go func() {
		s, err := in.conn.AcceptStream()
		if err != nil {
			done <- err
			return
		}
		buf := make([]byte, 4)
		if _, err := io.ReadFull(s, buf); err != nil {
			done <- err
			return
		}
		_, err = s.Write(buf)
		done <- err
	}()

	s, err := out.conn.OpenStream(context.Background())
	if err != nil {
		t.Fatal(err)
	}
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
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func TestUpgradeWrongPeerFails(t *testing.T) {
	uOut, _ := newUpgrader(t)
	uIn, _ := newUpgrader(t)
	_, wrongID := newUpgrader(t)

	pOut, pIn := pipePair(t)

	outCh := make(chan error, 1)
	go func() {
		_, err := uOut.Upgrade(context.Background(), nil, pOut, network.DirOutbound, wrongID, nullScope{})
		outCh <- err
	}()
	go func() {
		_, _ = uIn.Upgrade(context.Background(), nil, pIn, network.DirInbound, "", nullScope{})
	}()

	if err := <-outCh; err == nil {
		t.Fatal("upgrade to wrong peer id succeeded")
	}
}

// nullScope satisfies the scope interface for tests.
type nullScope struct{}

func (nullScope) ReserveMemory(int, uint8) error { return nil }
func (nullScope) ReleaseMemory(int)              {}
func (nullScope) SetPeer(peer.ID) error          { return nil }
func (nullScope) Done()                          {}
