package noise

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"testing"

	"github.com/shurlinet/peernet/core/crypto"
	"github.com/shurlinet/peernet/core/peer"
	"github.com/shurlinet/peernet/core/sec"
)

func newTransport(t *testing.T) (*Transport, peer.ID) {
	t.Helper()
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tpt, err := New(priv)
	if err != nil {
		t.Fatal(err)
	}
	id, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	return tpt, id
}

func connect(t *testing.T, init *Transport, resp *Transport, respID, expectInit peer.ID) (sec.SecureConn, sec.SecureConn, error, error) {
	t.Helper()
	c1, c2 := net.Pipe()

	type result struct {
		conn sec.SecureConn
		err  error
	}
	initCh := make(chan result, 1)
	respCh := make(chan result, 1)

	go func() {
		conn, err := init.SecureOutbound(context.Background(), c1, respID)
		initCh <- result{conn, err}
	}()
	go func() {
		conn, err := resp.SecureInbound(context.Background(), c2, expectInit)
		respCh <- result{conn, err}
	}()

	ri := <-initCh
	rr := <-respCh
	return ri.conn, rr.conn, ri.err, rr.err
}

func TestHandshakeAndTransfer(t *testing.T) {
	initTpt, initID := newTransport(t)
	respTpt, respID := newTransport(t)

	ic, rc, ierr, rerr := connect(t, initTpt, respTpt, respID, "")
	if ierr != nil || rerr != nil {
		t.Fatalf("handshake failed: init=%v resp=%v", ierr, rerr)
	}
	defer ic.Close()
	defer rc.Close()

	if ic.RemotePeer() != respID {
		t.Errorf("initiator sees remote %s, want %s", ic.RemotePeer(), respID)
	}
	if rc.RemotePeer() != initID {
		t.Errorf("responder sees remote %s, want %s", rc.RemotePeer(), initID)
	}
	if !initID.MatchesPublicKey(rc.RemotePublicKey()) {
		t.Error("responder's view of the initiator key does not match")
	}

	// Both directions carry data.
	msg := []byte("secret payload")
	go func() { _, _ = ic.Write(msg) }()
	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(rc, buf); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, msg) {
		t.Errorf("received %q", buf)
	}

	go func() { _, _ = rc.Write(msg) }()
	if _, err := io.ReadFull(ic, buf); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, msg) {
		t.Errorf("received %q", buf)
	}
}

func TestLargeMessageChunking(t *testing.T) {
	initTpt, _ := newTransport(t)
	respTpt, respID := newTransport(t)

	ic, rc, ierr, rerr := connect(t, initTpt, respTpt, respID, "")
	if ierr != nil || rerr != nil {
		t.Fatalf("handshake failed: init=%v resp=%v", ierr, rerr)
	}
	defer ic.Close()
	defer rc.Close()

	// Larger than one noise frame: must be chunked transparently.
	payload := make([]byte, 3*maxPlaintextLen+17)
	if _, err := rand.Read(payload); err != nil {
		t.Fatal(err)
	}

	go func() { _, _ = ic.Write(payload) }()
	got := make([]byte, len(payload))
	if _, err := io.ReadFull(rc, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("large payload corrupted")
	}
}

func TestPeerIDMismatch(t *testing.T) {
	initTpt, _ := newTransport(t)
	respTpt, _ := newTransport(t)
	_, wrongID := newTransport(t)

	ic, rc, ierr, _ := connect(t, initTpt, respTpt, wrongID, "")
	if ic != nil {
		ic.Close()
	}
	if rc != nil {
		rc.Close()
	}
	if !errors.Is(ierr, sec.ErrPeerIDMismatch) {
		t.Errorf("initiator err = %v, want ErrPeerIDMismatch", ierr)
	}
}

func TestCiphertextTamperingIsFatal(t *testing.T) {
	initTpt, _ := newTransport(t)
	respTpt, respID := newTransport(t)

	c1, c2 := net.Pipe()

	type result struct {
		conn sec.SecureConn
		err  error
	}
	initCh := make(chan result, 1)
	go func() {
		conn, err := initTpt.SecureOutbound(context.Background(), c1, respID)
		initCh <- result{conn, err}
	}()
	rc, rerr := respTpt.SecureInbound(context.Background(), c2, "")
	ri := <-initCh
	if ri.err != nil || rerr != nil {
		t.Fatalf("handshake failed: init=%v resp=%v", ri.err, rerr)
	}
	defer ri.conn.Close()

	// Inject a frame of the right shape but the wrong ciphertext
	// straight onto the pipe, bypassing the session's cipher state.
	readErr := make(chan error, 1)
	go func() {
		_, err := rc.Read(make([]byte, 32))
		readErr <- err
	}()
	garbage := append([]byte{0x00, 0x20}, make([]byte, 0x20)...)
	if _, err := c1.Write(garbage); err != nil {
		t.Fatal(err)
	}

	if err := <-readErr; !errors.Is(err, ErrDecrypt) {
		t.Errorf("read err = %v, want ErrDecrypt", err)
	}
}
