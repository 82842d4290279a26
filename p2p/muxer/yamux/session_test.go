package yamux

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"testing"
	"time"
)

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.EnableKeepAlive = false
	return cfg
}

func sessionPair(t *testing.T) (*Session, *Session) {
	t.Helper()
	c1, c2 := net.Pipe()
	client, err := NewSession(c1, testConfig(), true)
	if err != nil {
		t.Fatal(err)
	}
	server, err := NewSession(c2, testConfig(), false)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return client, server
}

func TestOpenAcceptEcho(t *testing.T) {
	client, server := sessionPair(t)

	done := make(chan error, 1)
	go func() {
		s, err := server.AcceptStream()
		if err != nil {
			done <- err
			return
		}
		buf := make([]byte, 5)
		if _, err := io.ReadFull(s, buf); err != nil {
			done <- err
			return
		}
		if _, err := s.Write(buf); err != nil {
			done <- err
			return
		}
		done <- s.Close()
	}()

	s, err := client.OpenStream(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Write([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	echo := make([]byte, 5)
	if _, err := io.ReadFull(s, echo); err != nil {
		t.Fatal(err)
	}
	if string(echo) != "hello" {
		t.Errorf("echo = %q", echo)
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func TestStreamIDParity(t *testing.T) {
	client, server := sessionPair(t)

	cs, err := client.OpenStream(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if cs.StreamID()%2 != 1 {
		t.Errorf("client stream id %d is not odd", cs.StreamID())
	}

	go func() { _, _ = server.AcceptStream() }()

	ss, err := server.OpenStream(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if ss.StreamID()%2 != 0 {
		t.Errorf("server stream id %d is not even", ss.StreamID())
	}

	cs2, err := client.OpenStream(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if cs2.StreamID() <= cs.StreamID() {
		t.Errorf("stream ids not increasing: %d then %d", cs.StreamID(), cs2.StreamID())
	}
}

func TestHalfCloseDeliversEOF(t *testing.T) {
	client, server := sessionPair(t)

	go func() {
		s, err := server.AcceptStream()
		if err != nil {
			return
		}
		// Drain to EOF, then answer and close.
		data, err := io.ReadAll(s)
		if err != nil {
			_ = s.Reset()
			return
		}
		_, _ = s.Write(data)
		_ = s.Close()
	}()

	s, err := client.OpenStream(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Write([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	if err := s.CloseWrite(); err != nil {
		t.Fatal(err)
	}

	// Reads continue after our half-close.
	data, err := io.ReadAll(s)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "ping" {
		t.Errorf("data = %q", data)
	}

	// Writes after half-close fail.
	if _, err := s.Write([]byte("more")); !errors.Is(err, ErrStreamClosed) {
		t.Errorf("write after CloseWrite: err = %v, want ErrStreamClosed", err)
	}
}

func TestResetVisibleOnBothSides(t *testing.T) {
	client, server := sessionPair(t)

	accepted := make(chan *Stream, 1)
	go func() {
		s, err := server.AcceptStream()
		if err != nil {
			return
		}
		accepted <- s
	}()

	s, err := client.OpenStream(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	// Kick the remote so Accept fires.
	if _, err := s.Write([]byte("x")); err != nil {
		t.Fatal(err)
	}
	remote := <-accepted

	if err := s.Reset(); err != nil {
		t.Fatal(err)
	}

	// Local side observes the reset, not EOF.
	if _, err := s.Read(make([]byte, 1)); !errors.Is(err, ErrStreamReset) {
		t.Errorf("local read after reset: %v, want ErrStreamReset", err)
	}

	// Remote observes it too once the RST frame lands.
	remote.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 8)
	_, _ = remote.Read(buf) // may deliver the buffered byte first
	if _, err := remote.Read(buf); !errors.Is(err, ErrStreamReset) {
		t.Errorf("remote read after reset: %v, want ErrStreamReset", err)
	}
}

func TestLargeTransferAcrossWindow(t *testing.T) {
	client, server := sessionPair(t)

	// Four times the initial window forces window updates.
	payload := make([]byte, 4*initialStreamWindow)
	if _, err := rand.Read(payload); err != nil {
		t.Fatal(err)
	}

	recvErr := make(chan error, 1)
	received := make(chan []byte, 1)
	go func() {
		s, err := server.AcceptStream()
		if err != nil {
			recvErr <- err
			return
		}
		data, err := io.ReadAll(s)
		if err != nil {
			recvErr <- err
			return
		}
		received <- data
		recvErr <- nil
	}()

	s, err := client.OpenStream(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Write(payload); err != nil {
		t.Fatal(err)
	}
	if err := s.CloseWrite(); err != nil {
		t.Fatal(err)
	}

	if err := <-recvErr; err != nil {
		t.Fatal(err)
	}
	data := <-received
	if !bytes.Equal(data, payload) {
		t.Fatalf("transfer corrupted: got %d bytes, want %d", len(data), len(payload))
	}
}

func TestStreamLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentStreams = 2

	c1, c2 := net.Pipe()
	client, err := NewSession(c1, cfg, true)
	if err != nil {
		t.Fatal(err)
	}
	server, err := NewSession(c2, testConfig(), false)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	defer server.Close()

	for i := 0; i < 2; i++ {
		if _, err := client.OpenStream(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := client.OpenStream(context.Background()); !errors.Is(err, ErrStreamLimitExceeded) {
		t.Errorf("err = %v, want ErrStreamLimitExceeded", err)
	}
}

func TestSessionCloseResetsStreams(t *testing.T) {
	client, server := sessionPair(t)

	s, err := client.OpenStream(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	_ = server // remote end not needed

	if err := client.Close(); err != nil {
		t.Fatal(err)
	}
	if !client.IsClosed() {
		t.Error("session not closed")
	}
	if _, err := s.Read(make([]byte, 1)); err == nil {
		t.Error("read on stream of closed session succeeded")
	}
	if _, err := client.OpenStream(context.Background()); err == nil {
		t.Error("open on closed session succeeded")
	}
}

func TestPingRoundTrip(t *testing.T) {
	client, _ := sessionPair(t)
	rtt, err := client.Ping()
	if err != nil {
		t.Fatal(err)
	}
	if rtt < 0 {
		t.Errorf("negative rtt %v", rtt)
	}
}
