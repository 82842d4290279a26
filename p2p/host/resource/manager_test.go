package resource

import (
	"crypto/rand"
	"errors"
	"testing"

	"github.com/shurlinet/peernet/core/crypto"
	"github.com/shurlinet/peernet/core/network"
	"github.com/shurlinet/peernet/core/peer"
)

func testPeer(t *testing.T) peer.ID {
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

func TestConnectionLimit(t *testing.T) {
	m := NewManager(Limits{MaxConns: 2})

	s1, err := m.OpenConnection(network.DirOutbound, true, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.OpenConnection(network.DirOutbound, true, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := m.OpenConnection(network.DirInbound, true, nil); !errors.Is(err, network.ErrResourceLimitExceeded) {
		t.Errorf("err = %v, want ErrResourceLimitExceeded", err)
	}

	// Releasing a slot frees capacity.
	s1.Done()
	if _, err := m.OpenConnection(network.DirOutbound, true, nil); err != nil {
		t.Errorf("reservation after release failed: %v", err)
	}
}

func TestPerPeerConnLimit(t *testing.T) {
	m := NewManager(Limits{MaxConns: 10, MaxConnsPerPeer: 1})
	p := testPeer(t)

	s1, err := m.OpenConnection(network.DirOutbound, true, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := s1.SetPeer(p); err != nil {
		t.Fatal(err)
	}

	s2, err := m.OpenConnection(network.DirOutbound, true, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := s2.SetPeer(p); !errors.Is(err, network.ErrResourceLimitExceeded) {
		t.Errorf("err = %v, want ErrResourceLimitExceeded", err)
	}
}

func TestStreamLimits(t *testing.T) {
	m := NewManager(Limits{MaxStreams: 2, MaxStreamsPerPeer: 1})
	p1 := testPeer(t)
	p2 := testPeer(t)

	if _, err := m.OpenStream(p1, network.DirOutbound); err != nil {
		t.Fatal(err)
	}
	if _, err := m.OpenStream(p1, network.DirOutbound); !errors.Is(err, network.ErrResourceLimitExceeded) {
		t.Errorf("per-peer stream limit: err = %v", err)
	}
	if _, err := m.OpenStream(p2, network.DirOutbound); err != nil {
		t.Fatal(err)
	}
	p3 := testPeer(t)
	if _, err := m.OpenStream(p3, network.DirOutbound); !errors.Is(err, network.ErrResourceLimitExceeded) {
		t.Errorf("global stream limit: err = %v", err)
	}
}

func TestMemoryAccounting(t *testing.T) {
	m := NewManager(Limits{MaxConns: 1, MaxMemory: 100})
	s, err := m.OpenConnection(network.DirOutbound, true, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.ReserveMemory(60, 0); err != nil {
		t.Fatal(err)
	}
	if err := s.ReserveMemory(60, 0); !errors.Is(err, network.ErrResourceLimitExceeded) {
		t.Errorf("over-reservation: err = %v", err)
	}
	s.ReleaseMemory(60)
	if err := s.ReserveMemory(60, 0); err != nil {
		t.Errorf("reservation after release: %v", err)
	}

	// Done releases everything still held.
	s.Done()
	_, _, mem := m.Stat()
	if mem != 0 {
		t.Errorf("memory after Done = %d, want 0", mem)
	}
}

func TestDoubleDoneIsSafe(t *testing.T) {
	m := NewManager(DefaultLimits())
	s, err := m.OpenConnection(network.DirOutbound, true, nil)
	if err != nil {
		t.Fatal(err)
	}
	s.Done()
	s.Done()
	conns, _, _ := m.Stat()
	if conns != 0 {
		t.Errorf("conns = %d after double Done", conns)
	}
}
