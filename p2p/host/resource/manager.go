// Package resource provides a counting resource manager with hard limits
// on connections, streams and reserved memory across the node, and on
// connections and streams per peer. Scopes do not nest: there is no
// transient scope, and memory is charged to the node-wide total only.
// A failed reservation surfaces as ErrResourceLimitExceeded.
package resource

import (
	"fmt"
	"sync"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/shurlinet/peernet/core/network"
	"github.com/shurlinet/peernet/core/peer"
)

// Limits bounds the system and per-peer scopes.
type Limits struct {
	MaxConns          int
	MaxStreams        int
	MaxMemory         int64
	MaxConnsPerPeer   int
	MaxStreamsPerPeer int
}

// DefaultLimits returns generous single-node defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxConns:          1024,
		MaxStreams:        4096,
		MaxMemory:         256 << 20,
		MaxConnsPerPeer:   8,
		MaxStreamsPerPeer: 256,
	}
}

// Manager implements network.ResourceManager with plain counters.
type Manager struct {
	limits Limits

	mu      sync.Mutex
	conns   int
	streams int
	memory  int64
	peers   map[peer.ID]*peerScope
	closed  bool
}

type peerScope struct {
	conns   int
	streams int
}

var _ network.ResourceManager = (*Manager)(nil)

// NewManager creates a resource manager with the given limits.
func NewManager(limits Limits) *Manager {
	return &Manager{
		limits: limits,
		peers:  make(map[peer.ID]*peerScope),
	}
}

// OpenConnection reserves a connection slot against the node-wide limit;
// the per-peer limit applies once SetPeer names the peer.
func (m *Manager) OpenConnection(dir network.Direction, _ bool, endpoint ma.Multiaddr) (network.ConnManagementScope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, network.ErrResourceScopeClosed
	}
	if m.limits.MaxConns > 0 && m.conns >= m.limits.MaxConns {
		return nil, fmt.Errorf("%w: connections (%d)", network.ErrResourceLimitExceeded, m.conns)
	}
	m.conns++
	return &connScope{mgr: m, dir: dir, endpoint: endpoint}, nil
}

// OpenStream reserves a stream slot on the given peer.
func (m *Manager) OpenStream(p peer.ID, dir network.Direction) (network.StreamManagementScope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, network.ErrResourceScopeClosed
	}
	if m.limits.MaxStreams > 0 && m.streams >= m.limits.MaxStreams {
		return nil, fmt.Errorf("%w: streams (%d)", network.ErrResourceLimitExceeded, m.streams)
	}
	ps := m.peerScopeLocked(p)
	if m.limits.MaxStreamsPerPeer > 0 && ps.streams >= m.limits.MaxStreamsPerPeer {
		return nil, fmt.Errorf("%w: streams for peer %s", network.ErrResourceLimitExceeded, p)
	}
	m.streams++
	ps.streams++
	return &streamScope{mgr: m, peer: p}, nil
}

// Close marks the manager closed: further reservations fail, while scopes
// already handed out stay counted until their Done.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Stat reports current usage.
func (m *Manager) Stat() (conns, streams int, memory int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conns, m.streams, m.memory
}

func (m *Manager) peerScopeLocked(p peer.ID) *peerScope {
	ps, ok := m.peers[p]
	if !ok {
		ps = &peerScope{}
		m.peers[p] = ps
	}
	return ps
}

func (m *Manager) reserveMemory(size int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.limits.MaxMemory > 0 && m.memory+int64(size) > m.limits.MaxMemory {
		return fmt.Errorf("%w: memory", network.ErrResourceLimitExceeded)
	}
	m.memory += int64(size)
	return nil
}

func (m *Manager) releaseMemory(size int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.memory -= int64(size)
	if m.memory < 0 {
		m.memory = 0
	}
}

// connScope is one connection's reservation.
type connScope struct {
	mgr      *Manager
	dir      network.Direction
	endpoint ma.Multiaddr

	mu       sync.Mutex
	peer     peer.ID
	memory   int
	released bool
}

func (s *connScope) ReserveMemory(size int, _ uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return network.ErrResourceScopeClosed
	}
	if err := s.mgr.reserveMemory(size); err != nil {
		return err
	}
	s.memory += size
	return nil
}

func (s *connScope) ReleaseMemory(size int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if size > s.memory {
		size = s.memory
	}
	s.memory -= size
	s.mgr.releaseMemory(size)
}

// SetPeer also charges the connection to the authenticated peer's count,
// enforcing the per-peer connection limit.
func (s *connScope) SetPeer(p peer.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return network.ErrResourceScopeClosed
	}
	if s.peer != "" {
		return fmt.Errorf("connection scope already attached to %s", s.peer)
	}

	s.mgr.mu.Lock()
	defer s.mgr.mu.Unlock()
	ps := s.mgr.peerScopeLocked(p)
	if s.mgr.limits.MaxConnsPerPeer > 0 && ps.conns >= s.mgr.limits.MaxConnsPerPeer {
		return fmt.Errorf("%w: connections for peer %s", network.ErrResourceLimitExceeded, p)
	}
	ps.conns++
	s.peer = p
	return nil
}

func (s *connScope) Done() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return
	}
	s.released = true
	s.mgr.releaseMemory(s.memory)
	s.memory = 0

	s.mgr.mu.Lock()
	s.mgr.conns--
	if s.peer != "" {
		if ps, ok := s.mgr.peers[s.peer]; ok {
			ps.conns--
			if ps.conns <= 0 && ps.streams <= 0 {
				delete(s.mgr.peers, s.peer)
			}
		}
	}
	s.mgr.mu.Unlock()
}

// streamScope is one stream's reservation.
type streamScope struct {
	mgr  *Manager
	peer peer.ID

	mu       sync.Mutex
	memory   int
	released bool
}

func (s *streamScope) ReserveMemory(size int, _ uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return network.ErrResourceScopeClosed
	}
	if err := s.mgr.reserveMemory(size); err != nil {
		return err
	}
	s.memory += size
	return nil
}

func (s *streamScope) ReleaseMemory(size int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if size > s.memory {
		size = s.memory
	}
	s.memory -= size
	s.mgr.releaseMemory(size)
}

func (s *streamScope) Done() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return
	}
	s.released = true
	s.mgr.releaseMemory(s.memory)
	s.memory = 0

	s.mgr.mu.Lock()
	s.mgr.streams--
	if ps, ok := s.mgr.peers[s.peer]; ok {
		ps.streams--
		if ps.conns <= 0 && ps.streams <= 0 {
			delete(s.mgr.peers, s.peer)
		}
	}
	s.mgr.mu.Unlock()
}
