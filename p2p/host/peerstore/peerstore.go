// Package peerstore provides the in-memory implementation of the peer
// books: TTL'd addresses with garbage collection, keys, protocols, signed
// peer records and latency metrics.
package peerstore

import (
	"github.com/benbjohnson/clock"

	"github.com/shurlinet/peernet/core/peer"
	pstore "github.com/shurlinet/peernet/core/peerstore"
)

// Option configures the peerstore.
type Option func(*peerstoreImpl)

// WithClock injects a clock, letting tests drive TTL expiry.
func WithClock(c clock.Clock) Option {
	return func(ps *peerstoreImpl) {
		ps.AddrBook.clock = c
	}
}

// WithMaxPeers bounds the number of peers with addresses. Writes past
// the bound evict the peer whose addresses expire soonest.
func WithMaxPeers(n int) Option {
	return func(ps *peerstoreImpl) {
		ps.AddrBook.maxPeers = n
	}
}

type peerstoreImpl struct {
	*AddrBook
	*keyBook
	*protoBook
	*latencyMetrics
}

// NewPeerstore creates an in-memory peerstore.
func NewPeerstore(opts ...Option) pstore.Peerstore {
	ps := &peerstoreImpl{
		AddrBook:       newAddrBook(),
		keyBook:        newKeyBook(),
		protoBook:      newProtoBook(),
		latencyMetrics: newLatencyMetrics(),
	}
	for _, opt := range opts {
		opt(ps)
	}
	ps.AddrBook.start()
	return ps
}

func (ps *peerstoreImpl) PeerInfo(p peer.ID) peer.AddrInfo {
	return peer.AddrInfo{ID: p, Addrs: ps.Addrs(p)}
}

func (ps *peerstoreImpl) Peers() []peer.ID {
	seen := make(map[peer.ID]struct{})
	for _, p := range ps.PeersWithAddrs() {
		seen[p] = struct{}{}
	}
	for _, p := range ps.PeersWithKeys() {
		seen[p] = struct{}{}
	}
	for _, p := range ps.peersWithProtocols() {
		seen[p] = struct{}{}
	}
	out := make([]peer.ID, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	return out
}

func (ps *peerstoreImpl) RemovePeer(p peer.ID) {
	ps.keyBook.remove(p)
	ps.protoBook.remove(p)
	ps.latencyMetrics.remove(p)
}

func (ps *peerstoreImpl) Close() error {
	ps.AddrBook.stop()
	return nil
}
