// Package peerstore defines the interfaces of the TTL'd per-peer books:
// addresses, keys, supported protocols and signed peer records.
package peerstore

import (
	"errors"
	"io"
	"math"
	"time"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/shurlinet/peernet/core/crypto"
	"github.com/shurlinet/peernet/core/peer"
	"github.com/shurlinet/peernet/core/protocol"
	"github.com/shurlinet/peernet/core/record"
)

// ErrNotFound is returned when a book has no entry for the peer.
var ErrNotFound = errors.New("item not found")

// Address TTLs. AddAddrs extends an address's TTL to the max of the
// existing and new value; SetAddrs replaces it; a zero TTL removes.
const (
	// TempAddrTTL is for addresses we are about to test by dialing.
	TempAddrTTL = 2 * time.Minute

	// ProviderAddrTTL is for addresses learned from third parties.
	ProviderAddrTTL = 30 * time.Minute

	// RecentlyConnectedAddrTTL is applied when a connection closes, so
	// the address survives long enough to redial.
	RecentlyConnectedAddrTTL = 15 * time.Minute

	// OwnObservedAddrTTL is for addresses peers observed us at.
	OwnObservedAddrTTL = 30 * time.Minute

	// ConnectedAddrTTL is for addresses with a live connection. Entries
	// are downgraded to RecentlyConnectedAddrTTL on disconnect.
	ConnectedAddrTTL = math.MaxInt64 - iota

	// PermanentAddrTTL is for explicitly configured addresses.
	PermanentAddrTTL
)

// Peerstore aggregates the per-peer books.
type Peerstore interface {
	io.Closer
	AddrBook
	KeyBook
	ProtoBook
	Metrics

	// PeerInfo returns the peer's ID with its current addresses.
	PeerInfo(peer.ID) peer.AddrInfo

	// Peers lists every peer any book has an entry for.
	Peers() []peer.ID

	// RemovePeer removes key, protocol and metrics entries. Addresses
	// are left to expire via their TTLs.
	RemovePeer(peer.ID)
}

// AddrBook holds the TTL'd multiaddrs of peers, including certified
// addresses from signed peer records.
type AddrBook interface {
	// AddAddr adds one address with the given TTL.
	AddAddr(p peer.ID, addr ma.Multiaddr, ttl time.Duration)

	// AddAddrs adds addresses; an existing entry keeps the longer of its
	// current and the new TTL.
	AddAddrs(p peer.ID, addrs []ma.Multiaddr, ttl time.Duration)

	// SetAddr sets one address, replacing its TTL.
	SetAddr(p peer.ID, addr ma.Multiaddr, ttl time.Duration)

	// SetAddrs sets addresses, replacing TTLs. A zero TTL removes.
	SetAddrs(p peer.ID, addrs []ma.Multiaddr, ttl time.Duration)

	// UpdateAddrs rewrites the TTL of entries currently at oldTTL.
	UpdateAddrs(p peer.ID, oldTTL, newTTL time.Duration)

	// Addrs returns the live (unexpired) addresses of p.
	Addrs(p peer.ID) []ma.Multiaddr

	// ClearAddrs removes all addresses of p.
	ClearAddrs(p peer.ID)

	// PeersWithAddrs lists peers with at least one live address.
	PeersWithAddrs() []peer.ID

	// ConsumePeerRecord ingests a signed peer record. Records with a
	// sequence number older than the stored one are ignored; the record
	// is retained while any address of the peer is live.
	ConsumePeerRecord(env *record.Envelope, ttl time.Duration) (accepted bool, err error)

	// GetPeerRecord returns the retained signed record envelope, or nil.
	GetPeerRecord(p peer.ID) *record.Envelope
}

// KeyBook holds public and private keys of peers.
type KeyBook interface {
	// PubKey returns p's public key, extracting it from the ID when the
	// ID inlines it.
	PubKey(peer.ID) crypto.PubKey

	// AddPubKey stores p's public key; it must match the ID.
	AddPubKey(peer.ID, crypto.PubKey) error

	// PrivKey returns p's private key, if stored (usually only our own).
	PrivKey(peer.ID) crypto.PrivKey

	// AddPrivKey stores p's private key; it must match the ID.
	AddPrivKey(peer.ID, crypto.PrivKey) error

	// PeersWithKeys lists peers with a stored or extractable key.
	PeersWithKeys() []peer.ID
}

// ProtoBook tracks the protocols peers advertise (via identify).
type ProtoBook interface {
	GetProtocols(peer.ID) ([]protocol.ID, error)
	AddProtocols(peer.ID, ...protocol.ID) error
	SetProtocols(peer.ID, ...protocol.ID) error
	RemoveProtocols(peer.ID, ...protocol.ID) error

	// SupportsProtocols filters the given ids to those p advertises.
	SupportsProtocols(p peer.ID, ids ...protocol.ID) ([]protocol.ID, error)

	// FirstSupportedProtocol returns the first of ids p advertises, or
	// "" when none match.
	FirstSupportedProtocol(p peer.ID, ids ...protocol.ID) (protocol.ID, error)
}

// Metrics records latency observations per peer.
type Metrics interface {
	// RecordLatency feeds one RTT observation into the peer's EWMA.
	RecordLatency(peer.ID, time.Duration)

	// LatencyEWMA returns the smoothed RTT estimate for the peer.
	LatencyEWMA(peer.ID) time.Duration
}
