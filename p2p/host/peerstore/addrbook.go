package peerstore

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/shurlinet/peernet/core/peer"
	"github.com/shurlinet/peernet/core/record"
)

// gcInterval is how often expired addresses are swept.
const gcInterval = time.Minute

// maxEffectiveTTL caps TTLs so the permanent/connected sentinel values
// (near MaxInt64) cannot overflow expiry arithmetic.
const maxEffectiveTTL = 10 * 365 * 24 * time.Hour

func expiryAt(now time.Time, ttl time.Duration) time.Time {
	if ttl > maxEffectiveTTL {
		ttl = maxEffectiveTTL
	}
	return now.Add(ttl)
}

type expiringAddr struct {
	addr   ma.Multiaddr
	ttl    time.Duration
	expiry time.Time
}

type addrSet struct {
	addrs map[string]*expiringAddr // keyed by multiaddr string

	// signedRecord is retained while any address is live.
	signedRecord *record.Envelope
	recordSeq    uint64
}

// AddrBook is the TTL'd address book. Entries are created on first
// mention and garbage collected when every address TTL has expired.
type AddrBook struct {
	mu    sync.RWMutex
	peers map[peer.ID]*addrSet

	clock    clock.Clock
	maxPeers int // 0 = unbounded

	gcDone chan struct{}
	gcStop chan struct{}
}

func newAddrBook() *AddrBook {
	return &AddrBook{
		peers:  make(map[peer.ID]*addrSet),
		clock:  clock.New(),
		gcDone: make(chan struct{}),
		gcStop: make(chan struct{}),
	}
}

func (b *AddrBook) start() {
	go func() {
		defer close(b.gcDone)
		ticker := b.clock.Ticker(gcInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				b.gc()
			case <-b.gcStop:
				return
			}
		}
	}()
}

func (b *AddrBook) stop() {
	close(b.gcStop)
	<-b.gcDone
}

// gc removes expired addresses, empty peers, and records whose peer has
// no live address left.
func (b *AddrBook) gc() {
	now := b.clock.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	for p, set := range b.peers {
		for k, ea := range set.addrs {
			if ea.expiry.Before(now) {
				delete(set.addrs, k)
			}
		}
		if len(set.addrs) == 0 {
			delete(b.peers, p)
		}
	}
}

// AddAddr adds one address with the given TTL.
func (b *AddrBook) AddAddr(p peer.ID, addr ma.Multiaddr, ttl time.Duration) {
	b.AddAddrs(p, []ma.Multiaddr{addr}, ttl)
}

// AddAddrs adds addresses; existing entries keep the longer of the
// current and new TTL.
func (b *AddrBook) AddAddrs(p peer.ID, addrs []ma.Multiaddr, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	now := b.clock.Now()
	expiry := expiryAt(now, ttl)

	b.mu.Lock()
	defer b.mu.Unlock()
	set := b.setFor(p)
	if set == nil {
		return // at capacity, silently dropped
	}
	for _, a := range addrs {
		a = cleanAddr(a, p)
		if a == nil {
			continue
		}
		k := string(a.Bytes())
		if existing, ok := set.addrs[k]; ok {
			// Extend, never shorten.
			if expiry.After(existing.expiry) {
				existing.ttl = ttl
				existing.expiry = expiry
			}
			continue
		}
		set.addrs[k] = &expiringAddr{addr: a, ttl: ttl, expiry: expiry}
	}
}

// SetAddr sets one address, replacing its TTL.
func (b *AddrBook) SetAddr(p peer.ID, addr ma.Multiaddr, ttl time.Duration) {
	b.SetAddrs(p, []ma.Multiaddr{addr}, ttl)
}

// SetAddrs sets addresses, replacing TTLs. A non-positive TTL removes.
func (b *AddrBook) SetAddrs(p peer.ID, addrs []ma.Multiaddr, ttl time.Duration) {
	now := b.clock.Now()
	expiry := expiryAt(now, ttl)

	b.mu.Lock()
	defer b.mu.Unlock()
	set := b.setFor(p)
	if set == nil {
		return
	}
	for _, a := range addrs {
		a = cleanAddr(a, p)
		if a == nil {
			continue
		}
		k := string(a.Bytes())
		if ttl <= 0 {
			delete(set.addrs, k)
			continue
		}
		set.addrs[k] = &expiringAddr{addr: a, ttl: ttl, expiry: expiry}
	}
	if len(set.addrs) == 0 {
		delete(b.peers, p)
	}
}

// UpdateAddrs rewrites the TTL of entries currently at oldTTL.
func (b *AddrBook) UpdateAddrs(p peer.ID, oldTTL, newTTL time.Duration) {
	now := b.clock.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.peers[p]
	if !ok {
		return
	}
	for k, ea := range set.addrs {
		if ea.ttl != oldTTL {
			continue
		}
		if newTTL <= 0 {
			delete(set.addrs, k)
			continue
		}
		ea.ttl = newTTL
		ea.expiry = expiryAt(now, newTTL)
	}
	if len(set.addrs) == 0 {
		delete(b.peers, p)
	}
}

// Addrs returns the live addresses of p.
func (b *AddrBook) Addrs(p peer.ID) []ma.Multiaddr {
	now := b.clock.Now()
	b.mu.RLock()
	defer b.mu.RUnlock()
	set, ok := b.peers[p]
	if !ok {
		return nil
	}
	out := make([]ma.Multiaddr, 0, len(set.addrs))
	for _, ea := range set.addrs {
		if ea.expiry.After(now) {
			out = append(out, ea.addr)
		}
	}
	return out
}

// ClearAddrs removes all addresses of p, along with any signed record.
func (b *AddrBook) ClearAddrs(p peer.ID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.peers, p)
}

// PeersWithAddrs lists peers with at least one live address.
func (b *AddrBook) PeersWithAddrs() []peer.ID {
	now := b.clock.Now()
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]peer.ID, 0, len(b.peers))
	for p, set := range b.peers {
		for _, ea := range set.addrs {
			if ea.expiry.After(now) {
				out = append(out, p)
				break
			}
		}
	}
	return out
}

// ConsumePeerRecord ingests a signed peer record, storing its addresses
// with the given TTL. Stale sequence numbers are rejected.
func (b *AddrBook) ConsumePeerRecord(env *record.Envelope, ttl time.Duration) (bool, error) {
	rec, err := env.Record()
	if err != nil {
		return false, err
	}
	pr, ok := rec.(*record.PeerRecord)
	if !ok {
		return false, record.ErrPayloadTypeNotRegistered
	}
	if !pr.PeerID.MatchesPublicKey(env.PublicKey) {
		return false, record.ErrInvalidSignature
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	set := b.setFor(pr.PeerID)
	if set == nil {
		return false, nil
	}
	if set.signedRecord != nil && pr.Seq <= set.recordSeq {
		return false, nil
	}
	set.signedRecord = env
	set.recordSeq = pr.Seq

	expiry := expiryAt(b.clock.Now(), ttl)
	for _, a := range pr.Addrs {
		a = cleanAddr(a, pr.PeerID)
		if a == nil {
			continue
		}
		k := string(a.Bytes())
		if existing, ok := set.addrs[k]; ok {
			if expiry.After(existing.expiry) {
				existing.ttl = ttl
				existing.expiry = expiry
			}
			continue
		}
		set.addrs[k] = &expiringAddr{addr: a, ttl: ttl, expiry: expiry}
	}
	return true, nil
}

// GetPeerRecord returns the retained envelope while any address of the
// peer is live.
func (b *AddrBook) GetPeerRecord(p peer.ID) *record.Envelope {
	now := b.clock.Now()
	b.mu.RLock()
	defer b.mu.RUnlock()
	set, ok := b.peers[p]
	if !ok {
		return nil
	}
	for _, ea := range set.addrs {
		if ea.expiry.After(now) {
			return set.signedRecord
		}
	}
	return nil
}

// setFor returns (creating if needed) the addrSet of p, enforcing the
// peer bound by evicting the peer whose addresses expire soonest.
// Caller holds b.mu.
func (b *AddrBook) setFor(p peer.ID) *addrSet {
	if set, ok := b.peers[p]; ok {
		return set
	}
	if b.maxPeers > 0 && len(b.peers) >= b.maxPeers {
		var (
			victim       peer.ID
			victimExpiry time.Time
		)
		for cand, set := range b.peers {
			latest := time.Time{}
			for _, ea := range set.addrs {
				if ea.expiry.After(latest) {
					latest = ea.expiry
				}
			}
			if victim == "" || latest.Before(victimExpiry) {
				victim = cand
				victimExpiry = latest
			}
		}
		if victim == "" {
			return nil
		}
		delete(b.peers, victim)
	}
	set := &addrSet{addrs: make(map[string]*expiringAddr)}
	b.peers[p] = set
	return set
}

// cleanAddr strips a trailing /p2p component naming p itself; addresses
// claiming a different peer are rejected.
func cleanAddr(a ma.Multiaddr, p peer.ID) ma.Multiaddr {
	if a == nil {
		return nil
	}
	transport, id := peer.SplitAddr(a)
	if id == "" {
		return a
	}
	if id != p {
		return nil
	}
	if transport == nil {
		return nil
	}
	return transport
}
