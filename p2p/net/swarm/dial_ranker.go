package swarm

import (
	"net"
	"sort"
	"strings"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"

	"github.com/shurlinet/peernet/core/peer"
)

// Address classes, in dial preference order.
type addrClass int

const (
	classIP6Public addrClass = iota
	classIP4Public
	classIP6LinkLocal
	classIP4Private
	classRelaySpecific
	classRelayGeneric
)

const (
	// directStagger separates consecutive direct dial starts.
	directStagger = 250 * time.Millisecond

	// relayDelay holds the first relay attempt back after the last
	// direct attempt starts. Relay handshakes take on the order of a
	// second; starting them eagerly wastes relay resources while the
	// direct dials usually win.
	relayDelay = time.Second
)

// scheduledAddr is one dial attempt with its start offset.
type scheduledAddr struct {
	addr  ma.Multiaddr
	delay time.Duration
}

// classifyAddr buckets an address for ranking.
func classifyAddr(addr ma.Multiaddr) addrClass {
	if isRelayAddr(addr) {
		if _, ok := relayPeerID(addr); ok {
			return classRelaySpecific
		}
		return classRelayGeneric
	}
	ip, err := manet.ToIP(addr)
	if err != nil {
		// DNS and friends rank with public IPv4.
		return classIP4Public
	}
	if ip.To4() != nil {
		if manet.IsPublicAddr(addr) {
			return classIP4Public
		}
		return classIP4Private
	}
	if ip.IsLinkLocalUnicast() {
		return classIP6LinkLocal
	}
	if manet.IsPublicAddr(addr) {
		return classIP6Public
	}
	return classIP6LinkLocal
}

// isRelayAddr reports whether addr crosses a circuit relay.
func isRelayAddr(addr ma.Multiaddr) bool {
	if addr == nil {
		return false
	}
	_, err := addr.ValueForProtocol(ma.P_CIRCUIT)
	return err == nil
}

// relayPeerID extracts the relay's peer id from a circuit address of the
// form /.../p2p/<relay>/p2p-circuit[/p2p/<dst>]. Generic circuit
// addresses have none.
func relayPeerID(addr ma.Multiaddr) (peer.ID, bool) {
	s := addr.String()
	idx := strings.Index(s, "/p2p-circuit")
	if idx <= 0 {
		return "", false
	}
	prefix, err := ma.NewMultiaddr(s[:idx])
	if err != nil {
		return "", false
	}
	idStr, err := prefix.ValueForProtocol(ma.P_P2P)
	if err != nil {
		return "", false
	}
	id, err := peer.Decode(idStr)
	if err != nil {
		return "", false
	}
	return id, true
}

// routeKey is the circuit deduplication key: relay peer || destination.
// Parallel dials over several IP variants of the same relay would
// otherwise open duplicate HOP sessions and trip the relay's per-client
// reservation limit.
func routeKey(addr ma.Multiaddr, dst peer.ID) (string, bool) {
	relay, ok := relayPeerID(addr)
	if !ok {
		return "", false
	}
	return string(relay) + "|" + string(dst), true
}

// ip6Prefix extracts the /64 prefix of an IPv6 address for dedup.
func ip6Prefix(addr ma.Multiaddr) (string, bool) {
	ip, err := manet.ToIP(addr)
	if err != nil || ip.To4() != nil || len(ip) != net.IPv6len {
		return "", false
	}
	return string(ip[:8]), true
}

// dedupAddrs keeps the first occurrence of each circuit route key and of
// each public IPv6 /64 prefix. Generic circuit addresses are kept as-is;
// they always race last.
func dedupAddrs(addrs []ma.Multiaddr, dst peer.ID) []ma.Multiaddr {
	seenRoutes := make(map[string]struct{})
	seenPrefixes := make(map[string]struct{})
	out := addrs[:0]
	for _, a := range addrs {
		if key, ok := routeKey(a, dst); ok {
			if _, dup := seenRoutes[key]; dup {
				continue
			}
			seenRoutes[key] = struct{}{}
		} else if classifyAddr(a) == classIP6Public {
			if prefix, ok := ip6Prefix(a); ok {
				if _, dup := seenPrefixes[prefix]; dup {
					continue
				}
				seenPrefixes[prefix] = struct{}{}
			}
		}
		out = append(out, a)
	}
	return out
}

// rankAddrs orders candidates by class (insertion order within a class)
// and assigns happy-eyeballs start offsets: direct addresses staggered,
// relays held back behind the last direct start.
func rankAddrs(addrs []ma.Multiaddr) []scheduledAddr {
	type indexed struct {
		addr  ma.Multiaddr
		class addrClass
		pos   int
	}
	ranked := make([]indexed, len(addrs))
	for i, a := range addrs {
		ranked[i] = indexed{addr: a, class: classifyAddr(a), pos: i}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].class != ranked[j].class {
			return ranked[i].class < ranked[j].class
		}
		return ranked[i].pos < ranked[j].pos
	})

	out := make([]scheduledAddr, 0, len(ranked))
	var directDelay, lastDirectStart, relayStart time.Duration
	nDirect := 0
	for _, r := range ranked {
		if r.class < classRelaySpecific {
			out = append(out, scheduledAddr{addr: r.addr, delay: directDelay})
			lastDirectStart = directDelay
			directDelay += directStagger
			nDirect++
		}
	}
	if nDirect > 0 {
		relayStart = lastDirectStart + relayDelay
	}
	for _, r := range ranked {
		if r.class >= classRelaySpecific {
			out = append(out, scheduledAddr{addr: r.addr, delay: relayStart})
			relayStart += directStagger
		}
	}
	return out
}
