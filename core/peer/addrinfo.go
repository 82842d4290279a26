package peer

import (
	"errors"
	"fmt"
	"strings"

	ma "github.com/multiformats/go-multiaddr"
)

// AddrInfo bundles a peer ID with a set of addresses it may be reached at.
type AddrInfo struct {
	ID    ID
	Addrs []ma.Multiaddr
}

// ErrInvalidAddr is returned when a multiaddr cannot be interpreted as a
// peer address.
var ErrInvalidAddr = errors.New("invalid p2p multiaddr")

func (ai AddrInfo) String() string {
	return fmt.Sprintf("{%s: %v}", ai.ID, ai.Addrs)
}

// SplitAddr splits a /p2p multiaddr into its transport part and peer ID.
// Either part may be absent: a bare "/p2p/Qm..." yields a nil transport,
// an address without a /p2p suffix yields an empty ID.
func SplitAddr(m ma.Multiaddr) (transport ma.Multiaddr, id ID) {
	if m == nil {
		return nil, ""
	}
	s := m.String()
	i := strings.LastIndex(s, "/p2p/")
	if i < 0 || strings.Contains(s[i+len("/p2p/"):], "/") {
		return m, ""
	}
	idStr := s[i+len("/p2p/"):]
	id, err := Decode(idStr)
	if err != nil {
		return m, ""
	}
	p2pPart, err := ma.NewMultiaddr("/p2p/" + idStr)
	if err != nil {
		return m, id
	}
	transport = m.Decapsulate(p2pPart)
	if transport == nil || len(transport.Protocols()) == 0 {
		transport = nil
	}
	return transport, id
}

// AddrInfoFromString builds an AddrInfo from a multiaddr string that ends
// in a /p2p component.
func AddrInfoFromString(s string) (*AddrInfo, error) {
	m, err := ma.NewMultiaddr(s)
	if err != nil {
		return nil, err
	}
	return AddrInfoFromP2pAddr(m)
}

// AddrInfoFromP2pAddr converts a /p2p multiaddr to an AddrInfo.
func AddrInfoFromP2pAddr(m ma.Multiaddr) (*AddrInfo, error) {
	transport, id := SplitAddr(m)
	if id == "" {
		return nil, ErrInvalidAddr
	}
	info := &AddrInfo{ID: id}
	if transport != nil {
		info.Addrs = []ma.Multiaddr{transport}
	}
	return info, nil
}

// AddrInfoToP2pAddrs converts an AddrInfo to a list of fully-qualified
// /p2p multiaddrs, one per transport address.
func AddrInfoToP2pAddrs(ai *AddrInfo) ([]ma.Multiaddr, error) {
	p2pPart, err := ma.NewMultiaddr("/p2p/" + ai.ID.String())
	if err != nil {
		return nil, err
	}
	if len(ai.Addrs) == 0 {
		return []ma.Multiaddr{p2pPart}, nil
	}
	out := make([]ma.Multiaddr, 0, len(ai.Addrs))
	for _, a := range ai.Addrs {
		out = append(out, a.Encapsulate(p2pPart))
	}
	return out, nil
}
