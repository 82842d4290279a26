package identify

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"

	"github.com/shurlinet/peernet/core/network"
)

// maxObservedAddrs bounds the tracked observation set.
const maxObservedAddrs = 32

// activationThreshold is how many distinct observers must report an
// address before we advertise it as our own.
const activationThreshold = 2

// observedAddrSet tracks the addresses remote peers observe us at.
// A single peer can report anything; an address only activates once
// multiple distinct observers agree.
type observedAddrSet struct {
	mu sync.Mutex

	// addrs maps observed addr string → observer group strings.
	addrs *lru.Cache[string, *observation]
}

type observation struct {
	addr      ma.Multiaddr
	observers map[string]struct{}
}

func newObservedAddrSet() (*observedAddrSet, error) {
	cache, err := lru.New[string, *observation](maxObservedAddrs)
	if err != nil {
		return nil, err
	}
	return &observedAddrSet{addrs: cache}, nil
}

// Record ingests one observation from the remote end of c.
func (o *observedAddrSet) Record(c network.Conn, observed ma.Multiaddr) {
	// Only addresses we could plausibly be reached at matter.
	if observed == nil || !manet.IsThinWaist(observed) {
		return
	}

	// Group observers coarsely by their address, so one peer dialing
	// from many ports doesn't activate an address alone.
	observerGroup := c.RemoteMultiaddr().String()
	if ip, err := manet.ToIP(c.RemoteMultiaddr()); err == nil {
		observerGroup = ip.String()
	}

	key := string(observed.Bytes())
	o.mu.Lock()
	defer o.mu.Unlock()
	obs, ok := o.addrs.Get(key)
	if !ok {
		obs = &observation{addr: observed, observers: make(map[string]struct{})}
		o.addrs.Add(key, obs)
	}
	obs.observers[observerGroup] = struct{}{}
}

// Addrs returns the activated observed addresses.
func (o *observedAddrSet) Addrs() []ma.Multiaddr {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []ma.Multiaddr
	for _, key := range o.addrs.Keys() {
		obs, ok := o.addrs.Get(key)
		if !ok {
			continue
		}
		if len(obs.observers) >= activationThreshold {
			out = append(out, obs.addr)
		}
	}
	return out
}
