// Package conngater provides an allowlist connection gater: inbound
// connections from peers outside the authorized set are dropped after
// the security handshake identifies them. Outbound dials are always
// allowed so relays and discovery keep working.
package conngater

import (
	"log/slog"
	"sync"
	"time"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/shurlinet/peernet/core/connmgr"
	"github.com/shurlinet/peernet/core/network"
	"github.com/shurlinet/peernet/core/peer"
)

// DecisionFunc is called on every inbound authorization decision with
// the peer and the result ("allow" or "deny"), for metrics and audit
// logging.
type DecisionFunc func(p peer.ID, result string)

// AllowlistGater implements the connection gater contract over a
// mutable allowlist with optional per-peer expiry.
type AllowlistGater struct {
	mu      sync.RWMutex
	allowed map[peer.ID]bool
	expiry  map[peer.ID]time.Time // zero = never expires

	onDecision DecisionFunc // nil-safe
}

var _ connmgr.ConnectionGater = (*AllowlistGater)(nil)

// NewAllowlistGater creates a gater admitting only the given peers.
func NewAllowlistGater(allowed []peer.ID) *AllowlistGater {
	m := make(map[peer.ID]bool, len(allowed))
	for _, p := range allowed {
		m[p] = true
	}
	return &AllowlistGater{
		allowed: m,
		expiry:  make(map[peer.ID]time.Time),
	}
}

// SetDecisionFunc installs a decision callback.
func (g *AllowlistGater) SetDecisionFunc(f DecisionFunc) {
	g.mu.Lock()
	g.onDecision = f
	g.mu.Unlock()
}

// Allow admits p. A non-zero ttl expires the authorization.
func (g *AllowlistGater) Allow(p peer.ID, ttl time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.allowed[p] = true
	if ttl > 0 {
		g.expiry[p] = time.Now().Add(ttl)
	} else {
		delete(g.expiry, p)
	}
}

// Revoke removes p from the allowlist.
func (g *AllowlistGater) Revoke(p peer.ID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.allowed, p)
	delete(g.expiry, p)
}

// InterceptPeerDial allows all outbound dials.
func (g *AllowlistGater) InterceptPeerDial(peer.ID) bool { return true }

// InterceptAddrDial allows all outbound addresses.
func (g *AllowlistGater) InterceptAddrDial(peer.ID, ma.Multiaddr) bool { return true }

// InterceptAccept allows all pipes pre-handshake; the identity is not
// known yet.
func (g *AllowlistGater) InterceptAccept(network.ConnMultiaddrs) bool { return true }

// InterceptSecured is the primary checkpoint: the handshake has proven
// the peer's identity.
func (g *AllowlistGater) InterceptSecured(dir network.Direction, p peer.ID, _ network.ConnMultiaddrs) bool {
	if dir != network.DirInbound {
		return true
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	if !g.allowed[p] {
		slog.Warn("inbound connection denied", "peer", p.ShortString())
		g.decide(p, "deny")
		return false
	}
	if exp, ok := g.expiry[p]; ok && !exp.IsZero() && time.Now().After(exp) {
		slog.Warn("inbound connection denied (authorization expired)", "peer", p.ShortString())
		g.decide(p, "deny")
		return false
	}
	g.decide(p, "allow")
	return true
}

// InterceptUpgraded has nothing left to check.
func (g *AllowlistGater) InterceptUpgraded(network.Conn) (bool, connmgr.DisconnectReason) {
	return true, 0
}

func (g *AllowlistGater) decide(p peer.ID, result string) {
	if g.onDecision != nil {
		g.onDecision(p, result)
	}
}
