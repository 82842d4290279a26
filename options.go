package peernet

import (
	"fmt"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/shurlinet/peernet/core/connmgr"
	"github.com/shurlinet/peernet/core/crypto"
	"github.com/shurlinet/peernet/core/network"
	"github.com/shurlinet/peernet/core/peer"
	"github.com/shurlinet/peernet/core/peerstore"
	"github.com/shurlinet/peernet/p2p/metrics"
	"github.com/shurlinet/peernet/p2p/protocol/circuitv2/relay"
)

// Option configures a node under construction.
type Option func(*nodeConfig) error

// nodeConfig collects everything New needs.
type nodeConfig struct {
	privKey     crypto.PrivKey
	listenAddrs []ma.Multiaddr
	userAgent   string

	peerstore peerstore.Peerstore
	gater     connmgr.ConnectionGater
	rcmgr     network.ResourceManager
	metrics   *metrics.Metrics

	enableRelay    bool
	relayService   bool
	relayResources *relay.Resources
	staticRelays   []peer.AddrInfo

	enableHolePunching bool

	enableAutoNAT  bool
	autoNATService bool

	forceReachability *network.Reachability
}

// Identity sets the node's private key. Without it a fresh ed25519 key
// is generated.
func Identity(sk crypto.PrivKey) Option {
	return func(c *nodeConfig) error {
		if c.privKey != nil {
			return fmt.Errorf("identity already set")
		}
		c.privKey = sk
		return nil
	}
}

// ListenAddrs sets the bound listen addresses.
func ListenAddrs(addrs ...ma.Multiaddr) Option {
	return func(c *nodeConfig) error {
		c.listenAddrs = append(c.listenAddrs, addrs...)
		return nil
	}
}

// ListenAddrStrings parses and sets listen addresses.
func ListenAddrStrings(addrs ...string) Option {
	return func(c *nodeConfig) error {
		for _, s := range addrs {
			a, err := ma.NewMultiaddr(s)
			if err != nil {
				return fmt.Errorf("invalid listen address %q: %w", s, err)
			}
			c.listenAddrs = append(c.listenAddrs, a)
		}
		return nil
	}
}

// UserAgent sets the identify agent version.
func UserAgent(agent string) Option {
	return func(c *nodeConfig) error {
		c.userAgent = agent
		return nil
	}
}

// Peerstore overrides the default in-memory peerstore.
func Peerstore(ps peerstore.Peerstore) Option {
	return func(c *nodeConfig) error {
		c.peerstore = ps
		return nil
	}
}

// ConnectionGater installs a connection gater.
func ConnectionGater(g connmgr.ConnectionGater) Option {
	return func(c *nodeConfig) error {
		c.gater = g
		return nil
	}
}

// ResourceManager overrides the default counting resource manager.
func ResourceManager(m network.ResourceManager) Option {
	return func(c *nodeConfig) error {
		c.rcmgr = m
		return nil
	}
}

// Metrics installs prometheus metrics across the stack.
func Metrics(m *metrics.Metrics) Option {
	return func(c *nodeConfig) error {
		c.metrics = m
		return nil
	}
}

// EnableRelay turns on the circuit client: dialing through relays and
// accepting relayed connections, with reservations managed
// automatically while the node is private.
func EnableRelay(staticRelays ...peer.AddrInfo) Option {
	return func(c *nodeConfig) error {
		c.enableRelay = true
		c.staticRelays = append(c.staticRelays, staticRelays...)
		return nil
	}
}

// EnableRelayService runs the relay server for other peers.
func EnableRelayService() Option {
	return func(c *nodeConfig) error {
		c.relayService = true
		return nil
	}
}

// RelayServiceResources overrides the relay server's bounds.
func RelayServiceResources(rc relay.Resources) Option {
	return func(c *nodeConfig) error {
		c.relayResources = &rc
		return nil
	}
}

// EnableHolePunching turns on DCUtR.
func EnableHolePunching() Option {
	return func(c *nodeConfig) error {
		c.enableHolePunching = true
		return nil
	}
}

// EnableAutoNAT turns on ambient reachability probing.
func EnableAutoNAT() Option {
	return func(c *nodeConfig) error {
		c.enableAutoNAT = true
		return nil
	}
}

// EnableAutoNATService answers dial-back probes for other peers.
func EnableAutoNATService() Option {
	return func(c *nodeConfig) error {
		c.autoNATService = true
		return nil
	}
}

// ForceReachability pins the reachability cell, bypassing autonat.
func ForceReachability(r network.Reachability) Option {
	return func(c *nodeConfig) error {
		c.forceReachability = &r
		return nil
	}
}
