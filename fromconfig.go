package peernet

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/shurlinet/peernet/config"
	"github.com/shurlinet/peernet/core/crypto"
	"github.com/shurlinet/peernet/core/host"
	"github.com/shurlinet/peernet/core/peer"
	"github.com/shurlinet/peernet/p2p/metrics"
	"github.com/shurlinet/peernet/p2p/protocol/circuitv2/relay"
)

// FromConfig assembles a node from a loaded configuration.
func FromConfig(cfg *config.Config) (host.Host, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var opts []Option

	if cfg.Identity.KeyFile != "" {
		sk, err := LoadOrCreateIdentity(cfg.Identity.KeyFile)
		if err != nil {
			return nil, err
		}
		opts = append(opts, Identity(sk))
	}

	if len(cfg.Network.ListenAddresses) > 0 {
		opts = append(opts, ListenAddrStrings(cfg.Network.ListenAddresses...))
	}

	if cfg.Relay.Enabled {
		var relays []peer.AddrInfo
		for _, s := range cfg.Relay.StaticRelays {
			ai, err := peer.AddrInfoFromString(s)
			if err != nil {
				return nil, fmt.Errorf("invalid static relay %q: %w", s, err)
			}
			relays = append(relays, *ai)
		}
		opts = append(opts, EnableRelay(relays...))
	}
	if cfg.Relay.Service {
		opts = append(opts, EnableRelayService())
		if cfg.Relay.ReservationTTL > 0 {
			rc := relay.DefaultResources()
			rc.ReservationTTL = cfg.Relay.ReservationTTL
			opts = append(opts, RelayServiceResources(rc))
		}
	}

	if cfg.AutoNAT.Enabled {
		opts = append(opts, EnableAutoNAT())
	}
	if cfg.AutoNAT.Service {
		opts = append(opts, EnableAutoNATService())
	}
	if cfg.HolePunch.Enabled {
		opts = append(opts, EnableHolePunching())
	}
	if cfg.Telemetry.Metrics.Enabled {
		opts = append(opts, Metrics(metrics.NewMetrics()))
	}

	return New(opts...)
}

// LoadOrCreateIdentity reads a protobuf-serialized private key, creating
// a fresh ed25519 identity on first use.
func LoadOrCreateIdentity(path string) (crypto.PrivKey, error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		sk, err := crypto.UnmarshalPrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("parsing identity key %s: %w", path, err)
		}
		return sk, nil
	case errors.Is(err, fs.ErrNotExist):
		sk, _, err := crypto.GenerateEd25519Key(rand.Reader)
		if err != nil {
			return nil, err
		}
		blob, err := crypto.MarshalPrivateKey(sk)
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, blob, 0o600); err != nil {
			return nil, fmt.Errorf("writing identity key: %w", err)
		}
		return sk, nil
	default:
		return nil, err
	}
}
