// Package config defines the yaml node configuration schema and loader.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// CurrentConfigVersion is the latest configuration schema version.
// Bump this when adding fields that require migration.
const CurrentConfigVersion = 1

// Config is a node's configuration.
type Config struct {
	Version   int             `yaml:"version,omitempty"`
	Identity  IdentityConfig  `yaml:"identity"`
	Network   NetworkConfig   `yaml:"network"`
	Relay     RelayConfig     `yaml:"relay,omitempty"`
	AutoNAT   AutoNATConfig   `yaml:"autonat,omitempty"`
	HolePunch HolePunchConfig `yaml:"holepunch,omitempty"`
	Resources ResourcesConfig `yaml:"resources,omitempty"`
	Telemetry TelemetryConfig `yaml:"telemetry,omitempty"`
}

// IdentityConfig locates the node's private key.
type IdentityConfig struct {
	// KeyFile is the path of the protobuf-serialized private key. A
	// missing file is created with a fresh ed25519 key on first start.
	KeyFile string `yaml:"key_file"`
}

// NetworkConfig holds the listen addresses.
type NetworkConfig struct {
	ListenAddresses []string `yaml:"listen_addresses"`
}

// RelayConfig controls circuit relay usage.
type RelayConfig struct {
	// Enabled turns on the circuit client (dialing through relays and
	// accepting relayed connections).
	Enabled bool `yaml:"enabled"`

	// Service runs the relay server, forwarding for other peers.
	Service bool `yaml:"service,omitempty"`

	// StaticRelays are multiaddrs (with /p2p/ suffix) of relays to
	// reserve on when private.
	StaticRelays []string `yaml:"static_relays,omitempty"`

	// ReservationTTL overrides the service's reservation lifetime.
	ReservationTTL time.Duration `yaml:"reservation_ttl,omitempty"`
}

// AutoNATConfig controls reachability probing. peernet.FromConfig reads
// Enabled and Service only; BootDelay, RetryInterval and RefreshInterval
// are not passed on, and the orchestrator runs its built-in schedule.
type AutoNATConfig struct {
	Enabled bool `yaml:"enabled"`

	// Service answers dial-back probes from other peers.
	Service bool `yaml:"service,omitempty"`

	// BootDelay defers the first probe after start.
	BootDelay time.Duration `yaml:"boot_delay,omitempty"`

	// RetryInterval paces probes while confidence is building.
	RetryInterval time.Duration `yaml:"retry_interval,omitempty"`

	// RefreshInterval paces probes at full public confidence.
	RefreshInterval time.Duration `yaml:"refresh_interval,omitempty"`
}

// HolePunchConfig controls DCUtR.
type HolePunchConfig struct {
	Enabled bool `yaml:"enabled"`
}

// ResourcesConfig holds resource manager limits. peernet.FromConfig does
// not apply them; the node it builds runs with resource.DefaultLimits.
type ResourcesConfig struct {
	MaxConnections    int `yaml:"max_connections,omitempty"`
	MaxStreams        int `yaml:"max_streams,omitempty"`
	MaxMemoryMB       int `yaml:"max_memory_mb,omitempty"`
	MaxConnsPerPeer   int `yaml:"max_conns_per_peer,omitempty"`
	MaxStreamsPerPeer int `yaml:"max_streams_per_peer,omitempty"`
}

// TelemetryConfig holds observability settings. Disabled by default.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics,omitempty"`
}

// MetricsConfig controls Prometheus metrics exposure.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address,omitempty"` // stored only: no default is applied and nothing here serves on it
}

// Default returns a config with sensible development defaults.
func Default() *Config {
	return &Config{
		Version: CurrentConfigVersion,
		Identity: IdentityConfig{
			KeyFile: "peernet.key",
		},
		Network: NetworkConfig{
			ListenAddresses: []string{
				"/ip4/0.0.0.0/tcp/0",
				"/ip6/::/tcp/0",
			},
		},
		Relay:   RelayConfig{Enabled: true},
		AutoNAT: AutoNATConfig{Enabled: true},
		HolePunch: HolePunchConfig{
			Enabled: true,
		},
	}
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if cfg.Version == 0 {
		cfg.Version = CurrentConfigVersion
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config with restrictive permissions.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0o600)
}

// Validate checks the config for usable values.
func (c *Config) Validate() error {
	if c.Version > CurrentConfigVersion {
		return fmt.Errorf("config version %d is newer than supported %d", c.Version, CurrentConfigVersion)
	}
	if len(c.Network.ListenAddresses) == 0 && !c.Relay.Enabled {
		return fmt.Errorf("no listen addresses and relay disabled: node would be unreachable")
	}
	if c.Relay.Service && !c.Relay.Enabled {
		return fmt.Errorf("relay.service requires relay.enabled")
	}
	return nil
}
