package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.yaml")

	cfg := Default()
	cfg.Relay.StaticRelays = []string{"/ip4/203.0.113.1/tcp/4001/p2p/QmRelay"}
	cfg.Relay.ReservationTTL = time.Hour
	cfg.AutoNAT.BootDelay = 5 * time.Second
	if err := cfg.Save(path); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Version != CurrentConfigVersion {
		t.Errorf("version = %d", loaded.Version)
	}
	if len(loaded.Network.ListenAddresses) != 2 {
		t.Errorf("listen addresses = %v", loaded.Network.ListenAddresses)
	}
	if loaded.Relay.ReservationTTL != time.Hour {
		t.Errorf("reservation ttl = %v", loaded.Relay.ReservationTTL)
	}
	if loaded.AutoNAT.BootDelay != 5*time.Second {
		t.Errorf("boot delay = %v", loaded.AutoNAT.BootDelay)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("config file mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestValidate(t *testing.T) {
	t.Run("relay service requires relay", func(t *testing.T) {
		cfg := Default()
		cfg.Relay.Enabled = false
		cfg.Relay.Service = true
		if err := cfg.Validate(); err == nil {
			t.Error("invalid config accepted")
		}
	})

	t.Run("unreachable node rejected", func(t *testing.T) {
		cfg := Default()
		cfg.Network.ListenAddresses = nil
		cfg.Relay.Enabled = false
		if err := cfg.Validate(); err == nil {
			t.Error("unreachable config accepted")
		}
	})

	t.Run("future version rejected", func(t *testing.T) {
		cfg := Default()
		cfg.Version = CurrentConfigVersion + 1
		if err := cfg.Validate(); err == nil {
			t.Error("future version accepted")
		}
	})
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("missing file loaded")
	}
}
