package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()

	if cfg.Tunnel.Port != 1194 {
		t.Errorf("default Tunnel.Port = %d, want 1194", cfg.Tunnel.Port)
	}
	if cfg.Tunnel.Proto != "udp" {
		t.Errorf("default Tunnel.Proto = %q, want udp", cfg.Tunnel.Proto)
	}
	if cfg.Tunnel.Pool != "10.8.0.0/24" {
		t.Errorf("default Tunnel.Pool = %q, want 10.8.0.0/24", cfg.Tunnel.Pool)
	}
	if cfg.PKI.Curve != "p256" {
		t.Errorf("default PKI.Curve = %q, want p256", cfg.PKI.Curve)
	}
	if cfg.Service.CommandTimeout.Std() != 90*time.Second {
		t.Errorf("default Service.CommandTimeout = %v, want 90s", cfg.Service.CommandTimeout.Std())
	}
	if got := cfg.Packages.Names; len(got) != 1 || got[0] != "openvpn" {
		t.Errorf("default Packages.Names = %v, want [openvpn]", got)
	}
}

func TestSaveAndLoadConfig_roundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "bridgegate", "config.toml")

	original := DefaultConfig()
	original.Network = NetworkConfig{
		CloudSubnets:    []string{"10.0.0.0/16"},
		RemoteNetworks:  []string{"10.100.102.0/24"},
		EgressInterface: "tun0",
	}
	original.Collab = CollabConfig{
		Region:          "eu-west-1",
		ReportBucket:    "config-reports",
		ReportPrefix:    "diffs/",
		SecretParameter: "/bridgegate/ssh-credentials",
		WebhookURL:      "https://example.invalid/webhook",
	}

	if err := SaveConfig(path, original); err != nil {
		t.Fatalf("SaveConfig() error: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("config file not created: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("config file permissions = %o, want 0600", perm)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}

	if diff := cmp.Diff(original, loaded); diff != "" {
		t.Errorf("config round trip mismatch (-saved +loaded):\n%s", diff)
	}
}

func TestLoadConfig_fileNotFound(t *testing.T) {
	t.Parallel()

	_, err := LoadConfig("/nonexistent/path/config.toml")
	if err == nil {
		t.Fatal("LoadConfig() expected error for missing file")
	}
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected fs.ErrNotExist, got: %v", err)
	}
}

func TestLoadConfig_appliesDefaults(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	content := `
[network]
cloud_subnets = ["10.0.0.0/16"]
remote_networks = ["10.100.102.0/24"]
egress_interface = "tun0"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}

	if cfg.Tunnel.Port != 1194 {
		t.Errorf("Tunnel.Port = %d, want default 1194", cfg.Tunnel.Port)
	}
	if cfg.Service.Unit != "openvpn-server@gateway" {
		t.Errorf("Service.Unit = %q, want default unit", cfg.Service.Unit)
	}
	if cfg.Packages.InstallTimeout.Std() != 5*time.Minute {
		t.Errorf("Packages.InstallTimeout = %v, want 5m", cfg.Packages.InstallTimeout.Std())
	}
	if cfg.StateDir != DefaultStateDir {
		t.Errorf("StateDir = %q, want %q", cfg.StateDir, DefaultStateDir)
	}
}

func validTestConfig() *Config {
	cfg := DefaultConfig()
	cfg.Network = NetworkConfig{
		CloudSubnets:    []string{"10.0.0.0/16"},
		RemoteNetworks:  []string{"10.100.102.0/24"},
		EgressInterface: "tun0",
	}
	return cfg
}

func TestValidate_acceptsDisjointCIDRs(t *testing.T) {
	t.Parallel()

	if err := Validate(validTestConfig()); err != nil {
		t.Fatalf("Validate() error on valid config: %v", err)
	}
}

func TestValidate_rejectsOverlap(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{
			name: "cloud subnet overlaps remote network",
			mutate: func(c *Config) {
				c.Network.CloudSubnets = []string{"10.100.0.0/16"}
			},
		},
		{
			name: "tunnel pool inside cloud subnet",
			mutate: func(c *Config) {
				c.Tunnel.Pool = "10.0.8.0/24"
			},
		},
		{
			name: "remote network inside tunnel pool",
			mutate: func(c *Config) {
				c.Network.RemoteNetworks = []string{"10.8.0.0/28"}
			},
		},
		{
			name: "duplicate cloud subnets",
			mutate: func(c *Config) {
				c.Network.CloudSubnets = []string{"10.0.0.0/16", "10.0.0.0/16"}
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := validTestConfig()
			tc.mutate(cfg)
			err := Validate(cfg)
			if err == nil {
				t.Fatal("Validate() accepted overlapping CIDRs")
			}
			if !strings.Contains(err.Error(), "overlaps") {
				t.Errorf("error should name the overlap, got: %v", err)
			}
		})
	}
}

func TestValidate_rejectsMalformedInput(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{
			name:   "bad CIDR",
			mutate: func(c *Config) { c.Network.CloudSubnets = []string{"10.0.0.0/99"} },
			want:   "invalid CIDR",
		},
		{
			name:   "host bits set",
			mutate: func(c *Config) { c.Network.RemoteNetworks = []string{"10.100.102.5/24"} },
			want:   "host bits",
		},
		{
			name:   "IPv6 pool",
			mutate: func(c *Config) { c.Tunnel.Pool = "fd00::/64" },
			want:   "not IPv4",
		},
		{
			name:   "bad proto",
			mutate: func(c *Config) { c.Tunnel.Proto = "sctp" },
			want:   "tunnel.proto",
		},
		{
			name:   "keepalive timeout below interval",
			mutate: func(c *Config) { c.Tunnel.KeepaliveTimeout = 5 },
			want:   "keepalive_timeout",
		},
		{
			name:   "no cloud subnets",
			mutate: func(c *Config) { c.Network.CloudSubnets = nil },
			want:   "cloud_subnets",
		},
		{
			name:   "missing egress interface",
			mutate: func(c *Config) { c.Network.EgressInterface = "" },
			want:   "egress_interface",
		},
		{
			name:   "unknown curve",
			mutate: func(c *Config) { c.PKI.Curve = "ed25519" },
			want:   "pki.curve",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := validTestConfig()
			tc.mutate(cfg)
			err := Validate(cfg)
			if err == nil {
				t.Fatalf("Validate() accepted invalid config")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("Validate() error = %v, want mention of %q", err, tc.want)
			}
		})
	}
}
