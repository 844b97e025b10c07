package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// DefaultConfigPath is where the gateway config lives on a bootstrapped host.
const DefaultConfigPath = "/etc/bridgegate/config.toml"

// DefaultStateDir holds bootstrap stage markers and the run lock.
const DefaultStateDir = "/var/lib/bridgegate"

// Config is the top-level configuration for bridgegate.
// It is persisted as a TOML file at DefaultConfigPath.
type Config struct {
	PKI      PKIConfig      `toml:"pki"`
	Tunnel   TunnelConfig   `toml:"tunnel"`
	Network  NetworkConfig  `toml:"network"`
	Service  ServiceConfig  `toml:"service"`
	Packages PackagesConfig `toml:"packages"`
	Collab   CollabConfig   `toml:"collab"`

	// StateDir holds the stage marker file and the exclusive bootstrap lock.
	StateDir string `toml:"state_dir,omitempty"`
}

// PKIConfig controls the on-host certificate authority.
type PKIConfig struct {
	// Dir is the root of the key/certificate store (created 0700).
	Dir string `toml:"dir"`

	// Country, Organization, and Email are the identity fields baked into
	// the self-signed root and every certificate it issues.
	Country      string `toml:"country"`
	Organization string `toml:"organization"`
	Email        string `toml:"email"`

	// Curve selects the ECDSA curve for all generated keys
	// ("p256", "p384", or "p521").
	Curve string `toml:"curve"`

	// CAValidityDays and LeafValidityDays bound certificate lifetimes.
	CAValidityDays   int `toml:"ca_validity_days"`
	LeafValidityDays int `toml:"leaf_validity_days"`

	// ServerName is the logical identity on the gateway's server
	// certificate. FirstClientName is the bootstrap-time client identity.
	ServerName      string `toml:"server_name"`
	FirstClientName string `toml:"first_client_name"`
}

// TunnelConfig describes the tunnel daemon's listening and crypto profile.
// These values are immutable once the daemon is running; changing any of
// them requires a service restart.
type TunnelConfig struct {
	// Port and Proto are the transport the daemon listens on.
	Port  int    `toml:"port"`
	Proto string `toml:"proto"` // "udp" or "tcp"

	// Device is the virtual device type ("tun" or "tap"). Interface is the
	// kernel interface name the daemon creates (e.g. "tun0").
	Device    string `toml:"device"`
	Interface string `toml:"interface"`

	// Pool is the tunnel's internal address pool in CIDR notation. It must
	// not overlap the cloud subnets or the remote networks.
	Pool string `toml:"pool"`

	// Cipher and Auth select the data-channel cipher and HMAC digest.
	Cipher string `toml:"cipher"`
	Auth   string `toml:"auth"`

	// KeepaliveInterval and KeepaliveTimeout are the daemon's ping and
	// ping-restart values in seconds.
	KeepaliveInterval int `toml:"keepalive_interval"`
	KeepaliveTimeout  int `toml:"keepalive_timeout"`

	// User and Group are the unprivileged identity the daemon drops to
	// after binding its port and reading its keys.
	User  string `toml:"user"`
	Group string `toml:"group"`

	// ConfigPath is where the rendered daemon configuration is written.
	ConfigPath string `toml:"config_path"`
}

// NetworkConfig is the route propagation contract: which CIDRs are pushed
// to connecting clients and which the gateway itself routes into the tunnel.
type NetworkConfig struct {
	// CloudSubnets are pushed to every connecting client so that client
	// traffic for the cloud side enters the tunnel.
	CloudSubnets []string `toml:"cloud_subnets"`

	// RemoteNetworks are installed as local routes on the gateway so that
	// gateway traffic for the remote side enters the tunnel.
	RemoteNetworks []string `toml:"remote_networks"`

	// EgressInterface is the interface masqueraded traffic leaves through
	// toward the remote network (usually the tunnel interface).
	EgressInterface string `toml:"egress_interface"`
}

// ServiceConfig names the tunnel daemon's systemd unit.
type ServiceConfig struct {
	// Unit is the systemd unit name, e.g. "openvpn-server@gateway".
	Unit string `toml:"unit"`

	// CommandTimeout bounds every systemctl invocation. An unresponsive
	// daemon start must not hang the bootstrap.
	CommandTimeout Duration `toml:"command_timeout"`
}

// PackagesConfig lists the distro packages the gateway needs installed
// before anything else runs.
type PackagesConfig struct {
	Names []string `toml:"names"`

	// InstallTimeout bounds the package manager invocation.
	InstallTimeout Duration `toml:"install_timeout"`
}

// CollabConfig configures the external collaborators the downstream
// compute function talks to. Empty fields disable that collaborator;
// the gateway itself only constructs the clients.
type CollabConfig struct {
	Region          string `toml:"region,omitempty"`
	ReportBucket    string `toml:"report_bucket,omitempty"`
	ReportPrefix    string `toml:"report_prefix,omitempty"`
	SecretParameter string `toml:"secret_parameter,omitempty"`
	WebhookURL      string `toml:"webhook_url,omitempty"`
}

// Duration wraps time.Duration so TOML files can say "90s" or "5m".
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalText implements encoding.TextMarshaler for TOML encoding.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// DefaultConfig returns a Config populated with the defaults a fresh
// gateway host uses. Network-specific fields (cloud subnets, remote
// networks, egress interface) are left empty and must be filled in by
// the operator before bootstrap.
func DefaultConfig() *Config {
	return &Config{
		PKI: PKIConfig{
			Dir:              "/etc/bridgegate/pki",
			Country:          "US",
			Organization:     "bridgegate",
			Email:            "ops@bridgegate.invalid",
			Curve:            "p256",
			CAValidityDays:   3650,
			LeafValidityDays: 825,
			ServerName:       "gateway",
			FirstClientName:  "client1",
		},
		Tunnel: TunnelConfig{
			Port:              1194,
			Proto:             "udp",
			Device:            "tun",
			Interface:         "tun0",
			Pool:              "10.8.0.0/24",
			Cipher:            "AES-256-GCM",
			Auth:              "SHA256",
			KeepaliveInterval: 10,
			KeepaliveTimeout:  120,
			User:              "nobody",
			Group:             "nogroup",
			ConfigPath:        "/etc/openvpn/server/gateway.conf",
		},
		Service: ServiceConfig{
			Unit:           "openvpn-server@gateway",
			CommandTimeout: Duration(90 * time.Second),
		},
		Packages: PackagesConfig{
			Names:          []string{"openvpn"},
			InstallTimeout: Duration(5 * time.Minute),
		},
		StateDir: DefaultStateDir,
	}
}

// LoadConfig reads and decodes a TOML config file from the given path.
// If the file does not exist, it returns an error wrapping fs.ErrNotExist.
// After loading, defaults are applied for any unset optional fields.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config file not found: %w", err)
		}
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	applyDefaults(cfg)
	return cfg, nil
}

// SaveConfig encodes the config as TOML and writes it to the given path.
// Parent directories are created if they don't exist. The file is written
// with mode 0600 since it names key material and webhook endpoints.
func SaveConfig(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("creating config file %s: %w", path, err)
	}
	defer f.Close()

	enc := toml.NewEncoder(f)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	return nil
}

// applyDefaults fills in default values for optional fields that are
// zero-valued after TOML decoding.
func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.StateDir == "" {
		cfg.StateDir = def.StateDir
	}
	if cfg.PKI.Dir == "" {
		cfg.PKI.Dir = def.PKI.Dir
	}
	if cfg.PKI.Curve == "" {
		cfg.PKI.Curve = def.PKI.Curve
	}
	if cfg.PKI.CAValidityDays == 0 {
		cfg.PKI.CAValidityDays = def.PKI.CAValidityDays
	}
	if cfg.PKI.LeafValidityDays == 0 {
		cfg.PKI.LeafValidityDays = def.PKI.LeafValidityDays
	}
	if cfg.PKI.ServerName == "" {
		cfg.PKI.ServerName = def.PKI.ServerName
	}
	if cfg.PKI.FirstClientName == "" {
		cfg.PKI.FirstClientName = def.PKI.FirstClientName
	}
	if cfg.Tunnel.Port == 0 {
		cfg.Tunnel.Port = def.Tunnel.Port
	}
	if cfg.Tunnel.Proto == "" {
		cfg.Tunnel.Proto = def.Tunnel.Proto
	}
	if cfg.Tunnel.Device == "" {
		cfg.Tunnel.Device = def.Tunnel.Device
	}
	if cfg.Tunnel.Interface == "" {
		cfg.Tunnel.Interface = def.Tunnel.Interface
	}
	if cfg.Tunnel.Cipher == "" {
		cfg.Tunnel.Cipher = def.Tunnel.Cipher
	}
	if cfg.Tunnel.Auth == "" {
		cfg.Tunnel.Auth = def.Tunnel.Auth
	}
	if cfg.Tunnel.KeepaliveInterval == 0 {
		cfg.Tunnel.KeepaliveInterval = def.Tunnel.KeepaliveInterval
	}
	if cfg.Tunnel.KeepaliveTimeout == 0 {
		cfg.Tunnel.KeepaliveTimeout = def.Tunnel.KeepaliveTimeout
	}
	if cfg.Tunnel.User == "" {
		cfg.Tunnel.User = def.Tunnel.User
	}
	if cfg.Tunnel.Group == "" {
		cfg.Tunnel.Group = def.Tunnel.Group
	}
	if cfg.Tunnel.ConfigPath == "" {
		cfg.Tunnel.ConfigPath = def.Tunnel.ConfigPath
	}
	if cfg.Service.Unit == "" {
		cfg.Service.Unit = def.Service.Unit
	}
	if cfg.Service.CommandTimeout == 0 {
		cfg.Service.CommandTimeout = def.Service.CommandTimeout
	}
	if len(cfg.Packages.Names) == 0 {
		cfg.Packages.Names = append([]string(nil), def.Packages.Names...)
	}
	if cfg.Packages.InstallTimeout == 0 {
		cfg.Packages.InstallTimeout = def.Packages.InstallTimeout
	}
}
