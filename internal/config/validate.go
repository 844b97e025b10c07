package config

import (
	"errors"
	"fmt"
	"net/netip"
)

// Validate checks the config for the invariants the bootstrap depends on.
// It is called before any component mutates host state: an overlap between
// the tunnel pool, a cloud subnet, and a remote network silently breaks
// routing, so it is rejected here rather than discovered in production.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Tunnel.Proto != "udp" && cfg.Tunnel.Proto != "tcp" {
		errs = append(errs, fmt.Errorf("tunnel.proto must be \"udp\" or \"tcp\", got %q", cfg.Tunnel.Proto))
	}
	if cfg.Tunnel.Device != "tun" && cfg.Tunnel.Device != "tap" {
		errs = append(errs, fmt.Errorf("tunnel.device must be \"tun\" or \"tap\", got %q", cfg.Tunnel.Device))
	}
	if cfg.Tunnel.Port < 1 || cfg.Tunnel.Port > 65535 {
		errs = append(errs, fmt.Errorf("tunnel.port %d out of range", cfg.Tunnel.Port))
	}
	if cfg.Tunnel.KeepaliveInterval <= 0 || cfg.Tunnel.KeepaliveTimeout <= 0 {
		errs = append(errs, errors.New("tunnel keepalive interval and timeout must be positive"))
	}
	if cfg.Tunnel.KeepaliveTimeout <= cfg.Tunnel.KeepaliveInterval {
		errs = append(errs, fmt.Errorf("tunnel.keepalive_timeout (%d) must exceed keepalive_interval (%d)",
			cfg.Tunnel.KeepaliveTimeout, cfg.Tunnel.KeepaliveInterval))
	}
	switch cfg.PKI.Curve {
	case "p256", "p384", "p521":
	default:
		errs = append(errs, fmt.Errorf("pki.curve must be p256, p384, or p521, got %q", cfg.PKI.Curve))
	}

	if len(cfg.Network.CloudSubnets) == 0 {
		errs = append(errs, errors.New("network.cloud_subnets must list at least one CIDR"))
	}
	if len(cfg.Network.RemoteNetworks) == 0 {
		errs = append(errs, errors.New("network.remote_networks must list at least one CIDR"))
	}
	if cfg.Network.EgressInterface == "" {
		errs = append(errs, errors.New("network.egress_interface is required"))
	}

	prefixes, perrs := collectPrefixes(cfg)
	errs = append(errs, perrs...)
	errs = append(errs, checkOverlaps(prefixes)...)

	return errors.Join(errs...)
}

// labeledPrefix ties a parsed prefix back to the config field it came from
// for error reporting.
type labeledPrefix struct {
	label  string
	prefix netip.Prefix
}

func collectPrefixes(cfg *Config) ([]labeledPrefix, []error) {
	var out []labeledPrefix
	var errs []error

	add := func(label, cidr string) {
		p, err := netip.ParsePrefix(cidr)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: invalid CIDR %q: %w", label, cidr, err))
			return
		}
		if !p.Addr().Is4() {
			errs = append(errs, fmt.Errorf("%s: %q is not IPv4", label, cidr))
			return
		}
		if p.Addr() != p.Masked().Addr() {
			errs = append(errs, fmt.Errorf("%s: %q has host bits set (want %s)", label, cidr, p.Masked()))
			return
		}
		out = append(out, labeledPrefix{label: label, prefix: p})
	}

	add("tunnel.pool", cfg.Tunnel.Pool)
	for _, c := range cfg.Network.CloudSubnets {
		add("network.cloud_subnets", c)
	}
	for _, c := range cfg.Network.RemoteNetworks {
		add("network.remote_networks", c)
	}

	return out, errs
}

// checkOverlaps rejects any pairwise overlap among the tunnel pool, cloud
// subnets, and remote networks. Overlapping routes do not fail loudly:
// traffic just goes the wrong way.
func checkOverlaps(prefixes []labeledPrefix) []error {
	var errs []error
	for i := 0; i < len(prefixes); i++ {
		for j := i + 1; j < len(prefixes); j++ {
			a, b := prefixes[i], prefixes[j]
			if a.prefix.Overlaps(b.prefix) {
				errs = append(errs, fmt.Errorf("%s %s overlaps %s %s",
					a.label, a.prefix, b.label, b.prefix))
			}
		}
	}
	return errs
}
