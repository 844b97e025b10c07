// Package netfw owns the gateway's kernel forwarding and NAT state: the
// ip_forward sysctl, the masquerade rule that rewrites cloud-subnet source
// addresses onto the tunnel interface, and the forward-permit rules for
// traffic entering and leaving the tunnel.
//
// All mutation is declarative: the desired state is computed from the rule
// set and applied wholesale, so re-running any operation leaves exactly the
// same kernel state and exactly one copy of each persisted directive.
package netfw

import (
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
)

// nftTableName is the nftables table owned by bridgegate. All rules are
// scoped to this table so they don't interfere with other firewall rules
// on the host, and so a rebuild can replace them atomically.
const nftTableName = "bridgegate"

// RulesUnitName is the oneshot systemd unit that replays the persisted
// ruleset at boot.
const RulesUnitName = "bridgegate-rules.service"

// Default persistence locations.
const (
	defaultSysctlDropIn  = "/etc/sysctl.d/99-bridgegate.conf"
	defaultProcIPForward = "/proc/sys/net/ipv4/ip_forward"
	defaultRulesUnitPath = "/etc/systemd/system/" + RulesUnitName
)

// RuleSet is the desired NAT/forwarding state.
type RuleSet struct {
	// CloudSubnets are the source CIDRs whose traffic is masqueraded when
	// it egresses toward the remote network.
	CloudSubnets []string

	// TunnelInterface is permitted for forwarding in both directions.
	TunnelInterface string

	// EgressInterface is the interface masqueraded traffic leaves through.
	EgressInterface string
}

func (rs RuleSet) validate() error {
	if rs.TunnelInterface == "" || rs.EgressInterface == "" {
		return fmt.Errorf("tunnel and egress interface names are required")
	}
	if len(rs.TunnelInterface) > 15 || len(rs.EgressInterface) > 15 {
		return fmt.Errorf("interface name exceeds IFNAMSIZ")
	}
	if len(rs.CloudSubnets) == 0 {
		return fmt.Errorf("at least one cloud subnet is required")
	}
	for _, c := range rs.CloudSubnets {
		p, err := netip.ParsePrefix(c)
		if err != nil {
			return fmt.Errorf("invalid cloud subnet %q: %w", c, err)
		}
		if !p.Addr().Is4() {
			return fmt.Errorf("cloud subnet %q is not IPv4", c)
		}
	}
	return nil
}

// Manager applies and persists the gateway's forwarding and NAT state.
// The kernel firewall is host-global: exactly one Manager, driven by the
// bootstrap orchestrator, may mutate it.
type Manager struct {
	log *slog.Logger

	// Overridable for tests; production uses the defaults.
	sysctlDropIn  string
	procIPForward string
	rulesUnitPath string
}

// NewManager creates a Manager writing to the standard system locations.
func NewManager(logger *slog.Logger) *Manager {
	return &Manager{
		log:           logger.With("component", "netfw"),
		sysctlDropIn:  defaultSysctlDropIn,
		procIPForward: defaultProcIPForward,
		rulesUnitPath: defaultRulesUnitPath,
	}
}

// EnsureIPForwarding enables IPv4 forwarding now and persists it across
// reboots. The drop-in file is rewritten from desired state, so running
// this any number of times leaves exactly one directive.
func (m *Manager) EnsureIPForwarding() error {
	const directive = "net.ipv4.ip_forward = 1\n"
	content := "# Managed by bridgegate. Required for tunnel gateway routing.\n" + directive

	existing, err := os.ReadFile(m.sysctlDropIn)
	switch {
	case err == nil && string(existing) == content:
		m.log.Debug("ip_forward drop-in already current", "path", m.sysctlDropIn)
	case err == nil || os.IsNotExist(err):
		if err := os.MkdirAll(filepath.Dir(m.sysctlDropIn), 0755); err != nil {
			return fmt.Errorf("creating sysctl.d: %w", err)
		}
		if err := os.WriteFile(m.sysctlDropIn, []byte(content), 0644); err != nil {
			return fmt.Errorf("writing sysctl drop-in %s: %w", m.sysctlDropIn, err)
		}
		m.log.Info("ip_forward persisted", "path", m.sysctlDropIn)
	default:
		return fmt.Errorf("reading sysctl drop-in %s: %w", m.sysctlDropIn, err)
	}

	// Apply immediately; the drop-in only takes effect on the next boot.
	if err := os.WriteFile(m.procIPForward, []byte("1\n"), 0644); err != nil {
		return fmt.Errorf("enabling ip_forward via %s: %w", m.procIPForward, err)
	}
	return nil
}

// RenderRuleset produces the nft ruleset file content for the desired
// state. The file deletes and redeclares the bridgegate table, so loading
// it is idempotent. It is a pure function of the rule set.
func RenderRuleset(rs RuleSet) (string, error) {
	if err := rs.validate(); err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("#!/usr/sbin/nft -f\n")
	b.WriteString("# Managed by bridgegate. Loaded at boot to restore gateway NAT state.\n\n")

	// Declare-then-delete makes the delete succeed whether or not the
	// table already exists, so the file can be replayed at any time.
	fmt.Fprintf(&b, "table ip %s\n", nftTableName)
	fmt.Fprintf(&b, "delete table ip %s\n\n", nftTableName)

	fmt.Fprintf(&b, "table ip %s {\n", nftTableName)
	b.WriteString("\tchain postrouting {\n")
	b.WriteString("\t\ttype nat hook postrouting priority srcnat; policy accept;\n")
	for _, subnet := range rs.CloudSubnets {
		fmt.Fprintf(&b, "\t\tip saddr %s oifname %q masquerade\n", subnet, rs.EgressInterface)
	}
	b.WriteString("\t}\n\n")
	b.WriteString("\tchain forward {\n")
	b.WriteString("\t\ttype filter hook forward priority filter; policy accept;\n")
	fmt.Fprintf(&b, "\t\tiifname %q accept\n", rs.TunnelInterface)
	fmt.Fprintf(&b, "\t\toifname %q accept\n", rs.TunnelInterface)
	b.WriteString("\t}\n")
	b.WriteString("}\n")

	return b.String(), nil
}

// PersistRules writes the nft ruleset file so the rules survive a host
// restart. Kernel rule state is ephemeral; without this file a reboot
// silently drops the NAT translation.
func (m *Manager) PersistRules(rs RuleSet, path string) error {
	text, err := RenderRuleset(rs)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating ruleset directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(text), 0644); err != nil {
		return fmt.Errorf("writing ruleset %s: %w", path, err)
	}
	m.log.Info("nft ruleset persisted", "path", path, "subnets", len(rs.CloudSubnets))
	return nil
}

// EnsureBootUnit installs a oneshot systemd unit that replays the
// persisted ruleset at boot. Kernel rule state is ephemeral; without this
// unit a reboot drops the NAT translation while the bootstrap stage
// marker still reads as configured. The unit file is rewritten from
// desired state, so re-running never accumulates stale content.
func (m *Manager) EnsureBootUnit(rulesetPath string) error {
	content := fmt.Sprintf(`[Unit]
Description=Restore bridgegate NAT and forwarding rules
After=network-pre.target
Wants=network-pre.target

[Service]
Type=oneshot
RemainAfterExit=yes
ExecStart=/usr/sbin/nft -f %s

[Install]
WantedBy=multi-user.target
`, rulesetPath)

	existing, err := os.ReadFile(m.rulesUnitPath)
	switch {
	case err == nil && string(existing) == content:
		m.log.Debug("rules unit already current", "path", m.rulesUnitPath)
		return nil
	case err == nil || os.IsNotExist(err):
		if err := os.MkdirAll(filepath.Dir(m.rulesUnitPath), 0755); err != nil {
			return fmt.Errorf("creating unit directory: %w", err)
		}
		if err := os.WriteFile(m.rulesUnitPath, []byte(content), 0644); err != nil {
			return fmt.Errorf("writing rules unit %s: %w", m.rulesUnitPath, err)
		}
		m.log.Info("rules unit installed", "path", m.rulesUnitPath, "ruleset", rulesetPath)
		return nil
	default:
		return fmt.Errorf("reading rules unit %s: %w", m.rulesUnitPath, err)
	}
}
