package netfw

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	proc := filepath.Join(dir, "ip_forward")
	if err := os.WriteFile(proc, []byte("0\n"), 0644); err != nil {
		t.Fatal(err)
	}
	return &Manager{
		log:           slog.New(slog.NewTextHandler(io.Discard, nil)),
		sysctlDropIn:  filepath.Join(dir, "sysctl.d", "99-bridgegate.conf"),
		procIPForward: proc,
		rulesUnitPath: filepath.Join(dir, "system", RulesUnitName),
	}
}

func testRuleSet() RuleSet {
	return RuleSet{
		CloudSubnets:    []string{"10.0.0.0/16"},
		TunnelInterface: "tun0",
		EgressInterface: "tun0",
	}
}

func TestEnsureIPForwarding_appliesAndPersists(t *testing.T) {
	t.Parallel()

	m := testManager(t)
	if err := m.EnsureIPForwarding(); err != nil {
		t.Fatalf("EnsureIPForwarding() error: %v", err)
	}

	proc, err := os.ReadFile(m.procIPForward)
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(string(proc)) != "1" {
		t.Errorf("ip_forward = %q, want 1", proc)
	}

	dropIn, err := os.ReadFile(m.sysctlDropIn)
	if err != nil {
		t.Fatalf("drop-in not written: %v", err)
	}
	if !strings.Contains(string(dropIn), "net.ipv4.ip_forward = 1") {
		t.Errorf("drop-in missing directive:\n%s", dropIn)
	}
}

func TestEnsureIPForwarding_idempotent(t *testing.T) {
	t.Parallel()

	m := testManager(t)
	if err := m.EnsureIPForwarding(); err != nil {
		t.Fatal(err)
	}
	if err := m.EnsureIPForwarding(); err != nil {
		t.Fatal(err)
	}

	dropIn, err := os.ReadFile(m.sysctlDropIn)
	if err != nil {
		t.Fatal(err)
	}
	// Exactly one forwarding directive after any number of runs.
	if got := strings.Count(string(dropIn), "net.ipv4.ip_forward"); got != 1 {
		t.Errorf("drop-in has %d ip_forward directives, want exactly 1:\n%s", got, dropIn)
	}
}

func TestEnsureIPForwarding_replacesStaleDropIn(t *testing.T) {
	t.Parallel()

	m := testManager(t)
	if err := os.MkdirAll(filepath.Dir(m.sysctlDropIn), 0755); err != nil {
		t.Fatal(err)
	}
	// A hand-edited or doubled-up drop-in from a previous non-declarative
	// provisioner gets rewritten, not appended to.
	stale := "net.ipv4.ip_forward = 1\nnet.ipv4.ip_forward = 1\n"
	if err := os.WriteFile(m.sysctlDropIn, []byte(stale), 0644); err != nil {
		t.Fatal(err)
	}

	if err := m.EnsureIPForwarding(); err != nil {
		t.Fatal(err)
	}
	dropIn, err := os.ReadFile(m.sysctlDropIn)
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Count(string(dropIn), "net.ipv4.ip_forward"); got != 1 {
		t.Errorf("stale drop-in not replaced, %d directives remain", got)
	}
}

func TestRenderRuleset(t *testing.T) {
	t.Parallel()

	rs := RuleSet{
		CloudSubnets:    []string{"10.0.0.0/16", "172.16.0.0/20"},
		TunnelInterface: "tun0",
		EgressInterface: "tun0",
	}
	text, err := RenderRuleset(rs)
	if err != nil {
		t.Fatalf("RenderRuleset() error: %v", err)
	}

	for _, want := range []string{
		"table ip bridgegate\n",
		"delete table ip bridgegate\n",
		"type nat hook postrouting priority srcnat",
		`ip saddr 10.0.0.0/16 oifname "tun0" masquerade`,
		`ip saddr 172.16.0.0/20 oifname "tun0" masquerade`,
		"type filter hook forward priority filter",
		`iifname "tun0" accept`,
		`oifname "tun0" accept`,
	} {
		if !strings.Contains(text, want) {
			t.Errorf("ruleset missing %q:\n%s", want, text)
		}
	}

	// One masquerade rule per subnet, no duplicates.
	if got := strings.Count(text, "masquerade"); got != 2 {
		t.Errorf("masquerade rules = %d, want 2", got)
	}
}

func TestRenderRuleset_deterministic(t *testing.T) {
	t.Parallel()

	rs := testRuleSet()
	a, err := RenderRuleset(rs)
	if err != nil {
		t.Fatal(err)
	}
	b, err := RenderRuleset(rs)
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Error("RenderRuleset() is not deterministic")
	}
}

func TestRenderRuleset_rejectsBadInput(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(*RuleSet)
	}{
		{"no subnets", func(rs *RuleSet) { rs.CloudSubnets = nil }},
		{"bad subnet", func(rs *RuleSet) { rs.CloudSubnets = []string{"10.0.0.0/40"} }},
		{"ipv6 subnet", func(rs *RuleSet) { rs.CloudSubnets = []string{"fd00::/64"} }},
		{"no tunnel iface", func(rs *RuleSet) { rs.TunnelInterface = "" }},
		{"iface too long", func(rs *RuleSet) { rs.EgressInterface = "averyverylongname0" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			rs := testRuleSet()
			tc.mutate(&rs)
			if _, err := RenderRuleset(rs); err == nil {
				t.Error("RenderRuleset() accepted invalid rule set")
			}
		})
	}
}

func TestEnsureBootUnit_installsOneshotUnit(t *testing.T) {
	t.Parallel()

	m := testManager(t)
	rulesetPath := "/var/lib/bridgegate/bridgegate.nft"
	if err := m.EnsureBootUnit(rulesetPath); err != nil {
		t.Fatalf("EnsureBootUnit() error: %v", err)
	}

	unit, err := os.ReadFile(m.rulesUnitPath)
	if err != nil {
		t.Fatalf("unit not written: %v", err)
	}
	for _, want := range []string{
		"Type=oneshot",
		"RemainAfterExit=yes",
		"ExecStart=/usr/sbin/nft -f " + rulesetPath,
		"WantedBy=multi-user.target",
	} {
		if !strings.Contains(string(unit), want) {
			t.Errorf("unit missing %q:\n%s", want, unit)
		}
	}

	info, err := os.Stat(m.rulesUnitPath)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0644 {
		t.Errorf("unit mode = %o, want 0644", info.Mode().Perm())
	}
}

func TestEnsureBootUnit_idempotent(t *testing.T) {
	t.Parallel()

	m := testManager(t)
	if err := m.EnsureBootUnit("/var/lib/bridgegate/bridgegate.nft"); err != nil {
		t.Fatal(err)
	}
	if err := m.EnsureBootUnit("/var/lib/bridgegate/bridgegate.nft"); err != nil {
		t.Fatal(err)
	}

	unit, err := os.ReadFile(m.rulesUnitPath)
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Count(string(unit), "ExecStart="); got != 1 {
		t.Errorf("unit has %d ExecStart lines, want exactly 1:\n%s", got, unit)
	}
}

func TestEnsureBootUnit_replacesStaleRulesetPath(t *testing.T) {
	t.Parallel()

	m := testManager(t)
	if err := m.EnsureBootUnit("/old/state/bridgegate.nft"); err != nil {
		t.Fatal(err)
	}
	if err := m.EnsureBootUnit("/var/lib/bridgegate/bridgegate.nft"); err != nil {
		t.Fatal(err)
	}

	unit, err := os.ReadFile(m.rulesUnitPath)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(unit), "/old/state/") {
		t.Errorf("unit still references the old ruleset path:\n%s", unit)
	}
	if !strings.Contains(string(unit), "ExecStart=/usr/sbin/nft -f /var/lib/bridgegate/bridgegate.nft") {
		t.Errorf("unit not rewritten for the new ruleset path:\n%s", unit)
	}
}

func TestPersistRules_rewritesInPlace(t *testing.T) {
	t.Parallel()

	m := testManager(t)
	path := filepath.Join(t.TempDir(), "nftables.d", "bridgegate.nft")

	if err := m.PersistRules(testRuleSet(), path); err != nil {
		t.Fatalf("PersistRules() error: %v", err)
	}
	first, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	// Re-persisting identical state must not grow the file.
	if err := m.PersistRules(testRuleSet(), path); err != nil {
		t.Fatal(err)
	}
	second, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(first) != string(second) {
		t.Error("PersistRules() is not idempotent")
	}
	if got := strings.Count(string(second), "masquerade"); got != 1 {
		t.Errorf("persisted ruleset has %d masquerade rules, want exactly 1", got)
	}
}
