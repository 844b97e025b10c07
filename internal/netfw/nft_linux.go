//go:build linux

package netfw

import (
	"fmt"
	"net/netip"

	"github.com/google/nftables"
	"github.com/google/nftables/expr"
)

// EnsureRules applies the desired NAT and forward-permit state to the
// kernel. Equivalent to:
//
//	nft add table ip bridgegate
//	nft add chain ip bridgegate postrouting { type nat hook postrouting priority srcnat; }
//	nft add rule ip bridgegate postrouting ip saddr <subnet> oifname <egress> masquerade
//	nft add chain ip bridgegate forward { type filter hook forward priority filter; }
//	nft add rule ip bridgegate forward iifname <tunnel> accept
//	nft add rule ip bridgegate forward oifname <tunnel> accept
//
// The bridgegate table is dropped and rebuilt in full, so re-running with
// identical arguments never duplicates a rule.
//
// Requires CAP_NET_ADMIN.
func (m *Manager) EnsureRules(rs RuleSet) error {
	if err := rs.validate(); err != nil {
		return err
	}

	c, err := nftables.New()
	if err != nil {
		return fmt.Errorf("connecting to nftables: %w", err)
	}

	// Drop any previous incarnation of our table. The delete fails when
	// the table doesn't exist yet; that's the fresh-host case.
	c.DelTable(&nftables.Table{Family: nftables.TableFamilyIPv4, Name: nftTableName})
	if err := c.Flush(); err != nil {
		m.log.Debug("no previous nftables table to remove", "error", err)
	}

	table := c.AddTable(&nftables.Table{
		Family: nftables.TableFamilyIPv4,
		Name:   nftTableName,
	})

	postrouting := c.AddChain(&nftables.Chain{
		Name:     "postrouting",
		Table:    table,
		Type:     nftables.ChainTypeNAT,
		Hooknum:  nftables.ChainHookPostrouting,
		Priority: nftables.ChainPriorityNATSource,
	})

	for _, subnet := range rs.CloudSubnets {
		exprs, err := masqueradeExprs(subnet, rs.EgressInterface)
		if err != nil {
			return err
		}
		c.AddRule(&nftables.Rule{Table: table, Chain: postrouting, Exprs: exprs})
	}

	forward := c.AddChain(&nftables.Chain{
		Name:     "forward",
		Table:    table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  nftables.ChainHookForward,
		Priority: nftables.ChainPriorityFilter,
	})

	// Permit forwarding both into and out of the tunnel interface.
	c.AddRule(&nftables.Rule{Table: table, Chain: forward, Exprs: []expr.Any{
		&expr.Meta{Key: expr.MetaKeyIIFNAME, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: ifname(rs.TunnelInterface)},
		&expr.Verdict{Kind: expr.VerdictAccept},
	}})
	c.AddRule(&nftables.Rule{Table: table, Chain: forward, Exprs: []expr.Any{
		&expr.Meta{Key: expr.MetaKeyOIFNAME, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: ifname(rs.TunnelInterface)},
		&expr.Verdict{Kind: expr.VerdictAccept},
	}})

	if err := c.Flush(); err != nil {
		return fmt.Errorf("applying nftables rules: %w", err)
	}

	m.log.Info("nftables rules applied",
		"table", nftTableName,
		"subnets", len(rs.CloudSubnets),
		"tunnel_iface", rs.TunnelInterface,
		"egress_iface", rs.EgressInterface,
	)
	return nil
}

// Cleanup removes the bridgegate nftables table and all its rules.
// Safe to call when the table does not exist.
func (m *Manager) Cleanup() error {
	c, err := nftables.New()
	if err != nil {
		return fmt.Errorf("connecting to nftables: %w", err)
	}

	c.DelTable(&nftables.Table{Family: nftables.TableFamilyIPv4, Name: nftTableName})
	if err := c.Flush(); err != nil {
		// Table may not exist, which is fine.
		m.log.Debug("nftables cleanup (table may not have existed)", "error", err)
		return nil
	}

	m.log.Info("nftables bridgegate table removed")
	return nil
}

// masqueradeExprs builds the expression list for:
//
//	ip saddr <subnet> oifname <egress> masquerade
func masqueradeExprs(subnet, egressIface string) ([]expr.Any, error) {
	prefix, err := netip.ParsePrefix(subnet)
	if err != nil {
		return nil, fmt.Errorf("parsing subnet %q: %w", subnet, err)
	}
	addr := prefix.Masked().Addr().As4()

	mask := make([]byte, 4)
	for i := 0; i < prefix.Bits(); i++ {
		mask[i/8] |= 1 << (7 - i%8)
	}

	return []expr.Any{
		// Load the IPv4 source address into register 1.
		&expr.Payload{
			DestRegister: 1,
			Base:         expr.PayloadBaseNetworkHeader,
			Offset:       12,
			Len:          4,
		},
		// Mask it down to the network address.
		&expr.Bitwise{
			SourceRegister: 1,
			DestRegister:   1,
			Len:            4,
			Mask:           mask,
			Xor:            []byte{0, 0, 0, 0},
		},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: addr[:]},
		// Match the egress interface.
		&expr.Meta{Key: expr.MetaKeyOIFNAME, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: ifname(egressIface)},
		&expr.Masq{},
	}, nil
}

// ifname pads an interface name to IFNAMSIZ (16 bytes) with NULs for
// nftables comparison.
func ifname(name string) []byte {
	b := make([]byte, 16)
	copy(b, name)
	return b
}
