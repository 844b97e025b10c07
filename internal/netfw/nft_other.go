//go:build !linux

package netfw

import "errors"

// EnsureRules requires nftables and is only available on Linux.
func (m *Manager) EnsureRules(rs RuleSet) error {
	return errors.New("kernel NAT rules are only supported on linux")
}

// Cleanup is only available on Linux.
func (m *Manager) Cleanup() error {
	return errors.New("kernel NAT rules are only supported on linux")
}
