package bootstrap

import (
	"context"
	"errors"
	"path/filepath"

	"github.com/bridgegate/bridgegate/internal/netfw"
	"github.com/bridgegate/bridgegate/internal/pki"
	"github.com/bridgegate/bridgegate/internal/svc"
	"github.com/bridgegate/bridgegate/internal/tunnelconf"
)

// recorder collects the cross-component call sequence so tests can assert
// strict stage ordering.
type recorder struct {
	calls []string
}

func (r *recorder) record(name string) {
	r.calls = append(r.calls, name)
}

type fakePackages struct {
	rec *recorder
	err error
}

func (f *fakePackages) Install(_ context.Context, names []string) error {
	f.rec.record("packages.Install")
	return f.err
}

type fakePKI struct {
	rec *recorder
	dir string

	caErr     error
	issueErr  error
	clients   []string
	ensuredCA int
}

func (f *fakePKI) EnsureInit() error {
	f.rec.record("pki.EnsureInit")
	return nil
}

func (f *fakePKI) EnsureCA() error {
	f.rec.record("pki.EnsureCA")
	if f.caErr != nil {
		return f.caErr
	}
	f.ensuredCA++
	return nil
}

func (f *fakePKI) bundle(name string) pki.Bundle {
	return pki.Bundle{
		Name:     name,
		CertPath: filepath.Join(f.dir, "issued", name+".crt"),
		KeyPath:  filepath.Join(f.dir, "private", name+".key"),
		CertPEM:  []byte("cert:" + name),
		KeyPEM:   []byte("key:" + name),
	}
}

func (f *fakePKI) EnsureServerCert(name string) (pki.Bundle, error) {
	f.rec.record("pki.EnsureServerCert")
	return f.bundle(name), nil
}

func (f *fakePKI) EnsureClientCert(name string) (pki.Bundle, error) {
	f.rec.record("pki.EnsureClientCert")
	if f.issueErr != nil {
		return pki.Bundle{}, f.issueErr
	}
	f.clients = append(f.clients, name)
	return f.bundle(name), nil
}

func (f *fakePKI) EnsureDHParams() error {
	f.rec.record("pki.EnsureDHParams")
	return nil
}

func (f *fakePKI) EnsureTLSAuthKey() error {
	f.rec.record("pki.EnsureTLSAuthKey")
	return nil
}

func (f *fakePKI) VerifyPermissions() error {
	f.rec.record("pki.VerifyPermissions")
	return nil
}

func (f *fakePKI) Paths() (string, string, string) {
	return filepath.Join(f.dir, "ca.crt"),
		filepath.Join(f.dir, "dh.pem"),
		filepath.Join(f.dir, "ta.key")
}

type fakeConfigurator struct {
	rec    *recorder
	err    error
	params tunnelconf.Params
	path   string
	writes int
}

func (f *fakeConfigurator) Write(p tunnelconf.Params, path string) error {
	f.rec.record("config.Write")
	if f.err != nil {
		return f.err
	}
	f.params = p
	f.path = path
	f.writes++
	return nil
}

type fakeFirewall struct {
	rec *recorder
	err error

	forwarding int
	rules      []netfw.RuleSet
	persisted  string
	bootUnits  []string
}

func (f *fakeFirewall) EnsureIPForwarding() error {
	f.rec.record("firewall.EnsureIPForwarding")
	if f.err != nil {
		return f.err
	}
	f.forwarding++
	return nil
}

func (f *fakeFirewall) EnsureRules(rs netfw.RuleSet) error {
	f.rec.record("firewall.EnsureRules")
	if f.err != nil {
		return f.err
	}
	f.rules = append(f.rules, rs)
	return nil
}

func (f *fakeFirewall) PersistRules(rs netfw.RuleSet, path string) error {
	f.rec.record("firewall.PersistRules")
	if f.err != nil {
		return f.err
	}
	f.persisted = path
	return nil
}

func (f *fakeFirewall) EnsureBootUnit(rulesetPath string) error {
	f.rec.record("firewall.EnsureBootUnit")
	if f.err != nil {
		return f.err
	}
	f.bootUnits = append(f.bootUnits, rulesetPath)
	return nil
}

type fakeSupervisor struct {
	rec *recorder

	restartErr error
	state      svc.State

	enabled  []string
	restarts int
}

func (f *fakeSupervisor) EnableOnBoot(_ context.Context, unit string) error {
	f.rec.record("service.EnableOnBoot")
	f.enabled = append(f.enabled, unit)
	return nil
}

func (f *fakeSupervisor) Restart(_ context.Context, unit string) error {
	f.rec.record("service.Restart")
	if f.restartErr != nil {
		return f.restartErr
	}
	f.restarts++
	return nil
}

func (f *fakeSupervisor) Status(_ context.Context, unit string) (svc.State, error) {
	f.rec.record("service.Status")
	if f.state == "" {
		return svc.Running, nil
	}
	return f.state, nil
}

func (f *fakeSupervisor) ReloadUnits(_ context.Context) error {
	f.rec.record("service.ReloadUnits")
	return nil
}

// errUnreachableRepo simulates a package source that cannot be reached.
var errUnreachableRepo = errors.New("could not resolve package source")
