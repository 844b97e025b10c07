package bootstrap

import (
	"context"
	"log/slog"
	"time"

	"github.com/bridgegate/bridgegate/internal/config"
	"github.com/bridgegate/bridgegate/internal/netfw"
	"github.com/bridgegate/bridgegate/internal/pkgs"
	"github.com/bridgegate/bridgegate/internal/pki"
	"github.com/bridgegate/bridgegate/internal/svc"
	"github.com/bridgegate/bridgegate/internal/tunnelconf"
)

// PackageInstaller abstracts distro package installation for testability.
type PackageInstaller interface {
	Install(ctx context.Context, names []string) error
}

// PKIManager abstracts the certificate store. On real systems it writes
// key material under /etc; in tests it can be a recording fake.
type PKIManager interface {
	EnsureInit() error
	EnsureCA() error
	EnsureServerCert(name string) (pki.Bundle, error)
	EnsureClientCert(name string) (pki.Bundle, error)
	EnsureDHParams() error
	EnsureTLSAuthKey() error
	VerifyPermissions() error
	Paths() (caCert, dhParams, taKey string)
}

// Configurator abstracts rendering and installing the tunnel daemon's
// configuration file.
type Configurator interface {
	Write(p tunnelconf.Params, path string) error
}

// Firewall abstracts kernel forwarding and NAT state. On real systems
// these require CAP_NET_ADMIN; in tests they are recording fakes.
type Firewall interface {
	EnsureIPForwarding() error
	EnsureRules(rs netfw.RuleSet) error
	PersistRules(rs netfw.RuleSet, path string) error
	EnsureBootUnit(rulesetPath string) error
}

// Supervisor abstracts systemd control of the tunnel daemon.
type Supervisor interface {
	EnableOnBoot(ctx context.Context, unit string) error
	Restart(ctx context.Context, unit string) error
	Status(ctx context.Context, unit string) (svc.State, error)
	ReloadUnits(ctx context.Context) error
}

// Deps holds the components the orchestrator sequences. Production code
// uses DefaultDeps; tests inject fakes.
type Deps struct {
	Packages PackageInstaller
	PKI      PKIManager
	Config   Configurator
	Firewall Firewall
	Service  Supervisor
}

// DefaultDeps returns the production implementations wired from config.
func DefaultDeps(cfg *config.Config, logger *slog.Logger) (Deps, error) {
	store, err := pki.NewStore(pki.Options{
		Dir:          cfg.PKI.Dir,
		Country:      cfg.PKI.Country,
		Organization: cfg.PKI.Organization,
		Email:        cfg.PKI.Email,
		Curve:        cfg.PKI.Curve,
		CAValidity:   time.Duration(cfg.PKI.CAValidityDays) * 24 * time.Hour,
		LeafValidity: time.Duration(cfg.PKI.LeafValidityDays) * 24 * time.Hour,
	}, logger)
	if err != nil {
		return Deps{}, err
	}

	return Deps{
		Packages: pkgs.NewInstaller(pkgs.ExecRunner{}, cfg.Packages.InstallTimeout.Std(), logger),
		PKI:      store,
		Config:   realConfigurator{},
		Firewall: netfw.NewManager(logger),
		Service:  svc.NewSupervisor(svc.ExecRunner{}, cfg.Service.CommandTimeout.Std(), logger),
	}, nil
}

type realConfigurator struct{}

func (realConfigurator) Write(p tunnelconf.Params, path string) error {
	return tunnelconf.Write(p, path)
}
