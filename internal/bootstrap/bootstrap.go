// Package bootstrap sequences the one-shot conversion of a bare host into
// a trusted tunnel gateway: package installation, PKI creation, daemon
// configuration, kernel forwarding and NAT, service supervision, and the
// bootstrap-time client bundle.
//
// The sequence is strictly ordered and fail-fast: each stage is a
// precondition for the next, the first error halts the run, and nothing
// is rolled back; a host that is half-trusted must never reach
// ServiceRunning. Completed stages are persisted, so a failed run resumes
// at the failed stage rather than restarting from zero.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/bridgegate/bridgegate/internal/config"
	"github.com/bridgegate/bridgegate/internal/netfw"
	"github.com/bridgegate/bridgegate/internal/svc"
	"github.com/bridgegate/bridgegate/internal/tunnelconf"
)

// rulesetFile is the persisted nft ruleset, stored next to the stage
// marker so a replacement host's state lives in one place.
const rulesetFile = "bridgegate.nft"

// Orchestrator runs the bootstrap sequence. It owns the host's mutable
// kernel and PKI state for the duration of the run; no component mutates
// them outside the stage order.
type Orchestrator struct {
	cfg  *config.Config
	deps Deps
	log  *slog.Logger

	// Force restarts the sequence from Uninitialized, re-checking every
	// stage. Ensure-style components make this safe on an
	// already-bootstrapped host.
	Force bool
}

// New creates an Orchestrator. Deps come from DefaultDeps in production.
func New(cfg *config.Config, deps Deps, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:  cfg,
		deps: deps,
		log:  logger.With("component", "bootstrap"),
	}
}

// Run executes the bootstrap sequence: validate, lock, then advance the
// stage machine from wherever the marker left off. Any stage failure is
// returned as a *StageError and the run halts.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := config.Validate(o.cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	release, err := acquireLock(o.cfg.StateDir)
	if err != nil {
		return err
	}
	defer release()

	if o.Force {
		if err := resetStage(o.cfg.StateDir); err != nil {
			return err
		}
	}

	completed, err := loadStage(o.cfg.StateDir)
	if err != nil {
		return err
	}
	if completed == StageClientsProvisioned && !o.Force {
		o.log.Info("host already bootstrapped", "stage", completed)
		return nil
	}
	if completed != StageUninitialized {
		o.log.Info("resuming bootstrap", "after_stage", completed)
	}

	for _, stage := range stageOrder {
		if stage.index() <= completed.index() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		o.log.Info("entering stage", "stage", stage)
		if err := o.runStage(ctx, stage); err != nil {
			return &StageError{Stage: stage, Err: err}
		}
		if err := saveStage(o.cfg.StateDir, stage); err != nil {
			return &StageError{Stage: stage, Err: err}
		}
		o.log.Info("stage complete", "stage", stage)
	}

	o.log.Info("bootstrap complete", "unit", o.cfg.Service.Unit)
	return nil
}

func (o *Orchestrator) runStage(ctx context.Context, stage Stage) error {
	switch stage {
	case StagePackagesReady:
		return o.deps.Packages.Install(ctx, o.cfg.Packages.Names)
	case StagePKIBootstrapped:
		return o.bootstrapPKI()
	case StageServiceConfigured:
		return o.configureService()
	case StageForwardingConfigured:
		return o.configureForwarding(ctx)
	case StageServiceRunning:
		return o.startService(ctx)
	case StageClientsProvisioned:
		_, err := o.deps.PKI.EnsureClientCert(o.cfg.PKI.FirstClientName)
		return err
	}
	return fmt.Errorf("unknown stage %q", stage)
}

// bootstrapPKI creates (or loads) the root of trust and every artifact
// the daemon configuration references. Failure leaves no partial state
// wired into the service: the config is not rendered until this stage
// has fully succeeded.
func (o *Orchestrator) bootstrapPKI() error {
	p := o.deps.PKI
	if err := p.EnsureInit(); err != nil {
		return err
	}
	if err := p.EnsureCA(); err != nil {
		return err
	}
	if _, err := p.EnsureServerCert(o.cfg.PKI.ServerName); err != nil {
		return err
	}
	if err := p.EnsureDHParams(); err != nil {
		return err
	}
	if err := p.EnsureTLSAuthKey(); err != nil {
		return err
	}
	return p.VerifyPermissions()
}

func (o *Orchestrator) configureService() error {
	server, err := o.deps.PKI.EnsureServerCert(o.cfg.PKI.ServerName)
	if err != nil {
		return err
	}
	caCert, dhParams, taKey := o.deps.PKI.Paths()

	params := tunnelconf.Params{
		Port:              o.cfg.Tunnel.Port,
		Proto:             o.cfg.Tunnel.Proto,
		Device:            o.cfg.Tunnel.Device,
		CACertPath:        caCert,
		ServerCertPath:    server.CertPath,
		ServerKeyPath:     server.KeyPath,
		DHParamsPath:      dhParams,
		TLSAuthPath:       taKey,
		Pool:              o.cfg.Tunnel.Pool,
		PushedRoutes:      o.cfg.Network.CloudSubnets,
		LocalRoutes:       o.cfg.Network.RemoteNetworks,
		Cipher:            o.cfg.Tunnel.Cipher,
		Auth:              o.cfg.Tunnel.Auth,
		KeepaliveInterval: o.cfg.Tunnel.KeepaliveInterval,
		KeepaliveTimeout:  o.cfg.Tunnel.KeepaliveTimeout,
		User:              o.cfg.Tunnel.User,
		Group:             o.cfg.Tunnel.Group,
	}
	return o.deps.Config.Write(params, o.cfg.Tunnel.ConfigPath)
}

func (o *Orchestrator) configureForwarding(ctx context.Context) error {
	if err := o.deps.Firewall.EnsureIPForwarding(); err != nil {
		return err
	}
	rs := netfw.RuleSet{
		CloudSubnets:    o.cfg.Network.CloudSubnets,
		TunnelInterface: o.cfg.Tunnel.Interface,
		EgressInterface: o.cfg.Network.EgressInterface,
	}
	if err := o.deps.Firewall.EnsureRules(rs); err != nil {
		return err
	}
	if err := o.deps.Firewall.PersistRules(rs, o.RulesetPath()); err != nil {
		return err
	}

	// Kernel rules are gone after a reboot while the stage marker still
	// reads as configured, so the ruleset must be replayed at boot.
	if err := o.deps.Firewall.EnsureBootUnit(o.RulesetPath()); err != nil {
		return err
	}
	if err := o.deps.Service.ReloadUnits(ctx); err != nil {
		return err
	}
	return o.deps.Service.EnableOnBoot(ctx, netfw.RulesUnitName)
}

func (o *Orchestrator) startService(ctx context.Context) error {
	unit := o.cfg.Service.Unit
	if err := o.deps.Service.EnableOnBoot(ctx, unit); err != nil {
		return err
	}
	// Restart rather than start so a re-bootstrap picks up a changed
	// configuration; tunnel parameters are immutable while running.
	if err := o.deps.Service.Restart(ctx, unit); err != nil {
		return err
	}
	state, err := o.deps.Service.Status(ctx, unit)
	if err != nil {
		return err
	}
	if state != svc.Running {
		return fmt.Errorf("unit %s is %s after start", unit, state)
	}
	return nil
}

// RulesetPath is where the persisted nft ruleset lives for this config.
func (o *Orchestrator) RulesetPath() string {
	return filepath.Join(o.cfg.StateDir, rulesetFile)
}

// Stage reports the last completed stage recorded for this host.
func (o *Orchestrator) Stage() (Stage, error) {
	return loadStage(o.cfg.StateDir)
}
