// Package svc supervises the tunnel daemon through systemd. Every call is
// bounded by a timeout: an unresponsive daemon start must fail the
// bootstrap, not hang it.
package svc

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// State is the tunnel daemon's lifecycle state as reported by systemd.
type State string

const (
	Stopped  State = "stopped"
	Starting State = "starting"
	Running  State = "running"
	Failed   State = "failed"
)

// Runner executes a command and returns its combined output. It exists so
// tests can supervise a fake systemctl; production uses ExecRunner.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run executes the command and returns combined stdout/stderr. The output
// is attached to the error so failures carry the tool's own diagnostics.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// Supervisor controls one systemd unit.
type Supervisor struct {
	run     Runner
	timeout time.Duration
	log     *slog.Logger
}

// NewSupervisor returns a Supervisor using the given runner. A zero
// timeout defaults to 90 seconds.
func NewSupervisor(run Runner, timeout time.Duration, logger *slog.Logger) *Supervisor {
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	return &Supervisor{
		run:     run,
		timeout: timeout,
		log:     logger.With("component", "svc"),
	}
}

// EnableOnBoot marks the unit to start automatically at boot.
func (s *Supervisor) EnableOnBoot(ctx context.Context, unit string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if _, err := s.run.Run(ctx, "systemctl", "enable", unit); err != nil {
		return fmt.Errorf("enabling %s: %w", unit, err)
	}
	s.log.Info("service enabled on boot", "unit", unit)
	return nil
}

// Disable removes the unit's boot enablement.
func (s *Supervisor) Disable(ctx context.Context, unit string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if _, err := s.run.Run(ctx, "systemctl", "disable", unit); err != nil {
		return fmt.Errorf("disabling %s: %w", unit, err)
	}
	s.log.Info("service disabled", "unit", unit)
	return nil
}

// ReloadUnits makes systemd pick up new or changed unit files. Required
// after writing a unit file and before enabling it.
func (s *Supervisor) ReloadUnits(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if _, err := s.run.Run(ctx, "systemctl", "daemon-reload"); err != nil {
		return fmt.Errorf("reloading unit files: %w", err)
	}
	return nil
}

// Start starts the unit. A failed start is reported with the unit's own
// status output rather than leaving a running-but-broken service.
func (s *Supervisor) Start(ctx context.Context, unit string) error {
	return s.control(ctx, "start", unit)
}

// Restart restarts the unit, picking up configuration changes.
func (s *Supervisor) Restart(ctx context.Context, unit string) error {
	return s.control(ctx, "restart", unit)
}

// Stop stops the unit.
func (s *Supervisor) Stop(ctx context.Context, unit string) error {
	return s.control(ctx, "stop", unit)
}

func (s *Supervisor) control(ctx context.Context, verb, unit string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if _, err := s.run.Run(ctx, "systemctl", verb, unit); err != nil {
		// systemctl's own error is terse; pull the unit's recent status
		// so the bootstrap log names the actual cause.
		detail, derr := s.run.Run(ctx, "systemctl", "status", "--no-pager", "-n", "20", unit)
		if derr == nil && strings.TrimSpace(detail) != "" {
			return fmt.Errorf("%s %s: %w\n%s", verb, unit, err, strings.TrimSpace(detail))
		}
		return fmt.Errorf("%s %s: %w", verb, unit, err)
	}
	s.log.Info("service control applied", "verb", verb, "unit", unit)
	return nil
}

// Status reports the unit's lifecycle state.
func (s *Supervisor) Status(ctx context.Context, unit string) (State, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	// is-active exits non-zero for anything but "active"; the printed
	// word is still authoritative, so parse output before the error.
	out, err := s.run.Run(ctx, "systemctl", "is-active", unit)
	state := strings.TrimSpace(strings.SplitN(out, "\n", 2)[0])

	switch state {
	case "active":
		return Running, nil
	case "activating", "reloading":
		return Starting, nil
	case "inactive", "deactivating":
		return Stopped, nil
	case "failed":
		return Failed, nil
	}
	if err != nil {
		return "", fmt.Errorf("querying %s: %w", unit, err)
	}
	return "", fmt.Errorf("querying %s: unrecognized state %q", unit, state)
}
