// Package pkgs installs the distro packages the gateway depends on (the
// tunnel daemon itself). Installation is the first bootstrap stage: if the
// package source is unreachable, the run aborts here, before any trust
// material is generated.
package pkgs

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// Runner executes a package-manager command with extra environment
// variables and returns its combined output.
type Runner interface {
	Run(ctx context.Context, env []string, name string, args ...string) (string, error)
}

// ExecRunner runs commands with os/exec, appending env to the inherited
// environment.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, env []string, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if len(env) > 0 {
		cmd.Env = append(cmd.Environ(), env...)
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// Installer installs packages through whichever package manager the host
// carries.
type Installer struct {
	run      Runner
	timeout  time.Duration
	log      *slog.Logger
	lookPath func(string) (string, error)
}

// NewInstaller returns an Installer. A zero timeout defaults to 5 minutes.
func NewInstaller(run Runner, timeout time.Duration, logger *slog.Logger) *Installer {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Installer{
		run:      run,
		timeout:  timeout,
		log:      logger.With("component", "pkgs"),
		lookPath: exec.LookPath,
	}
}

// Install ensures the named packages are installed, non-interactively and
// under a bounded wait. Package managers are idempotent for
// already-installed packages, so re-running is safe.
func (i *Installer) Install(ctx context.Context, names []string) error {
	if len(names) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	switch {
	case i.has("apt-get"):
		env := []string{"DEBIAN_FRONTEND=noninteractive"}
		if _, err := i.run.Run(ctx, env, "apt-get", "update", "-q"); err != nil {
			return fmt.Errorf("refreshing package index: %w", err)
		}
		args := append([]string{"install", "-y", "-q"}, names...)
		if _, err := i.run.Run(ctx, env, "apt-get", args...); err != nil {
			return fmt.Errorf("installing %v: %w", names, err)
		}
	case i.has("dnf"):
		args := append([]string{"install", "-y"}, names...)
		if _, err := i.run.Run(ctx, nil, "dnf", args...); err != nil {
			return fmt.Errorf("installing %v: %w", names, err)
		}
	case i.has("yum"):
		args := append([]string{"install", "-y"}, names...)
		if _, err := i.run.Run(ctx, nil, "yum", args...); err != nil {
			return fmt.Errorf("installing %v: %w", names, err)
		}
	default:
		return fmt.Errorf("no supported package manager found (tried apt-get, dnf, yum)")
	}

	i.log.Info("packages installed", "names", names)
	return nil
}

func (i *Installer) has(tool string) bool {
	_, err := i.lookPath(tool)
	return err == nil
}
