package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bridgegate/bridgegate/internal/bootstrap"
)

var bootstrapForce bool

var bootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Bootstrap this host into a tunnel gateway",
	Long: `Run the full bootstrap sequence: install packages, create the
certificate authority and gateway identity, render the tunnel daemon
configuration, enable IP forwarding and NAT, start the service, and
issue the first client bundle.

The sequence is fail-fast and resumable. A failed run leaves a stage
marker; running bootstrap again resumes at the failed stage. Use
--force to redo every stage from the start.

Requires root:
  sudo bridgegate bootstrap`,
	RunE: runBootstrap,
}

func init() {
	bootstrapCmd.Flags().BoolVar(&bootstrapForce, "force", false, "redo every stage, even on an already-bootstrapped host")
}

func runBootstrap(cmd *cobra.Command, args []string) error {
	if err := requireRoot("bootstrap"); err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	deps, err := bootstrap.DefaultDeps(cfg, globalLogger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	orch := bootstrap.New(cfg, deps, globalLogger)
	orch.Force = bootstrapForce

	globalLogger.Info("starting bootstrap", "config", resolvedConfigPath())

	if err := orch.Run(ctx); err != nil {
		if errors.Is(err, bootstrap.ErrLocked) {
			return fmt.Errorf("%w\n\nAnother bootstrap is running against this host. Wait for it to finish.", err)
		}
		var stageErr *bootstrap.StageError
		if errors.As(err, &stageErr) {
			return fmt.Errorf("%w\n\nFix the cause and run 'sudo bridgegate bootstrap' again; completed stages are skipped.", err)
		}
		return err
	}

	fmt.Fprintln(os.Stderr, "Bootstrap complete.")
	fmt.Fprintf(os.Stderr, "Unit %s is running and enabled on boot.\n", cfg.Service.Unit)
	fmt.Fprintf(os.Stderr, "First client bundle: %s\n", cfg.PKI.FirstClientName)
	fmt.Fprintln(os.Stderr, "Use 'bridgegate status' to inspect the gateway.")
	return nil
}
