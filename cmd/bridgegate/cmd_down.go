package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bridgegate/bridgegate/internal/netfw"
	"github.com/bridgegate/bridgegate/internal/svc"
)

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Stop the tunnel and remove the gateway's firewall rules",
	Long: `Stop the tunnel daemon, disable it and the boot-time rule restore
from starting again, and remove the bridgegate nftables table.

This is the counterpart to 'bridgegate bootstrap'. The PKI store, the
rendered daemon config, and the persisted ruleset file are left in
place, so 'sudo bridgegate bootstrap --force' brings the gateway back.

Requires root:
  sudo bridgegate down`,
	RunE: runDown,
}

// unitControl is the slice of the supervisor the shutdown needs.
type unitControl interface {
	Stop(ctx context.Context, unit string) error
	Disable(ctx context.Context, unit string) error
}

// ruleRemover is the slice of the firewall manager the shutdown needs.
type ruleRemover interface {
	Cleanup() error
}

// shutdownGateway stops the tunnel unit, removes both boot enablements,
// and deletes the kernel rule table, in that order: rules come down only
// after no daemon is pushing traffic through them.
func shutdownGateway(ctx context.Context, units unitControl, fw ruleRemover, unit string) error {
	if err := units.Stop(ctx, unit); err != nil {
		return err
	}
	if err := units.Disable(ctx, unit); err != nil {
		return err
	}
	if err := units.Disable(ctx, netfw.RulesUnitName); err != nil {
		return err
	}
	return fw.Cleanup()
}

func runDown(cmd *cobra.Command, args []string) error {
	if err := requireRoot("down"); err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	sup := svc.NewSupervisor(svc.ExecRunner{}, cfg.Service.CommandTimeout.Std(), globalLogger)
	fw := netfw.NewManager(globalLogger)

	if err := shutdownGateway(cmd.Context(), sup, fw, cfg.Service.Unit); err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "Unit %s stopped and disabled; firewall rules removed.\n", cfg.Service.Unit)
	fmt.Fprintln(os.Stderr, "Run 'sudo bridgegate bootstrap --force' to bring the gateway back up.")
	return nil
}
