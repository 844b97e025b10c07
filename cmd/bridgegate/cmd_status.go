package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/bridgegate/bridgegate/internal/bootstrap"
	"github.com/bridgegate/bridgegate/internal/svc"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show gateway bootstrap and service state",
	Long:  `Display the last completed bootstrap stage, the tunnel daemon's systemd state, and the configured route propagation.`,
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	deps, err := bootstrap.DefaultDeps(cfg, globalLogger)
	if err != nil {
		return err
	}
	orch := bootstrap.New(cfg, deps, globalLogger)

	stage, err := orch.Stage()
	if err != nil {
		return err
	}

	unitState := "unknown"
	state, err := deps.Service.Status(cmd.Context(), cfg.Service.Unit)
	if err == nil {
		unitState = string(state)
	} else if stage == bootstrap.StageUninitialized {
		unitState = string(svc.Stopped)
	}

	fmt.Fprintf(os.Stdout, "Stage:     %s\n", stage)
	fmt.Fprintf(os.Stdout, "Unit:      %s (%s)\n", cfg.Service.Unit, unitState)
	fmt.Fprintf(os.Stdout, "Listener:  %s/%d on %s\n", cfg.Tunnel.Proto, cfg.Tunnel.Port, cfg.Tunnel.Interface)
	fmt.Fprintf(os.Stdout, "Pool:      %s\n", cfg.Tunnel.Pool)
	fmt.Println()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DIRECTION\tNETWORKS")
	fmt.Fprintf(w, "pushed to clients\t%s\n", joinOrDash(cfg.Network.CloudSubnets))
	fmt.Fprintf(w, "routed locally\t%s\n", joinOrDash(cfg.Network.RemoteNetworks))
	w.Flush()

	return nil
}

func joinOrDash(nets []string) string {
	if len(nets) == 0 {
		return "-"
	}
	return strings.Join(nets, ", ")
}
