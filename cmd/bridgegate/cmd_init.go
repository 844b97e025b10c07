package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bridgegate/bridgegate/internal/config"
)

var initOverwrite bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter config file",
	Long: `Write a config file populated with defaults to the config path.
The network section (cloud_subnets, remote_networks, egress_interface)
is left empty and must be filled in before running bootstrap.`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initOverwrite, "overwrite", false, "replace an existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	path := resolvedConfigPath()

	if _, err := os.Stat(path); err == nil && !initOverwrite {
		return fmt.Errorf("%s already exists (use --overwrite to replace it)", path)
	}

	if err := config.SaveConfig(path, config.DefaultConfig()); err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "Wrote %s\n", path)
	fmt.Fprintln(os.Stderr, "Fill in the [network] section, then run: sudo bridgegate bootstrap")
	return nil
}
