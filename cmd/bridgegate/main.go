// Command bridgegate turns a bare Linux host into the gateway end of an
// encrypted tunnel between a cloud network and a remote site: it installs
// the tunnel daemon, builds the certificate authority, renders the daemon
// configuration, enables kernel forwarding and NAT, and brings the
// service up under systemd.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/bridgegate/bridgegate/internal/config"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

// Global flags shared across subcommands.
var (
	globalConfigPath string
	globalVerbose    bool
	globalLogger     *slog.Logger
)

// rootCmd is the top-level command.
var rootCmd = &cobra.Command{
	Use:   "bridgegate",
	Short: "Encrypted tunnel gateway bootstrap",
	Long: `bridgegate bootstraps a Linux host into a tunnel gateway that links a
cloud network with a remote site. A single run installs packages, creates
the on-host certificate authority, renders the tunnel daemon config,
enables IP forwarding and NAT, starts the service, and issues the first
client bundle. Runs are resumable: a failed bootstrap picks up at the
failed stage.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if globalVerbose {
			level = slog.LevelDebug
		}
		globalLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		}))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&globalConfigPath, "config", "", "path to config file (default: "+config.DefaultConfigPath+")")
	rootCmd.PersistentFlags().BoolVarP(&globalVerbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(bootstrapCmd)
	rootCmd.AddCommand(downCmd)
	rootCmd.AddCommand(clientCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(renderCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(versionCmd)
}

// versionCmd prints the build version.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the bridgegate version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

// resolvedConfigPath returns the config file path, using the global flag
// if set, otherwise the default system path.
func resolvedConfigPath() string {
	if globalConfigPath != "" {
		return globalConfigPath
	}
	return config.DefaultConfigPath
}

// loadConfig loads the TOML config from the resolved path.
func loadConfig() (*config.Config, error) {
	cfgPath := resolvedConfigPath()
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("loading config from %s: %w", cfgPath, err)
	}
	return cfg, nil
}

// requireRoot guards subcommands that write under /etc or talk to the
// kernel.
func requireRoot(action string) error {
	if os.Getuid() != 0 {
		return fmt.Errorf("%s requires root (try: sudo bridgegate %s)", action, action)
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
