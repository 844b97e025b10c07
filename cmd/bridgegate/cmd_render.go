package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/bridgegate/bridgegate/internal/config"
	"github.com/bridgegate/bridgegate/internal/netfw"
	"github.com/bridgegate/bridgegate/internal/pki"
	"github.com/bridgegate/bridgegate/internal/tunnelconf"
)

var renderRules bool

var renderCmd = &cobra.Command{
	Use:   "render",
	Short: "Print the tunnel daemon config this host would get",
	Long: `Render the tunnel daemon configuration from the current config file
and print it to stdout without installing it. Requires the key material
to exist already, so run it after bootstrap reaches the PKI stage.

Use --rules to print the nft ruleset instead.`,
	RunE: runRender,
}

func init() {
	renderCmd.Flags().BoolVar(&renderRules, "rules", false, "print the nft ruleset instead of the daemon config")
}

func runRender(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Overlapping address ranges must be rejected here too, not only at
	// bootstrap: a preview of a misrouting config is worse than an error.
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if renderRules {
		out, err := netfw.RenderRuleset(netfw.RuleSet{
			CloudSubnets:    cfg.Network.CloudSubnets,
			TunnelInterface: cfg.Tunnel.Interface,
			EgressInterface: cfg.Network.EgressInterface,
		})
		if err != nil {
			return err
		}
		fmt.Print(out)
		return nil
	}

	store, err := pki.NewStore(pki.Options{
		Dir:          cfg.PKI.Dir,
		Country:      cfg.PKI.Country,
		Organization: cfg.PKI.Organization,
		Email:        cfg.PKI.Email,
		Curve:        cfg.PKI.Curve,
		CAValidity:   time.Duration(cfg.PKI.CAValidityDays) * 24 * time.Hour,
		LeafValidity: time.Duration(cfg.PKI.LeafValidityDays) * 24 * time.Hour,
	}, globalLogger)
	if err != nil {
		return err
	}

	caCert, dhParams, taKey := store.Paths()
	serverCert, serverKey := store.LeafPaths(cfg.PKI.ServerName)

	out, err := tunnelconf.Render(tunnelconf.Params{
		Port:              cfg.Tunnel.Port,
		Proto:             cfg.Tunnel.Proto,
		Device:            cfg.Tunnel.Device,
		CACertPath:        caCert,
		ServerCertPath:    serverCert,
		ServerKeyPath:     serverKey,
		DHParamsPath:      dhParams,
		TLSAuthPath:       taKey,
		Pool:              cfg.Tunnel.Pool,
		PushedRoutes:      cfg.Network.CloudSubnets,
		LocalRoutes:       cfg.Network.RemoteNetworks,
		Cipher:            cfg.Tunnel.Cipher,
		Auth:              cfg.Tunnel.Auth,
		KeepaliveInterval: cfg.Tunnel.KeepaliveInterval,
		KeepaliveTimeout:  cfg.Tunnel.KeepaliveTimeout,
		User:              cfg.Tunnel.User,
		Group:             cfg.Tunnel.Group,
	})
	if err != nil {
		return fmt.Errorf("rendering config (has bootstrap created the key material yet?): %w", err)
	}
	fmt.Print(out)
	return nil
}
