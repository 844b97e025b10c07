package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/bridgegate/bridgegate/internal/pki"
)

var clientCmd = &cobra.Command{
	Use:   "client <name>",
	Short: "Issue a new client certificate bundle",
	Long: `Issue a certificate and private key for a new tunnel client, signed
by this gateway's certificate authority. Each client gets its own
independent bundle; issuing one never touches the others. Re-issuing an
existing name is refused.

Requires root (the key store lives under /etc):
  sudo bridgegate client laptop2`,
	Args: cobra.ExactArgs(1),
	RunE: runClient,
}

func runClient(cmd *cobra.Command, args []string) error {
	if err := requireRoot("client"); err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
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

	if err := store.EnsureCA(); err != nil {
		return fmt.Errorf("loading certificate authority (run 'sudo bridgegate bootstrap' first?): %w", err)
	}

	bundle, err := store.IssueClientCert(args[0])
	if err != nil {
		return err
	}

	caCert, _, taKey := store.Paths()
	fmt.Fprintf(os.Stderr, "Issued client %q.\n\n", bundle.Name)
	fmt.Fprintf(os.Stderr, "Certificate: %s\n", bundle.CertPath)
	fmt.Fprintf(os.Stderr, "Private key: %s\n", bundle.KeyPath)
	fmt.Fprintf(os.Stderr, "CA cert:     %s\n", caCert)
	fmt.Fprintf(os.Stderr, "TLS auth:    %s\n", taKey)
	fmt.Fprintln(os.Stderr, "\nCopy all four files to the client over a trusted channel.")
	return nil
}
