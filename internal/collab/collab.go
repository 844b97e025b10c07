// Package collab holds the clients the gateway uses to talk to its
// collaborators: the secret store that hands out gateway SSH credentials,
// the report bucket, the chat webhook, and the run ledger. Every
// collaborator is optional; an empty config field disables it.
package collab

import (
	"context"
	"time"

	"golang.org/x/crypto/ssh"
)

// Credentials is the SSH identity used to reach a gateway host. The
// private key never touches disk; it lives in the secret store and is
// parsed straight into a signer.
type Credentials struct {
	User string
	Host string

	Signer ssh.Signer
}

// ClientConfig builds an SSH client config from the credentials. The
// caller supplies the host key policy; there is no insecure default.
func (c Credentials) ClientConfig(hostKey ssh.HostKeyCallback, timeout time.Duration) *ssh.ClientConfig {
	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(c.Signer)},
		HostKeyCallback: hostKey,
		Timeout:         timeout,
	}
}

// SecretSource fetches gateway SSH credentials from a secret store.
type SecretSource interface {
	Fetch(ctx context.Context) (Credentials, error)
}

// ReportStore persists bootstrap and verification reports.
type ReportStore interface {
	// Put stores the report body under the given name and returns the
	// full storage key it was written to.
	Put(ctx context.Context, name string, body []byte) (string, error)
}

// Notifier delivers a short human-readable message to a chat channel.
type Notifier interface {
	Notify(ctx context.Context, title, text string) error
}

// RunRecord is one entry in the run ledger: a single bootstrap or
// verification run against one gateway host.
type RunRecord struct {
	RunID     string    `json:"run_id"`
	Host      string    `json:"host"`
	StartedAt time.Time `json:"started_at"`
	Stage     string    `json:"stage"`
	Outcome   string    `json:"outcome"`

	// ExpiresAt, when set, lets the backing store age the record out.
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// RunLedger records runs so repeated bootstraps of the same host can be
// correlated.
type RunLedger interface {
	Record(ctx context.Context, rec RunRecord) error
	Latest(ctx context.Context, host string) (RunRecord, bool, error)
}
