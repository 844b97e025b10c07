// Package pki is the gateway's on-host certificate authority. It creates a
// self-signed root of trust once, then issues the server certificate the
// tunnel daemon presents and one client certificate bundle per operator
// endpoint, all chaining to that root.
//
// Every operation is ensure-style: an existing artifact is loaded, never
// regenerated, so re-running the bootstrap against an already-trusted host
// cannot silently mint a second root.
//
// Private keys are written without a passphrase so the daemon can start
// unattended; restrictive file modes are the only protection, and
// VerifyPermissions makes that an explicit, checkable step.
package pki

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"time"
)

// File names inside the store directory.
const (
	caCertFile = "ca.crt"
	caKeyFile  = "ca.key"
	dhFile     = "dh.pem"
	taKeyFile  = "ta.key"

	issuedDir  = "issued"
	privateDir = "private"
)

// Options configures a Store.
type Options struct {
	// Dir is the store root, created 0700.
	Dir string

	// Country, Organization, and Email are stamped into every subject.
	Country      string
	Organization string
	Email        string

	// Curve names the ECDSA curve: "p256", "p384", or "p521".
	Curve string

	// CAValidity and LeafValidity bound certificate lifetimes.
	CAValidity   time.Duration
	LeafValidity time.Duration
}

// Store is the on-disk key and certificate store.
type Store struct {
	opts  Options
	curve elliptic.Curve
	log   *slog.Logger

	caCert *x509.Certificate
	caKey  *ecdsa.PrivateKey
}

// Bundle is an issued identity: the PEM-encoded certificate and private
// key plus the paths they were written to.
type Bundle struct {
	Name     string
	CertPath string
	KeyPath  string
	CertPEM  []byte
	KeyPEM   []byte
}

// NewStore creates a Store for the given options. It does not touch the
// filesystem; call EnsureInit first.
func NewStore(opts Options, logger *slog.Logger) (*Store, error) {
	curve, err := curveByName(opts.Curve)
	if err != nil {
		return nil, err
	}
	return &Store{
		opts:  opts,
		curve: curve,
		log:   logger.With("component", "pki"),
	}, nil
}

func curveByName(name string) (elliptic.Curve, error) {
	switch name {
	case "p256":
		return elliptic.P256(), nil
	case "p384":
		return elliptic.P384(), nil
	case "p521":
		return elliptic.P521(), nil
	default:
		return nil, fmt.Errorf("unknown curve %q (want p256, p384, or p521)", name)
	}
}

// EnsureInit creates the store directory layout if it does not exist.
// An already-initialized store is left untouched.
func (s *Store) EnsureInit() error {
	for _, dir := range []string{s.opts.Dir, filepath.Join(s.opts.Dir, issuedDir), filepath.Join(s.opts.Dir, privateDir)} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("creating pki directory %s: %w", dir, err)
		}
	}
	return nil
}

// EnsureCA loads the root certificate and key if they exist, otherwise it
// generates a new self-signed root. The root signs every server and client
// certificate this gateway trusts; it is never rotated automatically.
func (s *Store) EnsureCA() error {
	certPath := filepath.Join(s.opts.Dir, caCertFile)
	keyPath := filepath.Join(s.opts.Dir, caKeyFile)

	if fileExists(certPath) && fileExists(keyPath) {
		cert, key, err := loadCertAndKey(certPath, keyPath)
		if err != nil {
			return fmt.Errorf("loading existing CA: %w", err)
		}
		s.caCert, s.caKey = cert, key
		s.log.Debug("existing root CA loaded", "path", certPath, "subject", cert.Subject.CommonName)
		return nil
	}
	if fileExists(certPath) != fileExists(keyPath) {
		return fmt.Errorf("partial CA state: exactly one of %s, %s exists", certPath, keyPath)
	}

	key, err := ecdsa.GenerateKey(s.curve, rand.Reader)
	if err != nil {
		return fmt.Errorf("generating CA key: %w", err)
	}

	serial, err := newSerial()
	if err != nil {
		return err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   s.opts.Organization + " Root CA",
			Organization: []string{s.opts.Organization},
			Country:      []string{s.opts.Country},
		},
		EmailAddresses:        []string{s.opts.Email},
		NotBefore:             now.Add(-5 * time.Minute),
		NotAfter:              now.Add(s.opts.CAValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("creating root certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return fmt.Errorf("parsing root certificate: %w", err)
	}

	if err := writeCert(certPath, der); err != nil {
		return err
	}
	if err := writeKey(keyPath, key); err != nil {
		return err
	}

	s.caCert, s.caKey = cert, key
	s.log.Info("root CA created", "path", certPath, "not_after", cert.NotAfter)
	return nil
}

// CACertPool returns a pool containing the root certificate, for chain
// verification.
func (s *Store) CACertPool() (*x509.CertPool, error) {
	if s.caCert == nil {
		return nil, errors.New("CA not loaded: call EnsureCA first")
	}
	pool := x509.NewCertPool()
	pool.AddCert(s.caCert)
	return pool, nil
}

// EnsureServerCert loads the gateway's server identity if present,
// otherwise issues it from the root. There is exactly one server identity
// per gateway, bound to its tunnel role.
func (s *Store) EnsureServerCert(name string) (Bundle, error) {
	certPath := filepath.Join(s.opts.Dir, issuedDir, name+".crt")
	keyPath := filepath.Join(s.opts.Dir, privateDir, name+".key")

	if fileExists(certPath) && fileExists(keyPath) {
		certPEM, err := os.ReadFile(certPath)
		if err != nil {
			return Bundle{}, fmt.Errorf("reading server certificate: %w", err)
		}
		keyPEM, err := os.ReadFile(keyPath)
		if err != nil {
			return Bundle{}, fmt.Errorf("reading server key: %w", err)
		}
		s.log.Debug("existing server certificate loaded", "name", name)
		return Bundle{Name: name, CertPath: certPath, KeyPath: keyPath, CertPEM: certPEM, KeyPEM: keyPEM}, nil
	}

	return s.issue(name, x509.ExtKeyUsageServerAuth)
}

// EnsureClientCert loads the named client identity if present, otherwise
// issues it. Used for the bootstrap-time client so a re-run of the
// bootstrap against an already-provisioned host is a no-op here.
func (s *Store) EnsureClientCert(name string) (Bundle, error) {
	certPath := filepath.Join(s.opts.Dir, issuedDir, name+".crt")
	keyPath := filepath.Join(s.opts.Dir, privateDir, name+".key")

	if fileExists(certPath) && fileExists(keyPath) {
		certPEM, err := os.ReadFile(certPath)
		if err != nil {
			return Bundle{}, fmt.Errorf("reading client certificate: %w", err)
		}
		keyPEM, err := os.ReadFile(keyPath)
		if err != nil {
			return Bundle{}, fmt.Errorf("reading client key: %w", err)
		}
		s.log.Debug("existing client certificate loaded", "name", name)
		return Bundle{Name: name, CertPath: certPath, KeyPath: keyPath, CertPEM: certPEM, KeyPEM: keyPEM}, nil
	}

	return s.issue(name, x509.ExtKeyUsageClientAuth)
}

// IssueClientCert mints a new client identity signed by the root. Each
// client is independent: issuing one never touches previously issued
// bundles. Re-issuing an existing name is an error rather than a silent
// overwrite, since the old key would be orphaned.
func (s *Store) IssueClientCert(name string) (Bundle, error) {
	certPath := filepath.Join(s.opts.Dir, issuedDir, name+".crt")
	keyPath := filepath.Join(s.opts.Dir, privateDir, name+".key")
	if fileExists(certPath) || fileExists(keyPath) {
		return Bundle{}, fmt.Errorf("client %q already exists in %s", name, s.opts.Dir)
	}

	return s.issue(name, x509.ExtKeyUsageClientAuth)
}

func (s *Store) issue(name string, usage x509.ExtKeyUsage) (Bundle, error) {
	if s.caCert == nil || s.caKey == nil {
		return Bundle{}, errors.New("CA not loaded: call EnsureCA first")
	}
	if name == "" {
		return Bundle{}, errors.New("identity name must not be empty")
	}

	key, err := ecdsa.GenerateKey(s.curve, rand.Reader)
	if err != nil {
		return Bundle{}, fmt.Errorf("generating key for %q: %w", name, err)
	}

	serial, err := newSerial()
	if err != nil {
		return Bundle{}, err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   name,
			Organization: []string{s.opts.Organization},
			Country:      []string{s.opts.Country},
		},
		EmailAddresses: []string{s.opts.Email},
		NotBefore:      now.Add(-5 * time.Minute),
		NotAfter:       now.Add(s.opts.LeafValidity),
		KeyUsage:       x509.KeyUsageDigitalSignature,
		ExtKeyUsage:    []x509.ExtKeyUsage{usage},
	}
	if usage == x509.ExtKeyUsageServerAuth {
		template.DNSNames = []string{name}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, s.caCert, &key.PublicKey, s.caKey)
	if err != nil {
		return Bundle{}, fmt.Errorf("signing certificate for %q: %w", name, err)
	}

	certPath := filepath.Join(s.opts.Dir, issuedDir, name+".crt")
	keyPath := filepath.Join(s.opts.Dir, privateDir, name+".key")
	if err := writeCert(certPath, der); err != nil {
		return Bundle{}, err
	}
	if err := writeKey(keyPath, key); err != nil {
		return Bundle{}, err
	}

	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return Bundle{}, fmt.Errorf("reading back certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return Bundle{}, fmt.Errorf("reading back key: %w", err)
	}

	s.log.Info("certificate issued", "name", name, "usage", usageString(usage), "not_after", template.NotAfter)
	return Bundle{Name: name, CertPath: certPath, KeyPath: keyPath, CertPEM: certPEM, KeyPEM: keyPEM}, nil
}

// Paths returns the on-disk locations of the shared artifacts the tunnel
// daemon configuration references.
func (s *Store) Paths() (caCert, dhParams, taKey string) {
	return filepath.Join(s.opts.Dir, caCertFile),
		filepath.Join(s.opts.Dir, dhFile),
		filepath.Join(s.opts.Dir, taKeyFile)
}

// LeafPaths returns where the named identity's certificate and key live,
// whether or not they have been issued yet.
func (s *Store) LeafPaths(name string) (certPath, keyPath string) {
	return filepath.Join(s.opts.Dir, issuedDir, name+".crt"),
		filepath.Join(s.opts.Dir, privateDir, name+".key")
}

// VerifyPermissions asserts that every private artifact in the store is
// readable by its owner only. The keys carry no passphrase, so this is the
// whole protection model; a world-readable key is a hard failure.
func (s *Store) VerifyPermissions() error {
	var errs []error

	checkMode := func(path string, want fs.FileMode) {
		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return // not generated yet
			}
			errs = append(errs, err)
			return
		}
		if got := info.Mode().Perm(); got != want {
			errs = append(errs, fmt.Errorf("%s has mode %o, want %o", path, got, want))
		}
	}

	checkMode(s.opts.Dir, 0700)
	checkMode(filepath.Join(s.opts.Dir, privateDir), 0700)
	checkMode(filepath.Join(s.opts.Dir, caKeyFile), 0600)
	checkMode(filepath.Join(s.opts.Dir, taKeyFile), 0600)

	keys, err := filepath.Glob(filepath.Join(s.opts.Dir, privateDir, "*.key"))
	if err != nil {
		return err
	}
	for _, k := range keys {
		checkMode(k, 0600)
	}

	return errors.Join(errs...)
}

// newSerial returns a random 128-bit certificate serial number.
func newSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, fmt.Errorf("generating serial number: %w", err)
	}
	return serial, nil
}

func usageString(u x509.ExtKeyUsage) string {
	if u == x509.ExtKeyUsageServerAuth {
		return "server"
	}
	return "client"
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func writeCert(path string, der []byte) error {
	block := &pem.Block{Type: "CERTIFICATE", Bytes: der}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0644); err != nil {
		return fmt.Errorf("writing certificate %s: %w", path, err)
	}
	return nil
}

func writeKey(path string, key *ecdsa.PrivateKey) error {
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshaling private key: %w", err)
	}
	block := &pem.Block{Type: "EC PRIVATE KEY", Bytes: der}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0600); err != nil {
		return fmt.Errorf("writing private key %s: %w", path, err)
	}
	return nil
}

func loadCertAndKey(certPath, keyPath string) (*x509.Certificate, *ecdsa.PrivateKey, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, nil, err
	}
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, nil, fmt.Errorf("%s: no CERTIFICATE block", certPath)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing %s: %w", certPath, err)
	}

	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, nil, err
	}
	block, _ = pem.Decode(keyPEM)
	if block == nil || block.Type != "EC PRIVATE KEY" {
		return nil, nil, fmt.Errorf("%s: no EC PRIVATE KEY block", keyPath)
	}
	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing %s: %w", keyPath, err)
	}

	return cert, key, nil
}
