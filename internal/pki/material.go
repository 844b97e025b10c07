package pki

import (
	"crypto/rand"
	"encoding/asn1"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
)

// modp2048Prime is the 2048-bit MODP group 14 prime from RFC 3526 §3.
// Using the well-analyzed published group instead of searching for a fresh
// safe prime keeps bootstrap time bounded; the group is public by design
// and its security does not depend on being unique per host.
const modp2048Prime = "FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD1" +
	"29024E088A67CC74020BBEA63B139B22514A08798E3404DD" +
	"EF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245" +
	"E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7ED" +
	"EE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3D" +
	"C2007CB8A163BF0598DA48361C55D39A69163FA8FD24CF5F" +
	"83655D23DCA3AD961C62F356208552BB9ED529077096966D" +
	"670C354E4ABC9804F1746C08CA18217C32905E462E36CE3B" +
	"E39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9" +
	"DE2BCBF6955817183995497CEA956AE515D2261898FA0510" +
	"15728E5A8AACAA68FFFFFFFFFFFFFFFF"

// dhParameters is the PKCS#3 DHParameter ASN.1 structure.
type dhParameters struct {
	Prime     *big.Int
	Generator *big.Int
}

// EnsureDHParams writes the Diffie-Hellman parameter file the tunnel
// daemon loads at start. No-op if the file already exists.
func (s *Store) EnsureDHParams() error {
	path := filepath.Join(s.opts.Dir, dhFile)
	if fileExists(path) {
		return nil
	}

	prime, ok := new(big.Int).SetString(modp2048Prime, 16)
	if !ok {
		return fmt.Errorf("parsing MODP group prime")
	}

	der, err := asn1.Marshal(dhParameters{Prime: prime, Generator: big.NewInt(2)})
	if err != nil {
		return fmt.Errorf("encoding DH parameters: %w", err)
	}

	block := &pem.Block{Type: "DH PARAMETERS", Bytes: der}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0644); err != nil {
		return fmt.Errorf("writing DH parameters %s: %w", path, err)
	}

	s.log.Info("DH parameters written", "path", path, "bits", prime.BitLen())
	return nil
}

// EnsureTLSAuthKey generates the shared static authentication key the
// daemon uses to HMAC-sign its control channel (OpenVPN "static key V1"
// format: 2048 random bits as 16 lines of hex). No-op if present.
func (s *Store) EnsureTLSAuthKey() error {
	path := filepath.Join(s.opts.Dir, taKeyFile)
	if fileExists(path) {
		return nil
	}

	raw := make([]byte, 256)
	if _, err := rand.Read(raw); err != nil {
		return fmt.Errorf("generating static auth key: %w", err)
	}

	var b strings.Builder
	b.WriteString("#\n# 2048 bit OpenVPN static key\n#\n")
	b.WriteString("-----BEGIN OpenVPN Static key V1-----\n")
	hexed := hex.EncodeToString(raw)
	for i := 0; i < len(hexed); i += 32 {
		b.WriteString(hexed[i : i+32])
		b.WriteByte('\n')
	}
	b.WriteString("-----END OpenVPN Static key V1-----\n")

	if err := os.WriteFile(path, []byte(b.String()), 0600); err != nil {
		return fmt.Errorf("writing static auth key %s: %w", path, err)
	}

	s.log.Info("static auth key written", "path", path)
	return nil
}
