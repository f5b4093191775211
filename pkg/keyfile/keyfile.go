// Package keyfile persists and loads the raw Ed25519 signing keys nodes
// authenticate with. There is no other disk state: circuits and relay
// registries live only in memory.
package keyfile

import (
	"crypto/ed25519"
	"fmt"
	"os"
)

// Save writes the 32-byte public key and 64-byte private key to the given
// paths with 0600 permissions.
func Save(pubPath, prvPath string, pub ed25519.PublicKey, prv ed25519.PrivateKey) error {
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("keyfile: public key must be %d bytes, got %d", ed25519.PublicKeySize, len(pub))
	}
	if len(prv) != ed25519.PrivateKeySize {
		return fmt.Errorf("keyfile: private key must be %d bytes, got %d", ed25519.PrivateKeySize, len(prv))
	}
	if err := os.WriteFile(pubPath, pub, 0o600); err != nil {
		return fmt.Errorf("keyfile: write public key: %w", err)
	}
	if err := os.WriteFile(prvPath, prv, 0o600); err != nil {
		return fmt.Errorf("keyfile: write private key: %w", err)
	}
	return nil
}

// LoadPublic reads a 32-byte Ed25519 public key from path.
func LoadPublic(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("keyfile: read public key: %w", err)
	}
	if len(data) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("keyfile: %s: expected %d bytes, got %d", path, ed25519.PublicKeySize, len(data))
	}
	return data, nil
}

// LoadPrivate reads a 64-byte Ed25519 private key from path.
func LoadPrivate(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("keyfile: read private key: %w", err)
	}
	if len(data) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("keyfile: %s: expected %d bytes, got %d", path, ed25519.PrivateKeySize, len(data))
	}
	return data, nil
}

// Env resolves the RO_PUBKEY/RO_PRVKEY environment variables to concrete
// paths, falling back to the default filenames in the working directory.
func Env() (pubPath, prvPath string) {
	pubPath = os.Getenv("RO_PUBKEY")
	if pubPath == "" {
		pubPath = "keyfile.pub.rkf"
	}
	prvPath = os.Getenv("RO_PRVKEY")
	if prvPath == "" {
		prvPath = "keyfile.prv.rkf"
	}
	return pubPath, prvPath
}
