package config

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// LoadSigningKey resolves the node's Ed25519 signing key. Precedence:
// an explicit hex seed (CIRISNODE_SIGNING_KEY), then a persistent key
// file at keyPath, generated on first run with 0600 perms.
func LoadSigningKey(seedHex, keyPath string) (ed25519.PrivateKey, error) {
	if seedHex != "" {
		seed, err := hex.DecodeString(seedHex)
		if err != nil {
			return nil, fmt.Errorf("decode signing key seed: %w", err)
		}
		if len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("signing key seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
		}
		return ed25519.NewKeyFromSeed(seed), nil
	}

	if data, err := os.ReadFile(keyPath); err == nil && len(data) >= ed25519.SeedSize {
		return ed25519.NewKeyFromSeed(data[:ed25519.SeedSize]), nil
	}

	// First run: generate and persist
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(keyPath), 0700); err != nil {
		return nil, fmt.Errorf("create key directory: %w", err)
	}
	if err := os.WriteFile(keyPath, priv.Seed(), 0600); err != nil {
		return nil, fmt.Errorf("write signing key: %w", err)
	}

	return priv, nil
}
