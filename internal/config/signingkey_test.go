package config

import (
	"crypto/ed25519"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadSigningKey_FromSeed(t *testing.T) {
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = byte(i)
	}
	seedHex := hex.EncodeToString(seed)

	key, err := LoadSigningKey(seedHex, "")
	if err != nil {
		t.Fatalf("LoadSigningKey: %v", err)
	}

	// Same seed, same key.
	again, err := LoadSigningKey(seedHex, "")
	if err != nil {
		t.Fatalf("LoadSigningKey again: %v", err)
	}
	if !key.Equal(again) {
		t.Fatal("expected deterministic key from seed")
	}
}

func TestLoadSigningKey_RejectsBadSeed(t *testing.T) {
	if _, err := LoadSigningKey("not-hex", ""); err == nil {
		t.Fatal("expected error for non-hex seed")
	}
	if _, err := LoadSigningKey("abcd", ""); err == nil {
		t.Fatal("expected error for short seed")
	}
}

func TestLoadSigningKey_GeneratesAndPersists(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "data", "signing.key")

	key, err := LoadSigningKey("", keyPath)
	if err != nil {
		t.Fatalf("LoadSigningKey: %v", err)
	}

	info, err := os.Stat(keyPath)
	if err != nil {
		t.Fatalf("key file not written: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Fatalf("expected 0600 perms, got %o", perm)
	}

	// Second load reuses the persisted seed.
	again, err := LoadSigningKey("", keyPath)
	if err != nil {
		t.Fatalf("LoadSigningKey again: %v", err)
	}
	if !key.Equal(again) {
		t.Fatal("expected the persisted key to be reloaded")
	}
}
