package services

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"

	"github.com/emooreatx/CIRISNode/internal/core/domain"
)

// Signer produces verifiable Ed25519 signatures over benchmark results.
// The signature covers a canonical serialization (JSON with sorted keys),
// so any single-byte mutation of a field fails verification.
type Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

func NewSigner(priv ed25519.PrivateKey) *Signer {
	return &Signer{
		priv: priv,
		pub:  priv.Public().(ed25519.PublicKey),
	}
}

// canonicalResult serializes r with sorted keys. encoding/json sorts map
// keys, which gives the same bytes for the same content on every call.
func canonicalResult(r domain.Result) ([]byte, error) {
	return json.Marshal(map[string]any{
		"scenario_id":     r.ScenarioID,
		"prompt":          r.Prompt,
		"expected_answer": r.ExpectedAnswer,
		"response":        r.Response,
		"passed":          r.Passed,
		"model_used":      r.ModelUsed,
	})
}

// Sign returns the base64 Ed25519 signature over the canonical form of r.
func (s *Signer) Sign(r domain.Result) (string, error) {
	msg, err := canonicalResult(r)
	if err != nil {
		return "", fmt.Errorf("canonicalize result: %w", err)
	}
	sig := ed25519.Sign(s.priv, msg)
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify reports whether sig is a valid signature over r's canonical form.
func (s *Signer) Verify(r domain.Result, sig string) bool {
	raw, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return false
	}
	msg, err := canonicalResult(r)
	if err != nil {
		return false
	}
	return ed25519.Verify(s.pub, msg, raw)
}

// PublicKeyPEM returns the verification key in PKIX PEM form for the
// public-key endpoint, so external parties can verify independently.
func (s *Signer) PublicKeyPEM() (string, error) {
	der, err := x509.MarshalPKIXPublicKey(s.pub)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: der}
	return string(pem.EncodeToMemory(block)), nil
}
