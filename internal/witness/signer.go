// Package witness signs events on behalf of actors and attests them as the
// ledger's witness. Signatures are Ed25519, hex encoded.
package witness

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrBadSignature is returned when a signature does not verify.
var ErrBadSignature = errors.New("witness: signature does not verify")

// Signer holds one identity's Ed25519 key.
type Signer struct {
	id   string
	priv ed25519.PrivateKey
}

// NewSigner wraps an existing private key.
func NewSigner(id string, priv ed25519.PrivateKey) (*Signer, error) {
	if id == "" {
		return nil, errors.New("witness: signer id is required")
	}
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("witness: private key for %s has %d bytes", id, len(priv))
	}
	return &Signer{id: id, priv: priv}, nil
}

// GenerateSigner creates a signer with a fresh key.
func GenerateSigner(id string) (*Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return NewSigner(id, priv)
}

// ID returns the identity the signer acts for.
func (s *Signer) ID() string { return s.id }

// PublicKey returns the verification key.
func (s *Signer) PublicKey() ed25519.PublicKey {
	return s.priv.Public().(ed25519.PublicKey)
}

// PublicKeyHex returns the verification key as lowercase hex.
func (s *Signer) PublicKeyHex() string { return hex.EncodeToString(s.PublicKey()) }

// PrivateKey exposes the key for JOSE signing of checkpoint anchors.
func (s *Signer) PrivateKey() ed25519.PrivateKey { return s.priv }

// Sign returns the hex signature of msg.
func (s *Signer) Sign(msg []byte) string {
	return hex.EncodeToString(ed25519.Sign(s.priv, msg))
}

// Verify checks a hex signature over msg.
func Verify(pub ed25519.PublicKey, msg []byte, sigHex string) error {
	sig, err := hex.DecodeString(sigHex)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("%w: malformed signature", ErrBadSignature)
	}
	if !ed25519.Verify(pub, msg, sig) {
		return ErrBadSignature
	}
	return nil
}
