package checkpoint

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/archon72/ledger/internal/witness"
)

// ErrAnchorSignature is returned when an anchor's JWS does not match it.
var ErrAnchorSignature = errors.New("checkpoint: anchor signature invalid")

// AnchorClaims is the JWS payload signed for each anchor.
type AnchorClaims struct {
	Checkpoint     uint64 `json:"ckpt"`
	SeqStart       uint64 `json:"seq_start"`
	SeqEnd         uint64 `json:"seq_end"`
	Root           string `json:"root"`
	Count          int    `json:"count"`
	HashAlgVersion int    `json:"hash_alg_version"`
	jwt.RegisteredClaims
}

// AnchorSigner signs anchors as compact EdDSA JWS tokens, which any JOSE
// library can verify with the signer's public key.
type AnchorSigner struct {
	signer *witness.Signer
}

// NewAnchorSigner returns a signer using s's Ed25519 key.
func NewAnchorSigner(s *witness.Signer) *AnchorSigner {
	return &AnchorSigner{signer: s}
}

// ID returns the signing identity.
func (s *AnchorSigner) ID() string { return s.signer.ID() }

// PublicKey returns the verification key.
func (s *AnchorSigner) PublicKey() ed25519.PublicKey { return s.signer.PublicKey() }

// Sign returns the compact JWS for a.
func (s *AnchorSigner) Sign(a Anchor) (string, error) {
	claims := AnchorClaims{
		Checkpoint:     a.Number,
		SeqStart:       a.StartSequence,
		SeqEnd:         a.EndSequence,
		Root:           a.MerkleRoot,
		Count:          a.EventCount,
		HashAlgVersion: a.HashAlgVersion,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   s.signer.ID(),
			Subject:  "checkpoint:" + strconv.FormatUint(a.Number, 10),
			ID:       a.ID.String(),
			IssuedAt: jwt.NewNumericDate(a.CreatedAt),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	tok.Header["kid"] = s.signer.ID()
	signed, err := tok.SignedString(s.signer.PrivateKey())
	if err != nil {
		return "", fmt.Errorf("sign checkpoint %d: %w", a.Number, err)
	}
	return signed, nil
}

// VerifyAnchorSignature checks that a.Signature was made by pub and that its
// claims describe a exactly.
func VerifyAnchorSignature(a Anchor, pub ed25519.PublicKey) error {
	if a.Signature == "" {
		return fmt.Errorf("%w: checkpoint %d is unsigned", ErrAnchorSignature, a.Number)
	}
	var claims AnchorClaims
	_, err := jwt.ParseWithClaims(a.Signature, &claims, func(*jwt.Token) (any, error) {
		return pub, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}), jwt.WithLeeway(24*time.Hour))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAnchorSignature, err)
	}
	if claims.Checkpoint != a.Number || claims.SeqStart != a.StartSequence || claims.SeqEnd != a.EndSequence ||
		claims.Root != a.MerkleRoot || claims.Count != a.EventCount || claims.HashAlgVersion != a.HashAlgVersion {
		return fmt.Errorf("%w: claims do not match checkpoint %d", ErrAnchorSignature, a.Number)
	}
	return nil
}
