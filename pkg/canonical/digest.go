package canonical

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnknownAlgorithm is returned for an unsupported name or version.
	ErrUnknownAlgorithm = errors.New("canonical: unknown hash algorithm")
	// ErrMalformedDigest is returned when a rendered digest cannot be parsed.
	ErrMalformedDigest = errors.New("canonical: malformed digest")
)

// GenesisHash is the prev_hash of the event at sequence 1: 64 zero hex digits,
// the all-zero value of every supported 32-byte digest.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Genesis returns the genesis constant for a, an all-zero hex string of the
// algorithm's digest length.
func Genesis(a Algorithm) string {
	if a.HexLen() == len(GenesisHash) {
		return GenesisHash
	}
	return strings.Repeat("0", a.HexLen())
}

// IsGenesis reports whether h is the all-zero digest of some supported
// algorithm. Prefer comparing against Genesis(alg) when the algorithm is known.
func IsGenesis(h string) bool {
	for _, a := range Algorithms() {
		if h == Genesis(a) {
			return true
		}
	}
	return false
}

// Digest is a hash value tagged with the algorithm that produced it.
type Digest struct {
	Algorithm Algorithm
	Sum       []byte
}

// Hex returns the lowercase hex encoding of the digest bytes.
func (d Digest) Hex() string { return hex.EncodeToString(d.Sum) }

// String renders "<algorithm>:<lowercase-hex>".
func (d Digest) String() string { return d.Algorithm.Name() + ":" + d.Hex() }

// Equal reports whether both digests use the same algorithm and bytes.
func (d Digest) Equal(other Digest) bool {
	return d.Algorithm == other.Algorithm && bytes.Equal(d.Sum, other.Sum)
}

// IsZero reports whether d carries no bytes.
func (d Digest) IsZero() bool { return len(d.Sum) == 0 }

// ParseDigest parses the "<algorithm>:<hex>" rendering.
func ParseDigest(s string) (Digest, error) {
	name, hexPart, ok := strings.Cut(s, ":")
	if !ok {
		return Digest{}, fmt.Errorf("%w: missing algorithm prefix in %q", ErrMalformedDigest, s)
	}
	alg, err := ParseAlgorithm(name)
	if err != nil {
		return Digest{}, err
	}
	return DigestFromHex(alg, hexPart)
}

// DigestFromHex decodes a bare lowercase hex digest produced by alg.
func DigestFromHex(alg Algorithm, h string) (Digest, error) {
	if !alg.Valid() {
		return Digest{}, fmt.Errorf("%w: version %d", ErrUnknownAlgorithm, uint8(alg))
	}
	if len(h) != alg.HexLen() {
		return Digest{}, fmt.Errorf("%w: %s digest must be %d hex characters, got %d",
			ErrMalformedDigest, alg.Name(), alg.HexLen(), len(h))
	}
	if h != strings.ToLower(h) {
		return Digest{}, fmt.Errorf("%w: digest must be lowercase hex", ErrMalformedDigest)
	}
	b, err := hex.DecodeString(h)
	if err != nil {
		return Digest{}, fmt.Errorf("%w: %v", ErrMalformedDigest, err)
	}
	return Digest{Algorithm: alg, Sum: b}, nil
}
