package canonical

import (
	"crypto/sha256"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
	"lukechampine.com/blake3"
)

// Algorithm identifies a supported digest function. The numeric value is the
// hash_alg_version recorded on every event and checkpoint.
type Algorithm uint8

const (
	// SHA256 is the default algorithm (version 1).
	SHA256 Algorithm = 1
	// BLAKE3 is BLAKE3 with a 256-bit output (version 2).
	BLAKE3 Algorithm = 2
	// BLAKE2b is BLAKE2b-256 (version 3).
	BLAKE2b Algorithm = 3
)

// Default is used when a caller does not name an algorithm.
const Default = SHA256

type algorithmSpec struct {
	name string
	size int
	sum  func([]byte) []byte
}

var algorithms = map[Algorithm]algorithmSpec{
	SHA256: {name: "sha256", size: sha256.Size, sum: func(b []byte) []byte {
		s := sha256.Sum256(b)
		return s[:]
	}},
	BLAKE3: {name: "blake3", size: 32, sum: func(b []byte) []byte {
		s := blake3.Sum256(b)
		return s[:]
	}},
	BLAKE2b: {name: "blake2b", size: blake2b.Size256, sum: func(b []byte) []byte {
		s := blake2b.Sum256(b)
		return s[:]
	}},
}

// Algorithms returns every supported algorithm in version order.
func Algorithms() []Algorithm {
	return []Algorithm{SHA256, BLAKE3, BLAKE2b}
}

// AlgorithmFromVersion maps a stored hash_alg_version to its Algorithm.
func AlgorithmFromVersion(version int) (Algorithm, error) {
	a := Algorithm(version)
	if version < 0 || version > 255 || !a.Valid() {
		return 0, fmt.Errorf("%w: version %d", ErrUnknownAlgorithm, version)
	}
	return a, nil
}

// ParseAlgorithm maps an algorithm name ("sha256", "blake3", "blake2b") to its
// Algorithm. Matching is case-insensitive.
func ParseAlgorithm(name string) (Algorithm, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, a := range Algorithms() {
		if algorithms[a].name == name {
			return a, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, name)
}

// Valid reports whether a is a supported algorithm.
func (a Algorithm) Valid() bool {
	_, ok := algorithms[a]
	return ok
}

// Version returns the hash_alg_version of a.
func (a Algorithm) Version() int { return int(a) }

// Name returns the lowercase algorithm name used in rendered digests.
func (a Algorithm) Name() string {
	if s, ok := algorithms[a]; ok {
		return s.name
	}
	return fmt.Sprintf("unknown(%d)", uint8(a))
}

// Size returns the digest length in bytes.
func (a Algorithm) Size() int { return algorithms[a].size }

// HexLen returns the length of the lowercase hex rendering of a digest.
func (a Algorithm) HexLen() int { return 2 * a.Size() }

// String implements fmt.Stringer.
func (a Algorithm) String() string { return a.Name() }

// Sum digests data. It panics on an invalid Algorithm; callers obtain
// algorithms through the constructors above.
func (a Algorithm) Sum(data []byte) []byte {
	s, ok := algorithms[a]
	if !ok {
		panic(fmt.Sprintf("canonical: sum with unsupported algorithm %d", uint8(a)))
	}
	return s.sum(data)
}

// Digest hashes data and returns the typed result.
func (a Algorithm) Digest(data []byte) Digest {
	return Digest{Algorithm: a, Sum: a.Sum(data)}
}

// MarshalText renders the algorithm name, so configuration and JSON carry
// "sha256" rather than a bare number.
func (a Algorithm) MarshalText() ([]byte, error) {
	if !a.Valid() {
		return nil, fmt.Errorf("%w: version %d", ErrUnknownAlgorithm, uint8(a))
	}
	return []byte(a.Name()), nil
}

// UnmarshalText parses an algorithm name.
func (a *Algorithm) UnmarshalText(text []byte) error {
	parsed, err := ParseAlgorithm(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
