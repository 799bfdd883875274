// Package verifyspec publishes the Hash Verification Specification: the
// document external verifiers code against. Each version is immutable; a
// change of any rule is a new version.
package verifyspec

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/archon72/ledger/pkg/canonical"
	"github.com/archon72/ledger/pkg/event"
)

// ErrUnknownVersion is returned for a version that was never published.
var ErrUnknownVersion = errors.New("verifyspec: unknown version")

// Algorithm names one digest or signature algorithm.
type Algorithm struct {
	Name     string `json:"name"`
	Version  int    `json:"version"`
	Encoding string `json:"encoding"`
	HexLen   int    `json:"hex_length,omitempty"`
}

// Field is one event field and why it is or is not hashed.
type Field struct {
	Name      string `json:"name"`
	Rationale string `json:"rationale"`
}

// Document is one version of the specification.
type Document struct {
	Version             int         `json:"version"`
	PublishedAt         time.Time   `json:"published_at"`
	HashAlgorithm       Algorithm   `json:"hash_algorithm"`
	SupportedAlgorithms []Algorithm `json:"supported_hash_algorithms"`
	SignatureAlgorithm  Algorithm   `json:"signature_algorithm"`
	GenesisHash         string      `json:"genesis_hash"`
	GenesisMeaning      string      `json:"genesis_meaning"`
	HashIncluded        []Field     `json:"hash_included_fields"`
	HashExcluded        []Field     `json:"hash_excluded_fields"`
	Canonicalization    []string    `json:"canonicalization"`
	TimestampFormat     string      `json:"timestamp_format"`
	HashEncoding        string      `json:"hash_encoding"`
	DigestRendering     string      `json:"digest_rendering"`
	ActorSignedFields   []string    `json:"actor_signed_fields"`
	WitnessSignedFields []string    `json:"witness_signed_fields"`
	Merkle              []string    `json:"merkle_rules"`
}

// Fingerprint returns the SHA-256 digest of the document's canonical JSON so
// observers can pin the exact version they verified against.
func (d Document) Fingerprint() (canonical.Digest, error) {
	return canonical.Hash(canonical.SHA256, d)
}

func (d Document) clone() Document {
	d.SupportedAlgorithms = append([]Algorithm(nil), d.SupportedAlgorithms...)
	d.HashIncluded = append([]Field(nil), d.HashIncluded...)
	d.HashExcluded = append([]Field(nil), d.HashExcluded...)
	d.Canonicalization = append([]string(nil), d.Canonicalization...)
	d.ActorSignedFields = append([]string(nil), d.ActorSignedFields...)
	d.WitnessSignedFields = append([]string(nil), d.WitnessSignedFields...)
	d.Merkle = append([]string(nil), d.Merkle...)
	return d
}

// Registry holds published versions. It has no mutators after construction.
type Registry struct {
	docs     map[int]Document
	versions []int
}

// NewRegistry builds a registry. Versions must be positive and unique.
func NewRegistry(docs ...Document) (*Registry, error) {
	r := &Registry{docs: make(map[int]Document, len(docs))}
	for _, d := range docs {
		if d.Version <= 0 {
			return nil, fmt.Errorf("verifyspec: invalid version %d", d.Version)
		}
		if _, dup := r.docs[d.Version]; dup {
			return nil, fmt.Errorf("verifyspec: version %d published twice", d.Version)
		}
		r.docs[d.Version] = d.clone()
		r.versions = append(r.versions, d.Version)
	}
	sort.Ints(r.versions)
	return r, nil
}

// Get returns a copy of the given version.
func (r *Registry) Get(version int) (Document, error) {
	d, ok := r.docs[version]
	if !ok {
		return Document{}, fmt.Errorf("%w: %d", ErrUnknownVersion, version)
	}
	return d.clone(), nil
}

// Latest returns a copy of the highest version.
func (r *Registry) Latest() Document {
	if len(r.versions) == 0 {
		return Document{}
	}
	return r.docs[r.versions[len(r.versions)-1]].clone()
}

// Versions lists published versions in ascending order.
func (r *Registry) Versions() []int {
	return append([]int(nil), r.versions...)
}

var published *Registry

func init() {
	r, err := NewRegistry(v1())
	if err != nil {
		panic(err)
	}
	published = r
}

// Published returns the registry of versions this build serves.
func Published() *Registry { return published }

// Current returns the latest published version.
func Current() Document { return published.Latest() }

var rationale = map[string]string{
	"event_type":          "authored classification of the event",
	"payload":             "authored content",
	"signature":           "binds the actor's attestation to the content",
	"witness_id":          "identifies who attested the event",
	"witness_signature":   "binds the witness attestation to the content",
	"local_timestamp":     "authored time as claimed by the writer",
	"actor_id":            "authoring identity; omitted from the hashed object when empty",
	"event_id":            "storage identifier with no bearing on content",
	"sequence":            "assigned by storage at commit, not authored",
	"prev_hash":           "would make the hash circular; verified separately as the chain link",
	"content_hash":        "the output of this computation",
	"authority_timestamp": "stamped after commit by the time authority",
	"hash_alg_version":    "selects the digest function rather than contributing to its input",
	"sig_alg_version":     "selects the signature scheme; signatures themselves are hashed",
}

func fields(names []string) []Field {
	out := make([]Field, len(names))
	for i, n := range names {
		out[i] = Field{Name: n, Rationale: rationale[n]}
	}
	return out
}

func v1() Document {
	algs := make([]Algorithm, 0, len(canonical.Algorithms()))
	for _, a := range canonical.Algorithms() {
		algs = append(algs, Algorithm{Name: a.Name(), Version: a.Version(), Encoding: "lowercase hex", HexLen: a.HexLen()})
	}
	def := canonical.Default
	return Document{
		Version:             1,
		PublishedAt:         time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		HashAlgorithm:       Algorithm{Name: def.Name(), Version: def.Version(), Encoding: "lowercase hex", HexLen: def.HexLen()},
		SupportedAlgorithms: algs,
		SignatureAlgorithm:  Algorithm{Name: "ed25519", Version: event.SigAlgEd25519, Encoding: "lowercase hex"},
		GenesisHash:         canonical.GenesisHash,
		GenesisMeaning:      "prev_hash of the event at sequence 1; there is no predecessor",
		HashIncluded:        fields(event.HashIncludedFields),
		HashExcluded:        fields(event.HashExcludedFields),
		Canonicalization: []string{
			"RFC 8785 JSON Canonicalization Scheme",
			"object keys sorted recursively by UTF-16 code units",
			"no insignificant whitespace",
			"UTF-8 encoding",
			"actor_id key omitted when empty",
		},
		TimestampFormat:     "ISO-8601 UTC with microseconds, e.g. 2025-01-01T00:00:00.000000Z",
		HashEncoding:        "lowercase hex, 64 characters for every supported algorithm",
		DigestRendering:     "<algorithm>:<lowercase-hex>",
		ActorSignedFields:   []string{"event_type", "payload", "local_timestamp", "actor_id"},
		WitnessSignedFields: []string{"event_type", "payload", "local_timestamp", "actor_id", "signature", "witness_id"},
		Merkle: []string{
			"leaf = H(0x00 || content_hash bytes)",
			"node = H(0x01 || left || right)",
			"an odd node at any level is paired with itself",
			"the left child covers lower sequence numbers",
			"proof step position names the side of the sibling",
			"leaf_index = event_sequence - checkpoint start_sequence",
			"step i is on the left when (leaf_index >> i) is odd, otherwise on the right",
			"a right sibling of the last node on an odd level equals the running hash",
			"tree_size equals the checkpoint event_count and the path has ceil(log2(tree_size)) steps",
		},
	}
}
