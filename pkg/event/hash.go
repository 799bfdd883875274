package event

import (
	"encoding/json"
	"fmt"

	"github.com/archon72/ledger/pkg/canonical"
)

// HashIncludedFields lists the JSON keys covered by the content hash.
// actor_id is included only when non-empty.
var HashIncludedFields = []string{
	"event_type",
	"payload",
	"signature",
	"witness_id",
	"witness_signature",
	"local_timestamp",
	"actor_id",
}

// HashExcludedFields lists the event fields the content hash never covers.
var HashExcludedFields = []string{
	"event_id",
	"sequence",
	"prev_hash",
	"content_hash",
	"authority_timestamp",
	"hash_alg_version",
	"sig_alg_version",
}

type hashContent struct {
	EventType        string          `json:"event_type"`
	Payload          json.RawMessage `json:"payload"`
	Signature        string          `json:"signature"`
	WitnessID        string          `json:"witness_id"`
	WitnessSignature string          `json:"witness_signature"`
	LocalTimestamp   string          `json:"local_timestamp"`
	ActorID          string          `json:"actor_id,omitempty"`
}

// CanonicalContent returns the exact bytes the content hash is computed over.
func CanonicalContent(e Event) ([]byte, error) {
	b, err := canonical.Marshal(hashContent{
		EventType:        string(e.Type),
		Payload:          e.Payload.Canonical(),
		Signature:        e.Signature,
		WitnessID:        e.WitnessID,
		WitnessSignature: e.WitnessSignature,
		LocalTimestamp:   canonical.FormatTime(e.LocalTimestamp),
		ActorID:          e.ActorID,
	})
	if err != nil {
		return nil, fmt.Errorf("event: canonical content: %w", err)
	}
	return b, nil
}

// ComputeContentHash digests the hash-included fields of e with alg.
func ComputeContentHash(e Event, alg canonical.Algorithm) (canonical.Digest, error) {
	if !alg.Valid() {
		return canonical.Digest{}, fmt.Errorf("%w: version %d", canonical.ErrUnknownAlgorithm, uint8(alg))
	}
	b, err := CanonicalContent(e)
	if err != nil {
		return canonical.Digest{}, err
	}
	return alg.Digest(b), nil
}

// RecomputeContentHash digests e with the algorithm its HashAlgVersion names.
func RecomputeContentHash(e Event) (canonical.Digest, error) {
	alg, err := e.Algorithm()
	if err != nil {
		return canonical.Digest{}, err
	}
	return ComputeContentHash(e, alg)
}
