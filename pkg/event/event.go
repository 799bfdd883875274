// Package event defines the immutable event envelope recorded by the ledger
// and the exact field set its content hash covers.
package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/archon72/ledger/pkg/canonical"
)

// SigAlgEd25519 is the sig_alg_version for hex-encoded Ed25519 signatures.
const SigAlgEd25519 = 1

// ErrInvalidEvent is returned when a draft fails validation.
var ErrInvalidEvent = errors.New("event: invalid event")

// Event is one committed record. Sequence and PrevHash are assigned by the
// ledger; ContentHash is computed over the hash-included fields only.
type Event struct {
	ID                 uuid.UUID  `json:"event_id"`
	Sequence           uint64     `json:"sequence"`
	Type               Type       `json:"event_type"`
	Payload            Payload    `json:"payload"`
	ActorID            string     `json:"actor_id"`
	WitnessID          string     `json:"witness_id"`
	LocalTimestamp     time.Time  `json:"local_timestamp"`
	AuthorityTimestamp *time.Time `json:"authority_timestamp,omitempty"`
	Signature          string     `json:"signature"`
	WitnessSignature   string     `json:"witness_signature"`
	HashAlgVersion     int        `json:"hash_alg_version"`
	SigAlgVersion      int        `json:"sig_alg_version"`
	ContentHash        string     `json:"content_hash"`
	PrevHash           string     `json:"prev_hash"`
}

// Draft is the caller-authored part of an event, before the ledger assigns
// its position in the chain.
type Draft struct {
	Type           string         `json:"event_type"`
	Payload        map[string]any `json:"payload"`
	ActorID        string         `json:"actor_id"`
	LocalTimestamp time.Time      `json:"local_timestamp"`
	Signature      string         `json:"signature,omitempty"`
	SigAlgVersion  int            `json:"sig_alg_version,omitempty"`
}

// UnmarshalJSON decodes d keeping payload numbers as json.Number, so their
// written form reaches canonicalization instead of a float64 approximation.
func (d *Draft) UnmarshalJSON(data []byte) error {
	type plain Draft
	var aux struct {
		plain
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*d = Draft(aux.plain)
	d.Payload = nil
	if len(aux.Payload) == 0 || string(aux.Payload) == "null" {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(aux.Payload))
	dec.UseNumber()
	if err := dec.Decode(&d.Payload); err != nil {
		return fmt.Errorf("%w: payload must be a JSON object: %w", ErrInvalidEvent, err)
	}
	return nil
}

// New validates d and returns an unsequenced, unhashed event with a fresh ID.
// A zero LocalTimestamp is replaced with the current time.
func New(d Draft) (Event, error) {
	t, err := ParseType(d.Type)
	if err != nil {
		return Event{}, err
	}
	if strings.TrimSpace(d.ActorID) == "" {
		return Event{}, fmt.Errorf("%w: actor_id is required", ErrInvalidEvent)
	}
	payload, err := NewPayload(d.Payload)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}
	ts := d.LocalTimestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	sigAlg := d.SigAlgVersion
	if sigAlg == 0 {
		sigAlg = SigAlgEd25519
	}
	return Event{
		ID:             uuid.New(),
		Type:           t,
		Payload:        payload,
		ActorID:        d.ActorID,
		LocalTimestamp: ts.UTC().Truncate(time.Microsecond),
		Signature:      d.Signature,
		SigAlgVersion:  sigAlg,
	}, nil
}

// Branch returns the leading segment of the event type.
func (e Event) Branch() string { return e.Type.Branch() }

// Hashed reports whether the event already carries link or content hashes.
func (e Event) Hashed() bool {
	return e.ContentHash != "" || e.PrevHash != ""
}

// IsZero reports whether e is the zero Event.
func (e Event) IsZero() bool {
	return e.ID == uuid.Nil && e.Type == "" && e.Sequence == 0 && e.ContentHash == ""
}

// Algorithm returns the algorithm named by HashAlgVersion.
func (e Event) Algorithm() (canonical.Algorithm, error) {
	return canonical.AlgorithmFromVersion(e.HashAlgVersion)
}
