// Package checkpoint publishes Merkle-root anchors over fixed windows of the
// ledger and serves inclusion proofs against them.
package checkpoint

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/archon72/ledger/pkg/integrity"
)

var (
	// ErrAnchorNotFound is returned for an unknown checkpoint number.
	ErrAnchorNotFound = errors.New("checkpoint: anchor not found")
	// ErrAnchorConflict is returned when saving an anchor that does not
	// directly follow the latest one.
	ErrAnchorConflict = errors.New("checkpoint: anchor does not follow the latest")
	// ErrNotContiguous is returned for a build range that does not start
	// right after the previous anchor.
	ErrNotContiguous = errors.New("checkpoint: range is not contiguous with the previous anchor")
	// ErrInvalidRange is returned for an empty range or one past the head.
	ErrInvalidRange = errors.New("checkpoint: invalid range")
)

// Anchor is a published Merkle root over events [StartSequence, EndSequence].
type Anchor struct {
	ID             uuid.UUID `json:"checkpoint_id"`
	Number         uint64    `json:"number"`
	StartSequence  uint64    `json:"start_sequence"`
	EndSequence    uint64    `json:"end_sequence"`
	EventCount     int       `json:"event_count"`
	MerkleRoot     string    `json:"merkle_root"`
	HashAlgVersion int       `json:"hash_alg_version"`
	CreatedAt      time.Time `json:"created_at"`
	SignerID       string    `json:"signer_id,omitempty"`
	Signature      string    `json:"signature,omitempty"`
}

// Covers reports whether seq falls inside the anchored range.
func (a Anchor) Covers(seq uint64) bool {
	return seq >= a.StartSequence && seq <= a.EndSequence
}

// Window returns what an inclusion proof under a must match.
func (a Anchor) Window() integrity.Window {
	return integrity.Window{Root: a.MerkleRoot, Start: a.StartSequence, Size: a.EventCount}
}

// AnchorStore persists anchors in number order.
type AnchorStore interface {
	// Latest returns the highest-numbered anchor; ok is false when none exist.
	Latest(ctx context.Context) (a Anchor, ok bool, err error)
	// Save stores a, which must be numbered latest+1.
	Save(ctx context.Context, a Anchor) error
	// Get returns anchor number n or ErrAnchorNotFound.
	Get(ctx context.Context, n uint64) (Anchor, error)
	// Covering returns the anchor whose range contains seq, or
	// integrity.CheckpointNotFoundError.
	Covering(ctx context.Context, seq uint64) (Anchor, error)
	// List returns anchors in ascending number order and the total count.
	List(ctx context.Context, offset, limit int) ([]Anchor, int, error)
}
