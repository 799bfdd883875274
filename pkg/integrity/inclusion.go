package integrity

import (
	"fmt"

	"github.com/archon72/ledger/pkg/merkle"
)

// Window is what a verifier knows about a checkpoint independently of any
// proof: the published root and the contiguous range of sequences it
// covers, one leaf per sequence starting at Start.
type Window struct {
	Root  string
	Start uint64
	Size  int
}

// VerifyInclusion checks p against a checkpoint the caller obtained
// independently. The proof must name the window's root and tree size, its
// leaf index must be the event's offset into the window, and the recomputed
// root must match.
func VerifyInclusion(p merkle.Proof, w Window) error {
	invalid := func(reason string) error {
		return &MerkleProofInvalidError{Sequence: p.EventSequence, ExpectedRoot: w.Root, Reason: reason}
	}
	if p.CheckpointRoot != w.Root {
		return invalid("proof names root " + p.CheckpointRoot)
	}
	if p.TreeSize != w.Size {
		return invalid(fmt.Sprintf("proof tree size %d, checkpoint has %d leaves", p.TreeSize, w.Size))
	}
	if p.EventSequence < w.Start || p.EventSequence-w.Start != uint64(p.LeafIndex) {
		return invalid(fmt.Sprintf("sequence %d is not leaf %d of the window starting at %d", p.EventSequence, p.LeafIndex, w.Start))
	}
	if err := merkle.Verify(p); err != nil {
		return invalid(err.Error())
	}
	return nil
}
