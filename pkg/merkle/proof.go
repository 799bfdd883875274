package merkle

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/archon72/ledger/pkg/canonical"
)

// Position says on which side of the running hash a sibling sits.
type Position string

const (
	Left  Position = "left"
	Right Position = "right"
)

// Step is one sibling on the path from a leaf to the root.
type Step struct {
	Level       int      `json:"level"`
	Position    Position `json:"position"`
	SiblingHash string   `json:"sibling_hash"`
}

// Proof shows that an event's content hash is a leaf under a checkpoint
// root. It carries everything a verifier needs. LeafIndex is the leaf's
// position in the tree; the left/right positions in Path must spell it out.
type Proof struct {
	EventSequence      uint64 `json:"event_sequence"`
	EventHash          string `json:"event_hash"`
	CheckpointSequence uint64 `json:"checkpoint_sequence"`
	CheckpointRoot     string `json:"checkpoint_root"`
	LeafIndex          int    `json:"leaf_index"`
	TreeSize           int    `json:"tree_size"`
	HashAlgVersion     int    `json:"hash_alg_version"`
	Path               []Step `json:"path"`
}

// Prove returns the inclusion proof for the leaf at seq. CheckpointSequence
// is left for the caller.
func (t *Tree) Prove(seq uint64) (Proof, error) {
	idx, ok := t.index(seq)
	if !ok {
		return Proof{}, fmt.Errorf("%w: sequence %d", ErrLeafNotFound, seq)
	}

	p := Proof{
		EventSequence:  seq,
		EventHash:      hex.EncodeToString(t.content[idx]),
		CheckpointRoot: t.RootHex(),
		LeafIndex:      idx,
		TreeSize:       t.Size(),
		HashAlgVersion: t.alg.Version(),
		Path:           []Step{},
	}
	for lvl := 0; lvl < len(t.levels)-1; lvl++ {
		nodes := t.levels[lvl]
		var step Step
		if idx%2 == 0 {
			sib := idx + 1
			if sib >= len(nodes) {
				sib = idx
			}
			step = Step{Level: lvl, Position: Right, SiblingHash: hex.EncodeToString(nodes[sib])}
		} else {
			step = Step{Level: lvl, Position: Left, SiblingHash: hex.EncodeToString(nodes[idx-1])}
		}
		p.Path = append(p.Path, step)
		idx /= 2
	}
	return p, nil
}

// Height returns the number of path steps from a leaf to the root of a tree
// with size leaves.
func Height(size int) int {
	h := 0
	for ; size > 1; size = (size + 1) / 2 {
		h++
	}
	return h
}

// Verify recomputes the root from p.EventHash and p.Path and compares it
// with p.CheckpointRoot. The path must have the height of a tree of
// p.TreeSize leaves, and every step must sit on the side implied by
// p.LeafIndex at its level. A leaf that is last on an odd level is paired
// with itself, so its sibling must equal the running hash. It returns nil
// when the proof holds.
func Verify(p Proof) error {
	alg, err := canonical.AlgorithmFromVersion(p.HashAlgVersion)
	if err != nil {
		return err
	}
	if p.TreeSize < 1 || p.LeafIndex < 0 || p.LeafIndex >= p.TreeSize {
		return fmt.Errorf("merkle: leaf index %d outside a tree of %d leaves", p.LeafIndex, p.TreeSize)
	}
	if want := Height(p.TreeSize); len(p.Path) != want {
		return fmt.Errorf("merkle: path has %d steps, a tree of %d leaves needs %d", len(p.Path), p.TreeSize, want)
	}
	leaf, err := canonical.DigestFromHex(alg, p.EventHash)
	if err != nil {
		return fmt.Errorf("merkle: event hash: %w", err)
	}
	root, err := canonical.DigestFromHex(alg, p.CheckpointRoot)
	if err != nil {
		return fmt.Errorf("merkle: checkpoint root: %w", err)
	}

	cur := LeafHash(alg, leaf.Sum)
	idx, width := p.LeafIndex, p.TreeSize
	for i, step := range p.Path {
		sib, err := canonical.DigestFromHex(alg, step.SiblingHash)
		if err != nil {
			return fmt.Errorf("merkle: path step %d: %w", i, err)
		}
		if step.Level != i {
			return fmt.Errorf("merkle: path step %d claims level %d", i, step.Level)
		}
		want := Right
		if idx%2 == 1 {
			want = Left
		}
		if step.Position != want {
			return fmt.Errorf("merkle: path step %d: sibling is %q, leaf %d needs %q", i, step.Position, p.LeafIndex, want)
		}
		if want == Right && idx == width-1 && !bytes.Equal(sib.Sum, cur) {
			return fmt.Errorf("merkle: path step %d: last node of an odd level must pair with itself", i)
		}
		if want == Left {
			cur = NodeHash(alg, sib.Sum, cur)
		} else {
			cur = NodeHash(alg, cur, sib.Sum)
		}
		idx /= 2
		width = (width + 1) / 2
	}
	if !bytes.Equal(cur, root.Sum) {
		return fmt.Errorf("merkle: computed root %s does not match %s", hex.EncodeToString(cur), p.CheckpointRoot)
	}
	return nil
}
