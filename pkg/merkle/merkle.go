// Package merkle builds binary Merkle trees over event content hashes and
// produces inclusion proofs that can be checked without the ledger.
//
// Leaves are H(0x00 || content hash) and interior nodes are
// H(0x01 || left || right), so a leaf can never be replayed as a node. A
// level with an odd number of nodes pairs its last node with itself. The
// left child always covers the lower sequence numbers.
package merkle

import (
	"errors"
	"fmt"

	"github.com/archon72/ledger/pkg/canonical"
)

const (
	leafPrefix byte = 0x00
	nodePrefix byte = 0x01
)

var (
	// ErrEmptyTree is returned when Build is given no leaves.
	ErrEmptyTree = errors.New("merkle: tree has no leaves")
	// ErrLeafNotFound is returned when a proof is requested for a sequence
	// outside the tree.
	ErrLeafNotFound = errors.New("merkle: leaf not in tree")
)

// Leaf is one event entering the tree.
type Leaf struct {
	Sequence    uint64
	ContentHash []byte
}

// Tree is an immutable Merkle tree. levels[0] are the leaf hashes and the
// last level holds the single root.
type Tree struct {
	alg       canonical.Algorithm
	sequences []uint64
	content   [][]byte
	levels    [][][]byte
}

// LeafHash domain-separates a content hash as a leaf.
func LeafHash(alg canonical.Algorithm, contentHash []byte) []byte {
	buf := make([]byte, 0, 1+len(contentHash))
	buf = append(buf, leafPrefix)
	buf = append(buf, contentHash...)
	return alg.Sum(buf)
}

// NodeHash combines two children.
func NodeHash(alg canonical.Algorithm, left, right []byte) []byte {
	buf := make([]byte, 0, 1+len(left)+len(right))
	buf = append(buf, nodePrefix)
	buf = append(buf, left...)
	buf = append(buf, right...)
	return alg.Sum(buf)
}

// Build constructs a tree over leaves, which must be ordered by strictly
// increasing sequence.
func Build(alg canonical.Algorithm, leaves []Leaf) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, ErrEmptyTree
	}
	if !alg.Valid() {
		return nil, fmt.Errorf("%w: version %d", canonical.ErrUnknownAlgorithm, uint8(alg))
	}

	t := &Tree{alg: alg, sequences: make([]uint64, len(leaves)), content: make([][]byte, len(leaves))}
	level := make([][]byte, len(leaves))
	for i, l := range leaves {
		if i > 0 && l.Sequence <= leaves[i-1].Sequence {
			return nil, fmt.Errorf("merkle: leaf %d out of order (sequence %d after %d)", i, l.Sequence, leaves[i-1].Sequence)
		}
		if len(l.ContentHash) != alg.Size() {
			return nil, fmt.Errorf("merkle: leaf %d: %w", l.Sequence, canonical.ErrMalformedDigest)
		}
		t.sequences[i] = l.Sequence
		t.content[i] = append([]byte(nil), l.ContentHash...)
		level[i] = LeafHash(alg, l.ContentHash)
	}
	t.levels = append(t.levels, level)

	for len(level) > 1 {
		next := make([][]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			right := level[i]
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, NodeHash(alg, level[i], right))
		}
		t.levels = append(t.levels, next)
		level = next
	}
	return t, nil
}

// BuildHex is Build over hex-encoded content hashes keyed by sequence order.
func BuildHex(alg canonical.Algorithm, sequences []uint64, hashes []string) (*Tree, error) {
	if len(sequences) != len(hashes) {
		return nil, fmt.Errorf("merkle: %d sequences but %d hashes", len(sequences), len(hashes))
	}
	leaves := make([]Leaf, len(hashes))
	for i, h := range hashes {
		d, err := canonical.DigestFromHex(alg, h)
		if err != nil {
			return nil, fmt.Errorf("merkle: sequence %d: %w", sequences[i], err)
		}
		leaves[i] = Leaf{Sequence: sequences[i], ContentHash: d.Sum}
	}
	return Build(alg, leaves)
}

// Root returns the root hash.
func (t *Tree) Root() []byte {
	top := t.levels[len(t.levels)-1]
	return append([]byte(nil), top[0]...)
}

// RootHex returns the root hash as lowercase hex.
func (t *Tree) RootHex() string {
	return canonical.Digest{Algorithm: t.alg, Sum: t.Root()}.Hex()
}

// Size returns the number of leaves.
func (t *Tree) Size() int { return len(t.levels[0]) }

// Algorithm returns the hash algorithm the tree was built with.
func (t *Tree) Algorithm() canonical.Algorithm { return t.alg }

// Contains reports whether seq is a leaf of t.
func (t *Tree) Contains(seq uint64) bool {
	_, ok := t.index(seq)
	return ok
}

func (t *Tree) index(seq uint64) (int, bool) {
	lo, hi := 0, len(t.sequences)
	for lo < hi {
		mid := (lo + hi) / 2
		switch {
		case t.sequences[mid] == seq:
			return mid, true
		case t.sequences[mid] < seq:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return 0, false
}
