package checkpoint

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/archon72/ledger/pkg/integrity"
)

// MemoryAnchorStore is an in-memory AnchorStore.
type MemoryAnchorStore struct {
	mu      sync.RWMutex
	anchors []Anchor
}

// NewMemoryAnchorStore returns an empty store.
func NewMemoryAnchorStore() *MemoryAnchorStore {
	return &MemoryAnchorStore{}
}

// Latest implements AnchorStore.
func (s *MemoryAnchorStore) Latest(_ context.Context) (Anchor, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.anchors) == 0 {
		return Anchor{}, false, nil
	}
	return s.anchors[len(s.anchors)-1], true, nil
}

// Save implements AnchorStore.
func (s *MemoryAnchorStore) Save(_ context.Context, a Anchor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.Number != uint64(len(s.anchors))+1 {
		return fmt.Errorf("%w: number %d after %d", ErrAnchorConflict, a.Number, len(s.anchors))
	}
	s.anchors = append(s.anchors, a)
	return nil
}

// Get implements AnchorStore.
func (s *MemoryAnchorStore) Get(_ context.Context, n uint64) (Anchor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n == 0 || n > uint64(len(s.anchors)) {
		return Anchor{}, fmt.Errorf("%w: %d", ErrAnchorNotFound, n)
	}
	return s.anchors[n-1], nil
}

// Covering implements AnchorStore.
func (s *MemoryAnchorStore) Covering(_ context.Context, seq uint64) (Anchor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := sort.Search(len(s.anchors), func(i int) bool { return s.anchors[i].EndSequence >= seq })
	if i < len(s.anchors) && s.anchors[i].Covers(seq) {
		return s.anchors[i], nil
	}
	return Anchor{}, &integrity.CheckpointNotFoundError{Sequence: seq}
}

// List implements AnchorStore.
func (s *MemoryAnchorStore) List(_ context.Context, offset, limit int) ([]Anchor, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := len(s.anchors)
	if offset >= total {
		return []Anchor{}, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return append([]Anchor(nil), s.anchors[offset:end]...), total, nil
}
