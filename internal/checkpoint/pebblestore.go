package checkpoint

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/archon72/ledger/pkg/integrity"
)

// keys: c:<8-byte number> -> anchor JSON, ce:<8-byte end_sequence> -> number
var (
	anchorPrefix = []byte("c:")
	endPrefix    = []byte("ce:")
)

func u64Key(prefix []byte, v uint64) []byte {
	k := make([]byte, len(prefix)+8)
	copy(k, prefix)
	binary.BigEndian.PutUint64(k[len(prefix):], v)
	return k
}

func upperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	end[len(end)-1]++
	return end
}

// PebbleAnchorStore keeps anchors in a Pebble database, typically the one
// the event store already opened.
type PebbleAnchorStore struct {
	mu sync.Mutex
	db *pebble.DB
}

// NewPebbleAnchorStore wraps db.
func NewPebbleAnchorStore(db *pebble.DB) *PebbleAnchorStore {
	return &PebbleAnchorStore{db: db}
}

func (s *PebbleAnchorStore) get(key []byte) (Anchor, bool, error) {
	data, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return Anchor{}, false, nil
	}
	if err != nil {
		return Anchor{}, false, err
	}
	defer closer.Close()
	var a Anchor
	if err := json.Unmarshal(data, &a); err != nil {
		return Anchor{}, false, fmt.Errorf("decode checkpoint: %w", err)
	}
	return a, true, nil
}

// Latest implements AnchorStore.
func (s *PebbleAnchorStore) Latest(_ context.Context) (Anchor, bool, error) {
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: anchorPrefix, UpperBound: upperBound(anchorPrefix)})
	if err != nil {
		return Anchor{}, false, err
	}
	defer it.Close()
	if !it.Last() {
		return Anchor{}, false, it.Error()
	}
	var a Anchor
	if err := json.Unmarshal(it.Value(), &a); err != nil {
		return Anchor{}, false, fmt.Errorf("decode checkpoint: %w", err)
	}
	return a, true, nil
}

// Save implements AnchorStore.
func (s *PebbleAnchorStore) Save(ctx context.Context, a Anchor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	latest, ok, err := s.Latest(ctx)
	if err != nil {
		return err
	}
	var want uint64 = 1
	if ok {
		want = latest.Number + 1
	}
	if a.Number != want {
		return fmt.Errorf("%w: number %d, expected %d", ErrAnchorConflict, a.Number, want)
	}

	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(u64Key(anchorPrefix, a.Number), data, nil); err != nil {
		return err
	}
	num := make([]byte, 8)
	binary.BigEndian.PutUint64(num, a.Number)
	if err := b.Set(u64Key(endPrefix, a.EndSequence), num, nil); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

// Get implements AnchorStore.
func (s *PebbleAnchorStore) Get(_ context.Context, n uint64) (Anchor, error) {
	a, ok, err := s.get(u64Key(anchorPrefix, n))
	if err != nil {
		return Anchor{}, err
	}
	if !ok {
		return Anchor{}, fmt.Errorf("%w: %d", ErrAnchorNotFound, n)
	}
	return a, nil
}

// Covering implements AnchorStore. It seeks the first anchor whose end is at
// or after seq.
func (s *PebbleAnchorStore) Covering(ctx context.Context, seq uint64) (Anchor, error) {
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: u64Key(endPrefix, seq), UpperBound: upperBound(endPrefix)})
	if err != nil {
		return Anchor{}, err
	}
	defer it.Close()
	if !it.First() {
		if err := it.Error(); err != nil {
			return Anchor{}, err
		}
		return Anchor{}, &integrity.CheckpointNotFoundError{Sequence: seq}
	}
	a, err := s.Get(ctx, binary.BigEndian.Uint64(it.Value()))
	if err != nil {
		return Anchor{}, err
	}
	if !a.Covers(seq) {
		return Anchor{}, &integrity.CheckpointNotFoundError{Sequence: seq}
	}
	return a, nil
}

// List implements AnchorStore.
func (s *PebbleAnchorStore) List(_ context.Context, offset, limit int) ([]Anchor, int, error) {
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: anchorPrefix, UpperBound: upperBound(anchorPrefix)})
	if err != nil {
		return nil, 0, err
	}
	defer it.Close()
	out := []Anchor{}
	total := 0
	for it.First(); it.Valid(); it.Next() {
		if total >= offset && (limit <= 0 || len(out) < limit) {
			var a Anchor
			if err := json.Unmarshal(it.Value(), &a); err != nil {
				return nil, 0, fmt.Errorf("decode checkpoint: %w", err)
			}
			out = append(out, a)
		}
		total++
	}
	return out, total, it.Error()
}
