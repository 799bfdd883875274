package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/archon72/ledger/pkg/chain"
	"github.com/archon72/ledger/pkg/event"
)

// MemoryStore is an in-memory, thread-safe Store.
type MemoryStore struct {
	mu     sync.RWMutex
	events []event.Event
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// LoadMemoryStore returns a store holding an exported ledger exactly as
// given, sorted by sequence. Nothing is validated or repaired, so the result
// can be handed to the integrity detector as-is.
func LoadMemoryStore(events []event.Event) *MemoryStore {
	cp := append([]event.Event(nil), events...)
	sort.SliceStable(cp, func(i, j int) bool { return cp[i].Sequence < cp[j].Sequence })
	return &MemoryStore{events: cp}
}

func (s *MemoryStore) head() chain.Head {
	if len(s.events) == 0 {
		return chain.Head{}
	}
	last := s.events[len(s.events)-1]
	return chain.Head{Sequence: last.Sequence, Hash: last.ContentHash}
}

func (s *MemoryStore) index(seq uint64) (int, bool) {
	i := sort.Search(len(s.events), func(i int) bool { return s.events[i].Sequence >= seq })
	return i, i < len(s.events) && s.events[i].Sequence == seq
}

// Head implements Store.
func (s *MemoryStore) Head(_ context.Context) (chain.Head, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.head(), nil
}

// Commit implements Store.
func (s *MemoryStore) Commit(_ context.Context, expected chain.Head, ev event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	exists := func(seq uint64) (bool, error) {
		_, ok := s.index(seq)
		return ok, nil
	}
	if err := checkCommit(s.head(), expected, ev, exists); err != nil {
		return err
	}
	s.events = append(s.events, ev)
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, seq uint64) (event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.index(seq)
	if !ok {
		return event.Event{}, fmt.Errorf("%w: sequence %d", ErrNotFound, seq)
	}
	return s.events[i], nil
}

// Range implements Store.
func (s *MemoryStore) Range(_ context.Context, from, to uint64) ([]event.Event, error) {
	if to < from {
		return nil, fmt.Errorf("%w: [%d, %d]", ErrInvalidRange, from, to)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	lo, _ := s.index(from)
	hi := sort.Search(len(s.events), func(i int) bool { return s.events[i].Sequence > to })
	return append([]event.Event(nil), s.events[lo:hi]...), nil
}

// Query implements Store.
func (s *MemoryStore) Query(_ context.Context, f Filter) (Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matched []event.Event
	for _, ev := range s.events {
		if f.Match(ev) {
			matched = append(matched, ev)
		}
	}
	return paginate(matched, f), nil
}

// SequenceAt implements Store.
func (s *MemoryStore) SequenceAt(_ context.Context, t time.Time) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var seq uint64
	for _, ev := range s.events {
		if !ev.LocalTimestamp.After(t) {
			seq = ev.Sequence
		}
	}
	return seq, nil
}

// SetAuthorityTimestamp implements Store.
func (s *MemoryStore) SetAuthorityTimestamp(_ context.Context, seq uint64, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index(seq)
	if !ok {
		return fmt.Errorf("%w: sequence %d", ErrNotFound, seq)
	}
	if s.events[i].AuthorityTimestamp != nil {
		return fmt.Errorf("%w: sequence %d", ErrAuthorityTimestampSet, seq)
	}
	ts := t.UTC().Truncate(time.Microsecond)
	s.events[i].AuthorityTimestamp = &ts
	return nil
}
