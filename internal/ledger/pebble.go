package ledger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"go.uber.org/zap"

	"github.com/archon72/ledger/pkg/chain"
	"github.com/archon72/ledger/pkg/event"
)

// keys: e:<8-byte big-endian sequence> -> event JSON
var eventPrefix = []byte("e:")

func eventKey(seq uint64) []byte {
	k := make([]byte, len(eventPrefix)+8)
	copy(k, eventPrefix)
	binary.BigEndian.PutUint64(k[len(eventPrefix):], seq)
	return k
}

func prefixUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	end[len(end)-1]++
	return end
}

// PebbleStore keeps events in an embedded Pebble database. Big-endian keys
// make iteration order equal sequence order. It implements Store.
type PebbleStore struct {
	mu     sync.Mutex
	db     *pebble.DB
	logger *zap.Logger
}

// OpenPebbleStore opens (or creates) a store at dir. An empty dir opens an
// in-memory filesystem.
func OpenPebbleStore(dir string, logger *zap.Logger) (*PebbleStore, error) {
	opts := &pebble.Options{}
	if dir == "" {
		opts.FS = vfs.NewMem()
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble at %q: %w", dir, err)
	}
	return &PebbleStore{db: db, logger: logger}, nil
}

// Close closes the database.
func (s *PebbleStore) Close() error { return s.db.Close() }

// DB exposes the handle so other components can share the database.
func (s *PebbleStore) DB() *pebble.DB { return s.db }

func (s *PebbleStore) iter(from, to uint64) (*pebble.Iterator, error) {
	upper := prefixUpperBound(eventPrefix)
	if to < ^uint64(0) {
		upper = eventKey(to + 1)
	}
	return s.db.NewIter(&pebble.IterOptions{LowerBound: eventKey(from), UpperBound: upper})
}

// Head implements Store.
func (s *PebbleStore) Head(_ context.Context) (chain.Head, error) {
	return s.head()
}

func (s *PebbleStore) head() (chain.Head, error) {
	it, err := s.iter(0, ^uint64(0))
	if err != nil {
		return chain.Head{}, err
	}
	defer it.Close()
	if !it.Last() {
		return chain.Head{}, it.Error()
	}
	ev, err := decodeEvent(it.Value())
	if err != nil {
		return chain.Head{}, err
	}
	return chain.Head{Sequence: ev.Sequence, Hash: ev.ContentHash}, nil
}

func (s *PebbleStore) exists(seq uint64) (bool, error) {
	_, closer, err := s.db.Get(eventKey(seq))
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, closer.Close()
}

// Commit implements Store.
func (s *PebbleStore) Commit(_ context.Context, expected chain.Head, ev event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.head()
	if err != nil {
		return fmt.Errorf("read ledger head: %w", err)
	}
	if err := checkCommit(current, expected, ev, s.exists); err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event %d: %w", ev.Sequence, err)
	}
	if err := s.db.Set(eventKey(ev.Sequence), data, pebble.Sync); err != nil {
		return fmt.Errorf("write event %d: %w", ev.Sequence, err)
	}
	s.logger.Debug("event committed",
		zap.Uint64("sequence", ev.Sequence),
		zap.String("content_hash", ev.ContentHash),
	)
	return nil
}

func decodeEvent(data []byte) (event.Event, error) {
	var ev event.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return event.Event{}, fmt.Errorf("decode event: %w", err)
	}
	return ev, nil
}

// Get implements Store.
func (s *PebbleStore) Get(_ context.Context, seq uint64) (event.Event, error) {
	data, closer, err := s.db.Get(eventKey(seq))
	if errors.Is(err, pebble.ErrNotFound) {
		return event.Event{}, fmt.Errorf("%w: sequence %d", ErrNotFound, seq)
	}
	if err != nil {
		return event.Event{}, fmt.Errorf("get event %d: %w", seq, err)
	}
	defer closer.Close()
	return decodeEvent(data)
}

func (s *PebbleStore) scan(from, to uint64, fn func(event.Event) bool) error {
	it, err := s.iter(from, to)
	if err != nil {
		return err
	}
	defer it.Close()
	for it.First(); it.Valid(); it.Next() {
		ev, err := decodeEvent(it.Value())
		if err != nil {
			return err
		}
		if !fn(ev) {
			break
		}
	}
	return it.Error()
}

// Range implements Store.
func (s *PebbleStore) Range(_ context.Context, from, to uint64) ([]event.Event, error) {
	if to < from {
		return nil, fmt.Errorf("%w: [%d, %d]", ErrInvalidRange, from, to)
	}
	var out []event.Event
	err := s.scan(from, to, func(ev event.Event) bool {
		out = append(out, ev)
		return true
	})
	return out, err
}

// Query implements Store.
func (s *PebbleStore) Query(_ context.Context, f Filter) (Page, error) {
	to := ^uint64(0)
	if f.AsOfSequence > 0 {
		to = f.AsOfSequence
	}
	var matched []event.Event
	err := s.scan(0, to, func(ev event.Event) bool {
		if f.Match(ev) {
			matched = append(matched, ev)
		}
		return true
	})
	if err != nil {
		return Page{}, err
	}
	return paginate(matched, f), nil
}

// SequenceAt implements Store.
func (s *PebbleStore) SequenceAt(_ context.Context, t time.Time) (uint64, error) {
	var seq uint64
	err := s.scan(0, ^uint64(0), func(ev event.Event) bool {
		if !ev.LocalTimestamp.After(t) {
			seq = ev.Sequence
		}
		return true
	})
	return seq, err
}

// SetAuthorityTimestamp implements Store.
func (s *PebbleStore) SetAuthorityTimestamp(ctx context.Context, seq uint64, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, err := s.Get(ctx, seq)
	if err != nil {
		return err
	}
	if ev.AuthorityTimestamp != nil {
		return fmt.Errorf("%w: sequence %d", ErrAuthorityTimestampSet, seq)
	}
	ts := t.UTC().Truncate(time.Microsecond)
	ev.AuthorityTimestamp = &ts
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.db.Set(eventKey(seq), data, pebble.Sync)
}
