// Package ledger is the write path and read model of the event ledger.
//
// Ledger serializes appends through a single critical section and publishes
// the head as one atomically swapped value. Persistence sits behind Store,
// with three implementations:
//   - MemoryStore: in-process, for tests and single-process deployments.
//   - PostgresStore: durable, multi-process safe via an advisory lock.
//   - PebbleStore: embedded, ordered key-value storage on local disk.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/archon72/ledger/pkg/canonical"
	"github.com/archon72/ledger/pkg/chain"
	"github.com/archon72/ledger/pkg/event"
	"github.com/archon72/ledger/pkg/integrity"
)

var (
	// ErrNotFound is returned for a sequence with no stored event.
	ErrNotFound = errors.New("ledger: event not found")
	// ErrHeadMoved is returned by Commit when the store's head is not the
	// head the caller linked against.
	ErrHeadMoved = errors.New("ledger: head moved")
	// ErrBrokenLink is returned by Commit for an event whose prev_hash is not
	// the expected head's hash.
	ErrBrokenLink = errors.New("ledger: event does not link to head")
	// ErrAuthorityTimestampSet is returned when stamping an event twice.
	ErrAuthorityTimestampSet = errors.New("ledger: authority timestamp already set")
	// ErrInvalidRange is returned for an empty or inverted range.
	ErrInvalidRange = errors.New("ledger: invalid range")
	// ErrHalted wraps the integrity error that stopped appends. Restarting
	// over the damaged store does not clear it; an operator must resolve
	// the store first.
	ErrHalted = errors.New("ledger: appends halted")
)

// Store is an ordered, append-only event store keyed by sequence.
type Store interface {
	// Head returns the highest stored sequence and its content hash. An
	// empty store returns the zero Head.
	Head(ctx context.Context) (chain.Head, error)

	// Commit persists ev as the successor of expected. It fails with
	// ErrHeadMoved if the store's head is no longer expected, and with
	// integrity.SequenceGapResolutionRequiredError if ev targets a missing
	// position below the head.
	Commit(ctx context.Context, expected chain.Head, ev event.Event) error

	// Get returns the event at seq or ErrNotFound.
	Get(ctx context.Context, seq uint64) (event.Event, error)

	// Range returns stored events with from <= sequence <= to in ascending
	// order. Missing sequences are absent from the result, never invented.
	Range(ctx context.Context, from, to uint64) ([]event.Event, error)

	// Query returns one page of events matching f.
	Query(ctx context.Context, f Filter) (Page, error)

	// SequenceAt returns the highest sequence whose local timestamp is not
	// after t, or 0 if there is none.
	SequenceAt(ctx context.Context, t time.Time) (uint64, error)

	// SetAuthorityTimestamp records the authority time of a committed event
	// once.
	SetAuthorityTimestamp(ctx context.Context, seq uint64, t time.Time) error
}

// checkCommit applies the rules every Store enforces inside its own
// serialization before writing ev.
func checkCommit(current, expected chain.Head, ev event.Event, exists func(uint64) (bool, error)) error {
	if current.Sequence != expected.Sequence || (current.Sequence > 0 && current.Hash != expected.Hash) {
		if ev.Sequence <= current.Sequence {
			ok, err := exists(ev.Sequence)
			if err != nil {
				return err
			}
			if !ok {
				return integrity.GuardAppend(current.Sequence, ev.Sequence)
			}
		}
		return fmt.Errorf("%w: linked against %d, store is at %d", ErrHeadMoved, expected.Sequence, current.Sequence)
	}
	if err := integrity.GuardAppend(current.Sequence, ev.Sequence); err != nil {
		return err
	}
	if current.Sequence == 0 {
		alg, err := ev.Algorithm()
		if err != nil {
			return err
		}
		if ev.PrevHash != canonical.Genesis(alg) {
			return fmt.Errorf("%w: first event must carry the genesis hash", ErrBrokenLink)
		}
	} else if ev.PrevHash != current.Hash {
		return fmt.Errorf("%w: sequence %d", ErrBrokenLink, ev.Sequence)
	}
	if ev.ContentHash == "" {
		return fmt.Errorf("%w: sequence %d has no content hash", ErrBrokenLink, ev.Sequence)
	}
	return nil
}
