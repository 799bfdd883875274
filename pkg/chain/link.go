// Package chain links events into a hash chain and verifies the links.
//
// Every function here is a pure function of its arguments; callers may run
// verification on as many goroutines as they like.
package chain

import (
	"errors"
	"fmt"

	"github.com/archon72/ledger/pkg/canonical"
	"github.com/archon72/ledger/pkg/event"
)

var (
	// ErrEmptyBatch is returned when Link is given no events.
	ErrEmptyBatch = errors.New("chain: empty batch")
	// ErrEmptyEvent is returned when a batch contains a zero event.
	ErrEmptyEvent = errors.New("chain: empty event in batch")
	// ErrAlreadyHashed is returned when a batch contains an event that
	// already carries a prev_hash or content_hash.
	ErrAlreadyHashed = errors.New("chain: event already hashed")
	// ErrSequenceMismatch is returned when a pre-assigned sequence does not
	// continue from the head.
	ErrSequenceMismatch = errors.New("chain: sequence does not continue head")
)

// Head is the latest committed position: its sequence and content hash.
// The zero-sequence head is the genesis state.
type Head struct {
	Sequence uint64 `json:"sequence"`
	Hash     string `json:"hash"`
}

// GenesisHead returns the state before the first event.
func GenesisHead(alg canonical.Algorithm) Head {
	return Head{Sequence: 0, Hash: canonical.Genesis(alg)}
}

// IsGenesis reports whether h is the pre-first-event state.
func (h Head) IsGenesis() bool { return h.Sequence == 0 }

// Next returns the head after committing ev.
func (h Head) Next(ev event.Event) Head {
	return Head{Sequence: ev.Sequence, Hash: ev.ContentHash}
}

// Link chains events starting from genesis. See LinkFrom.
func Link(events []event.Event, alg canonical.Algorithm) ([]event.Event, error) {
	return LinkFrom(GenesisHead(alg), events, alg)
}

// LinkFrom chains events after head, in input order. Each event receives
// sequence head.Sequence+i+1 (a pre-assigned sequence must equal it), the
// previous event's content hash as prev_hash, and its own content hash.
// The input slice is not modified.
func LinkFrom(head Head, events []event.Event, alg canonical.Algorithm) ([]event.Event, error) {
	if len(events) == 0 {
		return nil, ErrEmptyBatch
	}
	if !alg.Valid() {
		return nil, fmt.Errorf("%w: version %d", canonical.ErrUnknownAlgorithm, uint8(alg))
	}

	out := make([]event.Event, len(events))
	prev := head
	for i, ev := range events {
		if ev.IsZero() || ev.Type == "" {
			return nil, fmt.Errorf("%w: index %d", ErrEmptyEvent, i)
		}
		if ev.Hashed() {
			return nil, fmt.Errorf("%w: index %d", ErrAlreadyHashed, i)
		}
		linked, err := LinkOne(prev, ev, alg)
		if err != nil {
			return nil, fmt.Errorf("index %d: %w", i, err)
		}
		out[i] = linked
		prev = prev.Next(linked)
	}
	return out, nil
}

// LinkOne attaches ev to head: assigns its sequence and prev_hash, records
// the algorithm version and computes the content hash.
func LinkOne(head Head, ev event.Event, alg canonical.Algorithm) (event.Event, error) {
	if ev.Hashed() {
		return event.Event{}, ErrAlreadyHashed
	}
	want := head.Sequence + 1
	if ev.Sequence != 0 && ev.Sequence != want {
		return event.Event{}, fmt.Errorf("%w: got %d, want %d", ErrSequenceMismatch, ev.Sequence, want)
	}
	ev.Sequence = want
	ev.PrevHash = head.Hash
	ev.HashAlgVersion = alg.Version()

	d, err := event.ComputeContentHash(ev, alg)
	if err != nil {
		return event.Event{}, err
	}
	ev.ContentHash = d.Hex()
	return ev, nil
}
