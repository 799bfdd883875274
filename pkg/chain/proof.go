package chain

import (
	"fmt"
	"time"

	"github.com/archon72/ledger/pkg/canonical"
	"github.com/archon72/ledger/pkg/event"
)

// PointInTimeAssertion is stamped on every Proof. A chain proof shows
// continuity up to the head observed when it was generated; later appends do
// not invalidate it but are not covered by it.
const PointInTimeAssertion = "to_sequence was the current head when this proof was generated; the proof makes no claim about events appended afterwards"

// Entry is one (sequence, content_hash, prev_hash) triple.
type Entry struct {
	Sequence    uint64 `json:"sequence"`
	ContentHash string `json:"content_hash"`
	PrevHash    string `json:"prev_hash"`
}

// Proof is a historical hash-chain proof over the inclusive range
// [FromSequence, ToSequence].
type Proof struct {
	FromSequence        uint64    `json:"from_sequence"`
	ToSequence          uint64    `json:"to_sequence"`
	Chain               []Entry   `json:"chain"`
	CurrentHeadHash     string    `json:"current_head_hash"`
	CurrentHeadSequence uint64    `json:"current_head_sequence"`
	HashAlgVersion      int       `json:"hash_alg_version"`
	GeneratedAt         time.Time `json:"generated_at"`
	Assertion           string    `json:"assertion"`
}

// EntryOf extracts the proof triple from ev.
func EntryOf(ev event.Event) Entry {
	return Entry{Sequence: ev.Sequence, ContentHash: ev.ContentHash, PrevHash: ev.PrevHash}
}

// BuildProof assembles a proof from an ordered run of events ending at head.
// It fails if the events do not cover [from, head.Sequence] exactly.
func BuildProof(events []event.Event, from uint64, head Head, alg canonical.Algorithm, now time.Time) (Proof, error) {
	if from == 0 || from > head.Sequence {
		return Proof{}, fmt.Errorf("chain: proof range [%d, %d] is empty", from, head.Sequence)
	}
	want := head.Sequence - from + 1
	if uint64(len(events)) != want {
		return Proof{}, fmt.Errorf("chain: proof range [%d, %d] needs %d events, got %d", from, head.Sequence, want, len(events))
	}
	entries := make([]Entry, len(events))
	for i, ev := range events {
		if ev.Sequence != from+uint64(i) {
			return Proof{}, fmt.Errorf("chain: expected sequence %d at position %d, got %d", from+uint64(i), i, ev.Sequence)
		}
		entries[i] = EntryOf(ev)
	}
	return Proof{
		FromSequence:        from,
		ToSequence:          head.Sequence,
		Chain:               entries,
		CurrentHeadHash:     head.Hash,
		CurrentHeadSequence: head.Sequence,
		HashAlgVersion:      alg.Version(),
		GeneratedAt:         now.UTC(),
		Assertion:           PointInTimeAssertion,
	}, nil
}

// ProofResult is the outcome of walking a Proof.
type ProofResult struct {
	Valid          bool   `json:"valid"`
	EntriesChecked int    `json:"entries_checked"`
	FailedSequence uint64 `json:"failed_sequence,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// VerifyProof walks p pairwise. It checks the entry count and contiguity,
// every prev_hash link (the first entry against genesis when the proof starts
// at sequence 1), and that the last entry is the head the proof names.
// Content hashes cannot be recomputed from triples; pass the full events to
// VerifyProofEvents for that.
func VerifyProof(p Proof) ProofResult {
	if p.FromSequence == 0 || p.ToSequence < p.FromSequence {
		return ProofResult{Reason: fmt.Sprintf("invalid range [%d, %d]", p.FromSequence, p.ToSequence)}
	}
	want := p.ToSequence - p.FromSequence + 1
	if uint64(len(p.Chain)) != want {
		return ProofResult{Reason: fmt.Sprintf("expected %d entries, got %d", want, len(p.Chain))}
	}

	for i, entry := range p.Chain {
		seq := p.FromSequence + uint64(i)
		if entry.Sequence != seq {
			return ProofResult{EntriesChecked: i, FailedSequence: entry.Sequence,
				Reason: fmt.Sprintf("expected sequence %d, got %d", seq, entry.Sequence)}
		}
		switch {
		case i > 0:
			if entry.PrevHash != p.Chain[i-1].ContentHash {
				return ProofResult{EntriesChecked: i, FailedSequence: seq, Reason: string(ReasonChainDiscontinuity)}
			}
		case seq == 1:
			alg, err := canonical.AlgorithmFromVersion(p.HashAlgVersion)
			if err != nil {
				return ProofResult{FailedSequence: seq, Reason: err.Error()}
			}
			if entry.PrevHash != canonical.Genesis(alg) {
				return ProofResult{EntriesChecked: i, FailedSequence: seq, Reason: "first event does not link to genesis"}
			}
		}
	}

	last := p.Chain[len(p.Chain)-1]
	if p.CurrentHeadSequence != p.ToSequence || last.ContentHash != p.CurrentHeadHash {
		return ProofResult{EntriesChecked: len(p.Chain), FailedSequence: last.Sequence,
			Reason: "last entry is not the asserted head"}
	}
	return ProofResult{Valid: true, EntriesChecked: len(p.Chain)}
}

// VerifyProofEvents verifies p structurally and additionally recomputes the
// content hash of every event, checking it matches the proof entry.
func VerifyProofEvents(p Proof, events []event.Event) ProofResult {
	res := VerifyProof(p)
	if !res.Valid {
		return res
	}
	if len(events) != len(p.Chain) {
		return ProofResult{Reason: fmt.Sprintf("expected %d events, got %d", len(p.Chain), len(events))}
	}
	for i, ev := range events {
		entry := p.Chain[i]
		if ev.Sequence != entry.Sequence || ev.ContentHash != entry.ContentHash || ev.PrevHash != entry.PrevHash {
			return ProofResult{EntriesChecked: i, FailedSequence: entry.Sequence, Reason: "event does not match proof entry"}
		}
		if h := VerifyEventHash(ev); !h.Valid {
			return ProofResult{EntriesChecked: i, FailedSequence: entry.Sequence, Reason: string(ReasonContentMismatch)}
		}
	}
	return res
}
