// Package integrity classifies ledger anomalies and defines the error
// taxonomy shared by the server and by independent observers.
//
// Every struct error unwraps to a kind sentinel, so callers can test with
// errors.Is(err, integrity.ErrSequenceGap) or recover the details with
// errors.As.
package integrity

import (
	"errors"
	"fmt"
)

// Kind sentinels.
var (
	ErrContentTampered       = errors.New("integrity: content tampered")
	ErrChainBroken           = errors.New("integrity: chain broken")
	ErrSequenceGap           = errors.New("integrity: sequence gap detected")
	ErrGapResolutionRequired = errors.New("integrity: sequence gap requires manual resolution")
	ErrMerkleProofInvalid    = errors.New("integrity: merkle proof invalid")
	ErrCheckpointNotFound    = errors.New("integrity: checkpoint not found")
)

// ContentTamperedError reports an event whose stored content hash does not
// match the hash recomputed from its own fields.
type ContentTamperedError struct {
	Sequence       uint64 `json:"sequence"`
	StoredHash     string `json:"stored_hash"`
	RecomputedHash string `json:"recomputed_hash"`
}

func (e *ContentTamperedError) Error() string {
	return fmt.Sprintf("integrity: content tampered at sequence %d: stored %s, recomputed %s",
		e.Sequence, e.StoredHash, e.RecomputedHash)
}

func (e *ContentTamperedError) Unwrap() error { return ErrContentTampered }

// ChainBrokenError reports a prev_hash that does not match the predecessor.
type ChainBrokenError struct {
	Sequence     uint64 `json:"sequence"`
	ExpectedPrev string `json:"expected_prev_hash"`
	ActualPrev   string `json:"actual_prev_hash"`
	Detail       string `json:"detail,omitempty"`
}

func (e *ChainBrokenError) Error() string {
	msg := fmt.Sprintf("integrity: chain broken at sequence %d: expected prev_hash %s, got %s",
		e.Sequence, e.ExpectedPrev, e.ActualPrev)
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	return msg
}

func (e *ChainBrokenError) Unwrap() error { return ErrChainBroken }

// SequenceGapDetectedError reports missing sequence numbers. The missing
// range is [MissingFrom, MissingTo], i.e. [Expected, Actual-1].
type SequenceGapDetectedError struct {
	Expected    uint64 `json:"expected"`
	Actual      uint64 `json:"actual"`
	MissingFrom uint64 `json:"missing_from"`
	MissingTo   uint64 `json:"missing_to"`
}

// NewSequenceGap builds the error for observing actual where expected was due.
func NewSequenceGap(expected, actual uint64) *SequenceGapDetectedError {
	return &SequenceGapDetectedError{
		Expected:    expected,
		Actual:      actual,
		MissingFrom: expected,
		MissingTo:   actual - 1,
	}
}

func (e *SequenceGapDetectedError) Error() string {
	return fmt.Sprintf("integrity: sequence gap: expected %d, got %d, missing %s",
		e.Expected, e.Actual, formatRange(e.MissingFrom, e.MissingTo))
}

func (e *SequenceGapDetectedError) Unwrap() error { return ErrSequenceGap }

// Count returns how many sequence numbers are missing.
func (e *SequenceGapDetectedError) Count() uint64 { return e.MissingTo - e.MissingFrom + 1 }

// Missing lists every missing sequence number.
func (e *SequenceGapDetectedError) Missing() []uint64 {
	out := make([]uint64, 0, e.Count())
	for s := e.MissingFrom; s <= e.MissingTo; s++ {
		out = append(out, s)
	}
	return out
}

// SequenceGapResolutionRequiredError is returned when code attempts to write
// an event into a position that is not the next one after the head. Gaps are
// escalated to people; they are never filled by the system.
type SequenceGapResolutionRequiredError struct {
	Sequence uint64 `json:"sequence"`
	Head     uint64 `json:"head"`
}

func (e *SequenceGapResolutionRequiredError) Error() string {
	return fmt.Sprintf("integrity: refusing to write sequence %d behind head %d; gaps require manual resolution",
		e.Sequence, e.Head)
}

func (e *SequenceGapResolutionRequiredError) Unwrap() error { return ErrGapResolutionRequired }

// MerkleProofInvalidError reports a proof whose recomputed root differs from
// the published one.
type MerkleProofInvalidError struct {
	Sequence     uint64 `json:"sequence"`
	ExpectedRoot string `json:"expected_root"`
	Reason       string `json:"reason"`
}

func (e *MerkleProofInvalidError) Error() string {
	return fmt.Sprintf("integrity: merkle proof for sequence %d invalid against root %s: %s",
		e.Sequence, e.ExpectedRoot, e.Reason)
}

func (e *MerkleProofInvalidError) Unwrap() error { return ErrMerkleProofInvalid }

// CheckpointNotFoundError reports that no checkpoint covers a sequence.
type CheckpointNotFoundError struct {
	Sequence uint64 `json:"sequence"`
}

func (e *CheckpointNotFoundError) Error() string {
	return fmt.Sprintf("integrity: no checkpoint covers sequence %d", e.Sequence)
}

func (e *CheckpointNotFoundError) Unwrap() error { return ErrCheckpointNotFound }

// GuardAppend enforces the append-only position rule: the only writable
// sequence is head+1. Writing at or below the head would rewrite history or
// back-fill a gap; writing beyond head+1 would open a gap.
func GuardAppend(head, seq uint64) error {
	switch {
	case seq <= head:
		return &SequenceGapResolutionRequiredError{Sequence: seq, Head: head}
	case seq > head+1:
		return NewSequenceGap(head+1, seq)
	}
	return nil
}

func formatRange(from, to uint64) string {
	if from == to {
		return fmt.Sprintf("[%d]", from)
	}
	return fmt.Sprintf("[%d..%d]", from, to)
}
