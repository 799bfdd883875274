package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/archon72/ledger/pkg/chain"
	"github.com/archon72/ledger/pkg/event"
	"github.com/archon72/ledger/pkg/integrity"
	"github.com/archon72/ledger/pkg/merkle"
)

// VerifyEvent fetches seq and its predecessor and checks both the content
// hash and the link locally.
func (c *Client) VerifyEvent(ctx context.Context, seq uint64) (chain.FullResult, error) {
	ev, err := c.Event(ctx, seq)
	if err != nil {
		return chain.FullResult{}, err
	}
	var pred *event.Event
	if seq > 1 {
		p, err := c.Event(ctx, seq-1)
		switch {
		case err == nil:
			pred = &p
		case errors.Is(err, ErrNotFound):
			pred = &event.Event{Sequence: seq - 1}
		default:
			return chain.FullResult{}, err
		}
	}
	return chain.VerifyEventFull(ev, pred), nil
}

// VerifyChain fetches [from, to] and runs the gap and tamper detector over
// it locally. to 0 means the current head.
func (c *Client) VerifyChain(ctx context.Context, from, to uint64) (integrity.Report, error) {
	if from == 0 {
		from = 1
	}
	if to == 0 {
		h, err := c.Head(ctx)
		if err != nil {
			return integrity.Report{}, err
		}
		to = h.Sequence
		if to == 0 {
			return integrity.Report{Valid: true}, nil
		}
	}
	d := integrity.NewDetector()
	start := uint64(1)
	if from > 1 {
		pred, err := c.Event(ctx, from-1)
		switch {
		case err == nil:
			// The predecessor is trusted only after its own hash checks out.
			if h := chain.VerifyEventHash(pred); !h.Valid {
				return integrity.Report{}, &integrity.ContentTamperedError{Sequence: pred.Sequence, StoredHash: h.StoredHash, RecomputedHash: h.RecomputedHash}
			}
			d = integrity.ResumeDetector(pred)
			start = from
		case !errors.Is(err, ErrNotFound):
			return integrity.Report{}, err
		}
	}
	events, err := c.Range(ctx, start, to)
	if err != nil {
		return integrity.Report{}, err
	}
	r := VerifyEvents(d, events)
	if trailing := d.Expect(to); len(trailing) > 0 {
		r.Anomalies = append(r.Anomalies, trailing...)
		r.Valid = false
	}
	r.FromSequence, r.ToSequence = start, to
	return r, nil
}

// VerifyEvents runs d over events, which must be in sequence order. It is
// the offline path: no network access is needed.
func VerifyEvents(d *integrity.Detector, events []event.Event) integrity.Report {
	if d == nil {
		d = integrity.NewDetector()
	}
	return d.Scan(events)
}

// VerifyInclusion fetches seq, its Merkle proof and, separately, the
// checkpoint the proof names, then checks that the event's recomputed hash is
// the proven leaf and that the proof reaches the published root.
func (c *Client) VerifyInclusion(ctx context.Context, seq uint64) (merkle.Proof, Checkpoint, error) {
	ev, err := c.Event(ctx, seq)
	if err != nil {
		return merkle.Proof{}, Checkpoint{}, err
	}
	if h := chain.VerifyEventHash(ev); !h.Valid {
		return merkle.Proof{}, Checkpoint{}, &integrity.ContentTamperedError{
			Sequence: seq, StoredHash: h.StoredHash, RecomputedHash: h.RecomputedHash,
		}
	}
	p, _, err := c.MerkleProof(ctx, seq)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return merkle.Proof{}, Checkpoint{}, &integrity.CheckpointNotFoundError{Sequence: seq}
		}
		return merkle.Proof{}, Checkpoint{}, err
	}
	cp, err := c.Checkpoint(ctx, p.CheckpointSequence)
	if err != nil {
		return p, Checkpoint{}, err
	}
	if p.EventSequence != seq || p.EventHash != ev.ContentHash {
		return p, cp, &integrity.MerkleProofInvalidError{
			Sequence: seq, ExpectedRoot: cp.MerkleRoot, Reason: "proof is for a different leaf",
		}
	}
	if seq < cp.StartSequence || seq > cp.EndSequence {
		return p, cp, &integrity.MerkleProofInvalidError{
			Sequence: seq, ExpectedRoot: cp.MerkleRoot,
			Reason: fmt.Sprintf("checkpoint %d covers [%d, %d]", cp.Number, cp.StartSequence, cp.EndSequence),
		}
	}
	return p, cp, integrity.VerifyInclusion(p, integrity.Window{
		Root: cp.MerkleRoot, Start: cp.StartSequence, Size: cp.EventCount,
	})
}
