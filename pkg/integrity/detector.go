package integrity

import (
	"errors"

	"github.com/archon72/ledger/pkg/chain"
	"github.com/archon72/ledger/pkg/event"
)

// Kind classifies an anomaly.
type Kind string

const (
	KindContentTampered Kind = "content_tampered"
	KindChainBroken     Kind = "chain_broken"
	KindSequenceGap     Kind = "sequence_gap"
)

// Anomaly is one detected problem. Err is one of the struct errors in this
// package.
type Anomaly struct {
	Kind     Kind   `json:"kind"`
	Sequence uint64 `json:"sequence"`
	Message  string `json:"message"`
	Detail   any    `json:"detail,omitempty"`
	Err      error  `json:"-"`
}

func newAnomaly(kind Kind, seq uint64, err error) Anomaly {
	return Anomaly{Kind: kind, Sequence: seq, Message: err.Error(), Detail: err, Err: err}
}

// Report summarizes a scan.
type Report struct {
	Valid        bool      `json:"valid"`
	FromSequence uint64    `json:"from_sequence"`
	ToSequence   uint64    `json:"to_sequence"`
	Checked      int       `json:"events_checked"`
	LastVerified uint64    `json:"last_verified_sequence"`
	Anomalies    []Anomaly `json:"anomalies"`
}

// Err joins every anomaly's error, or returns nil for a clean report.
func (r Report) Err() error {
	errs := make([]error, 0, len(r.Anomalies))
	for _, a := range r.Anomalies {
		if a.Err != nil {
			errs = append(errs, a.Err)
		} else {
			errs = append(errs, errors.New(a.Message))
		}
	}
	return errors.Join(errs...)
}

// Merge appends o's findings to r. o must cover the range after r.
func (r *Report) Merge(o Report) {
	if r.Checked == 0 && len(r.Anomalies) == 0 && o.Checked > 0 {
		r.FromSequence = o.FromSequence
	}
	if o.ToSequence > r.ToSequence {
		r.ToSequence = o.ToSequence
	}
	r.Checked += o.Checked
	if o.LastVerified > r.LastVerified {
		r.LastVerified = o.LastVerified
	}
	r.Anomalies = append(r.Anomalies, o.Anomalies...)
	r.Valid = len(r.Anomalies) == 0
}

// Detector walks events in sequence order and classifies what it sees. It
// carries the expected next sequence and the last observed event between
// calls, so a long range can be fed in batches. A Detector only reports; it
// never modifies or synthesizes events.
//
// A Detector is not safe for concurrent use.
type Detector struct {
	next     uint64
	prev     *event.Event
	verified uint64
	damaged  bool
	gaps     []SequenceGapDetectedError
}

// NewDetector returns a detector expecting sequence 1, linked to genesis.
func NewDetector() *Detector {
	return &Detector{next: 1}
}

// ResumeDetector returns a detector that continues after pred, which the
// caller has already verified.
func ResumeDetector(pred event.Event) *Detector {
	p := pred
	return &Detector{next: pred.Sequence + 1, prev: &p, verified: pred.Sequence}
}

// Next returns the sequence the detector expects to see.
func (d *Detector) Next() uint64 { return d.next }

// LastVerified returns the highest sequence up to which every event has
// been observed clean and contiguous.
func (d *Detector) LastVerified() uint64 { return d.verified }

// Gaps returns every gap observed so far.
func (d *Detector) Gaps() []SequenceGapDetectedError {
	return append([]SequenceGapDetectedError(nil), d.gaps...)
}

// Observe classifies ev against the detector's state and advances it.
//
// A sequence beyond the expected one is a gap; the link check is skipped for
// that event because its predecessor is missing. A sequence at or below the
// previous one is reported as a broken chain. Otherwise the content hash and
// the link are checked independently.
func (d *Detector) Observe(ev event.Event) []Anomaly {
	var out []Anomaly

	switch {
	case ev.Sequence > d.next:
		gap := NewSequenceGap(d.next, ev.Sequence)
		d.gaps = append(d.gaps, *gap)
		out = append(out, newAnomaly(KindSequenceGap, ev.Sequence, gap))
		if h := chain.VerifyEventHash(ev); !h.Valid {
			out = append(out, newAnomaly(KindContentTampered, ev.Sequence, tamperedFrom(h)))
		}

	case ev.Sequence < d.next:
		expected := ""
		if d.prev != nil {
			expected = d.prev.ContentHash
		}
		out = append(out, newAnomaly(KindChainBroken, ev.Sequence, &ChainBrokenError{
			Sequence:     ev.Sequence,
			ExpectedPrev: expected,
			ActualPrev:   ev.PrevHash,
			Detail:       "sequence did not advance",
		}))
		d.damaged = true
		return out

	case d.prev == nil && ev.Sequence > 1:
		// Resumed after a trailing gap: the predecessor was never seen.
		if h := chain.VerifyEventHash(ev); !h.Valid {
			out = append(out, newAnomaly(KindContentTampered, ev.Sequence, tamperedFrom(h)))
		}

	default:
		res := chain.VerifyEventFull(ev, d.prev)
		out = append(out, AnomaliesFor(res)...)
	}

	if len(out) > 0 {
		d.damaged = true
	} else if !d.damaged {
		d.verified = ev.Sequence
	}
	p := ev
	d.prev = &p
	d.next = ev.Sequence + 1
	return out
}

// Expect reports a trailing gap when events through to were due but not
// observed. The detector moves past the missing range, so each gap is
// reported once.
func (d *Detector) Expect(to uint64) []Anomaly {
	if to < d.next {
		return nil
	}
	gap := NewSequenceGap(d.next, to+1)
	d.gaps = append(d.gaps, *gap)
	d.damaged = true
	d.prev = nil
	d.next = to + 1
	return []Anomaly{newAnomaly(KindSequenceGap, to, gap)}
}

// Scan observes events in order and reports every anomaly.
func (d *Detector) Scan(events []event.Event) Report {
	r := Report{Valid: true}
	if len(events) > 0 {
		r.FromSequence = events[0].Sequence
		r.ToSequence = events[len(events)-1].Sequence
	}
	for _, ev := range events {
		r.Anomalies = append(r.Anomalies, d.Observe(ev)...)
		r.Checked++
	}
	r.LastVerified = d.verified
	r.Valid = len(r.Anomalies) == 0
	return r
}

// AnomaliesFor converts a single-event verification result into anomalies.
func AnomaliesFor(res chain.FullResult) []Anomaly {
	var out []Anomaly
	if !res.ContentHashValid {
		out = append(out, newAnomaly(KindContentTampered, res.Sequence, tamperedFrom(res.Hash)))
	}
	if !res.ChainLinkValid {
		out = append(out, newAnomaly(KindChainBroken, res.Sequence, &ChainBrokenError{
			Sequence:     res.Sequence,
			ExpectedPrev: res.Link.ExpectedPrev,
			ActualPrev:   res.Link.ActualPrev,
		}))
	}
	return out
}

// ErrorFor returns the joined errors for res, or nil when it is valid.
func ErrorFor(res chain.FullResult) error {
	anomalies := AnomaliesFor(res)
	return Report{Anomalies: anomalies}.Err()
}

func tamperedFrom(h chain.HashResult) *ContentTamperedError {
	recomputed := h.RecomputedHash
	if h.Error != "" {
		recomputed = h.Error
	}
	return &ContentTamperedError{Sequence: h.Sequence, StoredHash: h.StoredHash, RecomputedHash: recomputed}
}
