package chain

import (
	"github.com/archon72/ledger/pkg/canonical"
	"github.com/archon72/ledger/pkg/event"
)

// Reason names which check failed. Remediation differs: content tampering
// concerns a single event, a broken link concerns the order of the chain.
type Reason string

const (
	ReasonNone               Reason = ""
	ReasonContentMismatch    Reason = "content_mismatch"
	ReasonChainDiscontinuity Reason = "chain_discontinuity"
	ReasonContentAndChain    Reason = "content_mismatch_and_chain_discontinuity"
	ReasonUnknownAlgorithm   Reason = "unknown_hash_algorithm"
)

// HashResult is the outcome of recomputing one event's content hash.
type HashResult struct {
	Sequence       uint64 `json:"sequence"`
	Valid          bool   `json:"valid"`
	RecomputedHash string `json:"recomputed_hash"`
	StoredHash     string `json:"stored_hash"`
	Error          string `json:"error,omitempty"`
}

// LinkResult is the outcome of checking prev_hash against the predecessor.
type LinkResult struct {
	Sequence     uint64 `json:"sequence"`
	Valid        bool   `json:"valid"`
	ExpectedPrev string `json:"expected_prev_hash"`
	ActualPrev   string `json:"actual_prev_hash"`
	Genesis      bool   `json:"genesis"`
}

// FullResult combines both checks for one event.
type FullResult struct {
	Sequence         uint64     `json:"sequence"`
	Valid            bool       `json:"valid"`
	ContentHashValid bool       `json:"content_hash_valid"`
	ChainLinkValid   bool       `json:"chain_link_valid"`
	Reason           Reason     `json:"reason,omitempty"`
	Hash             HashResult `json:"hash"`
	Link             LinkResult `json:"link"`
}

// VerifyEventHash recomputes ev's content hash from its own fields and
// compares it with the stored value. No other event is consulted.
func VerifyEventHash(ev event.Event) HashResult {
	res := HashResult{Sequence: ev.Sequence, StoredHash: ev.ContentHash}
	d, err := event.RecomputeContentHash(ev)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.RecomputedHash = d.Hex()
	res.Valid = ev.ContentHash != "" && res.RecomputedHash == ev.ContentHash
	return res
}

// VerifyChainLink checks ev.PrevHash. With a nil predecessor the event must
// carry the genesis constant; otherwise it must carry the predecessor's
// stored content hash.
func VerifyChainLink(ev event.Event, predecessor *event.Event) LinkResult {
	res := LinkResult{Sequence: ev.Sequence, ActualPrev: ev.PrevHash}
	if predecessor == nil {
		res.Genesis = true
		res.ExpectedPrev = genesisFor(ev)
	} else {
		res.ExpectedPrev = predecessor.ContentHash
	}
	res.Valid = res.ExpectedPrev != "" && ev.PrevHash == res.ExpectedPrev
	return res
}

// VerifyEventFull runs both checks and reports which one failed.
func VerifyEventFull(ev event.Event, predecessor *event.Event) FullResult {
	h := VerifyEventHash(ev)
	l := VerifyChainLink(ev, predecessor)
	res := FullResult{
		Sequence:         ev.Sequence,
		Valid:            h.Valid && l.Valid,
		ContentHashValid: h.Valid,
		ChainLinkValid:   l.Valid,
		Hash:             h,
		Link:             l,
	}
	switch {
	case h.Error != "":
		res.Reason = ReasonUnknownAlgorithm
	case !h.Valid && !l.Valid:
		res.Reason = ReasonContentAndChain
	case !h.Valid:
		res.Reason = ReasonContentMismatch
	case !l.Valid:
		res.Reason = ReasonChainDiscontinuity
	}
	return res
}

func genesisFor(ev event.Event) string {
	alg, err := ev.Algorithm()
	if err != nil {
		return canonical.GenesisHash
	}
	return canonical.Genesis(alg)
}
