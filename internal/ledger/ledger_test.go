package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/archon72/ledger/internal/ledger"
	"github.com/archon72/ledger/internal/witness"
	"github.com/archon72/ledger/pkg/canonical"
	"github.com/archon72/ledger/pkg/chain"
	"github.com/archon72/ledger/pkg/event"
	"github.com/archon72/ledger/pkg/integrity"
)

var ctx = context.Background()

var t0 = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

func newWitness(t *testing.T) *witness.Witness {
	t.Helper()
	s, err := witness.GenerateSigner("witness-1")
	if err != nil {
		t.Fatal(err)
	}
	return witness.New(s)
}

func openLedger(t *testing.T, store ledger.Store, opts ...ledger.Option) *ledger.Ledger {
	t.Helper()
	l, err := ledger.Open(ctx, store, newWitness(t), zap.NewNop(), opts...)
	if err != nil {
		t.Fatal(err)
	}
	return l
}

func draft(i int, typ string) event.Draft {
	return event.Draft{
		Type:           typ,
		Payload:        map[string]any{"text": fmt.Sprintf("motion %d", i)},
		ActorID:        fmt.Sprintf("archon-%02d", i%3+1),
		LocalTimestamp: t0.Add(time.Duration(i) * time.Hour),
	}
}

func appendN(t *testing.T, l *ledger.Ledger, n int) []event.Event {
	t.Helper()
	out := make([]event.Event, 0, n)
	for i := 0; i < n; i++ {
		ev, err := l.Append(ctx, draft(i, "legislative.motion.filed"))
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		out = append(out, ev)
	}
	return out
}

func TestOpen_emptyStoreStartsAtGenesis(t *testing.T) {
	l := openLedger(t, ledger.NewMemoryStore())
	h := l.Head()
	if h.Sequence != 0 || h.Hash != canonical.GenesisHash {
		t.Errorf("head: %+v", h)
	}
}

func TestAppend_chainsAndAttests(t *testing.T) {
	l := openLedger(t, ledger.NewMemoryStore())
	events := appendN(t, l, 5)

	if events[0].PrevHash != canonical.GenesisHash {
		t.Errorf("first prev_hash: %s", events[0].PrevHash)
	}
	for i, ev := range events {
		if ev.Sequence != uint64(i+1) {
			t.Errorf("sequence %d at %d", ev.Sequence, i)
		}
		if ev.WitnessID != "witness-1" || ev.WitnessSignature == "" {
			t.Errorf("event %d not attested", ev.Sequence)
		}
		if i > 0 && ev.PrevHash != events[i-1].ContentHash {
			t.Errorf("event %d not linked", ev.Sequence)
		}
	}
	if h := l.Head(); h.Sequence != 5 || h.Hash != events[4].ContentHash {
		t.Errorf("head: %+v", h)
	}

	r, err := l.Verify(ctx, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !r.Valid || r.Checked != 5 || r.LastVerified != 5 {
		t.Errorf("report: %+v", r)
	}
}

func TestAppend_rejectsInvalidDraft(t *testing.T) {
	l := openLedger(t, ledger.NewMemoryStore())
	if _, err := l.Append(ctx, event.Draft{Type: "nobranch", ActorID: "a"}); !errors.Is(err, event.ErrInvalidType) {
		t.Errorf("got %v", err)
	}
	if _, err := l.Append(ctx, event.Draft{Type: "a.b"}); !errors.Is(err, event.ErrInvalidEvent) {
		t.Errorf("got %v", err)
	}
	if l.Head().Sequence != 0 {
		t.Error("failed appends must not advance the head")
	}
}

func TestAppend_cancelledContextCommitsNothing(t *testing.T) {
	store := ledger.NewMemoryStore()
	l := openLedger(t, store)
	appendN(t, l, 1)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := l.Append(cctx, draft(9, "legislative.motion.filed")); !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v", err)
	}
	if h, _ := store.Head(ctx); h.Sequence != 1 {
		t.Errorf("store head moved to %d", h.Sequence)
	}
	if l.Head().Sequence != 1 {
		t.Errorf("ledger head moved")
	}
}

func TestAppend_concurrentWritersStayGapless(t *testing.T) {
	l := openLedger(t, ledger.NewMemoryStore())

	const writers, each = 8, 25
	var wg sync.WaitGroup
	errs := make(chan error, writers*each)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < each; i++ {
				if _, err := l.Append(ctx, draft(w*each+i, "executive.order.signed")); err != nil {
					errs <- err
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}

	if h := l.Head(); h.Sequence != writers*each {
		t.Fatalf("head sequence %d", h.Sequence)
	}
	r, err := l.Verify(ctx, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !r.Valid {
		t.Fatalf("concurrent appends broke the chain: %+v", r.Anomalies)
	}
}

func TestAppend_signsForKnownActors(t *testing.T) {
	keys, _ := witness.NewKeyring("")
	if _, err := keys.LoadOrCreate("archon-01"); err != nil {
		t.Fatal(err)
	}
	w := newWitness(t)
	keys.Add(w.Signer())
	l, err := ledger.Open(ctx, ledger.NewMemoryStore(), w, zap.NewNop(), ledger.WithActorKeys(keys))
	if err != nil {
		t.Fatal(err)
	}

	ev, err := l.Append(ctx, event.Draft{Type: "judicial.case.opened", ActorID: "archon-01", LocalTimestamp: t0})
	if err != nil {
		t.Fatal(err)
	}
	if ev.Signature == "" {
		t.Fatal("expected the ledger to sign for a known actor")
	}
	if res := witness.VerifySignatures(ev, keys); !res.Valid() || !res.ActorChecked || !res.WitnessChecked {
		t.Errorf("signatures: %+v", res)
	}
}

func TestAppend_headMovedByAnotherWriter(t *testing.T) {
	store := ledger.NewMemoryStore()
	a := openLedger(t, store)
	b := openLedger(t, store)

	appendN(t, a, 2)
	if _, err := b.Append(ctx, draft(5, "legislative.motion.filed")); !errors.Is(err, ledger.ErrHeadMoved) {
		t.Fatalf("expected ErrHeadMoved, got %v", err)
	}
	ev, err := b.Append(ctx, draft(6, "legislative.motion.filed"))
	if err != nil {
		t.Fatalf("retry after reload: %v", err)
	}
	if ev.Sequence != 3 {
		t.Errorf("retry sequence %d", ev.Sequence)
	}
}

func TestAppend_haltsWhenStoreLosesItsTail(t *testing.T) {
	store := ledger.NewMemoryStore()
	l := openLedger(t, store)
	appendN(t, l, 5)
	store.Truncate(3)

	r, err := l.Verify(ctx, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	var gap *integrity.SequenceGapDetectedError
	if r.Valid || !errors.As(r.Err(), &gap) || gap.MissingFrom != 4 || gap.MissingTo != 5 {
		t.Fatalf("expected trailing gap 4..5, got %+v", r)
	}
	if r.LastVerified != 3 || r.Checked != 3 {
		t.Errorf("report: %+v", r)
	}

	_, err = l.Append(ctx, draft(7, "legislative.motion.filed"))
	if !errors.Is(err, ledger.ErrHalted) || !errors.Is(err, integrity.ErrSequenceGap) {
		t.Fatalf("expected halt on lost tail, got %v", err)
	}
	if _, err := l.Append(ctx, draft(8, "legislative.motion.filed")); !errors.Is(err, ledger.ErrHalted) {
		t.Fatalf("second append: expected halt, got %v", err)
	}
	if _, err := store.Get(ctx, 4); !errors.Is(err, ledger.ErrNotFound) {
		t.Error("sequence 4 was issued again")
	}
	if h := l.Head(); h.Sequence != 5 {
		t.Errorf("head moved back to %d", h.Sequence)
	}
	if !errors.Is(l.Halted(), integrity.ErrSequenceGap) {
		t.Errorf("Halted: %v", l.Halted())
	}
}

func TestAppend_haltsWhenHeadIsReplaced(t *testing.T) {
	store := ledger.NewMemoryStore()
	l := openLedger(t, store)
	appendN(t, l, 5)
	store.Truncate(4)

	other := openLedger(t, store)
	if _, err := other.Append(ctx, draft(9, "legislative.motion.withdrawn")); err != nil {
		t.Fatal(err)
	}

	_, err := l.Append(ctx, draft(10, "legislative.motion.filed"))
	var broken *integrity.ChainBrokenError
	if !errors.Is(err, ledger.ErrHalted) || !errors.As(err, &broken) || broken.Sequence != 5 {
		t.Fatalf("expected chain broken at 5, got %v", err)
	}
}

func TestVerify_scenariosOverStoredChain(t *testing.T) {
	src := openLedger(t, ledger.NewMemoryStore())
	events := appendN(t, src, 6)

	t.Run("gap", func(t *testing.T) {
		l := openLedger(t, ledger.LoadMemoryStore([]event.Event{events[0], events[1], events[3], events[4], events[5]}), ledger.WithBatchSize(2))
		r, err := l.Verify(ctx, 0, 0)
		if err != nil {
			t.Fatal(err)
		}
		var gap *integrity.SequenceGapDetectedError
		if !errors.As(r.Err(), &gap) || gap.Expected != 3 || gap.Actual != 4 {
			t.Fatalf("expected gap 3->4, got %v", r.Err())
		}
		if _, err := l.Get(ctx, 3); !errors.Is(err, ledger.ErrNotFound) {
			t.Error("sequence 3 must stay missing")
		}
	})

	t.Run("tamper", func(t *testing.T) {
		tampered := append([]event.Event(nil), events...)
		tampered[3].Payload = event.MustPayload(map[string]any{"text": "rewritten"})
		l := openLedger(t, ledger.LoadMemoryStore(tampered))

		r, err := l.Verify(ctx, 3, 0)
		if err != nil {
			t.Fatal(err)
		}
		if r.FromSequence != 3 || r.Checked != 4 {
			t.Errorf("range: %+v", r)
		}
		if !errors.Is(r.Err(), integrity.ErrContentTampered) {
			t.Fatalf("expected tamper, got %v", r.Err())
		}

		res, _, err := l.VerifyEvent(ctx, 4)
		if err != nil {
			t.Fatal(err)
		}
		if res.ContentHashValid || !res.ChainLinkValid {
			t.Errorf("event 4: %+v", res)
		}
	})

	t.Run("missing predecessor", func(t *testing.T) {
		l := openLedger(t, ledger.LoadMemoryStore([]event.Event{events[0], events[2]}))
		res, _, err := l.VerifyEvent(ctx, 3)
		if err != nil {
			t.Fatal(err)
		}
		if res.ChainLinkValid || !res.ContentHashValid || res.Reason != chain.ReasonChainDiscontinuity {
			t.Errorf("result: %+v", res)
		}
	})
}

func TestStore_refusesToFillGap(t *testing.T) {
	src := openLedger(t, ledger.NewMemoryStore())
	events := appendN(t, src, 5)
	store := ledger.LoadMemoryStore([]event.Event{events[0], events[1], events[3], events[4]})

	expected := chain.Head{Sequence: 2, Hash: events[1].ContentHash}
	err := store.Commit(ctx, expected, events[2])
	var fill *integrity.SequenceGapResolutionRequiredError
	if !errors.As(err, &fill) || fill.Sequence != 3 {
		t.Fatalf("expected gap resolution error, got %v", err)
	}
	if _, err := store.Get(ctx, 3); !errors.Is(err, ledger.ErrNotFound) {
		t.Error("gap was filled")
	}
}

func TestChainProof(t *testing.T) {
	l := openLedger(t, ledger.NewMemoryStore())
	appendN(t, l, 7)

	p, err := l.ChainProof(ctx, 3, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Chain) != 5 || p.ToSequence != 7 || p.CurrentHeadHash != l.Head().Hash {
		t.Errorf("proof: from %d to %d entries %d", p.FromSequence, p.ToSequence, len(p.Chain))
	}
	if res := chain.VerifyProof(p); !res.Valid {
		t.Errorf("proof invalid: %+v", res)
	}

	if _, err := l.ChainProof(ctx, 3, 5); !errors.Is(err, ledger.ErrInvalidRange) {
		t.Errorf("stale to: got %v", err)
	}
	if _, err := l.ChainProof(ctx, 9, 0); !errors.Is(err, ledger.ErrInvalidRange) {
		t.Errorf("from beyond head: got %v", err)
	}
}

func TestChainProof_gapIsReported(t *testing.T) {
	src := openLedger(t, ledger.NewMemoryStore())
	events := appendN(t, src, 5)
	l := openLedger(t, ledger.LoadMemoryStore([]event.Event{events[0], events[1], events[3], events[4]}))
	if _, err := l.ChainProof(ctx, 1, 0); !errors.Is(err, integrity.ErrSequenceGap) {
		t.Errorf("got %v", err)
	}
}

func TestStampAuthorityTime_writeOnce(t *testing.T) {
	l := openLedger(t, ledger.NewMemoryStore())
	events := appendN(t, l, 1)

	if err := l.StampAuthorityTime(ctx, 1, t0.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	if err := l.StampAuthorityTime(ctx, 1, t0); !errors.Is(err, ledger.ErrAuthorityTimestampSet) {
		t.Errorf("second stamp: got %v", err)
	}
	ev, _ := l.Get(ctx, 1)
	if ev.AuthorityTimestamp == nil || ev.ContentHash != events[0].ContentHash {
		t.Error("authority timestamp must be stored without touching the hash")
	}
	if res := chain.VerifyEventHash(ev); !res.Valid {
		t.Error("authority timestamp is excluded from the content hash")
	}
}
