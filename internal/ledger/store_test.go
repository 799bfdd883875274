package ledger_test

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/archon72/ledger/internal/ledger"
	"github.com/archon72/ledger/pkg/chain"
	"github.com/archon72/ledger/pkg/event"
)

func stores(t *testing.T) map[string]func() ledger.Store {
	return map[string]func() ledger.Store{
		"memory": func() ledger.Store { return ledger.NewMemoryStore() },
		"pebble": func() ledger.Store {
			s, err := ledger.OpenPebbleStore("", zap.NewNop())
			if err != nil {
				t.Fatal(err)
			}
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
}

func TestStoreContract(t *testing.T) {
	for name, mk := range stores(t) {
		t.Run(name, func(t *testing.T) {
			store := mk()
			l := openLedger(t, store)

			types := []string{"legislative.motion.filed", "executive.order.signed", "judicial.ruling.issued"}
			for i := 0; i < 9; i++ {
				if _, err := l.Append(ctx, draft(i, types[i%3])); err != nil {
					t.Fatal(err)
				}
			}

			h, err := store.Head(ctx)
			if err != nil || h.Sequence != 9 {
				t.Fatalf("head: %+v %v", h, err)
			}

			ev, err := store.Get(ctx, 4)
			if err != nil {
				t.Fatal(err)
			}
			if res := chain.VerifyEventHash(ev); !res.Valid {
				t.Errorf("stored event no longer re-hashes: %+v", res)
			}
			if _, err := store.Get(ctx, 42); !errors.Is(err, ledger.ErrNotFound) {
				t.Errorf("missing: got %v", err)
			}

			rng, err := store.Range(ctx, 3, 6)
			if err != nil || len(rng) != 4 || rng[0].Sequence != 3 || rng[3].Sequence != 6 {
				t.Fatalf("range: %d events, %v", len(rng), err)
			}

			page, err := l.Query(ctx, ledger.Filter{Types: []string{types[0], types[2]}, Limit: 4})
			if err != nil {
				t.Fatal(err)
			}
			if page.TotalCount != 6 || len(page.Events) != 4 || !page.HasMore {
				t.Errorf("type page: total %d len %d more %v", page.TotalCount, len(page.Events), page.HasMore)
			}

			since := t0.Add(2 * time.Hour)
			until := t0.Add(7 * time.Hour)
			page, err = l.Query(ctx, ledger.Filter{Branches: []string{"executive"}, Since: &since, Until: &until})
			if err != nil {
				t.Fatal(err)
			}
			if page.TotalCount != 2 || page.HasMore {
				t.Errorf("branch/date page: %+v", page)
			}

			page, err = l.Query(ctx, ledger.Filter{AsOfSequence: 5, Offset: 3})
			if err != nil {
				t.Fatal(err)
			}
			if page.TotalCount != 5 || len(page.Events) != 2 || page.Events[0].Sequence != 4 {
				t.Errorf("as-of page: %+v", page)
			}

			seq, err := store.SequenceAt(ctx, t0.Add(4*time.Hour+time.Minute))
			if err != nil || seq != 5 {
				t.Errorf("sequence at: %d %v", seq, err)
			}

			if err := store.Commit(ctx, chain.Head{Sequence: 3, Hash: rng[0].ContentHash}, event.Event{Sequence: 4}); !errors.Is(err, ledger.ErrHeadMoved) {
				t.Errorf("stale head: got %v", err)
			}

			if err := store.SetAuthorityTimestamp(ctx, 2, t0); err != nil {
				t.Fatal(err)
			}
			if err := store.SetAuthorityTimestamp(ctx, 2, t0); !errors.Is(err, ledger.ErrAuthorityTimestampSet) {
				t.Errorf("restamp: got %v", err)
			}
		})
	}
}

func TestFilter_Normalize(t *testing.T) {
	f, err := ledger.Filter{}.Normalize()
	if err != nil || f.Limit != ledger.DefaultPageSize {
		t.Errorf("defaults: %+v %v", f, err)
	}
	if f, _ := (ledger.Filter{Limit: 99999}).Normalize(); f.Limit != ledger.MaxPageSize {
		t.Errorf("limit cap: %d", f.Limit)
	}
	if _, err := (ledger.Filter{Types: []string{"Bad Type"}}).Normalize(); err == nil {
		t.Error("invalid type must be rejected")
	}
	a, b := time.Now(), time.Now().Add(-time.Hour)
	if _, err := (ledger.Filter{Since: &a, Until: &b}).Normalize(); !errors.Is(err, ledger.ErrInvalidRange) {
		t.Errorf("inverted range: got %v", err)
	}
}
