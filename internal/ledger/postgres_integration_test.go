//go:build integration

package ledger_test

import (
	"errors"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/archon72/ledger/internal/ledger"
	"github.com/archon72/ledger/pkg/chain"
)

func setupPostgres(t *testing.T) *ledger.PostgresStore {
	t.Helper()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		t.Fatalf("connect to postgres: %v", err)
	}
	t.Cleanup(pool.Close)
	if err := pool.Ping(ctx); err != nil {
		t.Fatalf("ping postgres: %v", err)
	}
	if _, err := pool.Exec(ctx, "TRUNCATE events"); err != nil {
		t.Fatalf("truncate events: %v", err)
	}
	return ledger.NewPostgresStore(pool, zap.NewNop())
}

func TestPostgresStore_roundTrip(t *testing.T) {
	store := setupPostgres(t)
	l := openLedger(t, store)
	events := appendN(t, l, 4)

	got, err := store.Get(ctx, 3)
	if err != nil {
		t.Fatal(err)
	}
	if got.ContentHash != events[2].ContentHash {
		t.Fatalf("content hash changed on round trip")
	}
	if res := chain.VerifyEventHash(got); !res.Valid {
		t.Errorf("stored event no longer re-hashes: %+v", res)
	}

	r, err := l.Verify(ctx, 0, 0)
	if err != nil || !r.Valid {
		t.Fatalf("verify: %+v %v", r, err)
	}

	page, err := l.Query(ctx, ledger.Filter{Branches: []string{"legislative"}, Limit: 3})
	if err != nil {
		t.Fatal(err)
	}
	if page.TotalCount != 4 || len(page.Events) != 3 || !page.HasMore {
		t.Errorf("page: total %d len %d more %v", page.TotalCount, len(page.Events), page.HasMore)
	}

	stale := chain.Head{Sequence: 1, Hash: events[0].ContentHash}
	if err := store.Commit(ctx, stale, events[1]); !errors.Is(err, ledger.ErrHeadMoved) {
		t.Errorf("stale head: got %v", err)
	}
}

func TestPostgresStore_twoLedgersShareOneChain(t *testing.T) {
	store := setupPostgres(t)
	a := openLedger(t, store)
	b := openLedger(t, store)

	appendN(t, a, 1)
	if _, err := b.Append(ctx, draft(1, "legislative.motion.filed")); !errors.Is(err, ledger.ErrHeadMoved) {
		t.Fatalf("expected ErrHeadMoved, got %v", err)
	}
	if _, err := b.Append(ctx, draft(2, "legislative.motion.filed")); err != nil {
		t.Fatal(err)
	}
	r, err := a.Verify(ctx, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !r.Valid || r.Checked != 2 {
		t.Errorf("report: %+v", r)
	}
}
