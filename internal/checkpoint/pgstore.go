package checkpoint

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/archon72/ledger/pkg/integrity"
)

const anchorColumns = `checkpoint_id, number, start_sequence, end_sequence, event_count,
	merkle_root, hash_alg_version, created_at, signer_id, signature`

// PostgresAnchorStore persists anchors to the checkpoints table.
type PostgresAnchorStore struct {
	pool *pgxpool.Pool
}

// NewPostgresAnchorStore creates a PostgresAnchorStore backed by pool.
func NewPostgresAnchorStore(pool *pgxpool.Pool) *PostgresAnchorStore {
	return &PostgresAnchorStore{pool: pool}
}

func scanAnchor(row pgx.Row) (Anchor, error) {
	var (
		a          Anchor
		num, start int64
		end        int64
	)
	if err := row.Scan(&a.ID, &num, &start, &end, &a.EventCount,
		&a.MerkleRoot, &a.HashAlgVersion, &a.CreatedAt, &a.SignerID, &a.Signature); err != nil {
		return Anchor{}, err
	}
	a.Number, a.StartSequence, a.EndSequence = uint64(num), uint64(start), uint64(end)
	a.CreatedAt = a.CreatedAt.UTC()
	return a, nil
}

// Latest implements AnchorStore.
func (s *PostgresAnchorStore) Latest(ctx context.Context) (Anchor, bool, error) {
	a, err := scanAnchor(s.pool.QueryRow(ctx,
		"SELECT "+anchorColumns+" FROM checkpoints ORDER BY number DESC LIMIT 1"))
	if errors.Is(err, pgx.ErrNoRows) {
		return Anchor{}, false, nil
	}
	if err != nil {
		return Anchor{}, false, fmt.Errorf("latest checkpoint: %w", err)
	}
	return a, true, nil
}

// Save implements AnchorStore. The number check and insert share one
// transaction under the same advisory-lock discipline as event commits.
func (s *PostgresAnchorStore) Save(ctx context.Context, a Anchor) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", anchorLockKey); err != nil {
		return fmt.Errorf("acquire advisory lock: %w", err)
	}
	var latest int64
	if err := tx.QueryRow(ctx, "SELECT COALESCE(MAX(number), 0) FROM checkpoints").Scan(&latest); err != nil {
		return fmt.Errorf("read latest checkpoint: %w", err)
	}
	if a.Number != uint64(latest)+1 {
		return fmt.Errorf("%w: number %d after %d", ErrAnchorConflict, a.Number, latest)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO checkpoints (`+anchorColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.ID, int64(a.Number), int64(a.StartSequence), int64(a.EndSequence), a.EventCount,
		a.MerkleRoot, a.HashAlgVersion, a.CreatedAt, a.SignerID, a.Signature,
	); err != nil {
		return fmt.Errorf("insert checkpoint %d: %w", a.Number, err)
	}
	return tx.Commit(ctx)
}

const anchorLockKey = int64(7_207_202_402)

// Get implements AnchorStore.
func (s *PostgresAnchorStore) Get(ctx context.Context, n uint64) (Anchor, error) {
	a, err := scanAnchor(s.pool.QueryRow(ctx,
		"SELECT "+anchorColumns+" FROM checkpoints WHERE number = $1", int64(n)))
	if errors.Is(err, pgx.ErrNoRows) {
		return Anchor{}, fmt.Errorf("%w: %d", ErrAnchorNotFound, n)
	}
	if err != nil {
		return Anchor{}, fmt.Errorf("get checkpoint %d: %w", n, err)
	}
	return a, nil
}

// Covering implements AnchorStore.
func (s *PostgresAnchorStore) Covering(ctx context.Context, seq uint64) (Anchor, error) {
	a, err := scanAnchor(s.pool.QueryRow(ctx,
		"SELECT "+anchorColumns+" FROM checkpoints WHERE start_sequence <= $1 AND end_sequence >= $1",
		int64(seq)))
	if errors.Is(err, pgx.ErrNoRows) {
		return Anchor{}, &integrity.CheckpointNotFoundError{Sequence: seq}
	}
	if err != nil {
		return Anchor{}, fmt.Errorf("checkpoint covering %d: %w", seq, err)
	}
	return a, nil
}

// List implements AnchorStore.
func (s *PostgresAnchorStore) List(ctx context.Context, offset, limit int) ([]Anchor, int, error) {
	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM checkpoints").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count checkpoints: %w", err)
	}
	if limit <= 0 {
		limit = total
	}
	rows, err := s.pool.Query(ctx,
		"SELECT "+anchorColumns+" FROM checkpoints ORDER BY number ASC LIMIT $1 OFFSET $2", limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()
	out := []Anchor{}
	for rows.Next() {
		a, err := scanAnchor(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan checkpoint: %w", err)
		}
		out = append(out, a)
	}
	return out, total, rows.Err()
}
