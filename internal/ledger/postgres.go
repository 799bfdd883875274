package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/archon72/ledger/pkg/chain"
	"github.com/archon72/ledger/pkg/event"
)

// advisoryLockKey serializes Commit across every process sharing the
// database. The value is arbitrary but must be the same everywhere.
const advisoryLockKey = int64(7_207_202_401)

const eventColumns = `sequence, event_id, event_type, payload_canonical, actor_id, witness_id,
	local_timestamp, authority_timestamp, signature, witness_signature,
	hash_alg_version, sig_alg_version, content_hash, prev_hash`

// PostgresStore persists events to PostgreSQL. It implements Store.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a PostgresStore backed by pool.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger}
}

// Head implements Store.
func (s *PostgresStore) Head(ctx context.Context) (chain.Head, error) {
	return readHead(ctx, s.pool)
}

type queryer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func readHead(ctx context.Context, q queryer) (chain.Head, error) {
	var h chain.Head
	var seq int64
	err := q.QueryRow(ctx, "SELECT sequence, content_hash FROM events ORDER BY sequence DESC LIMIT 1").Scan(&seq, &h.Hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return chain.Head{}, nil
	}
	if err != nil {
		return chain.Head{}, fmt.Errorf("read ledger head: %w", err)
	}
	h.Sequence = uint64(seq)
	return h, nil
}

// Commit implements Store. The advisory lock, head check and insert run in
// one transaction; the lock is released when it commits or rolls back.
func (s *PostgresStore) Commit(ctx context.Context, expected chain.Head, ev event.Event) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey); err != nil {
		return fmt.Errorf("acquire advisory lock: %w", err)
	}

	current, err := readHead(ctx, tx)
	if err != nil {
		return err
	}
	exists := func(seq uint64) (bool, error) {
		var ok bool
		err := tx.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM events WHERE sequence = $1)", int64(seq)).Scan(&ok)
		return ok, err
	}
	if err := checkCommit(current, expected, ev, exists); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO events (`+eventColumns+`, payload)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $4::jsonb)`,
		int64(ev.Sequence), ev.ID, string(ev.Type), string(ev.Payload.Canonical()), ev.ActorID, ev.WitnessID,
		ev.LocalTimestamp, ev.AuthorityTimestamp, ev.Signature, ev.WitnessSignature,
		ev.HashAlgVersion, ev.SigAlgVersion, ev.ContentHash, ev.PrevHash,
	); err != nil {
		return fmt.Errorf("insert event %d: %w", ev.Sequence, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit ledger tx: %w", err)
	}

	s.logger.Debug("event committed",
		zap.Uint64("sequence", ev.Sequence),
		zap.String("event_type", string(ev.Type)),
		zap.String("content_hash", ev.ContentHash),
	)
	return nil
}

func scanEvent(row pgx.Row) (event.Event, error) {
	var (
		ev        event.Event
		seq       int64
		id        uuid.UUID
		typ       string
		payload   string
		authority *time.Time
	)
	if err := row.Scan(&seq, &id, &typ, &payload, &ev.ActorID, &ev.WitnessID,
		&ev.LocalTimestamp, &authority, &ev.Signature, &ev.WitnessSignature,
		&ev.HashAlgVersion, &ev.SigAlgVersion, &ev.ContentHash, &ev.PrevHash,
	); err != nil {
		return event.Event{}, err
	}
	p, err := event.ParsePayload([]byte(payload))
	if err != nil {
		return event.Event{}, fmt.Errorf("event %d payload: %w", seq, err)
	}
	ev.Sequence = uint64(seq)
	ev.ID = id
	ev.Type = event.Type(typ)
	ev.Payload = p
	ev.LocalTimestamp = ev.LocalTimestamp.UTC()
	if authority != nil {
		utc := authority.UTC()
		ev.AuthorityTimestamp = &utc
	}
	return ev, nil
}

func collect(rows pgx.Rows) ([]event.Event, error) {
	defer rows.Close()
	var out []event.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, seq uint64) (event.Event, error) {
	ev, err := scanEvent(s.pool.QueryRow(ctx,
		"SELECT "+eventColumns+" FROM events WHERE sequence = $1", int64(seq)))
	if errors.Is(err, pgx.ErrNoRows) {
		return event.Event{}, fmt.Errorf("%w: sequence %d", ErrNotFound, seq)
	}
	if err != nil {
		return event.Event{}, fmt.Errorf("get event %d: %w", seq, err)
	}
	return ev, nil
}

// Range implements Store.
func (s *PostgresStore) Range(ctx context.Context, from, to uint64) ([]event.Event, error) {
	if to < from {
		return nil, fmt.Errorf("%w: [%d, %d]", ErrInvalidRange, from, to)
	}
	rows, err := s.pool.Query(ctx,
		"SELECT "+eventColumns+" FROM events WHERE sequence BETWEEN $1 AND $2 ORDER BY sequence ASC",
		int64(from), int64(to))
	if err != nil {
		return nil, fmt.Errorf("range events: %w", err)
	}
	return collect(rows)
}

// whereClause renders f as SQL conditions with positional args.
func whereClause(f Filter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if len(f.Types) > 0 {
		add("event_type = ANY($%d)", f.Types)
	}
	if len(f.Branches) > 0 {
		add("split_part(event_type, '.', 1) = ANY($%d)", f.Branches)
	}
	if f.Since != nil {
		add("local_timestamp >= $%d", *f.Since)
	}
	if f.Until != nil {
		add("local_timestamp <= $%d", *f.Until)
	}
	if f.AsOfSequence > 0 {
		add("sequence <= $%d", int64(f.AsOfSequence))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// Query implements Store.
func (s *PostgresStore) Query(ctx context.Context, f Filter) (Page, error) {
	where, args := whereClause(f)

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM events"+where, args...).Scan(&total); err != nil {
		return Page{}, fmt.Errorf("count events: %w", err)
	}

	args = append(args, f.Limit, f.Offset)
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		"SELECT %s FROM events%s ORDER BY sequence ASC LIMIT $%d OFFSET $%d",
		eventColumns, where, len(args)-1, len(args)), args...)
	if err != nil {
		return Page{}, fmt.Errorf("query events: %w", err)
	}
	events, err := collect(rows)
	if err != nil {
		return Page{}, err
	}
	if events == nil {
		events = []event.Event{}
	}
	return Page{
		Events:     events,
		TotalCount: total,
		Offset:     f.Offset,
		Limit:      f.Limit,
		HasMore:    f.Offset+len(events) < total,
	}, nil
}

// SequenceAt implements Store.
func (s *PostgresStore) SequenceAt(ctx context.Context, t time.Time) (uint64, error) {
	var seq *int64
	if err := s.pool.QueryRow(ctx,
		"SELECT MAX(sequence) FROM events WHERE local_timestamp <= $1", t,
	).Scan(&seq); err != nil {
		return 0, fmt.Errorf("sequence at %s: %w", t.Format(time.RFC3339), err)
	}
	if seq == nil {
		return 0, nil
	}
	return uint64(*seq), nil
}

// SetAuthorityTimestamp implements Store.
func (s *PostgresStore) SetAuthorityTimestamp(ctx context.Context, seq uint64, t time.Time) error {
	tag, err := s.pool.Exec(ctx,
		"UPDATE events SET authority_timestamp = $2 WHERE sequence = $1 AND authority_timestamp IS NULL",
		int64(seq), t.UTC().Truncate(time.Microsecond))
	if err != nil {
		return fmt.Errorf("stamp event %d: %w", seq, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.Get(ctx, seq); err != nil {
		return err
	}
	return fmt.Errorf("%w: sequence %d", ErrAuthorityTimestampSet, seq)
}
