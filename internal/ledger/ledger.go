package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/archon72/ledger/internal/witness"
	"github.com/archon72/ledger/pkg/canonical"
	"github.com/archon72/ledger/pkg/chain"
	"github.com/archon72/ledger/pkg/event"
	"github.com/archon72/ledger/pkg/integrity"
)

const defaultBatchSize = 500

// AppendRecordFunc is an optional callback invoked after every append
// attempt.
type AppendRecordFunc func(ev event.Event, err error, elapsed time.Duration)

// Option configures a Ledger.
type Option func(*Ledger)

// WithAlgorithm selects the hash algorithm for new events.
func WithAlgorithm(alg canonical.Algorithm) Option {
	return func(l *Ledger) { l.alg = alg }
}

// WithActorKeys lets the ledger sign drafts that arrive unsigned for actors
// whose private key it holds.
func WithActorKeys(k *witness.Keyring) Option {
	return func(l *Ledger) { l.actors = k }
}

// WithBatchSize sets how many events Verify reads per round trip.
func WithBatchSize(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.batchSize = n
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// Ledger is the single writer of the event chain.
type Ledger struct {
	store     Store
	witness   *witness.Witness
	actors    *witness.Keyring
	alg       canonical.Algorithm
	batchSize int
	now       func() time.Time
	logger    *zap.Logger

	mu       sync.Mutex
	head     atomic.Pointer[chain.Head]
	halted   error
	onAppend AppendRecordFunc
}

// Open loads the head from store and returns a ready Ledger.
func Open(ctx context.Context, store Store, w *witness.Witness, logger *zap.Logger, opts ...Option) (*Ledger, error) {
	l := &Ledger{
		store:     store,
		witness:   w,
		alg:       canonical.Default,
		batchSize: defaultBatchSize,
		now:       time.Now,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	if !l.alg.Valid() {
		return nil, fmt.Errorf("%w: version %d", canonical.ErrUnknownAlgorithm, uint8(l.alg))
	}
	if err := l.reloadHead(ctx); err != nil {
		return nil, err
	}
	h := l.Head()
	logger.Info("ledger opened",
		zap.Uint64("head_sequence", h.Sequence),
		zap.String("head_hash", h.Hash),
		zap.String("hash_algorithm", l.alg.Name()),
	)
	return l, nil
}

// SetAppendRecord configures the append callback.
func (l *Ledger) SetAppendRecord(fn AppendRecordFunc) {
	l.onAppend = fn
}

// Algorithm returns the algorithm used for new events.
func (l *Ledger) Algorithm() canonical.Algorithm { return l.alg }

// WitnessID returns the identity attesting new events.
func (l *Ledger) WitnessID() string { return l.witness.ID() }

// reloadHead adopts the store's head. Another writer may move it forward;
// a head below or beside the one this ledger committed means stored events
// were lost or replaced, and is returned as an integrity error instead.
func (l *Ledger) reloadHead(ctx context.Context) error {
	h, err := l.store.Head(ctx)
	if err != nil {
		return fmt.Errorf("load head: %w", err)
	}
	if h.Sequence == 0 {
		h = chain.GenesisHead(l.alg)
	}
	if cur := l.head.Load(); cur != nil {
		switch {
		case h.Sequence < cur.Sequence:
			return integrity.NewSequenceGap(h.Sequence+1, cur.Sequence+1)
		case h.Sequence == cur.Sequence && h.Hash != cur.Hash:
			return &integrity.ChainBrokenError{
				Sequence:     cur.Sequence,
				ExpectedPrev: cur.Hash,
				ActualPrev:   h.Hash,
				Detail:       "stored head differs from the committed head",
			}
		}
	}
	l.head.Store(&h)
	return nil
}

// Halted returns the integrity error that stopped appends, or nil.
func (l *Ledger) Halted() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.halted
}

// Head returns a consistent snapshot of the latest committed position.
func (l *Ledger) Head() chain.Head {
	return *l.head.Load()
}

// Append validates d, then, inside the writer's critical section, assigns
// the next sequence, attests, hashes, persists and advances the head. Nothing
// is visible until the store commit succeeds. ctx may cancel the append up to
// the commit.
func (l *Ledger) Append(ctx context.Context, d event.Draft) (event.Event, error) {
	start := l.now()
	ev, err := l.append(ctx, d)
	if l.onAppend != nil {
		l.onAppend(ev, err, l.now().Sub(start))
	}
	return ev, err
}

func (l *Ledger) append(ctx context.Context, d event.Draft) (event.Event, error) {
	if d.LocalTimestamp.IsZero() {
		d.LocalTimestamp = l.now()
	}
	ev, err := event.New(d)
	if err != nil {
		return event.Event{}, err
	}
	if ev.Signature == "" && l.actors != nil {
		if s, ok := l.actors.Signer(ev.ActorID); ok {
			if ev, err = witness.SignActor(s, ev); err != nil {
				return event.Event{}, err
			}
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.halted != nil {
		return event.Event{}, l.halted
	}
	head := l.Head()
	attested, err := l.witness.Attest(ev)
	if err != nil {
		return event.Event{}, err
	}
	linked, err := chain.LinkOne(head, attested, l.alg)
	if err != nil {
		return event.Event{}, err
	}

	if err := ctx.Err(); err != nil {
		return event.Event{}, err
	}
	if err := l.store.Commit(ctx, head, linked); err != nil {
		if errors.Is(err, ErrHeadMoved) {
			if rerr := l.reloadHead(ctx); rerr != nil {
				var gap *integrity.SequenceGapDetectedError
				var broken *integrity.ChainBrokenError
				if errors.As(rerr, &gap) || errors.As(rerr, &broken) {
					l.halted = fmt.Errorf("%w: %w", ErrHalted, rerr)
					l.logger.Error("stored chain lost committed events, appends halted",
						zap.Uint64("head_sequence", head.Sequence),
						zap.Error(rerr),
					)
					return event.Event{}, fmt.Errorf("commit event %d: %w", linked.Sequence, l.halted)
				}
				l.logger.Error("reload head after conflict", zap.Error(rerr))
			}
		}
		l.logger.Warn("append failed",
			zap.Uint64("sequence", linked.Sequence),
			zap.String("event_type", string(linked.Type)),
			zap.Error(err),
		)
		return event.Event{}, fmt.Errorf("commit event %d: %w", linked.Sequence, err)
	}

	next := head.Next(linked)
	l.head.Store(&next)

	l.logger.Info("event appended",
		zap.Uint64("sequence", linked.Sequence),
		zap.String("event_type", string(linked.Type)),
		zap.String("actor_id", linked.ActorID),
		zap.String("content_hash", linked.ContentHash),
	)
	return linked, nil
}

// Get returns the event at seq.
func (l *Ledger) Get(ctx context.Context, seq uint64) (event.Event, error) {
	return l.store.Get(ctx, seq)
}

// Range returns stored events in [from, to].
func (l *Ledger) Range(ctx context.Context, from, to uint64) ([]event.Event, error) {
	return l.store.Range(ctx, from, to)
}

// Query returns a page of events matching f.
func (l *Ledger) Query(ctx context.Context, f Filter) (Page, error) {
	f, err := f.Normalize()
	if err != nil {
		return Page{}, err
	}
	return l.store.Query(ctx, f)
}

// SequenceAt resolves an "as of" timestamp to a sequence.
func (l *Ledger) SequenceAt(ctx context.Context, t time.Time) (uint64, error) {
	return l.store.SequenceAt(ctx, t)
}

// StampAuthorityTime records the authority timestamp of a committed event.
// It is outside the content hash and can be set only once.
func (l *Ledger) StampAuthorityTime(ctx context.Context, seq uint64, t time.Time) error {
	return l.store.SetAuthorityTimestamp(ctx, seq, t)
}

// VerifyEvent checks one event's hash and its link to the stored
// predecessor.
func (l *Ledger) VerifyEvent(ctx context.Context, seq uint64) (chain.FullResult, event.Event, error) {
	ev, err := l.store.Get(ctx, seq)
	if err != nil {
		return chain.FullResult{}, event.Event{}, err
	}
	var pred *event.Event
	if seq > 1 {
		p, err := l.store.Get(ctx, seq-1)
		switch {
		case err == nil:
			pred = &p
		case errors.Is(err, ErrNotFound):
			// A missing predecessor has no hash to link to, so the link fails.
			pred = &event.Event{Sequence: seq - 1}
		default:
			return chain.FullResult{}, event.Event{}, err
		}
	}
	return chain.VerifyEventFull(ev, pred), ev, nil
}

// Verify checks [from, to] in batches. from 0 means 1 and to 0 means the
// current head.
func (l *Ledger) Verify(ctx context.Context, from, to uint64) (integrity.Report, error) {
	head := l.Head()
	if from == 0 {
		from = 1
	}
	if to == 0 || to > head.Sequence {
		to = head.Sequence
	}
	if head.Sequence == 0 {
		return integrity.Report{Valid: true}, nil
	}
	if from > to {
		return integrity.Report{}, fmt.Errorf("%w: [%d, %d]", ErrInvalidRange, from, to)
	}

	d := integrity.NewDetector()
	if from > 1 {
		pred, err := l.store.Get(ctx, from-1)
		switch {
		case err == nil:
			d = integrity.ResumeDetector(pred)
		case errors.Is(err, ErrNotFound):
			// The predecessor itself is missing; scan from the start so the
			// gap is classified.
			from = 1
		default:
			return integrity.Report{}, err
		}
	}

	r, err := l.ScanInto(ctx, d, to)
	if err != nil {
		return r, err
	}
	r.FromSequence, r.ToSequence = from, to
	return r, nil
}

// ScanInto feeds d every stored event from d.Next() through to, in batches.
// The detector keeps its state, so successive calls continue the scan.
func (l *Ledger) ScanInto(ctx context.Context, d *integrity.Detector, to uint64) (integrity.Report, error) {
	r := integrity.Report{Valid: true, FromSequence: d.Next(), LastVerified: d.LastVerified()}
	for start := d.Next(); start <= to; {
		if err := ctx.Err(); err != nil {
			return r, err
		}
		end := start + uint64(l.batchSize) - 1
		if end > to {
			end = to
		}
		batch, err := l.store.Range(ctx, start, end)
		if err != nil {
			return r, fmt.Errorf("read events [%d, %d]: %w", start, end, err)
		}
		r.Merge(d.Scan(batch))
		start = end + 1
	}
	r.Anomalies = append(r.Anomalies, d.Expect(to)...)
	r.ToSequence = to
	r.LastVerified = d.LastVerified()
	r.Valid = len(r.Anomalies) == 0
	for _, a := range r.Anomalies {
		l.logger.Error("integrity anomaly",
			zap.String("kind", string(a.Kind)),
			zap.Uint64("sequence", a.Sequence),
			zap.Error(a.Err),
		)
	}
	return r, nil
}

// ChainProof returns the hash-chain proof from from to the current head.
// to must be 0 or the current head sequence.
func (l *Ledger) ChainProof(ctx context.Context, from, to uint64) (chain.Proof, error) {
	head := l.Head()
	if head.Sequence == 0 {
		return chain.Proof{}, fmt.Errorf("%w: ledger is empty", ErrInvalidRange)
	}
	if to != 0 && to != head.Sequence {
		return chain.Proof{}, fmt.Errorf("%w: proof must end at the current head %d, got %d", ErrInvalidRange, head.Sequence, to)
	}
	if from == 0 || from > head.Sequence {
		return chain.Proof{}, fmt.Errorf("%w: from %d outside [1, %d]", ErrInvalidRange, from, head.Sequence)
	}
	events, err := l.store.Range(ctx, from, head.Sequence)
	if err != nil {
		return chain.Proof{}, err
	}
	want := from
	for _, ev := range events {
		if ev.Sequence != want {
			return chain.Proof{}, integrity.NewSequenceGap(want, ev.Sequence)
		}
		want++
	}
	return chain.BuildProof(events, from, head, l.alg, l.now())
}
