package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/archon72/ledger/pkg/canonical"
	"github.com/archon72/ledger/pkg/chain"
	"github.com/archon72/ledger/pkg/event"
	"github.com/archon72/ledger/pkg/integrity"
	"github.com/archon72/ledger/pkg/merkle"
)

// Config holds checkpoint scheduling configuration.
type Config struct {
	WindowSize uint64
	Interval   time.Duration
	CacheTTL   time.Duration
}

// EventSource is the read side of the ledger a Builder needs.
type EventSource interface {
	Head() chain.Head
	Range(ctx context.Context, from, to uint64) ([]event.Event, error)
	Verify(ctx context.Context, from, to uint64) (integrity.Report, error)
}

// PublishRecordFunc is an optional callback invoked for each published
// anchor.
type PublishRecordFunc func(a Anchor)

// Builder publishes anchors and proves inclusion against them. Builds are
// serialized; proofs run concurrently.
type Builder struct {
	src       EventSource
	anchors   AnchorStore
	signer    *AnchorSigner
	cfg       Config
	cache     *treeCache
	now       func() time.Time
	onPublish PublishRecordFunc
	logger    *zap.Logger

	mu sync.Mutex
}

// NewBuilder creates a Builder.
func NewBuilder(src EventSource, anchors AnchorStore, cfg Config, logger *zap.Logger) *Builder {
	if cfg.WindowSize == 0 {
		cfg.WindowSize = 1000
	}
	if cfg.Interval == 0 {
		cfg.Interval = 10 * time.Minute
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 15 * time.Minute
	}
	return &Builder{
		src:     src,
		anchors: anchors,
		cfg:     cfg,
		cache:   newTreeCache(cfg.CacheTTL),
		now:     time.Now,
		logger:  logger,
	}
}

// SetSigner configures JWS signing of new anchors.
func (b *Builder) SetSigner(s *AnchorSigner) { b.signer = s }

// SetPublishRecord configures the publish callback.
func (b *Builder) SetPublishRecord(fn PublishRecordFunc) { b.onPublish = fn }

// Anchors returns the underlying store.
func (b *Builder) Anchors() AnchorStore { return b.anchors }

// Build anchors [start, end]. start must directly follow the previous
// anchor, end must not pass the head, and the range must verify clean:
// a damaged range is refused, never anchored.
func (b *Builder) Build(ctx context.Context, start, end uint64) (Anchor, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	latest, ok, err := b.anchors.Latest(ctx)
	if err != nil {
		return Anchor{}, fmt.Errorf("latest checkpoint: %w", err)
	}
	var want, number uint64 = 1, 1
	if ok {
		want, number = latest.EndSequence+1, latest.Number+1
	}
	if start != want {
		return Anchor{}, fmt.Errorf("%w: start %d, expected %d", ErrNotContiguous, start, want)
	}
	head := b.src.Head()
	if end < start || end > head.Sequence {
		return Anchor{}, fmt.Errorf("%w: [%d, %d] with head %d", ErrInvalidRange, start, end, head.Sequence)
	}

	report, err := b.src.Verify(ctx, start, end)
	if err != nil {
		return Anchor{}, fmt.Errorf("verify [%d, %d]: %w", start, end, err)
	}
	if !report.Valid {
		b.logger.Error("refusing to anchor damaged range",
			zap.Uint64("start", start),
			zap.Uint64("end", end),
			zap.Int("anomalies", len(report.Anomalies)),
		)
		return Anchor{}, fmt.Errorf("checkpoint: range [%d, %d] failed verification: %w", start, end, report.Err())
	}

	tree, alg, err := b.buildTree(ctx, start, end)
	if err != nil {
		return Anchor{}, err
	}

	a := Anchor{
		ID:             uuid.New(),
		Number:         number,
		StartSequence:  start,
		EndSequence:    end,
		EventCount:     tree.Size(),
		MerkleRoot:     tree.RootHex(),
		HashAlgVersion: alg.Version(),
		CreatedAt:      b.now().UTC().Truncate(time.Microsecond),
	}
	if b.signer != nil {
		sig, err := b.signer.Sign(a)
		if err != nil {
			return Anchor{}, err
		}
		a.SignerID, a.Signature = b.signer.ID(), sig
	}
	if err := b.anchors.Save(ctx, a); err != nil {
		return Anchor{}, fmt.Errorf("save checkpoint %d: %w", a.Number, err)
	}
	b.cache.set(a.Number, tree)

	b.logger.Info("checkpoint published",
		zap.Uint64("number", a.Number),
		zap.Uint64("start", a.StartSequence),
		zap.Uint64("end", a.EndSequence),
		zap.String("merkle_root", a.MerkleRoot),
	)
	if b.onPublish != nil {
		b.onPublish(a)
	}
	return a, nil
}

// buildTree reads [start, end] and builds its Merkle tree with the events'
// own hash algorithm, which must be uniform across the range.
func (b *Builder) buildTree(ctx context.Context, start, end uint64) (*merkle.Tree, canonical.Algorithm, error) {
	events, err := b.src.Range(ctx, start, end)
	if err != nil {
		return nil, 0, fmt.Errorf("read [%d, %d]: %w", start, end, err)
	}
	if uint64(len(events)) != end-start+1 {
		return nil, 0, fmt.Errorf("checkpoint: range [%d, %d] has %d events: %w",
			start, end, len(events), integrity.ErrSequenceGap)
	}

	alg, err := events[0].Algorithm()
	if err != nil {
		return nil, 0, err
	}
	seqs := make([]uint64, len(events))
	hashes := make([]string, len(events))
	for i, ev := range events {
		if ev.HashAlgVersion != alg.Version() {
			return nil, 0, fmt.Errorf("checkpoint: sequence %d uses hash_alg_version %d, window uses %d",
				ev.Sequence, ev.HashAlgVersion, alg.Version())
		}
		seqs[i], hashes[i] = ev.Sequence, ev.ContentHash
	}
	tree, err := merkle.BuildHex(alg, seqs, hashes)
	if err != nil {
		return nil, 0, err
	}
	return tree, alg, nil
}

// BuildDue publishes every complete window not yet anchored.
func (b *Builder) BuildDue(ctx context.Context) ([]Anchor, error) {
	var published []Anchor
	for {
		latest, ok, err := b.anchors.Latest(ctx)
		if err != nil {
			return published, err
		}
		var start uint64 = 1
		if ok {
			start = latest.EndSequence + 1
		}
		end := start + b.cfg.WindowSize - 1
		if end > b.src.Head().Sequence {
			return published, nil
		}
		a, err := b.Build(ctx, start, end)
		if err != nil {
			return published, err
		}
		published = append(published, a)
	}
}

// Start runs BuildDue on every interval until stop is closed.
func (b *Builder) Start(stop <-chan struct{}) {
	ticker := time.NewTicker(b.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), b.cfg.Interval)
			if _, err := b.BuildDue(ctx); err != nil {
				b.logger.Error("checkpoint: build due windows", zap.Error(err))
			}
			if n := b.cache.evict(); n > 0 {
				b.logger.Debug("checkpoint: evicted cached trees", zap.Int("count", n))
			}
			cancel()
		case <-stop:
			return
		}
	}
}

// tree returns the Merkle tree of a, rebuilding and re-checking it against
// the published root on a cache miss.
func (b *Builder) tree(ctx context.Context, a Anchor) (*merkle.Tree, error) {
	if t, ok := b.cache.get(a.Number); ok {
		return t, nil
	}
	t, _, err := b.buildTree(ctx, a.StartSequence, a.EndSequence)
	if err != nil {
		return nil, err
	}
	if t.RootHex() != a.MerkleRoot {
		return nil, &integrity.MerkleProofInvalidError{
			Sequence:     a.StartSequence,
			ExpectedRoot: a.MerkleRoot,
			Reason:       "stored events no longer produce the published root " + t.RootHex(),
		}
	}
	b.cache.set(a.Number, t)
	return t, nil
}

// Prove returns the inclusion proof of seq under the checkpoint covering it,
// or integrity.CheckpointNotFoundError.
func (b *Builder) Prove(ctx context.Context, seq uint64) (merkle.Proof, Anchor, error) {
	a, err := b.anchors.Covering(ctx, seq)
	if err != nil {
		return merkle.Proof{}, Anchor{}, err
	}
	t, err := b.tree(ctx, a)
	if err != nil {
		return merkle.Proof{}, a, err
	}
	p, err := t.Prove(seq)
	if err != nil {
		if errors.Is(err, merkle.ErrLeafNotFound) {
			return merkle.Proof{}, a, &integrity.CheckpointNotFoundError{Sequence: seq}
		}
		return merkle.Proof{}, a, err
	}
	p.CheckpointSequence = a.Number
	return p, a, nil
}

// VerifyProof checks p against the root this service published for the
// checkpoint p names. It returns integrity.MerkleProofInvalidError on any
// mismatch.
func (b *Builder) VerifyProof(ctx context.Context, p merkle.Proof) error {
	a, err := b.anchors.Get(ctx, p.CheckpointSequence)
	if err != nil {
		if errors.Is(err, ErrAnchorNotFound) {
			return &integrity.CheckpointNotFoundError{Sequence: p.EventSequence}
		}
		return err
	}
	if !a.Covers(p.EventSequence) {
		return &integrity.MerkleProofInvalidError{
			Sequence:     p.EventSequence,
			ExpectedRoot: a.MerkleRoot,
			Reason:       fmt.Sprintf("checkpoint %d does not cover sequence %d", a.Number, p.EventSequence),
		}
	}
	return integrity.VerifyInclusion(p, a.Window())
}
