package checkpoint_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/archon72/ledger/internal/checkpoint"
	"github.com/archon72/ledger/internal/ledger"
	"github.com/archon72/ledger/internal/witness"
	"github.com/archon72/ledger/pkg/event"
	"github.com/archon72/ledger/pkg/integrity"
	"github.com/archon72/ledger/pkg/merkle"
)

var ctx = context.Background()

var t0 = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

func newLedger(t *testing.T, store ledger.Store) *ledger.Ledger {
	t.Helper()
	s, err := witness.GenerateSigner("witness-1")
	require.NoError(t, err)
	l, err := ledger.Open(ctx, store, witness.New(s), zap.NewNop())
	require.NoError(t, err)
	return l
}

func fill(t *testing.T, l *ledger.Ledger, n int) []event.Event {
	t.Helper()
	out := make([]event.Event, 0, n)
	for i := 0; i < n; i++ {
		ev, err := l.Append(ctx, event.Draft{
			Type:           "executive.decree.issued",
			Payload:        map[string]any{"text": fmt.Sprintf("decree %d", i)},
			ActorID:        "archon-01",
			LocalTimestamp: t0.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
		out = append(out, ev)
	}
	return out
}

func anchorStores(t *testing.T) map[string]checkpoint.AnchorStore {
	t.Helper()
	ps, err := ledger.OpenPebbleStore("", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { ps.Close() })
	return map[string]checkpoint.AnchorStore{
		"memory": checkpoint.NewMemoryAnchorStore(),
		"pebble": checkpoint.NewPebbleAnchorStore(ps.DB()),
	}
}

func TestBuild_publishesContiguousAnchors(t *testing.T) {
	for name, anchors := range anchorStores(t) {
		t.Run(name, func(t *testing.T) {
			l := newLedger(t, ledger.NewMemoryStore())
			fill(t, l, 10)
			b := checkpoint.NewBuilder(l, anchors, checkpoint.Config{WindowSize: 4}, zap.NewNop())

			first, err := b.Build(ctx, 1, 7)
			require.NoError(t, err)
			assert.Equal(t, uint64(1), first.Number)
			assert.Equal(t, 7, first.EventCount)
			assert.Len(t, first.MerkleRoot, 64)
			assert.Equal(t, 1, first.HashAlgVersion)

			_, err = b.Build(ctx, 9, 10)
			assert.ErrorIs(t, err, checkpoint.ErrNotContiguous)
			_, err = b.Build(ctx, 8, 11)
			assert.ErrorIs(t, err, checkpoint.ErrInvalidRange)

			second, err := b.Build(ctx, 8, 10)
			require.NoError(t, err)
			assert.Equal(t, uint64(2), second.Number)

			got, err := anchors.Covering(ctx, 9)
			require.NoError(t, err)
			assert.Equal(t, second.ID, got.ID)

			list, total, err := anchors.List(ctx, 0, 10)
			require.NoError(t, err)
			assert.Equal(t, 2, total)
			assert.Len(t, list, 2)

			_, err = anchors.Covering(ctx, 11)
			var nf *integrity.CheckpointNotFoundError
			assert.ErrorAs(t, err, &nf)
		})
	}
}

func TestBuild_rootMatchesDirectTree(t *testing.T) {
	l := newLedger(t, ledger.NewMemoryStore())
	events := fill(t, l, 5)
	b := checkpoint.NewBuilder(l, checkpoint.NewMemoryAnchorStore(), checkpoint.Config{}, zap.NewNop())

	a, err := b.Build(ctx, 1, 5)
	require.NoError(t, err)

	seqs := make([]uint64, len(events))
	hashes := make([]string, len(events))
	for i, ev := range events {
		seqs[i], hashes[i] = ev.Sequence, ev.ContentHash
	}
	tree, err := merkle.BuildHex(l.Algorithm(), seqs, hashes)
	require.NoError(t, err)
	assert.Equal(t, tree.RootHex(), a.MerkleRoot)
}

func TestBuild_refusesTamperedRange(t *testing.T) {
	src := newLedger(t, ledger.NewMemoryStore())
	events := fill(t, src, 6)
	events[2].Payload = event.MustPayload(map[string]any{"text": "forged"})

	l := newLedger(t, ledger.LoadMemoryStore(events))
	anchors := checkpoint.NewMemoryAnchorStore()
	b := checkpoint.NewBuilder(l, anchors, checkpoint.Config{}, zap.NewNop())

	_, err := b.Build(ctx, 1, 6)
	require.Error(t, err)
	assert.ErrorIs(t, err, integrity.ErrContentTampered)

	_, ok, err := anchors.Latest(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "no anchor may be published over a damaged range")
}

func TestBuildDue_fullWindowsOnly(t *testing.T) {
	l := newLedger(t, ledger.NewMemoryStore())
	fill(t, l, 11)
	var published []uint64
	b := checkpoint.NewBuilder(l, checkpoint.NewMemoryAnchorStore(), checkpoint.Config{WindowSize: 4}, zap.NewNop())
	b.SetPublishRecord(func(a checkpoint.Anchor) { published = append(published, a.Number) })

	got, err := b.BuildDue(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(5), got[1].StartSequence)
	assert.Equal(t, uint64(8), got[1].EndSequence)
	assert.Equal(t, []uint64{1, 2}, published)

	fill(t, l, 1)
	got, err = b.BuildDue(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(12), got[0].EndSequence)

	got, err = b.BuildDue(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestProve_roundTrip(t *testing.T) {
	for name, anchors := range anchorStores(t) {
		t.Run(name, func(t *testing.T) {
			l := newLedger(t, ledger.NewMemoryStore())
			events := fill(t, l, 7)
			b := checkpoint.NewBuilder(l, anchors, checkpoint.Config{}, zap.NewNop())
			a, err := b.Build(ctx, 1, 7)
			require.NoError(t, err)

			for _, ev := range events {
				p, got, err := b.Prove(ctx, ev.Sequence)
				require.NoError(t, err)
				assert.Equal(t, a.Number, got.Number)
				assert.Equal(t, a.Number, p.CheckpointSequence)
				assert.Equal(t, ev.ContentHash, p.EventHash)
				assert.Equal(t, a.MerkleRoot, p.CheckpointRoot)
				require.NoError(t, b.VerifyProof(ctx, p))
			}

			p, _, err := b.Prove(ctx, 4)
			require.NoError(t, err)
			require.Len(t, p.Path, 3)
			p.Path[1].SiblingHash = events[0].ContentHash
			err = b.VerifyProof(ctx, p)
			var invalid *integrity.MerkleProofInvalidError
			require.ErrorAs(t, err, &invalid)
			assert.Equal(t, uint64(4), invalid.Sequence)
		})
	}
}

func TestProve_uncoveredSequence(t *testing.T) {
	l := newLedger(t, ledger.NewMemoryStore())
	fill(t, l, 5)
	b := checkpoint.NewBuilder(l, checkpoint.NewMemoryAnchorStore(), checkpoint.Config{}, zap.NewNop())
	_, err := b.Build(ctx, 1, 3)
	require.NoError(t, err)

	_, _, err = b.Prove(ctx, 5)
	assert.ErrorIs(t, err, integrity.ErrCheckpointNotFound)
}

func TestVerifyProof_rootSwapRejected(t *testing.T) {
	l := newLedger(t, ledger.NewMemoryStore())
	fill(t, l, 6)
	b := checkpoint.NewBuilder(l, checkpoint.NewMemoryAnchorStore(), checkpoint.Config{}, zap.NewNop())
	_, err := b.Build(ctx, 1, 3)
	require.NoError(t, err)
	_, err = b.Build(ctx, 4, 6)
	require.NoError(t, err)

	p, _, err := b.Prove(ctx, 2)
	require.NoError(t, err)

	// Claiming the proof belongs to checkpoint 2 must fail: 2 does not cover
	// sequence 2.
	p.CheckpointSequence = 2
	err = b.VerifyProof(ctx, p)
	assert.ErrorIs(t, err, integrity.ErrMerkleProofInvalid)

	p.CheckpointSequence = 9
	err = b.VerifyProof(ctx, p)
	assert.ErrorIs(t, err, integrity.ErrCheckpointNotFound)
}

func TestVerifyProof_relabelledProofRejected(t *testing.T) {
	l := newLedger(t, ledger.NewMemoryStore())
	events := fill(t, l, 7)
	b := checkpoint.NewBuilder(l, checkpoint.NewMemoryAnchorStore(), checkpoint.Config{}, zap.NewNop())
	_, err := b.Build(ctx, 1, 7)
	require.NoError(t, err)

	p, _, err := b.Prove(ctx, 6)
	require.NoError(t, err)
	require.NoError(t, b.VerifyProof(ctx, p))
	require.NotEqual(t, events[1].ContentHash, p.EventHash)

	relabelled := p
	relabelled.EventSequence = 2
	assert.ErrorIs(t, b.VerifyProof(ctx, relabelled), integrity.ErrMerkleProofInvalid)

	relabelled.LeafIndex = 1
	assert.ErrorIs(t, b.VerifyProof(ctx, relabelled), integrity.ErrMerkleProofInvalid)

	resized := p
	resized.TreeSize = 99
	assert.ErrorIs(t, b.VerifyProof(ctx, resized), integrity.ErrMerkleProofInvalid)
}

func TestBuild_signsAnchors(t *testing.T) {
	l := newLedger(t, ledger.NewMemoryStore())
	fill(t, l, 3)
	s, err := witness.GenerateSigner("checkpoint-signer")
	require.NoError(t, err)
	signer := checkpoint.NewAnchorSigner(s)

	b := checkpoint.NewBuilder(l, checkpoint.NewMemoryAnchorStore(), checkpoint.Config{}, zap.NewNop())
	b.SetSigner(signer)
	a, err := b.Build(ctx, 1, 3)
	require.NoError(t, err)
	assert.Equal(t, "checkpoint-signer", a.SignerID)
	require.NoError(t, checkpoint.VerifyAnchorSignature(a, signer.PublicKey()))

	forged := a
	forged.MerkleRoot = "00" + a.MerkleRoot[2:]
	if forged.MerkleRoot == a.MerkleRoot {
		forged.MerkleRoot = "11" + a.MerkleRoot[2:]
	}
	assert.ErrorIs(t, checkpoint.VerifyAnchorSignature(forged, signer.PublicKey()), checkpoint.ErrAnchorSignature)

	other, err := witness.GenerateSigner("other")
	require.NoError(t, err)
	assert.ErrorIs(t, checkpoint.VerifyAnchorSignature(a, other.PublicKey()), checkpoint.ErrAnchorSignature)

	unsigned := a
	unsigned.Signature = ""
	err = checkpoint.VerifyAnchorSignature(unsigned, signer.PublicKey())
	assert.True(t, errors.Is(err, checkpoint.ErrAnchorSignature))
}

func TestAnchorStore_rejectsOutOfOrderSave(t *testing.T) {
	for name, anchors := range anchorStores(t) {
		t.Run(name, func(t *testing.T) {
			err := anchors.Save(ctx, checkpoint.Anchor{Number: 2, StartSequence: 1, EndSequence: 3})
			assert.ErrorIs(t, err, checkpoint.ErrAnchorConflict)

			_, err = anchors.Get(ctx, 1)
			assert.ErrorIs(t, err, checkpoint.ErrAnchorNotFound)
		})
	}
}
