package ledger

import (
	"context"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/attest/pkg/evidence"
	"github.com/Mindburn-Labs/attest/pkg/integrity"
)

func seeded(t testing.TB, n int) (*Ledger, *MemoryBackend) {
	backend := NewMemoryBackend()
	l := New(backend, WithClock(stepClock()))
	for i := 1; i <= n; i++ {
		_, err := l.Append(context.Background(), ingestEntry(fmt.Sprintf("rec-%d", i), t0, "C"))
		require.NoError(t, err)
	}
	return l, backend
}

func TestVerify_CleanChain(t *testing.T) {
	l, _ := seeded(t, 10)
	rep, err := l.Verify(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.True(t, rep.OK)
	assert.Equal(t, 10, rep.Checked)
	assert.Equal(t, uint64(1), rep.From)
	assert.Equal(t, uint64(10), rep.To)
}

func TestVerify_EmptyLedger(t *testing.T) {
	rep, err := NewMemoryLedger().Verify(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.True(t, rep.OK)
	assert.Zero(t, rep.Checked)
}

func TestVerify_ReportsFirstBrokenSequence(t *testing.T) {
	l, backend := seeded(t, 10)
	// Rewrite entry 7's payload hash as if someone swapped the evidence.
	backend.shards[DefaultShard][6].PayloadHash = integrity.Digest([]byte("forged"))
	// A second, later edit must not mask the first.
	backend.shards[DefaultShard][8].Category = "forged"

	rep, err := l.Verify(context.Background(), 0, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, evidence.ErrChainBroken)

	var cbe *evidence.ChainBrokenError
	require.ErrorAs(t, err, &cbe)
	assert.Equal(t, uint64(7), cbe.Sequence)
	assert.False(t, rep.OK)
	assert.Equal(t, uint64(7), rep.BrokenAt)
	assert.Equal(t, 6, rep.Checked)
}

func TestVerify_RehashedEntryBreaksNextLink(t *testing.T) {
	l, backend := seeded(t, 5)
	e := &backend.shards[DefaultShard][2]
	e.Tool = "forged"
	h, err := ComputeHash(*e)
	require.NoError(t, err)
	e.EntryHash = h

	rep, err := l.Verify(context.Background(), 0, 0)
	require.ErrorIs(t, err, evidence.ErrChainBroken)
	assert.Equal(t, uint64(4), rep.BrokenAt)
}

func TestVerify_SubRangeAnchorsOnPredecessor(t *testing.T) {
	l, backend := seeded(t, 10)
	rep, err := l.Verify(context.Background(), 5, 8)
	require.NoError(t, err)
	assert.Equal(t, 4, rep.Checked)

	backend.shards[DefaultShard][3].Tool = "forged" // entry 4 is the anchor
	_, err = l.Verify(context.Background(), 5, 8)
	var cbe *evidence.ChainBrokenError
	require.ErrorAs(t, err, &cbe)
	assert.Equal(t, uint64(4), cbe.Sequence)
}

func TestVerify_MissingEntry(t *testing.T) {
	l, backend := seeded(t, 5)
	backend.shards[DefaultShard] = backend.shards[DefaultShard][:3]
	_, err := l.Verify(context.Background(), 1, 5)
	var cbe *evidence.ChainBrokenError
	require.ErrorAs(t, err, &cbe)
	assert.Equal(t, uint64(4), cbe.Sequence)
}

// Mutating any single field of any single entry is detected at exactly that
// entry's sequence number.
func TestVerify_DetectsAnySingleMutation(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	mutations := []func(*Entry){
		func(e *Entry) { e.PayloadHash = integrity.Digest([]byte("x")) },
		func(e *Entry) { e.ControlIDs = append(e.ControlIDs, "EXTRA") },
		func(e *Entry) { e.CollectedAt = e.CollectedAt.Add(1) },
		func(e *Entry) { e.CorrelationID += "!" },
		func(e *Entry) { e.PrevHash = integrity.ZeroDigest[:len(integrity.ZeroDigest)-1] + "1" },
	}

	properties.Property("first broken sequence is the mutated one", prop.ForAll(
		func(n, target, which int) bool {
			target = target%n + 1
			l, backend := seeded(t, n)
			mutations[which%len(mutations)](&backend.shards[DefaultShard][target-1])
			rep, err := l.Verify(context.Background(), 0, 0)
			return err != nil && rep.BrokenAt == uint64(target)
		},
		gen.IntRange(1, 30),
		gen.IntRange(0, 1000),
		gen.IntRange(0, 100),
	))

	properties.TestingRun(t)
}
