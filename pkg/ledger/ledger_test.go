package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/attest/pkg/evidence"
	"github.com/Mindburn-Labs/attest/pkg/integrity"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func stepClock() func() time.Time {
	var mu sync.Mutex
	n := 0
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		n++
		return t0.Add(time.Duration(n) * time.Second)
	}
}

func ingestEntry(id string, collected time.Time, controls ...string) Entry {
	payload := []byte("payload-" + id)
	return Entry{
		Kind:           KindIngest,
		ID:             id,
		Source:         evidence.SourceSAST,
		Category:       "code",
		CorrelationID:  "commit-" + id,
		Tool:           "sonarqube",
		CollectedAt:    collected,
		PayloadRef:     "file://local/standard/sast/" + id,
		PayloadHash:    integrity.Digest(payload),
		PayloadSize:    int64(len(payload)),
		ControlIDs:     controls,
		RetentionClass: "standard",
		RetainUntil:    collected.Add(365 * 24 * time.Hour),
		DedupKey:       "dedup-" + id,
	}
}

func TestAppend_ChainsFromGenesis(t *testing.T) {
	l := NewMemoryLedger(WithClock(stepClock()))
	ctx := context.Background()

	first, err := l.Append(ctx, ingestEntry("a", t0, "SI.L2-3.14.1"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), first.Sequence)
	assert.Equal(t, integrity.ZeroDigest, first.PrevHash)
	assert.Equal(t, DefaultShard, first.Shard)

	second, err := l.Append(ctx, Entry{Kind: KindRegistryReload, ID: "reload-1", Subject: "1.0.0@sha256:ab"})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), second.Sequence)
	assert.Equal(t, first.EntryHash, second.PrevHash)

	h, err := ComputeHash(second)
	require.NoError(t, err)
	assert.Equal(t, h, second.EntryHash)

	head, err := l.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, Head{Shard: DefaultShard, Sequence: 2, Hash: second.EntryHash}, head)
}

func TestAppend_Validation(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()

	noControls := ingestEntry("a", t0)
	_, err := l.Append(ctx, noControls)
	assert.Error(t, err)

	badHash := ingestEntry("b", t0, "X")
	badHash.PayloadHash = "md5:abc"
	_, err = l.Append(ctx, badHash)
	assert.Error(t, err)

	_, err = l.Append(ctx, Entry{Kind: "delete", ID: "c"})
	assert.Error(t, err)

	_, err = l.Append(ctx, Entry{Kind: KindArchive, ID: "d"})
	assert.Error(t, err, "archive requires subject")

	head, err := l.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), head.Sequence)
}

func TestAppend_NormalizesControlsAndTime(t *testing.T) {
	l := NewMemoryLedger()
	e, err := l.Append(context.Background(), ingestEntry("a", t0.Add(123456789*time.Nanosecond).In(time.FixedZone("X", 3600)), "B", "A", "B"))
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, e.ControlIDs)
	assert.Equal(t, time.UTC, e.CollectedAt.Location())
	assert.Equal(t, 0, e.CollectedAt.Nanosecond()%1000)
}

func TestAppend_ConcurrentWritersStayGapless(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.Append(ctx, ingestEntry(fmt.Sprintf("r%d", i), t0, "C"))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	rep, err := l.Verify(ctx, 0, 0)
	require.NoError(t, err)
	assert.True(t, rep.OK)
	assert.Equal(t, 50, rep.Checked)
}

type blockingLocker struct{}

func (blockingLocker) Lock(ctx context.Context, _ string) (func(), error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestAppend_TimeoutIsErrTimeout(t *testing.T) {
	l := NewMemoryLedger(WithLocker(blockingLocker{}), WithAppendTimeout(20*time.Millisecond))
	_, err := l.Append(context.Background(), ingestEntry("a", t0, "C"))
	assert.ErrorIs(t, err, evidence.ErrTimeout)
}

func TestLookups(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()

	_, err := l.Append(ctx, ingestEntry("a", t0, "AC.1", "AU.2"))
	require.NoError(t, err)
	_, err = l.Append(ctx, ingestEntry("b", t0.Add(24*time.Hour), "AU.2"))
	require.NoError(t, err)
	fix := ingestEntry("c", t0.Add(48*time.Hour), "AU.2")
	fix.Supersedes = "a"
	_, err = l.Append(ctx, fix)
	require.NoError(t, err)
	_, err = l.Append(ctx, Entry{Kind: KindArchive, ID: "arch-1", Subject: "b"})
	require.NoError(t, err)

	got, err := l.Get(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.Sequence)

	_, err = l.Get(ctx, "zzz")
	assert.ErrorIs(t, err, evidence.ErrNotFound)

	got, err = l.FindByDedupKey(ctx, "dedup-c")
	require.NoError(t, err)
	assert.Equal(t, "c", got.ID)

	byCtl, err := l.ByControl(ctx, "AU.2", t0, t0.Add(48*time.Hour))
	require.NoError(t, err)
	require.Len(t, byCtl, 2, "upper bound is exclusive")
	assert.Equal(t, "a", byCtl[0].ID)

	refs, err := l.Referencing(ctx, "a")
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "c", refs[0].ID)

	refs, err = l.Referencing(ctx, "b")
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, KindArchive, refs[0].Kind)

	rng, err := l.Range(ctx, 2, 3)
	require.NoError(t, err)
	require.Len(t, rng, 2)
	assert.Equal(t, "b", rng[0].ID)
}

func TestOnAppendHandler(t *testing.T) {
	l := NewMemoryLedger()
	var seen []uint64
	l.OnAppend(func(e Entry) { seen = append(seen, e.Sequence) })
	for i := 0; i < 3; i++ {
		_, err := l.Append(context.Background(), ingestEntry(fmt.Sprint(i), t0, "C"))
		require.NoError(t, err)
	}
	assert.Equal(t, []uint64{1, 2, 3}, seen)
}

func TestShardsAreIndependent(t *testing.T) {
	backend := NewMemoryBackend()
	a := New(backend, WithShard("a"))
	b := New(backend, WithShard("b"))
	ctx := context.Background()

	ea, err := a.Append(ctx, ingestEntry("x", t0, "C"))
	require.NoError(t, err)
	eb, err := b.Append(ctx, ingestEntry("y", t0, "C"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ea.Sequence)
	assert.Equal(t, uint64(1), eb.Sequence)
	assert.Equal(t, integrity.ZeroDigest, eb.PrevHash)
}
