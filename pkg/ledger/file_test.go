package ledger

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/attest/pkg/evidence"
)

func TestFileBackend_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger", "manifest.jsonl")

	fb, err := OpenFileBackend(path, nil)
	require.NoError(t, err)
	l := New(fb, WithClock(stepClock()))
	for _, id := range []string{"a", "b", "c"} {
		_, err := l.Append(ctx, ingestEntry(id, t0, "C"))
		require.NoError(t, err)
	}
	head, err := l.Head(ctx)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	fb, err = OpenFileBackend(path, nil)
	require.NoError(t, err)
	defer fb.Close()
	reopened := New(fb)

	again, err := reopened.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, head, again)

	_, err = reopened.Append(ctx, ingestEntry("d", t0, "C"))
	require.NoError(t, err)
	rep, err := reopened.Verify(ctx, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 4, rep.Checked)
}

func TestFileBackend_TruncatesTornTail(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "manifest.jsonl")

	fb, err := OpenFileBackend(path, nil)
	require.NoError(t, err)
	l := New(fb)
	_, err = l.Append(ctx, ingestEntry("a", t0, "C"))
	require.NoError(t, err)
	require.NoError(t, l.Close())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString(`{"shard":"default","sequence_number":2,"kind":"ing`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	fb, err = OpenFileBackend(path, nil)
	require.NoError(t, err)
	defer fb.Close()
	l = New(fb)

	head, err := l.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), head.Sequence)

	_, err = l.Append(ctx, ingestEntry("b", t0, "C"))
	require.NoError(t, err)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(raw), "\n"))
}

func TestFileBackend_CorruptLineFailsOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("not json\n"), 0o600))
	_, err := OpenFileBackend(path, nil)
	assert.ErrorContains(t, err, "line 1 is corrupt")
}

func TestFileBackend_EditedLineFailsVerify(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "manifest.jsonl")

	fb, err := OpenFileBackend(path, nil)
	require.NoError(t, err)
	l := New(fb)
	for _, id := range []string{"a", "b", "c"} {
		_, err := l.Append(ctx, ingestEntry(id, t0, "C"))
		require.NoError(t, err)
	}
	require.NoError(t, l.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	edited := strings.Replace(string(raw), `"commit-b"`, `"commit-x"`, 1)
	require.NotEqual(t, string(raw), edited)
	require.NoError(t, os.WriteFile(path, []byte(edited), 0o600))

	fb, err = OpenFileBackend(path, nil)
	require.NoError(t, err)
	defer fb.Close()

	_, err = New(fb).Verify(ctx, 0, 0)
	var cbe *evidence.ChainBrokenError
	require.ErrorAs(t, err, &cbe)
	assert.Equal(t, uint64(2), cbe.Sequence)
}

func writeLedgerFile(t *testing.T, ids ...string) string {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "manifest.jsonl")
	fb, err := OpenFileBackend(path, nil)
	require.NoError(t, err)
	l := New(fb, WithClock(stepClock()))
	for _, id := range ids {
		_, err := l.Append(ctx, ingestEntry(id, t0, "C"))
		require.NoError(t, err)
	}
	require.NoError(t, l.Close())
	return path
}

func rewriteLines(t *testing.T, path string, edit func([]string) []string) {
	t.Helper()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.SplitAfter(string(raw), "\n")
	lines = edit(lines[:len(lines)-1])
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "")), 0o600))
}

func TestFileBackend_MissingLineFailsVerify(t *testing.T) {
	ctx := context.Background()
	path := writeLedgerFile(t, "a", "b", "c")
	rewriteLines(t, path, func(lines []string) []string {
		return []string{lines[0], lines[2]}
	})

	fb, err := OpenFileBackend(path, nil)
	require.NoError(t, err)
	defer fb.Close()

	rep, err := New(fb).Verify(ctx, 0, 0)
	require.ErrorIs(t, err, evidence.ErrChainBroken)
	var cbe *evidence.ChainBrokenError
	require.ErrorAs(t, err, &cbe)
	assert.Equal(t, uint64(2), cbe.Sequence)
	assert.False(t, rep.OK)
}

func TestFileBackend_ReorderedLinesFailVerify(t *testing.T) {
	ctx := context.Background()
	path := writeLedgerFile(t, "a", "b", "c")
	rewriteLines(t, path, func(lines []string) []string {
		return []string{lines[0], lines[2], lines[1]}
	})

	fb, err := OpenFileBackend(path, nil)
	require.NoError(t, err)
	defer fb.Close()

	_, err = New(fb).Verify(ctx, 0, 0)
	var cbe *evidence.ChainBrokenError
	require.ErrorAs(t, err, &cbe)
	assert.Equal(t, uint64(2), cbe.Sequence)
}

// faultyFile fails writes or fsyncs on demand.
type faultyFile struct {
	ledgerFile
	tornWrite   bool
	syncErr     error
	truncateErr error
}

func (f *faultyFile) Write(p []byte) (int, error) {
	if f.tornWrite {
		n, _ := f.ledgerFile.Write(p[:len(p)/2])
		return n, errors.New("short write")
	}
	return f.ledgerFile.Write(p)
}

func (f *faultyFile) Sync() error {
	if f.syncErr != nil {
		return f.syncErr
	}
	return f.ledgerFile.Sync()
}

func (f *faultyFile) Truncate(size int64) error {
	if f.truncateErr != nil {
		return f.truncateErr
	}
	return f.ledgerFile.Truncate(size)
}

func TestFileBackend_FailedAppendIsRolledBack(t *testing.T) {
	ctx := context.Background()
	path := writeLedgerFile(t, "a")

	fb, err := OpenFileBackend(path, nil)
	require.NoError(t, err)
	ff := &faultyFile{ledgerFile: fb.f, syncErr: errors.New("disk full")}
	fb.f = ff
	l := New(fb)

	_, err = l.Append(ctx, ingestEntry("b", t0, "C"))
	assert.ErrorContains(t, err, "fsync ledger")

	ff.syncErr = nil
	ff.tornWrite = true
	_, err = l.Append(ctx, ingestEntry("b", t0, "C"))
	assert.ErrorContains(t, err, "short write")

	ff.tornWrite = false
	e, err := l.Append(ctx, ingestEntry("b", t0, "C"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), e.Sequence)
	require.NoError(t, l.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(raw), "\n"))

	fb, err = OpenFileBackend(path, nil)
	require.NoError(t, err)
	defer fb.Close()
	rep, err := New(fb).Verify(ctx, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Checked)
}

func TestFileBackend_FailedRollbackStopsWrites(t *testing.T) {
	ctx := context.Background()
	path := writeLedgerFile(t, "a")

	fb, err := OpenFileBackend(path, nil)
	require.NoError(t, err)
	defer fb.Close()
	ff := &faultyFile{ledgerFile: fb.f, syncErr: errors.New("io error"), truncateErr: errors.New("read-only fs")}
	fb.f = ff
	l := New(fb)

	_, err = l.Append(ctx, ingestEntry("b", t0, "C"))
	require.ErrorContains(t, err, "needs reopening")

	ff.syncErr, ff.truncateErr = nil, nil
	_, err = l.Append(ctx, ingestEntry("c", t0, "C"))
	assert.ErrorContains(t, err, "needs reopening")

	head, err := l.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), head.Sequence)
}
