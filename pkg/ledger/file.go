package ledger

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ledgerFile is the part of *os.File the backend uses.
type ledgerFile interface {
	io.ReadWriteSeeker
	io.Closer
	Sync() error
	Truncate(size int64) error
	Stat() (os.FileInfo, error)
}

// FileBackend appends one JSON document per line and fsyncs after each
// append. The whole file is indexed in memory at open.
//
// A torn final line (crash during write) is truncated on open; every line
// before it was fsynced and is kept. Missing or reordered lines are loaded
// as found and reported by Verify.
type FileBackend struct {
	path   string
	logger *slog.Logger
	mu     sync.Mutex
	f      ledgerFile
	size   int64
	failed error
	index  *MemoryBackend
}

// OpenFileBackend opens or creates the JSONL file at path.
func OpenFileBackend(path string, logger *slog.Logger) (*FileBackend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("open ledger file: %w", err)
	}

	fb := &FileBackend{path: path, logger: logger, f: f, index: NewMemoryBackend()}
	valid, err := fb.load()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if info, err := f.Stat(); err == nil && info.Size() > valid {
		logger.Warn("truncating torn ledger tail", "path", path, "bytes", info.Size()-valid)
		if err := f.Truncate(valid); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("truncate torn ledger tail: %w", err)
		}
	}
	if fb.size, err = f.Seek(0, io.SeekEnd); err != nil {
		_ = f.Close()
		return nil, err
	}
	return fb, nil
}

// load replays the file into the index and returns the byte length of the
// valid prefix.
func (fb *FileBackend) load() (int64, error) {
	if _, err := fb.f.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	r := bufio.NewReader(fb.f)
	var valid int64
	line := 0
	next := map[string]uint64{}
	reported := false
	for {
		raw, err := r.ReadBytes('\n')
		if err == io.EOF {
			// Bytes without a trailing newline are a torn write.
			return valid, nil
		}
		if err != nil {
			return 0, fmt.Errorf("read ledger: %w", err)
		}
		line++
		var e Entry
		if err := json.Unmarshal(bytes.TrimSpace(raw), &e); err != nil {
			return 0, fmt.Errorf("ledger line %d is corrupt: %w", line, err)
		}
		if want := next[e.Shard] + 1; e.Sequence != want && !reported {
			fb.logger.Warn("ledger file is not contiguous; verify will report the break",
				"path", fb.path, "line", line, "sequence", e.Sequence, "expected", want)
			reported = true
		}
		next[e.Shard] = e.Sequence
		fb.index.restore(e)
		valid += int64(len(raw))
	}
}

func (fb *FileBackend) Insert(ctx context.Context, e Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	b = append(b, '\n')

	fb.mu.Lock()
	defer fb.mu.Unlock()

	if fb.failed != nil {
		return fb.failed
	}
	// Validate against the index before touching the file.
	if last, ok, _ := fb.index.Last(ctx, e.Shard); (ok && e.Sequence != last.Sequence+1) || (!ok && e.Sequence != 1) {
		return fmt.Errorf("sequence %d already taken or out of order", e.Sequence)
	}
	if _, err := fb.f.Write(b); err != nil {
		return fb.rollback(fmt.Errorf("write ledger: %w", err))
	}
	if err := fb.f.Sync(); err != nil {
		return fb.rollback(fmt.Errorf("fsync ledger: %w", err))
	}
	fb.size += int64(len(b))
	fb.index.restore(e)
	return nil
}

// rollback cuts the file back to the last committed entry. If that fails
// the backend refuses further writes until reopened.
func (fb *FileBackend) rollback(cause error) error {
	if err := fb.f.Truncate(fb.size); err != nil {
		fb.failed = fmt.Errorf("ledger file %s needs reopening: %v: truncate: %w", fb.path, cause, err)
		return fb.failed
	}
	if _, err := fb.f.Seek(fb.size, io.SeekStart); err != nil {
		fb.failed = fmt.Errorf("ledger file %s needs reopening: %v: seek: %w", fb.path, cause, err)
		return fb.failed
	}
	return cause
}

func (fb *FileBackend) Last(ctx context.Context, shard string) (Entry, bool, error) {
	return fb.index.Last(ctx, shard)
}

func (fb *FileBackend) Range(ctx context.Context, shard string, from, to uint64) ([]Entry, error) {
	return fb.index.Range(ctx, shard, from, to)
}

func (fb *FileBackend) Get(ctx context.Context, shard, id string) (Entry, error) {
	return fb.index.Get(ctx, shard, id)
}

func (fb *FileBackend) FindByDedupKey(ctx context.Context, shard, key string) (Entry, error) {
	return fb.index.FindByDedupKey(ctx, shard, key)
}

func (fb *FileBackend) ByControl(ctx context.Context, shard, controlID string, from, to time.Time) ([]Entry, error) {
	return fb.index.ByControl(ctx, shard, controlID, from, to)
}

func (fb *FileBackend) Referencing(ctx context.Context, shard, id string) ([]Entry, error) {
	return fb.index.Referencing(ctx, shard, id)
}

func (fb *FileBackend) Close() error {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.f.Close()
}
