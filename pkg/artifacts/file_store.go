package artifacts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Mindburn-Labs/attest/pkg/evidence"
	"github.com/Mindburn-Labs/attest/pkg/retention"
)

const (
	fileScheme = "file"
	fileBucket = "local"
	lockSuffix = ".lock.json"
	tmpSuffix  = ".tmp"
)

// lockFile is the sidecar written next to every object. It carries the
// retention lock and tier, which the filesystem cannot express natively.
type lockFile struct {
	RetentionClass retention.Class `json:"retention_class"`
	RetainUntil    time.Time       `json:"retain_until"`
	Tier           retention.Tier  `json:"tier"`
	CreatedAt      time.Time       `json:"created_at"`
}

// FileStore is a filesystem-backed implementation of Store.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
	now     func() time.Time
}

// NewFileStore creates a store rooted at baseDir.
func NewFileStore(baseDir string) (*FileStore, error) {
	//nolint:gosec // G301: 0755 is intentional for shared evidence directory
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to ensure evidence dir: %w", err)
	}
	return &FileStore{baseDir: baseDir, now: time.Now}, nil
}

// WithClock overrides the clock used for retention checks.
func (s *FileStore) WithClock(now func() time.Time) *FileStore {
	s.now = now
	return s
}

func (s *FileStore) pathFor(key string) string {
	return filepath.Join(s.baseDir, filepath.FromSlash(key))
}

func (s *FileStore) Put(ctx context.Context, key string, data []byte, class retention.Class, retainUntil time.Time) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.pathFor(key)
	ref := formatRef(fileScheme, fileBucket, key)
	if _, err := os.Stat(p); err == nil {
		return ref, fmt.Errorf("%w: %s", ErrObjectExists, key)
	}
	//nolint:gosec // G301: see NewFileStore
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return "", fmt.Errorf("%w: mkdir: %v", evidence.ErrStoreUnavailable, err)
	}

	// The lock is written before the object so that an object never exists
	// without its retention lock. A lock without an object is overwritten.
	lock := lockFile{
		RetentionClass: class,
		RetainUntil:    retainUntil.UTC(),
		Tier:           retention.TierHot,
		CreatedAt:      s.now().UTC(),
	}
	if err := writeJSONAtomic(p+lockSuffix, lock); err != nil {
		return "", fmt.Errorf("%w: write lock: %v", evidence.ErrStoreUnavailable, err)
	}

	tmp := p + tmpSuffix
	_ = os.Remove(tmp)
	//nolint:gosec // G306: evidence is read-only once written
	if err := os.WriteFile(tmp, data, 0444); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("%w: write object: %v", evidence.ErrStoreUnavailable, err)
	}
	// Link fails if the target exists, which makes the commit write-once.
	if err := os.Link(tmp, p); err != nil {
		_ = os.Remove(tmp)
		if errors.Is(err, fs.ErrExist) {
			return ref, fmt.Errorf("%w: %s", ErrObjectExists, key)
		}
		return "", fmt.Errorf("%w: commit object: %v", evidence.ErrStoreUnavailable, err)
	}
	_ = os.Remove(tmp)

	return ref, nil
}

func (s *FileStore) Get(ctx context.Context, ref string) ([]byte, error) {
	key, err := parseRef(ref, fileScheme, fileBucket)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.pathFor(key)) //nolint:gosec // key validated
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", evidence.ErrNotFound, ref)
		}
		return nil, fmt.Errorf("%w: %v", evidence.ErrStoreUnavailable, err)
	}
	return data, nil
}

func (s *FileStore) Exists(ctx context.Context, ref string) (bool, error) {
	key, err := parseRef(ref, fileScheme, fileBucket)
	if err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err = os.Stat(s.pathFor(key))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("%w: %v", evidence.ErrStoreUnavailable, err)
}

func (s *FileStore) Delete(ctx context.Context, ref string) error {
	key, err := parseRef(ref, fileScheme, fileBucket)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := s.stat(key)
	if err != nil {
		return err
	}
	if info.Locked(s.now()) {
		return fmt.Errorf("%w: %s retained until %s", evidence.ErrRetentionLocked, ref, info.RetainUntil.Format(time.RFC3339))
	}

	p := s.pathFor(key)
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	_ = os.Remove(p + lockSuffix)
	return nil
}

func (s *FileStore) Stat(ctx context.Context, ref string) (ObjectInfo, error) {
	key, err := parseRef(ref, fileScheme, fileBucket)
	if err != nil {
		return ObjectInfo{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stat(key)
}

func (s *FileStore) stat(key string) (ObjectInfo, error) {
	p := s.pathFor(key)
	fi, err := os.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return ObjectInfo{}, fmt.Errorf("%w: %s", evidence.ErrNotFound, key)
		}
		return ObjectInfo{}, fmt.Errorf("%w: %v", evidence.ErrStoreUnavailable, err)
	}
	lock, err := readLock(p + lockSuffix)
	if err != nil {
		// An object without a lock sidecar is treated as locked forever.
		return ObjectInfo{}, fmt.Errorf("%w: missing retention lock for %s: %v", evidence.ErrRetentionLocked, key, err)
	}
	return ObjectInfo{
		Ref:            formatRef(fileScheme, fileBucket, key),
		Key:            key,
		Size:           fi.Size(),
		RetentionClass: lock.RetentionClass,
		RetainUntil:    lock.RetainUntil,
		Tier:           lock.Tier,
		CreatedAt:      lock.CreatedAt,
	}, nil
}

func (s *FileStore) SetTier(ctx context.Context, ref string, tier retention.Tier) error {
	key, err := parseRef(ref, fileScheme, fileBucket)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.pathFor(key)
	if _, err := os.Stat(p); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", evidence.ErrNotFound, ref)
		}
		return fmt.Errorf("%w: %v", evidence.ErrStoreUnavailable, err)
	}
	lock, err := readLock(p + lockSuffix)
	if err != nil {
		return fmt.Errorf("read retention lock: %w", err)
	}
	if lock.Tier == tier {
		return nil
	}
	lock.Tier = tier
	return writeJSONAtomic(p+lockSuffix, lock)
}

func (s *FileStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ObjectInfo
	err := filepath.WalkDir(s.baseDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || strings.HasSuffix(p, lockSuffix) || strings.HasSuffix(p, tmpSuffix) {
			return nil
		}
		rel, err := filepath.Rel(s.baseDir, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := s.stat(key)
		if err != nil {
			return err
		}
		out = append(out, info)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %q: %w", prefix, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func readLock(p string) (lockFile, error) {
	var lock lockFile
	b, err := os.ReadFile(p) //nolint:gosec // derived from validated key
	if err != nil {
		return lock, err
	}
	if err := json.Unmarshal(b, &lock); err != nil {
		return lock, err
	}
	return lock, nil
}

func writeJSONAtomic(p string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	tmp := p + tmpSuffix
	//nolint:gosec // G306: metadata is not secret
	if err := os.WriteFile(tmp, b, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, p)
}
