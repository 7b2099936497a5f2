package ledger

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/Mindburn-Labs/attest/pkg/evidence"
)

// MemoryBackend keeps entries in process memory. It backs tests and the
// in-memory index of FileBackend.
type MemoryBackend struct {
	mu     sync.RWMutex
	shards map[string][]Entry
	byID   map[string]map[string]int
	byKey  map[string]map[string]int
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		shards: make(map[string][]Entry),
		byID:   make(map[string]map[string]int),
		byKey:  make(map[string]map[string]int),
	}
}

// NewMemoryLedger is a convenience for tests and lite tooling.
func NewMemoryLedger(opts ...Option) *Ledger {
	return New(NewMemoryBackend(), opts...)
}

func (m *MemoryBackend) Insert(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(e)
}

func (m *MemoryBackend) insertLocked(e Entry) error {
	entries := m.shards[e.Shard]
	if want := uint64(len(entries)) + 1; e.Sequence != want {
		return fmt.Errorf("sequence %d already taken or out of order (next %d)", e.Sequence, want)
	}
	if m.byID[e.Shard] == nil {
		m.byID[e.Shard] = make(map[string]int)
		m.byKey[e.Shard] = make(map[string]int)
	}
	if _, dup := m.byID[e.Shard][e.ID]; dup {
		return fmt.Errorf("duplicate entry id %s", e.ID)
	}
	m.shards[e.Shard] = append(entries, cloneEntry(e))
	m.byID[e.Shard][e.ID] = len(entries)
	if e.DedupKey != "" {
		m.byKey[e.Shard][e.DedupKey] = len(entries)
	}
	return nil
}

// restore appends e in the order given without checking continuity, so a
// damaged file still loads and Verify can locate the break. The first entry
// seen for an id or dedup key wins.
func (m *MemoryBackend) restore(e Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.byID[e.Shard] == nil {
		m.byID[e.Shard] = make(map[string]int)
		m.byKey[e.Shard] = make(map[string]int)
	}
	idx := len(m.shards[e.Shard])
	m.shards[e.Shard] = append(m.shards[e.Shard], cloneEntry(e))
	if _, dup := m.byID[e.Shard][e.ID]; !dup {
		m.byID[e.Shard][e.ID] = idx
	}
	if _, dup := m.byKey[e.Shard][e.DedupKey]; e.DedupKey != "" && !dup {
		m.byKey[e.Shard][e.DedupKey] = idx
	}
}

func (m *MemoryBackend) Last(_ context.Context, shard string) (Entry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := m.shards[shard]
	if len(entries) == 0 {
		return Entry{}, false, nil
	}
	return cloneEntry(entries[len(entries)-1]), true, nil
}

func (m *MemoryBackend) Range(_ context.Context, shard string, from, to uint64) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := m.shards[shard]
	var out []Entry
	for seq := from; seq <= to && seq >= 1 && seq <= uint64(len(entries)); seq++ {
		out = append(out, cloneEntry(entries[seq-1]))
	}
	return out, nil
}

func (m *MemoryBackend) Get(_ context.Context, shard, id string) (Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx, ok := m.byID[shard][id]
	if !ok {
		return Entry{}, fmt.Errorf("%w: entry %s", evidence.ErrNotFound, id)
	}
	return cloneEntry(m.shards[shard][idx]), nil
}

func (m *MemoryBackend) FindByDedupKey(_ context.Context, shard, key string) (Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx, ok := m.byKey[shard][key]
	if !ok {
		return Entry{}, fmt.Errorf("%w: dedup key %s", evidence.ErrNotFound, key)
	}
	return cloneEntry(m.shards[shard][idx]), nil
}

func (m *MemoryBackend) ByControl(_ context.Context, shard, controlID string, from, to time.Time) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Entry
	for _, e := range m.shards[shard] {
		if e.Kind != KindIngest || !slices.Contains(e.ControlIDs, controlID) {
			continue
		}
		if e.CollectedAt.Before(from) || !e.CollectedAt.Before(to) {
			continue
		}
		out = append(out, cloneEntry(e))
	}
	return out, nil
}

func (m *MemoryBackend) Referencing(_ context.Context, shard, id string) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Entry
	for _, e := range m.shards[shard] {
		if e.Supersedes == id || (e.Kind == KindArchive && e.Subject == id) {
			out = append(out, cloneEntry(e))
		}
	}
	return out, nil
}

func (m *MemoryBackend) Close() error { return nil }

func cloneEntry(e Entry) Entry {
	e.ControlIDs = slices.Clone(e.ControlIDs)
	return e
}
