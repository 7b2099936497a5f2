package ledger

import (
	"context"
	"time"
)

// Backend persists sealed entries. Insert must fail if (shard, sequence)
// is already taken; it never overwrites.
type Backend interface {
	Insert(ctx context.Context, e Entry) error
	// Last returns the highest-sequence entry of the shard, or ok=false.
	Last(ctx context.Context, shard string) (Entry, bool, error)
	// Range returns entries with from <= sequence <= to in sequence order.
	Range(ctx context.Context, shard string, from, to uint64) ([]Entry, error)
	Get(ctx context.Context, shard, id string) (Entry, error)
	FindByDedupKey(ctx context.Context, shard, key string) (Entry, error)
	// ByControl returns ingest entries mapped to controlID whose
	// collected_at lies in [from, to).
	ByControl(ctx context.Context, shard, controlID string, from, to time.Time) ([]Entry, error)
	// Referencing returns entries that supersede or archive id.
	Referencing(ctx context.Context, shard, id string) ([]Entry, error)
	Close() error
}
