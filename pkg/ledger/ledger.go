package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/attest/pkg/evidence"
	"github.com/Mindburn-Labs/attest/pkg/integrity"
)

// DefaultAppendTimeout bounds a single append, lock wait included.
const DefaultAppendTimeout = 5 * time.Second

// AppendHandler is notified after an entry is durably recorded.
type AppendHandler func(e Entry)

// Ledger is the single-writer-per-shard manifest.
type Ledger struct {
	backend       Backend
	shard         string
	locker        Locker
	now           func() time.Time
	appendTimeout time.Duration
	handlers      []AppendHandler
	logger        *slog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithShard selects the shard the ledger writes to.
func WithShard(shard string) Option { return func(l *Ledger) { l.shard = shard } }

// WithLocker replaces the in-process shard lock, e.g. with a RedisLocker.
func WithLocker(lk Locker) Option { return func(l *Ledger) { l.locker = lk } }

// WithClock overrides the entry timestamp source.
func WithClock(now func() time.Time) Option { return func(l *Ledger) { l.now = now } }

// WithAppendTimeout overrides DefaultAppendTimeout.
func WithAppendTimeout(d time.Duration) Option { return func(l *Ledger) { l.appendTimeout = d } }

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option { return func(l *Ledger) { l.logger = logger } }

// New creates a ledger over backend.
func New(backend Backend, opts ...Option) *Ledger {
	l := &Ledger{
		backend:       backend,
		shard:         DefaultShard,
		locker:        NewMutexLocker(),
		now:           time.Now,
		appendTimeout: DefaultAppendTimeout,
		logger:        slog.Default(),
	}
	for _, o := range opts {
		o(l)
	}
	l.logger = l.logger.With("component", "ledger", "shard", l.shard)
	return l
}

// Shard returns the shard name.
func (l *Ledger) Shard() string { return l.shard }

// OnAppend registers a handler. Not safe to call concurrently with Append.
func (l *Ledger) OnAppend(h AppendHandler) { l.handlers = append(l.handlers, h) }

// Append seals e onto the chain and returns it with shard, sequence,
// timestamp and hashes filled in. Appends to one shard are serialized.
func (l *Ledger) Append(ctx context.Context, e Entry) (Entry, error) {
	if err := validate(e); err != nil {
		return Entry{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, l.appendTimeout)
	defer cancel()

	unlock, err := l.locker.Lock(ctx, l.shard)
	if err != nil {
		return Entry{}, l.timeoutErr(ctx, fmt.Errorf("acquire shard lock: %w", err))
	}
	defer unlock()

	last, ok, err := l.backend.Last(ctx, l.shard)
	if err != nil {
		return Entry{}, l.timeoutErr(ctx, fmt.Errorf("read ledger head: %w", err))
	}

	e.Shard = l.shard
	e.Sequence = 1
	e.PrevHash = integrity.ZeroDigest
	if ok {
		e.Sequence = last.Sequence + 1
		e.PrevHash = last.EntryHash
	}
	e.Timestamp = normalizeTime(l.now())
	e.CollectedAt = normalizeTime(e.CollectedAt)
	e.RetainUntil = normalizeTime(e.RetainUntil)
	e.ControlIDs = evidence.NormalizeControls(e.ControlIDs)
	if len(e.ControlIDs) == 0 {
		e.ControlIDs = nil
	}

	hash, err := ComputeHash(e)
	if err != nil {
		return Entry{}, err
	}
	e.EntryHash = hash

	if err := l.backend.Insert(ctx, e); err != nil {
		return Entry{}, l.timeoutErr(ctx, fmt.Errorf("insert ledger entry %d: %w", e.Sequence, err))
	}

	l.logger.DebugContext(ctx, "ledger entry appended", "seq", e.Sequence, "kind", e.Kind, "id", e.ID)
	for _, h := range l.handlers {
		h(e)
	}
	return e, nil
}

func (l *Ledger) timeoutErr(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: ledger append exceeded %s: %v", evidence.ErrTimeout, l.appendTimeout, err)
	}
	return err
}

// Head returns the tip of the shard. An empty shard has sequence 0 and
// ZeroDigest.
func (l *Ledger) Head(ctx context.Context) (Head, error) {
	last, ok, err := l.backend.Last(ctx, l.shard)
	if err != nil {
		return Head{}, err
	}
	if !ok {
		return Head{Shard: l.shard, Hash: integrity.ZeroDigest}, nil
	}
	return Head{Shard: l.shard, Sequence: last.Sequence, Hash: last.EntryHash}, nil
}

// Range returns entries in [from, to]. from 0 means 1; to 0 means head.
func (l *Ledger) Range(ctx context.Context, from, to uint64) ([]Entry, error) {
	from, to, err := l.bounds(ctx, from, to)
	if err != nil {
		return nil, err
	}
	if to < from {
		return nil, nil
	}
	return l.backend.Range(ctx, l.shard, from, to)
}

func (l *Ledger) bounds(ctx context.Context, from, to uint64) (uint64, uint64, error) {
	if from == 0 {
		from = 1
	}
	if to == 0 {
		h, err := l.Head(ctx)
		if err != nil {
			return 0, 0, err
		}
		to = h.Sequence
	}
	return from, to, nil
}

// Get returns the entry with the given id.
func (l *Ledger) Get(ctx context.Context, id string) (Entry, error) {
	return l.backend.Get(ctx, l.shard, id)
}

// FindByDedupKey returns the ingest entry recorded under key.
func (l *Ledger) FindByDedupKey(ctx context.Context, key string) (Entry, error) {
	return l.backend.FindByDedupKey(ctx, l.shard, key)
}

// ByControl returns ingest entries for controlID collected in [from, to).
func (l *Ledger) ByControl(ctx context.Context, controlID string, from, to time.Time) ([]Entry, error) {
	return l.backend.ByControl(ctx, l.shard, controlID, from.UTC(), to.UTC())
}

// Referencing returns the entries that supersede or archive id.
func (l *Ledger) Referencing(ctx context.Context, id string) ([]Entry, error) {
	return l.backend.Referencing(ctx, l.shard, id)
}

// Close releases the backend.
func (l *Ledger) Close() error { return l.backend.Close() }
