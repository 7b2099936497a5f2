// Package collector turns raw tool output into durable, hash-verified,
// control-mapped evidence.
//
// An ingest validates the payload, canonicalizes it, resolves its controls
// (failing closed when none match), writes it to the evidence store and only
// then appends it to the ledger. A crash between the two steps leaves an
// unreferenced object for the reconciler, never a ledger entry without bytes.
package collector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/Mindburn-Labs/attest/pkg/artifacts"
	"github.com/Mindburn-Labs/attest/pkg/canonicalize"
	"github.com/Mindburn-Labs/attest/pkg/controls"
	"github.com/Mindburn-Labs/attest/pkg/evidence"
	"github.com/Mindburn-Labs/attest/pkg/integrity"
	"github.com/Mindburn-Labs/attest/pkg/ledger"
	"github.com/Mindburn-Labs/attest/pkg/metrics"
	"github.com/Mindburn-Labs/attest/pkg/observability"
	"github.com/Mindburn-Labs/attest/pkg/retention"
)

// Ingester is the narrow interface adapters depend on.
type Ingester interface {
	Ingest(ctx context.Context, source evidence.Source, payload []byte, metadata map[string]string) (evidence.Record, error)
}

// Mapper resolves the controls a piece of evidence satisfies.
type Mapper interface {
	Lookup(source evidence.Source, category string, metadata map[string]string) ([]string, error)
}

// Request is a single ingestion.
type Request struct {
	Source   evidence.Source
	Payload  []byte
	Metadata map[string]string
	// Kind forces JSON or text canonicalization. Zero means auto-detect.
	Kind canonicalize.Kind
	// Supersedes is the id of an existing record this one corrects.
	Supersedes string
}

// Result is the outcome of Submit.
type Result struct {
	Record evidence.Record
	// Replayed is true when an identical ingest was already recorded and no
	// new writes happened.
	Replayed bool
}

// Collector implements Ingester on top of a store and a ledger.
type Collector struct {
	mapper  Mapper
	store   artifacts.Store
	ledger  *ledger.Ledger
	policy  *retention.Policy
	now     func() time.Time
	newID   func() string
	logger  *slog.Logger
	metrics *metrics.Metrics
	tel     *observability.Provider
	flights singleflight.Group
}

// Option configures a Collector.
type Option func(*Collector)

func WithPolicy(p *retention.Policy) Option          { return func(c *Collector) { c.policy = p } }
func WithClock(now func() time.Time) Option          { return func(c *Collector) { c.now = now } }
func WithIDGenerator(f func() string) Option         { return func(c *Collector) { c.newID = f } }
func WithLogger(l *slog.Logger) Option               { return func(c *Collector) { c.logger = l } }
func WithMetrics(m *metrics.Metrics) Option          { return func(c *Collector) { c.metrics = m } }
func WithTelemetry(p *observability.Provider) Option { return func(c *Collector) { c.tel = p } }

// New creates a collector. store should normally be an
// *artifacts.RetryingStore so transient failures are retried within bounds.
func New(mapper Mapper, store artifacts.Store, l *ledger.Ledger, opts ...Option) *Collector {
	c := &Collector{
		mapper: mapper,
		store:  store,
		ledger: l,
		policy: &retention.Policy{},
		now:    time.Now,
		newID:  uuid.NewString,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	c.logger = c.logger.With("component", "collector")
	return c
}

// Ingest records payload as evidence from source.
func (c *Collector) Ingest(ctx context.Context, source evidence.Source, payload []byte, metadata map[string]string) (evidence.Record, error) {
	res, err := c.Submit(ctx, Request{Source: source, Payload: payload, Metadata: metadata})
	return res.Record, err
}

// Supersede records a correction of oldID. The original stays in the ledger
// and is reported as superseded by queries.
func (c *Collector) Supersede(ctx context.Context, oldID string, source evidence.Source, payload []byte, metadata map[string]string) (evidence.Record, error) {
	if oldID == "" {
		return evidence.Record{}, fmt.Errorf("%w: supersede requires the id of the record being corrected", evidence.ErrInvalidPayload)
	}
	res, err := c.Submit(ctx, Request{Source: source, Payload: payload, Metadata: metadata, Supersedes: oldID})
	return res.Record, err
}

// DedupKey identifies an ingest independently of when it was collected.
func DedupKey(source evidence.Source, correlationID, payloadHash string) string {
	sum := sha256.Sum256([]byte(string(source) + "|" + correlationID + "|" + payloadHash))
	return hex.EncodeToString(sum[:])
}

// prepared is a validated, canonicalized request ready to persist.
type prepared struct {
	req         Request
	tool        string
	correlation string
	category    string
	collectedAt time.Time
	canonical   []byte
	hash        string
	controls    []string
	dedupKey    string
}

// Submit runs the full ingest pipeline.
func (c *Collector) Submit(ctx context.Context, req Request) (Result, error) {
	start := c.now()
	tool := req.Metadata[evidence.MetaTool]
	ctx, finish := c.tel.TrackOperation(ctx, "evidence.ingest", observability.IngestOperation(string(req.Source), tool)...)

	res, err := c.submit(ctx, req)
	finish(err)

	status := metrics.IngestStored
	switch {
	case err == nil && res.Replayed:
		status = metrics.IngestReplayed
	case errors.Is(err, evidence.ErrUnmappedSource):
		status = metrics.IngestUnmapped
	case errors.Is(err, evidence.ErrInvalidPayload):
		status = metrics.IngestRejected
	case err != nil:
		status = metrics.IngestFailed
	}
	c.metrics.ObserveIngest(string(req.Source), status, c.now().Sub(start).Seconds())
	return res, err
}

func (c *Collector) submit(ctx context.Context, req Request) (Result, error) {
	p, err := c.prepare(req)
	if err != nil {
		return Result{}, err
	}

	// Concurrent identical ingests in this process share one write.
	v, err, _ := c.flights.Do(p.dedupKey, func() (any, error) {
		return c.persist(ctx, p)
	})
	if err != nil {
		return Result{}, err
	}
	res := v.(Result)
	observability.SetAttributes(ctx,
		observability.AttrRecordID.String(res.Record.ID),
		observability.AttrDedupReplayed.Bool(res.Replayed),
	)
	return res, nil
}

func (c *Collector) prepare(req Request) (prepared, error) {
	if !req.Source.Valid() {
		return prepared{}, fmt.Errorf("%w: unknown source %q", evidence.ErrInvalidPayload, req.Source)
	}
	if len(req.Payload) == 0 {
		return prepared{}, fmt.Errorf("%w: empty payload", evidence.ErrInvalidPayload)
	}
	if len(req.Payload) > artifacts.MaxObjectSize {
		return prepared{}, fmt.Errorf("%w: payload is %d bytes, limit %d", evidence.ErrInvalidPayload, len(req.Payload), artifacts.MaxObjectSize)
	}
	p := prepared{
		req:         req,
		tool:        req.Metadata[evidence.MetaTool],
		correlation: req.Metadata[evidence.MetaCorrelationID],
		category:    req.Metadata[evidence.MetaCategory],
	}
	if p.tool == "" {
		return prepared{}, fmt.Errorf("%w: metadata.%s is required", evidence.ErrInvalidPayload, evidence.MetaTool)
	}
	if p.correlation == "" {
		return prepared{}, fmt.Errorf("%w: metadata.%s is required", evidence.ErrInvalidPayload, evidence.MetaCorrelationID)
	}

	p.collectedAt = c.now().UTC()
	if raw := req.Metadata[evidence.MetaCollectedAt]; raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return prepared{}, fmt.Errorf("%w: metadata.%s: %v", evidence.ErrInvalidPayload, evidence.MetaCollectedAt, err)
		}
		p.collectedAt = t.UTC()
	}

	canonical, _, err := canonicalize.Payload(req.Kind, req.Payload)
	if err != nil {
		return prepared{}, fmt.Errorf("%w: %v", evidence.ErrInvalidPayload, err)
	}
	if len(canonical) > artifacts.MaxObjectSize {
		return prepared{}, fmt.Errorf("%w: canonical payload exceeds %d bytes", evidence.ErrInvalidPayload, artifacts.MaxObjectSize)
	}
	p.canonical = canonical
	p.hash = integrity.Digest(canonical)

	ids, err := c.mapper.Lookup(req.Source, p.category, req.Metadata)
	if err != nil {
		return prepared{}, err
	}
	p.controls = ids
	p.dedupKey = DedupKey(req.Source, p.correlation, p.hash)
	return p, nil
}

func (c *Collector) persist(ctx context.Context, p prepared) (Result, error) {
	existing, err := c.ledger.FindByDedupKey(ctx, p.dedupKey)
	switch {
	case err == nil && p.req.Supersedes != "" && existing.Supersedes != p.req.Supersedes:
		return Result{}, fmt.Errorf("%w: payload is identical to record %s, a correction must change it",
			evidence.ErrInvalidPayload, existing.ID)
	case err == nil:
		c.logger.InfoContext(ctx, "duplicate ingest, returning existing record",
			"id", existing.ID, "source", p.req.Source, "correlation_id", p.correlation)
		rec := existing.Record()
		return Result{Record: rec, Replayed: true}, nil
	case !errors.Is(err, evidence.ErrNotFound):
		return Result{}, fmt.Errorf("dedup lookup: %w", err)
	}

	if p.req.Supersedes != "" {
		old, err := c.ledger.Get(ctx, p.req.Supersedes)
		if err != nil {
			return Result{}, fmt.Errorf("superseded record: %w", err)
		}
		if old.Kind != ledger.KindIngest {
			return Result{}, fmt.Errorf("%w: %s is not an evidence record", evidence.ErrInvalidPayload, old.ID)
		}
		if old.Source != p.req.Source {
			return Result{}, fmt.Errorf("%w: %s is %s evidence, not %s",
				evidence.ErrInvalidPayload, old.ID, old.Source, p.req.Source)
		}
	}

	class, err := c.policy.ClassFor(p.req.Source)
	if err != nil {
		return Result{}, err
	}
	id := c.newID()
	retainUntil := c.policy.RetainUntil(p.req.Source, p.collectedAt)
	key := evidence.ObjectKey(string(class), p.req.Source, p.collectedAt, id)

	ref, err := c.store.Put(ctx, key, p.canonical, class, retainUntil)
	if errors.Is(err, artifacts.ErrObjectExists) && ref != "" {
		// A retried Put whose first attempt landed.
		err = c.confirmStored(ctx, id, ref, p.hash)
	}
	if err != nil {
		return Result{}, fmt.Errorf("store evidence: %w", err)
	}

	entry, err := c.ledger.Append(ctx, ledger.Entry{
		Kind:           ledger.KindIngest,
		ID:             id,
		Source:         p.req.Source,
		Category:       p.category,
		CorrelationID:  p.correlation,
		Tool:           p.tool,
		CollectedAt:    p.collectedAt,
		PayloadRef:     ref,
		PayloadHash:    p.hash,
		PayloadSize:    int64(len(p.canonical)),
		ControlIDs:     p.controls,
		RetentionClass: string(class),
		RetainUntil:    retainUntil,
		DedupKey:       p.dedupKey,
		Supersedes:     p.req.Supersedes,
	})
	if err != nil {
		c.logger.WarnContext(ctx, "stored payload left unreferenced", "ref", ref, "error", err)
		return Result{}, fmt.Errorf("record evidence: %w", err)
	}

	rec := entry.Record()
	rec.IntegrityState = evidence.IntegrityVerified
	c.logger.InfoContext(ctx, "evidence recorded",
		"id", rec.ID,
		"source", rec.Source,
		"tool", rec.Tool,
		"sequence", rec.Sequence,
		"controls", rec.ControlIDs,
		"payload_hash", rec.PayloadHash,
	)
	return Result{Record: rec}, nil
}

func (c *Collector) confirmStored(ctx context.Context, id, ref, hash string) error {
	data, err := c.store.Get(ctx, ref)
	if err != nil {
		return err
	}
	if _, err := integrity.Verify(id, data, hash); err != nil {
		return fmt.Errorf("%w: object %s already holds different bytes", err, ref)
	}
	return nil
}

// RegistryReloadHook appends a registry-reload entry naming each newly
// activated mapping snapshot. Register it with controls.Registry.OnReload
// so a mapping change is itself part of the audit trail.
func RegistryReloadHook(l *ledger.Ledger) controls.ReloadHook {
	return func(ctx context.Context, snap *controls.Snapshot) error {
		return appendReload(ctx, l, snap)
	}
}

func appendReload(ctx context.Context, l *ledger.Ledger, snap *controls.Snapshot) error {
	_, err := l.Append(ctx, ledger.Entry{
		Kind:    ledger.KindRegistryReload,
		ID:      uuid.NewString(),
		Subject: snap.Subject(),
	})
	return err
}

// RecordMapping appends a registry-reload entry for snap unless the most
// recent one in the ledger already names it. Call it at startup, after the
// first load, so restarts with an unchanged mapping add nothing.
func RecordMapping(ctx context.Context, l *ledger.Ledger, snap *controls.Snapshot) (bool, error) {
	entries, err := l.Range(ctx, 0, 0)
	if err != nil {
		return false, fmt.Errorf("read ledger: %w", err)
	}
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Kind != ledger.KindRegistryReload {
			continue
		}
		if entries[i].Subject == snap.Subject() {
			return false, nil
		}
		break
	}
	if err := appendReload(ctx, l, snap); err != nil {
		return false, err
	}
	return true, nil
}
