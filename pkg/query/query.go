// Package query answers audit questions over the ledger and the evidence
// store: which records prove a control over a period, are they intact, and
// is the evidence complete for the expected cadence.
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Mindburn-Labs/attest/pkg/alert"
	"github.com/Mindburn-Labs/attest/pkg/artifacts"
	"github.com/Mindburn-Labs/attest/pkg/evidence"
	"github.com/Mindburn-Labs/attest/pkg/integrity"
	"github.com/Mindburn-Labs/attest/pkg/ledger"
	"github.com/Mindburn-Labs/attest/pkg/metrics"
	"github.com/Mindburn-Labs/attest/pkg/observability"
)

// DefaultVerifyAfter is how long a successful integrity check is trusted.
const DefaultVerifyAfter = 24 * time.Hour

// Options tune a single query.
type Options struct {
	// Strict re-verifies every record and fails the query with
	// ErrIntegrityViolation if any is corrupt.
	Strict bool
}

// ControlSet reports the controls the active mapping knows about.
type ControlSet interface {
	Controls() []string
}

// Service is the compliance query service.
type Service struct {
	ledger       *ledger.Ledger
	store        artifacts.Store
	controls     func() ControlSet
	verifyOnRead bool
	verifyAfter  time.Duration
	checks       *checkCache
	alerter      alert.Alerter
	metrics      *metrics.Metrics
	tel          *observability.Provider
	logger       *slog.Logger
	now          func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithVerifyOnRead forces an integrity check on every read.
func WithVerifyOnRead(on bool) Option { return func(s *Service) { s.verifyOnRead = on } }

// WithVerifyAfter sets how long a previous check is trusted.
func WithVerifyAfter(d time.Duration) Option { return func(s *Service) { s.verifyAfter = d } }

// WithControls lets completeness and coverage reject or report on controls
// unknown to the active mapping.
func WithControls(f func() ControlSet) Option { return func(s *Service) { s.controls = f } }

func WithAlerter(a alert.Alerter) Option             { return func(s *Service) { s.alerter = a } }
func WithMetrics(m *metrics.Metrics) Option          { return func(s *Service) { s.metrics = m } }
func WithTelemetry(p *observability.Provider) Option { return func(s *Service) { s.tel = p } }
func WithLogger(l *slog.Logger) Option               { return func(s *Service) { s.logger = l } }
func WithClock(now func() time.Time) Option          { return func(s *Service) { s.now = now } }

// New creates a query service.
func New(l *ledger.Ledger, store artifacts.Store, opts ...Option) *Service {
	s := &Service{
		ledger:      l,
		store:       store,
		verifyAfter: DefaultVerifyAfter,
		checks:      newCheckCache(),
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With("component", "query")
	return s
}

// QueryByControl returns every record mapped to controlID collected within r,
// in ledger order. Superseded and archived records are included and flagged.
// Corrupt records are returned with IntegrityCorrupt unless opts.Strict is
// set, in which case the query fails.
func (s *Service) QueryByControl(ctx context.Context, controlID string, r DateRange, opts Options) (out []evidence.Record, err error) {
	if controlID == "" {
		return nil, fmt.Errorf("%w: control id is required", evidence.ErrInvalidPayload)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	ctx, finish := s.tel.TrackOperation(ctx, "query.by_control", observability.AttrControlID.String(controlID))
	defer func() { finish(err) }()

	entries, err := s.ledger.ByControl(ctx, controlID, r.From, r.To)
	if err != nil {
		return nil, fmt.Errorf("query ledger for %s: %w", controlID, err)
	}

	force := s.verifyOnRead || opts.Strict
	var violations []error
	out = make([]evidence.Record, 0, len(entries))
	for _, e := range entries {
		rec, err := s.project(ctx, e)
		if err != nil {
			return nil, err
		}
		if err := s.check(ctx, &rec, force); err != nil {
			var ie *evidence.IntegrityError
			if !errors.As(err, &ie) {
				if opts.Strict {
					return nil, err
				}
				s.logger.WarnContext(ctx, "integrity check skipped", "id", rec.ID, "error", err)
			} else {
				violations = append(violations, err)
			}
		}
		out = append(out, rec)
	}
	if opts.Strict && len(violations) > 0 {
		return nil, errors.Join(violations...)
	}
	return out, nil
}

// GetRecord returns one record after re-hashing its payload. Only bulk
// queries reuse recent checks.
func (s *Service) GetRecord(ctx context.Context, id string) (evidence.Record, error) {
	rec, err := s.lookup(ctx, id)
	if err != nil {
		return evidence.Record{}, err
	}
	err = s.check(ctx, &rec, true)
	var ie *evidence.IntegrityError
	if err != nil && !errors.As(err, &ie) {
		s.logger.WarnContext(ctx, "integrity check skipped", "id", rec.ID, "error", err)
	}
	return rec, nil
}

// VerifyRecord re-reads the payload of id and compares it with the recorded
// hash. A mismatch is returned as an *evidence.IntegrityError alongside the
// record marked corrupt.
func (s *Service) VerifyRecord(ctx context.Context, id string) (rec evidence.Record, err error) {
	ctx, finish := s.tel.TrackOperation(ctx, "query.verify_record", observability.AttrRecordID.String(id))
	defer func() { finish(err) }()

	rec, err = s.lookup(ctx, id)
	if err != nil {
		return evidence.Record{}, err
	}
	return rec, s.check(ctx, &rec, true)
}

// Payload returns the stored canonical bytes of id after verifying them.
func (s *Service) Payload(ctx context.Context, id string) ([]byte, evidence.Record, error) {
	rec, err := s.lookup(ctx, id)
	if err != nil {
		return nil, evidence.Record{}, err
	}
	data, err := s.store.Get(ctx, rec.PayloadRef)
	if err != nil {
		return nil, rec, err
	}
	state, err := integrity.Verify(rec.ID, data, rec.PayloadHash)
	s.record(ctx, &rec, state, err)
	if err != nil {
		return nil, rec, err
	}
	return data, rec, nil
}

func (s *Service) lookup(ctx context.Context, id string) (evidence.Record, error) {
	e, err := s.ledger.Get(ctx, id)
	if err != nil {
		return evidence.Record{}, err
	}
	if e.Kind != ledger.KindIngest {
		return evidence.Record{}, fmt.Errorf("%w: %s is a %s entry, not evidence", evidence.ErrNotFound, id, e.Kind)
	}
	return s.project(ctx, e)
}

// project turns an ingest entry into a record, resolving supersession and
// archival from later entries.
func (s *Service) project(ctx context.Context, e ledger.Entry) (evidence.Record, error) {
	rec := e.Record()
	refs, err := s.ledger.Referencing(ctx, e.ID)
	if err != nil {
		return evidence.Record{}, fmt.Errorf("resolve references of %s: %w", e.ID, err)
	}
	for _, ref := range refs {
		switch {
		case ref.Kind == ledger.KindArchive && ref.Subject == e.ID:
			rec.Archived = true
		case ref.Kind == ledger.KindIngest && ref.Supersedes == e.ID && rec.SupersededBy == "":
			rec.SupersededBy = ref.ID
		}
	}
	return rec, nil
}

// check fills rec.IntegrityState, reusing a recent result unless force is
// set. Store failures leave the record unverified and are returned.
func (s *Service) check(ctx context.Context, rec *evidence.Record, force bool) error {
	now := s.now()
	if !force {
		if c, ok := s.checks.get(rec.ID); ok && now.Sub(c.at) < s.verifyAfter {
			rec.IntegrityState = c.state
			if c.state == evidence.IntegrityCorrupt {
				return c.err
			}
			return nil
		}
	}

	data, err := s.store.Get(ctx, rec.PayloadRef)
	if errors.Is(err, evidence.ErrNotFound) && rec.Archived {
		// Purged after retention expiry.
		rec.IntegrityState = evidence.IntegrityUnverified
		return nil
	}
	if errors.Is(err, evidence.ErrNotFound) {
		err = &evidence.IntegrityError{RecordID: rec.ID, Expected: rec.PayloadHash, Actual: "missing"}
		s.record(ctx, rec, evidence.IntegrityCorrupt, err)
		return err
	}
	if err != nil {
		rec.IntegrityState = evidence.IntegrityUnverified
		return fmt.Errorf("read payload of %s: %w", rec.ID, err)
	}
	state, err := integrity.Verify(rec.ID, data, rec.PayloadHash)
	s.record(ctx, rec, state, err)
	return err
}

func (s *Service) record(ctx context.Context, rec *evidence.Record, state evidence.IntegrityState, err error) {
	rec.IntegrityState = state
	prev, seen := s.checks.get(rec.ID)
	s.checks.put(rec.ID, checkResult{state: state, at: s.now(), err: err})
	s.metrics.ObserveIntegrity(string(rec.Source), state == evidence.IntegrityVerified)
	observability.AddSpanEvent(ctx, "integrity.checked",
		observability.AttrRecordID.String(rec.ID),
		observability.AttrIntegrityOK.Bool(state == evidence.IntegrityVerified))

	if state != evidence.IntegrityCorrupt || (seen && prev.state == evidence.IntegrityCorrupt) {
		return
	}
	s.logger.ErrorContext(ctx, "evidence integrity violation", "id", rec.ID, "source", rec.Source, "error", err)
	s.metrics.IncAlert(string(alert.KindIntegrity))
	alert.Raise(ctx, s.alerter, s.logger, alert.Alert{
		Kind:    alert.KindIntegrity,
		Message: err.Error(),
		Subject: rec.ID,
		Details: map[string]string{
			"source":      string(rec.Source),
			"payload_ref": rec.PayloadRef,
			"expected":    rec.PayloadHash,
		},
	})
}

type checkResult struct {
	state evidence.IntegrityState
	at    time.Time
	err   error
}

type checkCache struct {
	mu sync.RWMutex
	m  map[string]checkResult
}

func newCheckCache() *checkCache {
	return &checkCache{m: make(map[string]checkResult)}
}

func (c *checkCache) get(id string) (checkResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.m[id]
	return r, ok
}

func (c *checkCache) put(id string, r checkResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[id] = r
}
