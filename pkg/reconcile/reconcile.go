// Package reconcile holds the maintenance passes the scheduler runs: orphan
// object collection, the periodic integrity sweep, retention archival and
// storage tiering.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/attest/pkg/alert"
	"github.com/Mindburn-Labs/attest/pkg/artifacts"
	"github.com/Mindburn-Labs/attest/pkg/crypto"
	"github.com/Mindburn-Labs/attest/pkg/evidence"
	"github.com/Mindburn-Labs/attest/pkg/ledger"
	"github.com/Mindburn-Labs/attest/pkg/metrics"
	"github.com/Mindburn-Labs/attest/pkg/query"
)

// DefaultOrphanGrace keeps objects younger than this out of orphan
// collection; their ledger append may still be in progress.
const DefaultOrphanGrace = time.Hour

// Reconciler runs maintenance passes over one store and ledger shard.
type Reconciler struct {
	store   artifacts.Store
	ledger  *ledger.Ledger
	query   *query.Service
	tierer  *artifacts.Tierer
	alerter alert.Alerter
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
	grace   time.Duration
	newID   func() string
}

// Option configures a Reconciler.
type Option func(*Reconciler)

func WithAlerter(a alert.Alerter) Option    { return func(r *Reconciler) { r.alerter = a } }
func WithMetrics(m *metrics.Metrics) Option { return func(r *Reconciler) { r.metrics = m } }
func WithLogger(l *slog.Logger) Option      { return func(r *Reconciler) { r.logger = l } }
func WithClock(now func() time.Time) Option { return func(r *Reconciler) { r.now = now } }

// WithOrphanGrace overrides DefaultOrphanGrace.
func WithOrphanGrace(d time.Duration) Option { return func(r *Reconciler) { r.grace = d } }

// New creates a reconciler. q verifies records during the sweep.
func New(store artifacts.Store, l *ledger.Ledger, q *query.Service, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:  store,
		ledger: l,
		query:  q,
		logger: slog.Default(),
		now:    time.Now,
		grace:  DefaultOrphanGrace,
		newID:  uuid.NewString,
	}
	for _, o := range opts {
		o(r)
	}
	r.logger = r.logger.With("component", "reconcile")
	r.tierer = artifacts.NewTierer(store, r.logger).WithClock(r.now)
	return r
}

// OrphanReport summarizes an orphan collection pass.
type OrphanReport struct {
	Scanned int      `json:"scanned"`
	Orphans int      `json:"orphans"`
	Deleted []string `json:"deleted"`
	// Locked lists orphans still under retention; they are reported and
	// kept until the lock expires.
	Locked []string `json:"locked"`
	Failed int      `json:"failed"`
}

// CollectOrphans removes stored objects that no ledger entry references.
// Orphans are left behind when a ledger append fails after the payload was
// stored.
func (r *Reconciler) CollectOrphans(ctx context.Context) (OrphanReport, error) {
	rep := OrphanReport{Deleted: []string{}, Locked: []string{}}
	referenced, err := r.referencedObjects(ctx)
	if err != nil {
		return rep, err
	}
	objects, err := r.store.List(ctx, "")
	if err != nil {
		return rep, fmt.Errorf("list store: %w", err)
	}

	now := r.now()
	for _, obj := range objects {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		rep.Scanned++
		if _, ok := referenced[obj.Ref]; ok {
			continue
		}
		if now.Sub(obj.CreatedAt) < r.grace {
			continue
		}
		rep.Orphans++
		if obj.Locked(now) {
			rep.Locked = append(rep.Locked, obj.Ref)
			continue
		}
		if err := r.store.Delete(ctx, obj.Ref); err != nil {
			if errors.Is(err, evidence.ErrRetentionLocked) {
				rep.Locked = append(rep.Locked, obj.Ref)
				continue
			}
			rep.Failed++
			r.logger.WarnContext(ctx, "orphan delete failed", "ref", obj.Ref, "error", err)
			continue
		}
		rep.Deleted = append(rep.Deleted, obj.Ref)
	}

	if len(rep.Locked) > 0 {
		r.metrics.IncAlert(string(alert.KindOrphan))
		alert.Raise(ctx, r.alerter, r.logger, alert.Alert{
			Kind:     alert.KindOrphan,
			Severity: alert.SeverityWarning,
			Message:  fmt.Sprintf("%d unreferenced objects are still retention-locked", len(rep.Locked)),
			Subject:  r.ledger.Shard(),
			Details:  map[string]string{"first": rep.Locked[0]},
		})
	}
	r.logger.InfoContext(ctx, "orphan collection complete", "scanned", rep.Scanned, "orphans", rep.Orphans,
		"deleted", len(rep.Deleted), "locked", len(rep.Locked), "failed", rep.Failed)
	return rep, nil
}

func (r *Reconciler) referencedObjects(ctx context.Context) (map[string]struct{}, error) {
	entries, err := r.ledger.Range(ctx, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	refs := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if e.Kind == ledger.KindIngest {
			refs[e.PayloadRef] = struct{}{}
		}
	}
	return refs, nil
}

// SweepReport summarizes an integrity sweep.
type SweepReport struct {
	Chain    ledger.VerificationReport `json:"chain"`
	Records  int                       `json:"records"`
	Verified int                       `json:"verified"`
	Corrupt  []string                  `json:"corrupt"`
	Skipped  int                       `json:"skipped"`
}

// Sweep verifies the ledger chain, then re-hashes every live record's
// payload. Archived records are skipped. Corrupt records are alerted by the
// query service; a broken chain is alerted here and returned as an error.
func (r *Reconciler) Sweep(ctx context.Context) (SweepReport, error) {
	rep := SweepReport{Corrupt: []string{}}
	chain, err := r.VerifyChain(ctx)
	rep.Chain = chain
	if err != nil {
		return rep, err
	}

	entries, err := r.ledger.Range(ctx, 0, 0)
	if err != nil {
		return rep, fmt.Errorf("read ledger: %w", err)
	}
	archived := map[string]bool{}
	for _, e := range entries {
		if e.Kind == ledger.KindArchive {
			archived[e.Subject] = true
		}
	}
	for _, e := range entries {
		if e.Kind != ledger.KindIngest || archived[e.ID] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		rep.Records++
		_, err := r.query.VerifyRecord(ctx, e.ID)
		var ie *evidence.IntegrityError
		switch {
		case err == nil:
			rep.Verified++
		case errors.As(err, &ie):
			rep.Corrupt = append(rep.Corrupt, e.ID)
		default:
			rep.Skipped++
			r.logger.WarnContext(ctx, "record not verified", "id", e.ID, "error", err)
		}
	}
	r.logger.InfoContext(ctx, "integrity sweep complete", "records", rep.Records, "verified", rep.Verified,
		"corrupt", len(rep.Corrupt), "skipped", rep.Skipped)
	if len(rep.Corrupt) > 0 {
		return rep, fmt.Errorf("%w: %d corrupt records", evidence.ErrIntegrityViolation, len(rep.Corrupt))
	}
	return rep, nil
}

// VerifyChain checks the whole shard, recording the head and result and
// alerting on the first break.
func (r *Reconciler) VerifyChain(ctx context.Context) (ledger.VerificationReport, error) {
	rep, err := r.VerifyRange(ctx, 0, 0)
	if err == nil {
		r.metrics.SetLedgerHead(r.ledger.Shard(), rep.To)
	}
	return rep, err
}

// VerifyRange checks [from, to] and alerts on a break like VerifyChain.
func (r *Reconciler) VerifyRange(ctx context.Context, from, to uint64) (ledger.VerificationReport, error) {
	shard := r.ledger.Shard()
	rep, err := r.ledger.Verify(ctx, from, to)
	var broken *evidence.ChainBrokenError
	switch {
	case err == nil:
		r.metrics.ObserveLedgerVerify(shard, metrics.ResultOK)
	case errors.As(err, &broken):
		r.metrics.ObserveLedgerVerify(shard, metrics.ResultBroken)
		r.chainBroken(ctx, broken)
	default:
		r.metrics.ObserveLedgerVerify(shard, metrics.ResultError)
	}
	return rep, err
}

// Export signs [from, to] as a bundle. A broken chain is refused and alerts.
func (r *Reconciler) Export(ctx context.Context, from, to uint64, signer crypto.Signer) (*ledger.ExportBundle, error) {
	b, err := r.ledger.Export(ctx, from, to, signer)
	var broken *evidence.ChainBrokenError
	if errors.As(err, &broken) {
		r.metrics.ObserveLedgerVerify(r.ledger.Shard(), metrics.ResultBroken)
		r.chainBroken(ctx, broken)
	}
	return b, err
}

func (r *Reconciler) chainBroken(ctx context.Context, broken *evidence.ChainBrokenError) {
	shard := r.ledger.Shard()
	r.metrics.IncAlert(string(alert.KindChainBroken))
	r.logger.ErrorContext(ctx, "ledger chain broken", "sequence", broken.Sequence, "reason", broken.Reason)
	alert.Raise(ctx, r.alerter, r.logger, alert.Alert{
		Kind:    alert.KindChainBroken,
		Message: broken.Error(),
		Subject: shard,
		Details: map[string]string{"sequence": fmt.Sprint(broken.Sequence), "reason": broken.Reason},
	})
}

// ArchiveReport lists the records archived by one pass.
type ArchiveReport struct {
	Archived []string `json:"archived"`
}

// Archive appends an archive entry for every ingest entry whose retention
// has expired and that is not yet archived. Nothing is removed.
func (r *Reconciler) Archive(ctx context.Context) (ArchiveReport, error) {
	rep := ArchiveReport{Archived: []string{}}
	entries, err := r.ledger.Range(ctx, 0, 0)
	if err != nil {
		return rep, fmt.Errorf("read ledger: %w", err)
	}
	archived := map[string]bool{}
	for _, e := range entries {
		if e.Kind == ledger.KindArchive {
			archived[e.Subject] = true
		}
	}

	now := r.now()
	for _, e := range entries {
		if e.Kind != ledger.KindIngest || archived[e.ID] || e.RetainUntil.IsZero() || now.Before(e.RetainUntil) {
			continue
		}
		if err := r.archive(ctx, e); err != nil {
			return rep, err
		}
		rep.Archived = append(rep.Archived, e.ID)
	}
	if len(rep.Archived) > 0 {
		r.logger.InfoContext(ctx, "records archived", "count", len(rep.Archived))
	}
	return rep, nil
}

func (r *Reconciler) archive(ctx context.Context, e ledger.Entry) error {
	_, err := r.ledger.Append(ctx, ledger.Entry{
		Kind:           ledger.KindArchive,
		ID:             r.newID(),
		Subject:        e.ID,
		Source:         e.Source,
		RetentionClass: e.RetentionClass,
		RetainUntil:    e.RetainUntil,
	})
	if err != nil {
		return fmt.Errorf("archive %s: %w", e.ID, err)
	}
	return nil
}

// Purge deletes the stored payload of record id once its retention has
// expired. The ledger entry stays; the record is archived first if it was
// not already, so queries report it as archived rather than corrupt.
// Before expiry it fails with evidence.ErrRetentionLocked and changes
// nothing.
func (r *Reconciler) Purge(ctx context.Context, id string) error {
	e, err := r.ledger.Get(ctx, id)
	if err != nil {
		return err
	}
	if e.Kind != ledger.KindIngest {
		return fmt.Errorf("%w: %s is a %s entry, not evidence", evidence.ErrNotFound, id, e.Kind)
	}

	info, err := r.store.Stat(ctx, e.PayloadRef)
	if err != nil {
		return fmt.Errorf("stat payload of %s: %w", id, err)
	}
	if info.Locked(r.now()) {
		return fmt.Errorf("%w: record %s retained until %s", evidence.ErrRetentionLocked, id, info.RetainUntil.Format(time.RFC3339))
	}

	refs, err := r.ledger.Referencing(ctx, id)
	if err != nil {
		return err
	}
	archived := false
	for _, ref := range refs {
		if ref.Kind == ledger.KindArchive && ref.Subject == id {
			archived = true
		}
	}
	if !archived {
		if err := r.archive(ctx, e); err != nil {
			return err
		}
	}
	if err := r.store.Delete(ctx, e.PayloadRef); err != nil {
		return fmt.Errorf("delete payload of %s: %w", id, err)
	}
	r.logger.InfoContext(ctx, "evidence payload purged", "id", id, "ref", e.PayloadRef)
	return nil
}

// Tier applies the storage tier policy.
func (r *Reconciler) Tier(ctx context.Context) (artifacts.TierReport, error) {
	return r.tierer.Run(ctx)
}
