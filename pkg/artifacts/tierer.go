package artifacts

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/attest/pkg/retention"
)

// TierReport summarizes one tiering pass.
type TierReport struct {
	Scanned int `json:"scanned"`
	Moved   int `json:"moved"`
	Failed  int `json:"failed"`
}

// Tierer moves objects between tiers according to their age and class.
type Tierer struct {
	store  Store
	now    func() time.Time
	logger *slog.Logger
}

func NewTierer(store Store, logger *slog.Logger) *Tierer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tierer{store: store, now: time.Now, logger: logger.With("component", "tierer")}
}

// WithClock overrides the clock, for tests.
func (t *Tierer) WithClock(now func() time.Time) *Tierer {
	t.now = now
	return t
}

// Run applies the tier policy to every object. Individual failures are
// counted and logged; the pass continues.
func (t *Tierer) Run(ctx context.Context) (TierReport, error) {
	var rep TierReport
	objects, err := t.store.List(ctx, "")
	if err != nil {
		return rep, fmt.Errorf("tiering: %w", err)
	}
	now := t.now()
	for _, obj := range objects {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		rep.Scanned++
		if obj.RetentionClass.Duration() == 0 {
			continue
		}
		want := retention.TierAt(obj.RetentionClass, now.Sub(obj.CreatedAt))
		if want == obj.Tier {
			continue
		}
		if err := t.store.SetTier(ctx, obj.Ref, want); err != nil {
			rep.Failed++
			t.logger.WarnContext(ctx, "tier change failed", "ref", obj.Ref, "tier", want, "error", err)
			continue
		}
		rep.Moved++
	}
	t.logger.InfoContext(ctx, "tiering pass complete", "scanned", rep.Scanned, "moved", rep.Moved, "failed", rep.Failed)
	return rep, nil
}
