package reconcile

import (
	"context"
	"time"

	"github.com/Mindburn-Labs/attest/pkg/scheduler"
)

// Job names, also the keys accepted by the hook endpoint.
const (
	JobOrphans = "reconcile"
	JobSweep   = "integrity-sweep"
	JobTiering = "tiering"
	JobArchive = "archival"
)

// Intervals for the built-in jobs. A zero interval leaves the job
// event-triggered only.
type Intervals struct {
	Orphans time.Duration
	Sweep   time.Duration
	Tiering time.Duration
	Archive time.Duration
}

// DefaultIntervals runs the sweep nightly and the rest hourly or daily.
func DefaultIntervals() Intervals {
	return Intervals{
		Orphans: time.Hour,
		Sweep:   24 * time.Hour,
		Tiering: 24 * time.Hour,
		Archive: 24 * time.Hour,
	}
}

// Jobs returns the built-in maintenance jobs.
func (r *Reconciler) Jobs(iv Intervals) []scheduler.Job {
	return []scheduler.Job{
		{Name: JobOrphans, Interval: iv.Orphans, Run: func(ctx context.Context) error {
			_, err := r.CollectOrphans(ctx)
			return err
		}},
		{Name: JobSweep, Interval: iv.Sweep, Run: func(ctx context.Context) error {
			_, err := r.Sweep(ctx)
			return err
		}},
		{Name: JobTiering, Interval: iv.Tiering, Run: func(ctx context.Context) error {
			_, err := r.Tier(ctx)
			return err
		}},
		{Name: JobArchive, Interval: iv.Archive, Run: func(ctx context.Context) error {
			_, err := r.Archive(ctx)
			return err
		}},
	}
}

// Register adds the built-in jobs to s.
func (r *Reconciler) Register(s *scheduler.Scheduler, iv Intervals) error {
	for _, j := range r.Jobs(iv) {
		if err := s.Register(j); err != nil {
			return err
		}
	}
	return nil
}
