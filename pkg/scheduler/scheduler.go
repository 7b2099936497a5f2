// Package scheduler runs the service's periodic and event-triggered jobs.
//
// Each job moves through Idle -> Running -> {Succeeded, Failed, TimedOut}.
// A trigger for a job that is still running is skipped, never queued, and a
// timed-out run is not retried; the next interval or event starts afresh.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/Mindburn-Labs/attest/pkg/alert"
	"github.com/Mindburn-Labs/attest/pkg/evidence"
	"github.com/Mindburn-Labs/attest/pkg/metrics"
	"github.com/Mindburn-Labs/attest/pkg/observability"
)

const (
	DefaultTimeout       = 10 * time.Minute
	DefaultMaxConcurrent = 4
)

var (
	ErrUnknownJob   = errors.New("unknown job")
	ErrDuplicateJob = errors.New("job already registered")
	ErrStopped      = errors.New("scheduler stopped")
)

// State of a job.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateTimedOut  State = "timed_out"
)

// Func is the body of a job. It must return when ctx is done.
type Func func(ctx context.Context) error

// Job describes a unit of scheduled work.
type Job struct {
	Name string
	// Interval between automatic runs. Zero means the job only runs when
	// triggered.
	Interval time.Duration
	// Timeout overrides the scheduler default.
	Timeout time.Duration
	Run     Func
}

// Status is a snapshot of a job.
type Status struct {
	Name      string        `json:"name"`
	State     State         `json:"state"`
	Interval  time.Duration `json:"interval,omitempty"`
	LastStart time.Time     `json:"last_start,omitempty"`
	LastEnd   time.Time     `json:"last_end,omitempty"`
	LastError string        `json:"last_error,omitempty"`
	Runs      int           `json:"runs"`
	Skipped   int           `json:"skipped"`
}

type job struct {
	def Job

	mu       sync.Mutex
	status   Status
	inflight bool
}

// Scheduler owns the jobs and their goroutines.
type Scheduler struct {
	timeout time.Duration
	sem     *semaphore.Weighted
	alerter alert.Alerter
	metrics *metrics.Metrics
	tel     *observability.Provider
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	jobs    map[string]*job
	started bool
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTimeout sets the default per-run timeout.
func WithTimeout(d time.Duration) Option { return func(s *Scheduler) { s.timeout = d } }

// WithMaxConcurrent bounds the number of jobs running at once.
func WithMaxConcurrent(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

func WithAlerter(a alert.Alerter) Option             { return func(s *Scheduler) { s.alerter = a } }
func WithMetrics(m *metrics.Metrics) Option          { return func(s *Scheduler) { s.metrics = m } }
func WithTelemetry(p *observability.Provider) Option { return func(s *Scheduler) { s.tel = p } }
func WithLogger(l *slog.Logger) Option               { return func(s *Scheduler) { s.logger = l } }
func WithClock(now func() time.Time) Option          { return func(s *Scheduler) { s.now = now } }

// New creates a scheduler. Jobs may be triggered immediately; interval jobs
// start ticking after Start.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		timeout: DefaultTimeout,
		sem:     semaphore.NewWeighted(DefaultMaxConcurrent),
		logger:  slog.Default(),
		now:     time.Now,
		jobs:    make(map[string]*job),
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With("component", "scheduler")
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.group = &errgroup.Group{}
	return s
}

// Register adds a job. Interval jobs registered after Start tick immediately.
func (s *Scheduler) Register(j Job) error {
	if j.Name == "" || j.Run == nil {
		return fmt.Errorf("job needs a name and a function")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if _, ok := s.jobs[j.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, j.Name)
	}
	jb := &job{def: j, status: Status{Name: j.Name, State: StateIdle, Interval: j.Interval}}
	s.jobs[j.Name] = jb
	if s.started && j.Interval > 0 {
		s.tick(jb)
	}
	return nil
}

// Start begins the interval loops. It returns immediately.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if s.started {
		return nil
	}
	s.started = true
	for _, jb := range s.jobs {
		if jb.def.Interval > 0 {
			s.tick(jb)
		}
	}
	s.logger.Info("scheduler started", "jobs", len(s.jobs))
	return nil
}

// tick runs jb every interval until shutdown. Callers hold s.mu.
func (s *Scheduler) tick(jb *job) {
	s.group.Go(func() error {
		t := time.NewTicker(jb.def.Interval)
		defer t.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return nil
			case <-t.C:
				s.dispatch(jb, "interval")
			}
		}
	})
}

// Trigger starts key now. It reports false when the job was skipped because
// a previous run has not finished.
func (s *Scheduler) Trigger(key string) (bool, error) {
	s.mu.Lock()
	jb, ok := s.jobs[key]
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return false, ErrStopped
	}
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownJob, key)
	}
	return s.dispatch(jb, "event"), nil
}

func (s *Scheduler) dispatch(jb *job, cause string) bool {
	jb.mu.Lock()
	if jb.inflight {
		jb.status.Skipped++
		jb.mu.Unlock()
		s.metrics.IncJobSkipped(jb.def.Name)
		s.logger.Warn("job still running, trigger skipped", "job", jb.def.Name, "cause", cause)
		return false
	}
	jb.inflight = true
	jb.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		jb.mu.Lock()
		jb.inflight = false
		jb.mu.Unlock()
		return false
	}
	s.group.Go(func() error {
		s.execute(jb, cause)
		return nil
	})
	return true
}

func (s *Scheduler) execute(jb *job, cause string) {
	defer func() {
		jb.mu.Lock()
		jb.inflight = false
		jb.mu.Unlock()
	}()

	if err := s.sem.Acquire(s.ctx, 1); err != nil {
		return
	}
	defer s.sem.Release(1)

	name := jb.def.Name
	timeout := jb.def.Timeout
	if timeout <= 0 {
		timeout = s.timeout
	}

	start := s.now()
	jb.mu.Lock()
	jb.status.State = StateRunning
	jb.status.LastStart = start
	jb.status.Runs++
	jb.mu.Unlock()

	ctx, finish := s.tel.TrackOperation(s.ctx, "job."+name, observability.AttrJob.String(name))
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s.logger.Info("job started", "job", name, "cause", cause)
	done := make(chan error, 1)
	go func() { done <- jb.def.Run(ctx) }()

	var err error
	select {
	case err = <-done:
		if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = s.timedOut(jb, timeout, err)
		}
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = s.timedOut(jb, timeout, ctx.Err())
		} else {
			err = ctx.Err()
		}
		// The run may ignore cancellation; the job stays in flight until
		// it returns so that no second run overlaps it.
		<-done
	}
	finish(err)

	end := s.now()
	state := StateSucceeded
	switch {
	case errors.Is(err, evidence.ErrTimeout):
		state = StateTimedOut
	case err != nil:
		state = StateFailed
	}

	jb.mu.Lock()
	jb.status.State = state
	jb.status.LastEnd = end
	jb.status.LastError = ""
	if err != nil {
		jb.status.LastError = err.Error()
	}
	jb.mu.Unlock()
	s.metrics.ObserveJob(name, string(state), end.Sub(start).Seconds())

	switch state {
	case StateSucceeded:
		s.logger.Info("job finished", "job", name, "duration", end.Sub(start))
	case StateFailed:
		s.logger.Error("job failed", "job", name, "error", err)
		if s.ctx.Err() == nil {
			s.metrics.IncAlert(string(alert.KindJobFailed))
			alert.Raise(context.Background(), s.alerter, s.logger, alert.Alert{
				Kind:     alert.KindJobFailed,
				Severity: alert.SeverityWarning,
				Message:  err.Error(),
				Subject:  name,
			})
		}
	}
}

func (s *Scheduler) timedOut(jb *job, timeout time.Duration, cause error) error {
	err := fmt.Errorf("%w: job %s exceeded %s: %v", evidence.ErrTimeout, jb.def.Name, timeout, cause)
	s.logger.Error("job timed out", "job", jb.def.Name, "timeout", timeout)
	s.metrics.IncAlert(string(alert.KindJobTimeout))
	alert.Raise(context.Background(), s.alerter, s.logger, alert.Alert{
		Kind:    alert.KindJobTimeout,
		Message: err.Error(),
		Subject: jb.def.Name,
		Details: map[string]string{"timeout": timeout.String()},
	})
	jb.mu.Lock()
	jb.status.State = StateTimedOut
	jb.mu.Unlock()
	return err
}

// Status returns a snapshot of key.
func (s *Scheduler) Status(key string) (Status, bool) {
	s.mu.Lock()
	jb, ok := s.jobs[key]
	s.mu.Unlock()
	if !ok {
		return Status{}, false
	}
	jb.mu.Lock()
	defer jb.mu.Unlock()
	return jb.status, true
}

// Statuses returns every job, sorted by name.
func (s *Scheduler) Statuses() []Status {
	s.mu.Lock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	s.mu.Unlock()
	sort.Strings(names)

	out := make([]Status, 0, len(names))
	for _, n := range names {
		if st, ok := s.Status(n); ok {
			out = append(out, st)
		}
	}
	return out
}

// Stop cancels running jobs and waits for them, or for ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	done := make(chan struct{})
	go func() {
		_ = s.group.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler shutdown: %w", ctx.Err())
	}
}
