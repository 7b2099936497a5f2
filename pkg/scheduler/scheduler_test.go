package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/Mindburn-Labs/attest/pkg/alert"
	"github.com/Mindburn-Labs/attest/pkg/evidence"
	"github.com/Mindburn-Labs/attest/pkg/metrics"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type alerts struct {
	mu  sync.Mutex
	got []alert.Alert
}

func (a *alerts) Alert(_ context.Context, al alert.Alert) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.got = append(a.got, al)
	return nil
}

func (a *alerts) kinds() []alert.Kind {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []alert.Kind
	for _, al := range a.got {
		out = append(out, al.Kind)
	}
	return out
}

func stop(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}

func waitState(t *testing.T, s *Scheduler, name string, want State) Status {
	t.Helper()
	var st Status
	require.Eventually(t, func() bool {
		st, _ = s.Status(name)
		return st.State == want
	}, 2*time.Second, 5*time.Millisecond, "job %s never reached %s", name, want)
	return st
}

func TestTriggerRunsJob(t *testing.T) {
	s := New()
	defer stop(t, s)

	var runs atomic.Int32
	require.NoError(t, s.Register(Job{Name: "reconcile", Run: func(context.Context) error {
		runs.Add(1)
		return nil
	}}))

	st, ok := s.Status("reconcile")
	require.True(t, ok)
	assert.Equal(t, StateIdle, st.State)

	started, err := s.Trigger("reconcile")
	require.NoError(t, err)
	assert.True(t, started)

	st = waitState(t, s, "reconcile", StateSucceeded)
	assert.Equal(t, 1, st.Runs)
	assert.Empty(t, st.LastError)
	assert.EqualValues(t, 1, runs.Load())
}

func TestIntervalJob(t *testing.T) {
	s := New()
	defer stop(t, s)

	var runs atomic.Int32
	require.NoError(t, s.Register(Job{Name: "sweep", Interval: 10 * time.Millisecond, Run: func(context.Context) error {
		runs.Add(1)
		return nil
	}}))
	require.NoError(t, s.Start())

	require.Eventually(t, func() bool { return runs.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
}

func TestFailedJobAlerts(t *testing.T) {
	al := &alerts{}
	s := New(WithAlerter(al))
	defer stop(t, s)

	require.NoError(t, s.Register(Job{Name: "tiering", Run: func(context.Context) error {
		return errors.New("bucket unreachable")
	}}))
	_, err := s.Trigger("tiering")
	require.NoError(t, err)

	st := waitState(t, s, "tiering", StateFailed)
	assert.Contains(t, st.LastError, "bucket unreachable")
	require.Eventually(t, func() bool { return len(al.kinds()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []alert.Kind{alert.KindJobFailed}, al.kinds())
}

func TestTimeout(t *testing.T) {
	al := &alerts{}
	m := metrics.New()
	reg := prometheus.NewRegistry()
	require.NoError(t, m.Register(reg))

	s := New(WithTimeout(20*time.Millisecond), WithAlerter(al), WithMetrics(m))
	defer stop(t, s)

	var runs atomic.Int32
	require.NoError(t, s.Register(Job{Name: "archive", Run: func(ctx context.Context) error {
		runs.Add(1)
		<-ctx.Done()
		return ctx.Err()
	}}))
	_, err := s.Trigger("archive")
	require.NoError(t, err)

	st := waitState(t, s, "archive", StateTimedOut)
	assert.Contains(t, st.LastError, evidence.ErrTimeout.Error())
	assert.Contains(t, al.kinds(), alert.KindJobTimeout)

	// No automatic retry.
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1, runs.Load())

	n, err := testutil.GatherAndCount(reg, metrics.MetricJobRunsTotal)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestJobTimeoutOverride(t *testing.T) {
	s := New(WithTimeout(time.Hour))
	defer stop(t, s)

	require.NoError(t, s.Register(Job{Name: "quick", Timeout: 10 * time.Millisecond, Run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}))
	_, err := s.Trigger("quick")
	require.NoError(t, err)
	waitState(t, s, "quick", StateTimedOut)
}

func TestOverlapIsSkipped(t *testing.T) {
	m := metrics.New()
	reg := prometheus.NewRegistry()
	require.NoError(t, m.Register(reg))
	s := New(WithMetrics(m))
	defer stop(t, s)

	release := make(chan struct{})
	var runs atomic.Int32
	require.NoError(t, s.Register(Job{Name: "reconcile", Run: func(ctx context.Context) error {
		runs.Add(1)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}}))

	started, err := s.Trigger("reconcile")
	require.NoError(t, err)
	require.True(t, started)
	waitState(t, s, "reconcile", StateRunning)

	started, err = s.Trigger("reconcile")
	require.NoError(t, err)
	assert.False(t, started)

	close(release)
	st := waitState(t, s, "reconcile", StateSucceeded)
	assert.Equal(t, 1, st.Skipped)
	assert.Equal(t, 1, st.Runs)
	assert.EqualValues(t, 1, runs.Load())

	n, err := testutil.GatherAndCount(reg, metrics.MetricJobSkippedTotal)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMaxConcurrentJobs(t *testing.T) {
	s := New(WithMaxConcurrent(2))
	defer stop(t, s)

	var active, peak atomic.Int32
	body := func(context.Context) error {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		active.Add(-1)
		return nil
	}
	names := []string{"a", "b", "c", "d", "e"}
	for _, n := range names {
		require.NoError(t, s.Register(Job{Name: n, Run: body}))
	}
	for _, n := range names {
		_, err := s.Trigger(n)
		require.NoError(t, err)
	}
	for _, n := range names {
		waitState(t, s, n, StateSucceeded)
	}
	assert.EqualValues(t, 2, peak.Load())
}

func TestRegistrationErrors(t *testing.T) {
	s := New()
	defer stop(t, s)

	noop := func(context.Context) error { return nil }
	require.NoError(t, s.Register(Job{Name: "x", Run: noop}))
	assert.ErrorIs(t, s.Register(Job{Name: "x", Run: noop}), ErrDuplicateJob)
	assert.Error(t, s.Register(Job{Name: "y"}))

	_, err := s.Trigger("nope")
	assert.ErrorIs(t, err, ErrUnknownJob)

	require.NoError(t, s.Register(Job{Name: "b", Run: noop}))
	var names []string
	for _, st := range s.Statuses() {
		names = append(names, st.Name)
	}
	assert.Equal(t, []string{"b", "x"}, names)
}

func TestStopCancelsRunningJobs(t *testing.T) {
	al := &alerts{}
	s := New(WithAlerter(al))

	entered := make(chan struct{})
	require.NoError(t, s.Register(Job{Name: "long", Run: func(ctx context.Context) error {
		close(entered)
		<-ctx.Done()
		return ctx.Err()
	}}))
	require.NoError(t, s.Start())
	_, err := s.Trigger("long")
	require.NoError(t, err)
	<-entered

	stop(t, s)
	st, _ := s.Status("long")
	assert.Equal(t, StateFailed, st.State)
	assert.Empty(t, al.kinds(), "shutdown is not alerted")

	_, err = s.Trigger("long")
	assert.ErrorIs(t, err, ErrStopped)
	assert.ErrorIs(t, s.Register(Job{Name: "late", Run: func(context.Context) error { return nil }}), ErrStopped)
}
