package query

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/attest/pkg/alert"
	"github.com/Mindburn-Labs/attest/pkg/artifacts"
	"github.com/Mindburn-Labs/attest/pkg/collector"
	"github.com/Mindburn-Labs/attest/pkg/controls"
	"github.com/Mindburn-Labs/attest/pkg/evidence"
	"github.com/Mindburn-Labs/attest/pkg/ledger"
	"github.com/Mindburn-Labs/attest/pkg/metrics"
)

const mapping = `
version: 1.2.0
framework: CMMC-2.0
rules:
  - source: sast
    controls: [SI.L2-3.14.1]
  - source: container-scan
    controls: [RA.L2-3.11.2, SI.L2-3.14.1]
  - source: access-log
    controls: [AU.L2-3.3.1]
`

const scanCtl = "SI.L2-3.14.1"

var day1 = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
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

func (a *alerts) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.got)
}

type fixture struct {
	dir       string
	clock     *clock
	collector *collector.Collector
	ledger    *ledger.Ledger
	registry  *controls.Registry
	store     *artifacts.FileStore
	alerts    *alerts
	metrics   *metrics.Metrics
	prom      *prometheus.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{dir: t.TempDir(), clock: &clock{t: day1.Add(9 * time.Hour)}, alerts: &alerts{}}
	store, err := artifacts.NewFileStore(f.dir)
	require.NoError(t, err)
	f.store = store.WithClock(f.clock.Now)

	f.registry = controls.NewRegistry("", nil)
	_, err = f.registry.Load(context.Background(), []byte(mapping))
	require.NoError(t, err)

	f.ledger = ledger.NewMemoryLedger(ledger.WithClock(f.clock.Now))
	f.collector = collector.New(f.registry, f.store, f.ledger, collector.WithClock(f.clock.Now))

	f.metrics = metrics.New()
	f.prom = prometheus.NewRegistry()
	require.NoError(t, f.metrics.Register(f.prom))
	return f
}

func (f *fixture) service(opts ...Option) *Service {
	base := []Option{
		WithClock(f.clock.Now),
		WithAlerter(f.alerts),
		WithMetrics(f.metrics),
		WithControls(func() ControlSet { return f.registry.Snapshot() }),
	}
	return New(f.ledger, f.store, append(base, opts...)...)
}

func (f *fixture) ingestAt(t *testing.T, at time.Time, source evidence.Source, corr string) evidence.Record {
	t.Helper()
	f.clock.Set(at)
	rec, err := f.collector.Ingest(context.Background(), source, []byte(`{"run":"`+corr+`","findings":[]}`), map[string]string{
		evidence.MetaTool:          "sonarqube",
		evidence.MetaCorrelationID: corr,
	})
	require.NoError(t, err)
	return rec
}

func (f *fixture) tamper(t *testing.T, rec evidence.Record, data []byte) {
	t.Helper()
	p := filepath.Join(f.dir, filepath.FromSlash(strings.TrimPrefix(rec.PayloadRef, "file://local/")))
	require.NoError(t, os.Chmod(p, 0o644))
	if data == nil {
		require.NoError(t, os.Remove(p))
		return
	}
	require.NoError(t, os.WriteFile(p, data, 0o644))
}

func march(from, to int) DateRange {
	return DateRange{From: day1.AddDate(0, 0, from-1), To: day1.AddDate(0, 0, to-1)}
}

func TestCleanScan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.ingestAt(t, day1.Add(10*time.Hour), evidence.SourceSAST, "commit-1")

	svc := f.service()
	got, err := svc.QueryByControl(ctx, scanCtl, march(1, 2), Options{Strict: true})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, rec.ID, got[0].ID)
	assert.Equal(t, evidence.IntegrityVerified, got[0].IntegrityState)
	assert.False(t, got[0].Archived)
	assert.Empty(t, got[0].SupersededBy)

	rep, err := svc.ValidateCompleteness(ctx, scanCtl, march(1, 2), Daily)
	require.NoError(t, err)
	assert.True(t, rep.Complete)
	assert.Equal(t, 1, rep.Covered)
	assert.Empty(t, rep.Gaps)
	assert.Zero(t, f.alerts.count())
}

func TestGapDetection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, d := range []int{1, 2, 4, 5} {
		f.ingestAt(t, day1.AddDate(0, 0, d-1).Add(6*time.Hour), evidence.SourceSAST, "nightly")
	}

	rep, err := f.service().ValidateCompleteness(ctx, scanCtl, march(1, 6), Daily)
	require.NoError(t, err)
	assert.False(t, rep.Complete)
	assert.Equal(t, 5, rep.Periods)
	assert.Equal(t, 4, rep.Covered)
	assert.Equal(t, []DateRange{march(3, 4)}, rep.Gaps)
	assert.InDelta(t, 0.8, rep.Coverage(), 1e-9)
}

func TestGapsMerge(t *testing.T) {
	f := newFixture(t)
	f.ingestAt(t, day1.Add(time.Hour), evidence.SourceSAST, "a")
	f.ingestAt(t, day1.AddDate(0, 0, 4).Add(time.Hour), evidence.SourceSAST, "b")

	rep, err := f.service().ValidateCompleteness(context.Background(), scanCtl, march(1, 8), Daily)
	require.NoError(t, err)
	assert.Equal(t, []DateRange{march(2, 5), march(6, 8)}, rep.Gaps)
}

func TestCompletenessRejectsUnknownControl(t *testing.T) {
	f := newFixture(t)
	_, err := f.service().ValidateCompleteness(context.Background(), "XX.L9-0.0.0", march(1, 2), Daily)
	assert.ErrorIs(t, err, evidence.ErrNotFound)

	_, err = f.service().ValidateCompleteness(context.Background(), scanCtl, march(2, 1), Daily)
	assert.ErrorIs(t, err, evidence.ErrInvalidPayload)

	_, err = f.service().ValidateCompleteness(context.Background(), scanCtl, march(1, 2), Cadence("hourly"))
	assert.ErrorIs(t, err, evidence.ErrInvalidPayload)
}

func TestTamperDetection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	good := f.ingestAt(t, day1.Add(8*time.Hour), evidence.SourceSAST, "commit-1")
	bad := f.ingestAt(t, day1.Add(9*time.Hour), evidence.SourceSAST, "commit-2")
	f.tamper(t, bad, []byte(`{"findings":[],"run":"commit-2","edited":true}`))

	svc := f.service()

	got, err := svc.QueryByControl(ctx, scanCtl, march(1, 2), Options{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, good.ID, got[0].ID)
	assert.Equal(t, evidence.IntegrityVerified, got[0].IntegrityState)
	assert.Equal(t, evidence.IntegrityCorrupt, got[1].IntegrityState)

	require.Equal(t, 1, f.alerts.count())
	assert.Equal(t, alert.KindIntegrity, f.alerts.got[0].Kind)
	assert.Equal(t, bad.ID, f.alerts.got[0].Subject)

	_, err = svc.QueryByControl(ctx, scanCtl, march(1, 2), Options{Strict: true})
	require.ErrorIs(t, err, evidence.ErrIntegrityViolation)
	var ie *evidence.IntegrityError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, bad.ID, ie.RecordID)
	assert.Equal(t, 1, f.alerts.count(), "already-known corruption is not re-alerted")

	rec, err := svc.VerifyRecord(ctx, bad.ID)
	assert.ErrorIs(t, err, evidence.ErrIntegrityViolation)
	assert.Equal(t, evidence.IntegrityCorrupt, rec.IntegrityState)

	rec, err = svc.VerifyRecord(ctx, good.ID)
	require.NoError(t, err)
	assert.Equal(t, evidence.IntegrityVerified, rec.IntegrityState)

	n, err := testutil.GatherAndCount(f.prom, metrics.MetricIntegrityFailuresTotal)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMissingPayloadIsCorrupt(t *testing.T) {
	f := newFixture(t)
	rec := f.ingestAt(t, day1.Add(time.Hour), evidence.SourceSAST, "gone")
	f.tamper(t, rec, nil)

	got, err := f.service().VerifyRecord(context.Background(), rec.ID)
	require.ErrorIs(t, err, evidence.ErrIntegrityViolation)
	assert.Equal(t, evidence.IntegrityCorrupt, got.IntegrityState)
}

func TestLazyVerification(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.ingestAt(t, day1.Add(time.Hour), evidence.SourceSAST, "commit-1")

	svc := f.service()
	got, err := svc.QueryByControl(ctx, scanCtl, march(1, 2), Options{})
	require.NoError(t, err)
	require.Equal(t, evidence.IntegrityVerified, got[0].IntegrityState)

	f.tamper(t, rec, []byte(`{}`))

	// The earlier check is still trusted.
	f.clock.Set(day1.Add(12 * time.Hour))
	got, err = svc.QueryByControl(ctx, scanCtl, march(1, 2), Options{})
	require.NoError(t, err)
	assert.Equal(t, evidence.IntegrityVerified, got[0].IntegrityState)

	// A day later it is re-checked.
	f.clock.Set(day1.Add(26 * time.Hour))
	got, err = svc.QueryByControl(ctx, scanCtl, march(1, 2), Options{})
	require.NoError(t, err)
	assert.Equal(t, evidence.IntegrityCorrupt, got[0].IntegrityState)
}

func TestGetRecordIgnoresCachedCheck(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.ingestAt(t, day1.Add(time.Hour), evidence.SourceSAST, "commit-1")

	svc := f.service()
	got, err := svc.QueryByControl(ctx, scanCtl, march(1, 2), Options{})
	require.NoError(t, err)
	require.Equal(t, evidence.IntegrityVerified, got[0].IntegrityState)

	f.tamper(t, rec, []byte(`{}`))
	f.clock.Set(day1.Add(2 * time.Hour))

	one, err := svc.GetRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, evidence.IntegrityCorrupt, one.IntegrityState)
}

func TestVerifyOnRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.ingestAt(t, day1.Add(time.Hour), evidence.SourceSAST, "commit-1")

	svc := f.service(WithVerifyOnRead(true))
	_, err := svc.GetRecord(ctx, rec.ID)
	require.NoError(t, err)

	f.tamper(t, rec, []byte(`{}`))
	got, err := svc.GetRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, evidence.IntegrityCorrupt, got.IntegrityState)

	_, _, err = svc.Payload(ctx, rec.ID)
	assert.ErrorIs(t, err, evidence.ErrIntegrityViolation)
}

func TestSupersededAndArchivedAreFlagged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	old := f.ingestAt(t, day1.Add(time.Hour), evidence.SourceSAST, "commit-1")

	f.clock.Set(day1.Add(2 * time.Hour))
	fixed, err := f.collector.Supersede(ctx, old.ID, evidence.SourceSAST, []byte(`{"run":"commit-1","findings":[],"rerun":true}`),
		map[string]string{evidence.MetaTool: "sonarqube", evidence.MetaCorrelationID: "commit-1"})
	require.NoError(t, err)

	_, err = f.ledger.Append(ctx, ledger.Entry{Kind: ledger.KindArchive, ID: "archive-1", Subject: old.ID})
	require.NoError(t, err)

	got, err := f.service().QueryByControl(ctx, scanCtl, march(1, 2), Options{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, old.ID, got[0].ID)
	assert.Equal(t, fixed.ID, got[0].SupersededBy)
	assert.True(t, got[0].Archived)
	assert.Equal(t, old.ID, got[1].Supersedes)
	assert.False(t, got[1].Archived)
}

func TestGetRecordRejectsNonEvidence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.ledger.Append(ctx, ledger.Entry{Kind: ledger.KindRegistryReload, ID: "reload-1", Subject: "CMMC-2.0@1.2.0"})
	require.NoError(t, err)

	_, err = f.service().GetRecord(ctx, "reload-1")
	assert.ErrorIs(t, err, evidence.ErrNotFound)
	_, err = f.service().VerifyRecord(ctx, "nope")
	assert.ErrorIs(t, err, evidence.ErrNotFound)
}

type failingStore struct{ artifacts.Store }

func (failingStore) Get(context.Context, string) ([]byte, error) {
	return nil, errors.Join(evidence.ErrStoreUnavailable, errors.New("connection reset"))
}

func TestStoreOutage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ingestAt(t, day1.Add(time.Hour), evidence.SourceSAST, "commit-1")
	svc := New(f.ledger, failingStore{f.store}, WithClock(f.clock.Now))

	got, err := svc.QueryByControl(ctx, scanCtl, march(1, 2), Options{})
	require.NoError(t, err)
	assert.Equal(t, evidence.IntegrityUnverified, got[0].IntegrityState)

	_, err = svc.QueryByControl(ctx, scanCtl, march(1, 2), Options{Strict: true})
	assert.ErrorIs(t, err, evidence.ErrStoreUnavailable)
}

func TestCadencePeriods(t *testing.T) {
	// 2025-03-05 is a Wednesday.
	r := DateRange{From: time.Date(2025, 3, 5, 12, 0, 0, 0, time.UTC), To: time.Date(2025, 3, 20, 0, 0, 0, 0, time.UTC)}

	weeks := Weekly.Periods(r)
	require.Len(t, weeks, 3)
	assert.Equal(t, r.From, weeks[0].From)
	assert.Equal(t, time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC), weeks[0].To)
	assert.Equal(t, time.Date(2025, 3, 17, 0, 0, 0, 0, time.UTC), weeks[2].From)
	assert.Equal(t, r.To, weeks[2].To)

	months := Monthly.Periods(DateRange{From: day1, To: time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC)})
	require.Len(t, months, 4)
	assert.Equal(t, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), months[3].From)

	days := Daily.Periods(march(1, 4))
	assert.Len(t, days, 3)

	c, err := ParseCadence("")
	require.NoError(t, err)
	assert.Equal(t, Daily, c)
}

func TestWeeklyCompleteness(t *testing.T) {
	f := newFixture(t)
	// Mondays 3rd and 17th; the week of the 10th has nothing.
	f.ingestAt(t, time.Date(2025, 3, 4, 9, 0, 0, 0, time.UTC), evidence.SourceContainerScan, "img-1")
	f.ingestAt(t, time.Date(2025, 3, 19, 9, 0, 0, 0, time.UTC), evidence.SourceContainerScan, "img-2")

	r := DateRange{From: time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC), To: time.Date(2025, 3, 24, 0, 0, 0, 0, time.UTC)}
	rep, err := f.service().ValidateCompleteness(context.Background(), "RA.L2-3.11.2", r, Weekly)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Periods)
	require.Len(t, rep.Gaps, 1)
	assert.Equal(t, time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC), rep.Gaps[0].From)
	assert.Equal(t, time.Date(2025, 3, 17, 0, 0, 0, 0, time.UTC), rep.Gaps[0].To)
}

func TestCoverageStatistics(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ingestAt(t, day1.Add(time.Hour), evidence.SourceSAST, "c1")
	f.ingestAt(t, day1.Add(2*time.Hour), evidence.SourceSAST, "c2")
	f.ingestAt(t, day1.Add(3*time.Hour), evidence.SourceContainerScan, "c1")
	f.ingestAt(t, day1.AddDate(0, 0, 5), evidence.SourceSAST, "outside")

	cov, err := f.service().CoverageStatistics(ctx, march(1, 2))
	require.NoError(t, err)
	assert.Equal(t, 3, cov.Records)
	assert.Equal(t, map[string]int{"sast": 2, "container-scan": 1}, cov.BySource)
	assert.Equal(t, map[string]int{scanCtl: 3, "RA.L2-3.11.2": 1}, cov.ByControl)
	assert.Equal(t, map[string]int{"sonarqube": 3}, cov.ByTool)
	assert.Equal(t, 3, cov.Correlations)
	assert.Equal(t, []string{"AU.L2-3.3.1"}, cov.Uncovered)
}

func TestRenderReport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ingestAt(t, day1.Add(time.Hour), evidence.SourceSAST, "commit|1")
	svc := f.service()

	recs, err := svc.QueryByControl(ctx, scanCtl, march(1, 3), Options{})
	require.NoError(t, err)
	comp, err := svc.ValidateCompleteness(ctx, scanCtl, march(1, 3), Daily)
	require.NoError(t, err)
	cov, err := svc.CoverageStatistics(ctx, march(1, 3))
	require.NoError(t, err)
	rep := &Report{GeneratedAt: day1, ControlID: scanCtl, Range: march(1, 3), Records: recs, Completeness: &comp, Coverage: &cov}

	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, RenderReport(&buf, FormatJSON, rep))
		var back Report
		require.NoError(t, json.Unmarshal(buf.Bytes(), &back))
		assert.Equal(t, scanCtl, back.ControlID)
		require.Len(t, back.Records, 1)
		assert.Equal(t, recs[0].PayloadHash, back.Records[0].PayloadHash)
		assert.Equal(t, []DateRange{march(2, 3)}, back.Completeness.Gaps)
	})

	t.Run("csv", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, RenderReport(&buf, FormatCSV, rep))
		rows, err := csv.NewReader(&buf).ReadAll()
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.Equal(t, csvHeader, rows[0])
		assert.Equal(t, recs[0].ID, rows[1][0])
		assert.Equal(t, "commit|1", rows[1][4])
		assert.Equal(t, "verified", rows[1][9])
	})

	t.Run("markdown", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, RenderReport(&buf, FormatMarkdown, rep))
		out := buf.String()
		assert.Contains(t, out, "# Evidence report for "+scanCtl)
		assert.Contains(t, out, "1 of 2 periods covered (50.0%), INCOMPLETE.")
		assert.Contains(t, out, "| 2025-03-02T00:00:00Z | 2025-03-03T00:00:00Z |")
		assert.Contains(t, out, "| "+recs[0].ID+" | sast | sonarqube |")
		assert.Contains(t, out, "Controls without evidence: AU.L2-3.3.1")
	})

	_, err = ParseFormat("pdf")
	assert.ErrorIs(t, err, evidence.ErrInvalidPayload)
	fm, err := ParseFormat("md")
	require.NoError(t, err)
	assert.Equal(t, FormatMarkdown, fm)
}
