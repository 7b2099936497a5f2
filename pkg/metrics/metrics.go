// Package metrics exposes Prometheus collectors for evidence ingestion,
// integrity checking, the ledger and scheduled jobs.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metric names.
const (
	MetricEvidenceIngestedTotal  = "attest_evidence_ingested_total"
	MetricIngestDuration         = "attest_ingest_duration_seconds"
	MetricIntegrityChecksTotal   = "attest_integrity_checks_total"
	MetricIntegrityFailuresTotal = "attest_integrity_failures_total"
	MetricLedgerHeadSequence     = "attest_ledger_head_sequence"
	MetricLedgerVerifyTotal      = "attest_ledger_verifications_total"
	MetricJobRunsTotal           = "attest_job_runs_total"
	MetricJobDuration            = "attest_job_duration_seconds"
	MetricJobSkippedTotal        = "attest_job_skipped_total"
	MetricAlertsTotal            = "attest_alerts_total"
)

// Ingest outcomes.
const (
	IngestStored   = "stored"
	IngestReplayed = "replayed"
	IngestRejected = "rejected"
	IngestUnmapped = "unmapped"
	IngestFailed   = "failed"
	ResultOK       = "ok"
	ResultCorrupt  = "corrupt"
	ResultBroken   = "broken"
	ResultError    = "error"
)

// Metrics holds the collectors. A nil *Metrics discards every observation,
// so components can take one optionally.
type Metrics struct {
	ingested          *prometheus.CounterVec
	ingestDuration    *prometheus.HistogramVec
	integrityChecks   *prometheus.CounterVec
	integrityFailures *prometheus.CounterVec
	ledgerHead        *prometheus.GaugeVec
	ledgerVerify      *prometheus.CounterVec
	jobRuns           *prometheus.CounterVec
	jobDuration       *prometheus.HistogramVec
	jobSkipped        *prometheus.CounterVec
	alerts            *prometheus.CounterVec
}

// New creates the collectors. They are not registered; call Register.
func New() *Metrics {
	return &Metrics{
		ingested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricEvidenceIngestedTotal,
			Help: "Evidence ingestion attempts by source and outcome",
		}, []string{"source", "status"}),
		ingestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    MetricIngestDuration,
			Help:    "Time from receipt to ledger append by source",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"source"}),
		integrityChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricIntegrityChecksTotal,
			Help: "Payload hash verifications by result",
		}, []string{"result"}),
		integrityFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricIntegrityFailuresTotal,
			Help: "Payloads whose stored bytes no longer match their hash, by source",
		}, []string{"source"}),
		ledgerHead: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: MetricLedgerHeadSequence,
			Help: "Sequence number of the latest manifest entry per shard",
		}, []string{"shard"}),
		ledgerVerify: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricLedgerVerifyTotal,
			Help: "Hash-chain verifications by result",
		}, []string{"shard", "result"}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricJobRunsTotal,
			Help: "Scheduled job runs by job and final state",
		}, []string{"job", "status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    MetricJobDuration,
			Help:    "Scheduled job run duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"job"}),
		jobSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricJobSkippedTotal,
			Help: "Job triggers skipped because a previous run was still in progress",
		}, []string{"job"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricAlertsTotal,
			Help: "Out-of-band alerts raised by kind",
		}, []string{"kind"}),
	}
}

// Collectors returns every collector, for registration and tests.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.ingested, m.ingestDuration, m.integrityChecks, m.integrityFailures,
		m.ledgerHead, m.ledgerVerify, m.jobRuns, m.jobDuration, m.jobSkipped, m.alerts,
	}
}

// Register registers all collectors with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Handler serves the metrics gathered by g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveIngest(source, status string, seconds float64) {
	if m == nil {
		return
	}
	m.ingested.WithLabelValues(source, status).Inc()
	if status == IngestStored {
		m.ingestDuration.WithLabelValues(source).Observe(seconds)
	}
}

func (m *Metrics) ObserveIntegrity(source string, ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.integrityChecks.WithLabelValues(ResultOK).Inc()
		return
	}
	m.integrityChecks.WithLabelValues(ResultCorrupt).Inc()
	m.integrityFailures.WithLabelValues(source).Inc()
}

func (m *Metrics) SetLedgerHead(shard string, sequence uint64) {
	if m == nil {
		return
	}
	m.ledgerHead.WithLabelValues(shard).Set(float64(sequence))
}

func (m *Metrics) ObserveLedgerVerify(shard, result string) {
	if m == nil {
		return
	}
	m.ledgerVerify.WithLabelValues(shard, result).Inc()
}

func (m *Metrics) ObserveJob(job, status string, seconds float64) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job, status).Inc()
	m.jobDuration.WithLabelValues(job).Observe(seconds)
}

func (m *Metrics) IncJobSkipped(job string) {
	if m == nil {
		return
	}
	m.jobSkipped.WithLabelValues(job).Inc()
}

func (m *Metrics) IncAlert(kind string) {
	if m == nil {
		return
	}
	m.alerts.WithLabelValues(kind).Inc()
}
