package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndGather(t *testing.T) {
	m := New()
	reg := prometheus.NewRegistry()
	require.NoError(t, m.Register(reg))

	m.ObserveIngest("sast", IngestStored, 0.2)
	m.ObserveIngest("sast", IngestReplayed, 0)
	m.ObserveIntegrity("sbom", false)
	m.ObserveIntegrity("sbom", true)
	m.SetLedgerHead("default", 42)
	m.ObserveLedgerVerify("default", ResultOK)
	m.ObserveJob("reconcile", "succeeded", 1.5)
	m.IncJobSkipped("reconcile")
	m.IncAlert("integrity")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ingested.WithLabelValues("sast", IngestStored)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.integrityFailures.WithLabelValues("sbom")))
	assert.Equal(t, 42.0, testutil.ToFloat64(m.ledgerHead.WithLabelValues("default")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.ingestDuration))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{MetricEvidenceIngestedTotal, MetricIntegrityFailuresTotal, MetricLedgerHeadSequence, MetricJobRunsTotal, MetricAlertsTotal} {
		assert.True(t, names[want], want)
	}
}

func TestDoubleRegisterFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, New().Register(reg))
	assert.Error(t, New().Register(reg))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveIngest("sast", IngestFailed, 0)
	m.ObserveIntegrity("sast", false)
	m.SetLedgerHead("default", 1)
	m.ObserveJob("x", "failed", 1)
	m.IncJobSkipped("x")
	m.IncAlert("x")
}

func TestHandler(t *testing.T) {
	m := New()
	reg := prometheus.NewRegistry()
	require.NoError(t, m.Register(reg))
	m.SetLedgerHead("default", 7)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `attest_ledger_head_sequence{shard="default"} 7`))
}
