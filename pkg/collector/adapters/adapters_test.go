package adapters

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/attest/pkg/artifacts"
	"github.com/Mindburn-Labs/attest/pkg/collector"
	"github.com/Mindburn-Labs/attest/pkg/controls"
	"github.com/Mindburn-Labs/attest/pkg/evidence"
	"github.com/Mindburn-Labs/attest/pkg/ledger"
)

type call struct {
	source   evidence.Source
	payload  []byte
	metadata map[string]string
}

type recorder struct{ calls []call }

func (r *recorder) Ingest(_ context.Context, source evidence.Source, payload []byte, metadata map[string]string) (evidence.Record, error) {
	r.calls = append(r.calls, call{source, payload, metadata})
	return evidence.Record{ID: "rec-1", Source: source, Category: metadata[evidence.MetaCategory]}, nil
}

func collect(t *testing.T, a Adapter, in Input) call {
	t.Helper()
	rec := &recorder{}
	_, err := a.Collect(context.Background(), rec, in)
	require.NoError(t, err)
	require.Len(t, rec.calls, 1)
	return rec.calls[0]
}

func TestSonarQube(t *testing.T) {
	a := NewSonarQube()

	c := collect(t, a, Input{Payload: []byte(`{"component":{"key":"svc-api","measures":[{"metric":"bugs","value":"0"}]}}`)})
	assert.Equal(t, evidence.SourceSAST, c.source)
	assert.Equal(t, "measures", c.metadata[evidence.MetaCategory])
	assert.Equal(t, "svc-api", c.metadata[evidence.MetaCorrelationID])
	assert.Equal(t, "sonarqube", c.metadata[evidence.MetaTool])

	c = collect(t, a, Input{
		Payload:       []byte(`{"total":2,"issues":[{"key":"i1","project":"svc-api"},{"key":"i2","project":"svc-api"}]}`),
		CorrelationID: "commit-abc",
	})
	assert.Equal(t, "issues", c.metadata[evidence.MetaCategory])
	assert.Equal(t, "commit-abc", c.metadata[evidence.MetaCorrelationID])
	assert.Equal(t, "2", c.metadata["issue_count"])

	_, err := a.Collect(context.Background(), &recorder{}, Input{Payload: []byte(`{"paging":{}}`)})
	assert.ErrorIs(t, err, evidence.ErrInvalidPayload)
}

func TestTrivy(t *testing.T) {
	a := NewTrivy()

	t.Run("container report", func(t *testing.T) {
		c := collect(t, a, Input{Payload: []byte(`{
			"SchemaVersion": 2,
			"CreatedAt": "2025-03-01T08:00:00Z",
			"ArtifactName": "registry.local/api:1.4.2",
			"ArtifactType": "container_image",
			"Metadata": {"RepoDigests": ["registry.local/api@sha256:feed"]},
			"Results": [{"Target": "os", "Vulnerabilities": [{"VulnerabilityID": "CVE-1"}, {"VulnerabilityID": "CVE-2"}]}]
		}`)})
		assert.Equal(t, evidence.SourceContainerScan, c.source)
		assert.Equal(t, "container_image", c.metadata[evidence.MetaCategory])
		assert.Equal(t, "registry.local/api@sha256:feed", c.metadata[evidence.MetaCorrelationID])
		assert.Equal(t, "2", c.metadata["vulnerability_count"])
		assert.Equal(t, "2025-03-01T08:00:00Z", c.metadata[evidence.MetaCollectedAt])
	})

	t.Run("cyclonedx sbom", func(t *testing.T) {
		c := collect(t, a, Input{Payload: []byte(`{
			"bomFormat": "CycloneDX", "specVersion": "1.5", "version": 1,
			"metadata": {"timestamp": "2025-03-01T08:05:00Z", "component": {"name": "registry.local/api:1.4.2"}},
			"components": [{"name": "openssl"}]
		}`)})
		assert.Equal(t, evidence.SourceSBOM, c.source)
		assert.Equal(t, "cyclonedx", c.metadata[evidence.MetaCategory])
		assert.Equal(t, "1", c.metadata["component_count"])
	})

	t.Run("spdx sbom", func(t *testing.T) {
		c := collect(t, a, Input{Payload: []byte(`{
			"spdxVersion": "SPDX-2.3", "name": "api-1.4.2",
			"creationInfo": {"created": "2025-03-01T08:05:00Z"},
			"packages": []
		}`)})
		assert.Equal(t, evidence.SourceSBOM, c.source)
		assert.Equal(t, "spdx", c.metadata[evidence.MetaCategory])
		assert.Equal(t, "api-1.4.2", c.metadata[evidence.MetaCorrelationID])
	})

	t.Run("incomplete sbom", func(t *testing.T) {
		_, err := a.Collect(context.Background(), &recorder{}, Input{
			Payload:       []byte(`{"bomFormat": "CycloneDX", "specVersion": "1.5"}`),
			CorrelationID: "x",
		})
		assert.ErrorIs(t, err, evidence.ErrInvalidPayload)
	})
}

func TestCheckov(t *testing.T) {
	a := NewCheckov()

	c := collect(t, a, Input{
		Payload:       []byte(`{"check_type":"terraform","results":{"failed_checks":[{}]},"summary":{"passed":10,"failed":1}}`),
		CorrelationID: "plan-77",
	})
	assert.Equal(t, evidence.SourceIaCPolicy, c.source)
	assert.Equal(t, "terraform", c.metadata[evidence.MetaCategory])
	assert.Equal(t, "1", c.metadata["failed_checks"])

	c = collect(t, a, Input{
		Payload: []byte(`[
			{"check_type":"terraform","results":{},"summary":{"passed":3,"failed":2}},
			{"check_type":"kubernetes","results":{},"summary":{"passed":1,"failed":4}}
		]`),
		CorrelationID: "plan-78",
	})
	assert.Equal(t, "terraform+kubernetes", c.metadata[evidence.MetaCategory])
	assert.Equal(t, "6", c.metadata["failed_checks"])

	_, err := a.Collect(context.Background(), &recorder{}, Input{Payload: []byte(`{"check_type":"terraform"}`), CorrelationID: "p"})
	assert.ErrorIs(t, err, evidence.ErrInvalidPayload)

	_, err = a.Collect(context.Background(), &recorder{}, Input{
		Payload: []byte(`{"check_type":"terraform","results":{},"summary":{"passed":1,"failed":0}}`),
	})
	assert.ErrorIs(t, err, evidence.ErrInvalidPayload, "no correlation id available")
}

func TestZAP(t *testing.T) {
	c := collect(t, NewZAP(), Input{Payload: []byte(`{
		"@version": "2.14.0",
		"@generated": "Sat, 1 Mar 2025 07:45:10",
		"site": [{"@name": "https://staging.example.internal", "alerts": [{"riskcode": "3"}, {"riskcode": "1"}]}]
	}`)})
	assert.Equal(t, evidence.SourceDAST, c.source)
	assert.Equal(t, "baseline", c.metadata[evidence.MetaCategory])
	assert.Equal(t, "https://staging.example.internal", c.metadata[evidence.MetaCorrelationID])
	assert.Equal(t, "2", c.metadata["alert_count"])
	assert.Equal(t, "1", c.metadata["high_risk_count"])
	assert.Equal(t, "2025-03-01T07:45:10Z", c.metadata[evidence.MetaCollectedAt])
}

func TestPRApproval(t *testing.T) {
	c := collect(t, NewPRApproval(), Input{Payload: []byte(`{
		"action": "submitted",
		"review": {"state": "APPROVED", "submitted_at": "2025-03-01T10:00:00Z", "user": {"login": "reviewer1"}},
		"pull_request": {"number": 42, "base": {"ref": "main"}, "head": {"sha": "abc123"}},
		"repository": {"full_name": "acme/platform"}
	}`)})
	assert.Equal(t, evidence.SourcePRApproval, c.source)
	assert.Equal(t, "approved", c.metadata[evidence.MetaCategory])
	assert.Equal(t, "acme/platform#42", c.metadata[evidence.MetaCorrelationID])
	assert.Equal(t, "reviewer1", c.metadata["reviewer"])
	assert.Equal(t, "main", c.metadata["base_branch"])
	assert.Equal(t, "abc123", c.metadata["head_sha"])
}

const applyLog = "\x1b[0m\x1b[1maws_s3_bucket.evidence: Creating...\x1b[0m\n" +
	"aws_s3_bucket.evidence: Creation complete after 2s\r\n" +
	"\x1b[0m\x1b[1m\x1b[32mApply complete! Resources: 1 added, 2 changed, 0 destroyed.\x1b[0m\n"

func TestTerraformApply(t *testing.T) {
	a := NewTerraformApply()

	c := collect(t, a, Input{Payload: []byte(applyLog), CorrelationID: "run-991"})
	assert.Equal(t, evidence.SourceApplyLog, c.source)
	assert.Equal(t, "apply", c.metadata[evidence.MetaCategory])
	assert.Equal(t, "1", c.metadata["added"])
	assert.Equal(t, "2", c.metadata["changed"])

	c = collect(t, a, Input{Payload: []byte("Error: creating bucket: AccessDenied\n"), CorrelationID: "run-992"})
	assert.Equal(t, "failed", c.metadata[evidence.MetaCategory])

	_, err := a.Collect(context.Background(), &recorder{}, Input{Payload: []byte(applyLog)})
	assert.ErrorIs(t, err, evidence.ErrInvalidPayload, "run id is required")

	_, err = a.Collect(context.Background(), &recorder{}, Input{Payload: []byte("hello world\n"), CorrelationID: "r"})
	assert.ErrorIs(t, err, evidence.ErrInvalidPayload)
}

func TestAccessLog(t *testing.T) {
	a := NewAccessLog()

	c := collect(t, a, Input{Payload: []byte(`[
		{"insertId": "a1", "logName": "projects/p/logs/cloudaudit.googleapis.com%2Factivity", "timestamp": "2025-03-01T09:00:00Z",
		 "protoPayload": {"authenticationInfo": {"principalEmail": "ops@example.com"}, "methodName": "SetIamPolicy"}},
		{"insertId": "a2", "logName": "projects/p/logs/cloudaudit.googleapis.com%2Factivity", "timestamp": "2025-03-01T09:05:00Z",
		 "protoPayload": {"authenticationInfo": {"principalEmail": "ops@example.com"}}}
	]`)})
	assert.Equal(t, evidence.SourceAccessLog, c.source)
	assert.Equal(t, "admin-activity", c.metadata[evidence.MetaCategory])
	assert.Equal(t, "a1..a2", c.metadata[evidence.MetaCorrelationID])
	assert.Equal(t, "1", c.metadata["principal_count"])
	assert.Equal(t, "2025-03-01T09:05:00Z", c.metadata[evidence.MetaCollectedAt])

	c = collect(t, a, Input{Payload: []byte(`[
		{"logName": "projects/p/logs/cloudaudit.googleapis.com%2Factivity", "timestamp": "2025-03-01T09:00:00Z"},
		{"logName": "projects/p/logs/cloudaudit.googleapis.com%2Fdata_access", "timestamp": "2025-03-01T09:01:00Z"}
	]`), CorrelationID: "export-2025-03-01"})
	assert.Equal(t, "mixed", c.metadata[evidence.MetaCategory])

	_, err := a.Collect(context.Background(), &recorder{}, Input{Payload: []byte(`[]`), CorrelationID: "x"})
	assert.ErrorIs(t, err, evidence.ErrInvalidPayload)
}

func TestPolicyException(t *testing.T) {
	a := NewPolicyException()

	c := collect(t, a, Input{Payload: []byte(`{
		"id": "EXC-2025-004",
		"justification": "legacy host pending decommission",
		"approved_by": "ciso@example.com",
		"approved_at": "2025-02-20T12:00:00Z",
		"expires_at": "2025-06-30T00:00:00Z",
		"controls": ["RA.L2-3.11.2"]
	}`)})
	assert.Equal(t, evidence.SourcePolicyException, c.source)
	assert.Equal(t, "approved", c.metadata[evidence.MetaCategory])
	assert.Equal(t, "EXC-2025-004", c.metadata[evidence.MetaCorrelationID])
	assert.Equal(t, "RA.L2-3.11.2", c.metadata["exception_controls"])

	_, err := a.Collect(context.Background(), &recorder{}, Input{Payload: []byte(`{
		"id": "EXC-1", "justification": "x", "approved_by": "y", "expires_at": "next quarter"
	}`)})
	assert.ErrorIs(t, err, evidence.ErrInvalidPayload)
}

func TestCallerMetadataWins(t *testing.T) {
	c := collect(t, NewSonarQube(), Input{
		Payload:  []byte(`{"component":{"key":"svc","measures":[]}}`),
		Metadata: map[string]string{"project": "override", evidence.MetaCollectedAt: "2025-01-01T00:00:00Z"},
	})
	assert.Equal(t, "override", c.metadata["project"])
	assert.Equal(t, "2025-01-01T00:00:00Z", c.metadata[evidence.MetaCollectedAt])
	assert.Equal(t, "sonarqube", c.metadata[evidence.MetaTool])
}

func TestRegistry(t *testing.T) {
	r := Default()
	assert.Equal(t, []string{"checkov", "cloud-audit", "exception-register", "pr-review", "sonarqube", "terraform", "trivy", "zap"}, r.Tools())

	covered := map[evidence.Source]bool{}
	for _, name := range r.Tools() {
		a, ok := r.Get(name)
		require.True(t, ok)
		for _, s := range a.Sources() {
			covered[s] = true
		}
	}
	for _, s := range evidence.Sources() {
		if s == evidence.SourceAssetInventory {
			continue
		}
		assert.True(t, covered[s], "no adapter for %s", s)
	}

	_, ok := r.Get("nessus")
	assert.False(t, ok)
}

const mapping = `
version: 1.0.0
framework: CMMC-2.0
rules:
  - source: container-scan
    controls: [RA.L2-3.11.2]
  - source: sbom
    category: cyclonedx
    controls: [CM.L2-3.4.1]
`

// Adapters feed a real collector end to end.
func TestTrivyThroughCollector(t *testing.T) {
	ctx := context.Background()
	now := func() time.Time { return time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC) }

	store, err := artifacts.NewFileStore(t.TempDir())
	require.NoError(t, err)
	reg := controls.NewRegistry("", nil)
	_, err = reg.Load(ctx, []byte(mapping))
	require.NoError(t, err)
	l := ledger.NewMemoryLedger(ledger.WithClock(now))
	c := collector.New(reg, store.WithClock(now), l, collector.WithClock(now))

	sbom := []byte(`{"bomFormat":"CycloneDX","specVersion":"1.5","version":1,"components":[{"name":"zlib"}]}`)
	rec, err := NewTrivy().Collect(ctx, c, Input{Payload: sbom, CorrelationID: "sha256:feed"})
	require.NoError(t, err)
	assert.Equal(t, evidence.SourceSBOM, rec.Source)
	assert.Equal(t, []string{"CM.L2-3.4.1"}, rec.ControlIDs)
	assert.Equal(t, evidence.IntegrityVerified, rec.IntegrityState)

	// Same SBOM with different whitespace is the same evidence.
	again, err := NewTrivy().Collect(ctx, c, Input{
		Payload:       []byte("{\n  \"version\": 1, \"specVersion\": \"1.5\",\n  \"components\": [{\"name\": \"zlib\"}], \"bomFormat\": \"CycloneDX\"\n}"),
		CorrelationID: "sha256:feed",
	})
	require.NoError(t, err)
	assert.Equal(t, rec.ID, again.ID)

	head, err := l.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), head.Sequence)
}
