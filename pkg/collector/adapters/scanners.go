package adapters

import (
	"context"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/attest/pkg/collector"
	"github.com/Mindburn-Labs/attest/pkg/evidence"
)

// SonarQube accepts /api/measures/component and /api/issues/search
// responses.
type SonarQube struct{ schema *jsonschema.Schema }

const sonarSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"anyOf": [
		{
			"required": ["component"],
			"properties": {
				"component": {
					"type": "object",
					"required": ["key", "measures"],
					"properties": {
						"key": {"type": "string", "minLength": 1},
						"measures": {"type": "array"}
					}
				}
			}
		},
		{
			"required": ["issues"],
			"properties": {
				"issues": {"type": "array"},
				"components": {"type": "array"}
			}
		}
	]
}`

func NewSonarQube() *SonarQube {
	return &SonarQube{schema: compileSchema("sonarqube", sonarSchema)}
}

func (*SonarQube) Tool() string               { return "sonarqube" }
func (*SonarQube) Sources() []evidence.Source { return []evidence.Source{evidence.SourceSAST} }

func (a *SonarQube) Collect(ctx context.Context, ing collector.Ingester, in Input) (evidence.Record, error) {
	doc, err := decode(a.Tool(), a.schema, in.Payload)
	if err != nil {
		return evidence.Record{}, err
	}
	d := derived{source: evidence.SourceSAST}
	if c := obj(doc, "component"); c != nil {
		d.category = "measures"
		d.correlation = str(c, "key")
		d.extra = map[string]string{"project": str(c, "key")}
	} else {
		d.category = "issues"
		issues := arr(doc, "issues")
		if len(issues) > 0 {
			d.correlation = str(issues[0], "project")
		}
		d.extra = map[string]string{"issue_count": itoa(len(issues))}
	}
	return ingest(ctx, ing, a.Tool(), in, d)
}

// Trivy accepts vulnerability reports and the CycloneDX or SPDX SBOMs trivy
// generates. SBOMs are recorded under the sbom source.
type Trivy struct {
	report    *jsonschema.Schema
	cyclonedx *jsonschema.Schema
	spdx      *jsonschema.Schema
}

const trivyReportSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["SchemaVersion", "ArtifactName", "ArtifactType"],
	"properties": {
		"SchemaVersion": {"type": "integer"},
		"ArtifactName": {"type": "string", "minLength": 1},
		"ArtifactType": {"type": "string", "minLength": 1},
		"CreatedAt": {"type": "string"},
		"Results": {"type": "array"}
	}
}`

const cyclonedxSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["bomFormat", "specVersion", "version", "components"],
	"properties": {
		"bomFormat": {"const": "CycloneDX"},
		"specVersion": {"type": "string"},
		"version": {"type": "integer"},
		"components": {"type": "array"}
	}
}`

const spdxSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["spdxVersion", "name", "creationInfo", "packages"],
	"properties": {
		"spdxVersion": {"type": "string", "pattern": "^SPDX-"},
		"name": {"type": "string"},
		"creationInfo": {"type": "object"},
		"packages": {"type": "array"}
	}
}`

func NewTrivy() *Trivy {
	return &Trivy{
		report:    compileSchema("trivy-report", trivyReportSchema),
		cyclonedx: compileSchema("cyclonedx", cyclonedxSchema),
		spdx:      compileSchema("spdx", spdxSchema),
	}
}

func (*Trivy) Tool() string { return "trivy" }
func (*Trivy) Sources() []evidence.Source {
	return []evidence.Source{evidence.SourceContainerScan, evidence.SourceSBOM}
}

func (a *Trivy) Collect(ctx context.Context, ing collector.Ingester, in Input) (evidence.Record, error) {
	sniff, _ := decode(a.Tool(), anySchema, in.Payload)
	switch {
	case has(sniff, "bomFormat"):
		doc, err := decode(a.Tool(), a.cyclonedx, in.Payload)
		if err != nil {
			return evidence.Record{}, err
		}
		d := derived{source: evidence.SourceSBOM, category: "cyclonedx"}
		d.correlation = str(obj(obj(doc, "metadata"), "component"), "name")
		d.collectedAt = parseTime(str(obj(doc, "metadata"), "timestamp"))
		d.extra = map[string]string{"component_count": itoa(len(arr(doc, "components")))}
		return ingest(ctx, ing, a.Tool(), in, d)
	case has(sniff, "spdxVersion"):
		doc, err := decode(a.Tool(), a.spdx, in.Payload)
		if err != nil {
			return evidence.Record{}, err
		}
		d := derived{source: evidence.SourceSBOM, category: "spdx", correlation: str(doc, "name")}
		d.collectedAt = parseTime(str(obj(doc, "creationInfo"), "created"))
		d.extra = map[string]string{"component_count": itoa(len(arr(doc, "packages")))}
		return ingest(ctx, ing, a.Tool(), in, d)
	}

	doc, err := decode(a.Tool(), a.report, in.Payload)
	if err != nil {
		return evidence.Record{}, err
	}
	d := derived{
		source:      evidence.SourceContainerScan,
		category:    str(doc, "ArtifactType"),
		correlation: str(doc, "ArtifactName"),
		collectedAt: parseTime(str(doc, "CreatedAt")),
	}
	var vulns int
	for _, r := range arr(doc, "Results") {
		vulns += len(arr(r, "Vulnerabilities"))
	}
	d.extra = map[string]string{"vulnerability_count": itoa(vulns)}
	if digests := arr(obj(doc, "Metadata"), "RepoDigests"); len(digests) > 0 {
		if s, ok := digests[0].(string); ok {
			d.correlation = s
		}
	}
	return ingest(ctx, ing, a.Tool(), in, d)
}

// Checkov accepts `checkov -o json` output, either a single framework
// report or the list emitted when several frameworks ran.
type Checkov struct{ schema *jsonschema.Schema }

const checkovSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"$defs": {
		"report": {
			"type": "object",
			"required": ["check_type", "results", "summary"],
			"properties": {
				"check_type": {"type": "string", "minLength": 1},
				"results": {
					"type": "object",
					"properties": {
						"passed_checks": {"type": "array"},
						"failed_checks": {"type": "array"}
					}
				},
				"summary": {
					"type": "object",
					"required": ["passed", "failed"],
					"properties": {
						"passed": {"type": "integer", "minimum": 0},
						"failed": {"type": "integer", "minimum": 0}
					}
				}
			}
		}
	},
	"oneOf": [
		{"$ref": "#/$defs/report"},
		{"type": "array", "minItems": 1, "items": {"$ref": "#/$defs/report"}}
	]
}`

func NewCheckov() *Checkov {
	return &Checkov{schema: compileSchema("checkov", checkovSchema)}
}

func (*Checkov) Tool() string               { return "checkov" }
func (*Checkov) Sources() []evidence.Source { return []evidence.Source{evidence.SourceIaCPolicy} }

func (a *Checkov) Collect(ctx context.Context, ing collector.Ingester, in Input) (evidence.Record, error) {
	doc, err := decode(a.Tool(), a.schema, in.Payload)
	if err != nil {
		return evidence.Record{}, err
	}
	reports, ok := doc.([]any)
	if !ok {
		reports = []any{doc}
	}
	var types []string
	var failed int
	for _, r := range reports {
		types = append(types, str(r, "check_type"))
		failed += atoi(str(obj(r, "summary"), "failed"))
	}
	d := derived{
		source:   evidence.SourceIaCPolicy,
		category: strings.Join(types, "+"),
		extra:    map[string]string{"failed_checks": itoa(failed)},
	}
	return ingest(ctx, ing, a.Tool(), in, d)
}

// ZAP accepts the traditional JSON report from OWASP ZAP scans.
type ZAP struct{ schema *jsonschema.Schema }

const zapSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["@version", "site"],
	"properties": {
		"@version": {"type": "string"},
		"@generated": {"type": "string"},
		"site": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["@name", "alerts"],
				"properties": {
					"@name": {"type": "string", "minLength": 1},
					"alerts": {"type": "array"}
				}
			}
		}
	}
}`

func NewZAP() *ZAP {
	return &ZAP{schema: compileSchema("zap", zapSchema)}
}

func (*ZAP) Tool() string               { return "zap" }
func (*ZAP) Sources() []evidence.Source { return []evidence.Source{evidence.SourceDAST} }

// zapTimeLayout is the format of the report's @generated field.
const zapTimeLayout = "Mon, 2 Jan 2006 15:04:05"

func (a *ZAP) Collect(ctx context.Context, ing collector.Ingester, in Input) (evidence.Record, error) {
	doc, err := decode(a.Tool(), a.schema, in.Payload)
	if err != nil {
		return evidence.Record{}, err
	}
	sites := arr(doc, "site")
	var alerts, high int
	for _, s := range sites {
		for _, al := range arr(s, "alerts") {
			alerts++
			if str(al, "riskcode") == "3" {
				high++
			}
		}
	}
	d := derived{
		source:      evidence.SourceDAST,
		category:    "baseline",
		correlation: str(sites[0], "@name"),
		extra:       map[string]string{"alert_count": itoa(alerts), "high_risk_count": itoa(high)},
	}
	if t, err := time.Parse(zapTimeLayout, str(doc, "@generated")); err == nil {
		d.collectedAt = t
	}
	if len(sites) > 1 {
		d.category = "multi-site"
	}
	return ingest(ctx, ing, a.Tool(), in, d)
}

// anySchema accepts any JSON document.
var anySchema = compileSchema("any", `{"$schema": "https://json-schema.org/draft/2020-12/schema"}`)
