package adapters

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/attest/pkg/collector"
	"github.com/Mindburn-Labs/attest/pkg/evidence"
)

// PRApproval accepts pull_request_review webhook deliveries in the shape
// GitHub and Gitea send.
type PRApproval struct{ schema *jsonschema.Schema }

const prApprovalSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["action", "review", "pull_request", "repository"],
	"properties": {
		"action": {"type": "string"},
		"review": {
			"type": "object",
			"required": ["state", "user"],
			"properties": {
				"state": {"type": "string", "minLength": 1},
				"submitted_at": {"type": "string"},
				"user": {"type": "object", "required": ["login"]}
			}
		},
		"pull_request": {
			"type": "object",
			"required": ["number"],
			"properties": {"number": {"type": "integer", "minimum": 1}}
		},
		"repository": {
			"type": "object",
			"required": ["full_name"],
			"properties": {"full_name": {"type": "string", "minLength": 1}}
		}
	}
}`

func NewPRApproval() *PRApproval {
	return &PRApproval{schema: compileSchema("pr-approval", prApprovalSchema)}
}

func (*PRApproval) Tool() string               { return "pr-review" }
func (*PRApproval) Sources() []evidence.Source { return []evidence.Source{evidence.SourcePRApproval} }

func (a *PRApproval) Collect(ctx context.Context, ing collector.Ingester, in Input) (evidence.Record, error) {
	doc, err := decode(a.Tool(), a.schema, in.Payload)
	if err != nil {
		return evidence.Record{}, err
	}
	review := obj(doc, "review")
	pr := obj(doc, "pull_request")
	d := derived{
		source:      evidence.SourcePRApproval,
		category:    strings.ToLower(str(review, "state")),
		correlation: str(obj(doc, "repository"), "full_name") + "#" + str(pr, "number"),
		collectedAt: parseTime(str(review, "submitted_at")),
		extra: map[string]string{
			"reviewer":    str(obj(review, "user"), "login"),
			"base_branch": str(obj(pr, "base"), "ref"),
		},
	}
	if sha := str(obj(pr, "head"), "sha"); sha != "" {
		d.extra["head_sha"] = sha
	}
	return ingest(ctx, ing, a.Tool(), in, d)
}

// TerraformApply accepts the plain text log of `terraform apply`. The
// correlation id must be supplied since the log does not carry a run id.
type TerraformApply struct{}

func NewTerraformApply() *TerraformApply { return &TerraformApply{} }

func (*TerraformApply) Tool() string               { return "terraform" }
func (*TerraformApply) Sources() []evidence.Source { return []evidence.Source{evidence.SourceApplyLog} }

var (
	ansiEscape     = regexp.MustCompile(`\x1b\[[0-9;]*m`)
	applySummary   = regexp.MustCompile(`Apply complete! Resources: (\d+) added, (\d+) changed, (\d+) destroyed\.`)
	destroySummary = regexp.MustCompile(`Destroy complete! Resources: (\d+) destroyed\.`)
)

func (a *TerraformApply) Collect(ctx context.Context, ing collector.Ingester, in Input) (evidence.Record, error) {
	if len(bytes.TrimSpace(in.Payload)) == 0 {
		return evidence.Record{}, fmt.Errorf("%w: empty terraform log", evidence.ErrInvalidPayload)
	}
	d := derived{source: evidence.SourceApplyLog, category: "failed", extra: map[string]string{}}

	sc := bufio.NewScanner(bytes.NewReader(in.Payload))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	var sawTerraform bool
	for sc.Scan() {
		line := ansiEscape.ReplaceAllString(sc.Text(), "")
		if strings.Contains(line, "Terraform") || strings.Contains(line, "Resources:") || strings.HasPrefix(strings.TrimSpace(line), "Error:") {
			sawTerraform = true
		}
		if m := applySummary.FindStringSubmatch(line); m != nil {
			d.category = "apply"
			d.extra["added"], d.extra["changed"], d.extra["destroyed"] = m[1], m[2], m[3]
		}
		if m := destroySummary.FindStringSubmatch(line); m != nil {
			d.category = "destroy"
			d.extra["destroyed"] = m[1]
		}
	}
	if err := sc.Err(); err != nil {
		return evidence.Record{}, fmt.Errorf("%w: read terraform log: %v", evidence.ErrInvalidPayload, err)
	}
	if !sawTerraform {
		return evidence.Record{}, fmt.Errorf("%w: not a terraform apply log", evidence.ErrInvalidPayload)
	}
	return ingest(ctx, ing, a.Tool(), in, d)
}

// AccessLog accepts a batch of Cloud Audit Log entries as a JSON array.
type AccessLog struct{ schema *jsonschema.Schema }

const accessLogSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "array",
	"minItems": 1,
	"items": {
		"type": "object",
		"required": ["logName", "timestamp"],
		"properties": {
			"logName": {"type": "string", "minLength": 1},
			"timestamp": {"type": "string"},
			"insertId": {"type": "string"},
			"protoPayload": {"type": "object"}
		}
	}
}`

func NewAccessLog() *AccessLog {
	return &AccessLog{schema: compileSchema("access-log", accessLogSchema)}
}

func (*AccessLog) Tool() string               { return "cloud-audit" }
func (*AccessLog) Sources() []evidence.Source { return []evidence.Source{evidence.SourceAccessLog} }

func auditCategory(logName string) string {
	switch {
	case strings.Contains(logName, "activity"):
		return "admin-activity"
	case strings.Contains(logName, "data_access"):
		return "data-access"
	case strings.Contains(logName, "system_event"):
		return "system-event"
	case strings.Contains(logName, "policy"):
		return "policy-denied"
	}
	return "other"
}

func (a *AccessLog) Collect(ctx context.Context, ing collector.Ingester, in Input) (evidence.Record, error) {
	doc, err := decode(a.Tool(), a.schema, in.Payload)
	if err != nil {
		return evidence.Record{}, err
	}
	entries := doc.([]any)
	category := ""
	principals := map[string]struct{}{}
	var latest time.Time
	for _, e := range entries {
		c := auditCategory(str(e, "logName"))
		if category == "" {
			category = c
		} else if category != c {
			category = "mixed"
		}
		if p := str(obj(obj(e, "protoPayload"), "authenticationInfo"), "principalEmail"); p != "" {
			principals[p] = struct{}{}
		}
		if ts := parseTime(str(e, "timestamp")); ts.After(latest) {
			latest = ts
		}
	}
	first, last := str(entries[0], "insertId"), str(entries[len(entries)-1], "insertId")
	d := derived{
		source:      evidence.SourceAccessLog,
		category:    category,
		collectedAt: latest,
		extra: map[string]string{
			"entry_count":     itoa(len(entries)),
			"principal_count": itoa(len(principals)),
		},
	}
	if first != "" && last != "" {
		d.correlation = first + ".." + last
	}
	return ingest(ctx, ing, a.Tool(), in, d)
}

// PolicyException accepts an approved exception record. Exceptions are
// recorded like any other evidence; they do not alter completeness.
type PolicyException struct{ schema *jsonschema.Schema }

const policyExceptionSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["id", "justification", "approved_by", "expires_at"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"justification": {"type": "string", "minLength": 1},
		"approved_by": {"type": "string", "minLength": 1},
		"approved_at": {"type": "string"},
		"expires_at": {"type": "string", "format": "date-time"},
		"controls": {"type": "array", "items": {"type": "string"}}
	}
}`

func NewPolicyException() *PolicyException {
	return &PolicyException{schema: compileSchema("policy-exception", policyExceptionSchema)}
}

func (*PolicyException) Tool() string { return "exception-register" }
func (*PolicyException) Sources() []evidence.Source {
	return []evidence.Source{evidence.SourcePolicyException}
}

func (a *PolicyException) Collect(ctx context.Context, ing collector.Ingester, in Input) (evidence.Record, error) {
	doc, err := decode(a.Tool(), a.schema, in.Payload)
	if err != nil {
		return evidence.Record{}, err
	}
	expires := parseTime(str(doc, "expires_at"))
	if expires.IsZero() {
		return evidence.Record{}, fmt.Errorf("%w: exception expires_at %q is not RFC 3339", evidence.ErrInvalidPayload, str(doc, "expires_at"))
	}
	d := derived{
		source:      evidence.SourcePolicyException,
		category:    "approved",
		correlation: str(doc, "id"),
		collectedAt: parseTime(str(doc, "approved_at")),
		extra: map[string]string{
			"approved_by": str(doc, "approved_by"),
			"expires_at":  expires.UTC().Format(time.RFC3339),
		},
	}
	var ids []string
	for _, c := range arr(doc, "controls") {
		if s, ok := c.(string); ok {
			ids = append(ids, s)
		}
	}
	if len(ids) > 0 {
		d.extra["exception_controls"] = strings.Join(ids, ",")
	}
	return ingest(ctx, ing, a.Tool(), in, d)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func itoa(n int) string { return strconv.Itoa(n) }

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
