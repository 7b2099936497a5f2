// Package evidence defines the canonical evidence record shared by the
// collector, the store, the ledger and the query service, together with the
// error taxonomy every layer reports through.
package evidence

import (
	"fmt"
	"sort"
	"time"
)

// Source identifies the external tool category that produced a payload.
type Source string

const (
	SourceSAST            Source = "sast"
	SourceContainerScan   Source = "container-scan"
	SourceIaCPolicy       Source = "iac-policy"
	SourceDAST            Source = "dast"
	SourceSBOM            Source = "sbom"
	SourcePRApproval      Source = "pr-approval"
	SourceApplyLog        Source = "apply-log"
	SourceAccessLog       Source = "access-log"
	SourceAssetInventory  Source = "asset-inventory"
	SourcePolicyException Source = "policy-exception"
)

var knownSources = map[Source]struct{}{
	SourceSAST:            {},
	SourceContainerScan:   {},
	SourceIaCPolicy:       {},
	SourceDAST:            {},
	SourceSBOM:            {},
	SourcePRApproval:      {},
	SourceApplyLog:        {},
	SourceAccessLog:       {},
	SourceAssetInventory:  {},
	SourcePolicyException: {},
}

// Valid reports whether s is one of the known sources.
func (s Source) Valid() bool {
	_, ok := knownSources[s]
	return ok
}

// ParseSource converts a raw string into a Source, rejecting unknown values.
func ParseSource(raw string) (Source, error) {
	s := Source(raw)
	if !s.Valid() {
		return "", fmt.Errorf("%w: unknown source %q", ErrInvalidPayload, raw)
	}
	return s, nil
}

// Sources returns every known source in lexical order.
func Sources() []Source {
	out := make([]Source, 0, len(knownSources))
	for s := range knownSources {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// IntegrityState is the outcome of the most recent hash verification.
type IntegrityState string

const (
	IntegrityVerified   IntegrityState = "verified"
	IntegrityUnverified IntegrityState = "unverified"
	IntegrityCorrupt    IntegrityState = "corrupt"
)

// Metadata keys recognised by the collector.
const (
	MetaTool          = "tool"
	MetaCorrelationID = "correlation_id"
	MetaCategory      = "category"
	// MetaCollectedAt optionally carries the tool's own RFC 3339 run time.
	MetaCollectedAt = "collected_at"
)

// Record is one unit of proof. Records returned by the query service are
// read-only projections of a ledger entry joined with its stored payload.
type Record struct {
	ID             string         `json:"id"`
	Source         Source         `json:"source"`
	Category       string         `json:"category"`
	CorrelationID  string         `json:"correlation_id"`
	Tool           string         `json:"tool"`
	CollectedAt    time.Time      `json:"collected_at"`
	ControlIDs     []string       `json:"control_ids"`
	PayloadRef     string         `json:"payload_ref"`
	PayloadHash    string         `json:"payload_hash"`
	PayloadSize    int64          `json:"payload_size,omitempty"`
	RetentionClass string         `json:"retention_class"`
	IntegrityState IntegrityState `json:"integrity_state"`
	Supersedes     string         `json:"supersedes,omitempty"`
	SupersededBy   string         `json:"superseded_by,omitempty"`
	Archived       bool           `json:"archived,omitempty"`
	Sequence       uint64         `json:"sequence"`
}

// Summary is the compact form returned by list endpoints.
type Summary struct {
	ID             string         `json:"id"`
	Source         Source         `json:"source"`
	CollectedAt    time.Time      `json:"collected_at"`
	ControlIDs     []string       `json:"control_ids"`
	PayloadHash    string         `json:"payload_hash"`
	IntegrityState IntegrityState `json:"integrity_state"`
	Archived       bool           `json:"archived,omitempty"`
}

// Summary projects the record to its list form.
func (r Record) Summary() Summary {
	return Summary{
		ID:             r.ID,
		Source:         r.Source,
		CollectedAt:    r.CollectedAt,
		ControlIDs:     r.ControlIDs,
		PayloadHash:    r.PayloadHash,
		IntegrityState: r.IntegrityState,
		Archived:       r.Archived,
	}
}

// NormalizeControls sorts and deduplicates control identifiers.
func NormalizeControls(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ObjectKey returns the persisted layout
// {retention_class}/{source}/{yyyy}/{mm}/{dd}/{id}.
func ObjectKey(retentionClass string, source Source, collectedAt time.Time, id string) string {
	t := collectedAt.UTC()
	return fmt.Sprintf("%s/%s/%04d/%02d/%02d/%s", retentionClass, source, t.Year(), int(t.Month()), t.Day(), id)
}
