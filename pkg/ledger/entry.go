// Package ledger implements the append-only, hash-chained manifest that
// records every evidence ingestion, control-mapping reload and archival.
//
// Each entry commits to its predecessor:
//
//	entry_hash = sha256(JCS(entry without entry_hash))
//
// and the first entry of a shard chains to ZeroDigest. Entries are never
// updated or deleted; archival and supersession are recorded as new entries.
package ledger

import (
	"fmt"
	"time"

	"github.com/Mindburn-Labs/attest/pkg/canonicalize"
	"github.com/Mindburn-Labs/attest/pkg/evidence"
	"github.com/Mindburn-Labs/attest/pkg/integrity"
)

// DefaultShard is used when no shard is configured.
const DefaultShard = "default"

// Kind tags the variant of an entry.
type Kind string

const (
	KindIngest         Kind = "ingest"
	KindRegistryReload Kind = "registry-reload"
	KindArchive        Kind = "archive"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindIngest, KindRegistryReload, KindArchive:
		return true
	}
	return false
}

// Entry is one immutable row of the manifest. Ingest entries carry the
// evidence columns; registry-reload entries carry the mapping version in
// Subject; archive entries name the archived record in Subject.
type Entry struct {
	Shard          string          `json:"shard"`
	Sequence       uint64          `json:"sequence_number"`
	Kind           Kind            `json:"kind"`
	ID             string          `json:"id"`
	Source         evidence.Source `json:"source,omitempty"`
	Category       string          `json:"category,omitempty"`
	CorrelationID  string          `json:"correlation_id,omitempty"`
	Tool           string          `json:"tool,omitempty"`
	CollectedAt    time.Time       `json:"collected_at"`
	PayloadRef     string          `json:"payload_ref,omitempty"`
	PayloadHash    string          `json:"payload_hash,omitempty"`
	PayloadSize    int64           `json:"payload_size,omitempty"`
	ControlIDs     []string        `json:"control_ids,omitempty"`
	RetentionClass string          `json:"retention_class,omitempty"`
	RetainUntil    time.Time       `json:"retain_until"`
	DedupKey       string          `json:"dedup_key,omitempty"`
	Supersedes     string          `json:"supersedes,omitempty"`
	Subject        string          `json:"subject,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
	PrevHash       string          `json:"prev_hash"`
	EntryHash      string          `json:"entry_hash,omitempty"`
}

// Head is the tip of a shard.
type Head struct {
	Shard    string `json:"shard"`
	Sequence uint64 `json:"sequence_number"`
	Hash     string `json:"head_hash"`
}

// ComputeHash returns the digest the entry must carry as EntryHash.
func ComputeHash(e Entry) (string, error) {
	e.EntryHash = ""
	h, err := canonicalize.CanonicalHash(e)
	if err != nil {
		return "", fmt.Errorf("failed to hash entry %d: %w", e.Sequence, err)
	}
	return h, nil
}

// Record projects an ingest entry onto the evidence model. Integrity state
// starts unverified; the query service fills it in.
func (e Entry) Record() evidence.Record {
	return evidence.Record{
		ID:             e.ID,
		Source:         e.Source,
		Category:       e.Category,
		CorrelationID:  e.CorrelationID,
		Tool:           e.Tool,
		CollectedAt:    e.CollectedAt,
		ControlIDs:     e.ControlIDs,
		PayloadRef:     e.PayloadRef,
		PayloadHash:    e.PayloadHash,
		PayloadSize:    e.PayloadSize,
		RetentionClass: e.RetentionClass,
		IntegrityState: evidence.IntegrityUnverified,
		Supersedes:     e.Supersedes,
		Sequence:       e.Sequence,
	}
}

// normalizeTime keeps timestamps at microsecond precision in UTC so that they
// survive a round trip through any backend unchanged.
func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	return t.UTC().Truncate(time.Microsecond)
}

func validate(e Entry) error {
	if !e.Kind.Valid() {
		return fmt.Errorf("invalid entry kind %q", e.Kind)
	}
	if e.ID == "" {
		return fmt.Errorf("entry id is required")
	}
	switch e.Kind {
	case KindIngest:
		if !e.Source.Valid() {
			return fmt.Errorf("ingest entry has invalid source %q", e.Source)
		}
		if len(e.ControlIDs) == 0 {
			return fmt.Errorf("ingest entry %s has no controls", e.ID)
		}
		if _, err := integrity.ParseDigest(e.PayloadHash); err != nil {
			return fmt.Errorf("ingest entry %s: %w", e.ID, err)
		}
		if e.PayloadRef == "" {
			return fmt.Errorf("ingest entry %s has no payload ref", e.ID)
		}
	case KindRegistryReload, KindArchive:
		if e.Subject == "" {
			return fmt.Errorf("%s entry requires a subject", e.Kind)
		}
	}
	return nil
}
