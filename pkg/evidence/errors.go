package evidence

import (
	"errors"
	"fmt"
)

var (
	// ErrUnmappedSource fails ingestion closed: no evidence without a control linkage.
	ErrUnmappedSource = errors.New("unmapped evidence source")
	// ErrInvalidPayload rejects malformed or empty input.
	ErrInvalidPayload = errors.New("invalid evidence payload")
	// ErrRetentionLocked rejects deletion before the retention deadline.
	ErrRetentionLocked = errors.New("object is under retention lock")
	// ErrChainBroken reports ledger tampering or loss. Never silently repaired.
	ErrChainBroken = errors.New("ledger hash chain is broken")
	// ErrIntegrityViolation reports a stored payload whose hash no longer matches.
	ErrIntegrityViolation = errors.New("evidence integrity violation")
	// ErrStoreUnavailable is a transient storage failure and may be retried.
	ErrStoreUnavailable = errors.New("evidence store unavailable")
	// ErrTimeout reports a job or operation that exceeded its bound.
	ErrTimeout = errors.New("operation timed out")
	// ErrNotFound reports a record or object that does not exist.
	ErrNotFound = errors.New("evidence not found")
)

// ChainBrokenError carries the first sequence number at which verification failed.
type ChainBrokenError struct {
	Shard    string
	Sequence uint64
	Reason   string
}

func (e *ChainBrokenError) Error() string {
	return fmt.Sprintf("%s: shard %q sequence %d: %s", ErrChainBroken, e.Shard, e.Sequence, e.Reason)
}

func (e *ChainBrokenError) Unwrap() error { return ErrChainBroken }

// IntegrityError identifies the record whose payload failed verification.
type IntegrityError struct {
	RecordID string
	Expected string
	Actual   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("%s: record %s expected %s got %s", ErrIntegrityViolation, e.RecordID, e.Expected, e.Actual)
}

func (e *IntegrityError) Unwrap() error { return ErrIntegrityViolation }
