package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys used on attest spans.
var (
	AttrOperation     = attribute.Key("attest.operation")
	AttrOutcome       = attribute.Key("attest.outcome")
	AttrSource        = attribute.Key("attest.evidence.source")
	AttrTool          = attribute.Key("attest.evidence.tool")
	AttrRecordID      = attribute.Key("attest.evidence.id")
	AttrControlID     = attribute.Key("attest.control.id")
	AttrShard         = attribute.Key("attest.ledger.shard")
	AttrSequence      = attribute.Key("attest.ledger.sequence")
	AttrJob           = attribute.Key("attest.job")
	AttrIntegrityOK   = attribute.Key("attest.integrity.ok")
	AttrDedupReplayed = attribute.Key("attest.ingest.replayed")
)

// IngestOperation creates attributes for evidence ingestion.
func IngestOperation(source, tool string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrSource.String(source),
		AttrTool.String(tool),
	}
}

// LedgerOperation creates attributes for ledger reads and checks.
func LedgerOperation(shard string, sequence uint64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrShard.String(shard),
		AttrSequence.Int64(int64(sequence)),
	}
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// SetAttributes annotates the current span.
func SetAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).SetAttributes(attrs...)
}
