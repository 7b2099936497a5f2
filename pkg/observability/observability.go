// Package observability wires OpenTelemetry tracing and metrics for attestd.
//
// Every auditor-facing operation (ingest, query, verification, scheduled
// jobs) runs inside TrackOperation, which opens a span and records a count,
// a latency and an outcome. Outcomes are classified by evidence error kind so
// dashboards can separate integrity failures from outages. A nil or disabled
// Provider is a valid no-op.
package observability

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/credentials"

	"github.com/Mindburn-Labs/attest/pkg/evidence"
)

const scope = "github.com/Mindburn-Labs/attest"

// Config configures the OTLP exporters.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	// Endpoint is the collector's gRPC host:port.
	Endpoint   string
	Insecure   bool
	CAFile     string
	SampleRate float64
	// ExportInterval is how often metrics are pushed.
	ExportInterval time.Duration
}

// DefaultConfig returns defaults with telemetry disabled.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "attestd",
		ServiceVersion: "dev",
		Endpoint:       "localhost:4317",
		SampleRate:     1.0,
		ExportInterval: 30 * time.Second,
	}
}

// Provider owns the tracer and the operation instruments.
type Provider struct {
	tracer    trace.Tracer
	ops       metric.Int64Counter
	latency   metric.Float64Histogram
	inflight  metric.Int64UpDownCounter
	shutdowns []func(context.Context) error
}

// New builds a provider. With cfg.Enabled false nothing is exported and spans
// go to the global tracer.
func New(ctx context.Context, cfg *Config) (*Provider, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	logger := slog.Default().With("component", "observability")
	p := &Provider{}
	if !cfg.Enabled {
		logger.DebugContext(ctx, "telemetry disabled")
		return p, nil
	}

	creds, err := tlsCredentials(cfg)
	if err != nil {
		return nil, err
	}
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("otel resource: %w", err)
	}

	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.Endpoint)}
	if creds == nil {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	} else {
		traceOpts = append(traceOpts, otlptracegrpc.WithTLSCredentials(creds))
		metricOpts = append(metricOpts, otlpmetricgrpc.WithTLSCredentials(creds))
	}

	spans, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("otlp trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(spans),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	)
	p.shutdowns = append(p.shutdowns, tp.Shutdown)

	metrics, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		_ = p.Shutdown(ctx)
		return nil, fmt.Errorf("otlp metric exporter: %w", err)
	}
	interval := cfg.ExportInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metrics, sdkmetric.WithInterval(interval))),
	)
	p.shutdowns = append(p.shutdowns, mp.Shutdown)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	p.tracer = tp.Tracer(scope, trace.WithInstrumentationVersion(cfg.ServiceVersion))
	if err := p.instruments(mp.Meter(scope, metric.WithInstrumentationVersion(cfg.ServiceVersion))); err != nil {
		_ = p.Shutdown(ctx)
		return nil, err
	}

	logger.InfoContext(ctx, "telemetry exporting", "endpoint", cfg.Endpoint, "sample_rate", cfg.SampleRate, "tls", creds != nil)
	return p, nil
}

func tlsCredentials(cfg *Config) (credentials.TransportCredentials, error) {
	if cfg.Insecure {
		return nil, nil
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read otel CA: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("otel CA %s contains no certificates", cfg.CAFile)
		}
		tlsCfg.RootCAs = pool
	}
	return credentials.NewTLS(tlsCfg), nil
}

func (p *Provider) instruments(m metric.Meter) error {
	var err error
	if p.ops, err = m.Int64Counter("attest.operations",
		metric.WithDescription("Operations completed, by name and outcome"),
		metric.WithUnit("{operation}")); err != nil {
		return err
	}
	if p.latency, err = m.Float64Histogram("attest.operation.duration",
		metric.WithDescription("Operation latency"),
		metric.WithUnit("s"),
		// Ingest is bounded at 35s, jobs at 10m.
		metric.WithExplicitBucketBoundaries(0.005, 0.025, 0.1, 0.5, 1, 5, 35, 120, 600)); err != nil {
		return err
	}
	p.inflight, err = m.Int64UpDownCounter("attest.operations.inflight",
		metric.WithDescription("Operations in progress"),
		metric.WithUnit("{operation}"))
	return err
}

// Shutdown flushes and stops the exporters.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var errs []error
	for i := len(p.shutdowns) - 1; i >= 0; i-- {
		errs = append(errs, p.shutdowns[i](ctx))
	}
	p.shutdowns = nil
	return errors.Join(errs...)
}

// Tracer returns the provider's tracer, or the global one.
func (p *Provider) Tracer() trace.Tracer {
	if p == nil || p.tracer == nil {
		return otel.Tracer(scope)
	}
	return p.tracer
}

// Outcome classifies an operation result for the outcome attribute.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, evidence.ErrIntegrityViolation):
		return "integrity_violation"
	case errors.Is(err, evidence.ErrChainBroken):
		return "chain_broken"
	case errors.Is(err, evidence.ErrInvalidPayload), errors.Is(err, evidence.ErrUnmappedSource):
		return "rejected"
	case errors.Is(err, evidence.ErrRetentionLocked):
		return "retention_locked"
	case errors.Is(err, evidence.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, evidence.ErrStoreUnavailable):
		return "unavailable"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}
	return "error"
}

// TrackOperation opens a span named name and starts measuring. The returned
// function must be called exactly once with the operation's result.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	ctx, span := p.Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
	begin := time.Now()
	op := metric.WithAttributes(AttrOperation.String(name))
	if p != nil && p.inflight != nil {
		p.inflight.Add(ctx, 1, op)
	}

	return ctx, func(err error) {
		outcome := Outcome(err)
		span.SetAttributes(AttrOutcome.String(outcome))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
		}
		span.End()

		if p == nil || p.ops == nil {
			return
		}
		p.inflight.Add(ctx, -1, op)
		done := metric.WithAttributes(AttrOperation.String(name), AttrOutcome.String(outcome))
		p.ops.Add(ctx, 1, done)
		p.latency.Record(ctx, time.Since(begin).Seconds(), done)
	}
}
