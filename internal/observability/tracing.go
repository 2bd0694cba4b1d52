package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// TraceConfig configures Tracer construction.
type TraceConfig struct {
	// ServiceName identifies this process in trace backends.
	ServiceName string

	// ServiceVersion is attached as a resource attribute.
	ServiceVersion string

	// Environment (production, staging, dev) is attached when set.
	Environment string

	// Endpoint is the OTLP gRPC collector address. Empty disables
	// export: the Tracer then uses the global otel tracer, which is a
	// no-op (spans can be started and ended but record nothing) unless
	// a provider has been installed elsewhere.
	Endpoint string

	// SamplingRate in [0,1]; 0 means sample everything.
	SamplingRate float64

	// EnableInsecure disables TLS on the OTLP connection.
	EnableInsecure bool
}

// Tracer creates one span per driver operation: an iteration span for
// every backend call and an admission span for every observer
// handshake.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracer builds a Tracer and returns it with a shutdown function to
// flush on exit. Without an Endpoint (or if the exporter cannot be
// built) the returned Tracer is a no-op with a nil shutdown cost.
func NewTracer(cfg TraceConfig) (*Tracer, func(context.Context) error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "autocode-driver"
	}
	noop := func(context.Context) error { return nil }

	if cfg.Endpoint == "" {
		return &Tracer{tracer: otel.Tracer(cfg.ServiceName)}, noop
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.EnableInsecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptrace.New(context.Background(), otlptracegrpc.NewClient(opts...))
	if err != nil {
		return &Tracer{tracer: otel.Tracer(cfg.ServiceName)}, noop
	}

	attrs := []attribute.KeyValue{semconv.ServiceName(cfg.ServiceName)}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.ServiceVersion))
	}
	if cfg.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(cfg.Environment))
	}
	res, err := resource.New(context.Background(), resource.WithAttributes(attrs...))
	if err != nil {
		res = resource.Default()
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SamplingRate > 0 && cfg.SamplingRate < 1 {
		sampler = sdktrace.TraceIDRatioBased(cfg.SamplingRate)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Tracer{provider: provider, tracer: provider.Tracer(cfg.ServiceName)},
		func(ctx context.Context) error { return provider.Shutdown(ctx) }
}

// TraceIteration opens the span covering one backend call: prompt
// build, Execute, journal append, and analysis. End the returned span
// when the iteration's verdict is in.
func (t *Tracer) TraceIteration(ctx context.Context, sessionID string, n int, role string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "autopilot.iteration",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.Int("iteration.n", n),
			attribute.String("iteration.role", role),
		),
	)
}

// TraceObserverAdmission opens the span covering one observer
// handshake, keyed by the declared origin (no connection ID exists
// until admission succeeds).
func (t *Tracer) TraceObserverAdmission(ctx context.Context, origin string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "observerpool.admission",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("observer.origin", origin)),
	)
}

// RecordError marks span failed and records err on it. Nil-safe on
// both sides.
func (t *Tracer) RecordError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
