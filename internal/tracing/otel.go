package tracing

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

var (
	providerOnce sync.Once
	providerMu   sync.RWMutex
	provider     *sdktrace.TracerProvider
	providerErr  error
)

// ProviderOptions configures the gateway's tracer provider.
type ProviderOptions struct {
	ServiceName string
	// SampleRatio is the fraction of new traces recorded, 0 through 1. Requests that arrive
	// with a sampled parent are always recorded.
	SampleRatio float64
	// Exporter receives finished spans in batches. Spans still feed trace ids into logs
	// when it is nil.
	Exporter sdktrace.SpanExporter
}

// NewProvider builds a tracer provider without installing it.
func NewProvider(opts ProviderOptions) (*sdktrace.TracerProvider, error) {
	if opts.SampleRatio < 0 || opts.SampleRatio > 1 {
		return nil, fmt.Errorf("sample ratio must be between 0 and 1, got %v", opts.SampleRatio)
	}
	name := opts.ServiceName
	if name == "" {
		name = "chatgate"
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(semconv.ServiceName(name)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build tracing resource: %w", err)
	}

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(opts.SampleRatio))),
		sdktrace.WithResource(res),
	}
	if opts.Exporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(opts.Exporter))
	}
	return sdktrace.NewTracerProvider(tpOpts...), nil
}

// InitOpenTelemetry installs the process-wide tracer provider. Only the first call takes
// effect; later calls return its result.
func InitOpenTelemetry(opts ProviderOptions) error {
	providerOnce.Do(func() {
		tp, err := NewProvider(opts)
		if err != nil {
			providerErr = err
			return
		}

		providerMu.Lock()
		provider = tp
		providerMu.Unlock()

		otel.SetTracerProvider(tp)
	})

	return providerErr
}

// ShutdownOpenTelemetry flushes and shuts down the global tracer provider.
func ShutdownOpenTelemetry(ctx context.Context) error {
	providerMu.RLock()
	tp := provider
	providerMu.RUnlock()
	if tp == nil {
		return nil
	}
	return tp.Shutdown(ctx)
}

// Tracer names used across the gateway.
const (
	TracerSession  = "chatgate.session"
	TracerDispatch = "chatgate.dispatch"
	TracerAPI      = "chatgate.api"
)

// StartSpan starts a span and records its trace id in the tracing context when none is set.
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}

	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, spanName, trace.WithAttributes(attrs...))

	if GetTraceID(ctx) == "" {
		sc := span.SpanContext()
		if sc.IsValid() {
			ctx = WithTraceID(ctx, sc.TraceID().String())
		}
	}

	return ctx, span
}
