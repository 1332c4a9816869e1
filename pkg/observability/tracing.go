package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"

	cerrors "github.com/conduit-rpc/conduit-go/pkg/errors"
)

// ExporterType selects the trace exporter.
type ExporterType string

const (
	// ExporterOTLPGRPC exports traces via OTLP over gRPC.
	ExporterOTLPGRPC ExporterType = "otlp-grpc"

	// ExporterOTLPHTTP exports traces via OTLP over HTTP.
	ExporterOTLPHTTP ExporterType = "otlp-http"

	// ExporterNoop discards every span.
	ExporterNoop ExporterType = "noop"
)

// TracingConfig configures OpenTelemetry trace export.
type TracingConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	ExporterType ExporterType
	Endpoint     string
	Headers      map[string]string
	Insecure     bool

	// SampleRate between 0.0 and 1.0; zero means sample everything.
	SampleRate float64
}

// TracingProvider owns the tracer provider lifecycle.
type TracingProvider struct {
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer
}

// NewTracingProvider builds the exporter pipeline and installs the global
// tracer provider.
func NewTracingProvider(cfg TracingConfig) (*TracingProvider, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "conduit"
	}
	if cfg.ServiceVersion == "" {
		cfg.ServiceVersion = "unknown"
	}
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 1.0
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, cerrors.Wrap(err, cerrors.KindInternal, "failed to build trace resource")
	}

	exporter, err := newExporter(cfg)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(newSampler(cfg.SampleRate)),
	)
	otel.SetTracerProvider(tp)

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &TracingProvider{
		tracerProvider: tp,
		tracer:         tp.Tracer("conduit"),
	}, nil
}

func newExporter(cfg TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.ExporterType {
	case ExporterOTLPGRPC:
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
			otlptracegrpc.WithHeaders(cfg.Headers),
		}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		return otlptrace.New(context.Background(), otlptracegrpc.NewClient(opts...))

	case ExporterOTLPHTTP:
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(cfg.Endpoint),
			otlptracehttp.WithHeaders(cfg.Headers),
		}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptrace.New(context.Background(), otlptracehttp.NewClient(opts...))

	case ExporterNoop, "":
		return &noopExporter{}, nil

	default:
		return nil, cerrors.Validationf("unsupported trace exporter: %s", cfg.ExporterType)
	}
}

func newSampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1.0:
		return sdktrace.AlwaysSample()
	case rate <= 0.0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.TraceIDRatioBased(rate)
	}
}

// StartMethodSpan opens a span for one dispatched method.
func (tp *TracingProvider) StartMethodSpan(ctx context.Context, method string, kind trace.SpanKind) (context.Context, trace.Span) {
	return tp.tracer.Start(ctx, fmt.Sprintf("rpc.%s", method),
		trace.WithSpanKind(kind),
		trace.WithAttributes(attribute.String("rpc.method", method)),
	)
}

// RecordError marks the current span failed.
func (tp *TracingProvider) RecordError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// CallTracer spans outgoing client calls. It plugs into the client's tracer
// seam so the client engine never sees the otel types directly.
type CallTracer struct {
	provider *TracingProvider
}

// NewCallTracer adapts a tracing provider into a client call tracer.
func NewCallTracer(tp *TracingProvider) *CallTracer {
	return &CallTracer{provider: tp}
}

// StartCall opens a client-kind span for one call. The returned func settles
// the span with the call's outcome and ends it.
func (t *CallTracer) StartCall(ctx context.Context, method string) (context.Context, func(err error)) {
	ctx, span := t.provider.StartMethodSpan(ctx, method, trace.SpanKindClient)
	return ctx, func(err error) {
		if err != nil {
			t.provider.RecordError(ctx, err)
		}
		span.End()
	}
}

// Shutdown flushes and stops the exporter pipeline.
func (tp *TracingProvider) Shutdown(ctx context.Context) error {
	return tp.tracerProvider.Shutdown(ctx)
}

type noopExporter struct{}

func (noopExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error { return nil }
func (noopExporter) Shutdown(ctx context.Context) error                                   { return nil }
