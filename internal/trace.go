package internal

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"runtime/trace"

	"go.opentelemetry.io/contrib/propagators/jaeger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	otrace "go.opentelemetry.io/otel/trace"
)

const tracerName = "shellsync"

// Span pairs a runtime/trace region with an OTLP span so both tools see the same operation.
type Span struct {
	region *trace.Region
	span   otrace.Span
}

// Fail records err on the span. A nil err is ignored so callers can pass their named return.
func (s *Span) Fail(err error) {
	if err == nil {
		return
	}
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}

func (s *Span) End() {
	s.region.End()
	s.span.End()
}

// StartSpan starts a span named name, tagged with the document and session held in a request
// context if there is one.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, *Span) {
	region := trace.StartRegion(ctx, name)
	if d := dataFromContext(ctx); d != nil {
		if d.documentID != "" {
			attrs = append(attrs, attribute.String("document", d.documentID))
		}
		if d.sessionID != "" {
			attrs = append(attrs, attribute.String("session", d.sessionID))
		}
	}
	newCtx, ospan := otel.Tracer(tracerName).Start(ctx, name, otrace.WithAttributes(attrs...))
	return newCtx, &Span{
		region: region,
		span:   ospan,
	}
}

// Logf adds a timestamped event to the current span and the runtime trace.
func Logf(ctx context.Context, category, format string, args ...interface{}) {
	trace.Logf(ctx, category, format, args...)
	otrace.SpanFromContext(ctx).AddEvent(fmt.Sprintf(format, args...), otrace.WithAttributes(
		attribute.String("category", category),
	))
}

// ConfigureOTLP installs a batching OTLP HTTP exporter as the global tracer provider. The
// returned func flushes and stops it.
func ConfigureOTLP(otlpURL, otlpUser, otlpPass, version string) (shutdown func(context.Context) error, err error) {
	u, err := url.Parse(otlpURL)
	if err != nil {
		return nil, err
	}
	if u.Path != "" && u.Path != "/" {
		return nil, fmt.Errorf("OTLP URL %s cannot contain any path segments", otlpURL)
	}
	insecure := u.Scheme == "http"

	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(u.Host),
	}
	if insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if otlpUser != "" && otlpPass != "" {
		creds := base64.StdEncoding.EncodeToString([]byte(otlpUser + ":" + otlpPass))
		opts = append(opts, otlptracehttp.WithHeaders(map[string]string{
			"Authorization": "Basic " + creds,
		}))
	}
	logger.Info().Str("host", u.Host).Bool("insecure", insecure).Msg("ConfigureOTLP")

	exp, err := otlptrace.New(context.Background(), otlptracehttp.NewClient(opts...))
	if err != nil {
		return nil, err
	}
	tp := tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exp),
		tracesdk.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName("shellsync"),
			attribute.String("version", version),
		)),
	)
	otel.SetTracerProvider(tp)
	// browsers send traceparent, older agents uber-trace-id
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.Baggage{}, propagation.TraceContext{}, jaeger.Jaeger{},
	))
	return tp.Shutdown, nil
}
