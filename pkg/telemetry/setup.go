package telemetry

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

// Setup configures OpenTelemetry for the focus. The OTLP exporter takes
// precedence over Jaeger if both are configured. Returns the provider so the
// caller can shut it down on exit.
func Setup(config Config) (*tracesdk.TracerProvider, error) {
	res, err := NewResource(config)
	if err != nil {
		return nil, err
	}

	exporter, err := NewExporter(config)
	if err != nil {
		return nil, err
	}

	tp := NewTracerProvider(exporter, res)

	otel.SetTracerProvider(tp)
	tracer = otel.Tracer(packageName(config))

	// Context propagation for the OpenTelemetry SDK.
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return tp, nil
}

// NewTracerProvider puts the OTel pieces together: span processors that batch
// events towards the exporter, tagged with this service instance's resource.
func NewTracerProvider(exp tracesdk.SpanExporter, res *resource.Resource) *tracesdk.TracerProvider {
	return tracesdk.NewTracerProvider(
		tracesdk.WithSampler(tracesdk.AlwaysSample()),
		tracesdk.WithBatcher(exp),
		tracesdk.WithResource(res),
	)
}

// NewExporter builds the span exporter the config asks for.
func NewExporter(config Config) (tracesdk.SpanExporter, error) {
	if config.OTLP.Host != "" {
		options := []otlptracehttp.Option{otlptracehttp.WithEndpoint(config.OTLP.Host)}
		if !config.OTLP.Secure {
			options = append(options, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(context.Background(), options...)
	}

	if config.JaegerURL != "" {
		return jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(config.JaegerURL)))
	}

	return nil, fmt.Errorf("no telemetry exporter configured")
}

// NewResource identifies this service instance.
func NewResource(config Config) (*resource.Resource, error) {
	id := config.ID
	if id == "" {
		generated, err := uuid.NewRandom()
		if err != nil {
			return nil, err
		}
		id = generated.String()
	}

	return resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(packageName(config)),
		attribute.String("ID", id),
	), nil
}

func packageName(config Config) string {
	if config.Package != "" {
		return config.Package
	}
	return PACKAGE
}
