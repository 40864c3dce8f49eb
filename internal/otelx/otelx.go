// Package otelx installs the global OpenTelemetry tracer provider and
// propagators.
package otelx

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/keithlinneman/lookupguard/internal/xerrors"
)

type Options struct {
	Enabled   bool
	Endpoint  string
	Insecure  bool
	Sample    float64
	Service   string
	Component string
	Version   string

	// Exporter replaces the OTLP gRPC exporter, Endpoint and Insecure are then unused
	Exporter sdktrace.SpanExporter
}

// ServiceName is Service.Component, or whichever one is set
func (o Options) ServiceName() string {
	switch {
	case o.Component == "":
		return o.Service
	case o.Service == "":
		return o.Component
	}
	return o.Service + "." + o.Component
}

// Init sets the global tracer provider. When disabled spans are still created
// so trace ids reach logs and response headers, they are just never exported.
func Init(ctx context.Context, o Options) (func(context.Context) error, error) {
	setPropagator()
	if !o.Enabled {
		otel.SetTracerProvider(sdktrace.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	exp := o.Exporter
	if exp == nil {
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(o.Endpoint),
		}
		if o.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}

		// by default this is a blocking call with no timeout
		// we are using a local collector that forwards to otlp
		// backends so setting this to 3 seconds is safe
		dialCtx, dialCancel := context.WithTimeout(ctx, 3*time.Second)
		defer dialCancel()
		var err error
		exp, err = otlptracegrpc.New(dialCtx, opts...)
		if err != nil {
			return nil, xerrors.Wrapf(err, "otlp exporter for %s", o.Endpoint)
		}
	}

	res, _ := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithOS(),
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(o.ServiceName()),
			semconv.ServiceVersionKey.String(o.Version),
		),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(
			sdktrace.TraceIDRatioBased(o.Sample),
		)),
		sdktrace.WithBatcher(exp,
			sdktrace.WithMaxQueueSize(2048),
			sdktrace.WithBatchTimeout(5*time.Second),
		),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func setPropagator() {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
}
