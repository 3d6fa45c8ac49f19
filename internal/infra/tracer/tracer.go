package tracer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"testscribe/internal/infra/config"
)

const serviceName = "testscribe"

// Shutdown flushes pending spans and releases the exporter.
type Shutdown func(context.Context) error

// Setup installs the global TracerProvider described by cfg. Spans carry
// the service name and version. A disabled or noop config installs the
// noop provider.
func Setup(ctx context.Context, cfg config.TracerConfig, version string) (Shutdown, error) {
	if !cfg.Enabled || cfg.Exporter == "" || cfg.Exporter == "noop" {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	out, closeOut, err := exportTarget(cfg)
	if err != nil {
		return nil, err
	}
	exp, err := stdouttrace.New(stdouttrace.WithWriter(out), stdouttrace.WithPrettyPrint())
	if err != nil {
		closeOut()
		return nil, fmt.Errorf("trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithSampler(sampler(cfg.SampleRatio)),
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", serviceName),
			attribute.String("service.version", version),
		)),
	)
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		err := tp.Shutdown(ctx)
		return errors.Join(err, closeOut())
	}, nil
}

func exportTarget(cfg config.TracerConfig) (io.Writer, func() error, error) {
	switch cfg.Exporter {
	case "stdout":
		return os.Stdout, func() error { return nil }, nil
	case "file":
		f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("open trace file: %w", err)
		}
		return f, f.Close, nil
	}
	return nil, nil, fmt.Errorf("unsupported exporter: %s", cfg.Exporter)
}

// sampler samples every trace unless ratio is a proper fraction.
func sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.AlwaysSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(serviceName).Start(ctx, name, opts...)
}

// RecordError marks the span failed with err.
func RecordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func SetOK(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// End sets the span status from err and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		RecordError(span, err)
	} else {
		SetOK(span)
	}
	span.End()
}

func StringAttr(key, value string) attribute.KeyValue { return attribute.String(key, value) }

func IntAttr(key string, value int) attribute.KeyValue { return attribute.Int(key, value) }

func BoolAttr(key string, value bool) attribute.KeyValue { return attribute.Bool(key, value) }
