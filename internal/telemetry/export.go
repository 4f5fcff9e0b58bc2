package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

var (
	ErrUnknownExporter = errors.New("unknown trace exporter")
)

// TraceOptions selects where spans go. An empty Exporter leaves the global
// no-op provider in place.
type TraceOptions struct {
	Exporter    string // "", "none" or "stdout"
	Writer      io.Writer
	ServiceName string
}

// InitTracing installs a global tracer provider and returns its shutdown.
func InitTracing(opts TraceOptions) (func(context.Context) error, error) {
	switch opts.Exporter {
	case "", "none":
		return func(context.Context) error { return nil }, nil
	case "stdout":
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownExporter, opts.Exporter)
	}

	exporterOpts := []stdouttrace.Option{stdouttrace.WithPrettyPrint()}
	if opts.Writer != nil {
		exporterOpts = append(exporterOpts, stdouttrace.WithWriter(opts.Writer))
	}
	exporter, err := stdouttrace.New(exporterOpts...)
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}
	name := opts.ServiceName
	if name == "" {
		name = "oldgen_gc"
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", name))),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// MetricsHandler serves the collector metrics in Prometheus text format.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
