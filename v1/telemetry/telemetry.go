// Package telemetry configures error and trace reporting for each runtime
// surface of the notebook: the browser client, edge middleware and the
// server. Reporting is plain configuration; spans are exported through
// OpenTelemetry.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Surface is a runtime a reporter is initialized for.
type Surface string

const (
	SurfaceClient Surface = "client"
	SurfaceEdge   Surface = "edge"
	SurfaceServer Surface = "server"
)

// DefaultEndpoint is the ingestion endpoint every surface reports to.
const DefaultEndpoint = "http://localhost:4318/v1/traces"

// EnvironmentDevelopment disables reporting.
const EnvironmentDevelopment = "development"

var (
	ErrUnknownSurface = errors.New("telemetry: unknown surface")
	ErrSampleRate     = errors.New("telemetry: sample rate must be within [0, 1]")
)

// Options are the recognized reporter settings.
type Options struct {
	Surface     Surface
	ServiceName string
	Endpoint    string
	Enabled     bool
	// Debug prints spans to DebugWriter instead of exporting them.
	Debug       bool
	DebugWriter io.Writer
	// TracesSampleRate is the fraction of traces recorded.
	TracesSampleRate float64
	// Replay rates only apply to the client surface.
	ReplaysOnErrorSampleRate float64
	ReplaysSessionSampleRate float64
}

// DefaultOptions returns the settings for surface in the given environment.
// Tracing is sampled at 0.0 everywhere; the client additionally records a
// session replay for every error.
func DefaultOptions(surface Surface, environment string) Options {
	opts := Options{
		Surface:          surface,
		ServiceName:      "notelock-" + string(surface),
		Endpoint:         DefaultEndpoint,
		Enabled:          environment != EnvironmentDevelopment,
		TracesSampleRate: 0.0,
	}
	if surface == SurfaceClient {
		opts.ReplaysOnErrorSampleRate = 1.0
		opts.ReplaysSessionSampleRate = 0.0
	}
	return opts
}

// Validate reports the first invalid setting.
func (o Options) Validate() error {
	switch o.Surface {
	case SurfaceClient, SurfaceEdge, SurfaceServer:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownSurface, o.Surface)
	}
	for name, rate := range map[string]float64{
		"traces":           o.TracesSampleRate,
		"replays on error": o.ReplaysOnErrorSampleRate,
		"replays session":  o.ReplaysSessionSampleRate,
	} {
		if rate < 0 || rate > 1 {
			return fmt.Errorf("%w: %s = %v", ErrSampleRate, name, rate)
		}
	}
	if o.Enabled && !o.Debug && o.Endpoint == "" {
		return errors.New("telemetry: endpoint required when enabled")
	}
	return nil
}

// ShutdownFunc flushes and stops the reporter.
type ShutdownFunc func(context.Context) error

func noopShutdown(context.Context) error { return nil }

// Setup installs a global tracer provider for opts and returns its shutdown
// function. A disabled reporter installs nothing.
func Setup(ctx context.Context, opts Options) (ShutdownFunc, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if !opts.Enabled {
		return noopShutdown, nil
	}

	exp, err := newExporter(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create exporter: %w", err)
	}
	res := resource.NewSchemaless(
		attribute.String("service.name", opts.ServiceName),
		attribute.String("notelock.surface", string(opts.Surface)),
	)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(opts.TracesSampleRate))),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func newExporter(ctx context.Context, opts Options) (sdktrace.SpanExporter, error) {
	if opts.Debug {
		w := opts.DebugWriter
		if w == nil {
			w = os.Stdout
		}
		return stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	}
	return otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(opts.Endpoint))
}
