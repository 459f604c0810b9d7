// Package telemetry wires an opt-in OpenTelemetry tracer and meter
// provider writing to the proxy's own stderr. It is gated behind the
// DEBUG environment variable: a stdio subprocess proxy shouldn't print
// machine-readable spans onto a stream its children also use for
// diagnostics unless a developer asked for it, and there is no
// collector in this deployment shape to send an OTLP export to.
package telemetry

import (
	"context"
	"io"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	sdktrace "go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	otelmetric "go.opentelemetry.io/otel/sdk/metric"
	otelsdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Provider bundles the tracer and meter this process uses for its three
// genuinely variable-latency suspension points: the initialize fan-out,
// the tools/list fan-out, and an individual routed tools/call.
type Provider struct {
	enabled        bool
	tracerProvider *otelsdktrace.TracerProvider
	meterProvider  *otelmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
}

// New builds a Provider. When enabled is false (DEBUG not set) it
// returns a Provider backed by the global no-op implementations, so
// every caller can unconditionally call Tracer()/Meter() without a nil
// check.
func New(ctx context.Context, enabled bool, stderr io.Writer) (*Provider, error) {
	if !enabled {
		return &Provider{
			enabled: false,
			tracer:  otel.Tracer("codex-mcp-wrapper"),
			meter:   otel.Meter("codex-mcp-wrapper"),
		}, nil
	}

	traceExporter, err := sdktrace.New(sdktrace.WithWriter(stderr))
	if err != nil {
		return nil, err
	}
	tp := otelsdktrace.NewTracerProvider(otelsdktrace.WithBatcher(traceExporter))

	metricExporter, err := sdkmetric.New(sdkmetric.WithWriter(stderr))
	if err != nil {
		return nil, err
	}
	mp := otelmetric.NewMeterProvider(otelmetric.WithReader(otelmetric.NewPeriodicReader(metricExporter)))

	return &Provider{
		enabled:        true,
		tracerProvider: tp,
		meterProvider:  mp,
		tracer:         tp.Tracer("codex-mcp-wrapper"),
		meter:          mp.Meter("codex-mcp-wrapper"),
	}, nil
}

// Tracer returns the tracer every suspension point should start spans
// against.
func (p *Provider) Tracer() trace.Tracer { return p.tracer }

// Meter returns the meter for any OTel-based instrument.
func (p *Provider) Meter() metric.Meter { return p.meter }

// Shutdown flushes and tears down the SDK providers, if any were
// started.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || !p.enabled {
		return nil
	}
	if err := p.tracerProvider.Shutdown(ctx); err != nil {
		return err
	}
	return p.meterProvider.Shutdown(ctx)
}
