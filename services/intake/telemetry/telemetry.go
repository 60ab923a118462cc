// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry builds the OpenTelemetry tracer and meter providers
// for the intake service.
//
// Metrics are exported through the Prometheus registry so that otel
// instruments and promauto collectors share one /metrics endpoint.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Trace exporter names.
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
)

// ErrUnknownExporter is returned by Setup for an unrecognized exporter.
var ErrUnknownExporter = errors.New("telemetry: unknown trace exporter")

// Config selects exporters.
type Config struct {
	ServiceName    string
	ServiceVersion string

	// TraceExporter is one of none, stdout or otlp.
	TraceExporter string

	// OTLPEndpoint overrides OTEL_EXPORTER_OTLP_ENDPOINT. Empty keeps the
	// exporter's environment handling.
	OTLPEndpoint string

	// OTLPInsecure disables TLS for the OTLP connection.
	OTLPInsecure bool

	// SampleRatio is the root-span sampling ratio. Zero or >=1 samples all.
	SampleRatio float64

	// Registerer receives the Prometheus metric exporter. Nil uses
	// prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer

	// MetricsStdoutInterval, when positive, also dumps metrics to Writer on
	// that interval.
	MetricsStdoutInterval time.Duration

	// Writer receives stdout exporter output. Nil uses os.Stdout.
	Writer io.Writer
}

// Providers holds the configured providers.
//
// Thread Safety: Safe for concurrent use after Setup returns.
type Providers struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider

	logger *slog.Logger
}

// Setup builds the providers. It does not install them globally; call
// Install for that.
//
// Inputs:
//   - ctx: Used for exporter connection setup.
//   - cfg: Exporter selection.
//   - logger: May be nil.
//
// Outputs:
//   - *Providers: Caller must Shutdown it.
//   - error: ErrUnknownExporter or an exporter construction error.
func Setup(ctx context.Context, cfg Config, logger *slog.Logger) (*Providers, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "spotter-intake"
	}
	w := cfg.Writer
	if w == nil {
		w = os.Stdout
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("service.version", cfg.ServiceVersion),
		),
		resource.WithTelemetrySDK(),
	)
	if err != nil {
		return nil, fmt.Errorf("build resource: %w", err)
	}

	tp, err := newTracerProvider(ctx, cfg, res, w)
	if err != nil {
		return nil, err
	}

	mp, err := newMeterProvider(cfg, res, w)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, err
	}

	logger.Info("telemetry configured",
		slog.String("trace_exporter", exporterName(cfg.TraceExporter)),
		slog.Bool("metrics_stdout", cfg.MetricsStdoutInterval > 0),
	)
	return &Providers{TracerProvider: tp, MeterProvider: mp, logger: logger}, nil
}

func newTracerProvider(ctx context.Context, cfg Config, res *resource.Resource, w io.Writer) (*sdktrace.TracerProvider, error) {
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRatio)),
	}

	switch exporterName(cfg.TraceExporter) {
	case ExporterNone:
	case ExporterStdout:
		exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			return nil, fmt.Errorf("stdout trace exporter: %w", err)
		}
		// Synchronous export keeps stdout output ordered with logs.
		opts = append(opts, sdktrace.WithSyncer(exp))
	case ExporterOTLP:
		var gopts []otlptracegrpc.Option
		if cfg.OTLPEndpoint != "" {
			gopts = append(gopts, otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			gopts = append(gopts, otlptracegrpc.WithInsecure())
		}
		exp, err := otlptracegrpc.New(ctx, gopts...)
		if err != nil {
			return nil, fmt.Errorf("otlp trace exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownExporter, cfg.TraceExporter)
	}
	return sdktrace.NewTracerProvider(opts...), nil
}

func newMeterProvider(cfg Config, res *resource.Resource, w io.Writer) (*sdkmetric.MeterProvider, error) {
	reg := cfg.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	promExp, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return nil, fmt.Errorf("prometheus metric exporter: %w", err)
	}
	opts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExp),
	}
	if cfg.MetricsStdoutInterval > 0 {
		exp, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
		if err != nil {
			return nil, fmt.Errorf("stdout metric exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(cfg.MetricsStdoutInterval))))
	}
	return sdkmetric.NewMeterProvider(opts...), nil
}

func sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

func exporterName(name string) string {
	if name == "" {
		return ExporterNone
	}
	return name
}

// Install sets the providers and the W3C propagators as the otel globals.
func (p *Providers) Install() {
	otel.SetTracerProvider(p.TracerProvider)
	otel.SetMeterProvider(p.MeterProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
}

// Tracer returns a named tracer from the provider.
func (p *Providers) Tracer(name string) oteltrace.Tracer {
	return p.TracerProvider.Tracer(name)
}

// Meter returns a named meter from the provider.
func (p *Providers) Meter(name string) metric.Meter {
	return p.MeterProvider.Meter(name)
}

// Shutdown flushes and stops both providers. Errors from each are joined.
func (p *Providers) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	err := errors.Join(
		p.TracerProvider.Shutdown(ctx),
		p.MeterProvider.Shutdown(ctx),
	)
	if err != nil {
		p.logger.Warn("telemetry shutdown", slog.String("error", err.Error()))
	}
	return err
}
