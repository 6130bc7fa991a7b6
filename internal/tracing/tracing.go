// Package tracing configures the OpenTelemetry tracer used for spans around
// plugin loads and lifecycle operations.
package tracing

import (
	"context"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	xerrors "PluginHost/internal/errors"
)

// Config configures tracing. When Enabled is false a no-op tracer is used.
type Config struct {
	Enabled bool `mapstructure:"enabled"`
	// Exporter is "stdout" or "none". "none" keeps span context for log
	// correlation without exporting.
	Exporter    string  `mapstructure:"exporter"`
	SampleRate  float64 `mapstructure:"sample_rate"`
	ServiceName string  `mapstructure:"service_name"`
	// Writer receives stdout exporter output; os.Stdout when nil.
	Writer io.Writer `mapstructure:"-"`
}

// Provider owns the tracer provider.
type Provider struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewProvider builds the provider described by cfg and installs it as the
// global provider when enabled.
func NewProvider(cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{tracer: noop.NewTracerProvider().Tracer("pluginhost")}, nil
	}

	service := cfg.ServiceName
	if service == "" {
		service = "pluginhost"
	}
	rate := cfg.SampleRate
	if rate <= 0 {
		rate = 1.0
	}
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", service))),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))),
	}

	switch cfg.Exporter {
	case "stdout":
		w := cfg.Writer
		if w == nil {
			w = os.Stdout
		}
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "create stdout exporter")
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	case "none", "":
	default:
		return nil, xerrors.Newf(xerrors.CodeConfiguration, "unsupported trace exporter %q", cfg.Exporter)
	}

	provider := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(provider)
	return &Provider{provider: provider, tracer: provider.Tracer(service)}, nil
}

// Tracer returns the tracer; it is a no-op tracer when tracing is disabled.
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// Enabled reports whether spans are recorded.
func (p *Provider) Enabled() bool {
	return p.provider != nil
}

// Shutdown flushes pending spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.provider == nil {
		return nil
	}
	return p.provider.Shutdown(ctx)
}
