// Package telemetry installs the process OpenTelemetry providers.
//
// Nothing is installed unless the environment names an OTLP endpoint; the
// exporters read the rest of their configuration from the standard
// OTEL_EXPORTER_OTLP_* variables.
package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/log/global"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Enabled reports whether getenv names an OTLP endpoint.
func Enabled(getenv func(string) string) bool {
	return getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" ||
		getenv("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT") != "" ||
		getenv("OTEL_EXPORTER_OTLP_LOGS_ENDPOINT") != ""
}

// Provider owns the installed tracer and logger providers. A nil *Provider
// is valid and does nothing.
type Provider struct {
	name   string
	traces *sdktrace.TracerProvider
	logs   *sdklog.LoggerProvider
}

// Setup installs global tracer and logger providers exporting over
// OTLP/HTTP when Enabled. It returns nil if telemetry is not configured.
func Setup(ctx context.Context, service string) (*Provider, error) {
	if !Enabled(os.Getenv) {
		return nil, nil
	}
	res := resource.NewSchemaless(attribute.String("service.name", service))

	texp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, err
	}
	lexp, err := otlploghttp.New(ctx)
	if err != nil {
		return nil, errors.Join(err, texp.Shutdown(ctx))
	}
	p := Provider{
		name: service,
		traces: sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(texp),
			sdktrace.WithResource(res),
		),
		logs: sdklog.NewLoggerProvider(
			sdklog.WithProcessor(sdklog.NewBatchProcessor(lexp)),
			sdklog.WithResource(res),
		),
	}
	otel.SetTracerProvider(p.traces)
	global.SetLoggerProvider(p.logs)
	return &p, nil
}

// LogHandler returns a handler sending records to the logger provider, or
// nil if p is nil.
func (p *Provider) LogHandler() slog.Handler {
	if p == nil {
		return nil
	}
	return otelslog.NewHandler(p.name, otelslog.WithLoggerProvider(p.logs))
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	return errors.Join(p.traces.Shutdown(ctx), p.logs.Shutdown(ctx))
}
