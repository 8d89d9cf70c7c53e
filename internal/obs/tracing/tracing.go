// Package tracing installs a stdout-exporting OpenTelemetry TracerProvider
// for the engine's in-process spans (one per Engine.Evaluate, one per
// compiler.Compile). There is no OTLP collector here, only a local exporter
// a host can inspect without standing one up.
package tracing

import (
	"context"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// InstallStdoutTracerProvider builds a TracerProvider that writes spans as
// JSON to w, registers it as the global provider via otel.SetTracerProvider,
// and returns a shutdown function the caller must invoke before exit.
func InstallStdoutTracerProvider(w io.Writer) (shutdown func(context.Context) error, err error) {
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
