package tracing

import (
	"context"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	otelmetric "go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// SnapshotVersioner reports the currently active policy snapshot version,
// satisfied by *engine.PolicyDataStore via Current().Version().
type SnapshotVersioner interface {
	Version() uint64
}

// InstallStdoutMeterProvider builds a periodic-export MeterProvider writing
// JSON metric batches to w every interval, registers it as the global
// provider, and registers an observable gauge reporting store's active
// snapshot version on each collection. This is a second, independent
// metrics channel from the Prometheus one in internal/obs/metrics — it
// exercises the OTel metrics SDK directly rather than via the
// Prometheus-OTel bridge, since the corpus's full otel stack includes both.
func InstallStdoutMeterProvider(w io.Writer, interval time.Duration, store SnapshotVersioner) (shutdown func(context.Context) error, err error) {
	exporter, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
	if err != nil {
		return nil, err
	}
	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(mp)

	meter := mp.Meter("github.com/quorumauthz/core/internal/engine")
	_, err = meter.Int64ObservableGauge(
		"quorumauthz.snapshot_version",
		otelmetric.WithDescription("version of the currently active policy snapshot"),
		otelmetric.WithInt64Callback(func(_ context.Context, o otelmetric.Int64Observer) error {
			o.Observe(int64(store.Version()))
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	return mp.Shutdown, nil
}
