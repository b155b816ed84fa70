// Package metrics wires the service's OpenTelemetry instruments.
package metrics

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics bundles the counters the daemon records.
type Metrics struct {
	EntriesWritten metric.Int64Counter
	JobsEnqueued   metric.Int64Counter
	JobsClaimed    metric.Int64Counter
	JobsCompleted  metric.Int64Counter
	JobsFailed     metric.Int64Counter
	JobsReclaimed  metric.Int64Counter

	provider *sdkmetric.MeterProvider
}

// New sets up a meter provider with a stdout exporter and registers the
// instruments. Pass exportToStdout=false in tests to keep the provider but
// skip the periodic reader.
func New(exportToStdout bool) (*Metrics, error) {
	var opts []sdkmetric.Option
	if exportToStdout {
		exporter, err := stdoutmetric.New()
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)))
	}
	provider := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(provider)

	meter := provider.Meter("quill")
	m := &Metrics{provider: provider}

	var err error
	if m.EntriesWritten, err = meter.Int64Counter("quill.entries.written"); err != nil {
		return nil, err
	}
	if m.JobsEnqueued, err = meter.Int64Counter("quill.jobs.enqueued"); err != nil {
		return nil, err
	}
	if m.JobsClaimed, err = meter.Int64Counter("quill.jobs.claimed"); err != nil {
		return nil, err
	}
	if m.JobsCompleted, err = meter.Int64Counter("quill.jobs.completed"); err != nil {
		return nil, err
	}
	if m.JobsFailed, err = meter.Int64Counter("quill.jobs.failed"); err != nil {
		return nil, err
	}
	if m.JobsReclaimed, err = meter.Int64Counter("quill.jobs.reclaimed"); err != nil {
		return nil, err
	}
	return m, nil
}

// Shutdown flushes and stops the provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}

// JobAttrs labels a job metric with its notebook and type.
func JobAttrs(notebookID, jobType string) metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.String("notebook", notebookID),
		attribute.String("job_type", jobType),
	)
}
