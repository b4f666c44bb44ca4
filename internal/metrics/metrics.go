// Package metrics holds the OpenTelemetry instruments recorded by the live
// transcription pipeline. The runtime installs a Prometheus-backed meter
// provider globally; tests build their own with NewMetrics and a manual reader.
package metrics

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/loqalabs/loqa-live"

// Metrics is safe for concurrent use.
type Metrics struct {
	// InferenceDuration is the wall time of one engine call, by kind and status.
	InferenceDuration metric.Float64Histogram
	// InferenceFailures counts engine errors by kind.
	InferenceFailures metric.Int64Counter
	// Superseded counts queued Live requests replaced before they ran.
	Superseded metric.Int64Counter
	// Deltas counts published transcript deltas by kind.
	Deltas metric.Int64Counter
	// Diagnostics counts published diagnostics by kind.
	Diagnostics metric.Int64Counter
	// BufferSamples is the segment buffer length observed at each step.
	BufferSamples metric.Int64Gauge
	// ActiveSessions is the number of running sessions.
	ActiveSessions metric.Int64UpDownCounter
}

var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 16, 32,
}

func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.InferenceDuration, err = m.Float64Histogram("loqa.live.inference.duration",
		metric.WithDescription("Latency of one speech-to-text engine call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.InferenceFailures, err = m.Int64Counter("loqa.live.inference.failures",
		metric.WithDescription("Engine calls that returned an error."),
	); err != nil {
		return nil, err
	}
	if met.Superseded, err = m.Int64Counter("loqa.live.inference.superseded",
		metric.WithDescription("Queued live requests replaced by a newer one."),
	); err != nil {
		return nil, err
	}
	if met.Deltas, err = m.Int64Counter("loqa.live.deltas",
		metric.WithDescription("Transcript deltas published by kind."),
	); err != nil {
		return nil, err
	}
	if met.Diagnostics, err = m.Int64Counter("loqa.live.diagnostics",
		metric.WithDescription("Diagnostics published by kind."),
	); err != nil {
		return nil, err
	}
	if met.BufferSamples, err = m.Int64Gauge("loqa.live.buffer.samples",
		metric.WithDescription("Samples held in the current segment buffer."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("loqa.live.sessions.active",
		metric.WithDescription("Number of running live sessions."),
	); err != nil {
		return nil, err
	}
	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// Default returns metrics bound to the global meter provider. The provider is
// a delegate until the runtime installs one, so instruments created early
// still report once telemetry is up.
func Default() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("metrics: create default instruments: " + err.Error())
		}
	})
	return defaultMetrics
}

func (m *Metrics) RecordInference(ctx context.Context, kind string, seconds float64, err error) {
	status := "ok"
	if err != nil {
		status = "error"
		m.InferenceFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	}
	m.InferenceDuration.Record(ctx, seconds, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("status", status),
	))
}

func (m *Metrics) RecordDelta(ctx context.Context, kind string) {
	m.Deltas.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *Metrics) RecordDiagnostic(ctx context.Context, kind string) {
	m.Diagnostics.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
