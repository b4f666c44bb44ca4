package metrics

import (
	"context"
	"errors"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func find(t *testing.T, reader *sdkmetric.ManualReader, name string) *metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestRecordInference(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()
	m.RecordInference(ctx, "live", 0.2, nil)
	m.RecordInference(ctx, "commit", 0.4, errors.New("boom"))

	hist := find(t, reader, "loqa.live.inference.duration")
	if hist == nil {
		t.Fatal("duration histogram not found")
	}
	data, ok := hist.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("unexpected data type %T", hist.Data)
	}
	var total uint64
	for _, dp := range data.DataPoints {
		total += dp.Count
	}
	if total != 2 {
		t.Fatalf("expected 2 observations, got %d", total)
	}

	failures := find(t, reader, "loqa.live.inference.failures")
	if failures == nil {
		t.Fatal("failure counter not found")
	}
	sum := failures.Data.(metricdata.Sum[int64])
	if len(sum.DataPoints) != 1 || sum.DataPoints[0].Value != 1 {
		t.Fatalf("expected one failure, got %+v", sum.DataPoints)
	}
}

func TestRecordDeltaByKind(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()
	m.RecordDelta(ctx, "live")
	m.RecordDelta(ctx, "live")
	m.RecordDelta(ctx, "committed")

	deltas := find(t, reader, "loqa.live.deltas")
	if deltas == nil {
		t.Fatal("delta counter not found")
	}
	sum := deltas.Data.(metricdata.Sum[int64])
	if len(sum.DataPoints) != 2 {
		t.Fatalf("expected two attribute sets, got %d", len(sum.DataPoints))
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	if total != 3 {
		t.Fatalf("expected 3 deltas, got %d", total)
	}
}

func TestDefaultIsSingleton(t *testing.T) {
	if Default() != Default() {
		t.Fatal("expected the same default instance")
	}
}
