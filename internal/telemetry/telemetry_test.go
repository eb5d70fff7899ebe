package telemetry

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestMetricsRecord(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	shutdown, err := Init(ctx, "tidemark-test", reader)
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	defer func() { _ = shutdown(ctx) }()

	m, err := NewMetrics()
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}

	m.Processed(ctx, "data")
	m.Processed(ctx, "data")
	m.QueueDelta(ctx, "data", 1)
	m.Resync(ctx, "SIM")
	m.RequestLatency(ctx, "bar", 0.25)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	names := make(map[string]bool)
	for _, scope := range rm.ScopeMetrics {
		for _, metric := range scope.Metrics {
			names[metric.Name] = true
		}
	}
	for _, want := range []string{
		"tidemark_items_processed_total",
		"tidemark_queue_depth",
		"tidemark_book_resyncs_total",
		"tidemark_request_seconds",
	} {
		if !names[want] {
			t.Errorf("missing instrument %s in %v", want, names)
		}
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.Processed(ctx, "data")
	m.Dropped(ctx, "data")
	m.QueueDelta(ctx, "data", -1)
	m.Resync(ctx, "SIM")
	m.RequestLatency(ctx, "bar", 0)
}
