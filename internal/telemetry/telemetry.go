// Package telemetry wires OpenTelemetry metrics for the data engine.
package telemetry

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

// Init installs a global meter provider. Extra readers (exporters, manual
// readers in tests) may be supplied; without any the provider drops data.
func Init(ctx context.Context, service string, readers ...sdkmetric.Reader) (func(context.Context) error, error) {
	service = strings.TrimSpace(service)
	if service == "" {
		service = "tidemark"
	}
	res, err := resource.New(ctx, resource.WithAttributes(attribute.String("service.name", service)))
	if err != nil {
		return nil, err
	}
	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, reader := range readers {
		opts = append(opts, sdkmetric.WithReader(reader))
	}
	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)
	return mp.Shutdown, nil
}

// NewOTLPReader builds a periodic reader exporting metrics over OTLP/HTTP.
func NewOTLPReader(ctx context.Context, endpoint string, insecure bool) (sdkmetric.Reader, error) {
	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(endpoint)}
	if insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second)), nil
}

// Metrics holds the engine's instruments. A nil *Metrics is a valid no-op
// receiver so callers never need to guard.
type Metrics struct {
	processed  metric.Int64Counter
	dropped    metric.Int64Counter
	queueDepth metric.Int64UpDownCounter
	resyncs    metric.Int64Counter
	requests   metric.Float64Histogram
}

// NewMetrics builds the engine instruments on the global meter.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter("tidemark.engine")
	m := new(Metrics)
	var err error
	if m.processed, err = meter.Int64Counter("tidemark_items_processed_total",
		metric.WithDescription("Queue items fully processed"),
		metric.WithUnit("{item}")); err != nil {
		return nil, err
	}
	if m.dropped, err = meter.Int64Counter("tidemark_items_dropped_total",
		metric.WithDescription("Queue items dropped on failure"),
		metric.WithUnit("{item}")); err != nil {
		return nil, err
	}
	if m.queueDepth, err = meter.Int64UpDownCounter("tidemark_queue_depth",
		metric.WithDescription("Current depth per engine queue"),
		metric.WithUnit("{item}")); err != nil {
		return nil, err
	}
	if m.resyncs, err = meter.Int64Counter("tidemark_book_resyncs_total",
		metric.WithDescription("Order book resynchronizations"),
		metric.WithUnit("{resync}")); err != nil {
		return nil, err
	}
	if m.requests, err = meter.Float64Histogram("tidemark_request_seconds",
		metric.WithDescription("Historical request latency"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return m, nil
}

// Processed counts one fully processed item on the named queue.
func (m *Metrics) Processed(ctx context.Context, queue string) {
	if m == nil || m.processed == nil {
		return
	}
	m.processed.Add(ctx, 1, metric.WithAttributes(attribute.String("queue", queue)))
}

// Dropped counts one item abandoned after a processing failure.
func (m *Metrics) Dropped(ctx context.Context, queue string) {
	if m == nil || m.dropped == nil {
		return
	}
	m.dropped.Add(ctx, 1, metric.WithAttributes(attribute.String("queue", queue)))
}

// QueueDelta adjusts the depth gauge for the named queue.
func (m *Metrics) QueueDelta(ctx context.Context, queue string, delta int64) {
	if m == nil || m.queueDepth == nil {
		return
	}
	m.queueDepth.Add(ctx, delta, metric.WithAttributes(attribute.String("queue", queue)))
}

// Resync counts an order book resynchronization for the venue.
func (m *Metrics) Resync(ctx context.Context, venue string) {
	if m == nil || m.resyncs == nil {
		return
	}
	m.resyncs.Add(ctx, 1, metric.WithAttributes(attribute.String("venue", venue)))
}

// RequestLatency records the wall time of one historical request.
func (m *Metrics) RequestLatency(ctx context.Context, kind string, seconds float64) {
	if m == nil || m.requests == nil {
		return
	}
	m.requests.Record(ctx, seconds, metric.WithAttributes(attribute.String("kind", kind)))
}
