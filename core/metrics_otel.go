package core

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetrics implements Metrics using the OpenTelemetry metric API.
// Instruments are created lazily and cached by name. The global meter
// provider is used, so the caller controls exporters and aggregation.
type OTelMetrics struct {
	meter metric.Meter

	mu         sync.RWMutex
	counters   map[string]metric.Int64Counter
	histograms map[string]metric.Float64Histogram
}

// NewOTelMetrics creates a Metrics implementation backed by the global
// OpenTelemetry meter provider. The scope names the instrumenting library.
func NewOTelMetrics(scope string) *OTelMetrics {
	return &OTelMetrics{
		meter:      otel.GetMeterProvider().Meter(scope),
		counters:   make(map[string]metric.Int64Counter),
		histograms: make(map[string]metric.Float64Histogram),
	}
}

// Counter increments a named counter. Instrument creation errors are
// swallowed: metrics must never disturb the calling operation.
func (o *OTelMetrics) Counter(ctx context.Context, name string, delta int64, labels map[string]string) {
	c, err := o.counter(name)
	if err != nil {
		return
	}
	c.Add(ctx, delta, metric.WithAttributes(attrs(labels)...))
}

// Histogram records one observation for a named distribution.
func (o *OTelMetrics) Histogram(ctx context.Context, name string, value float64, labels map[string]string) {
	h, err := o.histogram(name)
	if err != nil {
		return
	}
	h.Record(ctx, value, metric.WithAttributes(attrs(labels)...))
}

func (o *OTelMetrics) counter(name string) (metric.Int64Counter, error) {
	o.mu.RLock()
	c, ok := o.counters[name]
	o.mu.RUnlock()
	if ok {
		return c, nil
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if c, ok := o.counters[name]; ok {
		return c, nil
	}
	c, err := o.meter.Int64Counter(name)
	if err != nil {
		return nil, err
	}
	o.counters[name] = c
	return c, nil
}

func (o *OTelMetrics) histogram(name string) (metric.Float64Histogram, error) {
	o.mu.RLock()
	h, ok := o.histograms[name]
	o.mu.RUnlock()
	if ok {
		return h, nil
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if h, ok := o.histograms[name]; ok {
		return h, nil
	}
	h, err := o.meter.Float64Histogram(name)
	if err != nil {
		return nil, err
	}
	o.histograms[name] = h
	return h, nil
}

func attrs(labels map[string]string) []attribute.KeyValue {
	if len(labels) == 0 {
		return nil
	}
	kvs := make([]attribute.KeyValue, 0, len(labels))
	for k, v := range labels {
		kvs = append(kvs, attribute.String(k, v))
	}
	return kvs
}
