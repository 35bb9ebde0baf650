package observability

import (
	"context"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"
)

type Observability struct {
	meterProvider      *metric.MeterProvider
	meter              otelmetric.Meter
	transitionCounter  otelmetric.Int64Counter
	transitionDuration otelmetric.Float64Histogram
}

func New(serviceName string) *Observability {
	exporter, err := prometheus.New()
	if err != nil {
		log.Printf("Failed to create Prometheus exporter: %v", err)
		return &Observability{}
	}

	provider := metric.NewMeterProvider(metric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter(serviceName)

	transitionCounter, _ := meter.Int64Counter(
		"lifecycle.transitions",
		otelmetric.WithDescription("Number of lifecycle transitions processed"),
	)

	transitionDuration, _ := meter.Float64Histogram(
		"lifecycle.transition.duration",
		otelmetric.WithDescription("Lifecycle transition processing duration"),
		otelmetric.WithUnit("ms"),
	)

	return &Observability{
		meterProvider:      provider,
		meter:              meter,
		transitionCounter:  transitionCounter,
		transitionDuration: transitionDuration,
	}
}

func (o *Observability) RecordTransition(ctx context.Context, operation, outcome string) {
	if o.transitionCounter != nil {
		o.transitionCounter.Add(ctx, 1, otelmetric.WithAttributes(
			attribute.String("operation", operation),
			attribute.String("outcome", outcome),
		))
	}
}

func (o *Observability) RecordTransitionDuration(ctx context.Context, duration time.Duration, operation string) {
	if o.transitionDuration != nil {
		o.transitionDuration.Record(ctx, float64(duration.Milliseconds()), otelmetric.WithAttributes(
			attribute.String("operation", operation),
		))
	}
}

func (o *Observability) Shutdown() {
	if o.meterProvider != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		o.meterProvider.Shutdown(ctx)
	}
}
