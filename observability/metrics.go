package observability

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

// MeterName is the instrumentation scope used for all tidelink instruments.
const MeterName = "github.com/tidesapp/tidelink"

var globalMeterProvider *sdkmetric.MeterProvider

// InitMetrics installs a global meter provider exporting to the default
// Prometheus registry.
func InitMetrics(serviceName string) (*sdkmetric.MeterProvider, error) {
	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(provider)

	globalMeterProvider = provider
	return provider, nil
}

// GetMeter returns a meter from the current global meter provider.
func GetMeter(name string) metric.Meter {
	return otel.Meter(name)
}

// Instruments records reliability-layer metrics. A nil *Instruments is valid
// and records nothing.
type Instruments struct {
	requests           metric.Int64Counter
	requestLatency     metric.Float64Histogram
	breakerTransitions metric.Int64Counter
	queueProcessed     metric.Int64Counter
	fallbackStage      metric.Int64Counter
}

// NewInstruments creates the instruments on the global meter provider.
func NewInstruments() (*Instruments, error) {
	meter := GetMeter(MeterName)

	requests, err := meter.Int64Counter(
		"tidelink.requests",
		metric.WithDescription("Messages handled, by outcome kind and source"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request counter: %w", err)
	}

	requestLatency, err := meter.Float64Histogram(
		"tidelink.request.latency",
		metric.WithDescription("End-to-end message processing latency"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create latency histogram: %w", err)
	}

	breakerTransitions, err := meter.Int64Counter(
		"tidelink.breaker.transitions",
		metric.WithDescription("Circuit breaker state transitions"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create breaker counter: %w", err)
	}

	queueProcessed, err := meter.Int64Counter(
		"tidelink.queue.processed",
		metric.WithDescription("Queued requests reaching a terminal outcome"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create queue counter: %w", err)
	}

	fallbackStage, err := meter.Int64Counter(
		"tidelink.fallback.stage",
		metric.WithDescription("Fallback stage attempts"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create fallback counter: %w", err)
	}

	return &Instruments{
		requests:           requests,
		requestLatency:     requestLatency,
		breakerTransitions: breakerTransitions,
		queueProcessed:     queueProcessed,
		fallbackStage:      fallbackStage,
	}, nil
}

// RecordRequest counts a handled message and its latency.
func (i *Instruments) RecordRequest(ctx context.Context, kind, source string, latency time.Duration) {
	if i == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("source", source),
	)
	i.requests.Add(ctx, 1, attrs)
	i.requestLatency.Record(ctx, float64(latency.Microseconds())/1000.0, attrs)
}

// RecordBreakerTransition counts a circuit state change.
func (i *Instruments) RecordBreakerTransition(ctx context.Context, endpoint, from, to string) {
	if i == nil {
		return
	}
	i.breakerTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// RecordQueueOutcome counts a queued request reaching outcome.
func (i *Instruments) RecordQueueOutcome(ctx context.Context, outcome string) {
	if i == nil {
		return
	}
	i.queueProcessed.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordFallbackStage counts one fallback stage attempt.
func (i *Instruments) RecordFallbackStage(ctx context.Context, stage string, success bool) {
	if i == nil {
		return
	}
	i.fallbackStage.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.String("success", strconv.FormatBool(success)),
	))
}

// ShutdownMetrics gracefully shuts down the meter provider.
func ShutdownMetrics(ctx context.Context) error {
	if globalMeterProvider != nil {
		return globalMeterProvider.Shutdown(ctx)
	}
	return nil
}
