package telemetry

import (
	"context"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	metricSDK "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	traceSDK "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
)

// Config holds telemetry configuration for a service
type Config struct {
	ServiceName    string
	ServiceVersion string
	OTLPEndpoint   string
}

// Telemetry bundles the tracer and meter of a service with a cache of instruments
type Telemetry struct {
	tracer     trace.Tracer
	meter      metric.Meter
	config     Config
	counters   *xsync.MapOf[string, metric.Int64Counter]
	histograms *xsync.MapOf[string, metric.Float64Histogram]
	gauges     *xsync.MapOf[string, metric.Float64Gauge]
}

// NewTelemetry creates a telemetry instance over the global providers
func NewTelemetry(config Config) *Telemetry {
	return &Telemetry{
		config:     config,
		tracer:     otel.Tracer(config.ServiceName),
		meter:      otel.Meter(config.ServiceName),
		counters:   xsync.NewMapOf[string, metric.Int64Counter](),
		histograms: xsync.NewMapOf[string, metric.Float64Histogram](),
		gauges:     xsync.NewMapOf[string, metric.Float64Gauge](),
	}
}

// InitTelemetry installs OTLP trace and metric exporters plus the Prometheus
// metric reader as the global providers
func InitTelemetry(ctx context.Context, config Config) (*Telemetry, func(), error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(config.ServiceName),
			semconv.ServiceVersionKey.String(config.ServiceVersion),
		),
	)
	if err != nil {
		return nil, nil, err
	}

	traceProvider, traceShutdown, err := setupTracing(ctx, res, config.OTLPEndpoint)
	if err != nil {
		return nil, nil, err
	}

	meterProvider, metricShutdown, err := setupMetrics(ctx, res, config.OTLPEndpoint)
	if err != nil {
		traceShutdown()
		return nil, nil, err
	}

	otel.SetTracerProvider(traceProvider)
	otel.SetMeterProvider(meterProvider)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	shutdown := func() {
		traceShutdown()
		metricShutdown()
	}

	return NewTelemetry(config), shutdown, nil
}

func setupTracing(ctx context.Context, res *resource.Resource, otlpEndpoint string) (trace.TracerProvider, func(), error) {
	traceExporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(otlpEndpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, nil, err
	}

	traceProvider := traceSDK.NewTracerProvider(
		traceSDK.WithBatcher(traceExporter),
		traceSDK.WithResource(res),
		traceSDK.WithSampler(traceSDK.ParentBased(traceSDK.AlwaysSample())),
	)

	shutdown := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = traceProvider.Shutdown(ctx)
	}

	return traceProvider, shutdown, nil
}

func setupMetrics(ctx context.Context, res *resource.Resource, otlpEndpoint string) (metric.MeterProvider, func(), error) {
	prometheusExporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	otlpExporter, err := otlpmetrichttp.New(ctx,
		otlpmetrichttp.WithEndpoint(otlpEndpoint),
		otlpmetrichttp.WithInsecure(),
	)
	if err != nil {
		return nil, nil, err
	}

	meterProvider := metricSDK.NewMeterProvider(
		metricSDK.WithResource(res),
		metricSDK.WithReader(prometheusExporter),
		metricSDK.WithReader(metricSDK.NewPeriodicReader(otlpExporter,
			metricSDK.WithInterval(30*time.Second),
		)),
	)

	shutdown := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = meterProvider.Shutdown(ctx)
	}

	return meterProvider, shutdown, nil
}

func (t *Telemetry) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

func (t *Telemetry) GetMeter() metric.Meter {
	return t.meter
}

func (t *Telemetry) GetServiceName() string {
	return t.config.ServiceName
}

func (t *Telemetry) counter(name, description string) (metric.Int64Counter, error) {
	if c, ok := t.counters.Load(name); ok {
		return c, nil
	}
	c, err := t.meter.Int64Counter(name, metric.WithDescription(description))
	if err != nil {
		return nil, err
	}
	t.counters.Store(name, c)
	return c, nil
}

func (t *Telemetry) histogram(name, description string) (metric.Float64Histogram, error) {
	if h, ok := t.histograms.Load(name); ok {
		return h, nil
	}
	h, err := t.meter.Float64Histogram(name, metric.WithDescription(description))
	if err != nil {
		return nil, err
	}
	t.histograms.Store(name, h)
	return h, nil
}

func (t *Telemetry) gauge(name, description string) (metric.Float64Gauge, error) {
	if g, ok := t.gauges.Load(name); ok {
		return g, nil
	}
	g, err := t.meter.Float64Gauge(name, metric.WithDescription(description))
	if err != nil {
		return nil, err
	}
	t.gauges.Store(name, g)
	return g, nil
}

type contextKey string

const telemetryKey contextKey = "telemetry"

// WithTelemetry injects telemetry into context
func WithTelemetry(ctx context.Context, tel *Telemetry) context.Context {
	return context.WithValue(ctx, telemetryKey, tel)
}

// FromContext extracts telemetry from context
func FromContext(ctx context.Context) *Telemetry {
	if tel, ok := ctx.Value(telemetryKey).(*Telemetry); ok {
		return tel
	}
	return nil
}

var fallback = NewTelemetry(Config{ServiceName: "unknown"})

func fromContextOrFallback(ctx context.Context) *Telemetry {
	if tel := FromContext(ctx); tel != nil {
		return tel
	}
	return fallback
}

// StartSpan starts a span with the telemetry from context, or the global tracer
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return fromContextOrFallback(ctx).StartSpan(ctx, name, opts...)
}

// GetServiceName returns service name from context
func GetServiceName(ctx context.Context) string {
	if tel := FromContext(ctx); tel != nil {
		return tel.GetServiceName()
	}
	return "unknown"
}

// RecordCounter adds value to a counter
func RecordCounter(ctx context.Context, name, description string, value int64, attrs ...attribute.KeyValue) {
	tel := fromContextOrFallback(ctx)
	counter, err := tel.counter(name, description)
	if err != nil {
		return
	}
	attrs = append(attrs, attribute.String("service", tel.GetServiceName()))
	counter.Add(ctx, value, metric.WithAttributes(attrs...))
}

// RecordHistogram records a value in a histogram
func RecordHistogram(ctx context.Context, name, description string, value float64, attrs ...attribute.KeyValue) {
	tel := fromContextOrFallback(ctx)
	histogram, err := tel.histogram(name, description)
	if err != nil {
		return
	}
	attrs = append(attrs, attribute.String("service", tel.GetServiceName()))
	histogram.Record(ctx, value, metric.WithAttributes(attrs...))
}

// RecordGauge records the current value of a gauge
func RecordGauge(ctx context.Context, name, description string, value float64, attrs ...attribute.KeyValue) {
	tel := fromContextOrFallback(ctx)
	gauge, err := tel.gauge(name, description)
	if err != nil {
		return
	}
	attrs = append(attrs, attribute.String("service", tel.GetServiceName()))
	gauge.Record(ctx, value, metric.WithAttributes(attrs...))
}
