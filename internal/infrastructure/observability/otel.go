package observability

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/zatekoja/hisprompt/backend"

// Metrics holds all application metrics
type Metrics struct {
	RequestCount       metric.Int64Counter
	RequestDuration    metric.Float64Histogram
	TransitionCount    metric.Int64Counter
	TransitionDuration metric.Float64Histogram
	SubmissionCount    metric.Int64Counter
	ReconcileIssues    metric.Int64Counter
	CallbackDelivery   metric.Int64Counter
}

// Setup initializes OpenTelemetry tracing, metric export and runtime metrics
func Setup(ctx context.Context, serviceName, serviceVersion, endpoint string) (func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, err
	}

	// Set up trace exporter
	traceExporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	// Set up trace provider
	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	// Set up metric exporter
	metricExporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		_ = tracerProvider.Shutdown(ctx)
		return nil, err
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(30*time.Second))),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(meterProvider)

	if err := runtime.Start(runtime.WithMinimumReadMemStatsInterval(15 * time.Second)); err != nil {
		_ = tracerProvider.Shutdown(ctx)
		_ = meterProvider.Shutdown(ctx)
		return nil, err
	}

	// Shutdown function
	shutdown := func(ctx context.Context) error {
		return errors.Join(
			tracerProvider.Shutdown(ctx),
			meterProvider.Shutdown(ctx),
		)
	}

	return shutdown, nil
}

// InitMetrics initializes application metrics
func InitMetrics() (*Metrics, error) {
	meter := otel.Meter(instrumentationName)

	requestCount, err := meter.Int64Counter(
		"http.server.request.count",
		metric.WithDescription("Number of HTTP requests"),
	)
	if err != nil {
		return nil, err
	}

	requestDuration, err := meter.Float64Histogram(
		"http.server.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	transitionCount, err := meter.Int64Counter(
		"prompt.transition.count",
		metric.WithDescription("Number of committed prompt status transitions"),
	)
	if err != nil {
		return nil, err
	}

	transitionDuration, err := meter.Float64Histogram(
		"prompt.transition.duration",
		metric.WithDescription("Time a prompt spent in its previous status"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	submissionCount, err := meter.Int64Counter(
		"prompt.submission.count",
		metric.WithDescription("Number of execution server submissions by outcome"),
	)
	if err != nil {
		return nil, err
	}

	reconcileIssues, err := meter.Int64Counter(
		"reconciliation.issue.count",
		metric.WithDescription("Number of reconciliation issues by type"),
	)
	if err != nil {
		return nil, err
	}

	callbackDelivery, err := meter.Int64Counter(
		"callback.delivery.count",
		metric.WithDescription("Number of callback fan-outs by outcome"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		RequestCount:       requestCount,
		RequestDuration:    requestDuration,
		TransitionCount:    transitionCount,
		TransitionDuration: transitionDuration,
		SubmissionCount:    submissionCount,
		ReconcileIssues:    reconcileIssues,
		CallbackDelivery:   callbackDelivery,
	}, nil
}

// StartSpan starts a new trace span
func StartSpan(ctx context.Context, spanName string) (context.Context, trace.Span) {
	tracer := otel.Tracer(instrumentationName)
	return tracer.Start(ctx, spanName)
}

// RecordError records an error in the current span
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
	}
}

// SetSpanAttributes sets attributes on a span
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	span.SetAttributes(attrs...)
}

// RecordRequestMetric records an HTTP request metric
func RecordRequestMetric(ctx context.Context, metrics *Metrics, method, path string, statusCode int, duration time.Duration) {
	if metrics == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("http.method", method),
		attribute.String("http.route", path),
		attribute.Int("http.status_code", statusCode),
	}

	metrics.RequestCount.Add(ctx, 1, metric.WithAttributes(attrs...))
	metrics.RequestDuration.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))
}

// RecordTransition records a committed prompt transition
func RecordTransition(ctx context.Context, metrics *Metrics, from, to string, inPrevious time.Duration) {
	if metrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("prompt.from_status", from),
		attribute.String("prompt.to_status", to),
	)
	metrics.TransitionCount.Add(ctx, 1, attrs)
	metrics.TransitionDuration.Record(ctx, float64(inPrevious.Milliseconds()), attrs)
}

// RecordSubmission records the outcome of one prompt submission
func RecordSubmission(ctx context.Context, metrics *Metrics, outcome string) {
	if metrics == nil {
		return
	}
	metrics.SubmissionCount.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordReconcileIssue records one detected reconciliation issue
func RecordReconcileIssue(ctx context.Context, metrics *Metrics, issueType string, fixed bool) {
	if metrics == nil {
		return
	}
	metrics.ReconcileIssues.Add(ctx, 1, metric.WithAttributes(
		attribute.String("issue.type", issueType),
		attribute.Bool("issue.fixed", fixed),
	))
}

// RecordCallbackDelivery records the outcome of one callback fan-out
func RecordCallbackDelivery(ctx context.Context, metrics *Metrics, delivered bool) {
	if metrics == nil {
		return
	}
	metrics.CallbackDelivery.Add(ctx, 1, metric.WithAttributes(attribute.Bool("delivered", delivered)))
}
