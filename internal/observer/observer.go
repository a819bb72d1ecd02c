// Package observer provides OpenTelemetry observability for the
// orchestrator: request and cost metrics, latency histograms, and traces,
// exported over OTLP HTTP. Configuration follows the standard OTEL env
// vars (OTEL_EXPORTER_OTLP_ENDPOINT and friends).
package observer

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/nitad/sala/internal/observer"

// Instruments holds every instrument the subsystems record against.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter

	// Counters
	Requests        metric.Int64Counter // by tier attribute
	TokenUsage      metric.Int64Counter
	CostTotal       metric.Float64Counter
	IPCRejections   metric.Int64Counter
	QueueRejections metric.Int64Counter

	// Histograms
	RequestDuration metric.Float64Histogram
	AcquireDuration metric.Float64Histogram

	Cost *CostCalculator
}

// Init sets up trace and metric providers with OTLP HTTP exporters and
// returns a shutdown function for application exit.
func Init(ctx context.Context, pricing map[string]ModelPricing) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("sala")),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	metricExp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	inst, err := newInstruments(pricing)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}
	return inst, shutdown, nil
}

// NewNoop returns instruments backed by the global (by default no-op)
// providers, for runs without the observer enabled and for tests.
func NewNoop(pricing map[string]ModelPricing) *Instruments {
	inst, err := newInstruments(pricing)
	if err != nil {
		// The no-op meter never fails to create instruments.
		panic(err)
	}
	return inst
}

func newInstruments(pricing map[string]ModelPricing) (*Instruments, error) {
	tracer := otel.Tracer(scopeName)
	meter := otel.Meter(scopeName)

	requests, err := meter.Int64Counter("sala.requests",
		metric.WithDescription("Handled requests by routing tier"),
		metric.WithUnit("{request}"))
	if err != nil {
		return nil, err
	}
	tokenUsage, err := meter.Int64Counter("sala.token.usage",
		metric.WithDescription("Total tokens consumed"),
		metric.WithUnit("{token}"))
	if err != nil {
		return nil, err
	}
	costTotal, err := meter.Float64Counter("sala.cost.total",
		metric.WithDescription("Cumulative model cost in USD"),
		metric.WithUnit("USD"))
	if err != nil {
		return nil, err
	}
	ipcRejections, err := meter.Int64Counter("sala.ipc.rejections",
		metric.WithDescription("IPC messages rejected for bad signatures"),
		metric.WithUnit("{message}"))
	if err != nil {
		return nil, err
	}
	queueRejections, err := meter.Int64Counter("sala.queue.rejections",
		metric.WithDescription("Queue entries rejected at capacity"),
		metric.WithUnit("{entry}"))
	if err != nil {
		return nil, err
	}
	requestDuration, err := meter.Float64Histogram("sala.request.duration",
		metric.WithDescription("End-to-end request latency"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	acquireDuration, err := meter.Float64Histogram("sala.container.acquire.duration",
		metric.WithDescription("Warm-pool acquisition latency"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Tracer:          tracer,
		Meter:           meter,
		Requests:        requests,
		TokenUsage:      tokenUsage,
		CostTotal:       costTotal,
		IPCRejections:   ipcRejections,
		QueueRejections: queueRejections,
		RequestDuration: requestDuration,
		AcquireDuration: acquireDuration,
		Cost:            NewCostCalculator(pricing),
	}, nil
}
