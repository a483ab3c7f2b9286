// Package telemetry owns the process's OpenTelemetry providers and the
// instrumentation scopes the runtime reports under.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/instrumentation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Scope is an instrumentation scope. Components get meters and tracers only
// through the scopes declared here.
type Scope string

const (
	ScopeHTTP    Scope = "kanri/http"
	ScopeRuntime Scope = "kanri/runtime"
	ScopeMission Scope = "kanri/mission"
	ScopeEvents  Scope = "kanri/events"
	ScopeStorage Scope = "kanri/storage"
)

// Scopes lists every declared scope.
func Scopes() []Scope {
	return []Scope{ScopeHTTP, ScopeRuntime, ScopeMission, ScopeEvents, ScopeStorage}
}

// Resource attribute keys describing how this process runs missions.
const (
	AttrStore                 = attribute.Key("kanri.store")
	AttrStepOrdering          = attribute.Key("kanri.step_ordering")
	AttrMaxConcurrentMissions = attribute.Key("kanri.runtime.max_concurrent_missions")
)

// stepDurationBuckets (ms) span quick echo calls up to ten-minute model
// calls; the SDK defaults stop at 10s.
var stepDurationBuckets = []float64{
	50, 250, 1000, 2500, 5000, 10000, 30000, 60000, 120000, 300000, 600000,
}

// Settings configures Init.
type Settings struct {
	// Endpoint is the OTLP/HTTP collector. Empty disables export.
	Endpoint    string
	Insecure    bool
	ServiceName string
	Version     string

	Store                 string // "postgres" or "sqlite"
	StepOrdering          string // ordering column in use
	MaxConcurrentMissions int    // startup value; PATCH changes are not reflected
}

// Shutdown flushes and stops the providers.
type Shutdown func(ctx context.Context) error

// ResourceAttributes returns the attributes attached to every span and
// metric this process exports.
func ResourceAttributes(s Settings) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(s.ServiceName),
		semconv.ServiceVersionKey.String(s.Version),
	}
	if s.Store != "" {
		attrs = append(attrs, AttrStore.String(s.Store))
	}
	if s.StepOrdering != "" {
		attrs = append(attrs, AttrStepOrdering.String(s.StepOrdering))
	}
	if s.MaxConcurrentMissions > 0 {
		attrs = append(attrs, AttrMaxConcurrentMissions.Int(s.MaxConcurrentMissions))
	}
	return attrs
}

// Init installs the global tracer and meter providers and the W3C
// propagators. Without an endpoint the globals stay no-op and the returned
// Shutdown does nothing. Call it before constructing any component that
// creates instruments.
func Init(ctx context.Context, s Settings) (Shutdown, error) {
	if s.Endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx, resource.WithAttributes(ResourceAttributes(s)...))
	if err != nil {
		return nil, fmt.Errorf("telemetry: create resource: %w", err)
	}

	tp, err := newTracerProvider(ctx, s, res)
	if err != nil {
		return nil, err
	}
	mp, err := newMeterProvider(ctx, s, res)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, err
	}
	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)

	// traceparent flows into outgoing model API calls.
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}

func newTracerProvider(ctx context.Context, s Settings, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(s.Endpoint)}
	if s.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exp, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create trace exporter: %w", err)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
	), nil
}

func newMeterProvider(ctx context.Context, s Settings, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(s.Endpoint)}
	if s.Insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	exp, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create metric exporter: %w", err)
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(15*time.Second))),
		sdkmetric.WithResource(res),
		sdkmetric.WithView(stepDurationView()),
	), nil
}

func stepDurationView() sdkmetric.View {
	return sdkmetric.NewView(
		sdkmetric.Instrument{Name: "kanri.step.duration", Scope: instrumentation.Scope{Name: string(ScopeMission)}},
		sdkmetric.Stream{Aggregation: sdkmetric.AggregationExplicitBucketHistogram{
			Boundaries: stepDurationBuckets,
		}},
	)
}

// Meter returns the global meter for scope.
func Meter(scope Scope) metric.Meter {
	return otel.GetMeterProvider().Meter(string(scope))
}

// Tracer returns the global tracer for scope.
func Tracer(scope Scope) trace.Tracer {
	return otel.Tracer(string(scope))
}
