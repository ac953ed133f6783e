package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Tracer returns a tracer for the given name
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// StartSpan starts a new span from context
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, name, opts...)
}

// StartServiceSpan starts a span for service operations
func StartServiceSpan(ctx context.Context, service, operation string) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("%s.%s", service, operation),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("service.component", service),
			attribute.String("service.operation", operation),
		),
	)
}

// StartClientSpan starts a span for an outbound call to the fleet server
func StartClientSpan(ctx context.Context, method, route string) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("%s %s", method, route),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.route", route),
		),
	)
}

// RecordError records an error on the span
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSuccess marks the span as successful
func SetSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// AddEvent adds an event to the span
func AddEvent(span trace.Span, name string, attrs ...attribute.KeyValue) {
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// FleetMetrics holds fleet business metrics. A nil *FleetMetrics records nothing.
type FleetMetrics struct {
	codesGenerated  metric.Int64Counter
	redemptions     metric.Int64Counter
	assignments     metric.Int64Counter
	syncFetches     metric.Int64Counter
	telemetryEvents metric.Int64Counter
	authAttempts    metric.Int64Counter
	tokensCollected metric.Int64Counter
}

// NewFleetMetrics creates fleet metrics instruments
func NewFleetMetrics() (*FleetMetrics, error) {
	meter := otel.Meter(instrumentationName)

	codesGenerated, err := meter.Int64Counter(
		"kioskfleet.enrollment.codes_generated",
		metric.WithDescription("Total number of enrollment codes issued"),
		metric.WithUnit("{codes}"),
	)
	if err != nil {
		return nil, err
	}

	redemptions, err := meter.Int64Counter(
		"kioskfleet.enrollment.redemptions",
		metric.WithDescription("Total number of enrollment code redemptions"),
		metric.WithUnit("{redemptions}"),
	)
	if err != nil {
		return nil, err
	}

	assignments, err := meter.Int64Counter(
		"kioskfleet.policy.assignments",
		metric.WithDescription("Total number of policy assignments"),
		metric.WithUnit("{assignments}"),
	)
	if err != nil {
		return nil, err
	}

	syncFetches, err := meter.Int64Counter(
		"kioskfleet.policy.sync_fetches",
		metric.WithDescription("Total number of device policy fetches"),
		metric.WithUnit("{fetches}"),
	)
	if err != nil {
		return nil, err
	}

	telemetryEvents, err := meter.Int64Counter(
		"kioskfleet.telemetry.events",
		metric.WithDescription("Total number of telemetry events ingested"),
		metric.WithUnit("{events}"),
	)
	if err != nil {
		return nil, err
	}

	authAttempts, err := meter.Int64Counter(
		"kioskfleet.auth.attempts",
		metric.WithDescription("Total number of device login attempts"),
		metric.WithUnit("{attempts}"),
	)
	if err != nil {
		return nil, err
	}

	tokensCollected, err := meter.Int64Counter(
		"kioskfleet.enrollment.tokens_collected",
		metric.WithDescription("Expired enrollment codes removed by maintenance"),
		metric.WithUnit("{tokens}"),
	)
	if err != nil {
		return nil, err
	}

	return &FleetMetrics{
		codesGenerated:  codesGenerated,
		redemptions:     redemptions,
		assignments:     assignments,
		syncFetches:     syncFetches,
		telemetryEvents: telemetryEvents,
		authAttempts:    authAttempts,
		tokensCollected: tokensCollected,
	}, nil
}

// RecordCodeGenerated records an issued enrollment code
func (m *FleetMetrics) RecordCodeGenerated(ctx context.Context, attempts int) {
	if m == nil {
		return
	}
	m.codesGenerated.Add(ctx, 1, metric.WithAttributes(attribute.Int("draw_attempts", attempts)))
}

// RecordRedemption records a redemption attempt
func (m *FleetMetrics) RecordRedemption(ctx context.Context, success bool) {
	if m == nil {
		return
	}
	m.redemptions.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", success)))
}

// RecordAssignment records a policy assignment attempt
func (m *FleetMetrics) RecordAssignment(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.assignments.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordSyncFetch records a device policy fetch
func (m *FleetMetrics) RecordSyncFetch(ctx context.Context, assigned bool) {
	if m == nil {
		return
	}
	m.syncFetches.Add(ctx, 1, metric.WithAttributes(attribute.Bool("assigned", assigned)))
}

// RecordTelemetryEvents records ingested telemetry events by type
func (m *FleetMetrics) RecordTelemetryEvents(ctx context.Context, eventType string, count int) {
	if m == nil {
		return
	}
	m.telemetryEvents.Add(ctx, int64(count), metric.WithAttributes(attribute.String("event_type", eventType)))
}

// RecordAuthAttempt records a login attempt
func (m *FleetMetrics) RecordAuthAttempt(ctx context.Context, success bool) {
	if m == nil {
		return
	}
	m.authAttempts.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", success)))
}

// RecordTokensCollected records expired tokens removed by a maintenance pass
func (m *FleetMetrics) RecordTokensCollected(ctx context.Context, count int) {
	if m == nil || count == 0 {
		return
	}
	m.tokensCollected.Add(ctx, int64(count))
}
