package license

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	apperrors "bybx/internal/errors"
)

const (
	TracerName = "bybx-license"
	MeterName  = "bybx-license"
)

// Metrics holds the OpenTelemetry instruments of the open flow
type Metrics struct {
	OpensTotal          metric.Int64Counter
	ActivationAttempts  metric.Int64Counter
	ActivationDuration  metric.Float64Histogram
	ActivationRetries   metric.Int64Counter
	DecryptedBytes      metric.Int64Counter
	FingerprintDegraded metric.Int64Counter
}

// NewMetrics creates the open flow instruments on meter
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.OpensTotal, err = meter.Int64Counter(
		"bybx_opens_total",
		metric.WithDescription("Total number of envelope opens by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create opens counter: %w", err)
	}

	m.ActivationAttempts, err = meter.Int64Counter(
		"bybx_activation_attempts_total",
		metric.WithDescription("Total number of HTTP attempts against the activation service"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create activation attempts counter: %w", err)
	}

	m.ActivationDuration, err = meter.Float64Histogram(
		"bybx_activation_duration_seconds",
		metric.WithDescription("Bond and Verify duration including retries"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create activation duration histogram: %w", err)
	}

	m.ActivationRetries, err = meter.Int64Counter(
		"bybx_activation_retries_total",
		metric.WithDescription("Total number of retried activation attempts"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create activation retries counter: %w", err)
	}

	m.DecryptedBytes, err = meter.Int64Counter(
		"bybx_decrypted_bytes_total",
		metric.WithDescription("Total plaintext bytes released to consumers"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create decrypted bytes counter: %w", err)
	}

	m.FingerprintDegraded, err = meter.Int64Counter(
		"bybx_fingerprint_degraded_signals_total",
		metric.WithDescription("Fingerprint signals replaced by their fallback value"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create degraded signals counter: %w", err)
	}

	return m, nil
}

// defaultMetrics builds instruments on the global meter provider, which is
// a no-op until telemetry is initialized
func defaultMetrics() *Metrics {
	m, err := NewMetrics(otel.Meter(MeterName))
	if err != nil {
		return nil
	}
	return m
}

func (m *Metrics) recordOpen(ctx context.Context, err error, size int) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = apperrors.Classify(err).String()
	}
	m.OpensTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	if err == nil {
		m.DecryptedBytes.Add(ctx, int64(size))
	}
}

func (m *Metrics) recordActivation(ctx context.Context, op string, attempts int, duration time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "authorized"
	if err != nil {
		outcome = apperrors.Classify(err).String()
	}
	labels := metric.WithAttributes(
		attribute.String("operation", op),
		attribute.String("outcome", outcome),
	)
	m.ActivationAttempts.Add(ctx, int64(attempts), labels)
	m.ActivationDuration.Record(ctx, duration.Seconds(), labels)
	if attempts > 1 {
		m.ActivationRetries.Add(ctx, int64(attempts-1), metric.WithAttributes(attribute.String("operation", op)))
	}
}

func (m *Metrics) recordDegraded(ctx context.Context, signals []string) {
	if m == nil {
		return
	}
	for _, name := range signals {
		m.FingerprintDegraded.Add(ctx, 1, metric.WithAttributes(attribute.String("signal", name)))
	}
}

func tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

// endSpan records the outcome of a phase on span and ends it
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("bybx.error_kind", apperrors.Classify(err).String()))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
