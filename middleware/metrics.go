package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name for muster metrics.
const meterName = "github.com/musterhq/muster"

// Metrics returns middleware that records per-request metrics using the
// global OTel MeterProvider. If no MeterProvider is configured, noop
// instruments are used and this middleware becomes a pass-through.
//
// Instruments:
//   - muster.request.duration (Float64Histogram): handling time in
//     seconds, with attributes: method, status ("ok" or "error")
//   - muster.request.count (Int64Counter): total requests, with
//     attributes: method, status ("ok" or "error")
func Metrics() Middleware {
	meter := otel.Meter(meterName)
	return MetricsWithMeter(meter)
}

// MetricsWithMeter returns metrics middleware using the provided meter.
// This variant allows injecting a specific MeterProvider for testing.
func MetricsWithMeter(meter metric.Meter) Middleware {
	// Create instruments once at middleware construction time.
	// OTel instruments are safe for concurrent use. On error, the API
	// returns noop instruments so the middleware degrades gracefully.
	duration, dErr := meter.Float64Histogram(
		"muster.request.duration",
		metric.WithDescription("Duration of request handling in seconds"),
		metric.WithUnit("s"),
	)
	_ = dErr // noop fallback guaranteed by OTel API contract

	requests, rErr := meter.Int64Counter(
		"muster.request.count",
		metric.WithDescription("Total number of requests handled"),
		metric.WithUnit("{request}"),
	)
	_ = rErr // noop fallback guaranteed by OTel API contract

	return func(ctx context.Context, c *Call, next Handler) error {
		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start).Seconds()

		status := "ok"
		if err != nil {
			status = "error"
		}

		attrs := metric.WithAttributes(
			attribute.String("method", c.Method),
			attribute.String("status", status),
		)

		duration.Record(ctx, elapsed, attrs)
		requests.Add(ctx, 1, attrs)

		return err
	}
}
