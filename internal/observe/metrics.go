// Package observe provides application-wide observability primitives for
// voicebridge: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voicebridge metrics.
const meterName = "github.com/MrWong99/voicebridge"

// Frame directions.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Drop reasons for [Metrics.RecordFrameDropped].
const (
	ReasonFormat       = "format"
	ReasonBackpressure = "backpressure"
	ReasonNotActive    = "not_active"
	ReasonQueueFull    = "queue_full"
	ReasonPlayoutFull  = "playout_full"
	ReasonNoSink       = "no_sink"
	ReasonStaleTrack   = "stale_track"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Audio path ---

	// FramesForwarded counts frames that crossed the bridge. Use with
	// attribute.String("direction", ...).
	FramesForwarded metric.Int64Counter

	// FramesDropped counts frames that were discarded. Use with attributes:
	//   attribute.String("direction", ...), attribute.String("reason", ...)
	FramesDropped metric.Int64Counter

	// --- Speech endpoint ---

	// SpeechSessions counts speech session outcomes. Use with attributes:
	//   attribute.String("endpoint", ...), attribute.String("status", ...)
	SpeechSessions metric.Int64Counter

	// SpeechErrors counts speech failures after the handshake. Use with
	// attribute.String("endpoint", ...).
	SpeechErrors metric.Int64Counter

	// SpeechConnectDuration tracks speech endpoint handshake latency.
	SpeechConnectDuration metric.Float64Histogram

	// BreakerTransitions counts speech circuit breaker state changes. Use with
	// attributes:
	//   attribute.String("breaker", ...), attribute.String("from", ...),
	//   attribute.String("to", ...)
	BreakerTransitions metric.Int64Counter

	// --- Transport ---

	// TransportConnectDuration tracks room join latency.
	TransportConnectDuration metric.Float64Histogram

	// --- Gauges ---

	// ActiveParticipants tracks the number of remote participants across
	// all bridges.
	ActiveParticipants metric.Int64UpDownCounter

	// ActiveBridges tracks the number of bridges in the Connected state.
	ActiveBridges metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// handshake latencies.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Counters.
	if met.FramesForwarded, err = m.Int64Counter("voicebridge.frames.forwarded",
		metric.WithDescription("Audio frames forwarded across the bridge by direction."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("voicebridge.frames.dropped",
		metric.WithDescription("Audio frames dropped by direction and reason."),
	); err != nil {
		return nil, err
	}
	if met.SpeechSessions, err = m.Int64Counter("voicebridge.speech.sessions",
		metric.WithDescription("Speech session outcomes by endpoint and status."),
	); err != nil {
		return nil, err
	}
	if met.SpeechErrors, err = m.Int64Counter("voicebridge.speech.errors",
		metric.WithDescription("Mid-session speech endpoint failures."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("voicebridge.speech.breaker.transitions",
		metric.WithDescription("Speech circuit breaker state changes."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.SpeechConnectDuration, err = m.Float64Histogram("voicebridge.speech.connect.duration",
		metric.WithDescription("Latency of the speech endpoint handshake."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TransportConnectDuration, err = m.Float64Histogram("voicebridge.transport.connect.duration",
		metric.WithDescription("Latency of joining the media room."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveParticipants, err = m.Int64UpDownCounter("voicebridge.active_participants",
		metric.WithDescription("Number of remote participants across all bridges."),
	); err != nil {
		return nil, err
	}
	if met.ActiveBridges, err = m.Int64UpDownCounter("voicebridge.active_bridges",
		metric.WithDescription("Number of bridges connected to a room."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voicebridge.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordFrameForwarded counts one frame that crossed the bridge.
func (m *Metrics) RecordFrameForwarded(ctx context.Context, direction string) {
	m.FramesForwarded.Add(ctx, 1,
		metric.WithAttributes(attribute.String("direction", direction)),
	)
}

// RecordFrameDropped counts one dropped frame.
func (m *Metrics) RecordFrameDropped(ctx context.Context, direction, reason string) {
	m.FramesDropped.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("direction", direction),
			attribute.String("reason", reason),
		),
	)
}

// RecordSpeechConnect records the outcome and latency of one speech handshake.
// status is "ok", "error", or "rejected" (circuit open).
func (m *Metrics) RecordSpeechConnect(ctx context.Context, endpoint, status string, d time.Duration) {
	m.SpeechSessions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("endpoint", endpoint),
			attribute.String("status", status),
		),
	)
	if status != "rejected" {
		m.SpeechConnectDuration.Record(ctx, d.Seconds(),
			metric.WithAttributes(attribute.String("endpoint", endpoint)),
		)
	}
}

// RecordSpeechError counts one mid-session speech failure.
func (m *Metrics) RecordSpeechError(ctx context.Context, endpoint string) {
	m.SpeechErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("endpoint", endpoint)),
	)
}

// RecordBreakerTransition counts one circuit breaker state change.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, breaker, from, to string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("breaker", breaker),
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordTransportConnect records the latency of one room join.
func (m *Metrics) RecordTransportConnect(ctx context.Context, status string, d time.Duration) {
	m.TransportConnectDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("status", status)),
	)
}
