package observe

import (
	"log/slog"
	"net/http"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.opentelemetry.io/otel/trace"
)

// DefaultQuietPaths are the health and scrape routes that are served without a
// span or a duration sample.
var DefaultQuietPaths = []string{"/healthz", "/readyz", "/metrics"}

// statusRecorder wraps [http.ResponseWriter] to capture the status code
// written by the downstream handler.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

// WriteHeader captures the status code and delegates to the wrapped writer.
func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

// MiddlewareOption configures [Middleware].
type MiddlewareOption func(*middleware)

type middleware struct {
	metrics *Metrics
	attrs   []attribute.KeyValue
	quiet   []string
	log     *slog.Logger
}

// WithServiceAttributes stamps every request span and completion log with
// kv, typically the bridge id and room name.
func WithServiceAttributes(kv ...attribute.KeyValue) MiddlewareOption {
	return func(m *middleware) { m.attrs = append(m.attrs, kv...) }
}

// WithQuietPaths replaces [DefaultQuietPaths]. Requests to these exact paths
// get no span and no duration sample and are logged at debug level.
func WithQuietPaths(paths ...string) MiddlewareOption {
	return func(m *middleware) { m.quiet = paths }
}

// WithMiddlewareLogger sets the base logger for completion records.
func WithMiddlewareLogger(l *slog.Logger) MiddlewareOption {
	return func(m *middleware) { m.log = l }
}

// Middleware returns an [http.Handler] wrapper for the bridge's status server.
//
// Outside the quiet paths it extracts W3C trace context, starts a server span
// carrying the service attributes, sets X-Correlation-ID, records
// [Metrics.HTTPRequestDuration] and logs completion with the trace ids.
func Middleware(m *Metrics, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	mw := &middleware{metrics: m, quiet: DefaultQuietPaths}
	for _, o := range opts {
		o(mw)
	}
	if mw.log == nil {
		mw.log = slog.Default()
	}
	prop := propagation.TraceContext{}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

			if slices.Contains(mw.quiet, r.URL.Path) {
				next.ServeHTTP(rec, r)
				mw.log.LogAttrs(r.Context(), slog.LevelDebug, "http: quiet path served",
					slog.String("path", r.URL.Path),
					slog.Int("status", rec.statusCode),
				)
				return
			}

			ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			spanAttrs := append([]attribute.KeyValue{
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.URLPath(r.URL.Path),
			}, mw.attrs...)
			ctx, span := StartSpan(ctx, "HTTP "+r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(spanAttrs...),
			)
			defer span.End()

			if cid := CorrelationID(ctx); cid != "" {
				w.Header().Set("X-Correlation-ID", cid)
			}
			prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

			next.ServeHTTP(rec, r.WithContext(ctx))

			duration := time.Since(start)
			mw.metrics.HTTPRequestDuration.Record(ctx, duration.Seconds(),
				metric.WithAttributes(
					attribute.String("method", r.Method),
					attribute.String("path", r.URL.Path),
				),
			)
			span.SetAttributes(semconv.HTTPResponseStatusCode(rec.statusCode))

			logAttrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.statusCode),
				slog.Duration("duration", duration),
			}
			for _, kv := range mw.attrs {
				logAttrs = append(logAttrs, slog.String(string(kv.Key), kv.Value.Emit()))
			}
			WithSpan(ctx, mw.log).LogAttrs(ctx, slog.LevelInfo, "http: request completed", logAttrs...)
		})
	}
}
