// Package observe provides application-wide observability primitives for the
// translation broker: OpenTelemetry metrics, distributed tracing, structured
// logging, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all broker metrics.
const meterName = "github.com/jcarpenter-uam/calc-translation"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// STTStreamDuration tracks the lifetime of one upstream STT stream, from
	// successful handshake to close.
	STTStreamDuration metric.Float64Histogram

	// CorrectionDuration tracks the latency of one correction task, including
	// the correction-model call and any retranslation.
	CorrectionDuration metric.Float64Histogram

	// SummaryDuration tracks the latency of per-language summary generation at
	// teardown.
	SummaryDuration metric.Float64Histogram

	// CorrectionDistance tracks the Levenshtein distance between an original
	// sentence and the correction model's rewrite. Zero-distance samples are
	// no-op verdicts that never reached viewers.
	CorrectionDistance metric.Int64Histogram

	// --- Counters ---

	// Broadcasts counts records fanned out to viewers. Use with attribute:
	//   attribute.String("type", ...)
	Broadcasts metric.Int64Counter

	// ViewerDrops counts viewers disconnected by the broker. Use with attribute:
	//   attribute.String("reason", ...)
	ViewerDrops metric.Int64Counter

	// STTReconnects counts transient upstream failures that triggered a
	// reconnect attempt.
	STTReconnects metric.Int64Counter

	// Corrections counts completed correction tasks. Use with attribute:
	//   attribute.String("applied", "true"|"false")
	Corrections metric.Int64Counter

	// ArtifactWrites counts WebVTT artifact writes at teardown. Use with
	// attribute:
	//   attribute.String("status", "ok"|"error")
	ArtifactWrites metric.Int64Counter

	// AudioBytes counts raw PCM bytes forwarded from producers to the STT
	// provider.
	AudioBytes metric.Int64Counter

	// ProviderErrors counts upstream provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live producer sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveViewers tracks the number of attached viewers across all sessions.
	// Use with attribute:
	//   attribute.String("language", ...)
	ActiveViewers metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// taskBuckets defines histogram bucket boundaries (in seconds) for
// model-backed tasks such as correction and summarisation.
var taskBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// distanceBuckets defines histogram bucket boundaries (in characters) for
// proposed-correction edit distances.
var distanceBuckets = []float64{
	0, 1, 2, 5, 10, 20, 50, 100,
}

// streamBuckets defines histogram bucket boundaries (in seconds) for
// long-lived upstream streams.
var streamBuckets = []float64{
	1, 5, 15, 60, 300, 900, 1800, 3600, 7200,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.STTStreamDuration, err = m.Float64Histogram("broker.stt.stream.duration",
		metric.WithDescription("Lifetime of one upstream STT stream."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(streamBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CorrectionDuration, err = m.Float64Histogram("broker.correction.duration",
		metric.WithDescription("Latency of one correction task."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(taskBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SummaryDuration, err = m.Float64Histogram("broker.summary.duration",
		metric.WithDescription("Latency of per-language summary generation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(taskBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CorrectionDistance, err = m.Int64Histogram("broker.correction.distance",
		metric.WithDescription("Levenshtein distance of a proposed correction."),
		metric.WithExplicitBucketBoundaries(distanceBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Broadcasts, err = m.Int64Counter("broker.broadcasts",
		metric.WithDescription("Total records fanned out to viewers, by record type."),
	); err != nil {
		return nil, err
	}
	if met.ViewerDrops, err = m.Int64Counter("broker.viewer.drops",
		metric.WithDescription("Total viewers disconnected by the broker, by reason."),
	); err != nil {
		return nil, err
	}
	if met.STTReconnects, err = m.Int64Counter("broker.stt.reconnects",
		metric.WithDescription("Total upstream STT reconnect attempts."),
	); err != nil {
		return nil, err
	}
	if met.Corrections, err = m.Int64Counter("broker.corrections",
		metric.WithDescription("Total completed correction tasks, by applied flag."),
	); err != nil {
		return nil, err
	}
	if met.ArtifactWrites, err = m.Int64Counter("broker.artifact.writes",
		metric.WithDescription("Total WebVTT artifact writes, by status."),
	); err != nil {
		return nil, err
	}
	if met.AudioBytes, err = m.Int64Counter("broker.audio.bytes",
		metric.WithDescription("Total raw PCM bytes forwarded to the STT provider."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("broker.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("broker.active_sessions",
		metric.WithDescription("Number of live producer sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveViewers, err = m.Int64UpDownCounter("broker.active_viewers",
		metric.WithDescription("Number of attached viewers across all sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("broker.http.request.duration",
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

// SessionStarted records a new live producer session.
func (m *Metrics) SessionStarted(ctx context.Context) {
	m.ActiveSessions.Add(ctx, 1)
}

// SessionEnded records the end of a producer session.
func (m *Metrics) SessionEnded(ctx context.Context) {
	m.ActiveSessions.Add(ctx, -1)
}

// ViewerAttached records a new attached viewer.
func (m *Metrics) ViewerAttached(ctx context.Context, language string) {
	m.ActiveViewers.Add(ctx, 1,
		metric.WithAttributes(attribute.String("language", language)),
	)
}

// ViewerDetached records a detached viewer.
func (m *Metrics) ViewerDetached(ctx context.Context, language string) {
	m.ActiveViewers.Add(ctx, -1,
		metric.WithAttributes(attribute.String("language", language)),
	)
}

// RecordBroadcast records one record fanned out to a session's viewers.
func (m *Metrics) RecordBroadcast(ctx context.Context, recordType string) {
	m.Broadcasts.Add(ctx, 1,
		metric.WithAttributes(attribute.String("type", recordType)),
	)
}

// RecordViewerDrop records a viewer disconnected by the broker.
func (m *Metrics) RecordViewerDrop(ctx context.Context, reason string) {
	m.ViewerDrops.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordSTTReconnect records a transient upstream failure that triggered a
// reconnect attempt.
func (m *Metrics) RecordSTTReconnect(ctx context.Context) {
	m.STTReconnects.Add(ctx, 1)
}

// RecordCorrection records a completed correction task. applied reports
// whether a correction record was actually broadcast.
func (m *Metrics) RecordCorrection(ctx context.Context, applied bool, seconds float64) {
	status := "false"
	if applied {
		status = "true"
	}
	m.Corrections.Add(ctx, 1,
		metric.WithAttributes(attribute.String("applied", status)),
	)
	m.CorrectionDuration.Record(ctx, seconds)
}

// RecordCorrectionDistance records the edit distance of one proposed
// correction, including zero-distance no-op verdicts.
func (m *Metrics) RecordCorrectionDistance(ctx context.Context, distance int) {
	m.CorrectionDistance.Record(ctx, int64(distance))
}

// RecordArtifactWrite records one WebVTT artifact write at teardown.
func (m *Metrics) RecordArtifactWrite(ctx context.Context, ok bool) {
	status := "ok"
	if !ok {
		status = "error"
	}
	m.ArtifactWrites.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
