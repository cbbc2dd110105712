// Package observe provides application-wide observability primitives for
// retargetd: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
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

// meterName is the instrumentation scope name used for all retargetd metrics.
const meterName = "github.com/dubforge/retargetd"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage (spec.md §4.7) ---

	// FetchDuration tracks source audio download latency.
	FetchDuration metric.Float64Histogram

	// SeparationDuration tracks background/vocal source separation latency.
	SeparationDuration metric.Float64Histogram

	// ReferenceBuildDuration tracks speaker reference clip extraction latency.
	ReferenceBuildDuration metric.Float64Histogram

	// SynthesisDuration tracks a single TTS vendor call's latency.
	SynthesisDuration metric.Float64Histogram

	// CombineDuration tracks the segment combiner's mixdown latency.
	CombineDuration metric.Float64Histogram

	// UploadDuration tracks the final mix upload latency.
	UploadDuration metric.Float64Histogram

	// --- Counters ---

	// JobsCompleted counts jobs that reached the completed state.
	JobsCompleted metric.Int64Counter

	// JobsFailed counts jobs that reached the failed state, by reason kind.
	JobsFailed metric.Int64Counter

	// TTSRetries counts TTS synthesis retry attempts, by upstream status.
	TTSRetries metric.Int64Counter

	// --- Gauges ---

	// QueueDepth tracks the number of jobs currently queued or processing.
	QueueDepth metric.Int64UpDownCounter

	// ActiveWorkers tracks the number of queue workers currently claiming a job.
	ActiveWorkers metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds), sized for
// media-pipeline stages that run from sub-second probes to multi-minute
// synthesis batches.
var latencyBuckets = []float64{
	0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Stage histograms.
	if met.FetchDuration, err = m.Float64Histogram("retargetd.fetch.duration",
		metric.WithDescription("Latency of source audio download."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SeparationDuration, err = m.Float64Histogram("retargetd.separation.duration",
		metric.WithDescription("Latency of background/vocal source separation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ReferenceBuildDuration, err = m.Float64Histogram("retargetd.reference_build.duration",
		metric.WithDescription("Latency of speaker reference clip extraction."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SynthesisDuration, err = m.Float64Histogram("retargetd.synthesis.duration",
		metric.WithDescription("Latency of a single TTS vendor call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CombineDuration, err = m.Float64Histogram("retargetd.combine.duration",
		metric.WithDescription("Latency of segment combiner mixdown."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.UploadDuration, err = m.Float64Histogram("retargetd.upload.duration",
		metric.WithDescription("Latency of final mix upload."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.JobsCompleted, err = m.Int64Counter("retargetd.jobs.completed",
		metric.WithDescription("Total jobs that reached the completed state."),
	); err != nil {
		return nil, err
	}
	if met.JobsFailed, err = m.Int64Counter("retargetd.jobs.failed",
		metric.WithDescription("Total jobs that reached the failed state, by reason kind."),
	); err != nil {
		return nil, err
	}
	if met.TTSRetries, err = m.Int64Counter("retargetd.tts.retries",
		metric.WithDescription("Total TTS synthesis retry attempts, by upstream status."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.QueueDepth, err = m.Int64UpDownCounter("retargetd.queue.depth",
		metric.WithDescription("Number of jobs currently queued or processing."),
	); err != nil {
		return nil, err
	}
	if met.ActiveWorkers, err = m.Int64UpDownCounter("retargetd.active_workers",
		metric.WithDescription("Number of queue workers currently claiming a job."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("retargetd.http.request.duration",
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

// RecordStageDuration records a pipeline stage's latency against the
// matching histogram. Unknown stage names are dropped silently so that a
// caller never needs to guard the call with a switch of its own.
func (m *Metrics) RecordStageDuration(ctx context.Context, stage string, seconds float64) {
	var h metric.Float64Histogram
	switch stage {
	case "fetch":
		h = m.FetchDuration
	case "separate":
		h = m.SeparationDuration
	case "build_references":
		h = m.ReferenceBuildDuration
	case "synthesize":
		h = m.SynthesisDuration
	case "combine":
		h = m.CombineDuration
	case "upload":
		h = m.UploadDuration
	default:
		return
	}
	h.Record(ctx, seconds)
}

// RecordJobCompleted increments the completed-jobs counter.
func (m *Metrics) RecordJobCompleted(ctx context.Context) {
	m.JobsCompleted.Add(ctx, 1)
}

// RecordJobFailed increments the failed-jobs counter, tagged with the
// error kind from the retargeterr taxonomy (spec.md §7).
func (m *Metrics) RecordJobFailed(ctx context.Context, kind string) {
	m.JobsFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordTTSRetry increments the TTS retry counter, tagged with the upstream
// HTTP status that triggered the retry (0 for transport-level errors).
func (m *Metrics) RecordTTSRetry(ctx context.Context, upstreamStatus int) {
	m.TTSRetries.Add(ctx, 1, metric.WithAttributes(attribute.Int("upstream_status", upstreamStatus)))
}
