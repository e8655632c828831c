// Package observe provides application-wide observability primitives for the
// client SDK runtime: OpenTelemetry metrics, distributed tracing, structured
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

// meterName is the instrumentation scope name used for all runtime metrics.
const meterName = "github.com/MrWong99/aiaclient"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per subsystem ---

	// EncryptDuration tracks per-message AEAD seal latency.
	EncryptDuration metric.Float64Histogram

	// DecryptDuration tracks per-message AEAD open latency.
	DecryptDuration metric.Float64Histogram

	// SequencerReorderDuration tracks how long a message sat in the
	// sequencer's reorder buffer before being drained in order.
	SequencerReorderDuration metric.Float64Histogram

	// RegulatorEmitDuration tracks the delay between a message being
	// enqueued in the regulator and the batch containing it being emitted.
	RegulatorEmitDuration metric.Float64Histogram

	// --- Counters ---

	// MalformedMessages counts inbound messages that failed to parse or
	// validate. Use with attribute: attribute.String("topic", ...)
	MalformedMessages metric.Int64Counter

	// CryptoFailures counts AEAD seal/open failures. Use with attributes:
	//   attribute.String("topic", ...), attribute.String("op", ...)
	CryptoFailures metric.Int64Counter

	// Reconnects counts MQTT connection establishment attempts. Use with
	// attribute: attribute.String("outcome", ...)
	Reconnects metric.Int64Counter

	// DroppedFrames counts audio frames dropped by the speaker engine or
	// ring buffer due to buffer exhaustion or a NONBLOCKING write refusal.
	// Use with attribute: attribute.String("reason", ...)
	DroppedFrames metric.Int64Counter

	// SecretRotations counts completed shared-secret rotations. Use with
	// attribute: attribute.String("topic", ...)
	SecretRotations metric.Int64Counter

	// --- Gauges ---

	// RingBufferOccupancy tracks the number of unconsumed words currently
	// held in a ring buffer. Use with attribute: attribute.String("stream", ...)
	RingBufferOccupancy metric.Int64UpDownCounter

	// ActiveConnections tracks the number of currently established MQTT
	// connections (0 or 1 for a single-device client, but modeled as a
	// counter to stay consistent with multi-connection deployments).
	ActiveConnections metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for sub-second message-plane operations.
var latencyBuckets = []float64{
	0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.EncryptDuration, err = m.Float64Histogram("aiaclient.crypto.encrypt.duration",
		metric.WithDescription("Latency of per-message AEAD seal operations."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DecryptDuration, err = m.Float64Histogram("aiaclient.crypto.decrypt.duration",
		metric.WithDescription("Latency of per-message AEAD open operations."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SequencerReorderDuration, err = m.Float64Histogram("aiaclient.sequencer.reorder.duration",
		metric.WithDescription("Time a message spent in the sequencer's reorder buffer before draining in order."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RegulatorEmitDuration, err = m.Float64Histogram("aiaclient.regulator.emit.duration",
		metric.WithDescription("Delay between a message being enqueued and its batch being emitted."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.MalformedMessages, err = m.Int64Counter("aiaclient.messages.malformed",
		metric.WithDescription("Total inbound messages that failed to parse or validate, by topic."),
	); err != nil {
		return nil, err
	}
	if met.CryptoFailures, err = m.Int64Counter("aiaclient.crypto.failures",
		metric.WithDescription("Total AEAD seal/open failures, by topic and operation."),
	); err != nil {
		return nil, err
	}
	if met.Reconnects, err = m.Int64Counter("aiaclient.connection.reconnects",
		metric.WithDescription("Total MQTT connection establishment attempts, by outcome."),
	); err != nil {
		return nil, err
	}
	if met.DroppedFrames, err = m.Int64Counter("aiaclient.audio.dropped_frames",
		metric.WithDescription("Total audio frames dropped by the speaker engine or ring buffer, by reason."),
	); err != nil {
		return nil, err
	}
	if met.SecretRotations, err = m.Int64Counter("aiaclient.secret.rotations",
		metric.WithDescription("Total completed shared-secret rotations, by topic."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.RingBufferOccupancy, err = m.Int64UpDownCounter("aiaclient.ringbuffer.occupancy",
		metric.WithDescription("Unconsumed words currently held in a ring buffer, by stream."),
	); err != nil {
		return nil, err
	}
	if met.ActiveConnections, err = m.Int64UpDownCounter("aiaclient.connection.active",
		metric.WithDescription("Number of currently established MQTT connections."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("aiaclient.http.request.duration",
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

// RecordMalformedMessage is a convenience method that records a malformed
// inbound message counter increment.
func (m *Metrics) RecordMalformedMessage(ctx context.Context, topic string) {
	m.MalformedMessages.Add(ctx, 1,
		metric.WithAttributes(attribute.String("topic", topic)),
	)
}

// RecordCryptoFailure is a convenience method that records an AEAD
// seal/open failure counter increment.
func (m *Metrics) RecordCryptoFailure(ctx context.Context, topic, op string) {
	m.CryptoFailures.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("topic", topic),
			attribute.String("op", op),
		),
	)
}

// RecordReconnect is a convenience method that records a connection
// establishment attempt counter increment.
func (m *Metrics) RecordReconnect(ctx context.Context, outcome string) {
	m.Reconnects.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordDroppedFrame is a convenience method that records a dropped audio
// frame counter increment.
func (m *Metrics) RecordDroppedFrame(ctx context.Context, reason string) {
	m.DroppedFrames.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordSecretRotation is a convenience method that records a completed
// secret rotation counter increment.
func (m *Metrics) RecordSecretRotation(ctx context.Context, topic string) {
	m.SecretRotations.Add(ctx, 1,
		metric.WithAttributes(attribute.String("topic", topic)),
	)
}
