// Package observe provides application-wide observability primitives:
// OpenTelemetry metrics with a Prometheus exporter bridge and HTTP
// middleware that records request latency.
//
// A package-level default [Metrics] instance ([DefaultMetrics]) is
// provided for convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all metrics.
const meterName = "github.com/overvox/overvox"

// CounterName identifies one of the pre-registered counters.
type CounterName string

const (
	// TTSItemsEnqueued counts items admitted to a channel queue.
	// Attributes: channel, reason (item type).
	TTSItemsEnqueued CounterName = "tts.items.enqueued"

	// TTSItemsDropped counts items dropped before playback.
	// Attributes: channel, reason (queue_full, no_clients, synthesis_error).
	TTSItemsDropped CounterName = "tts.items.dropped"

	// TTSItemsSynthesized counts successful syntheses.
	TTSItemsSynthesized CounterName = "tts.items.synthesized"

	// WebhookNotifications counts webhook intake verdicts.
	// Attributes: reason (ok, bad_signature, replay, duplicate).
	WebhookNotifications CounterName = "webhook.notifications"

	// BusMessages counts cross-instance bus traffic.
	// Attributes: reason (published, received, decode_error).
	BusMessages CounterName = "bus.messages"

	// RedemptionVerdicts counts channel-points outcomes.
	// Attributes: reason (pending, approved, auto, canceled, rejected).
	RedemptionVerdicts CounterName = "redemptions.verdicts"
)

// Metrics holds all OpenTelemetry metric instruments for the process.
// All fields are safe for concurrent use — the underlying OTel types
// handle their own synchronisation.
type Metrics struct {
	// SynthesisDuration tracks TTS provider call latency.
	// Attributes: channel, ok.
	SynthesisDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time.
	// Attributes: method, path, status.
	HTTPRequestDuration metric.Float64Histogram

	// OverlayClients tracks connected overlay WebSocket clients.
	// Attribute: channel.
	OverlayClients metric.Int64UpDownCounter

	counters map[CounterName]metric.Int64Counter
}

// latencyBuckets defines histogram bucket boundaries (in seconds).
// Synthesis typically lands between 0.5 and 10 seconds.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the
// given [metric.MeterProvider]. Returns an error if any instrument
// creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{counters: make(map[CounterName]metric.Int64Counter)}

	if met.SynthesisDuration, err = m.Float64Histogram("overvox.tts.duration",
		metric.WithDescription("Latency of text-to-speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("overvox.http.duration",
		metric.WithDescription("HTTP request processing time."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.OverlayClients, err = m.Int64UpDownCounter("overvox.overlay.clients",
		metric.WithDescription("Connected overlay WebSocket clients."),
	); err != nil {
		return nil, err
	}

	counterDescs := map[CounterName]string{
		TTSItemsEnqueued:     "Items admitted to channel queues.",
		TTSItemsDropped:      "Items dropped before playback, by reason.",
		TTSItemsSynthesized:  "Successful synthesis calls.",
		WebhookNotifications: "Webhook intake verdicts, by reason.",
		BusMessages:          "Cross-instance bus messages, by direction.",
		RedemptionVerdicts:   "Channel-points redemption outcomes.",
	}
	for name, desc := range counterDescs {
		c, err := m.Int64Counter("overvox."+string(name), metric.WithDescription(desc))
		if err != nil {
			return nil, err
		}
		met.counters[name] = c
	}
	return met, nil
}

// Count increments the named counter with the given attributes.
// Unknown names are ignored.
func (m *Metrics) Count(name CounterName, attrs ...attribute.KeyValue) {
	c, ok := m.counters[name]
	if !ok {
		return
	}
	c.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// DefaultMetrics returns the package-level [Metrics] instance, creating
// it on first use from the global meter provider. Instrument creation
// failures here are programming errors and panic.
func DefaultMetrics() *Metrics {
	defaultOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}
