// Package observe provides the observability primitives for boardobserver:
// OpenTelemetry metrics, tracing, trace-aware structured logging, and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exposed on
// /metrics through the Prometheus exporter bridge set up by [InitProvider].
// [DefaultMetrics] returns a process-wide instance; tests should build their
// own with [NewMetrics] and a manual reader.
package observe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all metrics.
const meterName = "github.com/MrWong99/boardobserver"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Turn-taking ---

	// SessionsStarted counts listening sessions opened by a wake phrase.
	SessionsStarted metric.Int64Counter

	// SessionsClosed counts closed listening sessions. Attribute: "reason".
	SessionsClosed metric.Int64Counter

	// Fragments counts inbound caption fragments. Attribute: "outcome".
	Fragments metric.Int64Counter

	// Answers counts finalized utterances. Attribute: "status"
	// (answered, acknowledged, failed, skipped).
	Answers metric.Int64Counter

	// AnswerDuration tracks the answering collaborator latency.
	AnswerDuration metric.Float64Histogram

	// --- Output ---

	// SpeakAttempts counts output attempts. Attributes: "channel", "status".
	SpeakAttempts metric.Int64Counter

	// SpeakBlocked counts speak requests rejected by the cooldown.
	SpeakBlocked metric.Int64Counter

	// TTSDuration tracks voice synthesis latency.
	TTSDuration metric.Float64Histogram

	// --- Ambient path ---

	// WindowsFlushed counts transcript windows forwarded to subscribers.
	// Attribute: "forced".
	WindowsFlushed metric.Int64Counter

	// --- Providers ---

	// LLMDuration tracks LLM completion latency. Attributes: "provider",
	// "purpose", "outcome".
	LLMDuration metric.Float64Histogram

	// ProviderRequests counts provider API calls. Attributes: "provider",
	// "kind", "status".
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Attributes: "provider", "kind".
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveMeetings tracks meetings with live conversation state.
	ActiveMeetings metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Attributes:
	// "method", "route", "status".
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries in seconds.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// instruments creates instruments on one meter and keeps the first error,
// so NewMetrics reads as a flat list.
type instruments struct {
	meter metric.Meter
	errs  []error
}

func (b *instruments) counter(name, desc string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc))
	b.errs = append(b.errs, err)
	return c
}

func (b *instruments) gauge(name, desc string) metric.Int64UpDownCounter {
	g, err := b.meter.Int64UpDownCounter(name, metric.WithDescription(desc))
	b.errs = append(b.errs, err)
	return g
}

func (b *instruments) latency(name, desc string) metric.Float64Histogram {
	h, err := b.meter.Float64Histogram(name,
		metric.WithDescription(desc),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	)
	b.errs = append(b.errs, err)
	return h
}

// NewMetrics creates every instrument on a meter from mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	b := &instruments{meter: mp.Meter(meterName)}
	m := &Metrics{
		SessionsStarted: b.counter("boardobserver.sessions.started", "Listening sessions opened by a wake phrase."),
		SessionsClosed:  b.counter("boardobserver.sessions.closed", "Listening sessions closed, by reason."),
		Fragments:       b.counter("boardobserver.fragments", "Inbound caption fragments, by outcome."),
		Answers:         b.counter("boardobserver.answers", "Finalized utterances, by status."),
		AnswerDuration:  b.latency("boardobserver.answer.duration", "Latency of the answering collaborator."),

		SpeakAttempts: b.counter("boardobserver.speak", "Output attempts by channel and status."),
		SpeakBlocked:  b.counter("boardobserver.speak.blocked", "Speak requests rejected by the cooldown."),
		TTSDuration:   b.latency("boardobserver.tts.duration", "Latency of voice synthesis."),

		WindowsFlushed: b.counter("boardobserver.windows.flushed", "Transcript windows forwarded to subscribers."),

		LLMDuration:      b.latency("boardobserver.llm.duration", "Latency of LLM completions, by purpose and outcome."),
		ProviderRequests: b.counter("boardobserver.provider.requests", "Provider API requests by provider, kind and status."),
		ProviderErrors:   b.counter("boardobserver.provider.errors", "Provider errors by provider and kind."),

		ActiveMeetings: b.gauge("boardobserver.active_meetings", "Meetings with live conversation state."),

		HTTPRequestDuration: b.latency("boardobserver.http.request.duration", "HTTP request latency by method, route and status."),
	}
	if err := errors.Join(b.errs...); err != nil {
		return nil, fmt.Errorf("observe: create instruments: %w", err)
	}
	return m, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call from [otel.GetMeterProvider]. Panics if instrument creation
// fails, which does not happen with the global provider.
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

// Attr is a shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest increments the provider request counter.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError increments the provider error counter.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordSessionClosed increments the closed-session counter for reason.
func (m *Metrics) RecordSessionClosed(ctx context.Context, reason string) {
	m.SessionsClosed.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordFragment increments the fragment counter for outcome.
func (m *Metrics) RecordFragment(ctx context.Context, outcome string) {
	m.Fragments.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordAnswer increments the answer counter and, for calls that reached the
// answering collaborator, records their latency.
func (m *Metrics) RecordAnswer(ctx context.Context, status string, d time.Duration) {
	m.Answers.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	if d > 0 {
		m.AnswerDuration.Record(ctx, d.Seconds())
	}
}

// RecordLLMCall records the latency of one completion made for purpose
// ("answer", "insight") through provider.
func (m *Metrics) RecordLLMCall(ctx context.Context, provider, purpose string, d time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.LLMDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("purpose", purpose),
			attribute.String("outcome", outcome),
		),
	)
}

// RecordSpeak increments the speak counter for one output channel.
func (m *Metrics) RecordSpeak(ctx context.Context, channel, status string) {
	m.SpeakAttempts.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("channel", channel),
			attribute.String("status", status),
		),
	)
}
