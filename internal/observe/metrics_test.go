package observe

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// matches reports whether set holds every key=value pair in want.
func matches(set attribute.Set, want map[string]string) bool {
	for k, v := range want {
		got, ok := set.Value(attribute.Key(k))
		if !ok || got.AsString() != v {
			return false
		}
	}
	return true
}

// counterValue sums the int64 data points of name whose attributes match.
func counterValue(t *testing.T, rm metricdata.ResourceMetrics, name string, want map[string]string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is %T, want Sum[int64]", name, met.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		if matches(dp.Attributes, want) {
			total += dp.Value
		}
	}
	return total
}

// histogramCount counts the samples of name whose attributes match.
func histogramCount(t *testing.T, rm metricdata.ResourceMetrics, name string, want map[string]string) uint64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("metric %q is %T, want Histogram[float64]", name, met.Data)
	}
	var n uint64
	for _, dp := range hist.DataPoints {
		if matches(dp.Attributes, want) {
			n += dp.Count
		}
	}
	return n
}

func TestTurnTakingMetrics(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.SessionsStarted.Add(ctx, 1)
	m.RecordSessionClosed(ctx, "superseded")
	m.RecordSessionClosed(ctx, "superseded")
	m.RecordSessionClosed(ctx, "muted")
	m.RecordFragment(ctx, "appended")
	m.RecordFragment(ctx, "wake")
	m.RecordAnswer(ctx, "answered", 1200*time.Millisecond)
	m.RecordAnswer(ctx, "acknowledged", 0)

	rm := collect(t, reader)
	if got := counterValue(t, rm, "boardobserver.sessions.started", nil); got != 1 {
		t.Errorf("sessions started = %d, want 1", got)
	}
	if got := counterValue(t, rm, "boardobserver.sessions.closed", map[string]string{"reason": "superseded"}); got != 2 {
		t.Errorf("superseded = %d, want 2", got)
	}
	if got := counterValue(t, rm, "boardobserver.fragments", nil); got != 2 {
		t.Errorf("fragments = %d, want 2", got)
	}
	if got := counterValue(t, rm, "boardobserver.answers", map[string]string{"status": "acknowledged"}); got != 1 {
		t.Errorf("acknowledged = %d, want 1", got)
	}
	// Acknowledgments never reach the answerer, so only one latency sample.
	if got := histogramCount(t, rm, "boardobserver.answer.duration", nil); got != 1 {
		t.Errorf("answer duration samples = %d, want 1", got)
	}
}

func TestSpeakMetrics(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordSpeak(ctx, "voice", "ok")
	m.RecordSpeak(ctx, "text", "error")
	m.RecordSpeak(ctx, "text", "ok")
	m.SpeakBlocked.Add(ctx, 1)
	m.TTSDuration.Record(ctx, 0.8)

	rm := collect(t, reader)
	if got := counterValue(t, rm, "boardobserver.speak", map[string]string{"channel": "text"}); got != 2 {
		t.Errorf("text attempts = %d, want 2", got)
	}
	if got := counterValue(t, rm, "boardobserver.speak", map[string]string{"channel": "text", "status": "error"}); got != 1 {
		t.Errorf("text errors = %d, want 1", got)
	}
	if got := counterValue(t, rm, "boardobserver.speak.blocked", nil); got != 1 {
		t.Errorf("blocked = %d, want 1", got)
	}
	if got := histogramCount(t, rm, "boardobserver.tts.duration", nil); got != 1 {
		t.Errorf("tts samples = %d, want 1", got)
	}
}

func TestRecordLLMCall(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordLLMCall(ctx, "openai", "answer", 900*time.Millisecond, nil)
	m.RecordLLMCall(ctx, "openai", "answer", 2*time.Second, errors.New("timeout"))
	m.RecordLLMCall(ctx, "openai", "insight", 3*time.Second, nil)

	rm := collect(t, reader)
	tests := []struct {
		attrs map[string]string
		want  uint64
	}{
		{map[string]string{"purpose": "answer"}, 2},
		{map[string]string{"purpose": "answer", "outcome": "error"}, 1},
		{map[string]string{"purpose": "insight", "outcome": "ok"}, 1},
		{map[string]string{"provider": "openai"}, 3},
	}
	for _, tt := range tests {
		if got := histogramCount(t, rm, "boardobserver.llm.duration", tt.attrs); got != tt.want {
			t.Errorf("llm samples %v = %d, want %d", tt.attrs, got, tt.want)
		}
	}
}

func TestProviderMetrics(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordProviderRequest(ctx, "openai", "llm", "ok")
	m.RecordProviderRequest(ctx, "openai", "llm", "ok")
	m.RecordProviderRequest(ctx, "anthropic", "llm", "error")
	m.RecordProviderError(ctx, "anthropic", "llm")
	m.RecordProviderError(ctx, "elevenlabs", "tts")

	rm := collect(t, reader)
	if got := counterValue(t, rm, "boardobserver.provider.requests", map[string]string{"provider": "openai", "status": "ok"}); got != 2 {
		t.Errorf("openai ok = %d, want 2", got)
	}
	if got := counterValue(t, rm, "boardobserver.provider.errors", map[string]string{"kind": "tts"}); got != 1 {
		t.Errorf("tts errors = %d, want 1", got)
	}
}

func TestActiveMeetingsAndWindows(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveMeetings.Add(ctx, 1)
	m.ActiveMeetings.Add(ctx, 1)
	m.ActiveMeetings.Add(ctx, -1)
	m.WindowsFlushed.Add(ctx, 1, metric.WithAttributes(Attr("forced", "true")))
	m.WindowsFlushed.Add(ctx, 1, metric.WithAttributes(Attr("forced", "false")))

	rm := collect(t, reader)
	if got := counterValue(t, rm, "boardobserver.active_meetings", nil); got != 1 {
		t.Errorf("active meetings = %d, want 1", got)
	}
	if got := counterValue(t, rm, "boardobserver.windows.flushed", map[string]string{"forced": "true"}); got != 1 {
		t.Errorf("forced windows = %d, want 1", got)
	}
}

func TestHTTPRequestDuration(t *testing.T) {
	m, reader := newTestMetrics(t)
	m.HTTPRequestDuration.Record(context.Background(), 0.05,
		metric.WithAttributes(Attr("method", "GET"), Attr("route", "/healthz")))

	rm := collect(t, reader)
	if got := histogramCount(t, rm, "boardobserver.http.request.duration", map[string]string{"route": "/healthz"}); got != 1 {
		t.Errorf("samples = %d, want 1", got)
	}
}

func TestDefaultMetrics_Singleton(t *testing.T) {
	if a, b := DefaultMetrics(), DefaultMetrics(); a != b {
		t.Error("DefaultMetrics returned different instances")
	}
}
