package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	ActiveSessions    prometheus.Gauge
	SessionEvents     *prometheus.CounterVec
	WSMessages        *prometheus.CounterVec
	ProviderErrors    *prometheus.CounterVec
	TurnOutcomes      *prometheus.CounterVec
	TurnBusy          *prometheus.CounterVec
	ChunksSkipped     prometheus.Counter
	FramesDropped     prometheus.Counter
	STTReconnects     prometheus.Counter
	FirstAudioLatency prometheus.Histogram
	StageLatency      *prometheus.HistogramVec

	stages *turnStageWindow
}

func NewMetrics(namespace string) *Metrics {
	return NewMetricsWith(namespace, prometheus.DefaultRegisterer)
}

// NewMetricsWith registers the instruments on reg; tests pass a fresh registry.
func NewMetricsWith(namespace string, reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active conversation sessions.",
		}),
		SessionEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by type.",
		}, []string{"event"}),
		WSMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction, type and result.",
		}, []string{"direction", "type", "result"}),
		ProviderErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Provider errors by provider and code.",
		}, []string{"provider", "code"}),
		TurnOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Completed response turns by outcome.",
		}, []string{"outcome"}),
		TurnBusy: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turn_busy_total",
			Help:      "Final transcripts that arrived while a turn was active, by action taken.",
		}, []string{"action"}),
		ChunksSkipped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "synthesis_chunks_skipped_total",
			Help:      "Text chunks whose synthesis failed and were skipped.",
		}),
		FramesDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_dropped_total",
			Help:      "Captured audio frames discarded by the drop-oldest overflow policy.",
		}),
		STTReconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcription_reconnects_total",
			Help:      "Transcription connection re-establishment attempts.",
		}),
		FirstAudioLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_audio_latency_ms",
			Help:      "Latency from final transcript to first assistant audio chunk in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 900, 1200, 2000, 3000},
		}),
		StageLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_latency_ms",
			Help:      "Per-stage latency in milliseconds.",
			Buckets:   []float64{50, 100, 250, 500, 1000, 2000, 4000, 8000},
		}, []string{"stage"}),
		stages: newTurnStageWindow(256),
	}
}

func (m *Metrics) ObserveFirstAudioLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.FirstAudioLatency.Observe(float64(d.Milliseconds()))
}

// ObserveStage records d in both the histogram and the rolling window served
// by /v1/perf/latency.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	ms := float64(d.Microseconds()) / 1000
	m.StageLatency.WithLabelValues(stage).Observe(ms)
	m.stages.Observe(stage, ms)
}

func (m *Metrics) ObserveTurn(outcome string) {
	if m == nil {
		return
	}
	m.TurnOutcomes.WithLabelValues(outcome).Inc()
	m.stages.ObserveIndicator("turn_" + outcome)
}

func (m *Metrics) ObserveBusy(action string) {
	if m == nil {
		return
	}
	m.TurnBusy.WithLabelValues(action).Inc()
	m.stages.ObserveIndicator("busy_" + action)
}

func (m *Metrics) ObserveChunkSkipped() {
	if m == nil {
		return
	}
	m.ChunksSkipped.Inc()
}

func (m *Metrics) ObserveFrameDropped() {
	if m == nil {
		return
	}
	m.FramesDropped.Inc()
}

func (m *Metrics) ObserveReconnect() {
	if m == nil {
		return
	}
	m.STTReconnects.Inc()
}

func (m *Metrics) ObserveProviderError(provider, code string) {
	if m == nil {
		return
	}
	m.ProviderErrors.WithLabelValues(provider, code).Inc()
}

func (m *Metrics) ObserveSessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

func (m *Metrics) ObserveOutboundMessage(msgType, result string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues("outbound", msgType, result).Inc()
}

func (m *Metrics) ObserveInboundMessage(msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues("inbound", msgType, "accepted").Inc()
}

// SnapshotTurnStages returns the rolling stage-latency window.
func (m *Metrics) SnapshotTurnStages() TurnStageSnapshot {
	if m == nil {
		return newTurnStageWindow(0).Snapshot()
	}
	return m.stages.Snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
