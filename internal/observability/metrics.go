package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. Instruments
// live on their own registry so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry
	window   *stageWindow

	Sessions           prometheus.Gauge
	SessionEvents      *prometheus.CounterVec
	GenerationAttempts *prometheus.CounterVec
	GenerationLatency  *prometheus.HistogramVec
	GatewayErrors      *prometheus.CounterVec
	TTSFetches         *prometheus.CounterVec
	AutoSendEvents     *prometheus.CounterVec
	WSMessages         *prometheus.CounterVec
}

func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	f := func(c prometheus.Collector) { reg.MustRegister(c) }

	m := &Metrics{
		registry: reg,
		window:   newStageWindow(256),
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Number of stored chat sessions.",
		}),
		SessionEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		GenerationAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_attempts_total",
			Help:      "Generation attempts by kind and outcome.",
		}, []string{"kind", "outcome"}),
		GenerationLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_latency_ms",
			Help:      "Wall-clock generation time in milliseconds.",
			Buckets:   []float64{250, 500, 1000, 2000, 4000, 8000, 15000, 30000, 60000},
		}, []string{"kind"}),
		GatewayErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_errors_total",
			Help:      "Gateway errors by operation and kind.",
		}, []string{"op", "kind"}),
		TTSFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tts_fetches_total",
			Help:      "TTS segment fetches by result.",
		}, []string{"result"}),
		AutoSendEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "autosend_events_total",
			Help:      "Auto-send loop transitions by event.",
		}, []string{"event"}),
		WSMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
	}

	f(collectors.NewGoCollector())
	f(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f(m.Sessions)
	f(m.SessionEvents)
	f(m.GenerationAttempts)
	f(m.GenerationLatency)
	f(m.GatewayErrors)
	f(m.TTSFetches)
	f(m.AutoSendEvents)
	f(m.WSMessages)
	return m
}

// ObserveGeneration records one finished attempt.
func (m *Metrics) ObserveGeneration(kind, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.GenerationAttempts.WithLabelValues(kind, outcome).Inc()
	m.GenerationLatency.WithLabelValues(kind).Observe(float64(d.Milliseconds()))
	m.window.Observe(StageGenerationTotal, float64(d.Milliseconds()))
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.window.Observe(stage, float64(d.Microseconds())/1000)
}

func (m *Metrics) CountIndicator(name string) {
	if m == nil {
		return
	}
	m.window.Count(name)
}

func (m *Metrics) GatewayError(op, kind string) {
	if m == nil {
		return
	}
	m.GatewayErrors.WithLabelValues(op, kind).Inc()
}

func (m *Metrics) TTSFetch(result string) {
	if m == nil {
		return
	}
	m.TTSFetches.WithLabelValues(result).Inc()
}

func (m *Metrics) AutoSend(event string) {
	if m == nil {
		return
	}
	m.AutoSendEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) SnapshotStages() StageSnapshot {
	if m == nil {
		return StageSnapshot{GeneratedAt: time.Now().UTC()}
	}
	return m.window.Snapshot()
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
