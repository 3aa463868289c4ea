package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/xela07ax/prismdb-orchestrator/internal/breaker"
	"github.com/xela07ax/prismdb-orchestrator/internal/domain"
)

type Metrics struct {
	// Traffic: запуски по режиму и итоговому статусу
	RunsTotal *prometheus.CounterVec

	// Latency: длительность вызова агента (включая повторы)
	StageDuration *prometheus.HistogramVec

	// Повторы вызовов агентов
	StageRetries *prometheus.CounterVec

	// Saturation: состояние предохранителя (0 - closed, 1 - open, 2 - half-open)
	BreakerState *prometheus.GaugeVec

	// Вытесненные из подписок события
	EventsDropped prometheus.Counter

	// Journal: заполненность буфера (backpressure)
	JournalBufferFill prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		RunsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "prism_runs_total",
			Help: "Total number of finished runs.",
		}, []string{"mode", "status"}),

		StageDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "prism_stage_duration_seconds",
			Help:    "Histogram of agent invocation latencies.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"agent", "outcome"}),

		StageRetries: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "prism_stage_retries_total",
			Help: "Total number of agent call retries.",
		}, []string{"agent"}),

		BreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "prism_breaker_state",
			Help: "Current state of the agent circuit breaker (0=closed, 1=open, 2=half-open).",
		}, []string{"agent"}),

		EventsDropped: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "prism_events_dropped_total",
			Help: "Stage events evicted from slow subscriptions.",
		}),

		JournalBufferFill: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "prism_journal_buffer_utilization",
			Help: "Current number of runs waiting in the journal buffer.",
		}),
	}
}

func (m *Metrics) observeStage(agent string, inv Invocation, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "success"
	if inv.Err != nil {
		outcome = string(domain.KindOf(inv.Err))
	}
	m.StageDuration.WithLabelValues(agent, outcome).Observe(d.Seconds())
	if inv.Retries > 0 {
		m.StageRetries.WithLabelValues(agent).Add(float64(inv.Retries))
	}
}

func (m *Metrics) observeRun(res Result) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(string(res.Mode), string(res.Status)).Inc()
}

// OnBreakerChange: колбэк для breaker.Registry.
func (m *Metrics) OnBreakerChange(name string, _, to breaker.State) {
	if m == nil {
		return
	}
	m.BreakerState.WithLabelValues(name).Set(float64(to))
}

// EventDropped: колбэк для events.Emitter.
func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.EventsDropped.Inc()
}
