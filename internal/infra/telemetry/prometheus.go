package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"mcpool/internal/domain"
)

type PrometheusMetrics struct {
	handshakes     *prometheus.CounterVec
	invokeDuration *prometheus.HistogramVec
	evictions      *prometheus.CounterVec
	catalogLoads   *prometheus.CounterVec
	openSessions   *prometheus.GaugeVec
}

func NewPrometheusMetrics(registerer prometheus.Registerer) *PrometheusMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registerer)

	return &PrometheusMetrics{
		handshakes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcpool_handshakes_total",
				Help: "Total number of session handshake attempts",
			},
			[]string{"provider", "status"},
		),
		invokeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mcpool_invoke_duration_seconds",
				Help:    "Duration of tool invocations in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"provider", "status"},
		),
		evictions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcpool_session_evictions_total",
				Help: "Total number of sessions evicted from the registry",
			},
			[]string{"provider", "reason"},
		),
		catalogLoads: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcpool_catalog_loads_total",
				Help: "Total number of tool catalog loads by source",
			},
			[]string{"provider", "source"},
		),
		openSessions: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mcpool_open_sessions",
				Help: "Current number of live sessions per provider",
			},
			[]string{"provider"},
		),
	}
}

func (p *PrometheusMetrics) ObserveHandshake(provider string, duration time.Duration, err error) {
	p.handshakes.WithLabelValues(provider, statusLabel(err)).Inc()
}

func (p *PrometheusMetrics) ObserveInvoke(provider, tool string, duration time.Duration, err error) {
	p.invokeDuration.WithLabelValues(provider, statusLabel(err)).Observe(duration.Seconds())
}

func (p *PrometheusMetrics) ObserveEviction(provider, reason string) {
	p.evictions.WithLabelValues(provider, reason).Inc()
}

func (p *PrometheusMetrics) ObserveCatalogLoad(provider string, source domain.ToolSource) {
	p.catalogLoads.WithLabelValues(provider, string(source)).Inc()
}

func (p *PrometheusMetrics) SetOpenSessions(provider string, count int) {
	p.openSessions.WithLabelValues(provider).Set(float64(count))
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

var _ domain.Metrics = (*PrometheusMetrics)(nil)
