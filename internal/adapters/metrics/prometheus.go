package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/iversonwuwei/go-nomads-backend-sub005/internal/domain"
)

const namespace = "consistency_sync"

type Prometheus struct {
	registry        *prometheus.Registry
	applies         *prometheus.CounterVec
	events          *prometheus.CounterVec
	resyncItems     *prometheus.CounterVec
	resyncDuration  *prometheus.HistogramVec
	driftFindings   *prometheus.CounterVec
	verifySkipped   *prometheus.CounterVec
	downstreamCount *prometheus.GaugeVec
}

func NewPrometheus() *Prometheus {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := &Prometheus{
		registry: reg,
		applies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "apply_total",
			Help:      "Sync applies by representation, operation, outcome and action.",
		}, []string{"representation", "operation", "outcome", "action"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Change events handled by topic and outcome.",
		}, []string{"topic", "outcome"}),
		resyncItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resync_items_total",
			Help:      "Ids applied by full resyncs by outcome.",
		}, []string{"representation", "outcome"}),
		resyncDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "resync_duration_seconds",
			Help:      "Duration of full resyncs.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"representation"}),
		driftFindings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drift_findings_total",
			Help:      "Drift findings by kind and repair outcome.",
		}, []string{"representation", "kind", "repaired"}),
		verifySkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verify_skipped_total",
			Help:      "Verification passes skipped.",
		}, []string{"representation"}),
		downstreamCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "downstream_records",
			Help:      "Last observed number of canonical ids present downstream.",
		}, []string{"representation"}),
	}
	reg.MustRegister(m.applies, m.events, m.resyncItems, m.resyncDuration, m.driftFindings, m.verifySkipped, m.downstreamCount)
	return m
}

func (m *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Prometheus) Registry() *prometheus.Registry { return m.registry }

func (m *Prometheus) ObserveApply(representation string, op domain.Operation, result domain.Result) {
	m.applies.WithLabelValues(representation, string(op), string(result.Kind), string(result.Action)).Inc()
}

func (m *Prometheus) ObserveEvent(topic string, kind domain.ResultKind) {
	m.events.WithLabelValues(topic, string(kind)).Inc()
}

func (m *Prometheus) ObserveResync(report domain.ResyncReport) {
	m.resyncItems.WithLabelValues(report.Representation, "success").Add(float64(report.Succeeded))
	m.resyncItems.WithLabelValues(report.Representation, "failure").Add(float64(report.Failed))
	m.resyncDuration.WithLabelValues(report.Representation).Observe(report.FinishedAt.Sub(report.StartedAt).Seconds())
}

func (m *Prometheus) ObserveVerify(report domain.VerifyReport) {
	if report.Skipped {
		m.verifySkipped.WithLabelValues(report.Representation).Inc()
		return
	}
	for _, f := range report.Findings {
		repaired := "false"
		if f.Repaired {
			repaired = "true"
		}
		m.driftFindings.WithLabelValues(report.Representation, string(f.Kind), repaired).Inc()
	}
}

func (m *Prometheus) SetDownstreamCount(representation string, count int64) {
	m.downstreamCount.WithLabelValues(representation).Set(float64(count))
}
