// Package metrics exposes the collector process's Prometheus counters
// and gauges, following the same vectors-in-a-struct shape as the
// agent's metrics package.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Exporter holds every metric the collector process reports on
// /metrics.
type Exporter struct {
	reportsTotal        *prometheus.CounterVec
	consensusWindowOpen prometheus.GaugeFunc
	alertsCreatedTotal  prometheus.Counter
	deliveriesTotal     *prometheus.CounterVec
}

// WindowCounter is the narrow capability needed to sample the open
// consensus window gauge on scrape.
type WindowCounter interface {
	OpenWindowCount() int
}

// New builds and registers the collector's metric vectors. windows is
// sampled lazily on every /metrics scrape via a GaugeFunc.
func New(windows WindowCounter) *Exporter {
	e := &Exporter{
		reportsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_reports_total",
			Help: "Total accepted agent reports by status.",
		}, []string{"status"}),
		alertsCreatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_alerts_created_total",
			Help: "Total alerts created by consensus resolution.",
		}),
		deliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_webhook_deliveries_total",
			Help: "Total webhook delivery attempts by outcome.",
		}, []string{"outcome"}),
	}
	e.consensusWindowOpen = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "sentinel_consensus_windows_open",
		Help: "Number of validators with an in-flight consensus window.",
	}, func() float64 { return float64(windows.OpenWindowCount()) })

	prometheus.MustRegister(e.reportsTotal)
	prometheus.MustRegister(e.consensusWindowOpen)
	prometheus.MustRegister(e.alertsCreatedTotal)
	prometheus.MustRegister(e.deliveriesTotal)

	return e
}

// RecordReport increments the accepted-report counter for status.
func (e *Exporter) RecordReport(status string) {
	e.reportsTotal.WithLabelValues(status).Inc()
}

// RecordAlertCreated increments the alerts-created counter.
func (e *Exporter) RecordAlertCreated() {
	e.alertsCreatedTotal.Inc()
}

// RecordDelivery increments the webhook delivery counter for outcome
// ("success" or "failure").
func (e *Exporter) RecordDelivery(outcome string) {
	e.deliveriesTotal.WithLabelValues(outcome).Inc()
}
