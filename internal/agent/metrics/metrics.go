// Package metrics exposes the agent process's Prometheus counters and
// gauges. Shape follows the teacher's exporter: a struct of vectors
// built and registered in one constructor, with narrow update methods
// called from the components that own the underlying state.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Exporter holds every metric the agent process reports on /metrics.
type Exporter struct {
	probeResult       *prometheus.CounterVec
	peersConnected    prometheus.Gauge
	consensusRequests *prometheus.CounterVec
	uptimeRatio       prometheus.Gauge
}

// New builds and registers the agent's metric vectors.
func New() *Exporter {
	e := &Exporter{
		probeResult: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_probe_result",
			Help: "Total probe cycles by resulting status.",
		}, []string{"status"}),
		peersConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_peers_connected",
			Help: "Number of currently connected P2P peers.",
		}),
		consensusRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_consensus_requests_total",
			Help: "Total consensus quorum evaluations, by outcome.",
		}, []string{"outcome"}),
		uptimeRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_local_uptime_ratio",
			Help: "This agent's own rolling probe uptime ratio, independent of the collector.",
		}),
	}

	prometheus.MustRegister(e.probeResult)
	prometheus.MustRegister(e.peersConnected)
	prometheus.MustRegister(e.consensusRequests)
	prometheus.MustRegister(e.uptimeRatio)

	return e
}

// RecordProbe increments the probe result counter for status.
func (e *Exporter) RecordProbe(status string) {
	e.probeResult.WithLabelValues(status).Inc()
}

// SetPeersConnected updates the current peer count gauge.
func (e *Exporter) SetPeersConnected(n int) {
	e.peersConnected.Set(float64(n))
}

// RecordConsensusRequest increments the consensus request counter for
// outcome ("quorum_reached", "quorum_failed" or "unilateral_no_peers").
func (e *Exporter) RecordConsensusRequest(outcome string) {
	e.consensusRequests.WithLabelValues(outcome).Inc()
}

// SetUptimeRatio updates the local rolling uptime ratio gauge.
func (e *Exporter) SetUptimeRatio(ratio float64) {
	e.uptimeRatio.Set(ratio)
}
