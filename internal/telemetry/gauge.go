// Package telemetry publishes clusterman's own operational metrics: the
// target capacity the autoscaling loop decides on each tick, and the
// operator alerts the healthcheck sink raises. Uses promauto package-level
// collectors instead of an injected client, since these are metrics
// clusterman emits, not metrics it reads.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	targetCapacity = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "clusterman",
			Name:      "target_capacity",
			Help:      "Target capacity the autoscaling loop computed on its most recent tick.",
		},
		[]string{"cluster", "pool", "dry_run"},
	)

	alertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clusterman",
			Name:      "operator_alerts_total",
			Help:      "Operator alerts raised by the healthcheck sink.",
		},
		[]string{"cluster", "pool"},
	)

	tickErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clusterman",
			Name:      "tick_errors_total",
			Help:      "Autoscaling loop ticks that returned an error.",
		},
		[]string{"cluster", "pool"},
	)
)

// CapacityGauge publishes the per-tick target capacity decision. Satisfies
// internal/autoscaler's CapacityGauge interface structurally.
type CapacityGauge struct{}

// NewCapacityGauge returns a CapacityGauge backed by the package-level
// clusterman_target_capacity metric.
func NewCapacityGauge() CapacityGauge { return CapacityGauge{} }

// Set records the target capacity decided for (cluster, pool) on this tick.
func (CapacityGauge) Set(cluster, pool string, dryRun bool, value float64) {
	targetCapacity.WithLabelValues(cluster, pool, dryRunLabel(dryRun)).Set(value)
}

// RecordAlert increments the operator-alert counter for (cluster, pool).
// Called alongside internal/healthcheck.Sink.Alert so the alert shows up in
// both the log stream and /metrics.
func RecordAlert(cluster, pool string) {
	alertsTotal.WithLabelValues(cluster, pool).Inc()
}

// RecordTickError increments the tick-error counter for (cluster, pool).
func RecordTickError(cluster, pool string) {
	tickErrorsTotal.WithLabelValues(cluster, pool).Inc()
}

// Handler returns the standard Prometheus scrape handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

func dryRunLabel(dryRun bool) string {
	if dryRun {
		return "true"
	}
	return "false"
}
