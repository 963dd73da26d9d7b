// Package metrics exposes the controller's prometheus instrumentation:
// cycle outcomes, proxy state, and token freshness. Grounded on
// jobs/pkg/jobs/metrics.go's namespaced CounterVec/GaugeVec/HistogramVec
// plus package-level MustRegister in init().
package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	cycleExecutionCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "offpeak_ev",
			Subsystem: "worker",
			Name:      "cycle_total",
			Help:      "Total number of worker cycle executions by endpoint and outcome",
		},
		[]string{"endpoint", "outcome"},
	)

	cycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "offpeak_ev",
			Subsystem: "worker",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of worker cycle executions in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"endpoint"},
	)

	proxyState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "offpeak_ev",
			Subsystem: "proxy",
			Name:      "state",
			Help:      "Signed-command proxy supervisor state (1 = current state, 0 otherwise)",
		},
		[]string{"state"},
	)

	tokenRemainingMinutes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "offpeak_ev",
			Subsystem: "token",
			Name:      "remaining_minutes",
			Help:      "Minutes remaining before the vehicle API token expires",
		},
		[]string{"capability"},
	)

	scoutSampleCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "offpeak_ev",
			Subsystem: "scout",
			Name:      "sample_total",
			Help:      "Total number of Scout samples by decision kind",
		},
		[]string{"decision"},
	)
)

func init() {
	prometheus.MustRegister(cycleExecutionCount)
	prometheus.MustRegister(cycleDuration)
	prometheus.MustRegister(proxyState)
	prometheus.MustRegister(tokenRemainingMinutes)
	prometheus.MustRegister(scoutSampleCount)
}

// ObserveCycle records the outcome and duration of one worker cycle.
func ObserveCycle(endpoint, outcome string, seconds float64) {
	cycleExecutionCount.WithLabelValues(endpoint, outcome).Inc()
	cycleDuration.WithLabelValues(endpoint).Observe(seconds)
}

// SetProxyState records the supervisor's current state, zeroing every
// other known state label so the gauge reflects a single active state.
func SetProxyState(states []string, current string) {
	for _, s := range states {
		v := 0.0
		if s == current {
			v = 1.0
		}
		proxyState.WithLabelValues(s).Set(v)
	}
}

// SetTokenRemainingMinutes records a capability's token freshness.
func SetTokenRemainingMinutes(capability string, minutes int) {
	tokenRemainingMinutes.WithLabelValues(capability).Set(float64(minutes))
}

// ObserveScoutSample records the decision kind a Scout sample produced.
func ObserveScoutSample(decisionKind string) {
	scoutSampleCount.WithLabelValues(decisionKind).Inc()
}

// RegisterHandler mounts /metrics on a gin engine using the default
// promhttp handler, for either Scout or Worker's HTTP surface.
func RegisterHandler(e *gin.Engine) {
	h := promhttp.Handler()
	e.GET("/metrics", func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	})
}
