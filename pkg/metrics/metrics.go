package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/d4l-data4life/go-tool-router/pkg/config"
	"github.com/d4l-data4life/go-svc/pkg/logging"
)

// Metric definitions
// Naming follows https://prometheus.io/docs/practices/naming/
var (
	metricNamePrefix = "tool_router"

	routingDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricNamePrefix,
			Name:      "routing_decisions_total",
			Help:      "Routing decisions by provenance (mcp, llm, hybrid).",
		},
		[]string{"source"},
	)

	toolInvocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricNamePrefix,
			Name:      "tool_invocations_total",
			Help:      "Tool invocations by tool name and outcome.",
		},
		[]string{"tool", "outcome"},
	)

	toolInvocationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metricNamePrefix,
			Name:      "tool_invocation_duration_seconds",
			Help:      "Wall-clock duration of tool invocations.",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"tool"},
	)

	connectedServers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: metricNamePrefix,
			Name:      "connected_servers",
			Help:      "Number of tool servers currently in the connected state.",
		},
	)
)

// Register registers all routing metrics with the default registry
func Register() {
	for _, collector := range []prometheus.Collector{
		routingDecisions, toolInvocations, toolInvocationDuration, connectedServers,
	} {
		if err := prometheus.Register(collector); err != nil {
			logging.LogErrorf(err, "Error registering metric")
		}
	}
}

// AddBuildInfoMetric adds a static metric with the build information
func AddBuildInfoMetric() {
	err := prometheus.Register(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: metricNamePrefix,
			Name:      "build_info",
			Help:      "A metric with a constant '1' value labeled by version, branch, commit, build date, and goversion.",
			ConstLabels: prometheus.Labels{
				"version":   config.Version,
				"branch":    config.Branch,
				"commit":    config.Commit,
				"goversion": config.GoVersion,
			},
		},
		func() float64 { return 1 },
	))
	if err != nil {
		logging.LogErrorf(err, "Error registering build info metric")
	}
}

// ObserveRoutingDecision counts one routing decision by provenance
func ObserveRoutingDecision(source string) {
	routingDecisions.WithLabelValues(source).Inc()
}

// ObserveToolInvocation records one tool invocation outcome
func ObserveToolInvocation(tool string, success bool, duration time.Duration) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	toolInvocations.WithLabelValues(tool, outcome).Inc()
	toolInvocationDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// SetConnectedServers updates the connected server gauge
func SetConnectedServers(count int) {
	connectedServers.Set(float64(count))
}
