package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	turnTotal    *prometheus.CounterVec
	turnDuration *prometheus.HistogramVec

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec
	toolRetriesTotal      *prometheus.CounterVec

	providerCallTotal    *prometheus.CounterVec
	providerCallDuration *prometheus.HistogramVec
	providerRounds       *prometheus.HistogramVec

	pendingActionsActive prometheus.Gauge
	pendingResolvedTotal *prometheus.CounterVec

	activeSessions     prometheus.Gauge
	gatewayConnections prometheus.Gauge
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			turnTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "turn_total",
					Help: "Total conversation turns by answering stage and status.",
				},
				[]string{"stage", "status"},
			),
			turnDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "turn_duration_seconds",
					Help:    "Turn duration in seconds by answering stage.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"stage"},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_execution_total",
					Help: "Total tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tool_execution_duration_seconds",
					Help:    "Tool execution duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			toolRetriesTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_retries_total",
					Help: "Total transient-failure retries by tool.",
				},
				[]string{"tool"},
			),
			providerCallTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "provider_call_total",
					Help: "Total provider API calls by provider and status.",
				},
				[]string{"provider", "status"},
			),
			providerCallDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "provider_call_duration_seconds",
					Help:    "Provider API call duration in seconds by provider.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			providerRounds: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "provider_rounds_per_turn",
					Help:    "Tool-calling rounds needed per provider turn.",
					Buckets: []float64{1, 2, 3, 4, 5, 6},
				},
				[]string{"provider"},
			),
			pendingActionsActive: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "pending_actions_active",
					Help: "Tool calls currently held for user confirmation.",
				},
			),
			pendingResolvedTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "pending_resolved_total",
					Help: "Pending-action resolutions by outcome (confirmed, rejected, expired, replaced).",
				},
				[]string{"outcome"},
			),
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "active_sessions",
					Help: "Current stored session count.",
				},
			),
			gatewayConnections: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "gateway_connections",
					Help: "Current websocket connections.",
				},
			),
		}

		prometheus.MustRegister(
			m.turnTotal,
			m.turnDuration,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.toolRetriesTotal,
			m.providerCallTotal,
			m.providerCallDuration,
			m.providerRounds,
			m.pendingActionsActive,
			m.pendingResolvedTotal,
			m.activeSessions,
			m.gatewayConnections,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordTurn(stage string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.turnTotal.WithLabelValues(stage, status).Inc()
	m.turnDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.toolExecutionTotal.WithLabelValues(tool, status).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func RecordToolRetry(tool string) {
	m := getMetrics()
	m.toolRetriesTotal.WithLabelValues(tool).Inc()
}

func RecordProviderCall(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.providerCallTotal.WithLabelValues(provider, status).Inc()
	m.providerCallDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func RecordProviderRounds(provider string, rounds int) {
	m := getMetrics()
	m.providerRounds.WithLabelValues(provider).Observe(float64(rounds))
}

func SetPendingActions(count int) {
	m := getMetrics()
	m.pendingActionsActive.Set(float64(count))
}

func RecordPendingResolution(outcome string) {
	m := getMetrics()
	m.pendingResolvedTotal.WithLabelValues(outcome).Inc()
}

func SetActiveSessions(count int) {
	m := getMetrics()
	m.activeSessions.Set(float64(count))
}

func SetGatewayConnections(count int) {
	m := getMetrics()
	m.gatewayConnections.Set(float64(count))
}
