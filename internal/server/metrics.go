package server

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every talonops_ metric served on /metrics.
var Registry = prometheus.NewRegistry()

var (
	// EvaluationsTotal counts telemetry payloads evaluated, by check type and outcome.
	EvaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "talonops_evaluations_total",
			Help: "Telemetry payloads evaluated against thresholds.",
		},
		[]string{"check_type", "status"},
	)

	// AlertsFiredTotal counts alerts raised, by check type and severity.
	AlertsFiredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "talonops_alerts_fired_total",
			Help: "Alerts raised by threshold breaches and uptime sweeps.",
		},
		[]string{"check_type", "severity"},
	)

	// RemediationsTotal counts auto-remediation outcomes by action.
	RemediationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "talonops_remediations_total",
			Help: "Auto-remediation attempts by action and outcome.",
		},
		[]string{"action", "outcome"},
	)

	// RequestDurationSeconds is a histogram of HTTP handling time.
	RequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "talonops_http_request_duration_seconds",
			Help:    "HTTP request handling time by plane and status code.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"plane", "code"},
	)
)

func init() {
	Registry.MustRegister(
		EvaluationsTotal,
		AlertsFiredTotal,
		RemediationsTotal,
		RequestDurationSeconds,
	)
}

// RecordEvaluation records one evaluated payload.
func RecordEvaluation(checkType string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	EvaluationsTotal.WithLabelValues(checkType, status).Inc()
}

// RecordAlertFired records one newly raised alert.
func RecordAlertFired(checkType, severity string) {
	AlertsFiredTotal.WithLabelValues(checkType, severity).Inc()
}

// RecordRemediation records an auto-remediation outcome:
// dispatched, awaiting_consent or failed.
func RecordRemediation(action, outcome string) {
	RemediationsTotal.WithLabelValues(action, outcome).Inc()
}

func recordRequest(plane string, code int, d time.Duration) {
	RequestDurationSeconds.WithLabelValues(plane, strconv.Itoa(code)).Observe(d.Seconds())
}

func metricsHandler() gin.HandlerFunc {
	return gin.WrapH(promhttp.HandlerFor(Registry, promhttp.HandlerOpts{}))
}
