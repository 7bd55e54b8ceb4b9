package notifier

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/BEMADEV/Open-Connections-Digest/internal/models"
)

// Metrics holds the gauges written to the node exporter textfile collector
// after each run. The job is a short-lived process, so nothing is served.
type Metrics struct {
	registry *prometheus.Registry

	lastRun         prometheus.Gauge
	lastSuccess     prometheus.Gauge
	lastSuccessTime prometheus.Gauge
	duration        prometheus.Gauge
	requests        prometheus.Gauge
	connectors      prometheus.Gauge
	messagesSent    prometheus.Gauge
	warnings        prometheus.Gauge
	errors          prometheus.Gauge
	recipients      *prometheus.GaugeVec
}

func NewMetrics() *Metrics {
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "connections_digest",
			Name:      name,
			Help:      help,
		})
	}

	m := &Metrics{
		registry:        prometheus.NewRegistry(),
		lastRun:         gauge("last_run_timestamp_seconds", "Start time of the most recent run."),
		lastSuccess:     gauge("last_run_success", "1 if the most recent run succeeded."),
		lastSuccessTime: gauge("last_success_timestamp_seconds", "Start time of the most recent successful run."),
		duration:        gauge("last_run_duration_seconds", "Wall time of the most recent run."),
		requests:        gauge("requests_scanned", "Connection requests read in the most recent run."),
		connectors:      gauge("connectors", "Connectors that received a digest in the most recent run."),
		messagesSent:    gauge("messages_sent", "Messages sent in the most recent run."),
		warnings:        gauge("warnings", "Warnings raised in the most recent run."),
		errors:          gauge("errors", "Errors raised in the most recent run."),
		recipients: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "connections_digest",
			Name:      "recipients",
			Help:      "Recipients per medium in the most recent run.",
		}, []string{"medium"}),
	}

	m.registry.MustRegister(
		m.lastRun, m.lastSuccess, m.lastSuccessTime, m.duration,
		m.requests, m.connectors, m.messagesSent, m.warnings, m.errors,
		m.recipients,
	)
	return m
}

// Observe records a finished run.
func (m *Metrics) Observe(result *RunResult, stats models.RunStats, succeeded bool) {
	m.lastRun.Set(float64(result.StartedAt.Unix()))
	m.duration.Set(stats.Duration.Seconds())
	m.requests.Set(float64(stats.RequestsScanned))
	m.connectors.Set(float64(stats.Connectors))
	m.messagesSent.Set(float64(stats.MessagesSent))
	m.warnings.Set(float64(stats.Warnings))
	m.errors.Set(float64(stats.Errors))

	if succeeded {
		m.lastSuccess.Set(1)
		m.lastSuccessTime.Set(float64(result.StartedAt.Unix()))
	} else {
		m.lastSuccess.Set(0)
	}

	for _, medium := range []models.Medium{models.MediumEmail, models.MediumSMS, models.MediumPush} {
		m.recipients.WithLabelValues(string(medium)).Set(0)
	}
	for _, d := range result.Dispatches {
		m.recipients.WithLabelValues(string(d.Medium)).Inc()
	}
}

// WriteTextfile writes the registry atomically to path.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}
