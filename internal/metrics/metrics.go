package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for assignment commands.
type Metrics struct {
	// Commands by operation and outcome code ("ok" on success)
	Commands *prometheus.CounterVec

	CommandLatency *prometheus.HistogramVec

	// Events appended by kind
	EventsAppended *prometheus.CounterVec

	VersionConflicts prometheus.Counter

	// Reopen decisions by claimed role and result
	Reopens *prometheus.CounterVec

	WebhookDeliveries *prometheus.CounterVec
}

// New registers all metrics with reg. Pass prometheus.DefaultRegisterer to
// expose them on the default /metrics handler.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Commands: f.NewCounterVec(prometheus.CounterOpts{
			Name: "appraisal_commands_total",
			Help: "Assignment commands handled by operation and outcome",
		}, []string{"operation", "outcome"}),

		CommandLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "appraisal_command_duration_seconds",
			Help:    "Duration of load, decide and append for one command",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"operation"}),

		EventsAppended: f.NewCounterVec(prometheus.CounterOpts{
			Name: "appraisal_events_appended_total",
			Help: "Events appended to assignment logs by kind",
		}, []string{"kind"}),

		VersionConflicts: f.NewCounter(prometheus.CounterOpts{
			Name: "appraisal_version_conflicts_total",
			Help: "Appends refused because the log moved past the loaded version",
		}),

		Reopens: f.NewCounterVec(prometheus.CounterOpts{
			Name: "appraisal_reopen_decisions_total",
			Help: "Reopen attempts by role and result",
		}, []string{"role", "result"}),

		WebhookDeliveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "appraisal_webhook_deliveries_total",
			Help: "Webhook deliveries by hook and result",
		}, []string{"hook", "result"}),
	}
}

func (m *Metrics) ObserveCommand(operation, outcome string, d time.Duration) {
	if m != nil {
		m.Commands.WithLabelValues(operation, outcome).Inc()
		m.CommandLatency.WithLabelValues(operation).Observe(d.Seconds())
	}
}

func (m *Metrics) IncrementEvent(kind string) {
	if m != nil {
		m.EventsAppended.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) IncrementConflict() {
	if m != nil {
		m.VersionConflicts.Inc()
	}
}

func (m *Metrics) IncrementReopen(role, result string) {
	if m != nil {
		m.Reopens.WithLabelValues(role, result).Inc()
	}
}

func (m *Metrics) IncrementDelivery(hook, result string) {
	if m != nil {
		m.WebhookDeliveries.WithLabelValues(hook, result).Inc()
	}
}
