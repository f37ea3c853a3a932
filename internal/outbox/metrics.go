package outbox

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels used by the task metrics.
const (
	outcomeDelivered = "delivered"
	outcomeSkipped   = "skipped"
	outcomeRetried   = "retried"
	outcomeFailed    = "failed"
	outcomeLeaseLost = "lease_lost"
)

var (
	// tasksTotal counts finished task attempts by kind and outcome.
	tasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_tasks_total",
			Help: "Outbox task attempts by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	// deliveryLat records the external call duration in seconds by kind.
	deliveryLat = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "outbox_delivery_duration_seconds",
			Help:    "Duration of external document calls in seconds.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"kind"},
	)

	pendingGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "outbox_pending_tasks",
		Help: "Tasks waiting in the outbox.",
	})

	cursorGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "outbox_cursor_last_processed_id",
		Help: "Highest task id below which every task is processed.",
	})
)

func init() {
	prometheus.MustRegister(tasksTotal, deliveryLat, pendingGauge, cursorGauge)
}
