package outbox

import "github.com/prometheus/client_golang/prometheus"

var (
	// outboxEvents counts queue transitions by kind of event.
	outboxEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kf_outbox_events_total",
			Help: "Outbox queue events (enqueued, delivered, deferred, retried, dropped, evicted, coalesced).",
		},
		[]string{"event"},
	)

	// outboxDepth gauges the number of pending entries.
	outboxDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kf_outbox_depth",
			Help: "Current number of pending outbox entries.",
		},
	)

	// relaySends counts immediate sends by outcome.
	relaySends = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kf_relay_sends_total",
			Help: "Immediate channel sends by outcome (sent, queued, failed).",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(outboxEvents, outboxDepth, relaySends)
}
