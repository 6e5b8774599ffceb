// Package observability provides Prometheus metrics instrumentation for the
// gateway.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_messages_received_total",
			Help: "Total number of inbound broker messages enqueued for processing",
		},
		[]string{"topic"},
	)

	dispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_dispatch_total",
			Help: "Total number of handler dispatches",
		},
		[]string{"handler", "status"}, // status: submitted, no_handler, auth_failed, translation_failed, submit_failed
	)

	settlementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_settlements_total",
			Help: "Total number of acknowledgment settlements",
		},
		[]string{"handler", "outcome"}, // outcome: ack, nack_rejected, nack_failed
	)

	deferredPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_deferred_pending",
			Help: "Number of deferred acknowledgments awaiting settlement",
		},
	)

	queueRejectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_queue_rejections_total",
			Help: "Total number of messages rejected because the processing queue was full",
		},
	)
)

// RecordMessageReceived increments the inbound message counter.
func RecordMessageReceived(topic string) {
	messagesReceivedTotal.WithLabelValues(topic).Inc()
}

// RecordDispatch increments the dispatch counter for a handler and status.
func RecordDispatch(handler, status string) {
	dispatchTotal.WithLabelValues(handler, status).Inc()
}

// RecordSettlement increments the settlement counter.
func RecordSettlement(handler, outcome string) {
	settlementsTotal.WithLabelValues(handler, outcome).Inc()
}

// SetDeferredPending records the current number of pending deferred acks.
func SetDeferredPending(n int) {
	deferredPending.Set(float64(n))
}

// RecordQueueRejection increments the backpressure counter.
func RecordQueueRejection() {
	queueRejectionsTotal.Inc()
}
