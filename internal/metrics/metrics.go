package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is the dedicated Prometheus registry for the service
	Registry = prometheus.NewRegistry()
	// HTTPRequests counts requests by method, path, and status
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "relay_http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "path", "status"},
	)
	// HTTPDuration records request durations in seconds
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "relay_http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "path", "status"},
	)

	// DeliveryAttempts counts outbound attempts by event and outcome (success, rejected, transport)
	DeliveryAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "relay_delivery_attempts_total", Help: "Outbound webhook attempts by event and outcome."},
		[]string{"event", "outcome"},
	)
	// DeliveryLatency tracks attempt durations in milliseconds
	DeliveryLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "relay_delivery_attempt_duration_ms", Help: "Outbound webhook attempt duration in ms.", Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000, 10000}},
		[]string{"event", "outcome"},
	)
	// DeliveriesTerminal counts deliveries reaching a terminal state
	DeliveriesTerminal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "relay_deliveries_terminal_total", Help: "Deliveries reaching a terminal state."},
		[]string{"event", "state"},
	)
	// InboundRequests counts provider callbacks by verification/processing result
	InboundRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "relay_inbound_requests_total", Help: "Inbound provider callbacks by result."},
		[]string{"provider", "result"},
	)
	// QueueClaimed counts jobs handed to workers
	QueueClaimed = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "relay_queue_jobs_claimed_total", Help: "Delivery jobs claimed from the queue."},
	)
	// QueueRecovered counts overdue deliveries put back on the queue by the ledger sweep
	QueueRecovered = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "relay_queue_jobs_recovered_total", Help: "Overdue deliveries re-enqueued from the ledger."},
	)
)

// Outcome labels for DeliveryAttempts.
const (
	OutcomeSuccess   = "success"
	OutcomeRejected  = "rejected"
	OutcomeTransport = "transport"
)

// RegisterDefault registers collectors to the service registry.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(HTTPRequests)
		Registry.MustRegister(HTTPDuration)
		Registry.MustRegister(DeliveryAttempts)
		Registry.MustRegister(DeliveryLatency)
		Registry.MustRegister(DeliveriesTerminal)
		Registry.MustRegister(InboundRequests)
		Registry.MustRegister(QueueClaimed)
		Registry.MustRegister(QueueRecovered)
		// Go/process collectors on our registry
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once
