package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "miknet",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"service", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "miknet",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "path", "status"},
	)
	droppedUnits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "miknet",
			Subsystem: "conn",
			Name:      "dropped_total",
			Help:      "Inbound units or timer firings discarded without a state change.",
		},
		[]string{"reason"},
	)
	retransmits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "miknet",
			Subsystem: "conn",
			Name:      "retransmits_total",
			Help:      "Retransmitted units by kind.",
		},
		[]string{"kind"},
	)
	handshakes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "miknet",
			Subsystem: "conn",
			Name:      "handshakes_total",
			Help:      "Completed or abandoned handshakes.",
		},
		[]string{"role", "outcome"},
	)
	closed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "miknet",
			Subsystem: "conn",
			Name:      "closed_total",
			Help:      "Connections closed by outcome.",
		},
		[]string{"outcome"},
	)
	datagrams = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "miknet",
			Subsystem: "endpoint",
			Name:      "datagrams_total",
			Help:      "Datagrams moved through endpoint sockets.",
		},
		[]string{"direction"},
	)
	benchTrips = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "miknet",
			Subsystem: "bench",
			Name:      "round_trip_seconds",
			Help:      "Benchmark request/response round trip time.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
		},
		[]string{"protocol"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequests, httpDuration, droppedUnits, retransmits, handshakes, closed, datagrams, benchTrips)
	})
}

func RecordHTTPRequest(service, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(service, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(service, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordDrop(reason string) {
	RegisterMetrics()
	droppedUnits.WithLabelValues(reason).Inc()
}

func RecordRetransmits(kind string, n int) {
	RegisterMetrics()
	retransmits.WithLabelValues(kind).Add(float64(n))
}

func RecordHandshake(role, outcome string) {
	RegisterMetrics()
	handshakes.WithLabelValues(role, outcome).Inc()
}

func RecordClosed(outcome string) {
	RegisterMetrics()
	closed.WithLabelValues(outcome).Inc()
}

func RecordDatagram(direction string) {
	RegisterMetrics()
	datagrams.WithLabelValues(direction).Inc()
}

func RecordRoundTrip(protocol string, d time.Duration) {
	RegisterMetrics()
	benchTrips.WithLabelValues(protocol).Observe(d.Seconds())
}
