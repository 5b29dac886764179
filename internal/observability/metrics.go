package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Call outcomes used as metric labels.
const (
	OutcomeOK        = "ok"
	OutcomeException = "exception"
	OutcomeFailure   = "failure"
	OutcomeAccepted  = "accepted"
	OutcomeRejected  = "rejected"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rfcctl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"program", "method", "route", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "rfcctl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"program", "method", "route", "status"},
	)
	serverCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rfcctl",
			Subsystem: "server",
			Name:      "calls_total",
			Help:      "Function calls dispatched by the server.",
		},
		[]string{"program", "function", "outcome"},
	)
	serverCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "rfcctl",
			Subsystem: "server",
			Name:      "call_duration_seconds",
			Help:      "Server handler duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"program", "function"},
	)
	serverLogons = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rfcctl",
			Subsystem: "server",
			Name:      "logons_total",
			Help:      "Logon attempts by outcome.",
		},
		[]string{"program", "outcome"},
	)
	serverSessions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "rfcctl",
			Subsystem: "server",
			Name:      "sessions_active",
			Help:      "Connected client sessions.",
		},
		[]string{"program"},
	)
	clientCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rfcctl",
			Subsystem: "client",
			Name:      "calls_total",
			Help:      "Remote function calls issued by client sessions.",
		},
		[]string{"destination", "function", "outcome"},
	)
	clientCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "rfcctl",
			Subsystem: "client",
			Name:      "call_duration_seconds",
			Help:      "Client round-trip duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"destination", "function"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			serverCalls,
			serverCallDuration,
			serverLogons,
			serverSessions,
			clientCalls,
			clientCallDuration,
		)
	})
}

func RecordHTTPRequest(program, method, route string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(program, method, route, statusLabel).Inc()
	httpDuration.WithLabelValues(program, method, route, statusLabel).Observe(duration.Seconds())
}

func RecordServerCall(program, function, outcome string, duration time.Duration) {
	RegisterMetrics()
	serverCalls.WithLabelValues(program, function, outcome).Inc()
	serverCallDuration.WithLabelValues(program, function).Observe(duration.Seconds())
}

func RecordLogon(program, outcome string) {
	RegisterMetrics()
	serverLogons.WithLabelValues(program, outcome).Inc()
}

// SessionOpened and SessionClosed track the active session gauge.
func SessionOpened(program string) {
	RegisterMetrics()
	serverSessions.WithLabelValues(program).Inc()
}

func SessionClosed(program string) {
	RegisterMetrics()
	serverSessions.WithLabelValues(program).Dec()
}

func RecordClientCall(destination, function, outcome string, duration time.Duration) {
	RegisterMetrics()
	clientCalls.WithLabelValues(destination, function, outcome).Inc()
	clientCallDuration.WithLabelValues(destination, function).Observe(duration.Seconds())
}
