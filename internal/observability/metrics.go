package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Delivery outcome labels.
const (
	OutcomeAccepted       = "accepted"
	OutcomeRejected       = "rejected"
	OutcomeInvalidReceipt = "invalid_receipt"
	OutcomeTransportError = "transport_error"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "towerctl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "towerctl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	appointmentsBuilt = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "towerctl",
			Subsystem: "appointments",
			Name:      "built_total",
			Help:      "Appointments built and persisted per tower.",
		},
		[]string{"tower"},
	)
	deliveryAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "towerctl",
			Subsystem: "delivery",
			Name:      "attempts_total",
			Help:      "Delivery attempts by tower and outcome.",
		},
		[]string{"tower", "outcome"},
	)
	deliveryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "towerctl",
			Subsystem: "delivery",
			Name:      "rpc_duration_seconds",
			Help:      "Tower RPC duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"tower", "outcome"},
	)
	towerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "towerctl",
			Subsystem: "tower",
			Name:      "transitions_total",
			Help:      "Tower status transitions by target state.",
		},
		[]string{"tower", "state"},
	)
	towerRetryCount = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "towerctl",
			Subsystem: "tower",
			Name:      "retry_count",
			Help:      "Current consecutive failure count per tower.",
		},
		[]string{"tower"},
	)
	pendingAppointments = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "towerctl",
			Subsystem: "delivery",
			Name:      "pending",
			Help:      "Queued appointments per tower engine.",
		},
		[]string{"tower"},
	)
	abandonedAppointments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "towerctl",
			Subsystem: "delivery",
			Name:      "abandoned_total",
			Help:      "Pending appointments abandoned because their tower misbehaved.",
		},
		[]string{"tower"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			appointmentsBuilt,
			deliveryAttempts,
			deliveryDuration,
			towerTransitions,
			towerRetryCount,
			pendingAppointments,
			abandonedAppointments,
		)
	})
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

func RecordAppointmentBuilt(tower string) {
	RegisterMetrics()
	appointmentsBuilt.WithLabelValues(tower).Inc()
}

func RecordDelivery(tower, outcome string, duration time.Duration) {
	RegisterMetrics()
	deliveryAttempts.WithLabelValues(tower, outcome).Inc()
	deliveryDuration.WithLabelValues(tower, outcome).Observe(duration.Seconds())
}

func RecordTowerStatus(tower, state string, retryCount int) {
	RegisterMetrics()
	towerTransitions.WithLabelValues(tower, state).Inc()
	towerRetryCount.WithLabelValues(tower).Set(float64(retryCount))
}

func SetPending(tower string, n int) {
	RegisterMetrics()
	pendingAppointments.WithLabelValues(tower).Set(float64(n))
}

func RecordAbandoned(tower string, n int) {
	RegisterMetrics()
	abandonedAppointments.WithLabelValues(tower).Add(float64(n))
}
