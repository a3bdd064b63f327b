package observability

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dicomctl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin API requests.",
		},
		[]string{"service", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dicomctl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin API request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "path", "status"},
	)
	associations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dicomctl",
			Subsystem: "association",
			Name:      "attempts_total",
			Help:      "Association attempts by role and outcome.",
		},
		[]string{"role", "outcome"},
	)
	dimseOps = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dicomctl",
			Subsystem: "dimse",
			Name:      "operation_duration_seconds",
			Help:      "DIMSE request/response round trips by operation and status.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"op", "status"},
	)
	fileOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dicomctl",
			Subsystem: "send",
			Name:      "files_total",
			Help:      "Delivered files by final state.",
		},
		[]string{"state"},
	)
	transcodes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dicomctl",
			Subsystem: "transcode",
			Name:      "duration_seconds",
			Help:      "Transcode duration by source syntax and outcome.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"syntax", "outcome"},
	)
	jobsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "dicomctl",
			Subsystem: "send",
			Name:      "jobs_active",
			Help:      "Transmission jobs currently running.",
		},
	)
	storedInstances = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dicomctl",
			Subsystem: "scp",
			Name:      "instances_total",
			Help:      "Instances received by the storage acceptor.",
		},
		[]string{"status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			associations, dimseOps,
			fileOutcomes, transcodes, jobsActive,
			storedInstances,
		)
	})
}

func RecordHTTPRequest(service, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(service, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(service, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordAssociation(role, outcome string) {
	RegisterMetrics()
	associations.WithLabelValues(role, outcome).Inc()
}

func RecordDIMSE(op, status string, duration time.Duration) {
	RegisterMetrics()
	dimseOps.WithLabelValues(op, status).Observe(duration.Seconds())
}

func RecordFileOutcome(state string) {
	RegisterMetrics()
	fileOutcomes.WithLabelValues(state).Inc()
}

func RecordTranscode(syntax, outcome string, duration time.Duration) {
	RegisterMetrics()
	transcodes.WithLabelValues(syntax, outcome).Observe(duration.Seconds())
}

// TrackJob bumps the active job gauge and returns the matching decrement.
func TrackJob() func() {
	RegisterMetrics()
	jobsActive.Inc()
	return jobsActive.Dec
}

func RecordStoredInstance(status uint16) {
	RegisterMetrics()
	storedInstances.WithLabelValues(fmt.Sprintf("0x%04X", status)).Inc()
}
