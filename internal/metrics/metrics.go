// Package metrics provides Prometheus metrics for csmsync.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kimhsiao/csmsync/internal/remote"
	syncpkg "github.com/kimhsiao/csmsync/internal/sync"
)

var (
	// SyncPassesTotal tracks sync passes by status
	SyncPassesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "csmsync",
			Subsystem: "sync",
			Name:      "passes_total",
			Help:      "Total number of sync passes by status",
		},
		[]string{"status"},
	)

	// SyncPassDuration tracks sync pass duration in seconds
	SyncPassDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "csmsync",
			Subsystem: "sync",
			Name:      "pass_duration_seconds",
			Help:      "Duration of sync passes in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	// SyncRecordsTotal tracks per-record outcomes by phase
	SyncRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "csmsync",
			Subsystem: "sync",
			Name:      "records_total",
			Help:      "Total number of records handled by sync phase and result",
		},
		[]string{"phase", "result"},
	)

	// RemoteRequestsTotal tracks calls to remote backends
	RemoteRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "csmsync",
			Subsystem: "remote",
			Name:      "requests_total",
			Help:      "Total number of remote backend calls by backend, operation and result",
		},
		[]string{"backend", "op", "result"},
	)

	// PendingRecords tracks local records not yet confirmed remotely
	PendingRecords = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "csmsync",
			Name:      "pending_records",
			Help:      "Number of local records with an unconfirmed write",
		},
	)

	// DeadLetters tracks pushes and deletes that exhausted their retries
	DeadLetters = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "csmsync",
			Name:      "dead_letters",
			Help:      "Number of dead-lettered pushes and deletes",
		},
	)
)

// Recorder feeds sync and remote outcomes into the package metrics.
type Recorder struct{}

// NewRecorder returns a Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// ObserveRemote implements remote.Observer.
func (r *Recorder) ObserveRemote(backend, op string, err error) {
	result := "ok"
	switch {
	case err == nil:
	case remote.IsNotFound(err):
		result = "not_found"
	case remote.IsForbidden(err):
		result = "forbidden"
	case remote.StatusOf(err) >= 500:
		result = "server_error"
	default:
		result = "error"
	}
	RemoteRequestsTotal.WithLabelValues(backend, op, result).Inc()
}

// ObservePass implements sync.Observer.
func (r *Recorder) ObservePass(res *syncpkg.SyncResult, err error) {
	status := "success"
	if err != nil {
		status = "failed"
	}
	SyncPassesTotal.WithLabelValues(status).Inc()
	if res != nil {
		SyncPassDuration.Observe(res.Duration.Seconds())
	}
}

// ObserveRecord implements sync.Observer.
func (r *Recorder) ObserveRecord(phase, result string) {
	SyncRecordsTotal.WithLabelValues(phase, result).Inc()
}

// ObserveBacklog implements sync.Observer.
func (r *Recorder) ObserveBacklog(pending, deadLetters int) {
	PendingRecords.Set(float64(pending))
	DeadLetters.Set(float64(deadLetters))
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

var (
	_ remote.Observer  = (*Recorder)(nil)
	_ syncpkg.Observer = (*Recorder)(nil)
)
