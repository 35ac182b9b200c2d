// Package metrics exposes start/stop operation metrics on the controller-runtime registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

const namespace = "kubex_appswitch"

// Recorder holds the operation collectors.
type Recorder struct {
	Operations       *prometheus.CounterVec
	OperationSeconds *prometheus.HistogramVec
	SubSteps         *prometheus.CounterVec
	SharedSkips      prometheus.Counter
	LeaseConflicts   prometheus.Counter
}

// NewRecorder creates the collectors and registers them with reg.
// A nil reg skips registration.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Start/stop operations by action and overall status.",
		}, []string{"action", "status"}),
		OperationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Wall time of start/stop operations.",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"action"}),
		SubSteps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "substeps_total",
			Help:      "Per-resource steps by resource kind and result.",
		}, []string{"resource", "status"}),
		SharedSkips: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shared_database_skips_total",
			Help:      "Database stops skipped because another application depends on the instance.",
		}),
		LeaseConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lease_conflicts_total",
			Help:      "Operations rejected because one was already in progress.",
		}),
	}
	if reg != nil {
		reg.MustRegister(r.Operations, r.OperationSeconds, r.SubSteps, r.SharedSkips, r.LeaseConflicts)
	}
	return r
}

// Register creates a Recorder on the controller-runtime metrics registry.
func Register() *Recorder {
	return NewRecorder(metrics.Registry)
}

func (r *Recorder) ObserveOperation(action, status string, d time.Duration) {
	if r == nil {
		return
	}
	r.Operations.WithLabelValues(action, status).Inc()
	r.OperationSeconds.WithLabelValues(action).Observe(d.Seconds())
}

func (r *Recorder) ObserveStep(resource, status string) {
	if r == nil {
		return
	}
	r.SubSteps.WithLabelValues(resource, status).Inc()
}

func (r *Recorder) SharedSkip() {
	if r == nil {
		return
	}
	r.SharedSkips.Inc()
}

func (r *Recorder) LeaseConflict() {
	if r == nil {
		return
	}
	r.LeaseConflicts.Inc()
}
