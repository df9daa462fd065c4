package engine

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// workerMetrics instruments one worker loop.
type workerMetrics struct {
	tasksProcessed *prometheus.CounterVec
	taskDuration   *prometheus.HistogramVec
	batchSize      prometheus.Histogram
	pollCycles     prometheus.Counter
}

var (
	defaultMetricsOnce sync.Once
	defaultMetrics     *workerMetrics
)

// defaultWorkerMetrics returns the process-wide collectors on the default
// registerer. Shared across workers; the labels keep workflows apart.
func defaultWorkerMetrics() *workerMetrics {
	defaultMetricsOnce.Do(func() {
		defaultMetrics = newWorkerMetrics(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// newWorkerMetrics registers the worker collectors on reg.
func newWorkerMetrics(reg prometheus.Registerer) *workerMetrics {
	factory := promauto.With(reg)

	return &workerMetrics{
		tasksProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dagflow",
			Subsystem: "worker",
			Name:      "tasks_processed_total",
			Help:      "Tasks executed by this worker, by workflow and outcome.",
		}, []string{"workflow", "outcome"}),
		taskDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dagflow",
			Subsystem: "worker",
			Name:      "task_duration_seconds",
			Help:      "Wall time spent executing a single task.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"workflow", "step"}),
		batchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "dagflow",
			Subsystem: "worker",
			Name:      "batch_size",
			Help:      "Tasks claimed per poll cycle.",
			Buckets:   []float64{0, 1, 2, 5, 10, 20, 50},
		}),
		pollCycles: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "dagflow",
			Subsystem: "worker",
			Name:      "poll_cycles_total",
			Help:      "Completed poll cycles, including empty ones.",
		}),
	}
}

// Task outcome label values.
const (
	outcomeCompleted = "completed"
	outcomeFailed    = "failed"
	outcomeTimeout   = "timeout"
	outcomePanic     = "panic"
)
