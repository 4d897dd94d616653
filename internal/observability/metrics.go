package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	raysTraced = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "rayctl",
		Subsystem: "master",
		Name:      "rays_traced_total",
		Help:      "Rays processed across all workers, from stats snapshots.",
	})
	raysShipped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "rayctl",
		Subsystem: "master",
		Name:      "rays_shipped_total",
		Help:      "Rays sent worker-to-worker, from stats snapshots.",
	})
	samplesAccumulated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "rayctl",
		Subsystem: "master",
		Name:      "samples_accumulated_total",
		Help:      "Finished samples folded into the film.",
	})
	connectedWorkers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "rayctl",
		Subsystem: "master",
		Name:      "connected_workers",
		Help:      "Workers with a live control connection.",
	})
	queueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "rayctl",
		Subsystem: "master",
		Name:      "queue_depth",
		Help:      "Aggregate worker queue depths by queue kind.",
	}, []string{"queue"})
)

// RegisterMetrics installs the rayctl collectors exactly once.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			raysTraced, raysShipped, samplesAccumulated,
			connectedWorkers, queueDepth,
		)
	})
}

// AddRaysTraced counts rays processed since the last snapshot.
func AddRaysTraced(n uint64) {
	RegisterMetrics()
	raysTraced.Add(float64(n))
}

// AddRaysShipped counts rays sent between workers.
func AddRaysShipped(n uint64) {
	RegisterMetrics()
	raysShipped.Add(float64(n))
}

// AddSamples counts film contributions.
func AddSamples(n uint64) {
	RegisterMetrics()
	samplesAccumulated.Add(float64(n))
}

// SetConnectedWorkers tracks the roster size.
func SetConnectedWorkers(n int) {
	RegisterMetrics()
	connectedWorkers.Set(float64(n))
}

// SetQueueDepth reports one aggregate queue depth.
func SetQueueDepth(queue string, depth uint64) {
	RegisterMetrics()
	queueDepth.WithLabelValues(queue).Set(float64(depth))
}
