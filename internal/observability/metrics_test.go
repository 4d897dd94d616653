package observability

import "testing"

func TestMetricsRegisterOnce(t *testing.T) {
	// Double registration panics in prometheus; the guard must make
	// repeated calls safe.
	RegisterMetrics()
	RegisterMetrics()

	AddRaysTraced(10)
	AddRaysShipped(3)
	AddSamples(5)
	SetConnectedWorkers(2)
	SetQueueDepth("ray", 7)
}
