package stats

import (
	"math"
	"testing"
	"time"

	"github.com/danmuck/rayctl/internal/render"
)

// fakeClock advances only when told to, so decay is deterministic.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func snapshotWithDemand(counts map[render.TreeletID]uint64) *WorkerStats {
	ws := NewWorkerStats()
	for tid, n := range counts {
		for i := uint64(0); i < n; i++ {
			ws.RecordDemandedRay(tid)
		}
	}
	return ws
}

func TestRateEstimatorConvergesToSteadyRate(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	est := NewRateEstimator(time.Second)
	est.now = clock.Now

	// 500 events every 500ms -> 1000 events/s.
	for i := 0; i < 50; i++ {
		est.Update(500)
		clock.Advance(500 * time.Millisecond)
	}
	if got := est.Rate(); math.Abs(got-1000) > 50 {
		t.Fatalf("rate %.1f, want ~1000", got)
	}
}

func TestRateEstimatorFirstSamplePrimes(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	est := NewRateEstimator(time.Second)
	est.now = clock.Now

	est.Update(10000)
	if est.Rate() != 0 {
		t.Fatalf("first sample must only prime the clock, rate=%.1f", est.Rate())
	}
}

// Property: per-pair demands sum to per-treelet and per-worker
// aggregates, and everything sums to net demand.
func TestDemandTrackerAdditivity(t *testing.T) {
	clock := &fakeClock{now: time.Unix(2000, 0)}
	d := NewDemandTracker(10 * time.Second)
	d.SetClock(clock.Now)

	workers := []WorkerID{1, 2, 3}
	treelets := []render.TreeletID{0, 1, 2}

	for round := 0; round < 20; round++ {
		for _, wid := range workers {
			counts := make(map[render.TreeletID]uint64)
			for _, tid := range treelets {
				counts[tid] = uint64(wid)*10 + uint64(tid) + uint64(round%3)
			}
			d.Submit(wid, snapshotWithDemand(counts))
		}
		clock.Advance(500 * time.Millisecond)
	}

	const tol = 1e-9

	for _, tid := range treelets {
		var sum float64
		for _, wid := range workers {
			sum += d.WorkerTreeletDemand(wid, tid)
		}
		if math.Abs(sum-d.TreeletDemand(tid)) > tol {
			t.Fatalf("treelet %d: pair sum %.9f != treelet demand %.9f",
				tid, sum, d.TreeletDemand(tid))
		}
	}

	for _, wid := range workers {
		var sum float64
		for _, tid := range treelets {
			sum += d.WorkerTreeletDemand(wid, tid)
		}
		if math.Abs(sum-d.WorkerDemand(wid)) > tol {
			t.Fatalf("worker %d: pair sum %.9f != worker demand %.9f",
				wid, sum, d.WorkerDemand(wid))
		}
	}

	var total float64
	for _, tid := range treelets {
		total += d.TreeletDemand(tid)
	}
	if math.Abs(total-d.NetDemand()) > tol {
		t.Fatalf("treelet sum %.9f != net demand %.9f", total, d.NetDemand())
	}
}

func TestDemandTrackerUnknownPairIsZero(t *testing.T) {
	d := NewDemandTracker(time.Second)
	if d.WorkerTreeletDemand(9, 9) != 0 || d.WorkerDemand(9) != 0 ||
		d.TreeletDemand(9) != 0 || d.NetDemand() != 0 {
		t.Fatalf("fresh tracker must report zero demand")
	}
}
