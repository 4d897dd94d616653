package stats

import (
	"time"

	"github.com/danmuck/rayctl/internal/render"
)

// WorkerID identifies one connected worker; ids are handed out by the
// master in connection order starting at 1.
type WorkerID uint64

type demandKey struct {
	Worker  WorkerID
	Treelet render.TreeletID
}

// DemandTracker estimates rays-per-second demand per (worker, treelet)
// pair from successive demandedRays samples. Aggregates are maintained
// incrementally so every query is O(1).
type DemandTracker struct {
	halflife   time.Duration
	estimators map[demandKey]*RateEstimator
	byWorker   map[WorkerID]float64
	byTreelet  map[render.TreeletID]float64
	total      float64
	now        func() time.Time
}

// NewDemandTracker creates a tracker with the given EWMA half-life.
func NewDemandTracker(halflife time.Duration) *DemandTracker {
	return &DemandTracker{
		halflife:   halflife,
		estimators: make(map[demandKey]*RateEstimator),
		byWorker:   make(map[WorkerID]float64),
		byTreelet:  make(map[render.TreeletID]float64),
		now:        time.Now,
	}
}

// SetClock overrides the time source; used by tests for deterministic
// decay.
func (d *DemandTracker) SetClock(now func() time.Time) {
	d.now = now
	for _, est := range d.estimators {
		est.now = now
	}
}

// Submit folds one worker's stats snapshot into the tracker.
func (d *DemandTracker) Submit(wid WorkerID, ws *WorkerStats) {
	for tid, rs := range ws.Treelets {
		key := demandKey{Worker: wid, Treelet: tid}
		est := d.estimators[key]
		if est == nil {
			est = NewRateEstimator(d.halflife)
			est.now = d.now
			d.estimators[key] = est
		}
		old := est.Rate()
		est.Update(float64(rs.DemandedRays))
		delta := est.Rate() - old
		d.total += delta
		d.byWorker[wid] += delta
		d.byTreelet[tid] += delta
	}
}

// WorkerDemand returns the summed demand across one worker's treelets.
func (d *DemandTracker) WorkerDemand(wid WorkerID) float64 {
	return d.byWorker[wid]
}

// TreeletDemand returns the summed demand for one treelet across
// workers.
func (d *DemandTracker) TreeletDemand(tid render.TreeletID) float64 {
	return d.byTreelet[tid]
}

// WorkerTreeletDemand returns one pair's current rate.
func (d *DemandTracker) WorkerTreeletDemand(wid WorkerID, tid render.TreeletID) float64 {
	if est, ok := d.estimators[demandKey{Worker: wid, Treelet: tid}]; ok {
		return est.Rate()
	}
	return 0
}

// NetDemand returns the job-wide demand rate.
func (d *DemandTracker) NetDemand() float64 {
	return d.total
}
