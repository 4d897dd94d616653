package master

import (
	"errors"
	"fmt"
	"sort"

	"github.com/danmuck/rayctl/internal/scene"
	"github.com/danmuck/rayctl/internal/stats"
)

var (
	ErrUnassignedTreelets     = errors.New("master: unassigned treelets after static packing")
	ErrEmptyStaticAssignment  = errors.New("master: static policy left a worker without treelets")
	ErrMissingTreeletWeights  = errors.New("master: static policy needs manifest treelet weights")
	ErrNoWorkersForAssignment = errors.New("master: static policy needs at least one worker")
)

// assignObject records one object on a worker and charges its size
// against the worker's storage budget.
func (m *Master) assignObject(w *workerRecord, key scene.ObjectKey) {
	if _, have := w.objects[key]; have {
		return
	}
	info := m.sceneObjects[key]
	if info == nil {
		return
	}
	info.workers[w.id] = struct{}{}
	w.objects[key] = struct{}{}
	if info.size < w.freeSpace {
		w.freeSpace -= info.size
	} else {
		w.freeSpace = 0
	}
}

// assignTreelet attaches one treelet plus its transitive dependencies.
func (m *Master) assignTreelet(w *workerRecord, treeletID uint64) {
	key := scene.TreeletKey(treeletID)
	m.assignObject(w, key)
	for _, dep := range m.cfg.Inventory.RecursiveDependencies(key) {
		m.assignObject(w, dep)
	}
}

// assignBaseSceneObjects attaches the minimum every worker needs.
func (m *Master) assignBaseSceneObjects(w *workerRecord) {
	m.assignObject(w, scene.ObjectKey{Kind: scene.KindScene, ID: 0})
	m.assignObject(w, scene.ObjectKey{Kind: scene.KindCamera, ID: 0})
	m.assignObject(w, scene.ObjectKey{Kind: scene.KindSampler, ID: 0})
	m.assignObject(w, scene.ObjectKey{Kind: scene.KindLights, ID: 0})
}

// assignTreeletsUniformly gives worker w treelet 0 and treelet
// 1 + ((w-1) mod (T-1)).
func (m *Master) assignTreeletsUniformly(w *workerRecord) error {
	nonRoot := len(m.treeletIDs) - 1
	m.assignTreelet(w, 0)
	if nonRoot <= 0 {
		return nil
	}
	m.assignTreelet(w, 1+(uint64(w.id)-1)%uint64(nonRoot))
	return nil
}

// loadStaticAssignment bin-packs the non-root treelets over numWorkers
// using the manifest's target probability weights. Every treelet must
// end up with at least one owner and every worker with at least one
// treelet, or the job is rejected before any worker connects.
func (m *Master) loadStaticAssignment(numWorkers uint32) error {
	if numWorkers == 0 {
		return ErrNoWorkersForAssignment
	}
	if !m.cfg.Inventory.HasProbs() {
		return ErrMissingTreeletWeights
	}

	alloc, err := newAllocator(m.cfg.Inventory, numWorkers)
	if err != nil {
		return err
	}

	m.staticAssignments = make(map[uint32][]uint64, numWorkers)
	for wid := uint32(0); wid < numWorkers; wid++ {
		budget := m.cfg.Tunables.WorkerStorageBudget
		tid, ok := alloc.allocate(budget)
		if !ok {
			return fmt.Errorf("%w: worker %d (budget %d bytes)",
				ErrEmptyStaticAssignment, wid+1, budget)
		}
		m.staticAssignments[wid] = append(m.staticAssignments[wid], tid)
	}

	if unassigned := alloc.unassigned(); len(unassigned) > 0 {
		return fmt.Errorf("%w: %v", ErrUnassignedTreelets, unassigned)
	}

	for wid := uint32(0); wid < numWorkers; wid++ {
		m.logger.Info().
			Uint32("worker", wid+1).
			Uints64("treelets", m.staticAssignments[wid]).
			Msg("static assignment")
	}
	return nil
}

// allocator greedily places the treelet with the largest remaining
// deficit against its target share on each successive worker.
type allocator struct {
	ids        []uint64
	weights    map[uint64]float64
	footprints map[uint64]uint64
	counts     map[uint64]int
	numWorkers uint32
}

func newAllocator(inv *scene.Inventory, numWorkers uint32) (*allocator, error) {
	a := &allocator{
		weights:    make(map[uint64]float64),
		footprints: make(map[uint64]uint64),
		counts:     make(map[uint64]int),
		numWorkers: numWorkers,
	}
	var totalWeight float64
	for _, tid := range inv.TreeletIDs() {
		if tid == 0 {
			continue
		}
		a.ids = append(a.ids, tid)
		a.weights[tid] = inv.TreeletProb(tid)
		totalWeight += inv.TreeletProb(tid)
		footprint, err := inv.TreeletFootprint(tid)
		if err != nil {
			return nil, err
		}
		a.footprints[tid] = footprint
	}
	if totalWeight > 0 {
		for tid := range a.weights {
			a.weights[tid] /= totalWeight
		}
	}
	return a, nil
}

// allocate picks the best-fitting treelet for the next worker, or
// reports that nothing fits the worker's budget.
func (a *allocator) allocate(budget uint64) (uint64, bool) {
	best := uint64(0)
	bestDeficit := 0.0
	found := false
	for _, tid := range a.ids {
		if a.footprints[tid] > budget {
			continue
		}
		deficit := a.weights[tid]*float64(a.numWorkers) - float64(a.counts[tid])
		// Unowned treelets always beat rebalancing owned ones.
		if a.counts[tid] == 0 {
			deficit += float64(a.numWorkers)
		}
		if !found || deficit > bestDeficit {
			best = tid
			bestDeficit = deficit
			found = true
		}
	}
	if !found {
		return 0, false
	}
	a.counts[best]++
	return best, true
}

// unassigned lists treelets no worker ended up holding.
func (a *allocator) unassigned() []uint64 {
	var out []uint64
	for _, tid := range a.ids {
		if a.counts[tid] == 0 {
			out = append(out, tid)
		}
	}
	return out
}

// workerHoldings lists the treelets recorded for one worker; the
// status tables use it.
func (m *Master) workerHoldings(id stats.WorkerID) []uint64 {
	w := m.workers[id]
	if w == nil {
		return nil
	}
	var out []uint64
	for key := range w.objects {
		if key.Kind == scene.KindTreelet {
			out = append(out, key.ID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
