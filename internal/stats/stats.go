// Package stats tracks ray movement per treelet and aggregates
// worker-reported snapshots on the master.
package stats

import "github.com/danmuck/rayctl/internal/render"

// RayStats counts the seven categories of ray movement for one scope.
type RayStats struct {
	// SentRays were shipped to a peer.
	SentRays uint64
	// ReceivedRays arrived from a peer.
	ReceivedRays uint64
	// WaitingRays entered the local queue.
	WaitingRays uint64
	// ProcessedRays were popped for tracing.
	ProcessedRays uint64
	// DemandedRays named this treelet as their next intersection target.
	DemandedRays uint64
	// SendingRays were enqueued on an outbound peer queue.
	SendingRays uint64
	// PendingRays were parked awaiting peer resolution.
	PendingRays uint64
}

// Reset zeroes every counter.
func (r *RayStats) Reset() {
	*r = RayStats{}
}

// Merge adds another scope's counters into this one.
func (r *RayStats) Merge(other RayStats) {
	r.SentRays += other.SentRays
	r.ReceivedRays += other.ReceivedRays
	r.WaitingRays += other.WaitingRays
	r.ProcessedRays += other.ProcessedRays
	r.DemandedRays += other.DemandedRays
	r.SendingRays += other.SendingRays
	r.PendingRays += other.PendingRays
}

// QueueStats is a point-in-time snapshot of the worker's containers.
type QueueStats struct {
	Ray               uint64
	Finished          uint64
	Pending           uint64
	Out               uint64
	Connecting        uint64
	Connected         uint64
	OutstandingPacket uint64
}

// WorkerStats is one worker's snapshot between two stats ticks.
// Counters are scoped by the treelet that was current when the event
// happened.
type WorkerStats struct {
	FinishedPaths uint64
	Aggregate     RayStats
	Queue         QueueStats
	Treelets      map[render.TreeletID]*RayStats
}

// NewWorkerStats returns an empty snapshot.
func NewWorkerStats() *WorkerStats {
	return &WorkerStats{Treelets: make(map[render.TreeletID]*RayStats)}
}

func (w *WorkerStats) treelet(id render.TreeletID) *RayStats {
	if w.Treelets == nil {
		w.Treelets = make(map[render.TreeletID]*RayStats)
	}
	rs := w.Treelets[id]
	if rs == nil {
		rs = &RayStats{}
		w.Treelets[id] = rs
	}
	return rs
}

func (w *WorkerStats) RecordFinishedPath() {
	w.FinishedPaths++
}

func (w *WorkerStats) RecordSentRay(id render.TreeletID) {
	w.Aggregate.SentRays++
	w.treelet(id).SentRays++
}

func (w *WorkerStats) RecordReceivedRay(id render.TreeletID) {
	w.Aggregate.ReceivedRays++
	w.treelet(id).ReceivedRays++
}

func (w *WorkerStats) RecordWaitingRay(id render.TreeletID) {
	w.Aggregate.WaitingRays++
	w.treelet(id).WaitingRays++
}

func (w *WorkerStats) RecordProcessedRay(id render.TreeletID) {
	w.Aggregate.ProcessedRays++
	w.treelet(id).ProcessedRays++
}

func (w *WorkerStats) RecordDemandedRay(id render.TreeletID) {
	w.Aggregate.DemandedRays++
	w.treelet(id).DemandedRays++
}

func (w *WorkerStats) RecordSendingRay(id render.TreeletID) {
	w.Aggregate.SendingRays++
	w.treelet(id).SendingRays++
}

func (w *WorkerStats) RecordPendingRay(id render.TreeletID) {
	w.Aggregate.PendingRays++
	w.treelet(id).PendingRays++
}

// Reset clears the snapshot for the next interval. Queue depths are
// point-in-time and are overwritten on the next tick anyway.
func (w *WorkerStats) Reset() {
	w.FinishedPaths = 0
	w.Aggregate.Reset()
	w.Queue = QueueStats{}
	w.Treelets = make(map[render.TreeletID]*RayStats)
}

// Merge folds another snapshot into this one. Counters add; queue
// depths are replaced since successive snapshots supersede each other.
func (w *WorkerStats) Merge(other *WorkerStats) {
	w.FinishedPaths += other.FinishedPaths
	w.Aggregate.Merge(other.Aggregate)
	w.Queue = other.Queue
	for id, rs := range other.Treelets {
		w.treelet(id).Merge(*rs)
	}
}

// Clone returns a deep copy of the snapshot.
func (w *WorkerStats) Clone() *WorkerStats {
	out := NewWorkerStats()
	out.FinishedPaths = w.FinishedPaths
	out.Aggregate = w.Aggregate
	out.Queue = w.Queue
	for id, rs := range w.Treelets {
		cp := *rs
		out.Treelets[id] = &cp
	}
	return out
}
