package master

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/danmuck/rayctl/internal/observability"
	"github.com/danmuck/rayctl/internal/scene"
	"github.com/danmuck/rayctl/internal/stats"
)

// printStatus logs job progress and, when the display flags are set,
// renders the treelet and worker tables.
func (m *Master) printStatus() {
	agg := m.aggregateQueueStats()
	observability.SetQueueDepth("ray", agg.Ray)
	observability.SetQueueDepth("finished", agg.Finished)
	observability.SetQueueDepth("pending", agg.Pending)
	observability.SetQueueDepth("out", agg.Out)

	elapsed := time.Since(m.startTime).Round(time.Second)
	percent := 0.0
	if m.totalPaths > 0 {
		percent = 100 * float64(m.aggregate.FinishedPaths) / float64(m.totalPaths)
	}
	m.logger.Info().
		Uint64("done_paths", m.aggregate.FinishedPaths).
		Str("progress", fmt.Sprintf("%.1f%%", percent)).
		Int("workers", len(m.workers)).
		Int("initialized", len(m.initialized)).
		Int("requests", len(m.pendingRequests)).
		Uint64("rays_up", m.aggregate.Aggregate.SentRays).
		Uint64("rays_down", m.aggregate.Aggregate.ReceivedRays).
		Uint64("samples", m.samplesAccumulated).
		Dur("elapsed", elapsed).
		Msg("status")

	if m.cfg.TreeletStats {
		m.printTreeletStats()
	}
	if m.cfg.WorkerStats {
		m.printWorkerStats()
	}
}

func (m *Master) printTreeletStats() {
	table := tablewriter.NewWriter(os.Stderr)
	table.SetHeader([]string{"Treelet", "Demand (rays/s)", "Allocations"})
	for _, tid := range m.treeletIDs {
		info := m.sceneObjects[scene.TreeletKey(uint64(tid))]
		table.Append([]string{
			fmt.Sprintf("%d", tid),
			fmt.Sprintf("%.2f", m.demand.TreeletDemand(tid)),
			fmt.Sprintf("%d", len(info.workers)),
		})
	}
	fmt.Fprintf(os.Stderr, "net demand (rays/s): %.2f\n", m.demand.NetDemand())
	table.Render()
}

func (m *Master) printWorkerStats() {
	ids := make([]stats.WorkerID, 0, len(m.workers))
	for id := range m.workers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	table := tablewriter.NewWriter(os.Stderr)
	table.SetHeader([]string{
		"Worker", "Treelets", "Ray Q", "Pending Q", "Out Q",
		"Outstanding", "Connecting", "Connected", "Demand (rays/s)",
	})
	for _, id := range ids {
		w := m.workers[id]
		q := w.stats.Queue
		table.Append([]string{
			fmt.Sprintf("%d", id),
			fmt.Sprintf("%v", m.workerHoldings(id)),
			fmt.Sprintf("%d", q.Ray),
			fmt.Sprintf("%d", q.Pending),
			fmt.Sprintf("%d", q.Out),
			fmt.Sprintf("%d", q.OutstandingPacket),
			fmt.Sprintf("%d", q.Connecting),
			fmt.Sprintf("%d", q.Connected),
			fmt.Sprintf("%.2f", m.demand.WorkerDemand(id)),
		})
	}
	table.Render()
}

func (m *Master) aggregateQueueStats() stats.QueueStats {
	var agg stats.QueueStats
	for _, w := range m.workers {
		q := w.stats.Queue
		agg.Ray += q.Ray
		agg.Finished += q.Finished
		agg.Pending += q.Pending
		agg.Out += q.Out
		agg.Connecting += q.Connecting
		agg.Connected += q.Connected
		agg.OutstandingPacket += q.OutstandingPacket
	}
	return agg
}
