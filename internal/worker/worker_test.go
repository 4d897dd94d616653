package worker

import (
	"testing"

	"github.com/danmuck/rayctl/internal/config"
	"github.com/danmuck/rayctl/internal/render"
	"github.com/danmuck/rayctl/internal/stats"
	"github.com/danmuck/rayctl/internal/trace"
	"github.com/danmuck/rayctl/internal/trace/flatscene"
	"github.com/danmuck/rayctl/internal/transport"
	"github.com/rs/zerolog"
)

func testScene() *flatscene.Scene {
	return &flatscene.Scene{
		Camera: flatscene.Camera{Origin: [3]float64{0, 0, 0}, FOV: 60},
		Light:  flatscene.Light{Position: [3]float64{0, 5, 0}, Intensity: [3]float64{40, 40, 40}},
		Film:   flatscene.Film{Width: 4, Height: 4, SamplesPerPixel: 1},
		Spheres: []flatscene.Sphere{
			{Treelet: 1, Center: [3]float64{0, 0, -5}, Radius: 1, Albedo: [3]float64{0.8, 0.2, 0.2}},
			{Treelet: 2, Center: [3]float64{2, 0, -6}, Radius: 1, Albedo: [3]float64{0.2, 0.8, 0.2}},
		},
	}
}

func newTestWorker(t *testing.T, residents ...render.TreeletID) *Worker {
	t.Helper()
	kernel := flatscene.NewKernel(testScene())
	kernel.Residents(residents)

	w, err := New(Config{
		CoordinatorAddr: "127.0.0.1:1",
		BackendURI:      "file://" + t.TempDir(),
		WorkDir:         t.TempDir(),
		Loader:          func(string) (trace.Kernel, error) { return kernel, nil },
		Seed:            42,
		Tunables:        config.Default(),
		Logger:          zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	w.kernel = kernel
	w.scenedUp = true
	for _, tid := range residents {
		w.treelets[tid] = struct{}{}
	}
	return w
}

func rayFor(treelet render.TreeletID, sampleID uint64) render.RayState {
	r := render.RayState{
		Sample: render.SampleInfo{ID: sampleID, Weight: 1},
		Ray:    render.Ray{Dir: render.Vec3{Z: -1}, TMax: 1e30},
		Beta:   render.RGB{R: 1, G: 1, B: 1},
	}
	r.ToVisit = []render.TreeletVisit{{Treelet: treelet}}
	return r
}

func TestRouteKeepsResidentRaysLocal(t *testing.T) {
	w := newTestWorker(t, 0, 1)
	w.route(rayFor(1, 1))

	if len(w.rayQueue) != 1 {
		t.Fatalf("ray queue %d, want 1", len(w.rayQueue))
	}
	if w.outQueueSize != 0 || w.pendingQueueSize != 0 {
		t.Fatalf("resident ray left the worker")
	}
	if w.ws.Treelets[1].DemandedRays != 1 || w.ws.Treelets[1].WaitingRays != 1 {
		t.Fatalf("stats not recorded: %+v", w.ws.Treelets[1])
	}
}

func TestRouteShipsToKnownOwner(t *testing.T) {
	w := newTestWorker(t, 0)
	w.treeletToWorker[2] = []stats.WorkerID{4}
	w.route(rayFor(2, 1))

	if len(w.outQueue[2]) != 1 || w.outQueueSize != 1 {
		t.Fatalf("ray not on outbound queue")
	}
	if w.ws.Treelets[2].SendingRays != 1 {
		t.Fatalf("sending not recorded")
	}
}

func TestRouteParksUnknownTreelet(t *testing.T) {
	w := newTestWorker(t, 0)
	w.route(rayFor(3, 1))

	if len(w.pendingQueue[3]) != 1 || w.pendingQueueSize != 1 {
		t.Fatalf("ray not parked")
	}
	if _, needed := w.neededTreelets[3]; !needed {
		t.Fatalf("treelet 3 not marked needed")
	}
	if w.ws.Treelets[3].PendingRays != 1 {
		t.Fatalf("pending not recorded")
	}
}

// Routing soundness: a ray is traced here only if its current treelet
// is resident.
func TestHandleRayQueueNeverTracesForeignRays(t *testing.T) {
	w := newTestWorker(t, 0, 1)
	w.pushRayQueue(rayFor(2, 7))

	if err := w.handleRayQueue(); err != nil {
		t.Fatalf("handle ray queue: %v", err)
	}
	// The foreign ray must come out parked or outbound, never traced
	// into a hit.
	if len(w.pendingQueue[2]) != 1 {
		t.Fatalf("foreign ray not parked: pending=%d out=%d ray=%d",
			w.pendingQueueSize, w.outQueueSize, len(w.rayQueue))
	}
	parked := w.pendingQueue[2][0]
	if parked.HasHit {
		t.Fatalf("foreign ray was traced")
	}
}

func TestDrainPendingPreservesOrder(t *testing.T) {
	w := newTestWorker(t, 0)
	for i := uint64(1); i <= 5; i++ {
		w.route(rayFor(6, i))
	}
	if w.pendingQueueSize != 5 {
		t.Fatalf("pending size %d", w.pendingQueueSize)
	}

	w.treeletToWorker[6] = []stats.WorkerID{2}
	w.drainPending(6)

	if w.pendingQueueSize != 0 || w.outQueueSize != 5 {
		t.Fatalf("drain moved %d rays, pending left %d", w.outQueueSize, w.pendingQueueSize)
	}
	for i, ray := range w.outQueue[6] {
		if ray.Sample.ID != uint64(i+1) {
			t.Fatalf("order lost at %d: sample %d", i, ray.Sample.ID)
		}
	}
}

func TestGenerateRaysAssignsUniqueSampleIDs(t *testing.T) {
	left := newTestWorker(t, 0)
	right := newTestWorker(t, 0)

	// Two disjoint tiles of the 4x4 film.
	left.generateRays(render.Bounds2i{
		Max: render.Point2i{X: 2, Y: 4},
	})
	right.generateRays(render.Bounds2i{
		Min: render.Point2i{X: 2},
		Max: render.Point2i{X: 4, Y: 4},
	})

	seen := make(map[uint64]struct{})
	for _, q := range [][]render.RayState{left.rayQueue, right.rayQueue} {
		for _, ray := range q {
			if _, dup := seen[ray.Sample.ID]; dup {
				t.Fatalf("duplicate sample id %d", ray.Sample.ID)
			}
			seen[ray.Sample.ID] = struct{}{}
		}
	}
	if len(seen) != 16 {
		t.Fatalf("generated %d samples, want 16", len(seen))
	}
}

// S4: full request/response handshake between two workers; Connected
// only when the echoed seed matches.
func TestPeerHandshake(t *testing.T) {
	a := newTestWorker(t, 0, 1)
	b := newTestWorker(t, 0, 2)

	sockA, err := transport.ListenPacket("127.0.0.1:0")
	if err != nil {
		t.Fatalf("sock a: %v", err)
	}
	defer sockA.Close()
	sockB, err := transport.ListenPacket("127.0.0.1:0")
	if err != nil {
		t.Fatalf("sock b: %v", err)
	}
	defer sockB.Close()
	a.sock, b.sock = sockA, sockB
	a.id, a.hasID = 1, true
	b.id, b.hasID = 2, true

	// Master introductions.
	if _, err := a.processMessage(connectTo(2, sockB)); err != nil {
		t.Fatalf("a connect-to: %v", err)
	}
	if _, err := b.processMessage(connectTo(1, sockA)); err != nil {
		t.Fatalf("b connect-to: %v", err)
	}
	if a.peers[2].state != peerConnecting || b.peers[1].state != peerConnecting {
		t.Fatalf("peers must start connecting")
	}

	// Park a ray on A for a treelet B owns; the drain must fire on
	// handshake completion.
	a.route(rayFor(2, 99))

	// A's peer tick sends the request; B answers; A completes.
	a.handlePeers()
	pump(t, b, sockB)
	pump(t, a, sockA)

	if a.peers[2].state != peerConnected {
		t.Fatalf("a did not connect peer 2")
	}
	if _, ok := a.peers[2].treelets[2]; !ok {
		t.Fatalf("advertised treelets not recorded: %v", a.peers[2].treelets)
	}
	if a.pendingQueueSize != 0 || len(a.outQueue[2]) != 1 {
		t.Fatalf("pending ray not drained to outbound")
	}
	// B saw only the request; it stays connecting until its own
	// request is echoed.
	if b.peers[1].state != peerConnecting {
		t.Fatalf("b connected without a matching echo")
	}
}

func TestHandshakeIgnoresMismatchedSeed(t *testing.T) {
	a := newTestWorker(t, 0, 1)
	sockA, err := transport.ListenPacket("127.0.0.1:0")
	if err != nil {
		t.Fatalf("sock: %v", err)
	}
	defer sockA.Close()
	a.sock = sockA
	a.id, a.hasID = 1, true

	if _, err := a.processMessage(connectTo(2, sockA)); err != nil {
		t.Fatalf("connect-to: %v", err)
	}

	wrong := protocolConnectionResponse(2, 777, a.mySeed+1, []render.TreeletID{2})
	if _, err := a.processMessage(wrong); err != nil {
		t.Fatalf("process: %v", err)
	}
	if a.peers[2].state != peerConnecting {
		t.Fatalf("mismatched seed accepted")
	}
	if len(a.treeletToWorker[2]) != 0 {
		t.Fatalf("treelets recorded from mismatched response")
	}
}
