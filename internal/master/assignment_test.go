package master

import (
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"

	"github.com/danmuck/rayctl/internal/config"
	"github.com/danmuck/rayctl/internal/scene"
	"github.com/danmuck/rayctl/internal/stats"
	"github.com/danmuck/rayctl/internal/trace/flatscene"
)

// buildInventory assembles a manifest with the base objects plus the
// given treelets.
func buildInventory(t *testing.T, treeletSizes map[uint64]uint64, probs map[uint64]float64) *scene.Inventory {
	t.Helper()
	m := &scene.Manifest{
		Objects: []scene.ManifestObject{
			{Kind: "SCENE", ID: 0, Size: 16},
			{Kind: "CAMERA", ID: 0, Size: 16},
			{Kind: "SAMPLER", ID: 0, Size: 16},
			{Kind: "LIGHTS", ID: 0, Size: 16},
		},
	}
	for id, size := range treeletSizes {
		m.Objects = append(m.Objects, scene.ManifestObject{Kind: "T", ID: id, Size: size})
	}
	for id, prob := range probs {
		m.Treelets = append(m.Treelets, scene.ManifestTreelet{ID: id, Prob: prob})
	}
	if err := m.Validate(); err != nil {
		t.Fatalf("manifest: %v", err)
	}
	inv, err := scene.BuildInventory(m)
	if err != nil {
		t.Fatalf("inventory: %v", err)
	}
	return inv
}

func testSampler() *flatscene.Kernel {
	return flatscene.NewKernel(&flatscene.Scene{
		Camera: flatscene.Camera{FOV: 60},
		Film:   flatscene.Film{Width: 8, Height: 8, SamplesPerPixel: 1},
	})
}

func newTestMaster(t *testing.T, cfg Config) *Master {
	t.Helper()
	if cfg.Sampler == nil {
		cfg.Sampler = testSampler()
	}
	cfg.Logger = zerolog.Nop()
	cfg.Tunables = config.Default()
	if cfg.Seed == 0 {
		cfg.Seed = 11
	}
	m, err := New(cfg)
	if err != nil {
		t.Fatalf("new master: %v", err)
	}
	return m
}

func attach(t *testing.T, m *Master, n int) []*workerRecord {
	t.Helper()
	var out []*workerRecord
	for i := 0; i < n; i++ {
		id := m.nextWorkerID
		m.nextWorkerID++
		w := &workerRecord{
			id:        id,
			objects:   make(map[scene.ObjectKey]struct{}),
			freeSpace: m.cfg.Tunables.WorkerStorageBudget,
			stats:     stats.NewWorkerStats(),
		}
		m.workers[id] = w
		m.assignBaseSceneObjects(w)
		out = append(out, w)
	}
	return out
}

// S2: 2 workers, 2 treelets under Uniform; both hold {0, 1}.
func TestUniformAssignmentTwoWorkersTwoTreelets(t *testing.T) {
	inv := buildInventory(t, map[uint64]uint64{0: 100, 1: 100}, nil)
	m := newTestMaster(t, Config{NumWorkers: 2, Inventory: inv})

	for i, w := range attach(t, m, 2) {
		if err := m.assignTreeletsUniformly(w); err != nil {
			t.Fatalf("assign worker %d: %v", i+1, err)
		}
		holdings := m.workerHoldings(w.id)
		if len(holdings) != 2 || holdings[0] != 0 || holdings[1] != 1 {
			t.Fatalf("worker %d holds %v, want [0 1]", w.id, holdings)
		}
	}
}

// S3 shape: 3 workers, 3 treelets; worker w holds {0, 1+(w-1) mod 2}.
func TestUniformAssignmentThreeWorkersThreeTreelets(t *testing.T) {
	inv := buildInventory(t, map[uint64]uint64{0: 100, 1: 100, 2: 100}, nil)
	m := newTestMaster(t, Config{NumWorkers: 3, Inventory: inv})

	want := map[stats.WorkerID][]uint64{
		1: {0, 1},
		2: {0, 2},
		3: {0, 1},
	}
	for _, w := range attach(t, m, 3) {
		if err := m.assignTreeletsUniformly(w); err != nil {
			t.Fatalf("assign worker %d: %v", w.id, err)
		}
		holdings := m.workerHoldings(w.id)
		if fmt.Sprint(holdings) != fmt.Sprint(want[w.id]) {
			t.Fatalf("worker %d holds %v, want %v", w.id, holdings, want[w.id])
		}
	}

	// Every treelet has an owner recorded in the scene-object table.
	for tid := uint64(0); tid < 3; tid++ {
		info := m.sceneObjects[scene.TreeletKey(tid)]
		if len(info.workers) == 0 {
			t.Fatalf("treelet %d has no owner", tid)
		}
	}
}

func TestAssignTreeletChargesDependencies(t *testing.T) {
	m := &scene.Manifest{
		Objects: []scene.ManifestObject{
			{Kind: "SCENE", ID: 0, Size: 16},
			{Kind: "CAMERA", ID: 0, Size: 16},
			{Kind: "SAMPLER", ID: 0, Size: 16},
			{Kind: "LIGHTS", ID: 0, Size: 16},
			{Kind: "MAT", ID: 1, Size: 500},
			{Kind: "T", ID: 0, Size: 100},
			{Kind: "T", ID: 1, Size: 1000, Deps: []string{"MAT1"}},
		},
	}
	inv, err := scene.BuildInventory(m)
	if err != nil {
		t.Fatalf("inventory: %v", err)
	}
	master := newTestMaster(t, Config{NumWorkers: 1, Inventory: inv})
	w := attach(t, master, 1)[0]
	before := w.freeSpace

	master.assignTreelet(w, 1)
	if _, ok := w.objects[scene.ObjectKey{Kind: scene.KindMaterial, ID: 1}]; !ok {
		t.Fatalf("dependency not assigned")
	}
	if before-w.freeSpace != 1500 {
		t.Fatalf("budget charged %d, want 1500", before-w.freeSpace)
	}

	// Re-assignment must not double charge.
	master.assignTreelet(w, 1)
	if before-w.freeSpace != 1500 {
		t.Fatalf("double charge: %d", before-w.freeSpace)
	}
}

func TestStaticAssignmentCoversEveryTreelet(t *testing.T) {
	inv := buildInventory(t,
		map[uint64]uint64{0: 100, 1: 100, 2: 100, 3: 100},
		map[uint64]float64{1: 0.5, 2: 0.3, 3: 0.2},
	)
	m := newTestMaster(t, Config{NumWorkers: 3, Inventory: inv, Policy: Static})

	owned := make(map[uint64]bool)
	for wid := uint32(0); wid < 3; wid++ {
		assigned := m.staticAssignments[wid]
		if len(assigned) == 0 {
			t.Fatalf("worker %d has no treelets", wid+1)
		}
		for _, tid := range assigned {
			owned[tid] = true
		}
	}
	for tid := uint64(1); tid <= 3; tid++ {
		if !owned[tid] {
			t.Fatalf("treelet %d unowned", tid)
		}
	}
}

// S5: more treelets than workers means packing cannot cover them all;
// the master must fail before accepting any worker.
func TestStaticAssignmentUnassignedTreelets(t *testing.T) {
	inv := buildInventory(t,
		map[uint64]uint64{0: 100, 1: 100, 2: 100, 3: 100},
		map[uint64]float64{1: 0.4, 2: 0.3, 3: 0.3},
	)
	_, err := New(Config{
		NumWorkers: 2,
		Inventory:  inv,
		Policy:     Static,
		Sampler:    testSampler(),
		Logger:     zerolog.Nop(),
		Tunables:   config.Default(),
	})
	if !errors.Is(err, ErrUnassignedTreelets) {
		t.Fatalf("expected ErrUnassignedTreelets, got %v", err)
	}
}

func TestStaticAssignmentNothingFitsBudget(t *testing.T) {
	huge := uint64(300 * 1024 * 1024)
	inv := buildInventory(t,
		map[uint64]uint64{0: 100, 1: huge},
		map[uint64]float64{1: 1.0},
	)
	_, err := New(Config{
		NumWorkers: 2,
		Inventory:  inv,
		Policy:     Static,
		Sampler:    testSampler(),
		Logger:     zerolog.Nop(),
		Tunables:   config.Default(),
	})
	if !errors.Is(err, ErrEmptyStaticAssignment) {
		t.Fatalf("expected ErrEmptyStaticAssignment, got %v", err)
	}
}

func TestStaticAssignmentNeedsWeights(t *testing.T) {
	inv := buildInventory(t, map[uint64]uint64{0: 100, 1: 100}, nil)
	_, err := New(Config{
		NumWorkers: 1,
		Inventory:  inv,
		Policy:     Static,
		Sampler:    testSampler(),
		Logger:     zerolog.Nop(),
		Tunables:   config.Default(),
	})
	if !errors.Is(err, ErrMissingTreeletWeights) {
		t.Fatalf("expected ErrMissingTreeletWeights, got %v", err)
	}
}

func TestParseAssignment(t *testing.T) {
	if p, err := ParseAssignment("static"); err != nil || p != Static {
		t.Fatalf("static: %v %v", p, err)
	}
	if p, err := ParseAssignment("uniform"); err != nil || p != Uniform {
		t.Fatalf("uniform: %v %v", p, err)
	}
	if _, err := ParseAssignment("roundrobin"); !errors.Is(err, ErrUnknownPolicy) {
		t.Fatalf("expected ErrUnknownPolicy, got %v", err)
	}
}
