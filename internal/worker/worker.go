// Package worker runs the treelet-resident side of the job: it
// fetches its assigned scene objects, traces rays whose next
// intersection is local, and ships every other ray to the peer that
// owns the needed treelet.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/danmuck/rayctl/internal/config"
	"github.com/danmuck/rayctl/internal/protocol"
	"github.com/danmuck/rayctl/internal/render"
	"github.com/danmuck/rayctl/internal/scene"
	"github.com/danmuck/rayctl/internal/stats"
	"github.com/danmuck/rayctl/internal/storage"
	"github.com/danmuck/rayctl/internal/trace"
	"github.com/danmuck/rayctl/internal/transport"
)

var (
	ErrMasterLost     = errors.New("worker: master connection lost")
	ErrInvalidRay     = errors.New("worker: invalid ray in ray queue")
	ErrKernelRequired = errors.New("worker: kernel loader required")
)

// KernelLoader builds the trace collaborators once the worker's scene
// objects are on disk in dir.
type KernelLoader func(dir string) (trace.Kernel, error)

// Config wires one worker.
type Config struct {
	// CoordinatorAddr is the master's ip:port; the datagram channel
	// registers against the same port.
	CoordinatorAddr string
	// Backend is the object store the worker fetches from. Tests may
	// pass a ready backend; otherwise BackendURI is opened.
	Backend    storage.Backend
	BackendURI string
	Region     string
	// WorkDir is the scratch tree; empty means a fresh temp dir.
	WorkDir string
	// SendReliably ships ray packets at reliable delivery.
	SendReliably bool
	// LogStream is forwarded as the Hey body when set.
	LogStream string
	// LogPrefix keys uploaded logs: <prefix><id> and <prefix><id>.DIAG.
	LogPrefix string
	// Loader builds the trace kernel.
	Loader KernelLoader
	// Seed drives peer selection; zero means time-seeded.
	Seed int64

	Tunables config.Tunables
	Logger   zerolog.Logger
}

type peerState uint8

const (
	peerConnecting peerState = iota
	peerConnected
)

type peer struct {
	id       stats.WorkerID
	addr     *net.UDPAddr
	seed     uint32
	state    peerState
	treelets map[render.TreeletID]struct{}
	tries    int
}

// Worker is the event-loop state. Everything is owned by the loop
// goroutine; nothing here needs a lock.
type Worker struct {
	cfg     Config
	logger  zerolog.Logger
	backend storage.Backend
	workDir string

	conn *transport.Conn
	sock *transport.PacketSock

	id       stats.WorkerID
	hasID    bool
	mySeed   uint32
	rng      *rand.Rand
	sendMode transport.SendMode

	parser protocol.MessageParser

	kernel   trace.Kernel
	treelets map[render.TreeletID]struct{}
	scenedUp bool

	rayQueue         []render.RayState
	outQueue         map[render.TreeletID][]render.RayState
	outQueueSize     int
	pendingQueue     map[render.TreeletID][]render.RayState
	pendingQueueSize int
	finishedQueue    []render.FinishedSample
	// heldRecord is an encoded ray that did not fit the previous
	// datagram; it leads the next one.
	heldRecord map[render.TreeletID][]byte

	neededTreelets    map[render.TreeletID]struct{}
	requestedTreelets map[render.TreeletID]struct{}
	treeletToWorker   map[render.TreeletID][]stats.WorkerID
	peers             map[stats.WorkerID]*peer

	ws   *stats.WorkerStats
	diag *diagnostics

	terminated bool
}

// New validates the config and prepares the scratch tree.
func New(cfg Config) (*Worker, error) {
	if cfg.Loader == nil {
		return nil, ErrKernelRequired
	}
	if cfg.CoordinatorAddr == "" {
		return nil, errors.New("worker: coordinator address required")
	}
	if cfg.Tunables == (config.Tunables{}) {
		cfg.Tunables = config.Default()
	}
	if cfg.LogPrefix == "" {
		cfg.LogPrefix = "logs/"
	}

	backend := cfg.Backend
	if backend == nil {
		var err error
		backend, err = storage.Open(cfg.BackendURI, cfg.Region)
		if err != nil {
			return nil, err
		}
	}

	workDir := cfg.WorkDir
	if workDir == "" {
		dir, err := os.MkdirTemp("", "rayctl-worker-*")
		if err != nil {
			return nil, fmt.Errorf("worker: scratch dir: %w", err)
		}
		workDir = dir
	} else if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("worker: scratch dir: %w", err)
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	mySeed := rng.Uint32()
	for mySeed == 0 {
		mySeed = rng.Uint32()
	}

	mode := transport.Unreliable
	if cfg.SendReliably {
		mode = transport.Reliable
	}

	w := &Worker{
		cfg:               cfg,
		logger:            cfg.Logger,
		backend:           backend,
		workDir:           workDir,
		mySeed:            mySeed,
		rng:               rng,
		sendMode:          mode,
		treelets:          make(map[render.TreeletID]struct{}),
		outQueue:          make(map[render.TreeletID][]render.RayState),
		pendingQueue:      make(map[render.TreeletID][]render.RayState),
		heldRecord:        make(map[render.TreeletID][]byte),
		neededTreelets:    make(map[render.TreeletID]struct{}),
		requestedTreelets: make(map[render.TreeletID]struct{}),
		treeletToWorker:   make(map[render.TreeletID][]stats.WorkerID),
		peers:             make(map[stats.WorkerID]*peer),
		ws:                stats.NewWorkerStats(),
	}
	w.diag = newDiagnostics(filepath.Join(workDir, "worker.DIAG"))
	return w, nil
}

// Run connects to the master and drives the cooperative loop until
// Bye, an unrecoverable transport fault, or ctx cancellation.
func (w *Worker) Run(ctx context.Context) error {
	conn, err := transport.Dial(w.cfg.CoordinatorAddr)
	if err != nil {
		return fmt.Errorf("worker: dial master: %w", err)
	}
	w.conn = conn
	defer conn.Close()

	sock, err := transport.ListenPacket(":0")
	if err != nil {
		return fmt.Errorf("worker: datagram socket: %w", err)
	}
	sock.SetRetryPolicy(transport.RetryPolicy{
		Base: w.cfg.Tunables.RetransmitBase,
		Cap:  w.cfg.Tunables.PeerInterval,
	})
	w.sock = sock
	defer sock.Close()

	if err := conn.Enqueue(protocol.Hey{LogStream: w.cfg.LogStream}.Message()); err != nil {
		return err
	}

	peerTick := time.NewTicker(w.cfg.Tunables.PeerInterval)
	statsTick := time.NewTicker(w.cfg.Tunables.WorkerStatsInterval)
	diagTick := time.NewTicker(w.cfg.Tunables.DiagnosticsInterval)
	defer peerTick.Stop()
	defer statsTick.Stop()
	defer diagTick.Stop()

	var loopErr error
	for !w.terminated {
		progress, err := w.pump()
		if err != nil {
			loopErr = err
			break
		}

		if len(w.rayQueue) > 0 {
			if err := w.handleRayQueue(); err != nil {
				loopErr = err
				break
			}
			progress = true
		}
		if w.outQueueSize > 0 || w.heldRecords() {
			w.handleOutQueue()
			progress = true
		}
		if len(w.finishedQueue) > w.cfg.Tunables.FinishedFlushThreshold {
			if err := w.handleFinishedQueue(); err != nil {
				loopErr = err
				break
			}
			progress = true
		}
		if fired(peerTick.C) && len(w.peers) > 0 {
			w.handlePeers()
			progress = true
		}
		if w.parser.Len() > 0 {
			if err := w.handleMessages(); err != nil {
				loopErr = err
				break
			}
			progress = true
		}
		if len(w.neededTreelets) > 0 {
			if err := w.handleNeededTreelets(); err != nil {
				loopErr = err
				break
			}
			progress = true
		}
		if fired(statsTick.C) {
			if err := w.handleWorkerStats(); err != nil {
				loopErr = err
				break
			}
			progress = true
		}
		if fired(diagTick.C) {
			w.handleDiagnostics()
			progress = true
		}

		if !progress && len(w.finishedQueue) > 0 {
			// Nothing else runnable: stream what is done rather than
			// sitting on it below the flush threshold.
			if err := w.handleFinishedQueue(); err != nil {
				loopErr = err
				break
			}
			progress = true
		}

		if !progress {
			if err := w.waitForEvent(ctx, peerTick.C, statsTick.C, diagTick.C); err != nil {
				loopErr = err
				break
			}
		}
	}

	if loopErr == nil && w.terminated {
		// Final flush so in-queue finished samples are not lost on Bye.
		if err := w.handleFinishedQueue(); err != nil {
			w.logger.Warn().Err(err).Msg("final finished flush failed")
		}
	}

	w.uploadLogs(ctx)
	return loopErr
}

// pump drains whatever the transports have ready without blocking.
func (w *Worker) pump() (bool, error) {
	progress := false
	for {
		select {
		case msg, ok := <-w.conn.Incoming():
			if !ok {
				if w.terminated {
					return progress, nil
				}
				if err := w.conn.Err(); err != nil {
					return progress, fmt.Errorf("%w: %s", ErrMasterLost, err)
				}
				return progress, ErrMasterLost
			}
			w.parser.Push(msg)
			progress = true
		case pkt, ok := <-w.sock.Incoming():
			if !ok {
				return progress, errors.New("worker: datagram socket died")
			}
			w.parser.Push(pkt.Msg)
			progress = true
		default:
			return progress, nil
		}
	}
}

// waitForEvent blocks until any source becomes runnable.
func (w *Worker) waitForEvent(ctx context.Context, ticks ...<-chan time.Time) error {
	select {
	case <-ctx.Done():
		w.terminated = true
		return nil
	case msg, ok := <-w.conn.Incoming():
		if !ok {
			if err := w.conn.Err(); err != nil {
				return fmt.Errorf("%w: %s", ErrMasterLost, err)
			}
			return ErrMasterLost
		}
		w.parser.Push(msg)
	case pkt, ok := <-w.sock.Incoming():
		if !ok {
			return errors.New("worker: datagram socket died")
		}
		w.parser.Push(pkt.Msg)
	case <-ticks[0]:
		if len(w.peers) > 0 {
			w.handlePeers()
		}
	case <-ticks[1]:
		return w.handleWorkerStats()
	case <-ticks[2]:
		w.handleDiagnostics()
	}
	return nil
}

func fired(c <-chan time.Time) bool {
	select {
	case <-c:
		return true
	default:
		return false
	}
}

func (w *Worker) heldRecords() bool {
	return len(w.heldRecord) > 0
}

func (w *Worker) uploadLogs(ctx context.Context) {
	if !w.hasID {
		return
	}
	w.diag.close()
	reqs := []storage.PutRequest{}
	if _, err := os.Stat(w.diag.path); err == nil {
		reqs = append(reqs, storage.PutRequest{
			FilePath: w.diag.path,
			Key:      fmt.Sprintf("%s%d.DIAG", w.cfg.LogPrefix, w.id),
		})
	}
	logPath := filepath.Join(w.workDir, "worker.log")
	if _, err := os.Stat(logPath); err == nil {
		reqs = append(reqs, storage.PutRequest{
			FilePath: logPath,
			Key:      fmt.Sprintf("%s%d", w.cfg.LogPrefix, w.id),
		})
	}
	if len(reqs) == 0 {
		return
	}
	if err := w.backend.Put(ctx, reqs); err != nil {
		w.logger.Warn().Err(err).Msg("log upload failed")
	}
}

// getObjects fetches the assigned keys into the scratch tree and
// records resident treelets. Triangle meshes are embedded inside their
// owning treelet and are never fetched directly.
func (w *Worker) getObjects(msg protocol.GetObjects) error {
	reqs := make([]storage.GetRequest, 0, len(msg.Keys))
	for _, key := range msg.Keys {
		if key.Kind == scene.KindTriangleMesh {
			continue
		}
		if key.Kind == scene.KindTreelet {
			w.treelets[render.TreeletID(key.ID)] = struct{}{}
		}
		name := key.StorageKey()
		reqs = append(reqs, storage.GetRequest{
			Key:      name,
			FilePath: filepath.Join(w.workDir, name),
		})
	}
	if err := w.backend.Get(context.Background(), reqs); err != nil {
		return fmt.Errorf("worker: fetch objects: %w", err)
	}
	return w.initializeScene()
}

func (w *Worker) initializeScene() error {
	if w.scenedUp {
		w.kernel.Residents(w.residentIDs())
		return nil
	}
	kernel, err := w.cfg.Loader(w.workDir)
	if err != nil {
		return fmt.Errorf("worker: load kernel: %w", err)
	}
	w.kernel = kernel
	w.kernel.Residents(w.residentIDs())
	w.scenedUp = true
	return nil
}

func (w *Worker) residentIDs() []render.TreeletID {
	out := make([]render.TreeletID, 0, len(w.treelets))
	for id := range w.treelets {
		out = append(out, id)
	}
	return out
}

// generateRays seeds camera rays for every pixel of the assigned tile.
func (w *Worker) generateRays(tile render.Bounds2i) {
	bounds := w.kernel.SampleBounds()
	extent := bounds.Diagonal()
	spp := w.kernel.SamplesPerPixel()
	maxDepth := w.cfg.Tunables.MaxDepth

	for sample := uint32(0); sample < spp; sample++ {
		tile.ForEach(func(pixel render.Point2i) {
			if !bounds.Contains(pixel) {
				return
			}
			ray := w.kernel.GenerateRay(pixel, sample)
			ray.Sample.ID = (uint64(pixel.X)+uint64(pixel.Y)*uint64(extent.X))*uint64(spp) + uint64(sample)
			ray.Sample.Num = sample
			ray.RemainingBounces = maxDepth
			ray.StartTrace()
			w.pushRayQueue(ray)
		})
	}
	w.logger.Info().
		Stringer("tile", tile).
		Int("rays", len(w.rayQueue)).
		Msg("camera rays generated")
}

func (w *Worker) pushRayQueue(ray render.RayState) {
	w.ws.RecordWaitingRay(ray.CurrentTreelet())
	w.rayQueue = append(w.rayQueue, ray)
}

func (w *Worker) popRayQueue() render.RayState {
	ray := w.rayQueue[0]
	w.rayQueue = w.rayQueue[1:]
	w.ws.RecordProcessedRay(ray.CurrentTreelet())
	return ray
}
