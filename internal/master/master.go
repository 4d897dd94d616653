// Package master is the job's control plane: it accepts workers,
// assigns treelets and tiles, introduces peers, aggregates stats, and
// collects finished samples into the output film.
package master

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/danmuck/rayctl/internal/config"
	"github.com/danmuck/rayctl/internal/observability"
	"github.com/danmuck/rayctl/internal/protocol"
	"github.com/danmuck/rayctl/internal/render"
	"github.com/danmuck/rayctl/internal/scene"
	"github.com/danmuck/rayctl/internal/stats"
	"github.com/danmuck/rayctl/internal/trace"
	"github.com/danmuck/rayctl/internal/transport"
)

// masterSeed is the fixed handshake seed the master echoes on its
// datagram socket; worker id 0 names the master there.
const masterSeed uint32 = 121212

var (
	ErrUnknownWorker   = errors.New("master: unknown worker id")
	ErrWorkerDied      = errors.New("master: worker died")
	ErrUnknownPolicy   = errors.New("master: unknown assignment policy")
	ErrSamplerRequired = errors.New("master: sampler spec required")
)

// Assignment selects the treelet placement policy.
type Assignment uint8

const (
	Uniform Assignment = iota
	Static
)

// ParseAssignment maps the CLI flag value.
func ParseAssignment(s string) (Assignment, error) {
	switch s {
	case "uniform", "":
		return Uniform, nil
	case "static":
		return Static, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownPolicy, s)
	}
}

// Launcher invokes the platform call that starts workers. It is an
// external collaborator; a nil launcher means workers join on their
// own.
type Launcher interface {
	Launch(ctx context.Context, count uint32) error
}

// Config wires one master.
type Config struct {
	ListenPort uint16
	PublicIP   string
	NumWorkers uint32

	Inventory *scene.Inventory
	Sampler   trace.SamplerSpec

	Policy             Assignment
	TreeletStats       bool
	WorkerStats        bool
	CollectDiagnostics bool
	CompleteTopology   bool

	// OutputPath is where the film is written; empty disables disk
	// flushes.
	OutputPath string
	// AdminAddr enables the HTTP status surface when set.
	AdminAddr string

	Launcher Launcher
	// Seed drives owner selection; zero means time-seeded.
	Seed int64

	Tunables config.Tunables
	Logger   zerolog.Logger
}

type workerRecord struct {
	id      stats.WorkerID
	conn    *transport.Conn
	udpAddr *net.UDPAddr

	objects   map[scene.ObjectKey]struct{}
	freeSpace uint64
	tile      render.Bounds2i
	hasTile   bool

	stats *stats.WorkerStats
}

type sceneObjectInfo struct {
	size    uint64
	workers map[stats.WorkerID]struct{}
}

type workerRequest struct {
	worker  stats.WorkerID
	treelet render.TreeletID
}

// loop events
type newConnEvent struct{ conn *transport.Conn }
type connMsgEvent struct {
	id  stats.WorkerID
	msg protocol.Message
}
type connDeadEvent struct {
	id  stats.WorkerID
	err error
}
type packetEvent struct {
	from *net.UDPAddr
	msg  protocol.Message
}
type inspectEvent struct {
	fn   func(*Master)
	done chan struct{}
}
type fatalEvent struct{ err error }

// Master owns all job state. Every mutation happens on the Run loop;
// goroutines only feed the events channel.
type Master struct {
	cfg    Config
	logger zerolog.Logger

	sampleBounds render.Bounds2i
	totalPaths   uint64
	film         *render.FilmTile
	demand       *stats.DemandTracker

	workers      map[stats.WorkerID]*workerRecord
	sceneObjects map[scene.ObjectKey]*sceneObjectInfo
	treeletIDs   []render.TreeletID
	initialized  map[stats.WorkerID]struct{}

	staticAssignments map[uint32][]uint64

	pendingRequests []workerRequest
	aggregate       *stats.WorkerStats

	nextWorkerID stats.WorkerID
	rng          *rand.Rand

	diagnosticsReceived int
	samplesAccumulated  uint64

	sock      *transport.PacketSock
	events    chan any
	boundAddr atomic.Pointer[net.TCPAddr]

	startTime time.Time
}

// BoundAddr reports the control listener address once Run has bound
// it; nil before that. Port 0 configs rely on it.
func (m *Master) BoundAddr() *net.TCPAddr {
	return m.boundAddr.Load()
}

// New validates config and, for the Static policy, computes the full
// assignment up front so infeasibility fails before any worker starts.
func New(cfg Config) (*Master, error) {
	if cfg.Sampler == nil {
		return nil, ErrSamplerRequired
	}
	if cfg.Inventory == nil {
		return nil, errors.New("master: inventory required")
	}
	if cfg.Tunables == (config.Tunables{}) {
		cfg.Tunables = config.Default()
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	sampleBounds := cfg.Sampler.SampleBounds()
	m := &Master{
		cfg:          cfg,
		logger:       cfg.Logger,
		sampleBounds: sampleBounds,
		totalPaths:   uint64(sampleBounds.Area()) * uint64(cfg.Sampler.SamplesPerPixel()),
		film:         render.NewFilmTile(sampleBounds),
		demand:       stats.NewDemandTracker(cfg.Tunables.DemandHalflife),
		workers:      make(map[stats.WorkerID]*workerRecord),
		sceneObjects: make(map[scene.ObjectKey]*sceneObjectInfo),
		initialized:  make(map[stats.WorkerID]struct{}),
		aggregate:    stats.NewWorkerStats(),
		nextWorkerID: 1,
		rng:          rand.New(rand.NewSource(seed)),
		events:       make(chan any, 1024),
		startTime:    time.Now(),
	}

	for _, key := range cfg.Inventory.Objects() {
		size, err := cfg.Inventory.Size(key)
		if err != nil {
			return nil, err
		}
		m.sceneObjects[key] = &sceneObjectInfo{
			size:    size,
			workers: make(map[stats.WorkerID]struct{}),
		}
		if key.Kind == scene.KindTreelet {
			m.treeletIDs = append(m.treeletIDs, render.TreeletID(key.ID))
		}
	}

	if cfg.Policy == Static {
		if err := m.loadStaticAssignment(cfg.NumWorkers); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// Run serves the job until ctx is cancelled or a fatal fault occurs.
func (m *Master) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", m.cfg.ListenPort))
	if err != nil {
		return fmt.Errorf("master: listen: %w", err)
	}
	defer listener.Close()

	tcpAddr := listener.Addr().(*net.TCPAddr)
	m.boundAddr.Store(tcpAddr)
	sock, err := transport.ListenPacket(fmt.Sprintf(":%d", tcpAddr.Port))
	if err != nil {
		return fmt.Errorf("master: datagram socket: %w", err)
	}
	m.sock = sock
	defer sock.Close()

	go m.acceptLoop(listener)
	go m.packetLoop()

	if m.cfg.AdminAddr != "" {
		go m.serveAdmin()
	}

	if m.cfg.Launcher != nil && m.cfg.NumWorkers > 0 {
		if err := m.cfg.Launcher.Launch(ctx, m.cfg.NumWorkers); err != nil {
			return fmt.Errorf("master: launch workers: %w", err)
		}
	}

	requestTick := time.NewTicker(m.cfg.Tunables.WorkerRequestInterval)
	statusTick := time.NewTicker(m.cfg.Tunables.StatusInterval)
	outputTick := time.NewTicker(m.cfg.Tunables.WriteOutputInterval)
	defer requestTick.Stop()
	defer statusTick.Stop()
	defer outputTick.Stop()

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case ev := <-m.events:
			if err := m.handleEvent(ev); err != nil {
				runErr = err
				break loop
			}
		case <-requestTick.C:
			if err := m.handleWorkerRequests(); err != nil {
				runErr = err
				break loop
			}
		case <-statusTick.C:
			m.printStatus()
		case <-outputTick.C:
			m.writeOutput()
		}
	}

	if runErr == nil {
		m.shutdown()
	}
	m.writeOutput()
	for _, w := range m.workers {
		w.conn.Close()
	}
	return runErr
}

func (m *Master) handleEvent(ev any) error {
	switch e := ev.(type) {
	case newConnEvent:
		return m.acceptWorker(e.conn)
	case connMsgEvent:
		return m.processMessage(e.id, e.msg)
	case connDeadEvent:
		return fmt.Errorf("%w: %d: %s", ErrWorkerDied, e.id, e.err)
	case packetEvent:
		return m.processPacket(e.from, e.msg)
	case inspectEvent:
		e.fn(m)
		close(e.done)
		return nil
	case fatalEvent:
		return e.err
	default:
		return fmt.Errorf("master: unexpected event %T", ev)
	}
}

func (m *Master) acceptLoop(listener net.Listener) {
	for {
		raw, err := listener.Accept()
		if err != nil {
			// Listener closed at shutdown.
			return
		}
		m.events <- newConnEvent{conn: transport.NewConn(raw)}
	}
}

func (m *Master) packetLoop() {
	for pkt := range m.sock.Incoming() {
		m.events <- packetEvent{from: pkt.From, msg: pkt.Msg}
	}
}

func (m *Master) connLoop(id stats.WorkerID, conn *transport.Conn) {
	for msg := range conn.Incoming() {
		m.events <- connMsgEvent{id: id, msg: msg}
	}
	err := conn.Err()
	if err == nil {
		err = errors.New("connection closed")
	}
	m.events <- connDeadEvent{id: id, err: err}
}

// acceptWorker allocates the next id, records the connection, and runs
// assignment: baseline objects, policy treelets, screen tile.
func (m *Master) acceptWorker(conn *transport.Conn) error {
	id := m.nextWorkerID
	m.nextWorkerID++

	w := &workerRecord{
		id:        id,
		conn:      conn,
		objects:   make(map[scene.ObjectKey]struct{}),
		freeSpace: m.cfg.Tunables.WorkerStorageBudget,
		stats:     stats.NewWorkerStats(),
	}
	m.workers[id] = w
	observability.SetConnectedWorkers(len(m.workers))

	m.logger.Info().
		Uint64("worker_id", uint64(id)).
		Str("remote", conn.RemoteAddr().String()).
		Msg("worker connected")

	m.assignBaseSceneObjects(w)

	switch m.cfg.Policy {
	case Static:
		m.assignTreelet(w, 0)
		for _, tid := range m.staticAssignments[uint32(id)-1] {
			m.assignTreelet(w, tid)
		}
	case Uniform:
		if err := m.assignTreeletsUniformly(w); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: %d", ErrUnknownPolicy, m.cfg.Policy)
	}

	tileCount := m.cfg.NumWorkers
	if tileCount == 0 {
		tileCount = 4
	}
	tile, err := render.GetTile(uint32(id)-1, tileCount, m.sampleBounds)
	if err != nil {
		return err
	}
	w.tile = tile
	w.hasTile = true
	m.logger.Info().
		Uint64("worker_id", uint64(id)).
		Stringer("tile", tile).
		Msg("tile assigned")

	go m.connLoop(id, conn)
	return nil
}

func (m *Master) processMessage(id stats.WorkerID, msg protocol.Message) error {
	w, ok := m.workers[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownWorker, id)
	}

	switch msg.Op {
	case protocol.OpHey:
		if err := w.conn.Enqueue(protocol.HeyReply{WorkerID: id}.Message()); err != nil {
			return err
		}
		hey, err := protocol.DecodeHey(msg.Payload)
		if err != nil {
			return err
		}
		if hey.LogStream != "" {
			m.logger.Info().
				Uint64("worker_id", uint64(id)).
				Str("log_stream", hey.LogStream).
				Msg("worker log stream")
		}

		keys := make([]scene.ObjectKey, 0, len(w.objects))
		for key := range w.objects {
			keys = append(keys, key)
		}
		if err := w.conn.Enqueue(protocol.GetObjects{Keys: keys}.Message()); err != nil {
			return err
		}
		if w.hasTile {
			if err := w.conn.Enqueue(protocol.GenerateRays{Tile: w.tile}.Message()); err != nil {
				return err
			}
		}
		return nil

	case protocol.OpGetWorker:
		req, err := protocol.DecodeGetWorker(msg.Payload)
		if err != nil {
			return err
		}
		m.pendingRequests = append(m.pendingRequests, workerRequest{worker: id, treelet: req.TreeletID})
		return nil

	case protocol.OpWorkerStats:
		snapshot, err := protocol.DecodeWorkerStats(msg.Payload)
		if err != nil {
			return err
		}
		m.demand.Submit(id, snapshot)
		w.stats.Merge(snapshot)
		m.aggregate.Merge(snapshot)
		observability.AddRaysTraced(snapshot.Aggregate.ProcessedRays)
		observability.AddRaysShipped(snapshot.Aggregate.SentRays)
		return nil

	case protocol.OpFinishedRays:
		var added uint64
		err := protocol.ReadRecords(msg.Payload, func(record []byte) error {
			sample, err := protocol.DecodeFinishedSample(record)
			if err != nil {
				return err
			}
			m.film.AddSample(sample.PFilm, sample.L, sample.Weight)
			added++
			return nil
		})
		if err != nil {
			return err
		}
		m.samplesAccumulated += added
		observability.AddSamples(added)
		return nil

	case protocol.OpRequestDiagnostics:
		m.diagnosticsReceived++
		return nil

	case protocol.OpPong:
		return nil

	default:
		return fmt.Errorf("%w: %s from worker %d", protocol.ErrUnknownOpCode, msg.Op, id)
	}
}

// processPacket serves the datagram socket: worker registration and,
// under complete topology, eager introductions.
func (m *Master) processPacket(from *net.UDPAddr, msg protocol.Message) error {
	if msg.Op != protocol.OpConnectionRequest {
		// The master's datagram socket only speaks the registration
		// handshake.
		return nil
	}
	req, err := protocol.DecodeConnectionRequest(msg.Payload)
	if err != nil {
		return err
	}
	w, ok := m.workers[req.WorkerID]
	if !ok {
		return fmt.Errorf("%w: %d on datagram socket", ErrUnknownWorker, req.WorkerID)
	}

	if w.udpAddr == nil || w.udpAddr.String() != from.String() {
		w.udpAddr = from
		m.initialized[req.WorkerID] = struct{}{}
		m.logger.Debug().
			Uint64("worker_id", uint64(req.WorkerID)).
			Str("addr", from.String()).
			Msg("worker datagram address registered")

		if m.cfg.CompleteTopology {
			for otherID := range m.initialized {
				if otherID == req.WorkerID {
					continue
				}
				other := m.workers[otherID]
				if !m.connectWorkers(w, other) {
					return fmt.Errorf("master: could not connect workers %d and %d",
						req.WorkerID, otherID)
				}
			}
		}
	}

	resp := protocol.ConnectionResponse{
		WorkerID: 0,
		MySeed:   masterSeed,
		YourSeed: req.MySeed,
	}.Message()
	return m.sock.Send(from, resp, transport.ClassHigh, transport.Unreliable)
}

// handleWorkerRequests retries parked GetWorker lookups. Requests are
// held until most of the fleet has registered its datagram address so
// early introductions do not all land on the first worker up.
func (m *Master) handleWorkerRequests() error {
	if float64(len(m.initialized)) < 0.9*float64(m.cfg.NumWorkers) {
		return nil
	}

	var unprocessed []workerRequest
	for _, req := range m.pendingRequests {
		if !m.processWorkerRequest(req) {
			unprocessed = append(unprocessed, req)
		}
	}
	m.pendingRequests = unprocessed
	return nil
}

func (m *Master) processWorkerRequest(req workerRequest) bool {
	requester, ok := m.workers[req.worker]
	if !ok {
		return true
	}
	info, ok := m.sceneObjects[scene.TreeletKey(uint64(req.treelet))]
	if !ok || len(info.workers) == 0 {
		return false
	}

	owners := make([]stats.WorkerID, 0, len(info.workers))
	for id := range info.workers {
		owners = append(owners, id)
	}
	sortWorkerIDs(owners)
	selected := m.workers[owners[m.rng.Intn(len(owners))]]

	return m.connectWorkers(requester, selected)
}

// connectWorkers sends each worker a ConnectTo carrying the other's
// datagram address. Both addresses must be known.
func (m *Master) connectWorkers(a, b *workerRecord) bool {
	if a.udpAddr == nil || b.udpAddr == nil {
		return false
	}
	msgFor := func(w *workerRecord) protocol.Message {
		return protocol.ConnectTo{
			WorkerID: w.id,
			Address:  w.udpAddr.String(),
		}.Message()
	}
	if err := a.conn.Enqueue(msgFor(b)); err != nil {
		return false
	}
	if err := b.conn.Enqueue(msgFor(a)); err != nil {
		return false
	}
	return true
}

// writeOutput flushes the film to disk.
func (m *Master) writeOutput() {
	if m.cfg.OutputPath == "" {
		return
	}
	if err := m.film.WriteImage(m.cfg.OutputPath); err != nil {
		m.logger.Error().Err(err).Msg("film write failed")
	}
}

// shutdown, when diagnostics collection is on, first broadcasts
// RequestDiagnostics and waits up to 5s for every worker's echo; it
// then broadcasts Bye and drains events briefly.
func (m *Master) shutdown() {
	if m.cfg.CollectDiagnostics && len(m.workers) > 0 {
		m.logger.Info().Msg("waiting for worker diagnostics")
		m.diagnosticsReceived = 0
		for _, w := range m.workers {
			_ = w.conn.Enqueue(protocol.Message{Op: protocol.OpRequestDiagnostics})
		}

		deadline := time.After(5 * time.Second)
	collect:
		for m.diagnosticsReceived < len(m.workers) {
			select {
			case ev := <-m.events:
				if err := m.handleEvent(ev); err != nil {
					break collect
				}
			case <-deadline:
				m.logger.Warn().
					Int("received", m.diagnosticsReceived).
					Int("expected", len(m.workers)).
					Msg("diagnostics collection timed out")
				break collect
			}
		}
	}

	for _, w := range m.workers {
		_ = w.conn.Enqueue(protocol.Message{Op: protocol.OpBye})
	}
	m.drain(200 * time.Millisecond)
}

// drain gives in-flight finished samples a moment to land.
func (m *Master) drain(grace time.Duration) {
	deadline := time.After(grace)
	for {
		select {
		case ev := <-m.events:
			if err := m.handleEvent(ev); err != nil {
				return
			}
		case <-deadline:
			return
		}
	}
}

// Inspect runs fn on the loop goroutine and waits for it; the admin
// surface and tests read state through it.
func (m *Master) Inspect(fn func(*Master)) {
	done := make(chan struct{})
	m.events <- inspectEvent{fn: fn, done: done}
	<-done
}

// Film exposes the accumulator to Inspect callbacks.
func (m *Master) Film() *render.FilmTile {
	return m.film
}

// SamplesAccumulated exposes the finished-sample count to Inspect
// callbacks.
func (m *Master) SamplesAccumulated() uint64 {
	return m.samplesAccumulated
}

// TotalPaths is the job's expected camera-path count.
func (m *Master) TotalPaths() uint64 {
	return m.totalPaths
}

func sortWorkerIDs(ids []stats.WorkerID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
