package worker

import (
	"fmt"
	"net"

	"github.com/danmuck/rayctl/internal/protocol"
	"github.com/danmuck/rayctl/internal/render"
	"github.com/danmuck/rayctl/internal/stats"
	"github.com/danmuck/rayctl/internal/transport"
)

// masterPeerID is the handshake identity of the master's datagram
// socket.
const masterPeerID stats.WorkerID = 0

// handleRayQueue traces up to the per-iteration budget of rays and
// routes each result.
func (w *Worker) handleRayQueue() error {
	defer w.diag.interval("handleRayQueue")()

	var processed []render.RayState

	for i := 0; i < w.cfg.Tunables.TraceBudget && len(w.rayQueue) > 0; i++ {
		ray := w.popRayQueue()

		if len(ray.ToVisit) > 0 {
			w.kernel.Trace(&ray)
			hit := ray.HasHit
			emptyVisit := len(ray.ToVisit) == 0

			switch {
			case ray.IsShadowRay && hit:
				w.finish(ray, render.RGB{})
			case ray.IsShadowRay && emptyVisit:
				w.finish(ray, ray.ShadowContribution())
			case ray.IsShadowRay:
				processed = append(processed, ray)
			case !emptyVisit || hit:
				processed = append(processed, ray)
			default:
				// Background miss ends the path.
				w.finish(ray, render.RGB{})
				w.ws.RecordFinishedPath()
			}
			continue
		}

		if ray.HasHit {
			for _, spawned := range w.kernel.Shade(ray) {
				if spawned.Beta.IsBlack() {
					continue
				}
				processed = append(processed, spawned)
			}
			continue
		}

		return fmt.Errorf("%w: sample %d", ErrInvalidRay, ray.Sample.ID)
	}

	for _, ray := range processed {
		w.route(ray)
	}
	return nil
}

// route applies the three-way routing rule for one classified ray.
func (w *Worker) route(ray render.RayState) {
	next := ray.CurrentTreelet()
	w.ws.RecordDemandedRay(next)

	if _, resident := w.treelets[next]; resident {
		w.pushRayQueue(ray)
		return
	}

	if owners := w.treeletToWorker[next]; len(owners) > 0 {
		w.ws.RecordSendingRay(next)
		w.outQueue[next] = append(w.outQueue[next], ray)
		w.outQueueSize++
		return
	}

	w.ws.RecordPendingRay(next)
	w.neededTreelets[next] = struct{}{}
	w.pendingQueue[next] = append(w.pendingQueue[next], ray)
	w.pendingQueueSize++
}

func (w *Worker) finish(ray render.RayState, l render.RGB) {
	w.finishedQueue = append(w.finishedQueue, ray.Finish(l))
}

// handleOutQueue packs each peer queue into MTU-capped SendRays
// datagrams toward a random live owner of the treelet.
func (w *Worker) handleOutQueue() {
	defer w.diag.interval("handleOutQueue")()

	for treelet, queue := range w.outQueue {
		held := w.heldRecord[treelet]
		if len(queue) == 0 && held == nil {
			continue
		}

		owners := w.treeletToWorker[treelet]
		if len(owners) == 0 {
			continue
		}
		target := w.peers[owners[w.rng.Intn(len(owners))]]
		if target == nil {
			continue
		}

		for len(queue) > 0 || held != nil {
			payload := make([]byte, 0, w.cfg.Tunables.DatagramMTU)
			packetLen := protocol.FrameHeaderLen

			if held != nil {
				payload = protocol.AppendRecord(payload, held)
				packetLen += protocol.RecordLen(held)
				held = nil
			}

			for packetLen < w.cfg.Tunables.DatagramMTU && len(queue) > 0 {
				ray := queue[0]
				queue = queue[1:]
				w.outQueueSize--
				w.ws.RecordSentRay(treelet)

				record := protocol.EncodeRayState(&ray)
				if packetLen+protocol.RecordLen(record) > w.cfg.Tunables.DatagramMTU {
					held = record
					break
				}
				payload = protocol.AppendRecord(payload, record)
				packetLen += protocol.RecordLen(record)
			}

			if len(payload) == 0 {
				break
			}
			msg := protocol.Message{Op: protocol.OpSendRays, Payload: payload}
			if err := w.sock.Send(target.addr, msg, transport.ClassNormal, w.sendMode); err != nil {
				w.logger.Warn().Err(err).Uint64("peer", uint64(target.id)).Msg("send rays failed")
			}
		}

		w.outQueue[treelet] = queue
		if held != nil {
			w.heldRecord[treelet] = held
		} else {
			delete(w.heldRecord, treelet)
		}
	}
}

// handleFinishedQueue streams finished samples to the master.
func (w *Worker) handleFinishedQueue() error {
	defer w.diag.interval("handleFinishedQueue")()

	if len(w.finishedQueue) == 0 {
		return nil
	}
	var payload []byte
	for i := range w.finishedQueue {
		payload = protocol.AppendRecord(payload, protocol.EncodeFinishedSample(w.finishedQueue[i]))
	}
	w.finishedQueue = w.finishedQueue[:0]
	return w.conn.Enqueue(protocol.Message{Op: protocol.OpFinishedRays, Payload: payload})
}

// handlePeers re-drives the handshake for every peer still connecting.
func (w *Worker) handlePeers() {
	defer w.diag.interval("handlePeers")()

	for _, p := range w.peers {
		if p.state != peerConnecting {
			continue
		}
		p.tries++
		msg := protocol.ConnectionRequest{
			WorkerID: w.id,
			MySeed:   w.mySeed,
			YourSeed: p.seed,
		}.Message()
		if err := w.sock.Send(p.addr, msg, transport.ClassHigh, transport.Unreliable); err != nil {
			w.logger.Warn().Err(err).Uint64("peer", uint64(p.id)).Msg("handshake send failed")
		}
	}
}

// handleMessages dispatches parsed messages; ones that cannot be
// served yet are requeued.
func (w *Worker) handleMessages() error {
	defer w.diag.interval("handleMessages")()

	var unprocessed []protocol.Message
	for !w.parser.Empty() {
		msg := w.parser.Pop()
		handled, err := w.processMessage(msg)
		if err != nil {
			return err
		}
		if !handled {
			unprocessed = append(unprocessed, msg)
		}
	}
	for _, msg := range unprocessed {
		w.parser.Push(msg)
	}
	return nil
}

// handleNeededTreelets batches GetWorker lookups, deduplicated by the
// requested set.
func (w *Worker) handleNeededTreelets() error {
	defer w.diag.interval("handleNeededTreelets")()

	for treelet := range w.neededTreelets {
		if _, asked := w.requestedTreelets[treelet]; asked {
			continue
		}
		msg := protocol.GetWorker{TreeletID: treelet}.Message()
		if err := w.conn.Enqueue(msg); err != nil {
			return err
		}
		w.requestedTreelets[treelet] = struct{}{}
	}
	w.neededTreelets = make(map[render.TreeletID]struct{})
	return nil
}

// handleWorkerStats snapshots, resets and ships the interval counters.
func (w *Worker) handleWorkerStats() error {
	defer w.diag.interval("handleWorkerStats")()

	connecting := 0
	for _, p := range w.peers {
		if p.state == peerConnecting {
			connecting++
		}
	}
	w.ws.Queue = stats.QueueStats{
		Ray:               uint64(len(w.rayQueue)),
		Finished:          uint64(len(w.finishedQueue)),
		Pending:           uint64(w.pendingQueueSize),
		Out:               uint64(w.outQueueSize),
		Connecting:        uint64(connecting),
		Connected:         uint64(len(w.peers) - connecting),
		OutstandingPacket: uint64(w.sock.Outstanding()),
	}

	msg := protocol.WorkerStatsMsg{Stats: w.ws}.Message()
	if err := w.conn.Enqueue(msg); err != nil {
		return err
	}
	w.ws.Reset()
	return nil
}

// handleDiagnostics appends one diagnostics line to the scratch file.
func (w *Worker) handleDiagnostics() {
	w.diag.record(w.sock.BytesSent(), w.sock.BytesReceived(), w.sock.Outstanding())
}

func (w *Worker) processMessage(msg protocol.Message) (bool, error) {
	switch msg.Op {
	case protocol.OpHey:
		reply, err := protocol.DecodeHeyReply(msg.Payload)
		if err != nil {
			return false, err
		}
		w.id = reply.WorkerID
		w.hasID = true
		w.logger.Info().Uint64("worker_id", uint64(w.id)).Msg("registered with master")

		masterAddr, err := net.ResolveUDPAddr("udp", w.cfg.CoordinatorAddr)
		if err != nil {
			return false, fmt.Errorf("worker: resolve master datagram addr: %w", err)
		}
		w.peers[masterPeerID] = &peer{
			id:       masterPeerID,
			addr:     masterAddr,
			state:    peerConnecting,
			treelets: make(map[render.TreeletID]struct{}),
		}
		// Register the datagram address with the master right away;
		// the peer tick keeps retrying until the response arrives.
		req := protocol.ConnectionRequest{WorkerID: w.id, MySeed: w.mySeed}.Message()
		if err := w.sock.Send(masterAddr, req, transport.ClassHigh, transport.Unreliable); err != nil {
			return false, err
		}
		return true, nil

	case protocol.OpPing:
		return true, w.conn.Enqueue(protocol.Message{Op: protocol.OpPong})

	case protocol.OpGetObjects:
		objects, err := protocol.DecodeGetObjects(msg.Payload)
		if err != nil {
			return false, err
		}
		return true, w.getObjects(objects)

	case protocol.OpGenerateRays:
		gen, err := protocol.DecodeGenerateRays(msg.Payload)
		if err != nil {
			return false, err
		}
		w.generateRays(gen.Tile)
		return true, nil

	case protocol.OpConnectTo:
		connect, err := protocol.DecodeConnectTo(msg.Payload)
		if err != nil {
			return false, err
		}
		if _, known := w.peers[connect.WorkerID]; known {
			return true, nil
		}
		addr, err := net.ResolveUDPAddr("udp", connect.Address)
		if err != nil {
			return false, fmt.Errorf("worker: resolve peer addr %q: %w", connect.Address, err)
		}
		w.peers[connect.WorkerID] = &peer{
			id:       connect.WorkerID,
			addr:     addr,
			state:    peerConnecting,
			treelets: make(map[render.TreeletID]struct{}),
		}
		return true, nil

	case protocol.OpConnectionRequest:
		req, err := protocol.DecodeConnectionRequest(msg.Payload)
		if err != nil {
			return false, err
		}
		p, known := w.peers[req.WorkerID]
		if !known {
			// The master has not introduced this peer yet; retry once
			// the ConnectTo lands.
			return false, nil
		}
		p.seed = req.MySeed
		resp := protocol.ConnectionResponse{
			WorkerID: w.id,
			MySeed:   w.mySeed,
			YourSeed: req.MySeed,
			Treelets: w.residentIDs(),
		}.Message()
		if err := w.sock.Send(p.addr, resp, transport.ClassHigh, transport.Unreliable); err != nil {
			return false, err
		}
		return true, nil

	case protocol.OpConnectionResponse:
		resp, err := protocol.DecodeConnectionResponse(msg.Payload)
		if err != nil {
			return false, err
		}
		p, known := w.peers[resp.WorkerID]
		if !known {
			// Never introduced; drop.
			return true, nil
		}
		p.seed = resp.MySeed
		if p.state == peerConnected || resp.YourSeed != w.mySeed {
			// Stale or mismatched echo.
			return true, nil
		}
		p.state = peerConnected
		for _, treelet := range resp.Treelets {
			p.treelets[treelet] = struct{}{}
			w.treeletToWorker[treelet] = append(w.treeletToWorker[treelet], resp.WorkerID)
			delete(w.requestedTreelets, treelet)
			w.drainPending(treelet)
		}
		w.logger.Debug().
			Uint64("peer", uint64(resp.WorkerID)).
			Int("treelets", len(resp.Treelets)).
			Msg("peer connected")
		return true, nil

	case protocol.OpSendRays:
		err := protocol.ReadRecords(msg.Payload, func(record []byte) error {
			ray, err := protocol.DecodeRayState(record)
			if err != nil {
				return err
			}
			w.ws.RecordReceivedRay(ray.CurrentTreelet())
			w.pushRayQueue(ray)
			return nil
		})
		return true, err

	case protocol.OpRequestDiagnostics:
		w.handleDiagnostics()
		w.diag.flush()
		// Echo back as the collection ack.
		return true, w.conn.Enqueue(protocol.Message{Op: protocol.OpRequestDiagnostics})

	case protocol.OpBye:
		w.terminated = true
		return true, nil

	default:
		return false, fmt.Errorf("%w: %s", protocol.ErrUnknownOpCode, msg.Op)
	}
}

// drainPending moves every ray parked under treelet into its outbound
// queue, preserving order.
func (w *Worker) drainPending(treelet render.TreeletID) {
	parked := w.pendingQueue[treelet]
	if len(parked) == 0 {
		return
	}
	for _, ray := range parked {
		w.ws.RecordSendingRay(treelet)
		w.outQueue[treelet] = append(w.outQueue[treelet], ray)
	}
	w.outQueueSize += len(parked)
	w.pendingQueueSize -= len(parked)
	delete(w.pendingQueue, treelet)
}
