package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/danmuck/rayctl/internal/render"
	"github.com/danmuck/rayctl/internal/scene"
	"github.com/danmuck/rayctl/internal/stats"
)

// Field numbers per message type. Numbers are stable wire contract;
// add, never renumber.
const (
	fieldLogStream = 1

	fieldWorkerID = 1

	fieldObjectKey = 1

	fieldBoundsMinX = 1
	fieldBoundsMinY = 2
	fieldBoundsMaxX = 3
	fieldBoundsMaxY = 4

	fieldPeerID   = 1
	fieldPeerAddr = 2

	fieldConnWorkerID = 1
	fieldConnMySeed   = 2
	fieldConnYourSeed = 3
	fieldConnTreelets = 4

	fieldTreeletID = 1

	fieldStatsFinishedPaths = 1
	fieldStatsAggregate     = 2
	fieldStatsQueue         = 3
	fieldStatsTreelet       = 4
)

// Hey is the worker hello; the body carries the hosting platform's
// log-stream name when one is set.
type Hey struct {
	LogStream string
}

func (m Hey) Message() Message {
	var fields []Field
	if m.LogStream != "" {
		fields = append(fields, StringField(fieldLogStream, m.LogStream))
	}
	return Message{Op: OpHey, Payload: EncodeFields(fields)}
}

func DecodeHey(payload []byte) (Hey, error) {
	fields, err := DecodeFields(payload)
	if err != nil {
		return Hey{}, err
	}
	var m Hey
	if f, ok := GetField(fields, fieldLogStream); ok {
		if m.LogStream, err = f.String(); err != nil {
			return Hey{}, err
		}
	}
	return m, nil
}

// HeyReply is the master's response carrying the assigned worker id.
type HeyReply struct {
	WorkerID stats.WorkerID
}

func (m HeyReply) Message() Message {
	fields := []Field{Uint64Field(fieldWorkerID, uint64(m.WorkerID))}
	return Message{Op: OpHey, Payload: EncodeFields(fields)}
}

func DecodeHeyReply(payload []byte) (HeyReply, error) {
	fields, err := DecodeFields(payload)
	if err != nil {
		return HeyReply{}, err
	}
	f, err := requireField(fields, fieldWorkerID)
	if err != nil {
		return HeyReply{}, err
	}
	id, err := f.Uint64()
	if err != nil {
		return HeyReply{}, err
	}
	return HeyReply{WorkerID: stats.WorkerID(id)}, nil
}

// GetObjects lists the storage objects a worker must fetch.
type GetObjects struct {
	Keys []scene.ObjectKey
}

func encodeObjectKey(k scene.ObjectKey) []byte {
	buf := make([]byte, 9)
	buf[0] = byte(k.Kind)
	binary.BigEndian.PutUint64(buf[1:], k.ID)
	return buf
}

func decodeObjectKey(b []byte) (scene.ObjectKey, error) {
	if len(b) != 9 {
		return scene.ObjectKey{}, ErrInvalidLength
	}
	kind := scene.ObjectKind(b[0])
	if !kind.Known() {
		return scene.ObjectKey{}, fmt.Errorf("%w: kind %d", scene.ErrUnknownObjectKind, b[0])
	}
	return scene.ObjectKey{Kind: kind, ID: binary.BigEndian.Uint64(b[1:])}, nil
}

func (m GetObjects) Message() Message {
	fields := make([]Field, 0, len(m.Keys))
	for _, key := range m.Keys {
		fields = append(fields, BytesField(fieldObjectKey, encodeObjectKey(key)))
	}
	return Message{Op: OpGetObjects, Payload: EncodeFields(fields)}
}

func DecodeGetObjects(payload []byte) (GetObjects, error) {
	fields, err := DecodeFields(payload)
	if err != nil {
		return GetObjects{}, err
	}
	var m GetObjects
	for _, f := range GetFields(fields, fieldObjectKey) {
		raw, err := f.Bytes()
		if err != nil {
			return GetObjects{}, err
		}
		key, err := decodeObjectKey(raw)
		if err != nil {
			return GetObjects{}, err
		}
		m.Keys = append(m.Keys, key)
	}
	return m, nil
}

// GenerateRays hands a worker its camera-ray tile.
type GenerateRays struct {
	Tile render.Bounds2i
}

func (m GenerateRays) Message() Message {
	fields := []Field{
		Uint32Field(fieldBoundsMinX, uint32(m.Tile.Min.X)),
		Uint32Field(fieldBoundsMinY, uint32(m.Tile.Min.Y)),
		Uint32Field(fieldBoundsMaxX, uint32(m.Tile.Max.X)),
		Uint32Field(fieldBoundsMaxY, uint32(m.Tile.Max.Y)),
	}
	return Message{Op: OpGenerateRays, Payload: EncodeFields(fields)}
}

func DecodeGenerateRays(payload []byte) (GenerateRays, error) {
	fields, err := DecodeFields(payload)
	if err != nil {
		return GenerateRays{}, err
	}
	var vals [4]uint32
	for i, id := range [4]uint16{fieldBoundsMinX, fieldBoundsMinY, fieldBoundsMaxX, fieldBoundsMaxY} {
		f, err := requireField(fields, id)
		if err != nil {
			return GenerateRays{}, err
		}
		if vals[i], err = f.Uint32(); err != nil {
			return GenerateRays{}, err
		}
	}
	return GenerateRays{Tile: render.Bounds2i{
		Min: render.Point2i{X: int32(vals[0]), Y: int32(vals[1])},
		Max: render.Point2i{X: int32(vals[2]), Y: int32(vals[3])},
	}}, nil
}

// ConnectTo introduces a peer worker by id and datagram address.
type ConnectTo struct {
	WorkerID stats.WorkerID
	Address  string
}

func (m ConnectTo) Message() Message {
	fields := []Field{
		Uint64Field(fieldPeerID, uint64(m.WorkerID)),
		StringField(fieldPeerAddr, m.Address),
	}
	return Message{Op: OpConnectTo, Payload: EncodeFields(fields)}
}

func DecodeConnectTo(payload []byte) (ConnectTo, error) {
	fields, err := DecodeFields(payload)
	if err != nil {
		return ConnectTo{}, err
	}
	var m ConnectTo
	f, err := requireField(fields, fieldPeerID)
	if err != nil {
		return ConnectTo{}, err
	}
	id, err := f.Uint64()
	if err != nil {
		return ConnectTo{}, err
	}
	m.WorkerID = stats.WorkerID(id)
	f, err = requireField(fields, fieldPeerAddr)
	if err != nil {
		return ConnectTo{}, err
	}
	if m.Address, err = f.String(); err != nil {
		return ConnectTo{}, err
	}
	return m, nil
}

// ConnectionRequest opens or re-drives the datagram handshake with a
// peer; seeds are echoed to pair request and response.
type ConnectionRequest struct {
	WorkerID stats.WorkerID
	MySeed   uint32
	YourSeed uint32
}

func (m ConnectionRequest) Message() Message {
	fields := []Field{
		Uint64Field(fieldConnWorkerID, uint64(m.WorkerID)),
		Uint32Field(fieldConnMySeed, m.MySeed),
		Uint32Field(fieldConnYourSeed, m.YourSeed),
	}
	return Message{Op: OpConnectionRequest, Payload: EncodeFields(fields)}
}

func DecodeConnectionRequest(payload []byte) (ConnectionRequest, error) {
	fields, err := DecodeFields(payload)
	if err != nil {
		return ConnectionRequest{}, err
	}
	var m ConnectionRequest
	f, err := requireField(fields, fieldConnWorkerID)
	if err != nil {
		return ConnectionRequest{}, err
	}
	id, err := f.Uint64()
	if err != nil {
		return ConnectionRequest{}, err
	}
	m.WorkerID = stats.WorkerID(id)
	f, err = requireField(fields, fieldConnMySeed)
	if err != nil {
		return ConnectionRequest{}, err
	}
	if m.MySeed, err = f.Uint32(); err != nil {
		return ConnectionRequest{}, err
	}
	f, err = requireField(fields, fieldConnYourSeed)
	if err != nil {
		return ConnectionRequest{}, err
	}
	if m.YourSeed, err = f.Uint32(); err != nil {
		return ConnectionRequest{}, err
	}
	return m, nil
}

// ConnectionResponse completes the handshake and advertises the
// responder's resident treelets.
type ConnectionResponse struct {
	WorkerID stats.WorkerID
	MySeed   uint32
	YourSeed uint32
	Treelets []render.TreeletID
}

func (m ConnectionResponse) Message() Message {
	packed := make([]byte, 4*len(m.Treelets))
	for i, tid := range m.Treelets {
		binary.BigEndian.PutUint32(packed[4*i:], uint32(tid))
	}
	fields := []Field{
		Uint64Field(fieldConnWorkerID, uint64(m.WorkerID)),
		Uint32Field(fieldConnMySeed, m.MySeed),
		Uint32Field(fieldConnYourSeed, m.YourSeed),
		BytesField(fieldConnTreelets, packed),
	}
	return Message{Op: OpConnectionResponse, Payload: EncodeFields(fields)}
}

func DecodeConnectionResponse(payload []byte) (ConnectionResponse, error) {
	fields, err := DecodeFields(payload)
	if err != nil {
		return ConnectionResponse{}, err
	}
	var m ConnectionResponse
	f, err := requireField(fields, fieldConnWorkerID)
	if err != nil {
		return ConnectionResponse{}, err
	}
	id, err := f.Uint64()
	if err != nil {
		return ConnectionResponse{}, err
	}
	m.WorkerID = stats.WorkerID(id)
	f, err = requireField(fields, fieldConnMySeed)
	if err != nil {
		return ConnectionResponse{}, err
	}
	if m.MySeed, err = f.Uint32(); err != nil {
		return ConnectionResponse{}, err
	}
	f, err = requireField(fields, fieldConnYourSeed)
	if err != nil {
		return ConnectionResponse{}, err
	}
	if m.YourSeed, err = f.Uint32(); err != nil {
		return ConnectionResponse{}, err
	}
	f, err = requireField(fields, fieldConnTreelets)
	if err != nil {
		return ConnectionResponse{}, err
	}
	packed, err := f.Bytes()
	if err != nil {
		return ConnectionResponse{}, err
	}
	if len(packed)%4 != 0 {
		return ConnectionResponse{}, ErrInvalidLength
	}
	for i := 0; i < len(packed); i += 4 {
		m.Treelets = append(m.Treelets, render.TreeletID(binary.BigEndian.Uint32(packed[i:])))
	}
	return m, nil
}

// GetWorker asks the master for a peer that owns one treelet.
type GetWorker struct {
	TreeletID render.TreeletID
}

func (m GetWorker) Message() Message {
	fields := []Field{Uint32Field(fieldTreeletID, uint32(m.TreeletID))}
	return Message{Op: OpGetWorker, Payload: EncodeFields(fields)}
}

func DecodeGetWorker(payload []byte) (GetWorker, error) {
	fields, err := DecodeFields(payload)
	if err != nil {
		return GetWorker{}, err
	}
	f, err := requireField(fields, fieldTreeletID)
	if err != nil {
		return GetWorker{}, err
	}
	tid, err := f.Uint32()
	if err != nil {
		return GetWorker{}, err
	}
	return GetWorker{TreeletID: render.TreeletID(tid)}, nil
}

// rayStatsLen is the packed size of one seven-counter block.
const rayStatsLen = 7 * 8

func encodeRayStats(rs stats.RayStats) []byte {
	buf := make([]byte, rayStatsLen)
	for i, v := range [7]uint64{
		rs.SentRays, rs.ReceivedRays, rs.WaitingRays, rs.ProcessedRays,
		rs.DemandedRays, rs.SendingRays, rs.PendingRays,
	} {
		binary.BigEndian.PutUint64(buf[8*i:], v)
	}
	return buf
}

func decodeRayStats(b []byte) (stats.RayStats, error) {
	if len(b) != rayStatsLen {
		return stats.RayStats{}, ErrInvalidLength
	}
	var vals [7]uint64
	for i := range vals {
		vals[i] = binary.BigEndian.Uint64(b[8*i:])
	}
	return stats.RayStats{
		SentRays:      vals[0],
		ReceivedRays:  vals[1],
		WaitingRays:   vals[2],
		ProcessedRays: vals[3],
		DemandedRays:  vals[4],
		SendingRays:   vals[5],
		PendingRays:   vals[6],
	}, nil
}

const queueStatsLen = 7 * 8

func encodeQueueStats(qs stats.QueueStats) []byte {
	buf := make([]byte, queueStatsLen)
	for i, v := range [7]uint64{
		qs.Ray, qs.Finished, qs.Pending, qs.Out,
		qs.Connecting, qs.Connected, qs.OutstandingPacket,
	} {
		binary.BigEndian.PutUint64(buf[8*i:], v)
	}
	return buf
}

func decodeQueueStats(b []byte) (stats.QueueStats, error) {
	if len(b) != queueStatsLen {
		return stats.QueueStats{}, ErrInvalidLength
	}
	var vals [7]uint64
	for i := range vals {
		vals[i] = binary.BigEndian.Uint64(b[8*i:])
	}
	return stats.QueueStats{
		Ray:               vals[0],
		Finished:          vals[1],
		Pending:           vals[2],
		Out:               vals[3],
		Connecting:        vals[4],
		Connected:         vals[5],
		OutstandingPacket: vals[6],
	}, nil
}

// WorkerStatsMsg carries one stats-tick snapshot to the master.
type WorkerStatsMsg struct {
	Stats *stats.WorkerStats
}

func (m WorkerStatsMsg) Message() Message {
	ws := m.Stats
	fields := []Field{
		Uint64Field(fieldStatsFinishedPaths, ws.FinishedPaths),
		BytesField(fieldStatsAggregate, encodeRayStats(ws.Aggregate)),
		BytesField(fieldStatsQueue, encodeQueueStats(ws.Queue)),
	}
	for tid, rs := range ws.Treelets {
		rec := make([]byte, 4+rayStatsLen)
		binary.BigEndian.PutUint32(rec[0:4], uint32(tid))
		copy(rec[4:], encodeRayStats(*rs))
		fields = append(fields, BytesField(fieldStatsTreelet, rec))
	}
	return Message{Op: OpWorkerStats, Payload: EncodeFields(fields)}
}

func DecodeWorkerStats(payload []byte) (*stats.WorkerStats, error) {
	fields, err := DecodeFields(payload)
	if err != nil {
		return nil, err
	}
	ws := stats.NewWorkerStats()
	f, err := requireField(fields, fieldStatsFinishedPaths)
	if err != nil {
		return nil, err
	}
	if ws.FinishedPaths, err = f.Uint64(); err != nil {
		return nil, err
	}
	f, err = requireField(fields, fieldStatsAggregate)
	if err != nil {
		return nil, err
	}
	raw, err := f.Bytes()
	if err != nil {
		return nil, err
	}
	if ws.Aggregate, err = decodeRayStats(raw); err != nil {
		return nil, err
	}
	f, err = requireField(fields, fieldStatsQueue)
	if err != nil {
		return nil, err
	}
	if raw, err = f.Bytes(); err != nil {
		return nil, err
	}
	if ws.Queue, err = decodeQueueStats(raw); err != nil {
		return nil, err
	}
	for _, tf := range GetFields(fields, fieldStatsTreelet) {
		rec, err := tf.Bytes()
		if err != nil {
			return nil, err
		}
		if len(rec) != 4+rayStatsLen {
			return nil, ErrInvalidLength
		}
		tid := render.TreeletID(binary.BigEndian.Uint32(rec[0:4]))
		rs, err := decodeRayStats(rec[4:])
		if err != nil {
			return nil, err
		}
		ws.Treelets[tid] = &rs
	}
	return ws, nil
}
