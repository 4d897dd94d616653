package protocol

import (
	"errors"
	"testing"

	"github.com/danmuck/rayctl/internal/render"
	"github.com/danmuck/rayctl/internal/scene"
	"github.com/danmuck/rayctl/internal/stats"
)

func TestHeyRoundTrip(t *testing.T) {
	msg := Hey{LogStream: "2026/08/05/[$LATEST]abc"}.Message()
	if msg.Op != OpHey {
		t.Fatalf("opcode = %v", msg.Op)
	}
	out, err := DecodeHey(msg.Payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.LogStream != "2026/08/05/[$LATEST]abc" {
		t.Fatalf("log stream %q", out.LogStream)
	}

	empty, err := DecodeHey(Hey{}.Message().Payload)
	if err != nil || empty.LogStream != "" {
		t.Fatalf("empty hey: %+v %v", empty, err)
	}
}

func TestHeyReplyRoundTrip(t *testing.T) {
	out, err := DecodeHeyReply(HeyReply{WorkerID: 17}.Message().Payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.WorkerID != 17 {
		t.Fatalf("worker id = %d", out.WorkerID)
	}
}

func TestGetObjectsRoundTrip(t *testing.T) {
	in := GetObjects{Keys: []scene.ObjectKey{
		{Kind: scene.KindScene, ID: 0},
		{Kind: scene.KindTreelet, ID: 3},
		{Kind: scene.KindTriangleMesh, ID: 9},
	}}
	out, err := DecodeGetObjects(in.Message().Payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Keys) != 3 {
		t.Fatalf("got %d keys", len(out.Keys))
	}
	for i, key := range in.Keys {
		if out.Keys[i] != key {
			t.Fatalf("key %d mismatch: %v != %v", i, out.Keys[i], key)
		}
	}
}

func TestGenerateRaysRoundTrip(t *testing.T) {
	tile := render.Bounds2i{
		Min: render.Point2i{X: 3, Y: 0},
		Max: render.Point2i{X: 7, Y: 5},
	}
	out, err := DecodeGenerateRays(GenerateRays{Tile: tile}.Message().Payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Tile != tile {
		t.Fatalf("tile %v != %v", out.Tile, tile)
	}
}

func TestGenerateRaysMissingField(t *testing.T) {
	payload := EncodeFields([]Field{Uint32Field(fieldBoundsMinX, 1)})
	if _, err := DecodeGenerateRays(payload); !errors.Is(err, ErrMissingField) {
		t.Fatalf("expected ErrMissingField, got %v", err)
	}
}

func TestConnectToRoundTrip(t *testing.T) {
	in := ConnectTo{WorkerID: 4, Address: "10.0.0.7:41000"}
	out, err := DecodeConnectTo(in.Message().Payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out != in {
		t.Fatalf("%+v != %+v", out, in)
	}
}

func TestConnectionHandshakeRoundTrips(t *testing.T) {
	req := ConnectionRequest{WorkerID: 2, MySeed: 0xBEEF, YourSeed: 0xF00D}
	gotReq, err := DecodeConnectionRequest(req.Message().Payload)
	if err != nil {
		t.Fatalf("decode request: %v", err)
	}
	if gotReq != req {
		t.Fatalf("%+v != %+v", gotReq, req)
	}

	resp := ConnectionResponse{
		WorkerID: 2,
		MySeed:   0xBEEF,
		YourSeed: 0xF00D,
		Treelets: []render.TreeletID{0, 4, 9},
	}
	gotResp, err := DecodeConnectionResponse(resp.Message().Payload)
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if gotResp.WorkerID != resp.WorkerID || gotResp.MySeed != resp.MySeed ||
		gotResp.YourSeed != resp.YourSeed {
		t.Fatalf("%+v != %+v", gotResp, resp)
	}
	if len(gotResp.Treelets) != 3 || gotResp.Treelets[1] != 4 {
		t.Fatalf("treelets %v", gotResp.Treelets)
	}
}

func TestGetWorkerRoundTrip(t *testing.T) {
	out, err := DecodeGetWorker(GetWorker{TreeletID: 11}.Message().Payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.TreeletID != 11 {
		t.Fatalf("treelet %d", out.TreeletID)
	}
}

func TestWorkerStatsRoundTrip(t *testing.T) {
	ws := stats.NewWorkerStats()
	ws.RecordWaitingRay(0)
	ws.RecordWaitingRay(2)
	ws.RecordProcessedRay(2)
	ws.RecordDemandedRay(2)
	ws.RecordSentRay(1)
	ws.RecordFinishedPath()
	ws.Queue = stats.QueueStats{Ray: 5, Pending: 2, Out: 1, OutstandingPacket: 7}

	out, err := DecodeWorkerStats(WorkerStatsMsg{Stats: ws}.Message().Payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.FinishedPaths != 1 {
		t.Fatalf("finished paths %d", out.FinishedPaths)
	}
	if out.Aggregate != ws.Aggregate {
		t.Fatalf("aggregate %+v != %+v", out.Aggregate, ws.Aggregate)
	}
	if out.Queue != ws.Queue {
		t.Fatalf("queue %+v != %+v", out.Queue, ws.Queue)
	}
	if len(out.Treelets) != 3 {
		t.Fatalf("treelet scopes %d", len(out.Treelets))
	}
	if out.Treelets[2].ProcessedRays != 1 || out.Treelets[2].DemandedRays != 1 {
		t.Fatalf("treelet 2 stats %+v", out.Treelets[2])
	}
}
