package protocol

import (
	"math"
	"testing"

	"github.com/danmuck/rayctl/internal/render"
)

func sampleRay() render.RayState {
	r := render.RayState{
		Sample: render.SampleInfo{
			ID:     421,
			Num:    3,
			Pixel:  render.Point2i{X: 12, Y: 9},
			PFilm:  render.Point2f{X: 12.5, Y: 9.5},
			Weight: 1,
		},
		Ray: render.Ray{
			Origin: render.Vec3{X: 0.25, Y: -1, Z: 3},
			Dir:    render.Vec3{X: 0, Y: 0, Z: -1},
			TMax:   math.Inf(1),
		},
		Beta:             render.RGB{R: 1, G: 0.5, B: 0.25},
		Ld:               render.RGB{R: 0.1, G: 0.2, B: 0.3},
		Bounces:          2,
		RemainingBounces: 3,
	}
	r.ToVisit = []render.TreeletVisit{
		{Treelet: 0, Node: 7},
		{Treelet: 4, Node: 1, Transform: 2},
	}
	return r
}

func TestRayStateRoundTrip(t *testing.T) {
	in := sampleRay()
	out, err := DecodeRayState(EncodeRayState(&in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if out.Sample != in.Sample {
		t.Fatalf("sample %+v != %+v", out.Sample, in.Sample)
	}
	if out.Ray.Origin != in.Ray.Origin || out.Ray.Dir != in.Ray.Dir ||
		!math.IsInf(out.Ray.TMax, 1) {
		t.Fatalf("ray %+v != %+v", out.Ray, in.Ray)
	}
	if len(out.ToVisit) != 2 || out.ToVisit[1] != in.ToVisit[1] {
		t.Fatalf("toVisit %v != %v", out.ToVisit, in.ToVisit)
	}
	if out.HasHit {
		t.Fatalf("spurious hit")
	}
	if out.Beta != in.Beta || out.Ld != in.Ld {
		t.Fatalf("throughput mismatch")
	}
	if out.Bounces != 2 || out.RemainingBounces != 3 || out.IsShadowRay {
		t.Fatalf("counters mismatch: %+v", out)
	}
	if out.CurrentTreelet() != 4 {
		t.Fatalf("current treelet %d, want top of stack", out.CurrentTreelet())
	}
}

func TestRayStateRoundTripWithHit(t *testing.T) {
	in := sampleRay()
	in.ToVisit = nil
	in.IsShadowRay = true
	in.SetHit(render.HitPoint{Treelet: 6, Node: 42})

	out, err := DecodeRayState(EncodeRayState(&in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !out.HasHit || out.Hit.Treelet != 6 || out.Hit.Node != 42 {
		t.Fatalf("hit lost: %+v", out.Hit)
	}
	if !out.IsShadowRay {
		t.Fatalf("shadow flag lost")
	}
	if out.CurrentTreelet() != 6 {
		t.Fatalf("current treelet %d, want hit treelet", out.CurrentTreelet())
	}
}

func TestRecordStream(t *testing.T) {
	var payload []byte
	records := [][]byte{[]byte("a"), []byte("longer record"), {}}
	for _, rec := range records {
		payload = AppendRecord(payload, rec)
	}

	var got [][]byte
	err := ReadRecords(payload, func(record []byte) error {
		cp := make([]byte, len(record))
		copy(cp, record)
		got = append(got, cp)
		return nil
	})
	if err != nil {
		t.Fatalf("read records: %v", err)
	}
	if len(got) != 3 || string(got[1]) != "longer record" || len(got[2]) != 0 {
		t.Fatalf("records %q", got)
	}
}

func TestReadRecordsTruncated(t *testing.T) {
	payload := AppendRecord(nil, []byte("abcdef"))
	if err := ReadRecords(payload[:len(payload)-1], func([]byte) error { return nil }); err == nil {
		t.Fatalf("expected error for truncated stream")
	}
}

func TestFinishedSampleRoundTrip(t *testing.T) {
	in := render.FinishedSample{
		SampleID: 99,
		PFilm:    render.Point2f{X: 3.5, Y: 1.5},
		L:        render.RGB{R: 0.25, G: 0.5, B: 1},
		Weight:   0.75,
	}
	out, err := DecodeFinishedSample(EncodeFinishedSample(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out != in {
		t.Fatalf("%+v != %+v", out, in)
	}
}
