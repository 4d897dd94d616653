package flatscene

import (
	"errors"
	"testing"

	"github.com/danmuck/rayctl/internal/render"
)

func twoTreeletScene() *Scene {
	return &Scene{
		Camera: Camera{Origin: [3]float64{0, 0, 0}, FOV: 60},
		Light:  Light{Position: [3]float64{0, 5, 0}, Intensity: [3]float64{50, 50, 50}},
		Film:   Film{Width: 8, Height: 8, SamplesPerPixel: 2},
		Spheres: []Sphere{
			{Treelet: 1, Center: [3]float64{-1, 0, -5}, Radius: 1, Albedo: [3]float64{0.8, 0.2, 0.2}},
			{Treelet: 2, Center: [3]float64{1, 0, -5}, Radius: 1, Albedo: [3]float64{0.2, 0.8, 0.2}},
		},
	}
}

func TestSceneMarshalRoundTrip(t *testing.T) {
	doc := twoTreeletScene()
	data, err := doc.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	parsed, err := Parse(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(parsed.Spheres) != 2 || parsed.Film.SamplesPerPixel != 2 {
		t.Fatalf("round trip lost data: %+v", parsed)
	}
}

func TestParseRejectsBadScenes(t *testing.T) {
	bad := twoTreeletScene()
	bad.Film.Width = 0
	data, err := bad.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := Parse(data); !errors.Is(err, ErrSceneInvalid) {
		t.Fatalf("expected ErrSceneInvalid, got %v", err)
	}
}

func TestTreeletIDsIncludeRoot(t *testing.T) {
	ids := twoTreeletScene().TreeletIDs()
	if len(ids) != 3 || ids[0] != 0 || ids[1] != 1 || ids[2] != 2 {
		t.Fatalf("treelet ids %v", ids)
	}
}

func TestRootTraceRoutesToLeafTreelets(t *testing.T) {
	doc := twoTreeletScene()
	k := NewKernel(doc)
	k.Residents(doc.TreeletIDs())

	ray := render.RayState{
		Ray:  render.Ray{Origin: render.Vec3{X: -1, Y: 0, Z: 0}, Dir: render.Vec3{Z: -1}, TMax: 1e30},
		Beta: render.RGB{R: 1, G: 1, B: 1},
	}
	ray.StartTrace()

	k.Trace(&ray)
	if len(ray.ToVisit) == 0 {
		t.Fatalf("root step pushed no leaf visits")
	}
	// Lower treelet ids are inspected first.
	if ray.CurrentTreelet() != 1 {
		t.Fatalf("top of stack is %d, want 1", ray.CurrentTreelet())
	}
}

func TestTraceFindsNearestHit(t *testing.T) {
	doc := twoTreeletScene()
	k := NewKernel(doc)
	k.Residents(doc.TreeletIDs())

	ray := render.RayState{
		Ray:  render.Ray{Origin: render.Vec3{X: -1, Y: 0, Z: 0}, Dir: render.Vec3{Z: -1}, TMax: 1e30},
		Beta: render.RGB{R: 1, G: 1, B: 1},
	}
	ray.StartTrace()
	for len(ray.ToVisit) > 0 {
		k.Trace(&ray)
	}
	if !ray.HasHit {
		t.Fatalf("straight-on ray missed the sphere")
	}
	if ray.Hit.Treelet != 1 || ray.Hit.Node != 0 {
		t.Fatalf("hit %+v, want sphere 0 in treelet 1", ray.Hit)
	}
	if ray.Ray.TMax < 3.9 || ray.Ray.TMax > 4.1 {
		t.Fatalf("hit distance %g, want ~4", ray.Ray.TMax)
	}
}

func TestTraceLeavesForeignVisitsAlone(t *testing.T) {
	doc := twoTreeletScene()
	k := NewKernel(doc)
	k.Residents([]render.TreeletID{0, 1})

	ray := render.RayState{
		Ray: render.Ray{Origin: render.Vec3{}, Dir: render.Vec3{Z: -1}, TMax: 1e30},
	}
	ray.ToVisit = []render.TreeletVisit{{Treelet: 2}}
	k.Trace(&ray)
	if len(ray.ToVisit) != 1 || ray.ToVisit[0].Treelet != 2 {
		t.Fatalf("non-resident visit consumed: %v", ray.ToVisit)
	}
}

func TestShadeSpawnsScatterAndShadow(t *testing.T) {
	doc := twoTreeletScene()
	k := NewKernel(doc)
	k.Residents(doc.TreeletIDs())

	ray := render.RayState{
		Ray:              render.Ray{Origin: render.Vec3{X: -1, Y: 0, Z: 0}, Dir: render.Vec3{Z: -1}, TMax: 1e30},
		Beta:             render.RGB{R: 1, G: 1, B: 1},
		RemainingBounces: 2,
	}
	ray.StartTrace()
	for len(ray.ToVisit) > 0 {
		k.Trace(&ray)
	}
	spawned := k.Shade(ray)
	if len(spawned) != 2 {
		t.Fatalf("spawned %d rays, want scatter + shadow", len(spawned))
	}

	var sawScatter, sawShadow bool
	for _, s := range spawned {
		if s.IsShadowRay {
			sawShadow = true
			if s.Ld.IsBlack() {
				t.Fatalf("shadow ray carries no direct lighting")
			}
		} else {
			sawScatter = true
			if s.RemainingBounces != 1 {
				t.Fatalf("scatter remaining bounces %d, want 1", s.RemainingBounces)
			}
		}
		if len(s.ToVisit) != 1 || s.ToVisit[0].Treelet != render.RootTreelet {
			t.Fatalf("spawned ray has no fresh traversal stack")
		}
	}
	if !sawScatter || !sawShadow {
		t.Fatalf("missing spawn kinds: scatter=%v shadow=%v", sawScatter, sawShadow)
	}
}

func TestShadeSuppressesScatterAtDepthLimit(t *testing.T) {
	doc := twoTreeletScene()
	k := NewKernel(doc)
	k.Residents(doc.TreeletIDs())

	ray := render.RayState{
		Ray:              render.Ray{Origin: render.Vec3{X: -1, Y: 0, Z: 0}, Dir: render.Vec3{Z: -1}, TMax: 1e30},
		Beta:             render.RGB{R: 1, G: 1, B: 1},
		RemainingBounces: 0,
	}
	ray.StartTrace()
	for len(ray.ToVisit) > 0 {
		k.Trace(&ray)
	}
	for _, s := range k.Shade(ray) {
		if !s.IsShadowRay {
			t.Fatalf("scatter spawned at depth limit")
		}
	}
}

func TestRenderSerialProducesSamples(t *testing.T) {
	doc := twoTreeletScene()
	k := NewKernel(doc)
	film := RenderSerial(doc, k.SampleBounds(), 3)

	if film.SampleCount() == 0 {
		t.Fatalf("serial render produced no samples")
	}
	// Every pixel got at least its camera-path terminations.
	k.SampleBounds().ForEach(func(p render.Point2i) {
		if film.PixelSamples(p) == 0 {
			t.Fatalf("pixel %v received no contributions", p)
		}
	})
}
