// Package flatscene is a small reference kernel behind the trace
// contracts: spheres grouped into treelets, a pinhole camera, one
// point light, deterministic mirror bounces. The distributed loops
// are exercised end to end with it; it is not a production renderer.
package flatscene

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/danmuck/rayctl/internal/render"
	"github.com/pelletier/go-toml/v2"
)

const rayEpsilon = 1e-6

var ErrSceneInvalid = errors.New("flatscene: invalid scene")

// Sphere is one primitive, owned by exactly one treelet.
type Sphere struct {
	Treelet uint32     `toml:"treelet"`
	Center  [3]float64 `toml:"center"`
	Radius  float64    `toml:"radius"`
	Albedo  [3]float64 `toml:"albedo"`
}

// Camera is a pinhole at Origin looking toward -Z with the film plane
// at distance 1.
type Camera struct {
	Origin [3]float64 `toml:"origin"`
	FOV    float64    `toml:"fov"`
}

// Light is a single point light.
type Light struct {
	Position  [3]float64 `toml:"position"`
	Intensity [3]float64 `toml:"intensity"`
}

// Film is the output shape.
type Film struct {
	Width           int32  `toml:"width"`
	Height          int32  `toml:"height"`
	SamplesPerPixel uint32 `toml:"samples_per_pixel"`
}

// Scene is the TOML document stored under the SCENE0 key.
type Scene struct {
	Camera  Camera   `toml:"camera"`
	Light   Light    `toml:"light"`
	Film    Film     `toml:"film"`
	Spheres []Sphere `toml:"spheres"`
}

// Parse decodes and validates a scene document.
func Parse(data []byte) (*Scene, error) {
	var s Scene
	if err := toml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSceneInvalid, err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks the film shape and sphere radii.
func (s *Scene) Validate() error {
	if s.Film.Width <= 0 || s.Film.Height <= 0 {
		return fmt.Errorf("%w: film %dx%d", ErrSceneInvalid, s.Film.Width, s.Film.Height)
	}
	if s.Film.SamplesPerPixel == 0 {
		return fmt.Errorf("%w: zero samples per pixel", ErrSceneInvalid)
	}
	if s.Camera.FOV <= 0 || s.Camera.FOV >= 180 {
		return fmt.Errorf("%w: fov %g", ErrSceneInvalid, s.Camera.FOV)
	}
	for i, sp := range s.Spheres {
		if sp.Radius <= 0 {
			return fmt.Errorf("%w: spheres[%d] radius %g", ErrSceneInvalid, i, sp.Radius)
		}
	}
	return nil
}

// Marshal serializes the scene for storage.
func (s *Scene) Marshal() ([]byte, error) {
	return toml.Marshal(s)
}

// TreeletIDs returns the treelets the scene references, ascending,
// always including the root.
func (s *Scene) TreeletIDs() []render.TreeletID {
	seen := map[render.TreeletID]struct{}{render.RootTreelet: {}}
	for _, sp := range s.Spheres {
		seen[render.TreeletID(sp.Treelet)] = struct{}{}
	}
	out := make([]render.TreeletID, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func vec(a [3]float64) render.Vec3 {
	return render.Vec3{X: a[0], Y: a[1], Z: a[2]}
}

func rgb(a [3]float64) render.RGB {
	return render.RGB{R: a[0], G: a[1], B: a[2]}
}

// Kernel implements the trace contracts over one scene.
type Kernel struct {
	scene     *Scene
	byTreelet map[render.TreeletID][]int
	resident  map[render.TreeletID]struct{}
}

// NewKernel indexes the scene's spheres by treelet.
func NewKernel(s *Scene) *Kernel {
	k := &Kernel{
		scene:     s,
		byTreelet: make(map[render.TreeletID][]int),
		resident:  make(map[render.TreeletID]struct{}),
	}
	for i, sp := range s.Spheres {
		tid := render.TreeletID(sp.Treelet)
		k.byTreelet[tid] = append(k.byTreelet[tid], i)
	}
	return k
}

// Residents records which treelets this worker holds.
func (k *Kernel) Residents(ids []render.TreeletID) {
	k.resident = make(map[render.TreeletID]struct{}, len(ids))
	for _, id := range ids {
		k.resident[id] = struct{}{}
	}
}

// SamplesPerPixel implements trace.SamplerSpec.
func (k *Kernel) SamplesPerPixel() uint32 {
	return k.scene.Film.SamplesPerPixel
}

// SampleBounds implements trace.SamplerSpec.
func (k *Kernel) SampleBounds() render.Bounds2i {
	return render.Bounds2i{
		Max: render.Point2i{X: k.scene.Film.Width, Y: k.scene.Film.Height},
	}
}

// GenerateRay implements trace.CameraRayer. Sampling is deterministic:
// every sample of a pixel goes through the pixel center with weight 1.
func (k *Kernel) GenerateRay(pixel render.Point2i, sample uint32) render.RayState {
	w := float64(k.scene.Film.Width)
	h := float64(k.scene.Film.Height)
	aspect := w / h
	tanHalf := math.Tan(k.scene.Camera.FOV * math.Pi / 360)

	pFilm := render.Point2f{X: float64(pixel.X) + 0.5, Y: float64(pixel.Y) + 0.5}
	ndcX := (2*pFilm.X/w - 1) * tanHalf * aspect
	ndcY := (1 - 2*pFilm.Y/h) * tanHalf

	dir := render.Vec3{X: ndcX, Y: ndcY, Z: -1}.Normalize()
	return render.RayState{
		Sample: render.SampleInfo{
			Pixel:  pixel,
			PFilm:  pFilm,
			Weight: 1,
		},
		Ray: render.Ray{
			Origin: vec(k.scene.Camera.Origin),
			Dir:    dir,
			TMax:   math.Inf(1),
		},
		Beta: render.RGB{R: 1, G: 1, B: 1},
	}
}

// Trace implements trace.Intersector: one traversal step. The root
// treelet routes the ray to every leaf treelet it might intersect;
// leaf treelets test their spheres and keep the nearest hit.
func (k *Kernel) Trace(ray *render.RayState) {
	if len(ray.ToVisit) == 0 {
		return
	}
	visit := ray.PopVisit()
	if _, ok := k.resident[visit.Treelet]; !ok {
		// Not ours; put it back so the router can ship it.
		ray.PushVisit(visit)
		return
	}

	if visit.Treelet == render.RootTreelet {
		// Route into leaf treelets, lowest id pushed last so it is
		// inspected first. The root may also hold spheres directly.
		k.intersectTreelet(ray, render.RootTreelet)
		leaves := make([]render.TreeletID, 0, len(k.byTreelet))
		for tid := range k.byTreelet {
			if tid == render.RootTreelet {
				continue
			}
			if k.treeletBoundsHit(ray, tid) {
				leaves = append(leaves, tid)
			}
		}
		sort.Slice(leaves, func(i, j int) bool { return leaves[i] > leaves[j] })
		for _, tid := range leaves {
			ray.PushVisit(render.TreeletVisit{Treelet: tid})
		}
		return
	}

	k.intersectTreelet(ray, visit.Treelet)
}

func (k *Kernel) treeletBoundsHit(ray *render.RayState, tid render.TreeletID) bool {
	for _, idx := range k.byTreelet[tid] {
		sp := k.scene.Spheres[idx]
		if _, ok := sphereHit(ray.Ray, vec(sp.Center), sp.Radius+rayEpsilon); ok {
			return true
		}
	}
	return false
}

func (k *Kernel) intersectTreelet(ray *render.RayState, tid render.TreeletID) {
	for _, idx := range k.byTreelet[tid] {
		sp := k.scene.Spheres[idx]
		t, ok := sphereHit(ray.Ray, vec(sp.Center), sp.Radius)
		if !ok || t >= ray.Ray.TMax {
			continue
		}
		ray.Ray.TMax = t
		ray.SetHit(render.HitPoint{Treelet: tid, Node: uint32(idx)})
	}
}

func sphereHit(r render.Ray, center render.Vec3, radius float64) (float64, bool) {
	oc := r.Origin.Sub(center)
	a := r.Dir.Dot(r.Dir)
	halfB := oc.Dot(r.Dir)
	c := oc.Dot(oc) - radius*radius
	disc := halfB*halfB - a*c
	if disc < 0 {
		return 0, false
	}
	sqrtD := math.Sqrt(disc)
	t := (-halfB - sqrtD) / a
	if t < rayEpsilon {
		t = (-halfB + sqrtD) / a
	}
	if t < rayEpsilon || t >= r.TMax {
		return 0, false
	}
	return t, true
}

// Shade implements trace.Shader: a deterministic mirror bounce plus a
// direct-lighting shadow ray toward the point light.
func (k *Kernel) Shade(ray render.RayState) []render.RayState {
	sp := k.scene.Spheres[ray.Hit.Node]
	p := ray.Ray.At(ray.Ray.TMax)
	n := p.Sub(vec(sp.Center)).Normalize()
	albedo := rgb(sp.Albedo)

	var out []render.RayState

	if ray.RemainingBounces > 0 {
		d := ray.Ray.Dir
		reflected := d.Sub(n.Scale(2 * d.Dot(n))).Normalize()
		scatter := render.RayState{
			Sample: ray.Sample,
			Ray: render.Ray{
				Origin: p.Add(n.Scale(rayEpsilon * 10)),
				Dir:    reflected,
				TMax:   math.Inf(1),
			},
			Beta:             ray.Beta.Mul(albedo).Scale(0.5),
			Bounces:          ray.Bounces + 1,
			RemainingBounces: ray.RemainingBounces - 1,
		}
		if !scatter.Beta.IsBlack() {
			scatter.StartTrace()
			out = append(out, scatter)
		}
	}

	toLight := vec(k.scene.Light.Position).Sub(p)
	dist := toLight.Length()
	if dist > rayEpsilon {
		wi := toLight.Scale(1 / dist)
		cos := wi.Dot(n)
		if cos > 0 {
			ld := rgb(k.scene.Light.Intensity).Mul(albedo).
				Scale(cos / (math.Pi * dist * dist))
			shadow := render.RayState{
				Sample: ray.Sample,
				Ray: render.Ray{
					Origin: p.Add(n.Scale(rayEpsilon * 10)),
					Dir:    wi,
					TMax:   dist - rayEpsilon*10,
				},
				Beta:             ray.Beta,
				Ld:               ld,
				Bounces:          ray.Bounces,
				RemainingBounces: ray.RemainingBounces,
				IsShadowRay:      true,
			}
			shadow.StartTrace()
			out = append(out, shadow)
		}
	}

	return out
}
