// Package trace declares the narrow contracts the scheduling
// substrate calls into: intersection, shading and camera-ray
// generation are domain library code behind these interfaces.
package trace

import "github.com/danmuck/rayctl/internal/render"

// Intersector advances one ray by one BVH step against the treelets
// resident at this worker. It mutates the traversal stack and may
// record a nearer hit; it must only consume stack entries whose
// treelet is resident.
type Intersector interface {
	Trace(ray *render.RayState)
}

// Shader evaluates the surface a ray stopped at and returns the rays
// it spawns: at most one scatter ray and one direct-lighting shadow
// ray. Each returned ray has a fresh traversal stack, decremented
// remaining bounces, and updated throughput.
type Shader interface {
	Shade(ray render.RayState) []render.RayState
}

// CameraRayer turns one pixel sample into a primary ray.
type CameraRayer interface {
	GenerateRay(pixel render.Point2i, sample uint32) render.RayState
}

// SamplerSpec describes the job's sampling shape.
type SamplerSpec interface {
	SamplesPerPixel() uint32
	SampleBounds() render.Bounds2i
}

// Kernel bundles the collaborators a worker needs once its scene
// objects are on disk.
type Kernel interface {
	Intersector
	Shader
	CameraRayer
	SamplerSpec
	// Residents tells the kernel which treelets this worker holds.
	Residents(ids []render.TreeletID)
}
