package flatscene

import (
	"github.com/danmuck/rayctl/internal/render"
)

// RenderSerial traces the scene to completion in-process with every
// treelet resident, applying the same ray classification the
// distributed worker uses. Tests compare distributed output against
// it.
func RenderSerial(s *Scene, bounds render.Bounds2i, maxDepth uint32) *render.FilmTile {
	k := NewKernel(s)
	k.Residents(s.TreeletIDs())

	film := render.NewFilmTile(k.SampleBounds())
	extent := k.SampleBounds().Diagonal()
	spp := k.SamplesPerPixel()

	var queue []render.RayState
	for sample := uint32(0); sample < spp; sample++ {
		bounds.ForEach(func(pixel render.Point2i) {
			ray := k.GenerateRay(pixel, sample)
			ray.Sample.ID = (uint64(pixel.X) + uint64(pixel.Y)*uint64(extent.X))*uint64(spp) + uint64(sample)
			ray.Sample.Num = sample
			ray.RemainingBounces = maxDepth
			ray.StartTrace()
			queue = append(queue, ray)
		})
	}

	for len(queue) > 0 {
		ray := queue[0]
		queue = queue[1:]

		if len(ray.ToVisit) > 0 {
			k.Trace(&ray)
			hit := ray.HasHit
			emptyVisit := len(ray.ToVisit) == 0

			if ray.IsShadowRay {
				if hit {
					fin := ray.Finish(render.RGB{})
					film.AddSample(fin.PFilm, fin.L, fin.Weight)
				} else if emptyVisit {
					fin := ray.Finish(ray.ShadowContribution())
					film.AddSample(fin.PFilm, fin.L, fin.Weight)
				} else {
					queue = append(queue, ray)
				}
			} else if !emptyVisit || hit {
				queue = append(queue, ray)
			} else {
				fin := ray.Finish(render.RGB{})
				film.AddSample(fin.PFilm, fin.L, fin.Weight)
			}
			continue
		}

		if ray.HasHit {
			queue = append(queue, k.Shade(ray)...)
			continue
		}

		fin := ray.Finish(render.RGB{})
		film.AddSample(fin.PFilm, fin.L, fin.Weight)
	}

	return film
}
