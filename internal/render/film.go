package render

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
)

type filmPixel struct {
	sum       RGB
	weightSum float64
	samples   uint64
}

// FilmTile accumulates weighted radiance per pixel. It is a
// write-through accumulator: adding is cheap, normalization happens
// only when the image is written.
type FilmTile struct {
	bounds Bounds2i
	pixels map[Point2i]*filmPixel
}

// NewFilmTile creates an empty accumulator over bounds.
func NewFilmTile(bounds Bounds2i) *FilmTile {
	return &FilmTile{
		bounds: bounds,
		pixels: make(map[Point2i]*filmPixel, bounds.Area()),
	}
}

// Bounds returns the pixel rectangle the tile covers.
func (f *FilmTile) Bounds() Bounds2i {
	return f.bounds
}

// AddSample folds one radiance contribution into the film. Samples with
// non-finite or negative radiance are masked to zero; the weight still
// counts so normalization stays consistent.
func (f *FilmTile) AddSample(pFilm Point2f, l RGB, weight float64) {
	p := Point2i{X: int32(math.Floor(pFilm.X)), Y: int32(math.Floor(pFilm.Y))}
	if !f.bounds.Contains(p) {
		return
	}
	if !l.Valid() {
		l = RGB{}
	}
	px := f.pixels[p]
	if px == nil {
		px = &filmPixel{}
		f.pixels[p] = px
	}
	px.sum = px.sum.Add(l.Scale(weight))
	px.weightSum += weight
	px.samples++
}

// Merge folds another tile into this one.
func (f *FilmTile) Merge(other *FilmTile) {
	for p, px := range other.pixels {
		dst := f.pixels[p]
		if dst == nil {
			dst = &filmPixel{}
			f.pixels[p] = dst
		}
		dst.sum = dst.sum.Add(px.sum)
		dst.weightSum += px.weightSum
		dst.samples += px.samples
	}
}

// SampleCount returns the total number of contributions accumulated.
func (f *FilmTile) SampleCount() uint64 {
	var n uint64
	for _, px := range f.pixels {
		n += px.samples
	}
	return n
}

// PixelSamples returns the contribution count for one pixel.
func (f *FilmTile) PixelSamples(p Point2i) uint64 {
	px := f.pixels[p]
	if px == nil {
		return 0
	}
	return px.samples
}

// Radiance returns the normalized radiance for one pixel.
func (f *FilmTile) Radiance(p Point2i) RGB {
	px := f.pixels[p]
	if px == nil || px.weightSum == 0 {
		return RGB{}
	}
	return px.sum.Scale(1 / px.weightSum)
}

// WriteImage renders the accumulated film to a PNG file with gamma 2.2.
func (f *FilmTile) WriteImage(path string) error {
	d := f.bounds.Diagonal()
	if d.X <= 0 || d.Y <= 0 {
		return fmt.Errorf("render: empty film bounds %v", f.bounds)
	}
	img := image.NewRGBA(image.Rect(0, 0, int(d.X), int(d.Y)))
	f.bounds.ForEach(func(p Point2i) {
		l := f.Radiance(p)
		img.SetRGBA(int(p.X-f.bounds.Min.X), int(p.Y-f.bounds.Min.Y), color.RGBA{
			R: toSRGB(l.R),
			G: toSRGB(l.G),
			B: toSRGB(l.B),
			A: 255,
		})
	})

	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("render: write film: %w", err)
	}
	defer out.Close()
	if err := png.Encode(out, img); err != nil {
		return fmt.Errorf("render: encode film: %w", err)
	}
	return nil
}

func toSRGB(v float64) uint8 {
	v = math.Pow(math.Max(0, math.Min(1, v)), 1/2.2)
	return uint8(math.Round(v * 255))
}
