package render

import (
	"errors"
	"fmt"
)

// ErrDegenerateSplit is returned when a tile bisection would split an
// axis of length one.
var ErrDegenerateSplit = errors.New("render: tile split across one-pixel axis")

// GetTile computes the bounds of tile tileIndex when bounds is divided
// into tileCount tiles by alternating axis bisection, starting with a
// vertical split. Even indices recurse into the first half, odd into
// the second, so the tiles partition bounds exactly.
func GetTile(tileIndex, tileCount uint32, bounds Bounds2i) (Bounds2i, error) {
	return getTile(tileIndex, tileCount, bounds, true)
}

func getTile(tileIndex, tileCount uint32, bounds Bounds2i, splitVertical bool) (Bounds2i, error) {
	if tileCount <= 1 {
		return bounds, nil
	}

	var first, second Bounds2i
	if splitVertical {
		mid := (bounds.Min.Y + bounds.Max.Y) / 2
		if mid == bounds.Min.Y || mid == bounds.Max.Y {
			return Bounds2i{}, fmt.Errorf("%w: %v", ErrDegenerateSplit, bounds)
		}
		first = Bounds2i{Min: bounds.Min, Max: Point2i{X: bounds.Max.X, Y: mid}}
		second = Bounds2i{Min: Point2i{X: bounds.Min.X, Y: mid}, Max: bounds.Max}
	} else {
		mid := (bounds.Min.X + bounds.Max.X) / 2
		if mid == bounds.Min.X || mid == bounds.Max.X {
			return Bounds2i{}, fmt.Errorf("%w: %v", ErrDegenerateSplit, bounds)
		}
		first = Bounds2i{Min: bounds.Min, Max: Point2i{X: mid, Y: bounds.Max.Y}}
		second = Bounds2i{Min: Point2i{X: mid, Y: bounds.Min.Y}, Max: bounds.Max}
	}

	if tileIndex%2 == 0 {
		evenTiles := tileCount - tileCount/2
		return getTile(tileIndex/2, evenTiles, first, !splitVertical)
	}
	oddTiles := tileCount / 2
	return getTile(tileIndex/2, oddTiles, second, !splitVertical)
}
