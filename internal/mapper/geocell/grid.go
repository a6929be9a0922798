package geocell

import (
	"fmt"

	"github.com/mohammed-shakir/geocell-index/internal/core/model"
)

// GridRange is the inclusive block of grid cells a non-wrapping box touches at Level.
type GridRange struct {
	Level  int
	X0, Y0 uint64
	X1, Y1 uint64
}

func (r GridRange) Count() uint64 {
	return (r.X1 - r.X0 + 1) * (r.Y1 - r.Y0 + 1)
}

// Tokens walks the range row by row from the south-west corner.
func (r GridRange) Tokens() (model.Cells, error) {
	out := make(model.Cells, 0, r.Count())
	for y := r.Y0; y <= r.Y1; y++ {
		for x := r.X0; x <= r.X1; x++ {
			t, err := FromGrid(x, y, r.Level)
			if err != nil {
				return nil, err
			}
			out = append(out, t)
		}
	}
	return out, nil
}

// RangeForBBox returns the cells touched by bb at level. Wrapping boxes must be split first.
func RangeForBBox(bb model.BBox, level int) (GridRange, error) {
	if err := bb.Validate(); err != nil {
		return GridRange{}, err
	}
	if bb.Wraps() {
		return GridRange{}, fmt.Errorf("%w: box %s crosses the antimeridian", model.ErrInvalidBox, bb)
	}
	x0, y0, err := GridIndex(model.Coordinate{Lat: bb.South, Lng: bb.West}, level)
	if err != nil {
		return GridRange{}, err
	}
	x1, y1, err := GridIndex(model.Coordinate{Lat: bb.North, Lng: bb.East}, level)
	if err != nil {
		return GridRange{}, err
	}
	return GridRange{Level: level, X0: x0, Y0: y0, X1: x1, Y1: y1}, nil
}
