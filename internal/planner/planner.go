// Package planner turns a bounding box into the cell level and tokens to scatter over.
package planner

import (
	"fmt"
	"slices"

	"github.com/mohammed-shakir/geocell-index/internal/core/model"
	"github.com/mohammed-shakir/geocell-index/internal/mapper/geocell"
)

const (
	DefaultMinLevel  = 1
	DefaultFanoutCap = 48

	maxWidthDeg  = 180.0
	maxHeightDeg = 90.0
)

type Config struct {
	MaxLevel  int
	MinLevel  int
	FanoutCap int
}

type Plan struct {
	Level int
	Cells model.Cells
}

type Planner struct {
	cfg Config
}

func New(cfg Config) (*Planner, error) {
	if cfg.MinLevel <= 0 {
		cfg.MinLevel = DefaultMinLevel
	}
	if cfg.FanoutCap <= 0 {
		cfg.FanoutCap = DefaultFanoutCap
	}
	if cfg.MaxLevel < 1 || cfg.MaxLevel > geocell.MaxResolution {
		return nil, fmt.Errorf("%w: max level %d", model.ErrInvalidLevel, cfg.MaxLevel)
	}
	if cfg.MinLevel > cfg.MaxLevel {
		return nil, fmt.Errorf("%w: min level %d above max level %d", model.ErrInvalidLevel, cfg.MinLevel, cfg.MaxLevel)
	}
	return &Planner{cfg: cfg}, nil
}

func (p *Planner) Config() Config { return p.cfg }

// Resolution picks the deepest level whose covering stays within the fan-out cap.
func (p *Planner) Resolution(bb model.BBox) (int, error) {
	r, err := p.resolve(bb)
	if err != nil {
		return 0, err
	}
	return r.Level, nil
}

// Plan returns the chosen level and its covering cells, sorted.
func (p *Planner) Plan(bb model.BBox) (Plan, error) {
	r, err := p.resolve(bb)
	if err != nil {
		return Plan{}, err
	}
	cells, err := r.Tokens()
	if err != nil {
		return Plan{}, err
	}
	slices.Sort(cells)
	return Plan{Level: r.Level, Cells: cells}, nil
}

// CheckExtent rejects boxes too large to plan. It also applies to wrapping
// boxes, whose halves may each be small enough on their own.
func CheckExtent(bb model.BBox) error {
	if bb.Width() > maxWidthDeg || bb.Height() > maxHeightDeg {
		return fmt.Errorf("%w: box %s spans %.1f x %.1f degrees", model.ErrOversizedQuery, bb, bb.Height(), bb.Width())
	}
	return nil
}

func (p *Planner) resolve(bb model.BBox) (geocell.GridRange, error) {
	if err := bb.Validate(); err != nil {
		return geocell.GridRange{}, err
	}
	if bb.Wraps() {
		return geocell.GridRange{}, fmt.Errorf("%w: box %s crosses the antimeridian, split it first", model.ErrInvalidBox, bb)
	}
	if err := CheckExtent(bb); err != nil {
		return geocell.GridRange{}, err
	}

	limit := uint64(p.cfg.FanoutCap)
	var best geocell.GridRange
	found := false
	for level := p.cfg.MinLevel; level <= p.cfg.MaxLevel; level++ {
		r, err := geocell.RangeForBBox(bb, level)
		if err != nil {
			return geocell.GridRange{}, err
		}
		// counts only grow with level
		if r.Count() > limit {
			break
		}
		best, found = r, true
	}
	if !found {
		return geocell.GridRange{}, fmt.Errorf("%w: box %s needs more than %d cells at level %d", model.ErrOversizedQuery, bb, p.cfg.FanoutCap, p.cfg.MinLevel)
	}
	return best, nil
}
