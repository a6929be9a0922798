// Package proximity answers k-nearest queries by growing a search box around
// the point until enough candidates are found, then ranking by distance.
package proximity

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"slices"

	"github.com/mohammed-shakir/geocell-index/internal/core/model"
	"github.com/mohammed-shakir/geocell-index/internal/core/observability"
	"github.com/mohammed-shakir/geocell-index/internal/executor"
	"github.com/mohammed-shakir/geocell-index/internal/geodist"
	"github.com/mohammed-shakir/geocell-index/internal/mapper/geocell"
)

const (
	DefaultMaxStale = 3
	// DefaultStaleFloorM is the half-width below which empty expansions are
	// not counted as stale.
	DefaultStaleFloorM = 10000.0
	maxIterations      = 64
)

// BoxQuerier runs one bounding-box query. Wrapping boxes must be accepted.
type BoxQuerier interface {
	QueryBox(ctx context.Context, bb model.BBox) ([]model.Entry, error)
}

type Config struct {
	// MaxLevel sets the starting half-width to one cell height at that level.
	MaxLevel int
	// MaxStale is the number of consecutive expansions that find nothing new,
	// after the first candidate, before the search gives up.
	MaxStale int
	// StaleFloorM is the half-width in meters from which empty expansions
	// start to count towards MaxStale. Below it the search always keeps
	// growing, since boxes there cover only a few cells.
	StaleFloorM float64
}

type Controller struct {
	q       BoxQuerier
	initial float64
	cfg     Config
	logger  *slog.Logger
}

func New(q BoxQuerier, cfg Config, logger *slog.Logger) *Controller {
	if cfg.MaxLevel <= 0 || cfg.MaxLevel > geocell.MaxResolution {
		cfg.MaxLevel = geocell.MaxResolution
	}
	if cfg.MaxStale <= 0 {
		cfg.MaxStale = DefaultMaxStale
	}
	if cfg.StaleFloorM <= 0 || math.IsNaN(cfg.StaleFloorM) {
		cfg.StaleFloorM = DefaultStaleFloorM
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	latSpan, _ := geocell.Span(cfg.MaxLevel)
	return &Controller{q: q, initial: geodist.DegreesToMeters(latSpan), cfg: cfg, logger: logger}
}

type candidates struct {
	byID  map[string]model.Entry
	order []string
}

func (c *candidates) add(es []model.Entry) int {
	added := 0
	for _, e := range es {
		if _, ok := c.byID[e.ID]; ok {
			continue
		}
		c.byID[e.ID] = e
		c.order = append(c.order, e.ID)
		added++
	}
	return added
}

// Nearest returns up to k entries within maxRadiusM meters of p, closest
// first, ties broken by id. On cancellation it returns what was gathered so
// far, ranked, together with the context error.
func (c *Controller) Nearest(ctx context.Context, p model.Coordinate, k int, maxRadiusM float64) ([]model.Entry, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, fmt.Errorf("%w: %d", model.ErrInvalidCount, k)
	}
	if maxRadiusM <= 0 || math.IsNaN(maxRadiusM) || math.IsInf(maxRadiusM, 0) {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidRadius, maxRadiusM)
	}

	cands := &candidates{byID: map[string]model.Entry{}}
	var partial error
	searched := 0.0
	iterations := 0
	stale := 0

	// query searches the box around p with half-width hw; stop reports that
	// the box became too large to plan.
	query := func(hw float64) (added int, stop bool, err error) {
		iterations++
		got, err := c.q.QueryBox(ctx, geodist.BoxAround(p, hw))
		if errors.Is(err, model.ErrOversizedQuery) {
			return 0, true, nil
		}
		if err != nil && !errors.Is(err, executor.ErrPartialResults) {
			return cands.add(got), false, err
		}
		if err != nil {
			partial = err
		}
		searched = math.Max(searched, hw)
		return cands.add(got), false, nil
	}

	r := c.initial
	for range maxIterations {
		if err := ctx.Err(); err != nil {
			return c.finish(p, k, maxRadiusM, cands, iterations), fmt.Errorf("nearest canceled: %w", err)
		}
		hw := math.Min(r, maxRadiusM)
		added, stop, err := query(hw)
		if err != nil {
			return c.finish(p, k, maxRadiusM, cands, iterations), err
		}
		if stop || len(cands.order) >= k || hw >= maxRadiusM {
			break
		}
		// stale expansions only count once something has been found and the
		// box is wide enough for an empty ring to mean sparse data
		if added == 0 && len(cands.order) > 0 && hw >= c.cfg.StaleFloorM {
			stale++
			if stale >= c.cfg.MaxStale {
				break
			}
		} else {
			stale = 0
		}
		r *= 2
	}

	// Every entity within the searched half-width has been seen. Widen once
	// to the k-th distance so no closer entity outside the last box is missed.
	if len(cands.order) >= k && searched < maxRadiusM {
		if dk := kthDistance(p, k, cands); dk > searched {
			if _, _, err := query(math.Min(dk, maxRadiusM)); err != nil {
				return c.finish(p, k, maxRadiusM, cands, iterations), err
			}
		}
	}

	out := c.finish(p, k, maxRadiusM, cands, iterations)
	c.logger.Debug("nearest done", "k", k, "radius_m", maxRadiusM,
		"iterations", iterations, "candidates", len(cands.order), "results", len(out))
	return out, partial
}

func kthDistance(p model.Coordinate, k int, cands *candidates) float64 {
	ds := make([]float64, 0, len(cands.order))
	for _, id := range cands.order {
		ds = append(ds, geodist.DistanceM(p, cands.byID[id].Coord))
	}
	slices.Sort(ds)
	return ds[k-1]
}

// finish ranks the candidates and keeps the k closest within maxRadiusM.
func (c *Controller) finish(p model.Coordinate, k int, maxRadiusM float64, cands *candidates, iterations int) []model.Entry {
	out := make([]model.Entry, 0, len(cands.order))
	for _, id := range cands.order {
		e := cands.byID[id]
		e.Distance = geodist.DistanceM(p, e.Coord)
		if e.Distance <= maxRadiusM {
			out = append(out, e)
		}
	}
	slices.SortFunc(out, func(a, b model.Entry) int {
		return cmp.Or(cmp.Compare(a.Distance, b.Distance), cmp.Compare(a.ID, b.ID))
	})
	if len(out) > k {
		out = out[:k]
	}
	observability.ObserveProximity(iterations, len(out))
	return out
}
