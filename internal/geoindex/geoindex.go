// Package geoindex ties the cell index together: it indexes and writes
// entities, answers bounding-box queries by planning a cell covering and
// scattering over the store, and answers nearest-neighbour queries on top of
// the box queries.
package geoindex

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/mohammed-shakir/geocell-index/internal/core/model"
	"github.com/mohammed-shakir/geocell-index/internal/core/observability"
	"github.com/mohammed-shakir/geocell-index/internal/executor"
	"github.com/mohammed-shakir/geocell-index/internal/geodist"
	"github.com/mohammed-shakir/geocell-index/internal/indexer"
	"github.com/mohammed-shakir/geocell-index/internal/invalidation"
	"github.com/mohammed-shakir/geocell-index/internal/planner"
	"github.com/mohammed-shakir/geocell-index/internal/proximity"
	"github.com/mohammed-shakir/geocell-index/internal/store"
)

// Notifier publishes entity changes to other instances.
type Notifier interface {
	Publish(ctx context.Context, ev invalidation.Event) error
}

type Config struct {
	Namespace string
	MaxLevel  int
	MinLevel  int
	FanoutCap int
	Executor  executor.Config
	MaxStale  int
	// StaleFloorM is passed to the proximity search; zero uses its default.
	StaleFloorM float64
}

type Index struct {
	ns       string
	maint    *indexer.Maintainer
	planner  *planner.Planner
	exec     *executor.Executor
	near     *proximity.Controller
	store    store.Store
	notifier Notifier
	logger   *slog.Logger
}

type Option func(*Index)

func WithNotifier(n Notifier) Option {
	return func(ix *Index) { ix.notifier = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(ix *Index) {
		if l != nil {
			ix.logger = l
		}
	}
}

var _ proximity.BoxQuerier = (*Index)(nil)

func New(s store.Store, cfg Config, opts ...Option) (*Index, error) {
	if s == nil {
		return nil, errors.New("geoindex: store is required")
	}
	maint, err := indexer.New(indexer.Config{MaxLevel: cfg.MaxLevel})
	if err != nil {
		return nil, fmt.Errorf("indexer: %w", err)
	}
	pl, err := planner.New(planner.Config{MaxLevel: cfg.MaxLevel, MinLevel: cfg.MinLevel, FanoutCap: cfg.FanoutCap})
	if err != nil {
		return nil, fmt.Errorf("planner: %w", err)
	}
	ix := &Index{
		ns:      cfg.Namespace,
		maint:   maint,
		planner: pl,
		store:   s,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, o := range opts {
		o(ix)
	}
	ix.exec = executor.New(s, cfg.Executor, ix.logger)
	ix.near = proximity.New(ix, proximity.Config{MaxLevel: cfg.MaxLevel, MaxStale: cfg.MaxStale, StaleFloorM: cfg.StaleFloorM}, ix.logger)
	return ix, nil
}

func (ix *Index) Namespace() string { return ix.ns }

func (ix *Index) MaxLevel() int { return ix.maint.MaxLevel() }

// Index returns the cell token of c at every indexed level, coarsest first.
func (ix *Index) Index(c model.Coordinate) (model.Cells, error) {
	return ix.maint.Fields(c)
}

// Put indexes and stores the entity, replacing any previous version, and
// announces the cells it left and entered.
func (ix *Index) Put(ctx context.Context, id string, c model.Coordinate, attrs map[string]string) (indexer.Entity, error) {
	e, err := ix.maint.Index(id, c, attrs)
	if err != nil {
		observability.IncWrite("put", err)
		return indexer.Entity{}, err
	}
	old, err := ix.previous(ctx, id)
	if err != nil {
		observability.IncWrite("put", err)
		return indexer.Entity{}, err
	}
	err = ix.store.Put(ctx, e)
	observability.IncWrite("put", err)
	if err != nil {
		return indexer.Entity{}, fmt.Errorf("put %s: %w", id, err)
	}
	ix.notify(ctx, invalidation.NewEvent(invalidation.OpUpsert, ix.ns, id, old, e.Cells()))
	return e, nil
}

// Delete removes the entity. Unknown ids yield model.ErrNotFound.
func (ix *Index) Delete(ctx context.Context, id string) error {
	old, err := ix.previous(ctx, id)
	if err != nil {
		observability.IncWrite("delete", err)
		return err
	}
	err = ix.store.Delete(ctx, id)
	observability.IncWrite("delete", err)
	if err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	if len(old) > 0 {
		ix.notify(ctx, invalidation.NewEvent(invalidation.OpDelete, ix.ns, id, old))
	}
	return nil
}

// Get loads one entity by id.
func (ix *Index) Get(ctx context.Context, id string) (model.Record, error) {
	g, ok := ix.store.(store.Getter)
	if !ok {
		return model.Record{}, fmt.Errorf("get %s: %w", id, errors.ErrUnsupported)
	}
	return g.Get(ctx, id)
}

// previous returns the cells of the stored version of id, or nothing when it
// is new or the store cannot load it.
func (ix *Index) previous(ctx context.Context, id string) (model.Cells, error) {
	if ix.notifier == nil {
		return nil, nil
	}
	g, ok := ix.store.(store.Getter)
	if !ok {
		return nil, nil
	}
	r, err := g.Get(ctx, id)
	switch {
	case err == nil:
	case errors.Is(err, model.ErrNotFound), errors.Is(err, errors.ErrUnsupported):
		return nil, nil
	default:
		return nil, fmt.Errorf("load %s: %w", id, err)
	}
	e, err := ix.maint.Restore(r)
	if err != nil {
		// a stored record we cannot index has no cells to announce
		ix.logger.Warn("stored record not indexable", "id", id, "err", err)
		return nil, nil
	}
	return e.Cells(), nil
}

func (ix *Index) notify(ctx context.Context, ev invalidation.Event) {
	if ix.notifier == nil || len(ev.Cells) == 0 {
		return
	}
	if err := ix.notifier.Publish(ctx, ev); err != nil {
		// the write itself succeeded; peers fall back to their cache TTL
		ix.logger.Warn("change notification failed", "id", ev.ID, "op", ev.Op, "err", err)
	}
}

// QueryBox returns every entity inside bb. Boxes crossing the antimeridian
// are split and both halves are queried concurrently. When some sub-queries
// fail the entries found are returned with an error matching
// executor.ErrPartialResults.
func (ix *Index) QueryBox(ctx context.Context, bb model.BBox) ([]model.Entry, error) {
	if err := bb.Validate(); err != nil {
		return nil, err
	}
	if err := planner.CheckExtent(bb); err != nil {
		return nil, err
	}
	parts := bb.Split()
	if len(parts) == 1 {
		return ix.queryPart(ctx, parts[0])
	}

	results := make([][]model.Entry, len(parts))
	var (
		mu       sync.Mutex
		partials []error
	)
	g, gctx := errgroup.WithContext(ctx)
	for i, part := range parts {
		g.Go(func() error {
			got, err := ix.queryPart(gctx, part)
			results[i] = got
			if errors.Is(err, executor.ErrPartialResults) {
				mu.Lock()
				partials = append(partials, err)
				mu.Unlock()
				return nil
			}
			return err
		})
	}
	err := g.Wait()

	var out []model.Entry
	seen := make(map[string]struct{})
	for _, r := range results {
		for _, e := range r {
			if _, dup := seen[e.ID]; dup {
				continue
			}
			seen[e.ID] = struct{}{}
			out = append(out, e)
		}
	}
	if err != nil {
		return out, err
	}
	return out, errors.Join(partials...)
}

func (ix *Index) queryPart(ctx context.Context, bb model.BBox) ([]model.Entry, error) {
	plan, err := ix.planner.Plan(bb)
	if err != nil {
		return nil, err
	}
	observability.ObservePlan(plan.Level, len(plan.Cells))
	ix.logger.Debug("box planned", "box", bb.String(), "level", plan.Level, "cells", len(plan.Cells))
	return ix.exec.Execute(ctx, plan.Level, plan.Cells, bb)
}

// QueryBoxFrom runs QueryBox and orders the entries by distance from center,
// ties broken by id.
func (ix *Index) QueryBoxFrom(ctx context.Context, bb model.BBox, center model.Coordinate) ([]model.Entry, error) {
	if err := center.Validate(); err != nil {
		return nil, err
	}
	out, err := ix.QueryBox(ctx, bb)
	for i := range out {
		out[i].Distance = geodist.DistanceM(center, out[i].Coord)
	}
	slices.SortFunc(out, func(a, b model.Entry) int {
		return cmp.Or(cmp.Compare(a.Distance, b.Distance), cmp.Compare(a.ID, b.ID))
	})
	return out, err
}

// QueryNearest returns up to k entities within maxRadiusM meters of p, closest first.
func (ix *Index) QueryNearest(ctx context.Context, p model.Coordinate, k int, maxRadiusM float64) ([]model.Entry, error) {
	return ix.near.Nearest(ctx, p, k, maxRadiusM)
}

// Ready pings the store when it supports it.
func (ix *Index) Ready(ctx context.Context) error {
	if p, ok := ix.store.(store.Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}
