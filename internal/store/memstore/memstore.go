// Package memstore is an in-process record store, used for tests and the
// default single-node deployment.
package memstore

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/mohammed-shakir/geocell-index/internal/core/model"
	"github.com/mohammed-shakir/geocell-index/internal/core/observability"
	"github.com/mohammed-shakir/geocell-index/internal/indexer"
	"github.com/mohammed-shakir/geocell-index/internal/store"
)

const backend = "memory"

type Store struct {
	mu       sync.RWMutex
	entities map[string]indexer.Entity
	// field -> value -> ids
	index map[string]map[string]map[string]struct{}
}

var _ store.BatchQuerier = (*Store)(nil)

func New() *Store {
	return &Store{
		entities: make(map[string]indexer.Entity),
		index:    make(map[string]map[string]map[string]struct{}),
	}
}

func (s *Store) Put(ctx context.Context, e indexer.Entity) error {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.ID() == "" {
		return fmt.Errorf("%w: empty id", model.ErrInvalidEntity)
	}
	s.mu.Lock()
	if old, ok := s.entities[e.ID()]; ok {
		s.unindexLocked(old)
	}
	s.entities[e.ID()] = e
	for f, v := range e.Fields() {
		byVal, ok := s.index[f]
		if !ok {
			byVal = make(map[string]map[string]struct{})
			s.index[f] = byVal
		}
		ids, ok := byVal[v]
		if !ok {
			ids = make(map[string]struct{})
			byVal[v] = ids
		}
		ids[e.ID()] = struct{}{}
	}
	s.mu.Unlock()
	observability.ObserveStoreOp(backend, "put", nil, time.Since(start).Seconds())
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.entities[id]
	if !ok {
		err := fmt.Errorf("memstore delete %q: %w", id, model.ErrNotFound)
		observability.ObserveStoreOp(backend, "delete", err, time.Since(start).Seconds())
		return err
	}
	s.unindexLocked(old)
	delete(s.entities, id)
	observability.ObserveStoreOp(backend, "delete", nil, time.Since(start).Seconds())
	return nil
}

func (s *Store) unindexLocked(e indexer.Entity) {
	for f, v := range e.Fields() {
		ids := s.index[f][v]
		delete(ids, e.ID())
		if len(ids) == 0 {
			delete(s.index[f], v)
		}
	}
}

func (s *Store) Get(ctx context.Context, id string) (model.Record, error) {
	if err := ctx.Err(); err != nil {
		return model.Record{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[id]
	if !ok {
		return model.Record{}, fmt.Errorf("memstore get %q: %w", id, model.ErrNotFound)
	}
	return e.Record(), nil
}

// QueryEquals pages by id: the cursor is the last id returned.
func (s *Store) QueryEquals(ctx context.Context, field string, values []string, cursor string, limit int) (store.Page, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return store.Page{}, err
	}
	limit = store.PageSize(limit)

	s.mu.RLock()
	matched := make(map[string]struct{})
	for _, v := range values {
		maps.Copy(matched, s.index[field][v])
	}
	ids := slices.Sorted(maps.Keys(matched))
	pos, _ := slices.BinarySearch(ids, cursor)
	if pos < len(ids) && ids[pos] == cursor {
		pos++
	}
	end := min(pos+limit, len(ids))

	page := store.Page{Records: make([]model.Record, 0, end-pos)}
	for _, id := range ids[pos:end] {
		page.Records = append(page.Records, s.entities[id].Record())
	}
	s.mu.RUnlock()

	if end < len(ids) {
		page.Cursor = ids[end-1]
	}
	observability.ObserveStoreOp(backend, "query", nil, time.Since(start).Seconds())
	return page, nil
}

func (s *Store) MaxBatchValues() int { return 1024 }

func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entities)
}
