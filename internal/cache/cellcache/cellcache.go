// Package cellcache keeps recent QueryEquals pages in memory in front of a
// record store, evicting them per cell when entities in those cells change.
package cellcache

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/mohammed-shakir/geocell-index/internal/core/model"
	"github.com/mohammed-shakir/geocell-index/internal/core/observability"
	"github.com/mohammed-shakir/geocell-index/internal/indexer"
	"github.com/mohammed-shakir/geocell-index/internal/mapper/geocell"
	"github.com/mohammed-shakir/geocell-index/internal/store"
)

const (
	numShards = 16

	DefaultSize = 4096
	DefaultTTL  = 30 * time.Second
)

type Config struct {
	// Size is the total number of cached pages across all shards.
	Size int
	TTL  time.Duration
}

type entry struct {
	page  store.Page
	cells []string
}

type shard struct {
	pages *expirable.LRU[string, entry]

	mu     sync.Mutex
	byCell map[string]map[string]struct{}
}

type Store struct {
	inner  store.Store
	shards [numShards]*shard
	// bumped by every invalidation so lookups that raced a write are not cached
	epoch atomic.Uint64
}

var (
	_ store.BatchQuerier = (*Store)(nil)
	_ store.Getter       = (*Store)(nil)
	_ store.Pinger       = (*Store)(nil)
	_ store.Invalidator  = (*Store)(nil)
)

func New(inner store.Store, cfg Config) *Store {
	if cfg.Size <= 0 {
		cfg.Size = DefaultSize
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	per := max(cfg.Size/numShards, 1)
	s := &Store{inner: inner}
	for i := range s.shards {
		s.shards[i] = &shard{byCell: make(map[string]map[string]struct{})}
	}
	for i := range s.shards {
		s.shards[i].pages = expirable.NewLRU[string, entry](per, s.unlink, cfg.TTL)
	}
	return s
}

func (s *Store) pick(k string) *shard {
	return s.shards[xxhash.Sum64String(k)&(numShards-1)]
}

func cacheKey(field string, values []string, cursor string, limit int) string {
	var b strings.Builder
	b.WriteString(field)
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(limit))
	b.WriteByte('|')
	b.WriteString(cursor)
	for _, v := range values {
		b.WriteByte('|')
		b.WriteString(v)
	}
	return b.String()
}

// unlink runs on eviction, removal and expiry. It must not call back into the LRU.
func (s *Store) unlink(key string, e entry) {
	for _, c := range e.cells {
		sh := s.pick(c)
		sh.mu.Lock()
		if keys, ok := sh.byCell[c]; ok {
			delete(keys, key)
			if len(keys) == 0 {
				delete(sh.byCell, c)
			}
		}
		sh.mu.Unlock()
	}
}

func (s *Store) link(key string, cells []string) {
	for _, c := range cells {
		sh := s.pick(c)
		sh.mu.Lock()
		keys, ok := sh.byCell[c]
		if !ok {
			keys = make(map[string]struct{})
			sh.byCell[c] = keys
		}
		keys[key] = struct{}{}
		sh.mu.Unlock()
	}
}

func (s *Store) QueryEquals(ctx context.Context, field string, values []string, cursor string, limit int) (store.Page, error) {
	key := cacheKey(field, values, cursor, limit)
	sh := s.pick(key)
	if e, ok := sh.pages.Get(key); ok {
		observability.AddCellCacheHits(1)
		return e.page, nil
	}
	observability.AddCellCacheMisses(1)

	before := s.epoch.Load()
	page, err := s.inner.QueryEquals(ctx, field, values, cursor, limit)
	if err != nil {
		return store.Page{}, err
	}
	if s.epoch.Load() != before {
		return page, nil
	}
	// Publish first, then re-check: an invalidation that started after the
	// check above either sees the link or has moved the epoch.
	cells := append([]string(nil), values...)
	sh.pages.Add(key, entry{page: page, cells: cells})
	s.link(key, cells)
	if s.epoch.Load() != before {
		sh.pages.Remove(key)
	}
	return page, nil
}

// InvalidateCells drops every cached page whose lookup values include one of cells.
func (s *Store) InvalidateCells(cells model.Cells) int {
	s.epoch.Add(1)
	var keys []string
	for _, c := range cells {
		sh := s.pick(c)
		sh.mu.Lock()
		for k := range sh.byCell[c] {
			keys = append(keys, k)
		}
		sh.mu.Unlock()
	}
	n := 0
	for _, k := range keys {
		if s.pick(k).pages.Remove(k) {
			n++
		}
	}
	observability.AddCellCacheInvalidations(n)
	return n
}

// Len reports the number of cached pages.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		n += sh.pages.Len()
	}
	return n
}

// Purge empties the cache.
func (s *Store) Purge() {
	s.epoch.Add(1)
	for _, sh := range s.shards {
		sh.pages.Purge()
	}
}

// previousCells returns the cells of the stored version of id at every
// level, so a move or delete evicts the pages that still list it.
func (s *Store) previousCells(ctx context.Context, id string) []string {
	g, ok := s.inner.(store.Getter)
	if !ok {
		return nil
	}
	r, err := g.Get(ctx, id)
	if err != nil {
		return nil
	}
	finest, err := geocell.Encode(r.Coord, geocell.MaxResolution)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(finest)+1)
	for l := 0; l <= len(finest); l++ {
		out = append(out, finest[:l])
	}
	return out
}

func (s *Store) Put(ctx context.Context, e indexer.Entity) error {
	old := s.previousCells(ctx, e.ID())
	if err := s.inner.Put(ctx, e); err != nil {
		return err
	}
	s.InvalidateCells(append(e.Cells(), old...))
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	old := s.previousCells(ctx, id)
	if err := s.inner.Delete(ctx, id); err != nil {
		return err
	}
	s.InvalidateCells(old)
	return nil
}

// MaxBatchValues is 1 when the wrapped store cannot batch.
func (s *Store) MaxBatchValues() int {
	if bq, ok := s.inner.(store.BatchQuerier); ok {
		return bq.MaxBatchValues()
	}
	return 1
}

func (s *Store) Get(ctx context.Context, id string) (model.Record, error) {
	if g, ok := s.inner.(store.Getter); ok {
		return g.Get(ctx, id)
	}
	return model.Record{}, errors.ErrUnsupported
}

func (s *Store) Ping(ctx context.Context) error {
	if p, ok := s.inner.(store.Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}
