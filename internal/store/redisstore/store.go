package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mohammed-shakir/geocell-index/internal/core/model"
	"github.com/mohammed-shakir/geocell-index/internal/core/observability"
	"github.com/mohammed-shakir/geocell-index/internal/indexer"
	"github.com/mohammed-shakir/geocell-index/internal/store"
)

const maxTxRetries = 5

type document struct {
	ID     string            `json:"id"`
	Coord  model.Coordinate  `json:"coord"`
	Attrs  map[string]string `json:"attrs,omitempty"`
	Fields map[string]string `json:"fields"`
}

type Store struct {
	cli *Client
	ns  string
}

var (
	_ store.Store  = (*Store)(nil)
	_ store.Getter = (*Store)(nil)
	_ store.Pinger = (*Store)(nil)
)

func New(cli *Client, namespace string) *Store {
	return &Store{cli: cli, ns: sanitizeNamespace(namespace)}
}

func (s *Store) Ping(ctx context.Context) error { return s.cli.Ping(ctx) }

// Put replaces the entity document and moves its id between field sets in a
// single MULTI/EXEC, retried when another writer touches the same entity.
func (s *Store) Put(ctx context.Context, e indexer.Entity) error {
	if e.ID() == "" {
		return fmt.Errorf("%w: empty id", model.ErrInvalidEntity)
	}
	doc := document{ID: e.ID(), Coord: e.Coordinate(), Attrs: e.Attrs(), Fields: e.Fields()}
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("redis encode entity %q: %w", e.ID(), err)
	}
	key := entityKey(s.ns, e.ID())

	start := time.Now()
	err = s.update(ctx, key, func(tx *redis.Tx, old *document) error {
		_, err := tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			if old != nil {
				for f, v := range old.Fields {
					if doc.Fields[f] != v {
						p.SRem(ctx, fieldKey(s.ns, f, v), e.ID())
					}
				}
			}
			p.Set(ctx, key, body, 0)
			for f, v := range doc.Fields {
				p.SAdd(ctx, fieldKey(s.ns, f, v), e.ID())
			}
			return nil
		})
		return err
	})
	observability.ObserveStoreOp(backend, "put", err, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("redis put %q: %w", e.ID(), err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	key := entityKey(s.ns, id)
	start := time.Now()
	err := s.update(ctx, key, func(tx *redis.Tx, old *document) error {
		if old == nil {
			return model.ErrNotFound
		}
		_, err := tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Del(ctx, key)
			for f, v := range old.Fields {
				p.SRem(ctx, fieldKey(s.ns, f, v), id)
			}
			return nil
		})
		return err
	})
	observability.ObserveStoreOp(backend, "delete", err, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("redis delete %q: %w", id, err)
	}
	return nil
}

// update runs fn under WATCH on key with the currently stored document.
func (s *Store) update(ctx context.Context, key string, fn func(tx *redis.Tx, old *document) error) error {
	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		var old *document
		if err == nil {
			old = &document{}
			if err := json.Unmarshal(raw, old); err != nil {
				return fmt.Errorf("decode stored entity: %w", err)
			}
		}
		return fn(tx, old)
	}
	for range maxTxRetries {
		err := s.cli.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("%w after %d attempts", redis.TxFailedErr, maxTxRetries)
}

func (s *Store) Get(ctx context.Context, id string) (model.Record, error) {
	key := entityKey(s.ns, id)
	raw, err := s.cli.MGet(ctx, []string{key})
	if err != nil {
		return model.Record{}, err
	}
	body, ok := raw[key]
	if !ok {
		return model.Record{}, fmt.Errorf("redis get %q: %w", id, model.ErrNotFound)
	}
	var doc document
	if err := json.Unmarshal(body, &doc); err != nil {
		return model.Record{}, fmt.Errorf("redis decode entity %q: %w", id, err)
	}
	return model.Record{ID: doc.ID, Coord: doc.Coord, Attrs: doc.Attrs}, nil
}

// QueryEquals walks the field sets of values in order with SSCAN. The cursor
// is "<value index>:<sscan cursor>". A page may run slightly past limit
// because SSCAN COUNT is only a hint.
func (s *Store) QueryEquals(ctx context.Context, field string, values []string, cursor string, limit int) (store.Page, error) {
	limit = store.PageSize(limit)
	vi, sc, err := parseCursor(cursor)
	if err != nil {
		return store.Page{}, err
	}

	start := time.Now()
	seen := make(map[string]struct{})
	var ids []string
	for vi < len(values) && len(ids) < limit {
		members, next, err := s.cli.SScan(ctx, fieldKey(s.ns, field, values[vi]), sc, int64(limit-len(ids)))
		if err != nil {
			observability.ObserveStoreOp(backend, "query", err, time.Since(start).Seconds())
			return store.Page{}, err
		}
		for _, id := range members {
			if _, dup := seen[id]; !dup {
				seen[id] = struct{}{}
				ids = append(ids, id)
			}
		}
		sc = next
		if sc == 0 {
			vi++
		}
	}

	page := store.Page{}
	if vi < len(values) {
		page.Cursor = strconv.Itoa(vi) + ":" + strconv.FormatUint(sc, 10)
	}
	page.Records, err = s.load(ctx, ids)
	observability.ObserveStoreOp(backend, "query", err, time.Since(start).Seconds())
	if err != nil {
		return store.Page{}, err
	}
	return page, nil
}

// load fetches documents for ids, skipping ids deleted since the scan.
func (s *Store) load(ctx context.Context, ids []string) ([]model.Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = entityKey(s.ns, id)
	}
	raw, err := s.cli.MGet(ctx, keys)
	if err != nil {
		return nil, err
	}
	out := make([]model.Record, 0, len(raw))
	for i, k := range keys {
		body, ok := raw[k]
		if !ok {
			continue
		}
		var doc document
		if err := json.Unmarshal(body, &doc); err != nil {
			return nil, fmt.Errorf("redis decode entity %q: %w", ids[i], err)
		}
		out = append(out, model.Record{ID: doc.ID, Coord: doc.Coord, Attrs: doc.Attrs})
	}
	return out, nil
}

func parseCursor(c string) (int, uint64, error) {
	if c == "" {
		return 0, 0, nil
	}
	a, b, ok := strings.Cut(c, ":")
	if !ok {
		return 0, 0, fmt.Errorf("redis cursor %q: malformed", c)
	}
	vi, err := strconv.Atoi(a)
	if err != nil || vi < 0 {
		return 0, 0, fmt.Errorf("redis cursor %q: bad value index", c)
	}
	sc, err := strconv.ParseUint(b, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("redis cursor %q: %w", c, err)
	}
	return vi, sc, nil
}
